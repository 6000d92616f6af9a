package disasm

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/memory"
)

// DefaultCacheSize is the number of decoded instructions kept by NewX86.
const DefaultCacheSize = 1 << 16

// X86 decodes 64-bit x86 instructions through a memory probe.
type X86 struct {
	probe memory.Probe
	cache *lru.Cache[uint64, Inst]
}

// NewX86 returns a decoder over p. A cacheSize of zero disables caching.
func NewX86(p memory.Probe, cacheSize int) (*X86, error) {
	d := &X86{probe: p}
	if cacheSize > 0 {
		c, err := lru.New[uint64, Inst](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("decode cache: %w", err)
		}
		d.cache = c
	}
	return d, nil
}

// Decode implements Decoder. Unreadable or undecodable bytes yield false.
func (d *X86) Decode(addr uint64) (Inst, bool) {
	if d.cache != nil {
		if in, ok := d.cache.Get(addr); ok {
			return in, true
		}
	}
	in, ok := DecodeAt(d.probe, addr)
	if ok && d.cache != nil {
		d.cache.Add(addr, in)
	}
	return in, ok
}

// Purge drops every cached instruction.
func (d *X86) Purge() {
	if d.cache != nil {
		d.cache.Purge()
	}
}

// DecodeAt decodes a single instruction without caching. Near the end of a
// readable region the window shrinks to what can be read.
func DecodeAt(p memory.Probe, addr uint64) (Inst, bool) {
	n := uint64(MaxInstLen)
	var buf []byte
	for ; n > 0; n-- {
		if b, ok := p.Read(addr, n); ok {
			buf = b
			break
		}
	}
	if buf == nil {
		return Inst{}, false
	}
	return DecodeBytes(buf, addr)
}

// DecodeBytes decodes the instruction at the start of buf, located at addr.
func DecodeBytes(buf []byte, addr uint64) (Inst, bool) {
	raw, err := x86asm.Decode(buf, 64)
	if err != nil || raw.Len == 0 {
		return Inst{}, false
	}
	return Inst{
		Addr:     addr,
		Len:      raw.Len,
		Mnemonic: raw.Op.String(),
		Raw:      raw,
		Bytes:    append([]byte(nil), buf[:raw.Len]...),
	}, true
}

// Linear decodes up to count instructions in program order without
// following branches.
func Linear(d Decoder, addr uint64, count int) Stream {
	var out Stream
	for i := 0; i < count; i++ {
		in, ok := d.Decode(addr)
		if !ok {
			break
		}
		out = append(out, in)
		addr = in.Next()
	}
	return out
}
