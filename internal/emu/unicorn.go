//go:build unicorn

package emu

import (
	"github.com/charmbracelet/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"binfacts/internal/analysis"
	"binfacts/internal/disasm"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

const ucPageSize = 0x1000

var ucRegs = [16]int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

// Unicorn is an Emulator backed by unicorn-engine. Module pages are copied
// into the engine on first touch, so stores never reach the probed memory.
type Unicorn struct {
	mem memory.Probe
	dec disasm.Decoder
	log *log.Logger
}

// NewUnicorn returns a unicorn-backed emulator.
func NewUnicorn(mem memory.Probe, dec disasm.Decoder, lg *log.Logger) *Unicorn {
	if lg == nil {
		lg = logging.Discard()
	}
	return &Unicorn{mem: mem, dec: dec, log: lg}
}

func pageRange(base, size uint64) (uint64, uint64) {
	lo := base &^ (ucPageSize - 1)
	hi := (base + size + ucPageSize - 1) &^ (ucPageSize - 1)
	return lo, hi - lo
}

func syncFromEngine(mu uc.Unicorn, ctx *Context) {
	for i, r := range ucRegs {
		if v, err := mu.RegRead(r); err == nil {
			ctx.Regs[i] = v
		}
	}
	if v, err := mu.RegRead(uc.X86_REG_RIP); err == nil {
		ctx.RIP = v
	}
}

func syncToEngine(mu uc.Unicorn, ctx *Context) error {
	for i, r := range ucRegs {
		if err := mu.RegWrite(r, ctx.Regs[i]); err != nil {
			return err
		}
	}
	return nil
}

// mapModulePage copies the page holding addr from the probe.
func (u *Unicorn) mapModulePage(mu uc.Unicorn, addr uint64) bool {
	page := addr &^ (ucPageSize - 1)
	buf := make([]byte, ucPageSize)
	mapped := false
	for off := uint64(0); off < ucPageSize; off += 0x100 {
		if b, ok := u.mem.Read(page+off, 0x100); ok {
			copy(buf[off:], b)
			mapped = true
		}
	}
	if !mapped {
		return false
	}
	if err := mu.MemMap(page, ucPageSize); err != nil {
		return false
	}
	return mu.MemWrite(page, buf) == nil
}

// Emulate implements Emulator.
func (u *Unicorn) Emulate(start uint64, budget int, ctx *Context, visit Visitor) Result {
	res := Result{Reason: StopBudget}
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		u.log.Error("unicorn init failed", "err", err)
		res.Reason = StopFetch
		return res
	}
	defer mu.Close()

	for _, b := range ctx.Buffers() {
		lo, size := pageRange(b.Base, uint64(len(b.Data)))
		if err := mu.MemMap(lo, size); err != nil {
			u.log.Error("map scratch", "base", logging.Hex(b.Base), "err", err)
			res.Reason = StopFetch
			return res
		}
		if err := mu.MemWrite(b.Base, b.Data); err != nil {
			u.log.Error("write scratch", "base", logging.Hex(b.Base), "err", err)
			res.Reason = StopFetch
			return res
		}
	}
	if err := syncToEngine(mu, ctx); err != nil {
		u.log.Error("write registers", "err", err)
		res.Reason = StopFetch
		return res
	}

	if _, err := mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_FETCH_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			if addr&^(ucPageSize-1) == ReturnSentinel&^(ucPageSize-1) {
				res.Reason = StopReturned
				return false
			}
			if access == uc.MEM_WRITE_UNMAPPED {
				// Stores outside known memory are dropped: give them a blank page.
				page := addr &^ (ucPageSize - 1)
				return mu.MemMap(page, ucPageSize) == nil
			}
			return u.mapModulePage(mu, addr)
		}, 1, 0); err != nil {
		u.log.Error("hook memory", "err", err)
		res.Reason = StopFetch
		return res
	}

	if _, err := mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if res.Steps >= budget {
			mu.Stop()
			return
		}
		in, ok := u.dec.Decode(addr)
		if !ok {
			res.Reason = StopFetch
			mu.Stop()
			return
		}
		res.Steps++
		syncFromEngine(mu, ctx)
		switch visit(Step{Inst: in, WritesMemory: in.WritesMemory(), Ctx: ctx}) {
		case analysis.Break:
			res.Reason = StopBreak
			mu.Stop()
		case analysis.StepOver:
			if in.IsCall() {
				ctx.clobberVolatile()
				_ = syncToEngine(mu, ctx)
			}
			_ = mu.RegWrite(uc.X86_REG_RIP, in.Next())
		}
	}, 1, 0); err != nil {
		u.log.Error("hook code", "err", err)
		res.Reason = StopFetch
		return res
	}

	if err := mu.Start(start, ReturnSentinel); err != nil && res.Reason == StopBudget {
		u.log.Debug("unicorn stopped", "err", err)
		res.Reason = StopFetch
	}
	syncFromEngine(mu, ctx)

	for _, b := range ctx.Buffers() {
		if data, err := mu.MemRead(b.Base, uint64(len(b.Data))); err == nil {
			copy(b.Data, data)
		}
	}
	u.log.Debug("emulation stopped", "start", logging.Hex(start), "steps", res.Steps, "reason", res.Reason)
	return res
}
