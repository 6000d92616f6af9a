package emu

import (
	"encoding/binary"
	"math/bits"

	"github.com/charmbracelet/log"
	"golang.org/x/arch/x86/x86asm"

	"binfacts/internal/analysis"
	"binfacts/internal/disasm"
	"binfacts/internal/logging"
	"binfacts/internal/memory"
)

// Step is what a visitor sees before an instruction takes effect.
type Step struct {
	Inst         disasm.Inst
	WritesMemory bool
	Ctx          *Context
}

// Visitor decides what happens to each instruction. StepOver skips the
// instruction's effect (a skipped CALL clobbers the volatile registers and
// returns zero); Break ends the run.
type Visitor func(s Step) analysis.Action

// StopReason says why a run ended.
type StopReason int

const (
	StopBudget StopReason = iota
	StopBreak
	StopReturned
	StopFetch
	StopTrap
	StopUnknownTarget
)

func (r StopReason) String() string {
	switch r {
	case StopBudget:
		return "budget"
	case StopBreak:
		return "break"
	case StopReturned:
		return "returned"
	case StopFetch:
		return "fetch"
	case StopTrap:
		return "trap"
	case StopUnknownTarget:
		return "unknown-target"
	}
	return "unknown"
}

// Result summarizes a run.
type Result struct {
	Steps  int
	Reason StopReason
}

// Emulator runs code from start for at most budget instructions.
type Emulator interface {
	Emulate(start uint64, budget int, ctx *Context, visit Visitor) Result
}

// Interpreter is a pure-Go Emulator covering the integer subset resolvers
// need. Unsupported instructions and faulting memory accesses are skipped.
type Interpreter struct {
	mem memory.Probe
	dec disasm.Decoder
	log *log.Logger
}

// NewInterpreter returns an interpreter reading module memory through mem.
func NewInterpreter(mem memory.Probe, dec disasm.Decoder, lg *log.Logger) *Interpreter {
	if lg == nil {
		lg = logging.Discard()
	}
	return &Interpreter{mem: mem, dec: dec, log: lg}
}

type run struct {
	*Interpreter
	ctx *Context
	in  disasm.Inst
}

// Emulate implements Emulator.
func (e *Interpreter) Emulate(start uint64, budget int, ctx *Context, visit Visitor) Result {
	res := e.emulate(start, budget, ctx, visit)
	e.log.Debug("emulation stopped", "start", logging.Hex(start), "steps", res.Steps, "reason", res.Reason, "ctx", ctx)
	return res
}

func (e *Interpreter) emulate(start uint64, budget int, ctx *Context, visit Visitor) Result {
	ctx.RIP = start
	r := &run{Interpreter: e, ctx: ctx}
	res := Result{Reason: StopBudget}
	for res.Steps < budget {
		in, ok := e.dec.Decode(ctx.RIP)
		if !ok {
			res.Reason = StopFetch
			return res
		}
		res.Steps++
		r.in = in

		action := visit(Step{Inst: in, WritesMemory: in.WritesMemory(), Ctx: ctx})
		if action == analysis.Break {
			res.Reason = StopBreak
			return res
		}
		if action == analysis.StepOver {
			if in.IsCall() {
				ctx.clobberVolatile()
			}
			ctx.RIP = in.Next()
			continue
		}
		if reason, stop := r.exec(); stop {
			res.Reason = reason
			return res
		}
	}
	return res
}

func (r *run) exec() (StopReason, bool) {
	in := r.in
	ctx := r.ctx
	next := in.Next()
	args := in.Raw.Args
	size := r.opSize()

	switch in.Raw.Op {
	case x86asm.MOV:
		if v, ok := r.read(args[1], size); ok {
			r.write(args[0], size, v)
		}
	case x86asm.MOVZX:
		if v, ok := r.read(args[1], r.argSize(args[1])); ok {
			r.write(args[0], size, v)
		}
	case x86asm.MOVSX, x86asm.MOVSXD:
		src := r.argSize(args[1])
		if v, ok := r.read(args[1], src); ok {
			r.write(args[0], size, signExtend(v, src))
		}
	case x86asm.LEA:
		if m, ok := args[1].(x86asm.Mem); ok {
			if a, ok := r.effective(m); ok {
				r.write(args[0], size, a)
			}
		}
	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.CMP, x86asm.TEST:
		r.arith(size)
	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		r.unary(size)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		r.shift(size)
	case x86asm.XCHG:
		a, ok1 := r.read(args[0], size)
		b, ok2 := r.read(args[1], size)
		if ok1 && ok2 {
			r.write(args[0], size, b)
			r.write(args[1], size, a)
		}
	case x86asm.PUSH:
		if v, ok := r.read(args[0], 8); ok {
			r.push(v)
		} else {
			r.push(0)
		}
	case x86asm.POP:
		r.write(args[0], 8, r.pop())
	case x86asm.CALL:
		target, ok := r.controlTarget()
		if !ok || !r.mem.IsReadable(target, 1) {
			// Unresolvable callee: behave as if it returned nothing.
			ctx.clobberVolatile()
			break
		}
		r.push(next)
		ctx.RIP = target
		return 0, false
	case x86asm.RET:
		ret := r.pop()
		if ret == ReturnSentinel {
			return StopReturned, true
		}
		ctx.RIP = ret
		return 0, false
	case x86asm.JMP:
		target, ok := r.controlTarget()
		if !ok {
			return StopUnknownTarget, true
		}
		ctx.RIP = target
		return 0, false
	default:
		if in.IsCondJump() {
			if r.taken() {
				target, _ := in.BranchTarget()
				ctx.RIP = target
				return 0, false
			}
		} else if in.IsRet() {
			return StopTrap, true
		}
	}
	ctx.RIP = next
	return 0, false
}

// opSize returns the operand size in bytes of the instruction's destination.
func (r *run) opSize() int {
	if a := r.in.Raw.Args[0]; a != nil {
		if s := r.argSize(a); s > 0 {
			return s
		}
	}
	if r.in.Raw.DataSize > 0 {
		return r.in.Raw.DataSize / 8
	}
	return 8
}

func (r *run) argSize(a x86asm.Arg) int {
	switch a := a.(type) {
	case x86asm.Reg:
		if _, w, _, ok := regInfo(a); ok {
			return w
		}
	case x86asm.Mem:
		if r.in.Raw.MemBytes > 0 {
			return r.in.Raw.MemBytes
		}
		return r.in.Raw.DataSize / 8
	}
	return 0
}

// effective computes the address of a memory operand. Segment-relative
// operands (fs, gs) have no static address.
func (r *run) effective(m x86asm.Mem) (uint64, bool) {
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return 0, false
	}
	var a uint64
	switch {
	case m.Base == x86asm.RIP:
		a = r.in.Next()
	case m.Base != 0:
		a = r.ctx.Reg(m.Base)
	}
	if m.Index != 0 {
		a += r.ctx.Reg(m.Index) * uint64(m.Scale)
	}
	return a + uint64(m.Disp), true
}

// load reads size bytes from scratch memory or, read-only, from the probe.
func (r *run) load(addr uint64, size int) (uint64, bool) {
	if size <= 0 || size > 8 {
		return 0, false
	}
	n := uint64(size)
	var b []byte
	if buf := r.ctx.buffer(addr, n); buf != nil {
		off := addr - buf.Base
		b = buf.Data[off : off+n]
	} else {
		var ok bool
		if b, ok = r.mem.Read(addr, n); !ok {
			return 0, false
		}
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:]) & mask(size), true
}

// store writes into scratch memory; stores anywhere else are discarded.
func (r *run) store(addr uint64, size int, v uint64) {
	if size <= 0 || size > 8 {
		return
	}
	buf := r.ctx.buffer(addr, uint64(size))
	if buf == nil {
		return
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(buf.Data[addr-buf.Base:], tmp[:size])
}

func (r *run) read(a x86asm.Arg, size int) (uint64, bool) {
	switch a := a.(type) {
	case x86asm.Reg:
		return r.ctx.Reg(a), true
	case x86asm.Imm:
		return uint64(int64(a)) & mask(size), true
	case x86asm.Mem:
		addr, ok := r.effective(a)
		if !ok {
			return 0, false
		}
		return r.load(addr, size)
	}
	return 0, false
}

func (r *run) write(a x86asm.Arg, size int, v uint64) {
	switch a := a.(type) {
	case x86asm.Reg:
		r.ctx.SetReg(a, v&mask(size))
	case x86asm.Mem:
		if addr, ok := r.effective(a); ok {
			r.store(addr, size, v)
		}
	}
}

func (r *run) push(v uint64) {
	r.ctx.Regs[regRSP] -= 8
	r.store(r.ctx.Regs[regRSP], 8, v)
}

func (r *run) pop() uint64 {
	v, _ := r.load(r.ctx.Regs[regRSP], 8)
	r.ctx.Regs[regRSP] += 8
	return v
}

// controlTarget resolves the destination of a CALL or JMP.
func (r *run) controlTarget() (uint64, bool) {
	if t, ok := r.in.BranchTarget(); ok {
		return t, true
	}
	switch a := r.in.Raw.Args[0].(type) {
	case x86asm.Reg:
		return r.ctx.Reg(a), true
	case x86asm.Mem:
		addr, ok := r.effective(a)
		if !ok {
			return 0, false
		}
		return r.load(addr, 8)
	}
	return 0, false
}

func signExtend(v uint64, size int) uint64 {
	shift := uint(64 - size*8)
	return uint64(int64(v<<shift) >> shift)
}

func signBit(v uint64, size int) bool {
	return v>>(uint(size)*8-1)&1 == 1
}

func (r *run) setResultFlags(res uint64, size int) {
	res &= mask(size)
	r.ctx.Flags.ZF = res == 0
	r.ctx.Flags.SF = signBit(res, size)
	r.ctx.Flags.PF = bits.OnesCount8(uint8(res))%2 == 0
}

func (r *run) arith(size int) {
	args := r.in.Raw.Args
	a, ok1 := r.read(args[0], size)
	b, ok2 := r.read(args[1], size)
	if !ok1 || !ok2 {
		return
	}
	f := &r.ctx.Flags
	var res uint64
	switch r.in.Raw.Op {
	case x86asm.ADD:
		res = (a + b) & mask(size)
		f.CF = res < a&mask(size)
		f.OF = signBit(a, size) == signBit(b, size) && signBit(res, size) != signBit(a, size)
	case x86asm.SUB, x86asm.CMP:
		res = (a - b) & mask(size)
		f.CF = a < b
		f.OF = signBit(a, size) != signBit(b, size) && signBit(res, size) != signBit(a, size)
	case x86asm.AND, x86asm.TEST:
		res = a & b
		f.CF, f.OF = false, false
	case x86asm.OR:
		res = a | b
		f.CF, f.OF = false, false
	case x86asm.XOR:
		res = a ^ b
		f.CF, f.OF = false, false
	}
	r.setResultFlags(res, size)
	if r.in.Raw.Op != x86asm.CMP && r.in.Raw.Op != x86asm.TEST {
		r.write(args[0], size, res)
	}
}

func (r *run) unary(size int) {
	arg := r.in.Raw.Args[0]
	v, ok := r.read(arg, size)
	if !ok {
		return
	}
	var res uint64
	switch r.in.Raw.Op {
	case x86asm.INC:
		res = v + 1
	case x86asm.DEC:
		res = v - 1
	case x86asm.NEG:
		res = -v
		r.ctx.Flags.CF = v != 0
	case x86asm.NOT:
		r.write(arg, size, ^v)
		return
	}
	r.setResultFlags(res, size)
	r.write(arg, size, res)
}

func (r *run) shift(size int) {
	args := r.in.Raw.Args
	v, ok := r.read(args[0], size)
	if !ok {
		return
	}
	n := uint64(1)
	if args[1] != nil {
		if c, ok := r.read(args[1], 1); ok {
			n = c
		}
	}
	n &= 63
	if n == 0 {
		return
	}
	var res uint64
	switch r.in.Raw.Op {
	case x86asm.SHL:
		res = v << n
	case x86asm.SHR:
		res = (v & mask(size)) >> n
	case x86asm.SAR:
		res = uint64(int64(signExtend(v, size)) >> n)
	}
	r.setResultFlags(res, size)
	r.write(args[0], size, res)
}

// taken evaluates the current conditional branch.
func (r *run) taken() bool {
	f := r.ctx.Flags
	switch r.in.Raw.Op {
	case x86asm.JE:
		return f.ZF
	case x86asm.JNE:
		return !f.ZF
	case x86asm.JA:
		return !f.CF && !f.ZF
	case x86asm.JAE:
		return !f.CF
	case x86asm.JB:
		return f.CF
	case x86asm.JBE:
		return f.CF || f.ZF
	case x86asm.JG:
		return !f.ZF && f.SF == f.OF
	case x86asm.JGE:
		return f.SF == f.OF
	case x86asm.JL:
		return f.SF != f.OF
	case x86asm.JLE:
		return f.ZF || f.SF != f.OF
	case x86asm.JS:
		return f.SF
	case x86asm.JNS:
		return !f.SF
	case x86asm.JO:
		return f.OF
	case x86asm.JNO:
		return !f.OF
	case x86asm.JP:
		return f.PF
	case x86asm.JNP:
		return !f.PF
	case x86asm.JRCXZ:
		return r.ctx.Regs[regRCX] == 0
	case x86asm.JECXZ:
		return uint32(r.ctx.Regs[regRCX]) == 0
	case x86asm.LOOP:
		r.ctx.Regs[regRCX]--
		return r.ctx.Regs[regRCX] != 0
	}
	return false
}
