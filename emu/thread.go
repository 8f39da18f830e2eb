package emu

import (
	"log"
	"sync/atomic"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/insts"
)

const (
	regRV = insts.RegRV
	regA0 = insts.RegA0
	regGP = insts.RegGP
	regSP = insts.RegSP
	regFP = insts.RegFP
	regLR = insts.RegLR
)

// A Thread is one register context executing on a machine.
type Thread struct {
	Regs [32]uint32
	PC   uint32

	m      *Machine
	stack  uint32
	steps  uint64
	budget uint64
	extra  uint64
	depth  int
	closed bool
}

// Machine returns the machine the thread runs on.
func (t *Thread) Machine() *Machine {
	return t.m
}

// GP returns the global pointer of the thread.
func (t *Thread) GP() uint32 {
	return t.Regs[regGP]
}

// Arg returns argument register i of the current call.
func (t *Thread) Arg(i int) uint32 {
	return t.Regs[regA0+uint8(i)]
}

// SetReturn sets the return value register.
func (t *Thread) SetReturn(v uint32) {
	t.Regs[regRV] = v
}

// Charge adds cycles spent outside of instruction execution, such as in a
// native library routine.
func (t *Thread) Charge(cycles uint64) {
	t.extra += cycles
}

// Steps returns the instructions executed so far.
func (t *Thread) Steps() uint64 {
	return t.steps
}

// Cycles returns the executed instructions plus the charged cycles.
func (t *Thread) Cycles() uint64 {
	return t.steps + t.extra
}

// Release frees the stack of the thread.
func (t *Thread) Release() {
	if t.closed {
		return
	}
	t.closed = true
	atomic.AddInt64(&t.m.threads, -1)
	if err := t.m.mem.Free(t.stack); err != nil {
		log.Panicf("emu: cannot free stack %#08x: %v", t.stack, err)
	}
}

// Call runs fn with up to MaxArgs arguments and returns the value it leaves
// in r1. The register context is restored afterwards, so Call may be used
// from inside a trap handler.
func (t *Thread) Call(fn uint32, args ...uint32) (uint32, error) {
	if len(args) > MaxArgs {
		return 0, errors.Errorf("call with %d arguments", len(args))
	}

	saved, savedPC := t.Regs, t.PC
	for i, a := range args {
		t.Regs[regA0+uint8(i)] = a
	}
	t.Regs[regLR] = ReturnAddr
	t.PC = fn

	err := t.run()

	ret := t.Regs[regRV]
	t.Regs, t.PC = saved, savedPC
	return ret, err
}

func (t *Thread) run() error {
	start := t.steps
	if t.depth == 0 {
		t.budget = start
	}
	t.depth++
	defer func() {
		t.depth--
		if t.depth == 0 {
			atomic.AddUint64(&t.m.steps, t.steps-start)
		}
	}()

	for t.PC != ReturnAddr {
		if t.m.StepLimit > 0 && t.steps-t.budget >= t.m.StepLimit {
			return &Fault{PC: t.PC, Err: ErrStepLimit}
		}
		if err := t.step(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Thread) fault(pc uint32, inst *insts.Inst, err error) error {
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	s := ""
	if inst != nil {
		s = inst.String()
	}
	return &Fault{PC: pc, Inst: s, Err: err}
}

func (t *Thread) step() error {
	pc := t.PC
	word, err := t.m.mem.Fetch(pc)
	if err != nil {
		return t.fault(pc, nil, err)
	}

	inst, err := insts.Decode(word)
	if err != nil {
		return t.fault(pc, nil, err)
	}

	if t.m.Trace {
		t.m.trace(pc, inst)
	}

	t.steps++
	t.PC = pc + 4

	if err := t.execute(pc, inst); err != nil {
		return t.fault(pc, inst, err)
	}

	t.Regs[0] = 0
	return nil
}

func (t *Thread) execute(pc uint32, inst *insts.Inst) error {
	r := &t.Regs
	imm := uint32(inst.Imm)

	switch inst.Format {
	case insts.FormatR:
		return t.executeR(pc, inst)
	case insts.FormatS:
		return t.store(inst)
	}

	switch inst.Op {
	case insts.ADDI:
		r[inst.Rd] = r[inst.Rs] + imm
	case insts.ANDI:
		r[inst.Rd] = r[inst.Rs] & imm
	case insts.ORI:
		r[inst.Rd] = r[inst.Rs] | imm
	case insts.XORI:
		r[inst.Rd] = r[inst.Rs] ^ imm
	case insts.LUI:
		r[inst.Rd] = imm << 16
	case insts.SLTI:
		r[inst.Rd] = boolWord(int32(r[inst.Rs]) < inst.Imm)
	case insts.LAPC:
		r[inst.Rd] = inst.Target(pc)
	case insts.LW, insts.LH, insts.LHU, insts.LB, insts.LBU:
		return t.load(inst)
	case insts.BEQ:
		t.branch(pc, inst, r[inst.Rd] == r[inst.Rs])
	case insts.BNE:
		t.branch(pc, inst, r[inst.Rd] != r[inst.Rs])
	case insts.BLT:
		t.branch(pc, inst, int32(r[inst.Rd]) < int32(r[inst.Rs]))
	case insts.BGE:
		t.branch(pc, inst, int32(r[inst.Rd]) >= int32(r[inst.Rs]))
	case insts.J:
		t.PC = inst.Target(pc)
	case insts.CALL:
		r[regLR] = pc + 4
		t.PC = inst.Target(pc)
	case insts.BRK:
		return t.m.trap(t, pc, imm)
	default:
		return errors.Errorf("unimplemented opcode %s", inst.Op.Name())
	}
	return nil
}

func (t *Thread) executeR(pc uint32, inst *insts.Inst) error {
	r := &t.Regs
	a, b := r[inst.Rs], r[inst.Rt]

	switch inst.Op {
	case insts.NOP:
	case insts.ADD:
		r[inst.Rd] = a + b
	case insts.SUB:
		r[inst.Rd] = a - b
	case insts.MUL:
		r[inst.Rd] = a * b
	case insts.AND:
		r[inst.Rd] = a & b
	case insts.OR:
		r[inst.Rd] = a | b
	case insts.XOR:
		r[inst.Rd] = a ^ b
	case insts.SLL:
		r[inst.Rd] = a << (b & 31)
	case insts.SRL:
		r[inst.Rd] = a >> (b & 31)
	case insts.SRA:
		r[inst.Rd] = uint32(int32(a) >> (b & 31))
	case insts.SLT:
		r[inst.Rd] = boolWord(int32(a) < int32(b))
	case insts.SLTU:
		r[inst.Rd] = boolWord(a < b)
	case insts.JR:
		t.PC = a
	case insts.CALLR:
		r[regLR] = pc + 4
		t.PC = a
	default:
		return errors.Errorf("unimplemented opcode %s", inst.Op.Name())
	}
	return nil
}

func (t *Thread) branch(pc uint32, inst *insts.Inst, taken bool) {
	if taken {
		t.PC = inst.Target(pc)
	}
}

func (t *Thread) load(inst *insts.Inst) error {
	addr := t.Regs[inst.Rs] + uint32(inst.Imm)

	size := 4
	switch inst.Op {
	case insts.LH, insts.LHU:
		size = 2
	case insts.LB, insts.LBU:
		size = 1
	}

	v, err := t.m.mem.Load(addr, size)
	if err != nil {
		return err
	}

	switch inst.Op {
	case insts.LH:
		v = uint32(int32(int16(v)))
	case insts.LB:
		v = uint32(int32(int8(v)))
	}

	t.Regs[inst.Rd] = v
	return nil
}

func (t *Thread) store(inst *insts.Inst) error {
	addr := t.Regs[inst.Rs] + uint32(inst.Imm)

	size := 4
	switch inst.Op {
	case insts.SH:
		size = 2
	case insts.SB:
		size = 1
	}

	return t.m.mem.Store(addr, size, t.Regs[inst.Rt])
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
