// Package emu executes K32 code in device memory.
//
// A Machine owns no code of its own. Threads run functions that the loader
// mapped. BRK instructions are handed to a TrapHandler, which is how the
// runtime ROM reaches native implementations of the known symbols.
package emu

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
)

// ReturnAddr is loaded into the link register of every call. Reaching it
// ends the call.
const ReturnAddr uint32 = 0x00000ff0

// MaxArgs is the number of argument registers.
const MaxArgs = 6

// DefaultStackSize is the stack of each thread, unless configured.
const DefaultStackSize = 64 * 1024

// ErrStepLimit stops a call that executed more instructions than allowed.
var ErrStepLimit = errors.New("step limit exceeded")

// ErrBreakpoint is raised by a BRK that no handler accepts.
var ErrBreakpoint = errors.New("breakpoint")

// A Fault stops a thread at the instruction that caused it.
type Fault struct {
	PC   uint32
	Inst string
	Err  error
}

func (f *Fault) Error() string {
	if f.Inst == "" {
		return fmt.Sprintf("fault at %#08x: %v", f.PC, f.Err)
	}
	return fmt.Sprintf("fault at %#08x (%s): %v", f.PC, f.Inst, f.Err)
}

// Unwrap returns the cause of the fault.
func (f *Fault) Unwrap() error {
	return f.Err
}

// A TrapHandler services BRK instructions. pc is the address of the BRK.
type TrapHandler interface {
	Trap(t *Thread, pc, code uint32) error
}

// TrapFunc adapts a function to the TrapHandler interface.
type TrapFunc func(t *Thread, pc, code uint32) error

// Trap calls f.
func (f TrapFunc) Trap(t *Thread, pc, code uint32) error {
	return f(t, pc, code)
}

// A Machine runs threads over one device memory.
type Machine struct {
	mem   *devicemem.Memory
	traps TrapHandler

	StackSize uint32

	// StepLimit bounds the instructions of one top-level call, nested calls
	// included. Zero means no limit.
	StepLimit uint64

	// Trace logs every executed instruction.
	Trace bool

	steps   uint64
	threads int64
}

// NewMachine creates a machine without a trap handler. Every BRK faults
// until SetTrapHandler is called.
func NewMachine(mem *devicemem.Memory) *Machine {
	return &Machine{
		mem:       mem,
		StackSize: DefaultStackSize,
	}
}

// SetTrapHandler installs the handler of BRK instructions.
func (m *Machine) SetTrapHandler(h TrapHandler) {
	m.traps = h
}

// Memory returns the memory the machine executes from.
func (m *Machine) Memory() *devicemem.Memory {
	return m.mem
}

// Steps returns the number of instructions executed by all threads.
func (m *Machine) Steps() uint64 {
	return atomic.LoadUint64(&m.steps)
}

// Threads returns the number of live threads.
func (m *Machine) Threads() int {
	return int(atomic.LoadInt64(&m.threads))
}

// NewThread creates a thread with its own stack. gp is the global pointer
// of the module the thread runs.
func (m *Machine) NewThread(gp uint32) (*Thread, error) {
	stack, err := m.mem.Alloc("stack", m.StackSize, 16)
	if err != nil {
		return nil, errors.Wrap(err, "allocate thread stack")
	}

	t := &Thread{m: m, stack: stack}
	t.Regs[regGP] = gp
	t.Regs[regSP] = stack + m.StackSize
	t.Regs[regFP] = t.Regs[regSP]
	t.PC = ReturnAddr

	atomic.AddInt64(&m.threads, 1)
	return t, nil
}

// Run calls fn on a fresh thread and releases the thread afterwards. It
// returns the cycles of the call, charged cycles included.
func (m *Machine) Run(gp, fn uint32, args ...uint32) (uint32, uint64, error) {
	t, err := m.NewThread(gp)
	if err != nil {
		return 0, 0, err
	}
	defer t.Release()

	ret, err := t.Call(fn, args...)
	return ret, t.Cycles(), err
}

func (m *Machine) trap(t *Thread, pc, code uint32) error {
	if m.traps == nil {
		return ErrBreakpoint
	}
	return m.traps.Trap(t, pc, code)
}

func (m *Machine) trace(pc uint32, inst fmt.Stringer) {
	log.Printf("emu: %#08x: %s", pc, inst)
}
