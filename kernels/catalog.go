package kernels

import (
	"sort"

	"gitlab.com/akita/offload/insts"
)

// A Kernel is a named image together with its entry symbol.
type Kernel struct {
	Name  string
	Entry string
	Build func() ([]byte, error)
}

// Image builds the kernel and panics if it cannot. The catalog kernels are
// fixed, so a failure is a bug in this package.
func (k Kernel) Image() []byte {
	code, err := k.Build()
	if err != nil {
		panic(err)
	}
	return code
}

var catalog = map[string]Kernel{
	"add_one":          {"add_one", "add_one", AddOne},
	"add_one_parallel": {"add_one_parallel", "add_one_parallel", ParallelAddOne},
	"add_one_shared":   {"add_one_shared", "add_one", SharedAddOne},
	"fan_out":          {"fan_out", "fan_out", FanOut},
	"null_store":       {"null_store", "null_store", NullStore},
	"text_store":       {"text_store", "text_store", TextStore},
	"status":           {"status", "status", Status},
	"spin":             {"spin", "spin", Spin},
}

// Lookup returns a catalog kernel by name.
func Lookup(name string) (Kernel, bool) {
	k, ok := catalog[name]
	return k, ok
}

// Names lists the catalog.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// minLen leaves in dst the smaller of the lengths of the buffer descriptors
// that src and other point to.
func minLen(a *Assembler, dst, src, other uint8, label string) {
	a.I(insts.LW, dst, src, 4)
	a.I(insts.LW, insts.RegA1, other, 4)
	a.Branch(insts.BLT, dst, insts.RegA1, label)
	a.Mov(dst, insts.RegA1)
	a.Label(label)
}

// addOneBody emits out[i] = (in[i] + 1) mod 256 over the shorter of one
// input and one output buffer. call emits the call of the modulo helper.
func addOneBody(a *Assembler, call func()) {
	frame := a.Prologue(16, 17, 18, 19)
	a.I(insts.LW, 16, insts.RegA0, 0)
	a.I(insts.LW, 17, insts.RegA0, 4)
	minLen(a, 18, 16, 17, "add_one.len")
	a.I(insts.LW, 16, 16, 0)
	a.I(insts.LW, 17, 17, 0)
	a.Li(19, 0)

	a.Label("add_one.loop")
	a.Branch(insts.BGE, 19, 18, "add_one.done")
	a.R(insts.ADD, insts.RegA2, 16, 19)
	a.I(insts.LBU, insts.RegA0, insts.RegA2, 0)
	a.I(insts.ADDI, insts.RegA0, insts.RegA0, 1)
	a.Li(insts.RegA1, 256)
	call()
	a.R(insts.ADD, insts.RegA2, 17, 19)
	a.S(insts.SB, insts.RegA2, insts.RegRV, 0)
	a.I(insts.ADDI, 19, 19, 1)
	a.Jump("add_one.loop")

	a.Label("add_one.done")
	a.Li(insts.RegRV, 0)
	a.Epilogue(frame, 16, 17, 18, 19)
}

// AddOne is a relocatable object exporting add_one. It increments every
// byte of its input into its output and reaches the modulo helper of the
// runtime with a PC-relative call.
func AddOne() ([]byte, error) {
	o := NewObject()
	a := o.Text

	a.Label("add_one")
	addOneBody(a, func() { a.Call("__k32_umodsi3") })

	o.Global("add_one")
	return o.Build()
}

// ParallelAddOne splits add_one over the worker pool. The increment lives in
// the data section and is read relative to the global pointer.
func ParallelAddOne() ([]byte, error) {
	o := NewObject()
	a := o.Text

	a.Label("add_one_parallel")
	frame := a.Prologue()
	a.I(insts.ADDI, insts.RegSP, insts.RegSP, -8)
	a.I(insts.LW, insts.RegA1, insts.RegA0, 0)
	a.I(insts.LW, insts.RegA2, insts.RegA0, 4)
	a.I(insts.LW, insts.RegA3, insts.RegA1, 0)
	a.S(insts.SW, insts.RegSP, insts.RegA3, 0)
	a.I(insts.LW, insts.RegA3, insts.RegA2, 0)
	a.S(insts.SW, insts.RegSP, insts.RegA3, 4)
	a.I(insts.LW, insts.RegA4, insts.RegA1, 4)
	a.I(insts.LW, insts.RegA5, insts.RegA2, 4)
	a.Branch(insts.BLT, insts.RegA4, insts.RegA5, "par.len")
	a.Mov(insts.RegA4, insts.RegA5)
	a.Label("par.len")

	a.LoadAddr(insts.RegA0, "add_one_task", 0)
	a.Li(insts.RegA1, 0)
	a.Mov(insts.RegA2, insts.RegA4)
	a.Mov(insts.RegA3, insts.RegSP)
	a.Call("dsp_do_par_for")
	a.I(insts.ADDI, insts.RegSP, insts.RegSP, 8)
	a.Epilogue(frame)

	// add_one_task(index, closure)
	a.Label("add_one_task")
	a.I(insts.LW, insts.RegA2, insts.RegA1, 0)
	a.I(insts.LW, insts.RegA3, insts.RegA1, 4)
	a.R(insts.ADD, insts.RegA2, insts.RegA2, insts.RegA0)
	a.I(insts.LBU, insts.RegA4, insts.RegA2, 0)
	a.LoadGP(insts.RegA5, "increment")
	a.R(insts.ADD, insts.RegA4, insts.RegA4, insts.RegA5)
	a.R(insts.ADD, insts.RegA3, insts.RegA3, insts.RegA0)
	a.S(insts.SB, insts.RegA3, insts.RegA4, 0)
	a.Li(insts.RegRV, 0)
	a.Ret()

	o.Data.Label("increment")
	o.Data.Word(1)

	o.Global("add_one_parallel", "increment")
	return o.Build()
}

// FanOut takes two inputs, three outputs and two scalars. Output j receives
// input j%2 plus scalar j%2, over the shortest buffer. The length used is
// stored in last_len.
func FanOut() ([]byte, error) {
	const (
		inputs  = 2
		outputs = 3
	)

	o := NewObject()
	a := o.Text

	a.Label("fan_out")
	saved := []uint8{16, 17, 18, 19, 20, 21, 22}
	frame := a.Prologue(saved...)
	a.Mov(16, insts.RegA0)

	a.I(insts.LW, insts.RegA2, 16, 0)
	a.I(insts.LW, 17, insts.RegA2, 4)
	for k := 1; k < inputs+outputs; k++ {
		label := "fan_out.len" + string(rune('0'+k))
		a.I(insts.LW, insts.RegA2, 16, int32(4*k))
		a.I(insts.LW, insts.RegA3, insts.RegA2, 4)
		a.Branch(insts.BGE, insts.RegA3, 17, label)
		a.Mov(17, insts.RegA3)
		a.Label(label)
	}
	a.StoreGP(17, "last_len")

	a.Li(18, 0)
	a.Label("fan_out.outer")
	a.Li(insts.RegA2, outputs)
	a.Branch(insts.BGE, 18, insts.RegA2, "fan_out.done")
	a.I(insts.ANDI, 19, 18, 1)
	a.Li(insts.RegA4, 2)

	a.R(insts.SLL, insts.RegA3, 19, insts.RegA4)
	a.R(insts.ADD, insts.RegA3, 16, insts.RegA3)
	a.I(insts.LW, insts.RegA2, insts.RegA3, 0)
	a.I(insts.LW, 20, insts.RegA2, 0)
	a.I(insts.LW, insts.RegA2, insts.RegA3, 4*(inputs+outputs))
	a.I(insts.LW, 21, insts.RegA2, 0)

	a.R(insts.SLL, insts.RegA3, 18, insts.RegA4)
	a.R(insts.ADD, insts.RegA3, 16, insts.RegA3)
	a.I(insts.LW, insts.RegA2, insts.RegA3, 4*inputs)
	a.I(insts.LW, 22, insts.RegA2, 0)

	a.Li(insts.RegA4, 0)
	a.Label("fan_out.inner")
	a.Branch(insts.BGE, insts.RegA4, 17, "fan_out.next")
	a.R(insts.ADD, insts.RegA5, 20, insts.RegA4)
	a.I(insts.LBU, 7, insts.RegA5, 0)
	a.R(insts.ADD, 7, 7, 21)
	a.R(insts.ADD, insts.RegA5, 22, insts.RegA4)
	a.S(insts.SB, insts.RegA5, 7, 0)
	a.I(insts.ADDI, insts.RegA4, insts.RegA4, 1)
	a.Jump("fan_out.inner")

	a.Label("fan_out.next")
	a.I(insts.ADDI, 18, 18, 1)
	a.Jump("fan_out.outer")

	a.Label("fan_out.done")
	a.Li(insts.RegRV, 0)
	a.Epilogue(frame, saved...)

	o.BSS("last_len", 4)
	o.Global("fan_out", "last_len")
	return o.Build()
}

// NullStore writes to address zero.
func NullStore() ([]byte, error) {
	o := NewObject()
	a := o.Text
	a.Label("null_store")
	a.Li(insts.RegA1, 7)
	a.S(insts.SW, insts.RegZero, insts.RegA1, 0)
	a.Li(insts.RegRV, 0)
	a.Ret()
	o.Global("null_store")
	return o.Build()
}

// TextStore writes over its own code.
func TextStore() ([]byte, error) {
	o := NewObject()
	a := o.Text
	a.Label("text_store")
	a.I(insts.LAPC, insts.RegA1, 0, 0)
	a.S(insts.SW, insts.RegA1, insts.RegZero, 0)
	a.Li(insts.RegRV, 0)
	a.Ret()
	o.Global("text_store")
	return o.Build()
}

// Status returns its first scalar.
func Status() ([]byte, error) {
	o := NewObject()
	a := o.Text
	a.Label("status")
	a.I(insts.LW, insts.RegA1, insts.RegA0, 0)
	a.I(insts.LW, insts.RegRV, insts.RegA1, 0)
	a.Ret()
	o.Global("status")
	return o.Build()
}

// Spin never returns.
func Spin() ([]byte, error) {
	o := NewObject()
	a := o.Text
	a.Label("spin")
	a.Jump("spin")
	o.Global("spin")
	return o.Build()
}

// SharedAddOne is add_one as a shared object. The modulo helper is reached
// through the global offset table. A constructor counts its runs in
// init_count through a locally bound GOT entry, and self_ptr holds the
// address of add_one after relocation.
func SharedAddOne() ([]byte, error) {
	so := NewSharedObject()
	a := so.Text

	a.Label("add_one")
	addOneBody(a, func() { a.CallGOT(8, "__k32_umodsi3") })

	a.Label("so_init")
	frame := a.Prologue()
	a.CallGOT(8, "bump_init")
	a.Epilogue(frame)

	a.Label("bump_init")
	a.AddrPC(insts.RegA1, "init_count")
	a.I(insts.LW, insts.RegA2, insts.RegA1, 0)
	a.I(insts.ADDI, insts.RegA2, insts.RegA2, 1)
	a.S(insts.SW, insts.RegA1, insts.RegA2, 0)
	a.Ret()

	a.Label("so_fini")
	a.AddrPC(insts.RegA1, "fini_count")
	a.I(insts.LW, insts.RegA2, insts.RegA1, 0)
	a.I(insts.ADDI, insts.RegA2, insts.RegA2, 1)
	a.S(insts.SW, insts.RegA1, insts.RegA2, 0)
	a.Ret()

	d := so.Data
	d.Label("init_count")
	d.Word(0)
	d.Label("fini_count")
	d.Word(0)
	d.Label("self_ptr")
	d.Pointer("add_one", 0)

	so.Init = "so_init"
	so.Fini = "so_fini"
	so.Global("add_one", "init_count", "fini_count", "self_ptr")
	return so.Build()
}
