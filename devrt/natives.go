package devrt

import (
	"bytes"
	"log"
	"math"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/emu"
	"gitlab.com/akita/offload/power"
)

// maxString bounds the strings natives read from device memory.
const maxString = 1 << 16

var natives = map[string]native{
	"abort":   {fn: abort, cost: 1},
	"memcpy":  {fn: memcpy, cost: 8},
	"memmove": {fn: memcpy, cost: 8},
	"memset":  {fn: memset, cost: 8},
	"memcmp":  {fn: memcmp, cost: 8},
	"strlen":  {fn: strlen, cost: 4},

	"sqrtf":  unaryF(math.Sqrt),
	"expf":   unaryF(math.Exp),
	"logf":   unaryF(math.Log),
	"sinf":   unaryF(math.Sin),
	"cosf":   unaryF(math.Cos),
	"tanf":   unaryF(math.Tan),
	"atanf":  unaryF(math.Atan),
	"floorf": unaryF(math.Floor),
	"ceilf":  unaryF(math.Ceil),
	"truncf": unaryF(math.Trunc),
	"roundf": unaryF(math.Round),
	"fabsf":  unaryF(math.Abs),
	"powf":   binaryF(math.Pow),
	"atan2f": binaryF(math.Atan2),
	"fminf":  binaryF(math.Min),
	"fmaxf":  binaryF(math.Max),

	"__k32_divsi3":    {fn: divsi3, cost: 20},
	"__k32_modsi3":    {fn: modsi3, cost: 20},
	"__k32_udivsi3":   {fn: udivsi3, cost: 20},
	"__k32_umodsi3":   {fn: umodsi3, cost: 20},
	"__k32_addsf3":    binaryF(func(a, b float64) float64 { return a + b }),
	"__k32_subsf3":    binaryF(func(a, b float64) float64 { return a - b }),
	"__k32_mulsf3":    binaryF(func(a, b float64) float64 { return a * b }),
	"__k32_divsf3":    binaryF(func(a, b float64) float64 { return a / b }),
	"__k32_fixsfsi":   {fn: fixsfsi, cost: 4},
	"__k32_floatsisf": {fn: floatsisf, cost: 4},

	"dsp_malloc":        {fn: malloc, cost: 50},
	"dsp_free":          {fn: free, cost: 20},
	"dsp_print":         {fn: printMessage, cost: 100},
	"dsp_error":         {fn: printError, cost: 100},
	"dsp_do_par_for":    {fn: parFor, cost: 100},
	"dsp_do_task":       {fn: doTask, cost: 10},
	"dsp_get_symbol":    {fn: getSymbol, cost: 100},
	"dsp_vector_lock":   {fn: vectorLock, cost: 1000},
	"dsp_vector_unlock": {fn: vectorUnlock, cost: 100},
}

func abort(*Runtime, *emu.Thread) error {
	return ErrAbort
}

// memcpy(dst, src, n) returns dst. Reading the whole source before writing
// makes it a valid memmove.
func memcpy(r *Runtime, t *emu.Thread) error {
	dst, src, n := t.Arg(0), t.Arg(1), t.Arg(2)
	data, err := r.mem.ReadBytes(src, n)
	if err != nil {
		return err
	}
	if err := r.mem.WriteBytes(dst, data); err != nil {
		return err
	}
	t.Charge(uint64(n) / 4)
	t.SetReturn(dst)
	return nil
}

// memset(dst, c, n) returns dst.
func memset(r *Runtime, t *emu.Thread) error {
	dst, c, n := t.Arg(0), t.Arg(1), t.Arg(2)
	if err := r.mem.WriteBytes(dst, bytes.Repeat([]byte{byte(c)}, int(n))); err != nil {
		return err
	}
	t.Charge(uint64(n) / 4)
	t.SetReturn(dst)
	return nil
}

func memcmp(r *Runtime, t *emu.Thread) error {
	a, b, n := t.Arg(0), t.Arg(1), t.Arg(2)
	x, err := r.mem.ReadBytes(a, n)
	if err != nil {
		return err
	}
	y, err := r.mem.ReadBytes(b, n)
	if err != nil {
		return err
	}
	t.Charge(uint64(n) / 4)
	t.SetReturn(uint32(int32(bytes.Compare(x, y))))
	return nil
}

func strlen(r *Runtime, t *emu.Thread) error {
	s, err := r.mem.ReadCString(t.Arg(0), maxString)
	if err != nil {
		return err
	}
	t.Charge(uint64(len(s)))
	t.SetReturn(uint32(len(s)))
	return nil
}

func arg32f(t *emu.Thread, i int) float64 {
	return float64(math.Float32frombits(t.Arg(i)))
}

func setReturn32f(t *emu.Thread, v float64) {
	t.SetReturn(math.Float32bits(float32(v)))
}

func unaryF(f func(float64) float64) native {
	return native{cost: 10, fn: func(_ *Runtime, t *emu.Thread) error {
		setReturn32f(t, f(arg32f(t, 0)))
		return nil
	}}
}

func binaryF(f func(a, b float64) float64) native {
	return native{cost: 10, fn: func(_ *Runtime, t *emu.Thread) error {
		setReturn32f(t, f(arg32f(t, 0), arg32f(t, 1)))
		return nil
	}}
}

func divsi3(_ *Runtime, t *emu.Thread) error {
	a, b := int32(t.Arg(0)), int32(t.Arg(1))
	if b == 0 {
		return ErrDivideByZero
	}
	t.SetReturn(uint32(a / b))
	return nil
}

func modsi3(_ *Runtime, t *emu.Thread) error {
	a, b := int32(t.Arg(0)), int32(t.Arg(1))
	if b == 0 {
		return ErrDivideByZero
	}
	t.SetReturn(uint32(a % b))
	return nil
}

func udivsi3(_ *Runtime, t *emu.Thread) error {
	a, b := t.Arg(0), t.Arg(1)
	if b == 0 {
		return ErrDivideByZero
	}
	t.SetReturn(a / b)
	return nil
}

func umodsi3(_ *Runtime, t *emu.Thread) error {
	a, b := t.Arg(0), t.Arg(1)
	if b == 0 {
		return ErrDivideByZero
	}
	t.SetReturn(a % b)
	return nil
}

// fixsfsi truncates toward zero and saturates.
func fixsfsi(_ *Runtime, t *emu.Thread) error {
	f := math.Trunc(arg32f(t, 0))
	var v int32
	switch {
	case math.IsNaN(f):
		v = 0
	case f >= math.MaxInt32:
		v = math.MaxInt32
	case f <= math.MinInt32:
		v = math.MinInt32
	default:
		v = int32(f)
	}
	t.SetReturn(uint32(v))
	return nil
}

func floatsisf(_ *Runtime, t *emu.Thread) error {
	setReturn32f(t, float64(int32(t.Arg(0))))
	return nil
}

// malloc returns zero when the heap is exhausted.
func malloc(r *Runtime, t *emu.Thread) error {
	addr, err := r.mem.Alloc("dsp_malloc", t.Arg(0), MallocAlignment)
	if err != nil {
		if r.debug {
			log.Printf("devrt: dsp_malloc(%d): %v", t.Arg(0), err)
		}
		addr = 0
	}
	t.SetReturn(addr)
	return nil
}

func free(r *Runtime, t *emu.Thread) error {
	addr := t.Arg(0)
	if addr == 0 {
		return nil
	}
	if err := r.mem.Free(addr); err != nil {
		return errors.Wrapf(ErrBadFree, "%#08x", addr)
	}
	return nil
}

func printMessage(r *Runtime, t *emu.Thread) error {
	s, err := r.mem.ReadCString(t.Arg(0), maxString)
	if err != nil {
		return err
	}
	log.Printf("device: %s", s)
	return nil
}

func printError(r *Runtime, t *emu.Thread) error {
	s, err := r.mem.ReadCString(t.Arg(0), maxString)
	if err != nil {
		return err
	}
	log.Printf("device error: %s", s)

	r.mu.Lock()
	r.lastError = s
	r.mu.Unlock()
	return nil
}

// getSymbol(name) returns the address of a symbol of a loaded module, or
// zero.
func getSymbol(r *Runtime, t *emu.Thread) error {
	name, err := r.mem.ReadCString(t.Arg(0), maxString)
	if err != nil {
		return err
	}

	var addr uint32
	if r.resolver != nil {
		addr, _ = r.resolver.Resolve(name)
	}
	t.SetReturn(addr)
	return nil
}

// vectorLock takes a power lease at the current tier and returns 0, or -1
// if the platform refused.
func vectorLock(r *Runtime, t *emu.Thread) error {
	if err := r.power.Acquire(r.power.Tier()); err != nil {
		log.Printf("devrt: vector lock: %v", err)
		t.SetReturn(uint32(0xffffffff))
		return nil
	}
	t.SetReturn(0)
	return nil
}

func vectorUnlock(r *Runtime, t *emu.Thread) error {
	if err := r.power.Release(); err != nil {
		if !errors.Is(err, power.ErrNotHeld) {
			log.Printf("devrt: vector unlock: %v", err)
		}
		t.SetReturn(uint32(0xffffffff))
		return nil
	}
	t.SetReturn(0)
	return nil
}
