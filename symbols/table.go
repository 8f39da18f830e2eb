// Package symbols provides the known-symbol table: library functions and
// runtime entry points that loaded images call but that no loaded image
// defines.
package symbols

// ROMBase is the address of the first trampoline slot.
const ROMBase uint32 = 0x00010000

// SlotSize is the size of one trampoline slot.
const SlotSize uint32 = 16

// Class groups known symbols by what they provide.
type Class int

// Symbol classes.
const (
	ClassMemory Class = iota
	ClassMath
	ClassArith
	ClassRuntime
)

func (c Class) String() string {
	switch c {
	case ClassMemory:
		return "memory"
	case ClassMath:
		return "math"
	case ClassArith:
		return "arith"
	case ClassRuntime:
		return "runtime"
	}
	return "unknown"
}

// A Symbol is one entry of the table.
type Symbol struct {
	Name  string
	Class Class
	Addr  uint32
}

// Table maps known names to trampoline addresses.
type Table struct {
	entries []Symbol
}

var defaultNames = []struct {
	class Class
	names []string
}{
	{ClassMemory, []string{
		"abort", "memcpy", "memmove", "memset", "memcmp", "strlen",
	}},
	{ClassMath, []string{
		"sqrtf", "expf", "logf", "powf", "sinf", "cosf", "tanf", "atanf",
		"atan2f", "floorf", "ceilf", "truncf", "roundf", "fabsf", "fminf",
		"fmaxf",
	}},
	{ClassArith, []string{
		"__k32_divsi3", "__k32_modsi3", "__k32_udivsi3", "__k32_umodsi3",
		"__k32_addsf3", "__k32_subsf3", "__k32_mulsf3", "__k32_divsf3",
		"__k32_fixsfsi", "__k32_floatsisf",
	}},
	{ClassRuntime, []string{
		"dsp_malloc", "dsp_free", "dsp_print", "dsp_error",
		"dsp_do_par_for", "dsp_do_task", "dsp_get_symbol",
		"dsp_vector_lock", "dsp_vector_unlock",
	}},
}

// DefaultTable returns the table of every symbol the device runtime
// implements.
func DefaultTable() *Table {
	t := &Table{}
	for _, group := range defaultNames {
		for _, name := range group.names {
			t.add(name, group.class)
		}
	}
	return t
}

func (t *Table) add(name string, class Class) {
	t.entries = append(t.entries, Symbol{
		Name:  name,
		Class: class,
		Addr:  ROMBase + uint32(len(t.entries))*SlotSize,
	})
}

// Resolve returns the address of a known symbol. The table is small, so a
// linear scan is enough.
func (t *Table) Resolve(name string) (uint32, bool) {
	for _, s := range t.entries {
		if s.Name == name {
			return s.Addr, true
		}
	}
	return 0, false
}

// Lookup returns the symbol whose trampoline starts at addr.
func (t *Table) Lookup(addr uint32) (Symbol, bool) {
	if !t.Contains(addr) || (addr-ROMBase)%SlotSize != 0 {
		return Symbol{}, false
	}
	return t.entries[(addr-ROMBase)/SlotSize], true
}

// Contains tells whether addr lies inside the trampoline region.
func (t *Table) Contains(addr uint32) bool {
	return addr >= ROMBase && addr < ROMBase+t.Size()
}

// Size returns the number of bytes the trampolines occupy.
func (t *Table) Size() uint32 {
	return uint32(len(t.entries)) * SlotSize
}

// Symbols lists all entries in table order.
func (t *Table) Symbols() []Symbol {
	list := make([]Symbol, len(t.entries))
	copy(list, t.entries)
	return list
}
