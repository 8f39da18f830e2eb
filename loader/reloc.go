package loader

import (
	"math/bits"

	"gitlab.com/akita/offload/insts"
)

// RelocKind is the type field of a relocation entry.
type RelocKind = insts.RelocKind

// Supported relocation kinds.
const (
	RelocPC26     = insts.RelocPC26
	RelocPC16     = insts.RelocPC16
	RelocHI16     = insts.RelocHI16
	RelocLO16     = insts.RelocLO16
	RelocLO16S    = insts.RelocLO16S
	Reloc32       = insts.Reloc32
	Reloc16       = insts.Reloc16
	Reloc8        = insts.Reloc8
	RelocGPRel16  = insts.RelocGPRel16
	RelocGPRel16S = insts.RelocGPRel16S
	Reloc32PCRel  = insts.Reloc32PCRel
	RelocGOT16    = insts.RelocGOT16
	RelocCopy     = insts.RelocCopy
	RelocGlobDat  = insts.RelocGlobDat
	RelocJmpSlot  = insts.RelocJmpSlot
	RelocRelative = insts.RelocRelative
)

// valueKind selects the formula of a relocation.
type valueKind int

const (
	valueAbs      valueKind = iota // S + A
	valuePCRel                     // S + A - P
	valueGPRel                     // S + A - GP
	valueGOT                       // G
	valueBase                      // B + A
	valueSym                       // S
)

// RelocSpec describes how one relocation kind patches its target.
type RelocSpec struct {
	Name  string
	Mask  uint32
	Width int
	Shift uint
	Value valueKind

	Signed bool

	// Verify fails the relocation when the value does not fit the field.
	// Otherwise the value is truncated.
	Verify bool

	// Overwrite replaces the whole target instead of splicing into a zero
	// field. Dynamic relocations of shared objects do this.
	Overwrite bool
}

// PCRelative tells whether the value depends on the fixup address.
func (s RelocSpec) PCRelative() bool {
	return s.Value == valuePCRel
}

// NeedsGOT tells whether the value is a global offset table slot.
func (s RelocSpec) NeedsGOT() bool {
	return s.Value == valueGOT
}

var relocTable = map[RelocKind]RelocSpec{
	RelocPC26: {Name: "PC26", Mask: insts.MaskImm26, Width: 4, Shift: 2,
		Value: valuePCRel, Signed: true, Verify: true},
	RelocPC16: {Name: "PC16", Mask: insts.MaskImm16, Width: 4, Shift: 2,
		Value: valuePCRel, Signed: true, Verify: true},
	RelocHI16: {Name: "HI16", Mask: insts.MaskImm16, Width: 4, Shift: 16,
		Value: valueAbs},
	RelocLO16: {Name: "LO16", Mask: insts.MaskImm16, Width: 4,
		Value: valueAbs},
	RelocLO16S: {Name: "LO16_S", Mask: insts.MaskImm16S, Width: 4,
		Value: valueAbs},
	Reloc32: {Name: "32", Mask: insts.MaskWord, Width: 4,
		Value: valueAbs},
	Reloc16: {Name: "16", Mask: insts.MaskHalf, Width: 2,
		Value: valueAbs},
	Reloc8: {Name: "8", Mask: insts.MaskByte, Width: 1,
		Value: valueAbs},
	RelocGPRel16: {Name: "GPREL16", Mask: insts.MaskImm16, Width: 4,
		Value: valueGPRel, Signed: true, Verify: true},
	RelocGPRel16S: {Name: "GPREL16_S", Mask: insts.MaskImm16S, Width: 4,
		Value: valueGPRel, Signed: true, Verify: true},
	Reloc32PCRel: {Name: "32_PCREL", Mask: insts.MaskWord, Width: 4,
		Value: valuePCRel, Signed: true, Verify: true},
	RelocGOT16: {Name: "GOT16", Mask: insts.MaskImm16, Width: 4,
		Value: valueGOT, Verify: true},
	RelocCopy: {Name: "COPY", Mask: insts.MaskWord, Width: 4,
		Value: valueSym, Overwrite: true},
	RelocGlobDat: {Name: "GLOB_DAT", Mask: insts.MaskWord, Width: 4,
		Value: valueAbs, Overwrite: true},
	RelocJmpSlot: {Name: "JMP_SLOT", Mask: insts.MaskWord, Width: 4,
		Value: valueAbs, Overwrite: true},
	RelocRelative: {Name: "RELATIVE", Mask: insts.MaskWord, Width: 4,
		Value: valueBase, Overwrite: true},
}

// SpecOf returns the table entry of a kind.
func SpecOf(k RelocKind) (RelocSpec, bool) {
	s, ok := relocTable[k]
	return s, ok
}

// RelocInput carries the operands of a relocation formula.
type RelocInput struct {
	S  uint32 // symbol address
	A  int32  // addend
	P  uint32 // fixup address
	GP uint32 // global pointer of the module
	G  uint32 // offset of the symbol's GOT slot
	B  uint32 // load base of a shared object
}

func (s RelocSpec) value(in RelocInput) int64 {
	var v int64
	switch s.Value {
	case valueAbs:
		v = int64(in.S) + int64(in.A)
	case valuePCRel:
		v = int64(in.S) + int64(in.A) - int64(in.P)
	case valueGPRel:
		v = int64(in.S) + int64(in.A) - int64(in.GP)
	case valueGOT:
		v = int64(in.G)
	case valueBase:
		v = int64(in.B) + int64(in.A)
	case valueSym:
		v = int64(in.S)
	}

	if !s.Signed && !s.Verify {
		v = int64(uint32(v))
	}

	return v >> s.Shift
}

// Apply computes the relocation value and patches it into the target.
func Apply(kind RelocKind, target uint32, in RelocInput) (uint32, error) {
	spec, ok := relocTable[kind]
	if !ok {
		return 0, ErrUnsupportedRelocation
	}

	v := spec.value(in)

	if spec.Overwrite {
		return uint32(v), nil
	}

	return Splice(target, spec.Mask, v, spec.Signed, spec.Verify)
}

// Splice deposits value into the bits of target selected by mask, least
// significant bit first. Every masked bit of target must be zero. With verify
// set, the bits of value that do not fit must be a pure sign (or zero)
// extension.
func Splice(target, mask uint32, value int64, signed, verify bool) (uint32, error) {
	if target&mask != 0 {
		return 0, ErrFieldNotZero
	}

	n := uint(bits.OnesCount32(mask))

	if verify {
		rest := value >> n
		want := int64(0)
		if signed && (value>>(n-1))&1 == 1 {
			want = -1
		}
		if rest != want {
			return 0, ErrRelocationOverflow
		}
	}

	return target | insts.Deposit(mask, uint32(value)), nil
}
