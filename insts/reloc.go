package insts

import "fmt"

// Machine is the ELF machine number of K32 images.
const Machine uint16 = 0x4b32

// RelocKind is the type field of a K32 relocation entry.
type RelocKind uint32

// Relocation kinds. The first group patches instruction and data fields of
// relocatable objects, the second is used by the dynamic section of shared
// objects.
const (
	RelocPC26     RelocKind = 1
	RelocPC16     RelocKind = 2
	RelocHI16     RelocKind = 3
	RelocLO16     RelocKind = 4
	RelocLO16S    RelocKind = 5
	Reloc32       RelocKind = 6
	Reloc16       RelocKind = 7
	Reloc8        RelocKind = 8
	RelocGPRel16  RelocKind = 9
	RelocGPRel16S RelocKind = 10
	Reloc32PCRel  RelocKind = 11
	RelocGOT16    RelocKind = 12

	RelocCopy     RelocKind = 32
	RelocGlobDat  RelocKind = 33
	RelocJmpSlot  RelocKind = 34
	RelocRelative RelocKind = 35
)

var relocNames = map[RelocKind]string{
	RelocPC26:     "PC26",
	RelocPC16:     "PC16",
	RelocHI16:     "HI16",
	RelocLO16:     "LO16",
	RelocLO16S:    "LO16_S",
	Reloc32:       "32",
	Reloc16:       "16",
	Reloc8:        "8",
	RelocGPRel16:  "GPREL16",
	RelocGPRel16S: "GPREL16_S",
	Reloc32PCRel:  "32_PCREL",
	RelocGOT16:    "GOT16",
	RelocCopy:     "COPY",
	RelocGlobDat:  "GLOB_DAT",
	RelocJmpSlot:  "JMP_SLOT",
	RelocRelative: "RELATIVE",
}

func (k RelocKind) String() string {
	if name, ok := relocNames[k]; ok {
		return "R_K32_" + name
	}
	return fmt.Sprintf("reloc(%d)", uint32(k))
}
