// Package loader maps and relocates kernel images in device memory.
//
// Two image kinds are accepted: relocatable objects, whose writable sections
// are moved away from the read-only image before relocation, and shared
// objects, which are mapped as one contiguous range and relocated through
// their dynamic section.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/insts"
)

// EMK32 is the ELF machine number of the K32 coprocessor.
const EMK32 = elf.Machine(insts.Machine)

const (
	rela32Size = 12
	sym32Size  = 16
	dyn32Size  = 8
)

// ImageKind tells how an image is loaded.
type ImageKind int

// Image kinds.
const (
	KindObject ImageKind = iota
	KindShared
)

func (k ImageKind) String() string {
	if k == KindShared {
		return "shared"
	}
	return "object"
}

// A Section is one entry of the section table. Addr is the device address
// once the image is mapped.
type Section struct {
	Index  int
	Name   string
	Type   elf.SectionType
	Flags  elf.SectionFlag
	Offset uint32
	Addr   uint32
	Size   uint32
	Link   uint32
	Info   uint32
	Align  uint32
	Moved  bool
}

// Alloc tells whether the section occupies memory at run time.
func (s *Section) Alloc() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

// Writable tells whether the section holds writable data.
func (s *Section) Writable() bool {
	return s.Flags&elf.SHF_WRITE != 0
}

// Executable tells whether the section holds code.
func (s *Section) Executable() bool {
	return s.Flags&elf.SHF_EXECINSTR != 0
}

// A Symbol is one entry of the symbol table.
type Symbol struct {
	Name    string
	Section elf.SectionIndex
	Value   uint32
	Size    uint32
	Bind    elf.SymBind
	Type    elf.SymType
}

// External tells whether the symbol has no defining section.
func (s *Symbol) External() bool {
	return s.Section == elf.SHN_UNDEF
}

// Exported tells whether other code may look the symbol up by name.
func (s *Symbol) Exported() bool {
	return !s.External() && s.Name != "" &&
		(s.Bind == elf.STB_GLOBAL || s.Bind == elf.STB_WEAK)
}

// A Relocation is one entry of a relocation section.
type Relocation struct {
	Offset uint32
	Symbol uint32
	Kind   RelocKind
	Addend int32
}

// An Image is the parsed form of a kernel binary.
type Image struct {
	Name     string
	Buffer   []byte
	Kind     ImageKind
	Sections []*Section

	// Symbols is indexed like the symbol table, so entry 0 is the null
	// symbol.
	Symbols []Symbol

	file *elf.File
}

// Parse validates the header of an image and reads its tables.
func Parse(name string, code []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(code))
	if err != nil {
		return nil, loadErrorf(name, ErrMalformed, "%v", err)
	}

	switch {
	case f.Class != elf.ELFCLASS32:
		return nil, loadErrorf(name, ErrMalformed, "class %v", f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return nil, loadErrorf(name, ErrMalformed, "byte order %v", f.Data)
	case f.Machine != EMK32:
		return nil, loadErrorf(name, ErrMalformed, "machine %v", f.Machine)
	}

	img := &Image{
		Name:   name,
		Buffer: code,
		file:   f,
	}

	switch f.Type {
	case elf.ET_REL:
		img.Kind = KindObject
	case elf.ET_DYN:
		img.Kind = KindShared
	default:
		return nil, loadErrorf(name, ErrMalformed, "type %v", f.Type)
	}

	if err := img.readSections(); err != nil {
		return nil, err
	}

	if img.Kind == KindObject {
		if err := img.readSymbols(); err != nil {
			return nil, err
		}
	}

	return img, nil
}

func (img *Image) readSections() error {
	for i, s := range img.file.Sections {
		sec := &Section{
			Index:  i,
			Name:   s.Name,
			Type:   s.Type,
			Flags:  s.Flags,
			Offset: uint32(s.Offset),
			Size:   uint32(s.Size),
			Link:   s.Link,
			Info:   s.Info,
			Align:  uint32(s.Addralign),
		}

		if s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL &&
			s.Offset+s.Size > uint64(len(img.Buffer)) {
			return loadErrorf(img.Name, ErrMalformed,
				"section %s [%#x, %#x) outside of image",
				s.Name, s.Offset, s.Offset+s.Size)
		}

		img.Sections = append(img.Sections, sec)
	}
	return nil
}

func (img *Image) readSymbols() error {
	syms, err := img.file.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return loadErrorf(img.Name, ErrMalformed, "symbol table: %v", err)
	}

	img.Symbols = make([]Symbol, 0, len(syms)+1)
	img.Symbols = append(img.Symbols, Symbol{})
	for _, s := range syms {
		img.Symbols = append(img.Symbols, Symbol{
			Name:    s.Name,
			Section: s.Section,
			Value:   uint32(s.Value),
			Size:    uint32(s.Size),
			Bind:    elf.ST_BIND(s.Info),
			Type:    elf.ST_TYPE(s.Info),
		})
	}
	return nil
}

// Relocations decodes a relocation section.
func (img *Image) Relocations(sec *Section) ([]Relocation, error) {
	if sec.Type != elf.SHT_RELA {
		return nil, loadErrorf(img.Name, ErrUnsupportedRelocation,
			"section %s has type %v", sec.Name, sec.Type)
	}

	data, err := img.file.Sections[sec.Index].Data()
	if err != nil {
		return nil, loadErrorf(img.Name, ErrMalformed, "%s: %v", sec.Name, err)
	}

	if len(data)%rela32Size != 0 {
		return nil, loadErrorf(img.Name, ErrMalformed,
			"%s size %d is not a multiple of %d", sec.Name, len(data), rela32Size)
	}

	relocs := make([]Relocation, 0, len(data)/rela32Size)
	for off := 0; off < len(data); off += rela32Size {
		relocs = append(relocs, decodeRela(data[off:off+rela32Size]))
	}
	return relocs, nil
}

func decodeRela(b []byte) Relocation {
	info := binary.LittleEndian.Uint32(b[4:])
	return Relocation{
		Offset: binary.LittleEndian.Uint32(b[0:]),
		Symbol: info >> 8,
		Kind:   RelocKind(info & 0xff),
		Addend: int32(binary.LittleEndian.Uint32(b[8:])),
	}
}

// Section returns the section with the given name.
func (img *Image) Section(name string) *Section {
	for _, s := range img.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
