package kernels

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/insts"
)

const (
	ehdrSize = 52
	phdrSize = 32
	shdrSize = 40
	symSize  = 16
	relaSize = 12
	dynSize  = 8
)

func header(typ elf.Type, phnum, shnum, shstrndx uint16, phoff, shoff uint32) elf.Header32 {
	var h elf.Header32
	copy(h.Ident[:], elf.ELFMAG)
	h.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	h.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	h.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	h.Type = uint16(typ)
	h.Machine = insts.Machine
	h.Version = uint32(elf.EV_CURRENT)
	h.Phoff = phoff
	h.Shoff = shoff
	h.Ehsize = ehdrSize
	if phnum > 0 {
		h.Phentsize = phdrSize
	}
	h.Phnum = phnum
	if shnum > 0 {
		h.Shentsize = shdrSize
	}
	h.Shnum = shnum
	h.Shstrndx = shstrndx
	return h
}

type strtab struct {
	buf   []byte
	index map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{buf: []byte{0}, index: map[string]uint32{"": 0}}
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.index[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.index[s] = off
	return off
}

func pad(buf *bytes.Buffer, align int) {
	for buf.Len()%align != 0 {
		buf.WriteByte(0)
	}
}

func write(buf *bytes.Buffer, v interface{}) {
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

// An Object builds a relocatable image with text, read-only data, data and
// zero-initialized sections.
type Object struct {
	Text   *Assembler
	Rodata *DataSection
	Data   *DataSection

	bssSize   uint32
	bssLabels map[string]uint32
	globals   map[string]bool
}

// NewObject returns an empty relocatable object.
func NewObject() *Object {
	return &Object{
		Text:      NewAssembler(),
		Rodata:    NewDataSection(),
		Data:      NewDataSection(),
		bssLabels: make(map[string]uint32),
		globals:   make(map[string]bool),
	}
}

// Global exports a label by name.
func (o *Object) Global(names ...string) {
	for _, n := range names {
		o.globals[n] = true
	}
}

// BSS reserves size zeroed bytes under a label.
func (o *Object) BSS(label string, size uint32) {
	o.bssSize = (o.bssSize + 3) &^ 3
	o.bssLabels[label] = o.bssSize
	o.bssSize += size
}

const (
	secText = iota + 1
	secRodata
	secData
	secBSS
	secSymtab
	secStrtab
	secRelaText
	secRelaData
	secShstrtab
	numSections
)

type objSym struct {
	name    string
	section uint16
	value   uint32
}

// definitions returns every label of the object with its section.
func (o *Object) definitions() map[string]objSym {
	defs := make(map[string]objSym)
	add := func(labels map[string]uint32, sec uint16) {
		for n, v := range labels {
			defs[n] = objSym{n, sec, v}
		}
	}
	add(o.Text.labels, secText)
	add(o.Rodata.labels, secRodata)
	add(o.Data.labels, secData)
	add(o.bssLabels, secBSS)
	return defs
}

// Build lays out the object as an ELF relocatable image.
func (o *Object) Build() ([]byte, error) {
	text, err := o.Text.Bytes()
	if err != nil {
		return nil, err
	}

	defs := o.definitions()
	for g := range o.globals {
		if _, ok := defs[g]; !ok {
			return nil, errors.Errorf("global %s is not defined", g)
		}
	}

	var locals, globals []objSym
	for _, d := range defs {
		if o.globals[d.name] {
			globals = append(globals, d)
		} else {
			locals = append(locals, d)
		}
	}

	externSet := make(map[string]bool)
	for _, relocs := range [][]Reloc{o.Text.relocs, o.Data.relocs, o.Rodata.relocs} {
		for _, r := range relocs {
			if _, ok := defs[r.Symbol]; !ok {
				externSet[r.Symbol] = true
			}
		}
	}
	var externs []string
	for n := range externSet {
		externs = append(externs, n)
	}

	byName := func(s []objSym) {
		sort.Slice(s, func(i, j int) bool { return s[i].name < s[j].name })
	}
	byName(locals)
	byName(globals)
	sort.Strings(externs)

	strs := newStrtab()
	symIndex := make(map[string]uint32)
	syms := []elf.Sym32{{}}

	for sec := uint16(secText); sec <= secBSS; sec++ {
		syms = append(syms, elf.Sym32{
			Info:  elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION),
			Shndx: sec,
		})
	}

	symType := func(sec uint16) elf.SymType {
		if sec == secText {
			return elf.STT_FUNC
		}
		return elf.STT_OBJECT
	}
	for _, d := range locals {
		symIndex[d.name] = uint32(len(syms))
		syms = append(syms, elf.Sym32{
			Name:  strs.add(d.name),
			Value: d.value,
			Info:  elf.ST_INFO(elf.STB_LOCAL, symType(d.section)),
			Shndx: d.section,
		})
	}
	firstGlobal := uint32(len(syms))
	for _, d := range globals {
		symIndex[d.name] = uint32(len(syms))
		syms = append(syms, elf.Sym32{
			Name:  strs.add(d.name),
			Value: d.value,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, symType(d.section)),
			Shndx: d.section,
		})
	}
	for _, n := range externs {
		symIndex[n] = uint32(len(syms))
		syms = append(syms, elf.Sym32{
			Name: strs.add(n),
			Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE),
		})
	}

	rela := func(relocs []Reloc) []elf.Rela32 {
		var out []elf.Rela32
		for _, r := range relocs {
			out = append(out, elf.Rela32{
				Off:    r.Offset,
				Info:   elf.R_INFO32(symIndex[r.Symbol], uint32(r.Kind)),
				Addend: r.Addend,
			})
		}
		return out
	}
	relaText := rela(o.Text.relocs)
	relaData := rela(o.Data.relocs)
	if len(o.Rodata.relocs) > 0 {
		return nil, errors.Errorf("read-only data cannot be relocated")
	}

	shstr := newStrtab()
	shdrs := make([]elf.Section32, numSections)
	var buf bytes.Buffer
	buf.Write(make([]byte, ehdrSize))

	place := func(idx int, name string, typ elf.SectionType, flags elf.SectionFlag,
		align int, data []byte) {
		pad(&buf, align)
		shdrs[idx] = elf.Section32{
			Name:      shstr.add(name),
			Type:      uint32(typ),
			Flags:     uint32(flags),
			Off:       uint32(buf.Len()),
			Size:      uint32(len(data)),
			Addralign: uint32(align),
		}
		buf.Write(data)
	}

	relaBytes := func(rs []elf.Rela32) []byte {
		var b bytes.Buffer
		for _, r := range rs {
			write(&b, r)
		}
		return b.Bytes()
	}
	var symBytes bytes.Buffer
	for _, s := range syms {
		write(&symBytes, s)
	}

	place(secText, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, text)
	place(secRodata, ".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, 16, o.Rodata.Contents())
	place(secData, ".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 16, o.Data.Contents())

	pad(&buf, 16)
	shdrs[secBSS] = elf.Section32{
		Name:      shstr.add(".bss"),
		Type:      uint32(elf.SHT_NOBITS),
		Flags:     uint32(elf.SHF_ALLOC | elf.SHF_WRITE),
		Off:       uint32(buf.Len()),
		Size:      o.bssSize,
		Addralign: 16,
	}

	place(secSymtab, ".symtab", elf.SHT_SYMTAB, 0, 4, symBytes.Bytes())
	shdrs[secSymtab].Link = secStrtab
	shdrs[secSymtab].Info = firstGlobal
	shdrs[secSymtab].Entsize = symSize

	place(secStrtab, ".strtab", elf.SHT_STRTAB, 0, 1, strs.buf)

	place(secRelaText, ".rela.text", elf.SHT_RELA, elf.SHF_INFO_LINK, 4, relaBytes(relaText))
	shdrs[secRelaText].Link = secSymtab
	shdrs[secRelaText].Info = secText
	shdrs[secRelaText].Entsize = relaSize

	place(secRelaData, ".rela.data", elf.SHT_RELA, elf.SHF_INFO_LINK, 4, relaBytes(relaData))
	shdrs[secRelaData].Link = secSymtab
	shdrs[secRelaData].Info = secData
	shdrs[secRelaData].Entsize = relaSize

	shstr.add(".shstrtab")
	place(secShstrtab, ".shstrtab", elf.SHT_STRTAB, 0, 1, shstr.buf)

	pad(&buf, 4)
	shoff := uint32(buf.Len())
	for _, sh := range shdrs {
		write(&buf, sh)
	}

	out := buf.Bytes()
	var hdr bytes.Buffer
	write(&hdr, header(elf.ET_REL, 0, numSections, secShstrtab, 0, shoff))
	copy(out, hdr.Bytes())
	return out, nil
}
