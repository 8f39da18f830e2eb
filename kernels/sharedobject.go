package kernels

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/insts"
)

// GOTSuffix names the global offset table slot of a symbol in a shared
// object, as in "memcpy@got".
const GOTSuffix = "@got"

const pageSize = 4096

// A SharedObject builds a position independent image. Code reaches data and
// other functions through PC-relative instructions and through its global
// offset table, which the loader fills with dynamic relocations.
type SharedObject struct {
	Text *Assembler
	Data *DataSection

	// Init and Fini name the constructor and destructor labels, if any.
	Init string
	Fini string

	globals map[string]bool
}

// NewSharedObject returns an empty shared object.
func NewSharedObject() *SharedObject {
	return &SharedObject{
		Text:    NewAssembler(),
		Data:    NewDataSection(),
		globals: make(map[string]bool),
	}
}

// Global exports labels by name.
func (so *SharedObject) Global(names ...string) {
	for _, n := range names {
		so.globals[n] = true
	}
}

const (
	soText = iota + 1
	soHash
	soDynsym
	soDynstr
	soRelaDyn
	soRelaPlt
	soData
	soGOT
	soDynamic
	soShstrtab
	soNumSections
)

type soLayout struct {
	textOff, hashOff, dynsymOff, dynstrOff uint32
	relaDynOff, relaPltOff, rxEnd          uint32
	dataOff, gotOff, dynamicOff, rwEnd     uint32
	imageEnd                               uint32
}

// Build lays out the shared object as an ELF image with one read-execute
// and one read-write segment.
func (so *SharedObject) Build() ([]byte, error) {
	text, err := so.Text.Bytes()
	if err != nil {
		return nil, err
	}

	defined := func(name string) bool {
		if _, ok := so.Text.labels[name]; ok {
			return true
		}
		_, ok := so.Data.labels[name]
		return ok
	}
	for g := range so.globals {
		if !defined(g) {
			return nil, errors.Errorf("global %s is not defined", g)
		}
	}

	gotSet := make(map[string]bool)
	for _, r := range so.Text.relocs {
		if strings.HasSuffix(r.Symbol, GOTSuffix) {
			gotSet[strings.TrimSuffix(r.Symbol, GOTSuffix)] = true
		}
	}
	var gotSyms []string
	for n := range gotSet {
		gotSyms = append(gotSyms, n)
	}
	sort.Strings(gotSyms)

	var globals, externs []string
	for g := range so.globals {
		globals = append(globals, g)
	}
	externSet := make(map[string]bool)
	for _, n := range gotSyms {
		if !defined(n) {
			externSet[n] = true
		}
	}
	for _, r := range so.Data.relocs {
		if !defined(r.Symbol) {
			externSet[r.Symbol] = true
		}
	}
	for n := range externSet {
		externs = append(externs, n)
	}
	sort.Strings(globals)
	sort.Strings(externs)

	dynNames := append(append([]string{""}, globals...), externs...)
	dynIndex := make(map[string]uint32)
	dynstr := newStrtab()
	for i, n := range dynNames[1:] {
		dynIndex[n] = uint32(i + 1)
		dynstr.add(n)
	}

	nRelaDyn := len(so.Data.relocs)
	nRelaPlt := 0
	for _, n := range gotSyms {
		if defined(n) {
			nRelaDyn++
		} else {
			nRelaPlt++
		}
	}

	nbucket := uint32(len(dynNames)/2 + 1)
	nchain := uint32(len(dynNames))

	var l soLayout
	l.textOff = alignUp32(ehdrSize+3*phdrSize, 16)
	l.hashOff = alignUp32(l.textOff+uint32(len(text)), 4)
	l.dynsymOff = l.hashOff + 8 + 4*(nbucket+nchain)
	l.dynstrOff = l.dynsymOff + symSize*nchain
	l.relaDynOff = alignUp32(l.dynstrOff+uint32(len(dynstr.buf)), 4)
	l.relaPltOff = l.relaDynOff + relaSize*uint32(nRelaDyn)
	l.rxEnd = l.relaPltOff + relaSize*uint32(nRelaPlt)

	l.dataOff = alignUp32(l.rxEnd, pageSize)
	l.gotOff = alignUp32(l.dataOff+uint32(len(so.Data.Contents())), 4)
	l.dynamicOff = l.gotOff + 4*uint32(len(gotSyms))

	addr := func(name string) (uint32, uint16, bool) {
		if off, ok := so.Text.labels[name]; ok {
			return l.textOff + off, soText, true
		}
		if off, ok := so.Data.labels[name]; ok {
			return l.dataOff + off, soData, true
		}
		if strings.HasSuffix(name, GOTSuffix) {
			base := strings.TrimSuffix(name, GOTSuffix)
			i := sort.SearchStrings(gotSyms, base)
			if i < len(gotSyms) && gotSyms[i] == base {
				return l.gotOff + 4*uint32(i), soGOT, true
			}
		}
		return 0, 0, false
	}

	var relaDyn, relaPlt []elf.Rela32
	for _, r := range so.Data.relocs {
		p := l.dataOff + r.Offset
		if s, _, ok := addr(r.Symbol); ok {
			relaDyn = append(relaDyn, elf.Rela32{
				Off:    p,
				Info:   elf.R_INFO32(0, uint32(insts.RelocRelative)),
				Addend: int32(s) + r.Addend,
			})
			continue
		}
		relaDyn = append(relaDyn, elf.Rela32{
			Off:    p,
			Info:   elf.R_INFO32(dynIndex[r.Symbol], uint32(insts.RelocGlobDat)),
			Addend: r.Addend,
		})
	}
	for i, n := range gotSyms {
		slot := l.gotOff + 4*uint32(i)
		if s, _, ok := addr(n); ok {
			relaDyn = append(relaDyn, elf.Rela32{
				Off:    slot,
				Info:   elf.R_INFO32(0, uint32(insts.RelocRelative)),
				Addend: int32(s),
			})
			continue
		}
		relaPlt = append(relaPlt, elf.Rela32{
			Off:  slot,
			Info: elf.R_INFO32(dynIndex[n], uint32(insts.RelocJmpSlot)),
		})
	}

	for _, r := range so.Text.relocs {
		s, _, ok := addr(r.Symbol)
		if !ok {
			return nil, errors.Errorf("%v against %s needs a GOT slot", r.Kind, r.Symbol)
		}
		if err := linkPCRel(text, r, l.textOff, s); err != nil {
			return nil, err
		}
	}

	var dyn []elf.Dyn32
	tag := func(t elf.DynTag, v uint32) {
		dyn = append(dyn, elf.Dyn32{Tag: int32(t), Val: v})
	}
	tag(elf.DT_HASH, l.hashOff)
	tag(elf.DT_SYMTAB, l.dynsymOff)
	tag(elf.DT_STRTAB, l.dynstrOff)
	tag(elf.DT_STRSZ, uint32(len(dynstr.buf)))
	tag(elf.DT_SYMENT, symSize)
	if len(relaDyn) > 0 {
		tag(elf.DT_RELA, l.relaDynOff)
		tag(elf.DT_RELASZ, relaSize*uint32(len(relaDyn)))
		tag(elf.DT_RELAENT, relaSize)
	}
	if len(relaPlt) > 0 {
		tag(elf.DT_JMPREL, l.relaPltOff)
		tag(elf.DT_PLTRELSZ, relaSize*uint32(len(relaPlt)))
		tag(elf.DT_PLTREL, uint32(elf.DT_RELA))
	}
	for _, f := range []struct {
		t     elf.DynTag
		label string
	}{{elf.DT_INIT, so.Init}, {elf.DT_FINI, so.Fini}} {
		if f.label == "" {
			continue
		}
		off, ok := so.Text.labels[f.label]
		if !ok {
			return nil, errors.Errorf("%v label %s is not defined", f.t, f.label)
		}
		tag(f.t, l.textOff+off)
	}
	tag(elf.DT_NULL, 0)
	l.rwEnd = l.dynamicOff + dynSize*uint32(len(dyn))
	l.imageEnd = alignUp32(l.rwEnd, pageSize)

	syms := make([]elf.Sym32, len(dynNames))
	for i, n := range dynNames[1:] {
		sym := elf.Sym32{Name: dynstr.add(n)}
		if v, sec, ok := addr(n); ok {
			sym.Value = v
			sym.Shndx = sec
			typ := elf.STT_OBJECT
			if sec == soText {
				typ = elf.STT_FUNC
			}
			sym.Info = elf.ST_INFO(elf.STB_GLOBAL, typ)
		} else {
			sym.Info = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE)
		}
		syms[i+1] = sym
	}

	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nchain)
	for i := len(dynNames) - 1; i >= 1; i-- {
		b := ELFHash(dynNames[i]) % nbucket
		chains[i] = buckets[b]
		buckets[b] = uint32(i)
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, ehdrSize))
	progs := []elf.Prog32{
		{
			Type: uint32(elf.PT_LOAD), Off: 0, Vaddr: 0, Paddr: 0,
			Filesz: l.dataOff, Memsz: l.dataOff,
			Flags: uint32(elf.PF_R | elf.PF_X), Align: pageSize,
		},
		{
			Type: uint32(elf.PT_LOAD), Off: l.dataOff, Vaddr: l.dataOff, Paddr: l.dataOff,
			Filesz: l.imageEnd - l.dataOff, Memsz: l.imageEnd - l.dataOff,
			Flags: uint32(elf.PF_R | elf.PF_W), Align: pageSize,
		},
		{
			Type: uint32(elf.PT_DYNAMIC), Off: l.dynamicOff, Vaddr: l.dynamicOff, Paddr: l.dynamicOff,
			Filesz: l.rwEnd - l.dynamicOff, Memsz: l.rwEnd - l.dynamicOff,
			Flags: uint32(elf.PF_R | elf.PF_W), Align: 4,
		},
	}
	for _, p := range progs {
		write(&buf, p)
	}

	shstr := newStrtab()
	shdrs := make([]elf.Section32, soNumSections)
	section := func(idx int, name string, typ elf.SectionType, flags elf.SectionFlag,
		off, size uint32) {
		shdrs[idx] = elf.Section32{
			Name:      shstr.add(name),
			Type:      uint32(typ),
			Flags:     uint32(flags),
			Addr:      off,
			Off:       off,
			Size:      size,
			Addralign: 4,
		}
	}
	at := func(off uint32) {
		for uint32(buf.Len()) < off {
			buf.WriteByte(0)
		}
	}

	at(l.textOff)
	buf.Write(text)
	section(soText, ".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR,
		l.textOff, uint32(len(text)))

	at(l.hashOff)
	write(&buf, nbucket)
	write(&buf, nchain)
	write(&buf, buckets)
	write(&buf, chains)
	section(soHash, ".hash", elf.SHT_HASH, elf.SHF_ALLOC, l.hashOff, l.dynsymOff-l.hashOff)
	shdrs[soHash].Link = soDynsym

	for _, s := range syms {
		write(&buf, s)
	}
	section(soDynsym, ".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, l.dynsymOff, symSize*nchain)
	shdrs[soDynsym].Link = soDynstr
	shdrs[soDynsym].Info = 1
	shdrs[soDynsym].Entsize = symSize

	buf.Write(dynstr.buf)
	section(soDynstr, ".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, l.dynstrOff, uint32(len(dynstr.buf)))

	at(l.relaDynOff)
	for _, r := range relaDyn {
		write(&buf, r)
	}
	section(soRelaDyn, ".rela.dyn", elf.SHT_RELA, elf.SHF_ALLOC, l.relaDynOff, l.relaPltOff-l.relaDynOff)
	for _, r := range relaPlt {
		write(&buf, r)
	}
	section(soRelaPlt, ".rela.plt", elf.SHT_RELA, elf.SHF_ALLOC, l.relaPltOff, l.rxEnd-l.relaPltOff)
	for _, idx := range []int{soRelaDyn, soRelaPlt} {
		shdrs[idx].Link = soDynsym
		shdrs[idx].Entsize = relaSize
	}

	at(l.dataOff)
	buf.Write(so.Data.Contents())
	section(soData, ".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE,
		l.dataOff, uint32(len(so.Data.Contents())))

	at(l.gotOff)
	buf.Write(make([]byte, 4*len(gotSyms)))
	section(soGOT, ".got", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE,
		l.gotOff, 4*uint32(len(gotSyms)))

	for _, d := range dyn {
		write(&buf, d)
	}
	section(soDynamic, ".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC|elf.SHF_WRITE,
		l.dynamicOff, l.rwEnd-l.dynamicOff)
	shdrs[soDynamic].Link = soDynstr
	shdrs[soDynamic].Entsize = dynSize

	at(l.imageEnd)

	shstr.add(".shstrtab")
	shstrOff := uint32(buf.Len())
	buf.Write(shstr.buf)
	shdrs[soShstrtab] = elf.Section32{
		Name:      shstr.index[".shstrtab"],
		Type:      uint32(elf.SHT_STRTAB),
		Off:       shstrOff,
		Size:      uint32(len(shstr.buf)),
		Addralign: 1,
	}

	pad(&buf, 4)
	shoff := uint32(buf.Len())
	for _, sh := range shdrs {
		write(&buf, sh)
	}

	out := buf.Bytes()
	var hdr bytes.Buffer
	write(&hdr, header(elf.ET_DYN, uint16(len(progs)), soNumSections, soShstrtab, ehdrSize, shoff))
	copy(out, hdr.Bytes())
	return out, nil
}

// linkPCRel resolves a PC-relative fixup of the text section at build time.
func linkPCRel(text []byte, r Reloc, textOff, s uint32) error {
	var mask uint32
	switch r.Kind {
	case insts.RelocPC16:
		mask = insts.MaskImm16
	case insts.RelocPC26:
		mask = insts.MaskImm26
	default:
		return errors.Errorf("%v against %s is a text relocation", r.Kind, r.Symbol)
	}

	p := textOff + r.Offset
	delta := (int64(s) + int64(r.Addend) - int64(p)) >> 2
	bits := uint(0)
	for m := mask; m != 0; m >>= 1 {
		bits++
	}
	if delta < -(1<<(bits-1)) || delta >= 1<<(bits-1) {
		return errors.Errorf("%v against %s out of range", r.Kind, r.Symbol)
	}

	word := binary.LittleEndian.Uint32(text[r.Offset:])
	word |= insts.Deposit(mask, uint32(delta))
	binary.LittleEndian.PutUint32(text[r.Offset:], word)
	return nil
}

// ELFHash is the System V symbol hash used by the hash section.
func ELFHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

func alignUp32(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}
