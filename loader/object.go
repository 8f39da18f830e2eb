package loader

import (
	"debug/elf"
	"encoding/binary"
	"log"

	"gitlab.com/akita/offload/devicemem"
)

// GOTSymbol resolves to the global offset table of the module being loaded.
const GOTSymbol = "_GLOBAL_OFFSET_TABLE_"

// GOTEntries is the capacity of the global offset table of an object.
const GOTEntries = devicemem.PageSize / 4

type got struct {
	base    uint32
	entries []uint32
	index   map[uint32]uint32
}

func (g *got) slot(target uint32) (uint32, bool) {
	if off, ok := g.index[target]; ok {
		return off, true
	}
	if len(g.entries) >= GOTEntries {
		return 0, false
	}
	off := uint32(len(g.entries)) * 4
	g.entries = append(g.entries, target)
	g.index[target] = off
	return off, true
}

func (g *got) bytes() []byte {
	buf := make([]byte, len(g.entries)*4)
	for i, e := range g.entries {
		binary.LittleEndian.PutUint32(buf[i*4:], e)
	}
	return buf
}

type objectLoad struct {
	*Loader
	img      *Image
	mod      *Module
	resolver Resolver
	roBase   uint32
	roSize   uint32
	rwBase   uint32
	rwSize   uint32
	got      *got
}

func (l *Loader) loadObject(img *Image, mod *Module, resolver Resolver) error {
	o := &objectLoad{
		Loader:   l,
		img:      img,
		mod:      mod,
		resolver: resolver,
	}

	steps := []func() error{
		o.mapReadOnly,
		o.moveWritable,
		o.mapGOT,
		o.relocate,
		o.protect,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	mod.lookup = o.lookup
	mod.exports = o.exports
	return nil
}

func (o *objectLoad) mapReadOnly() error {
	o.roSize = alignUp(uint32(len(o.img.Buffer)), devicemem.PageSize)

	base, err := o.alloc(o.mod, ".ro", o.roSize)
	if err != nil {
		return err
	}
	o.roBase = base

	if err := o.mem.Write(base, o.img.Buffer); err != nil {
		return err
	}

	for _, s := range o.img.Sections {
		if s.Alloc() {
			s.Addr = base + s.Offset
		}
	}

	o.mod.Extents = append(o.mod.Extents, Extent{Base: base, Size: o.roSize})
	return nil
}

// moveWritable copies the writable sections into their own region, so that
// the image itself never needs to be writable and executable at once.
func (o *objectLoad) moveWritable() error {
	lo, hi := ^uint32(0), uint32(0)
	var nobits []*Section

	for _, s := range o.img.Sections {
		if !s.Alloc() || !s.Writable() || s.Size == 0 {
			continue
		}

		if s.Executable() {
			return loadErrorf(o.img.Name, ErrMalformed,
				"section %s is writable and executable", s.Name)
		}

		if s.Type == elf.SHT_NOBITS {
			nobits = append(nobits, s)
			continue
		}

		if s.Offset < lo {
			lo = s.Offset
		}
		if s.Offset+s.Size > hi {
			hi = s.Offset + s.Size
		}
	}

	span := uint32(0)
	if hi > lo {
		span = hi - lo
	}

	size := alignUp(span, 16)
	for _, s := range nobits {
		size = alignUp(size, maxAlign(s.Align)) + s.Size
	}

	if size == 0 {
		return nil
	}

	o.rwSize = alignUp(size, devicemem.PageSize)
	base, err := o.alloc(o.mod, ".rw", o.rwSize)
	if err != nil {
		return err
	}
	o.rwBase = base

	if span > 0 {
		if err := o.mem.Write(base, o.img.Buffer[lo:hi]); err != nil {
			return err
		}
	}

	for _, s := range o.img.Sections {
		if s.Alloc() && s.Writable() && s.Type != elf.SHT_NOBITS && s.Size > 0 {
			s.Addr = base + (s.Offset - lo)
			s.Moved = true
		}
	}

	cursor := alignUp(span, 16)
	for _, s := range nobits {
		cursor = alignUp(cursor, maxAlign(s.Align))
		s.Addr = base + cursor
		s.Moved = true
		if err := o.mem.Write(s.Addr, make([]byte, s.Size)); err != nil {
			return err
		}
		cursor += s.Size
	}

	o.mod.Extents = append(o.mod.Extents, Extent{Base: base, Size: o.rwSize})

	if o.Debug {
		log.Printf("loader: %s: moved writable span [%#x, %#x) to %#08x",
			o.img.Name, lo, hi, base)
	}
	return nil
}

func maxAlign(a uint32) uint32 {
	if a < 4 {
		return 4
	}
	return a
}

func (o *objectLoad) mapGOT() error {
	base, err := o.alloc(o.mod, ".got", devicemem.PageSize)
	if err != nil {
		return err
	}

	o.got = &got{base: base, index: make(map[uint32]uint32)}
	o.mod.Extents = append(o.mod.Extents, Extent{Base: base, Size: devicemem.PageSize})

	o.mod.GP = o.roBase
	if o.rwBase != 0 {
		o.mod.GP = o.rwBase
	}
	return nil
}

func (o *objectLoad) relocate() error {
	for _, s := range o.img.Sections {
		if s.Type != elf.SHT_RELA && s.Type != elf.SHT_REL {
			continue
		}

		if int(s.Info) >= len(o.img.Sections) {
			return loadErrorf(o.img.Name, ErrMalformed,
				"%s targets section %d", s.Name, s.Info)
		}

		target := o.img.Sections[s.Info]
		if !target.Alloc() {
			continue
		}

		relocs, err := o.img.Relocations(s)
		if err != nil {
			return err
		}

		if o.Debug {
			log.Printf("loader: %s: applying %d relocations to %s",
				o.img.Name, len(relocs), target.Name)
		}

		for _, r := range relocs {
			if err := o.apply(target, r); err != nil {
				return err
			}
		}
	}

	if len(o.got.entries) > 0 {
		return o.mem.Write(o.got.base, o.got.bytes())
	}
	return nil
}

func (o *objectLoad) apply(target *Section, r Relocation) error {
	spec, ok := SpecOf(r.Kind)
	if !ok {
		return loadErrorf(o.img.Name, ErrUnsupportedRelocation,
			"kind %d in %s at %#x", uint32(r.Kind), target.Name, r.Offset)
	}

	if uint64(r.Offset)+uint64(spec.Width) > uint64(target.Size) {
		return loadErrorf(o.img.Name, ErrOutOfBounds,
			"fixup at %#x beyond %s of size %#x", r.Offset, target.Name, target.Size)
	}

	if int(r.Symbol) >= len(o.img.Symbols) {
		return loadErrorf(o.img.Name, ErrOutOfBounds,
			"symbol index %d of %d", r.Symbol, len(o.img.Symbols))
	}

	s, err := o.symbolAddr(&o.img.Symbols[r.Symbol])
	if err != nil {
		return err
	}

	in := RelocInput{
		S:  s,
		A:  r.Addend,
		P:  target.Addr + r.Offset,
		GP: o.mod.GP,
		B:  o.roBase,
	}

	if spec.NeedsGOT() {
		off, ok := o.got.slot(uint32(int64(s) + int64(r.Addend)))
		if !ok {
			return loadErrorf(o.img.Name, ErrGOTFull, "%d entries", GOTEntries)
		}
		in.G = off
	}

	return o.patch(o.mod, r.Kind, in)
}

func (o *objectLoad) symbolAddr(sym *Symbol) (uint32, error) {
	switch {
	case sym.Section == elf.SHN_UNDEF:
		if sym.Name == GOTSymbol {
			return o.got.base, nil
		}
		if sym.Name != "" {
			if addr, ok := o.resolver.Resolve(sym.Name); ok {
				return addr, nil
			}
		}
		return 0, loadErrorf(o.img.Name, ErrUnresolvedSymbol, "%q", sym.Name)

	case sym.Section == elf.SHN_ABS:
		return sym.Value, nil

	case sym.Section >= elf.SHN_LORESERVE:
		return 0, loadErrorf(o.img.Name, ErrMalformed,
			"symbol %q in special section %v", sym.Name, sym.Section)

	case int(sym.Section) >= len(o.img.Sections):
		return 0, loadErrorf(o.img.Name, ErrOutOfBounds,
			"symbol %q in section %d", sym.Name, sym.Section)
	}

	sec := o.img.Sections[sym.Section]
	if !sec.Alloc() {
		return 0, loadErrorf(o.img.Name, ErrOutOfBounds,
			"symbol %q in unmapped section %s", sym.Name, sec.Name)
	}

	if uint64(sym.Value)+uint64(sym.Size) > uint64(sec.Size) {
		return 0, loadErrorf(o.img.Name, ErrOutOfBounds,
			"symbol %q at %#x beyond %s of size %#x",
			sym.Name, sym.Value, sec.Name, sec.Size)
	}

	return sec.Addr + sym.Value, nil
}

func (o *objectLoad) protect() error {
	if err := o.mem.Protect(o.roBase, o.roSize,
		devicemem.ProtRead|devicemem.ProtExec); err != nil {
		return err
	}
	o.mod.Extents[0].Prot = devicemem.ProtRead | devicemem.ProtExec

	for i := range o.mod.Extents[1:] {
		e := &o.mod.Extents[i+1]
		e.Prot = devicemem.ProtRead | devicemem.ProtWrite
		if e.Base == o.got.base {
			e.Prot = devicemem.ProtRead
		}
		if err := o.mem.Protect(e.Base, e.Size, e.Prot); err != nil {
			return err
		}
	}
	return nil
}

func (o *objectLoad) lookup(name string) (uint32, bool) {
	for i := range o.img.Symbols {
		sym := &o.img.Symbols[i]
		if sym.Name != name || !sym.Exported() {
			continue
		}
		addr, err := o.symbolAddr(sym)
		if err != nil {
			return 0, false
		}
		return addr, true
	}
	return 0, false
}

func (o *objectLoad) exports() map[string]uint32 {
	list := make(map[string]uint32)
	for i := range o.img.Symbols {
		sym := &o.img.Symbols[i]
		if !sym.Exported() {
			continue
		}
		if addr, err := o.symbolAddr(sym); err == nil {
			list[sym.Name] = addr
		}
	}
	return list
}
