package loader

import (
	"debug/elf"
	"log"

	"gitlab.com/akita/offload/devicemem"
)

// dynamic holds the entries of the dynamic section that the loader uses.
// Addresses are already translated to device addresses.
type dynamic struct {
	hash, symtab, strtab uint32
	strsz, syment        uint32
	rela, relasz         uint32
	relaent              uint32
	jmprel, pltrelsz     uint32
	pltrel               uint32
	init, fini           uint32
}

type sharedLoad struct {
	*Loader
	img      *Image
	mod      *Module
	resolver Resolver

	region  uint32
	size    uint32
	base    uint32 // device address minus virtual address
	loads   []*elf.Prog
	dyn     dynamic
	nbucket uint32
	nchain  uint32
}

func (l *Loader) loadShared(img *Image, mod *Module, resolver Resolver) error {
	s := &sharedLoad{
		Loader:   l,
		img:      img,
		mod:      mod,
		resolver: resolver,
	}

	steps := []func() error{
		s.mapSegments,
		s.readDynamic,
		s.readHash,
		s.relocate,
		s.protect,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	mod.GP = s.region
	mod.Init = s.dyn.init
	mod.Fini = s.dyn.fini
	mod.lookup = s.lookup
	mod.exports = s.exports
	return nil
}

func (s *sharedLoad) mapSegments() error {
	var (
		haveBase  bool
		vaddrBase uint64
		end       uint64
	)

	for _, p := range s.img.file.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		switch {
		case p.Filesz != p.Memsz:
			return loadErrorf(s.img.Name, ErrMalformed,
				"segment at %#x has filesz %#x != memsz %#x", p.Vaddr, p.Filesz, p.Memsz)
		case p.Off%devicemem.PageSize != 0 || p.Vaddr%devicemem.PageSize != 0:
			return loadErrorf(s.img.Name, ErrMalformed,
				"segment at %#x is not page aligned", p.Vaddr)
		case p.Memsz%devicemem.PageSize != 0:
			return loadErrorf(s.img.Name, ErrMalformed,
				"segment at %#x has size %#x, not a multiple of the page size",
				p.Vaddr, p.Memsz)
		case p.Flags&elf.PF_W != 0 && p.Flags&elf.PF_X != 0:
			return loadErrorf(s.img.Name, ErrMalformed,
				"segment at %#x is writable and executable", p.Vaddr)
		case p.Off+p.Filesz > uint64(len(s.img.Buffer)):
			return loadErrorf(s.img.Name, ErrMalformed,
				"segment at %#x extends past the image", p.Vaddr)
		case p.Vaddr < p.Off:
			return loadErrorf(s.img.Name, ErrMalformed,
				"segment at %#x below its file offset", p.Vaddr)
		}

		b := p.Vaddr - p.Off
		if haveBase && b != vaddrBase {
			return loadErrorf(s.img.Name, ErrMalformed,
				"segments are not contiguous")
		}
		haveBase, vaddrBase = true, b

		if p.Off+p.Filesz > end {
			end = p.Off + p.Filesz
		}
		s.loads = append(s.loads, p)
	}

	if len(s.loads) == 0 {
		return loadErrorf(s.img.Name, ErrMalformed, "no loadable segment")
	}

	s.size = alignUp(uint32(end), devicemem.PageSize)
	region, err := s.alloc(s.mod, ".so", s.size)
	if err != nil {
		return err
	}
	s.region = region
	s.base = region - uint32(vaddrBase)

	if err := s.mem.Write(region, s.img.Buffer[:end]); err != nil {
		return err
	}

	s.mod.Extents = append(s.mod.Extents, Extent{Base: region, Size: s.size})
	return nil
}

// addr translates a virtual address of the image into a device address
// covering n bytes, failing when it falls outside the mapping.
func (s *sharedLoad) addr(vaddr, n uint32) (uint32, error) {
	off := vaddr + s.base - s.region
	if uint64(off)+uint64(n) > uint64(s.size) {
		return 0, loadErrorf(s.img.Name, ErrOutOfBounds,
			"virtual address %#x (%d bytes)", vaddr, n)
	}
	return s.region + off, nil
}

// define returns the device address of a symbol defined by the image.
func (s *sharedLoad) define(sym *Symbol) (uint32, error) {
	a, err := s.addr(sym.Value, sym.Size)
	if err != nil {
		return 0, loadErrorf(s.img.Name, ErrOutOfBounds,
			"symbol %q at %#x (%d bytes)", sym.Name, sym.Value, sym.Size)
	}
	return a, nil
}

func (s *sharedLoad) read32(devAddr uint32) (uint32, error) {
	if uint64(devAddr)+4 > uint64(s.region)+uint64(s.size) || devAddr < s.region {
		return 0, loadErrorf(s.img.Name, ErrOutOfBounds, "read at %#08x", devAddr)
	}
	return s.mem.Read32(devAddr)
}

func (s *sharedLoad) readDynamic() error {
	var dynProg *elf.Prog
	for _, p := range s.img.file.Progs {
		if p.Type == elf.PT_DYNAMIC {
			dynProg = p
		}
	}
	if dynProg == nil {
		return loadErrorf(s.img.Name, ErrMalformed, "no dynamic segment")
	}

	start, err := s.addr(uint32(dynProg.Vaddr), uint32(dynProg.Filesz))
	if err != nil {
		return err
	}

	vaddrs := map[elf.DynTag]*uint32{
		elf.DT_HASH:   &s.dyn.hash,
		elf.DT_SYMTAB: &s.dyn.symtab,
		elf.DT_STRTAB: &s.dyn.strtab,
		elf.DT_RELA:   &s.dyn.rela,
		elf.DT_JMPREL: &s.dyn.jmprel,
		elf.DT_INIT:   &s.dyn.init,
		elf.DT_FINI:   &s.dyn.fini,
	}
	values := map[elf.DynTag]*uint32{
		elf.DT_STRSZ:    &s.dyn.strsz,
		elf.DT_SYMENT:   &s.dyn.syment,
		elf.DT_RELASZ:   &s.dyn.relasz,
		elf.DT_RELAENT:  &s.dyn.relaent,
		elf.DT_PLTRELSZ: &s.dyn.pltrelsz,
		elf.DT_PLTREL:   &s.dyn.pltrel,
	}

	for off := uint32(0); off+dyn32Size <= uint32(dynProg.Filesz); off += dyn32Size {
		tag, err := s.read32(start + off)
		if err != nil {
			return err
		}
		val, err := s.read32(start + off + 4)
		if err != nil {
			return err
		}

		t := elf.DynTag(int32(tag))
		if t == elf.DT_NULL {
			break
		}
		if p, ok := vaddrs[t]; ok {
			a, err := s.addr(val, 1)
			if err != nil {
				return err
			}
			*p = a
		} else if p, ok := values[t]; ok {
			*p = val
		}
	}

	d := &s.dyn
	switch {
	case d.hash == 0 || d.symtab == 0 || d.strtab == 0:
		return loadErrorf(s.img.Name, ErrMalformed, "missing hash, symbol or string table")
	case d.syment != sym32Size:
		return loadErrorf(s.img.Name, ErrMalformed, "symbol entry size %d", d.syment)
	case d.rela != 0 && d.relaent != rela32Size:
		return loadErrorf(s.img.Name, ErrMalformed, "relocation entry size %d", d.relaent)
	case d.jmprel != 0 && d.pltrel != uint32(elf.DT_RELA):
		return loadErrorf(s.img.Name, ErrUnsupportedRelocation, "PLT relocations of type %d", d.pltrel)
	}

	if _, err := s.addr(d.strtab-s.base, d.strsz); err != nil {
		return err
	}
	return nil
}

func (s *sharedLoad) readHash() error {
	var err error
	if s.nbucket, err = s.read32(s.dyn.hash); err != nil {
		return err
	}
	if s.nchain, err = s.read32(s.dyn.hash + 4); err != nil {
		return err
	}
	if s.nbucket == 0 {
		return loadErrorf(s.img.Name, ErrMalformed, "empty hash table")
	}

	tableSize := 8 + 4*(uint64(s.nbucket)+uint64(s.nchain))
	if tableSize > uint64(s.size) {
		return loadErrorf(s.img.Name, ErrOutOfBounds, "hash table size %#x", tableSize)
	}
	if _, err := s.addr(s.dyn.hash-s.base, uint32(tableSize)); err != nil {
		return err
	}
	if _, err := s.addr(s.dyn.symtab-s.base, s.nchain*sym32Size); err != nil {
		return err
	}
	return nil
}

func (s *sharedLoad) symbol(index uint32) (Symbol, error) {
	if index >= s.nchain {
		return Symbol{}, loadErrorf(s.img.Name, ErrOutOfBounds,
			"symbol index %d of %d", index, s.nchain)
	}

	raw, err := s.mem.Read(s.dyn.symtab+index*sym32Size, sym32Size)
	if err != nil {
		return Symbol{}, loadErrorf(s.img.Name, ErrOutOfBounds, "%v", err)
	}

	nameOff := le32(raw[0:])
	name, err := s.str(nameOff)
	if err != nil {
		return Symbol{}, err
	}

	return Symbol{
		Name:    name,
		Value:   le32(raw[4:]),
		Size:    le32(raw[8:]),
		Bind:    elf.ST_BIND(raw[12]),
		Type:    elf.ST_TYPE(raw[12]),
		Section: elf.SectionIndex(uint16(raw[14]) | uint16(raw[15])<<8),
	}, nil
}

func (s *sharedLoad) str(off uint32) (string, error) {
	if off >= s.dyn.strsz {
		return "", loadErrorf(s.img.Name, ErrOutOfBounds, "string offset %#x", off)
	}
	raw, err := s.mem.Read(s.dyn.strtab+off, s.dyn.strsz-off)
	if err != nil {
		return "", loadErrorf(s.img.Name, ErrOutOfBounds, "%v", err)
	}
	for i, c := range raw {
		if c == 0 {
			return string(raw[:i]), nil
		}
	}
	return "", loadErrorf(s.img.Name, ErrMalformed, "unterminated string at %#x", off)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// elfHash is the System V ABI symbol hash.
func elfHash(name string) uint32 {
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

// find walks the hash chain of name and returns the device address of its
// definition.
func (s *sharedLoad) find(name string) (uint32, bool, error) {
	bucket := elfHash(name) % s.nbucket
	i, err := s.read32(s.dyn.hash + 8 + 4*bucket)
	if err != nil {
		return 0, false, err
	}

	for steps := uint32(0); i != 0; steps++ {
		if steps > s.nchain {
			return 0, false, loadErrorf(s.img.Name, ErrMalformed, "hash chain loops")
		}

		sym, err := s.symbol(i)
		if err != nil {
			return 0, false, err
		}
		if sym.Name == name && !sym.External() {
			a, err := s.define(&sym)
			if err != nil {
				return 0, false, err
			}
			return a, true, nil
		}

		i, err = s.read32(s.dyn.hash + 8 + 4*s.nbucket + 4*i)
		if err != nil {
			return 0, false, err
		}
	}
	return 0, false, nil
}

func (s *sharedLoad) relocate() error {
	tables := []struct{ start, size uint32 }{
		{s.dyn.rela, s.dyn.relasz},
		{s.dyn.jmprel, s.dyn.pltrelsz},
	}

	for _, t := range tables {
		if t.start == 0 || t.size == 0 {
			continue
		}
		if _, err := s.addr(t.start-s.base, t.size); err != nil {
			return err
		}
		if t.size%rela32Size != 0 {
			return loadErrorf(s.img.Name, ErrMalformed, "relocation table size %d", t.size)
		}

		raw, err := s.mem.Read(t.start, t.size)
		if err != nil {
			return err
		}

		if s.Debug {
			log.Printf("loader: %s: applying %d dynamic relocations",
				s.img.Name, t.size/rela32Size)
		}

		for off := uint32(0); off < t.size; off += rela32Size {
			if err := s.apply(decodeRela(raw[off : off+rela32Size])); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *sharedLoad) apply(r Relocation) error {
	spec, ok := SpecOf(r.Kind)
	if !ok || spec.NeedsGOT() {
		return loadErrorf(s.img.Name, ErrUnsupportedRelocation,
			"kind %d at %#x", uint32(r.Kind), r.Offset)
	}

	p, err := s.addr(r.Offset, uint32(spec.Width))
	if err != nil {
		return err
	}

	in := RelocInput{
		A:  r.Addend,
		P:  p,
		B:  s.base,
		GP: s.region,
	}

	if r.Symbol != 0 {
		sym, err := s.symbol(r.Symbol)
		if err != nil {
			return err
		}

		if sym.External() {
			addr, ok := s.resolver.Resolve(sym.Name)
			if !ok {
				return loadErrorf(s.img.Name, ErrUnresolvedSymbol, "%q", sym.Name)
			}
			in.S = addr
		} else {
			in.S, err = s.define(&sym)
			if err != nil {
				return err
			}
		}
	}

	return s.patch(s.mod, r.Kind, in)
}

func (s *sharedLoad) protect() error {
	for _, p := range s.loads {
		prot := devicemem.ProtNone
		if p.Flags&elf.PF_R != 0 {
			prot |= devicemem.ProtRead
		}
		if p.Flags&elf.PF_W != 0 {
			prot |= devicemem.ProtWrite
		}
		if p.Flags&elf.PF_X != 0 {
			prot |= devicemem.ProtExec
		}

		start := s.base + uint32(p.Vaddr)
		size := alignUp(uint32(p.Memsz), devicemem.PageSize)
		if size == 0 {
			continue
		}
		if err := s.mem.Protect(start, size, prot); err != nil {
			return err
		}
		s.mod.Extents = append(s.mod.Extents, Extent{Base: start, Size: size, Prot: prot})
	}

	// The whole mapping stays listed first for bounds checks; the
	// per-segment extents carry the protections.
	s.mod.Extents[0].Prot = devicemem.ProtNone
	return nil
}

func (s *sharedLoad) lookup(name string) (uint32, bool) {
	addr, ok, err := s.find(name)
	if err != nil {
		return 0, false
	}
	return addr, ok
}

func (s *sharedLoad) exports() map[string]uint32 {
	list := make(map[string]uint32)
	for i := uint32(1); i < s.nchain; i++ {
		sym, err := s.symbol(i)
		if err != nil {
			break
		}
		if !sym.Exported() {
			continue
		}
		if a, err := s.define(&sym); err == nil {
			list[sym.Name] = a
		}
	}
	return list
}
