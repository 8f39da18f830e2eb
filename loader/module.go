package loader

import (
	"log"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"gitlab.com/akita/offload/devicemem"
)

// Handle identifies a loaded module to the host.
type Handle uint32

// A Resolver supplies addresses of symbols that an image does not define.
type Resolver interface {
	Resolve(name string) (uint32, bool)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (uint32, bool)

// Resolve calls f.
func (f ResolverFunc) Resolve(name string) (uint32, bool) {
	return f(name)
}

// An Extent is a mapped address range of a module.
type Extent struct {
	Base uint32
	Size uint32
	Prot devicemem.Prot
}

// Contains tells whether [addr, addr+n) lies inside the extent.
func (e Extent) Contains(addr, n uint32) bool {
	return addr >= e.Base &&
		uint64(addr)+uint64(n) <= uint64(e.Base)+uint64(e.Size)
}

// A Module is a mapped and relocated image.
type Module struct {
	Handle Handle
	ID     string
	Name   string
	Kind   ImageKind

	// GP is loaded into the global pointer register when the module's code
	// runs.
	GP uint32

	// Init and Fini are the addresses of the constructor and destructor of
	// a shared object, or zero.
	Init uint32
	Fini uint32

	Extents []Extent

	allocations []uint32
	lookup      func(name string) (uint32, bool)
	exports     func() map[string]uint32
}

// Symbol returns the address of a symbol the module exports.
func (m *Module) Symbol(name string) (uint32, bool) {
	return m.lookup(name)
}

// Exports lists every exported symbol with its address.
func (m *Module) Exports() map[string]uint32 {
	return m.exports()
}

// IsCode tells whether addr lies in an executable extent of the module.
func (m *Module) IsCode(addr uint32) bool {
	for _, e := range m.Extents {
		if e.Prot&devicemem.ProtExec != 0 && e.Contains(addr, 4) {
			return true
		}
	}
	return false
}

// Contains tells whether [addr, addr+n) lies in a mapped extent.
func (m *Module) Contains(addr, n uint32) bool {
	for _, e := range m.Extents {
		if e.Contains(addr, n) {
			return true
		}
	}
	return false
}

// A Loader maps images into device memory.
type Loader struct {
	mem   *devicemem.Memory
	Debug bool
}

// NewLoader creates a loader that maps images into mem.
func NewLoader(mem *devicemem.Memory) *Loader {
	return &Loader{mem: mem}
}

// Load parses, maps and relocates one image. Externals are looked up through
// resolver.
func (l *Loader) Load(name string, code []byte, resolver Resolver) (*Module, error) {
	img, err := Parse(name, code)
	if err != nil {
		return nil, err
	}

	mod := &Module{
		ID:   xid.New().String(),
		Name: name,
		Kind: img.Kind,
	}

	switch img.Kind {
	case KindObject:
		err = l.loadObject(img, mod, resolver)
	case KindShared:
		err = l.loadShared(img, mod, resolver)
	}

	if err != nil {
		l.Unload(mod)
		return nil, err
	}

	if l.Debug {
		log.Printf("loader: mapped %s (%s) with %d extents, gp %#08x",
			name, img.Kind, len(mod.Extents), mod.GP)
	}

	return mod, nil
}

// Unload frees all device memory of a module.
func (l *Loader) Unload(mod *Module) {
	for _, addr := range mod.allocations {
		if err := l.mem.Free(addr); err != nil {
			log.Panicf("loader: cannot free %#08x of %s: %v", addr, mod.Name, err)
		}
	}
	mod.allocations = nil
	mod.Extents = nil
}

func (l *Loader) alloc(mod *Module, what string, size uint32) (uint32, error) {
	addr, err := l.mem.Alloc(mod.Name+what, size, devicemem.PageSize)
	if err != nil {
		if errors.Is(err, devicemem.ErrNoMemory) {
			return 0, loadErrorf(mod.Name, ErrNoMemory, "%s needs %d bytes", what, size)
		}
		return 0, errors.Wrapf(err, "map %s of %s", what, mod.Name)
	}
	mod.allocations = append(mod.allocations, addr)
	return addr, nil
}

// patch applies one relocation to device memory at in.P.
func (l *Loader) patch(mod *Module, kind RelocKind, in RelocInput) error {
	spec, ok := SpecOf(kind)
	if !ok {
		return loadErrorf(mod.Name, ErrUnsupportedRelocation,
			"kind %d at %#08x", uint32(kind), in.P)
	}

	if !mod.Contains(in.P, uint32(spec.Width)) {
		return loadErrorf(mod.Name, ErrOutOfBounds,
			"%v fixup at %#08x", kind, in.P)
	}

	raw, err := l.mem.Read(in.P, uint32(spec.Width))
	if err != nil {
		return loadErrorf(mod.Name, ErrOutOfBounds, "%v", err)
	}

	var word uint32
	for i := len(raw) - 1; i >= 0; i-- {
		word = word<<8 | uint32(raw[i])
	}

	patched, err := Apply(kind, word, in)
	if err != nil {
		return loadErrorf(mod.Name, err, "%v at %#08x, S=%#x A=%d",
			kind, in.P, in.S, in.A)
	}

	for i := range raw {
		raw[i] = byte(patched >> (8 * i))
	}
	return l.mem.Write(in.P, raw)
}
