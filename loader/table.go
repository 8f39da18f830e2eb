package loader

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
)

// A Table owns every loaded module of the device. Loads and releases are
// serialized; lookups only take the read lock.
type Table struct {
	mu      sync.RWMutex
	loader  *Loader
	known   Resolver
	modules map[Handle]*Module
	order   []*Module
	last    Handle
}

// NewTable creates an empty module table. Externals that no loaded module
// defines are resolved through known.
func NewTable(mem *devicemem.Memory, known Resolver) *Table {
	return &Table{
		loader:  NewLoader(mem),
		known:   known,
		modules: make(map[Handle]*Module),
	}
}

// Loader returns the loader used by the table.
func (t *Table) Loader() *Loader {
	return t.loader
}

// Load maps an image and publishes it under a new handle.
func (t *Table) Load(name string, code []byte) (*Module, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mod, err := t.loader.Load(name, code, ResolverFunc(t.resolveLocked))
	if err != nil {
		return nil, err
	}

	t.last++
	mod.Handle = t.last
	t.modules[mod.Handle] = mod
	t.order = append(t.order, mod)

	return mod, nil
}

// Get returns the module of a handle.
func (t *Table) Get(h Handle) (*Module, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mod, ok := t.modules[h]
	if !ok {
		return nil, errors.Wrapf(ErrBadHandle, "handle %d", h)
	}
	return mod, nil
}

// Symbol looks up a symbol exported by one module.
func (t *Table) Symbol(h Handle, name string) (uint32, error) {
	mod, err := t.Get(h)
	if err != nil {
		return 0, err
	}

	addr, ok := mod.Symbol(name)
	if !ok {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%q in %s", name, mod.Name)
	}
	return addr, nil
}

// Release unpublishes a module and frees its memory. The handle becomes
// invalid.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mod, ok := t.modules[h]
	if !ok {
		return errors.Wrapf(ErrBadHandle, "handle %d", h)
	}

	delete(t.modules, h)
	for i, m := range t.order {
		if m == mod {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}

	t.loader.Unload(mod)
	return nil
}

// Resolve looks a name up in every loaded module, newest first, and then in
// the known-symbol table.
func (t *Table) Resolve(name string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.resolveLocked(name)
}

func (t *Table) resolveLocked(name string) (uint32, bool) {
	for i := len(t.order) - 1; i >= 0; i-- {
		if addr, ok := t.order[i].Symbol(name); ok {
			return addr, true
		}
	}

	if t.known != nil {
		return t.known.Resolve(name)
	}
	return 0, false
}

// Modules lists the loaded modules by handle.
func (t *Table) Modules() []*Module {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := make([]*Module, 0, len(t.modules))
	for _, m := range t.modules {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Handle < list[j].Handle })
	return list
}

// Len returns the number of loaded modules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.modules)
}
