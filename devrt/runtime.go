package devrt

import (
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/emu"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/symbols"
	"gitlab.com/akita/offload/threadpool"
)

// Errors raised by natives. They stop the running kernel as a fault.
var (
	ErrAbort        = errors.New("abort called")
	ErrDivideByZero = errors.New("integer divide by zero")
	ErrBadFree      = errors.New("free of a pointer that was not allocated")
	ErrNotROM       = errors.New("breakpoint outside the runtime rom")
)

// MallocAlignment is the alignment of dsp_malloc.
const MallocAlignment = 128

// A Resolver supplies the addresses of symbols of loaded modules.
type Resolver interface {
	Resolve(name string) (uint32, bool)
}

type native struct {
	fn   func(r *Runtime, t *emu.Thread) error
	cost uint64
}

// A Runtime services the traps of one device.
type Runtime struct {
	mem      *devicemem.Memory
	table    *symbols.Table
	pool     *threadpool.Pool
	power    *power.Controller
	resolver Resolver
	debug    bool

	impls []native

	mu        sync.Mutex
	calls     map[string]uint64
	workers   map[int]*emu.Thread
	lastError string
}

// Builder builds runtimes.
type Builder struct {
	mem      *devicemem.Memory
	table    *symbols.Table
	pool     *threadpool.Pool
	power    *power.Controller
	resolver Resolver
	debug    bool
}

// MakeBuilder returns a builder with no dependencies set.
func MakeBuilder() Builder {
	return Builder{}
}

// WithMemory sets the device memory natives read and write.
func (b Builder) WithMemory(mem *devicemem.Memory) Builder {
	b.mem = mem
	return b
}

// WithSymbols sets the known-symbol table the ROM was built from.
func (b Builder) WithSymbols(t *symbols.Table) Builder {
	b.table = t
	return b
}

// WithPool sets the pool parallel loops run on.
func (b Builder) WithPool(p *threadpool.Pool) Builder {
	b.pool = p
	return b
}

// WithPower sets the controller behind the vector lock.
func (b Builder) WithPower(c *power.Controller) Builder {
	b.power = c
	return b
}

// WithResolver sets where dsp_get_symbol looks names up.
func (b Builder) WithResolver(r Resolver) Builder {
	b.resolver = r
	return b
}

// WithDebug logs every native call.
func (b Builder) WithDebug(debug bool) Builder {
	b.debug = debug
	return b
}

// Build creates the runtime. Every symbol of the table must have a native.
func (b Builder) Build() (*Runtime, error) {
	if b.mem == nil || b.table == nil || b.pool == nil || b.power == nil {
		return nil, errors.New("runtime needs memory, symbols, pool and power")
	}

	r := &Runtime{
		mem:      b.mem,
		table:    b.table,
		pool:     b.pool,
		power:    b.power,
		resolver: b.resolver,
		debug:    b.debug,
		calls:    make(map[string]uint64),
		workers:  make(map[int]*emu.Thread),
	}

	for _, s := range b.table.Symbols() {
		impl, ok := natives[s.Name]
		if !ok {
			return nil, errors.Errorf("no native implementation of %s", s.Name)
		}
		r.impls = append(r.impls, impl)
	}

	b.pool.OnStop = r.releaseWorkers
	return r, nil
}

// Trap runs the native of the trampoline at pc.
func (r *Runtime) Trap(t *emu.Thread, pc, code uint32) error {
	sym, ok := r.table.Lookup(pc)
	if !ok {
		return ErrNotROM
	}

	index := int((pc - symbols.ROMBase) / symbols.SlotSize)
	if int(code) != index {
		return errors.Wrapf(emu.ErrBreakpoint, "code %d in slot of %s", code, sym.Name)
	}

	r.mu.Lock()
	r.calls[sym.Name]++
	r.mu.Unlock()

	if r.debug {
		log.Printf("devrt: %s(%#x, %#x, %#x, %#x)",
			sym.Name, t.Arg(0), t.Arg(1), t.Arg(2), t.Arg(3))
	}

	impl := r.impls[index]
	t.Charge(impl.cost)
	if err := impl.fn(r, t); err != nil {
		return errors.Wrap(err, sym.Name)
	}
	return nil
}

// A CallCount is how often device code reached one native.
type CallCount struct {
	Name  string `json:"name"`
	Calls uint64 `json:"calls"`
}

// Calls lists the natives that were reached, by name.
func (r *Runtime) Calls() []CallCount {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]CallCount, 0, len(r.calls))
	for name, n := range r.calls {
		list = append(list, CallCount{Name: name, Calls: n})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// LastError returns the most recent message of dsp_error.
func (r *Runtime) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastError
}

// Release stops the pool and frees the worker threads.
func (r *Runtime) Release() {
	r.pool.Shutdown()
	r.releaseWorkers()
}
