package remote

import (
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/loader"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/protocol"
)

// HostAlignment is the alignment of buffers the host allocates.
const HostAlignment = 128

// maxName bounds the names of libraries and symbols.
const maxName = 4096

// maxArgs bounds the argument vector of a run.
const maxArgs = 4096

// A Result is the outcome of one request.
type Result struct {
	Ret    uint32
	Cycles uint64
	Stop   bool
}

func status(s protocol.Status) Result {
	return Result{Ret: s.Word()}
}

// OpStats counts the requests of one opcode.
type OpStats struct {
	Op       string `json:"op"`
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
	Cycles   uint64 `json:"cycles"`
}

// A Dispatcher executes requests on a device. Both transports share it.
type Dispatcher struct {
	dev   *Device
	Debug bool

	mu    sync.Mutex
	stats map[protocol.Opcode]*OpStats
}

// NewDispatcher creates a dispatcher for dev.
func NewDispatcher(dev *Device) *Dispatcher {
	return &Dispatcher{
		dev:   dev,
		Debug: dev.Config.Debug,
		stats: make(map[protocol.Opcode]*OpStats),
	}
}

// Device returns the device requests run on.
func (d *Dispatcher) Device() *Device {
	return d.dev
}

// Dispatch executes one request.
func (d *Dispatcher) Dispatch(msg protocol.Message) Result {
	if err := msg.Validate(); err != nil {
		log.Printf("remote: %v", err)
		d.count(msg.Op, status(protocol.StatusSchemaMismatch), true)
		return status(protocol.StatusSchemaMismatch)
	}

	if d.Debug {
		log.Printf("remote: %s", msg)
	}

	var res Result
	a := msg.Args
	switch msg.Op {
	case protocol.OpAlloc:
		res = d.alloc(a[0])
	case protocol.OpFree:
		res = d.free(a[0])
	case protocol.OpLoadLibrary:
		res = d.loadLibrary(a[0], a[1], a[2], a[3], a[4])
	case protocol.OpGetSymbol:
		res = d.getSymbol(loader.Handle(a[0]), a[1], a[2], a[3])
	case protocol.OpRun:
		res = d.run(loader.Handle(a[0]), a[1], a[2], a[3], a[4], a[5], a[6], a[7])
	case protocol.OpReleaseLibrary:
		res = d.releaseLibrary(loader.Handle(a[0]))
	case protocol.OpSetPerformanceMode:
		res = d.setPerformanceMode(power.Tier(int32(a[0])))
	case protocol.OpBreak:
		res = Result{Stop: true}
	default:
		log.Panicf("opcode %s has a signature but no handler", msg.Op)
	}

	failed := msg.Op != protocol.OpAlloc && msg.Op != protocol.OpRun &&
		protocol.StatusOfWord(res.Ret) != protocol.StatusOK
	d.count(msg.Op, res, failed)
	return res
}

func (d *Dispatcher) count(op protocol.Opcode, res Result, failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.stats[op]
	if !ok {
		s = &OpStats{Op: op.String()}
		d.stats[op] = s
	}
	s.Requests++
	s.Cycles += res.Cycles
	if failed {
		s.Failures++
	}
}

// Stats lists the request counters by opcode.
func (d *Dispatcher) Stats() []OpStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := make([]OpStats, 0, len(d.stats))
	for _, s := range d.stats {
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Op < list[j].Op })
	return list
}

// alloc returns the address or zero.
func (d *Dispatcher) alloc(size uint32) Result {
	addr, err := d.dev.Memory.Alloc("host", size, HostAlignment)
	if err != nil {
		log.Printf("remote: alloc %d: %v", size, err)
		return Result{}
	}
	return Result{Ret: addr}
}

func (d *Dispatcher) free(addr uint32) Result {
	if err := d.dev.Memory.Free(addr); err != nil {
		log.Printf("remote: free: %v", err)
		return status(protocol.StatusFault)
	}
	return status(protocol.StatusOK)
}

func (d *Dispatcher) readName(ptr, n uint32) (string, error) {
	if n > maxName {
		return "", errors.Errorf("name of %d bytes", n)
	}
	data, err := d.dev.Memory.Read(ptr, n)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Dispatcher) loadLibrary(namePtr, nameLen, codePtr, codeLen, handleOut uint32) Result {
	name, err := d.readName(namePtr, nameLen)
	if err != nil {
		log.Printf("remote: load library: %v", err)
		return status(protocol.StatusLoadFailed)
	}

	code, err := d.dev.Memory.Read(codePtr, codeLen)
	if err != nil {
		log.Printf("remote: load %s: %v", name, err)
		return status(protocol.StatusLoadFailed)
	}

	mod, err := d.dev.Modules.Load(name, code)
	if err != nil {
		log.Printf("remote: %v", err)
		if errors.Is(err, loader.ErrNoMemory) {
			return status(protocol.StatusNoMemory)
		}
		return status(protocol.StatusLoadFailed)
	}

	if err := d.dev.runInit(mod); err != nil {
		log.Printf("remote: %v", err)
		if err := d.dev.Modules.Release(mod.Handle); err != nil {
			log.Panicf("remote: cannot release %s after a failed constructor: %v",
				name, err)
		}
		return status(protocol.StatusLoadFailed)
	}

	if err := d.dev.Memory.Write32(handleOut, uint32(mod.Handle)); err != nil {
		log.Printf("remote: write handle of %s: %v", name, err)
		d.dev.runFini(mod)
		if err := d.dev.Modules.Release(mod.Handle); err != nil {
			log.Panicf("remote: cannot release %s after a failed handle write: %v",
				name, err)
		}
		return status(protocol.StatusLoadFailed)
	}

	return status(protocol.StatusOK)
}

func (d *Dispatcher) getSymbol(h loader.Handle, namePtr, nameLen, addrOut uint32) Result {
	name, err := d.readName(namePtr, nameLen)
	if err != nil {
		log.Printf("remote: get symbol: %v", err)
		return status(protocol.StatusSymbolNotFound)
	}

	addr, err := d.dev.Modules.Symbol(h, name)
	switch {
	case errors.Is(err, loader.ErrBadHandle):
		return status(protocol.StatusBadHandle)
	case err != nil:
		return status(protocol.StatusSymbolNotFound)
	}

	if err := d.dev.Memory.Write32(addrOut, addr); err != nil {
		log.Printf("remote: write address of %s: %v", name, err)
		return status(protocol.StatusFault)
	}
	return status(protocol.StatusOK)
}

// run calls fn with argv holding one pointer per input descriptor, one per
// output descriptor and one per scalar value.
func (d *Dispatcher) run(
	h loader.Handle, fn uint32,
	inPtr, inCount, outPtr, outCount, scalarPtr, scalarCount uint32,
) Result {
	mod, err := d.dev.Modules.Get(h)
	if err != nil {
		return status(protocol.StatusBadHandle)
	}
	if !mod.IsCode(fn) {
		log.Printf("remote: %#08x is not code of %s", fn, mod.Name)
		return status(protocol.StatusSymbolNotFound)
	}

	total := uint64(inCount) + uint64(outCount) + uint64(scalarCount)
	if total > maxArgs {
		log.Printf("remote: run: %d arguments, at most %d", total, maxArgs)
		return status(protocol.StatusSchemaMismatch)
	}

	for _, list := range []struct {
		what     string
		ptr, num uint32
	}{{"inputs", inPtr, inCount}, {"outputs", outPtr, outCount}} {
		if _, err := d.readDescs(list.ptr, list.num); err != nil {
			log.Printf("remote: run: %s: %v", list.what, err)
			return status(protocol.StatusFault)
		}
	}

	argv := make([]uint32, 0, total)
	for i := uint32(0); i < inCount; i++ {
		argv = append(argv, inPtr+protocol.DescSize*i)
	}
	for i := uint32(0); i < outCount; i++ {
		argv = append(argv, outPtr+protocol.DescSize*i)
	}

	scalars, err := d.readDescs(scalarPtr, scalarCount)
	if err != nil {
		log.Printf("remote: run: scalars: %v", err)
		return status(protocol.StatusFault)
	}
	for _, s := range scalars {
		argv = append(argv, s.Data)
	}

	argvAddr, err := d.writeWords(argv)
	if err != nil {
		log.Printf("remote: run: %v", err)
		return status(protocol.StatusNoMemory)
	}
	defer func() {
		if err := d.dev.Memory.Free(argvAddr); err != nil {
			log.Panicf("remote: cannot free argv: %v", err)
		}
	}()

	if err := d.dev.Power.Acquire(d.dev.Power.Tier()); err != nil {
		log.Printf("remote: run %s: %v", mod.Name, err)
		return status(protocol.StatusPower)
	}
	defer func() {
		if err := d.dev.Power.Release(); err != nil {
			log.Printf("remote: run %s: %v", mod.Name, err)
		}
	}()

	ret, cycles, err := d.dev.Machine.Run(mod.GP, fn, argvAddr)
	if err != nil {
		log.Printf("remote: run %s: %v", mod.Name, err)
		return Result{Ret: protocol.StatusFault.Word(), Cycles: cycles}
	}
	return Result{Ret: ret, Cycles: cycles}
}

func (d *Dispatcher) readDescs(ptr, n uint32) ([]protocol.BufferDesc, error) {
	if n == 0 {
		return nil, nil
	}
	if n > maxArgs {
		return nil, errors.Errorf("%d descriptors, at most %d", n, maxArgs)
	}
	buf, err := d.dev.Memory.Read(ptr, n*protocol.DescSize)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeDescs(buf, int(n))
}

func (d *Dispatcher) writeWords(words []uint32) (uint32, error) {
	if len(words) > maxArgs {
		return 0, errors.Errorf("%d words, at most %d", len(words), maxArgs)
	}
	addr, err := d.dev.Memory.Alloc("argv", uint32(4*len(words)), 16)
	if err != nil {
		return 0, err
	}
	for i, w := range words {
		if err := d.dev.Memory.Write32(addr+uint32(4*i), w); err != nil {
			_ = d.dev.Memory.Free(addr)
			return 0, err
		}
	}
	return addr, nil
}

func (d *Dispatcher) releaseLibrary(h loader.Handle) Result {
	mod, err := d.dev.Modules.Get(h)
	if err != nil {
		return status(protocol.StatusBadHandle)
	}

	d.dev.runFini(mod)
	if err := d.dev.Modules.Release(h); err != nil {
		return status(protocol.StatusBadHandle)
	}

	// Worker threads hold stacks in device memory. They come back at the
	// next parallel loop.
	d.dev.Pool.Shutdown()
	return status(protocol.StatusOK)
}

func (d *Dispatcher) setPerformanceMode(tier power.Tier) Result {
	if err := d.dev.Power.SetTier(tier); err != nil {
		log.Printf("remote: %v", err)
		return status(protocol.StatusPower)
	}
	return status(protocol.StatusOK)
}

// HeapStats reports the device heap.
func (d *Dispatcher) HeapStats() devicemem.HeapStats {
	return d.dev.Memory.Stats()
}
