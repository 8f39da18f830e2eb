package remote

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"gitlab.com/akita/offload/config"
	"gitlab.com/akita/offload/kernels"
	"gitlab.com/akita/offload/loader"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/protocol"
	"gitlab.com/akita/offload/symbols"
)

// host plays the host side of the protocol directly on a dispatcher.
type host struct {
	disp *Dispatcher
	dev  *Device
}

func newHost() *host {
	cfg := config.DefaultDeviceConfig()
	cfg.MemorySize = 16 << 20
	dev, err := NewDevice(cfg, nil)
	Expect(err).NotTo(HaveOccurred())
	return &host{disp: NewDispatcher(dev), dev: dev}
}

func (h *host) call(op protocol.Opcode, args ...uint32) Result {
	return h.disp.Dispatch(protocol.NewMessage(op, args...))
}

func (h *host) status(op protocol.Opcode, args ...uint32) protocol.Status {
	return protocol.StatusOfWord(h.call(op, args...).Ret)
}

func (h *host) put(data []byte) uint32 {
	addr := h.call(protocol.OpAlloc, uint32(len(data))).Ret
	Expect(addr).NotTo(BeZero())
	Expect(h.dev.Memory.Write(addr, data)).To(Succeed())
	return addr
}

func (h *host) word() uint32 {
	return h.put(make([]byte, 4))
}

func (h *host) descs(bufs ...[]byte) (uint32, []uint32) {
	var descs []protocol.BufferDesc
	var addrs []uint32
	for _, b := range bufs {
		addr := h.put(b)
		addrs = append(addrs, addr)
		descs = append(descs, protocol.BufferDesc{Data: addr, Len: uint32(len(b))})
	}
	if len(descs) == 0 {
		return 0, nil
	}
	return h.put(protocol.EncodeDescs(descs)), addrs
}

func (h *host) load(name string, code []byte) (protocol.Status, loader.Handle) {
	namePtr := h.put([]byte(name))
	codePtr := h.put(code)
	out := h.word()

	s := h.status(protocol.OpLoadLibrary,
		namePtr, uint32(len(name)), codePtr, uint32(len(code)), out)
	handle, err := h.dev.Memory.Read32(out)
	Expect(err).NotTo(HaveOccurred())
	return s, loader.Handle(handle)
}

func (h *host) loadKernel(name string) loader.Handle {
	k, ok := kernels.Lookup(name)
	Expect(ok).To(BeTrue())
	s, handle := h.load(name, k.Image())
	Expect(s).To(Equal(protocol.StatusOK))
	return handle
}

func (h *host) symbol(handle loader.Handle, name string) (protocol.Status, uint32) {
	namePtr := h.put([]byte(name))
	out := h.word()
	s := h.status(protocol.OpGetSymbol, uint32(handle), namePtr, uint32(len(name)), out)
	addr, err := h.dev.Memory.Read32(out)
	Expect(err).NotTo(HaveOccurred())
	return s, addr
}

func (h *host) entry(handle loader.Handle, name string) uint32 {
	s, addr := h.symbol(handle, name)
	Expect(s).To(Equal(protocol.StatusOK))
	return addr
}

func (h *host) read(addr, n uint32) []byte {
	data, err := h.dev.Memory.Read(addr, n)
	Expect(err).NotTo(HaveOccurred())
	return data
}

func word(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

var _ = Describe("Device", func() {
	It("should build its services in order", func() {
		h := newHost()
		defer h.dev.Close()

		Expect(h.dev.Memory).NotTo(BeNil())
		Expect(h.dev.Runtime).NotTo(BeNil())
		addr, ok := h.dev.Symbols.Resolve("memcpy")
		Expect(ok).To(BeTrue())
		_, mapped := h.dev.Memory.RegionAt(addr)
		Expect(mapped).To(BeTrue())
	})

	It("should refuse an invalid configuration", func() {
		cfg := config.DefaultDeviceConfig()
		cfg.JobSlots = 0
		_, err := NewDevice(cfg, nil)
		Expect(err).To(HaveOccurred())
	})

	It("should fill allocations", func() {
		cfg := config.DefaultDeviceConfig()
		cfg.MemorySize = 4 << 20
		cfg.Fill = 0xab
		dev, err := NewDevice(cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		defer dev.Close()

		disp := NewDispatcher(dev)
		addr := disp.Dispatch(protocol.NewMessage(protocol.OpAlloc, 4)).Ret
		Expect(dev.Memory.Read(addr, 4)).To(Equal([]byte{0xab, 0xab, 0xab, 0xab}))
	})
})

var _ = Describe("Dispatcher", func() {
	var h *host

	BeforeEach(func() {
		h = newHost()
	})

	AfterEach(func() {
		h.dev.Close()
	})

	It("should run add_one end to end", func() {
		handle := h.loadKernel("add_one")
		fn := h.entry(handle, "add_one")
		in, _ := h.descs([]byte{1, 2, 3, 4})
		out, outBufs := h.descs(make([]byte, 4))

		res := h.call(protocol.OpRun, uint32(handle), fn, in, 1, out, 1, 0, 0)

		Expect(protocol.StatusOfWord(res.Ret)).To(Equal(protocol.StatusOK))
		Expect(res.Cycles).To(BeNumerically(">", 0))
		Expect(h.read(outBufs[0], 4)).To(Equal([]byte{2, 3, 4, 5}))
	})

	It("should pass scalars by pointer", func() {
		handle := h.loadKernel("status")
		fn := h.entry(handle, "status")
		scalars, _ := h.descs(word(uint32(0xffffffd6)))

		res := h.call(protocol.OpRun, uint32(handle), fn, 0, 0, 0, 0, scalars, 1)

		Expect(int32(res.Ret)).To(Equal(int32(-42)))
	})

	It("should run a parallel kernel", func() {
		handle := h.loadKernel("add_one_parallel")
		fn := h.entry(handle, "add_one_parallel")
		data := make([]byte, 300)
		in, _ := h.descs(data)
		out, outBufs := h.descs(make([]byte, 300))

		res := h.call(protocol.OpRun, uint32(handle), fn, in, 1, out, 1, 0, 0)

		Expect(res.Ret).To(BeZero())
		for _, b := range h.read(outBufs[0], 300) {
			Expect(b).To(Equal(byte(1)))
		}
	})

	It("should hold a power lease for the length of a run", func() {
		handle := h.loadKernel("add_one")
		fn := h.entry(handle, "add_one")
		in, _ := h.descs([]byte{1, 2, 3, 4})
		out, _ := h.descs(make([]byte, 4))
		sim := h.dev.Platform.(*power.SimPlatform)

		for i := 1; i <= 3; i++ {
			Expect(h.status(protocol.OpRun, uint32(handle), fn, in, 1, out, 1, 0, 0)).
				To(Equal(protocol.StatusOK))
			Expect(sim.Count(power.EventPowerUp)).To(Equal(i))
			Expect(sim.Count(power.EventPowerDown)).To(Equal(i))
			Expect(h.dev.Power.Count()).To(BeZero())
		}
	})

	It("should release the power lease when a kernel faults", func() {
		handle := h.loadKernel("null_store")
		fn := h.entry(handle, "null_store")
		sim := h.dev.Platform.(*power.SimPlatform)

		Expect(h.status(protocol.OpRun, uint32(handle), fn, 0, 0, 0, 0, 0, 0)).
			To(Equal(protocol.StatusFault))
		Expect(sim.Count(power.EventPowerUp)).To(Equal(1))
		Expect(sim.Count(power.EventPowerDown)).To(Equal(1))
		Expect(h.dev.Power.Count()).To(BeZero())
	})

	It("should not run without power", func() {
		handle := h.loadKernel("add_one")
		fn := h.entry(handle, "add_one")
		in, _ := h.descs([]byte{1})
		out, outBufs := h.descs(make([]byte, 1))
		h.dev.Platform.(*power.SimPlatform).FailPowerUp = errors.New("brownout")
		before := h.dev.Memory.Stats().Allocations

		Expect(h.status(protocol.OpRun, uint32(handle), fn, in, 1, out, 1, 0, 0)).
			To(Equal(protocol.StatusPower))
		Expect(h.read(outBufs[0], 1)).To(Equal([]byte{0}))
		Expect(h.dev.Memory.Stats().Allocations).To(Equal(before))
		Expect(h.dev.Power.Count()).To(BeZero())
	})

	It("should refuse argument counts past the limit", func() {
		handle := h.loadKernel("add_one")
		fn := h.entry(handle, "add_one")
		in, _ := h.descs([]byte{1})
		before := h.dev.Memory.Stats()

		for _, counts := range [][3]uint32{
			{0xffffffff, 1, 1},
			{1, 0xffffffff, 0},
			{0x80000000, 0x80000000, 0},
			{maxArgs, 0, 1},
		} {
			Expect(h.status(protocol.OpRun, uint32(handle), fn,
				in, counts[0], in, counts[1], in, counts[2])).
				To(Equal(protocol.StatusSchemaMismatch), "counts %v", counts)
		}
		Expect(h.dev.Memory.Stats()).To(Equal(before))
	})

	It("should fault on descriptor arrays outside memory", func() {
		handle := h.loadKernel("add_one")
		fn := h.entry(handle, "add_one")
		in, _ := h.descs([]byte{1})
		far := uint32(0xfffff000)

		Expect(h.status(protocol.OpRun, uint32(handle), fn, far, 1, in, 1, 0, 0)).
			To(Equal(protocol.StatusFault))
		Expect(h.status(protocol.OpRun, uint32(handle), fn, in, 1, far, 1, 0, 0)).
			To(Equal(protocol.StatusFault))
		Expect(h.status(protocol.OpRun, uint32(handle), fn, in, 1, in, 1, far, 1)).
			To(Equal(protocol.StatusFault))
	})

	It("should allocate aligned host buffers", func() {
		addr := h.call(protocol.OpAlloc, 3).Ret
		Expect(addr % HostAlignment).To(BeZero())
		Expect(h.status(protocol.OpFree, addr)).To(Equal(protocol.StatusOK))
		Expect(h.status(protocol.OpFree, addr)).To(Equal(protocol.StatusFault))
	})

	It("should return zero for an allocation that does not fit", func() {
		Expect(h.call(protocol.OpAlloc, 0x7fffffff).Ret).To(BeZero())
	})

	It("should report a failed load and keep the other modules", func() {
		good := h.loadKernel("add_one")

		s, _ := h.load("garbage", []byte("not an image"))

		Expect(s).To(Equal(protocol.StatusLoadFailed))
		Expect(h.dev.Modules.Len()).To(Equal(1))
		st, _ := h.symbol(good, "add_one")
		Expect(st).To(Equal(protocol.StatusOK))
	})

	It("should unload a library whose handle cannot be written", func() {
		k, _ := kernels.Lookup("add_one_shared")
		code := k.Image()
		name := "add_one_shared"
		namePtr := h.put([]byte(name))
		codePtr := h.put(code)
		before := h.dev.Memory.Stats()

		Expect(h.status(protocol.OpLoadLibrary,
			namePtr, uint32(len(name)), codePtr, uint32(len(code)), 0xfffffff0)).
			To(Equal(protocol.StatusLoadFailed))
		Expect(h.dev.Modules.Len()).To(BeZero())
		Expect(h.dev.Memory.Stats().Allocations).To(Equal(before.Allocations))
		Expect(h.dev.Memory.Stats().InUse).To(Equal(before.InUse))
	})

	It("should tell bad handles from missing symbols", func() {
		handle := h.loadKernel("add_one")

		s, _ := h.symbol(handle+100, "add_one")
		Expect(s).To(Equal(protocol.StatusBadHandle))

		s, _ = h.symbol(handle, "sub_one")
		Expect(s).To(Equal(protocol.StatusSymbolNotFound))
	})

	It("should refuse to run what is not code of the module", func() {
		handle := h.loadKernel("add_one")
		rom, _ := h.dev.Symbols.Resolve("abort")

		Expect(h.status(protocol.OpRun, uint32(handle+1), rom, 0, 0, 0, 0, 0, 0)).
			To(Equal(protocol.StatusBadHandle))
		Expect(h.status(protocol.OpRun, uint32(handle), rom, 0, 0, 0, 0, 0, 0)).
			To(Equal(protocol.StatusSymbolNotFound))
	})

	It("should report a kernel fault without losing the device", func() {
		handle := h.loadKernel("null_store")
		fn := h.entry(handle, "null_store")
		before := h.dev.Memory.Stats().Allocations

		Expect(h.status(protocol.OpRun, uint32(handle), fn, 0, 0, 0, 0, 0, 0)).
			To(Equal(protocol.StatusFault))
		Expect(h.dev.Memory.Stats().Allocations).To(Equal(before))
		Expect(h.dev.Machine.Threads()).To(BeZero())
	})

	It("should run the constructor of a shared object", func() {
		handle := h.loadKernel("add_one_shared")

		_, count := h.symbol(handle, "init_count")
		Expect(h.dev.Memory.Read32(count)).To(Equal(uint32(1)))

		mod, err := h.dev.Modules.Get(handle)
		Expect(err).NotTo(HaveOccurred())
		h.dev.runFini(mod)
		_, fini := h.symbol(handle, "fini_count")
		Expect(h.dev.Memory.Read32(fini)).To(Equal(uint32(1)))
	})

	It("should run a shared object kernel", func() {
		handle := h.loadKernel("add_one_shared")
		fn := h.entry(handle, "add_one")
		in, _ := h.descs([]byte{10, 20})
		out, outBufs := h.descs(make([]byte, 2))

		Expect(h.status(protocol.OpRun, uint32(handle), fn, in, 1, out, 1, 0, 0)).
			To(Equal(protocol.StatusOK))
		Expect(h.read(outBufs[0], 2)).To(Equal([]byte{11, 21}))
	})

	It("should release a library", func() {
		handle := h.loadKernel("add_one_shared")
		before := h.dev.Memory.Stats()

		Expect(h.status(protocol.OpReleaseLibrary, uint32(handle))).
			To(Equal(protocol.StatusOK))
		Expect(h.dev.Memory.Stats().InUse).To(BeNumerically("<", before.InUse))
		Expect(h.status(protocol.OpReleaseLibrary, uint32(handle))).
			To(Equal(protocol.StatusBadHandle))
	})

	It("should reject messages of another schema", func() {
		msg := protocol.NewMessage(protocol.OpAlloc, 16)
		msg.Version = protocol.Version + 1
		Expect(protocol.StatusOfWord(h.disp.Dispatch(msg).Ret)).
			To(Equal(protocol.StatusSchemaMismatch))

		msg = protocol.NewMessage(protocol.OpFree, 16)
		msg.Args[5] = 1
		Expect(protocol.StatusOfWord(h.disp.Dispatch(msg).Ret)).
			To(Equal(protocol.StatusSchemaMismatch))

		Expect(protocol.StatusOfWord(h.disp.Dispatch(protocol.Message{}).Ret)).
			To(Equal(protocol.StatusSchemaMismatch))
	})

	It("should change the performance tier", func() {
		Expect(h.status(protocol.OpSetPerformanceMode, uint32(power.TierTurbo))).
			To(Equal(protocol.StatusOK))
		Expect(h.dev.Power.Tier()).To(Equal(power.TierTurbo))

		sim := h.dev.Platform.(*power.SimPlatform)
		Expect(sim.Count(power.EventPerformance)).To(Equal(1))

		Expect(h.status(protocol.OpSetPerformanceMode, 9)).
			To(Equal(protocol.StatusPower))
	})

	It("should stop on break", func() {
		res := h.call(protocol.OpBreak)
		Expect(res.Stop).To(BeTrue())
		Expect(res.Ret).To(BeZero())
	})

	It("should count requests", func() {
		h.call(protocol.OpAlloc, 4)
		h.call(protocol.OpFree, 0x1234)

		Expect(h.disp.Stats()).To(ContainElements(
			OpStats{Op: "Alloc", Requests: 1},
			OpStats{Op: "Free", Requests: 1, Failures: 1},
		))
	})

	It("should keep the rom out of reach of the host heap", func() {
		addr := h.call(protocol.OpAlloc, 16).Ret
		Expect(addr).To(BeNumerically(">=", config.DefaultHeapBase))
		Expect(h.dev.Symbols.Contains(addr)).To(BeFalse())
		Expect(symbols.ROMBase).To(BeNumerically("<", config.DefaultHeapBase))
	})
})
