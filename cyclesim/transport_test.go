package cyclesim

import (
	"context"

	"github.com/pkg/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gitlab.com/akita/akita/v3/sim"
	"gitlab.com/akita/offload/config"
	"gitlab.com/akita/offload/kernels"
	"gitlab.com/akita/offload/protocol"
	"gitlab.com/akita/offload/remote"
)

type rig struct {
	dev    *remote.Device
	tr     *Transport
	tracer *RPCTracer
}

func newRig(cyclesPerTick uint64) *rig {
	cfg := config.DefaultDeviceConfig()
	cfg.MemorySize = 16 << 20
	dev, err := remote.NewDevice(cfg, nil)
	Expect(err).NotTo(HaveOccurred())

	engine := sim.NewSerialEngine()
	tracer := NewRPCTracer(engine)
	tr, err := MakeBuilder().
		WithEngine(engine).
		WithFreq(sim.Freq(cfg.FrequencyMHz) * sim.MHz).
		WithCyclesPerTick(cyclesPerTick).
		WithTracer(tracer).
		Build("Offload", remote.NewDispatcher(dev))
	Expect(err).NotTo(HaveOccurred())

	return &rig{dev: dev, tr: tr, tracer: tracer}
}

func (r *rig) call(op protocol.Opcode, args ...uint32) uint32 {
	ret, err := r.tr.Call(context.Background(), protocol.NewMessage(op, args...))
	Expect(err).NotTo(HaveOccurred())
	return ret
}

func (r *rig) put(data []byte) uint32 {
	addr := r.call(protocol.OpAlloc, uint32(len(data)))
	Expect(addr).NotTo(BeZero())
	Expect(r.tr.WriteMemory(addr, data)).To(Succeed())
	return addr
}

func (r *rig) read32(addr uint32) uint32 {
	v, err := r.dev.Memory.Read32(addr)
	Expect(err).NotTo(HaveOccurred())
	return v
}

func (r *rig) desc(data []byte) (uint32, uint32) {
	addr := r.put(data)
	desc := protocol.EncodeDescs([]protocol.BufferDesc{{Data: addr, Len: uint32(len(data))}})
	return r.put(desc), addr
}

func (r *rig) loadKernel(name string) (uint32, uint32) {
	k, ok := kernels.Lookup(name)
	Expect(ok).To(BeTrue())

	code := k.Image()
	namePtr := r.put([]byte(name))
	codePtr := r.put(code)
	out := r.put(make([]byte, 4))
	ret := r.call(protocol.OpLoadLibrary,
		namePtr, uint32(len(name)), codePtr, uint32(len(code)), out)
	Expect(protocol.StatusOfWord(ret)).To(Equal(protocol.StatusOK))
	handle := r.read32(out)

	entryPtr := r.put([]byte(k.Entry))
	ret = r.call(protocol.OpGetSymbol, handle, entryPtr, uint32(len(k.Entry)), out)
	Expect(protocol.StatusOfWord(ret)).To(Equal(protocol.StatusOK))
	return handle, r.read32(out)
}

var _ = Describe("Transport", func() {
	var r *rig

	BeforeEach(func() {
		r = newRig(1)
	})

	AfterEach(func() {
		r.dev.Close()
	})

	It("should run add_one on the simulated device", func() {
		handle, fn := r.loadKernel("add_one")
		in, _ := r.desc([]byte{1, 2, 3, 4})
		out, outBuf := r.desc(make([]byte, 4))

		ret := r.call(protocol.OpRun, handle, fn, in, 1, out, 1, 0, 0)

		Expect(ret).To(BeZero())
		data, err := r.tr.ReadMemory(outBuf, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{2, 3, 4, 5}))
		Expect(r.tr.Core().Cycles()).To(BeNumerically(">", 0))
	})

	It("should reset the mailbox after every request", func() {
		r.call(protocol.OpAlloc, 16)

		op, err := r.dev.Memory.Read32(protocol.MailboxBase + protocol.MailboxOp)
		Expect(err).NotTo(HaveOccurred())
		Expect(protocol.Opcode(op)).To(Equal(protocol.OpNone))
		Expect(r.tr.Host().Completed()).NotTo(BeNil())
		Expect(r.tr.Host().Completed().Op).To(Equal(protocol.OpAlloc))
	})

	It("should advance the simulated time with the device cycles", func() {
		handle, fn := r.loadKernel("add_one")
		in, _ := r.desc(make([]byte, 64))
		out, _ := r.desc(make([]byte, 64))
		before := r.tr.Now()
		cycles := r.tr.Core().Cycles()

		r.call(protocol.OpRun, handle, fn, in, 1, out, 1, 0, 0)

		spent := r.tr.Core().Cycles() - cycles
		Expect(spent).To(BeNumerically(">", 64))
		Expect(float64(r.tr.Now() - before)).
			To(BeNumerically(">=", 0.99*float64(spent)*1e-9))
	})

	It("should answer a schema mismatch", func() {
		msg := protocol.NewMessage(protocol.OpAlloc, 4)
		msg.Version = protocol.Version + 1

		ret, err := r.tr.Call(context.Background(), msg)

		Expect(err).NotTo(HaveOccurred())
		Expect(protocol.StatusOfWord(ret)).To(Equal(protocol.StatusSchemaMismatch))
	})

	It("should stop at Break", func() {
		Expect(r.call(protocol.OpBreak)).To(BeZero())
		Expect(r.tr.Core().Stopped()).To(BeTrue())

		_, err := r.tr.Call(context.Background(), protocol.NewMessage(protocol.OpAlloc, 4))

		var terr *protocol.TransportError
		Expect(errors.As(err, &terr)).To(BeTrue())
		Expect(terr.Op).To(Equal(protocol.OpAlloc))
		Expect(errors.Is(err, protocol.ErrStopped)).To(BeTrue())
		Expect(r.tr.Close()).To(Succeed())
	})

	It("should send Break on close", func() {
		Expect(r.tr.Close()).To(Succeed())
		Expect(r.tr.Core().Stopped()).To(BeTrue())
	})

	It("should refuse a request when the context is done", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := r.tr.Call(ctx, protocol.NewMessage(protocol.OpAlloc, 4))

		Expect(err).To(MatchError(context.Canceled))
		Expect(r.tr.Core().Requests()).To(BeZero())
	})

	It("should fail when the mailbox is left pending", func() {
		Expect(r.dev.Memory.Write32(
			protocol.MailboxBase+protocol.MailboxOp, uint32(protocol.OpFree))).
			To(Succeed())

		_, err := r.tr.Call(context.Background(), protocol.NewMessage(protocol.OpAlloc, 4))
		Expect(errors.Is(err, protocol.ErrNotCompleted)).To(BeTrue())

		Expect(r.tr.Clear()).To(Succeed())
		Expect(r.call(protocol.OpAlloc, 4)).NotTo(BeZero())
	})

	It("should trace both sides of every request", func() {
		r.call(protocol.OpAlloc, 4)
		r.call(protocol.OpAlloc, 8)

		Expect(r.tracer.InFlight()).To(BeZero())
		ops := r.tracer.Ops()
		Expect(ops).To(HaveLen(2))
		Expect(ops[0].Kind).To(Equal("req_in"))
		Expect(ops[1].Kind).To(Equal("req_out"))
		for _, op := range ops {
			Expect(op.Op).To(Equal("Alloc"))
			Expect(op.Count).To(Equal(2))
			Expect(op.Time).To(BeNumerically(">", 0))
		}
	})
})

var _ = Describe("DeviceCore", func() {
	It("should hold the reply for fewer ticks with more cycles per tick", func() {
		slow := newRig(1)
		defer slow.dev.Close()
		fast := newRig(64)
		defer fast.dev.Close()

		var spent []sim.VTimeInSec
		for _, r := range []*rig{slow, fast} {
			handle, fn := r.loadKernel("add_one")
			in, _ := r.desc(make([]byte, 256))
			out, _ := r.desc(make([]byte, 256))
			before := r.tr.Now()
			r.call(protocol.OpRun, handle, fn, in, 1, out, 1, 0, 0)
			spent = append(spent, r.tr.Now()-before)
		}

		Expect(fast.tr.Core().Cycles()).To(Equal(slow.tr.Core().Cycles()))
		Expect(spent[1]).To(BeNumerically("<", spent[0]))
	})
})
