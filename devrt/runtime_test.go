package devrt

import (
	"encoding/binary"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/emu"
	"gitlab.com/akita/offload/kernels"
	"gitlab.com/akita/offload/loader"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/symbols"
	"gitlab.com/akita/offload/threadpool"
)

type rig struct {
	mem      *devicemem.Memory
	syms     *symbols.Table
	modules  *loader.Table
	pool     *threadpool.Pool
	platform *power.SimPlatform
	power    *power.Controller
	rt       *Runtime
	machine  *emu.Machine
}

func newRig(slots, workers int) *rig {
	r := &rig{}
	r.mem = devicemem.NewMemory(16 << 20)
	Expect(r.mem.InitHeap(0x100000, 16<<20)).To(Succeed())

	r.syms = symbols.DefaultTable()
	Expect(InstallROM(r.mem, r.syms)).To(Succeed())

	r.modules = loader.NewTable(r.mem, r.syms)
	r.platform = power.NewSimPlatform(1000, 1<<30)
	r.power = power.NewController(r.platform)
	r.pool = threadpool.New(slots, workers)

	rt, err := MakeBuilder().
		WithMemory(r.mem).
		WithSymbols(r.syms).
		WithPool(r.pool).
		WithPower(r.power).
		WithResolver(r.modules).
		Build()
	Expect(err).NotTo(HaveOccurred())
	r.rt = rt

	r.machine = emu.NewMachine(r.mem)
	r.machine.StepLimit = 1 << 24
	r.machine.SetTrapHandler(rt)
	return r
}

func (r *rig) bytes(data []byte) uint32 {
	addr, err := r.mem.Alloc("test", uint32(len(data)), 16)
	Expect(err).NotTo(HaveOccurred())
	Expect(r.mem.Write(addr, data)).To(Succeed())
	return addr
}

func (r *rig) words(ws ...uint32) uint32 {
	buf := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return r.bytes(buf)
}

// desc allocates a buffer holding data and returns its descriptor.
func (r *rig) desc(data []byte) (desc, buf uint32) {
	buf = r.bytes(data)
	return r.words(buf, uint32(len(data))), buf
}

func (r *rig) read(addr, n uint32) []byte {
	data, err := r.mem.Read(addr, n)
	Expect(err).NotTo(HaveOccurred())
	return data
}

func (r *rig) load(name string) *loader.Module {
	k, ok := kernels.Lookup(name)
	Expect(ok).To(BeTrue())
	mod, err := r.modules.Load(name, k.Image())
	Expect(err).NotTo(HaveOccurred())
	return mod
}

func (r *rig) run(mod *loader.Module, entry string, args ...uint32) (uint32, error) {
	fn, ok := mod.Symbol(entry)
	Expect(ok).To(BeTrue())
	ret, _, err := r.machine.Run(mod.GP, fn, args...)
	return ret, err
}

func (r *rig) native(name string, args ...uint32) (uint32, error) {
	addr, ok := r.syms.Resolve(name)
	Expect(ok).To(BeTrue())
	ret, _, err := r.machine.Run(0, addr, args...)
	return ret, err
}

func f32(f float32) uint32 {
	return math.Float32bits(f)
}

var _ = Describe("Runtime", func() {
	var r *rig

	BeforeEach(func() {
		r = newRig(threadpool.DefaultSlots, threadpool.DefaultWorkers)
	})

	AfterEach(func() {
		r.rt.Release()
	})

	Context("kernels", func() {
		It("should add one through the modulo helper", func() {
			mod := r.load("add_one")
			in, _ := r.desc([]byte{1, 2, 3, 4})
			out, outBuf := r.desc(make([]byte, 4))

			ret, err := r.run(mod, "add_one", r.words(in, out))

			Expect(err).NotTo(HaveOccurred())
			Expect(ret).To(BeZero())
			Expect(r.read(outBuf, 4)).To(Equal([]byte{2, 3, 4, 5}))
			Expect(r.rt.Calls()).To(ContainElement(
				CallCount{Name: "__k32_umodsi3", Calls: 4}))
		})

		It("should wrap around at 256", func() {
			mod := r.load("add_one")
			in, _ := r.desc([]byte{255, 0})
			out, outBuf := r.desc(make([]byte, 2))

			_, err := r.run(mod, "add_one", r.words(in, out))

			Expect(err).NotTo(HaveOccurred())
			Expect(r.read(outBuf, 2)).To(Equal([]byte{0, 1}))
		})

		It("should run a parallel loop on the pool", func() {
			mod := r.load("add_one_parallel")
			data := make([]byte, 1000)
			for i := range data {
				data[i] = byte(i)
			}
			in, _ := r.desc(data)
			out, outBuf := r.desc(make([]byte, len(data)))

			ret, err := r.run(mod, "add_one_parallel", r.words(in, out))

			Expect(err).NotTo(HaveOccurred())
			Expect(ret).To(BeZero())
			got := r.read(outBuf, uint32(len(data)))
			for i := range data {
				Expect(got[i]).To(Equal(byte(i + 1)))
			}
			Expect(r.pool.Stats().Units).To(Equal(uint64(1000)))
		})

		It("should free the worker threads on release", func() {
			mod := r.load("add_one_parallel")
			in, _ := r.desc(make([]byte, 512))
			out, _ := r.desc(make([]byte, 512))

			_, err := r.run(mod, "add_one_parallel", r.words(in, out))
			Expect(err).NotTo(HaveOccurred())

			r.rt.Release()

			Expect(r.rt.WorkerThreads()).To(BeZero())
			Expect(r.machine.Threads()).To(BeZero())
		})

		It("should give every run a fresh step budget", func() {
			mod := r.load("add_one_parallel")
			in, _ := r.desc(make([]byte, 300))
			out, _ := r.desc(make([]byte, 300))
			argv := r.words(in, out)
			r.machine.StepLimit = 5000

			for i := 0; i < 200; i++ {
				ret, err := r.run(mod, "add_one_parallel", argv)
				Expect(err).NotTo(HaveOccurred(), "run %d", i)
				Expect(ret).To(BeZero())
			}
			Expect(r.rt.WorkerThreads()).To(BeNumerically(">", 0))
			Expect(r.machine.Steps()).To(BeNumerically(">", 5000))
		})

		It("should fan inputs and scalars out to every output", func() {
			mod := r.load("fan_out")
			in0, _ := r.desc([]byte{1, 2, 3})
			in1, _ := r.desc([]byte{10, 20, 30, 40})
			outs := make([]uint32, 3)
			bufs := make([]uint32, 3)
			for i := range outs {
				outs[i], bufs[i] = r.desc(make([]byte, 3))
			}
			s0 := r.words(5)
			s1 := r.words(7)

			ret, err := r.run(mod, "fan_out",
				r.words(in0, in1, outs[0], outs[1], outs[2], s0, s1))

			Expect(err).NotTo(HaveOccurred())
			Expect(ret).To(BeZero())
			Expect(r.read(bufs[0], 3)).To(Equal([]byte{6, 7, 8}))
			Expect(r.read(bufs[1], 3)).To(Equal([]byte{17, 27, 37}))
			Expect(r.read(bufs[2], 3)).To(Equal([]byte{6, 7, 8}))

			lastLen, ok := mod.Symbol("last_len")
			Expect(ok).To(BeTrue())
			Expect(r.mem.Read32(lastLen)).To(Equal(uint32(3)))
		})

		It("should fault on a store to the null page", func() {
			mod := r.load("null_store")

			_, err := r.run(mod, "null_store")

			var access *devicemem.AccessError
			Expect(errors.As(err, &access)).To(BeTrue())
			Expect(access.Addr).To(BeZero())
		})

		It("should fault on a store into code", func() {
			mod := r.load("text_store")

			_, err := r.run(mod, "text_store")

			var access *devicemem.AccessError
			Expect(errors.As(err, &access)).To(BeTrue())
			Expect(access.Need).To(Equal(devicemem.ProtWrite))
		})
	})

	Context("parallel loops", func() {
		It("should run serially when every slot is taken", func() {
			r.rt.Release()
			r = newRig(1, 0)

			started := make(chan struct{})
			release := make(chan struct{})
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				_, _ = r.pool.ParallelFor(func(_, _ int) int32 {
					close(started)
					<-release
					return 0
				}, 0, 1)
			}()
			<-started

			mod := r.load("add_one_parallel")
			in, _ := r.desc([]byte{1, 2, 3})
			out, outBuf := r.desc(make([]byte, 3))

			ret, err := r.run(mod, "add_one_parallel", r.words(in, out))

			close(release)
			<-finished

			Expect(err).NotTo(HaveOccurred())
			Expect(ret).To(BeZero())
			Expect(r.read(outBuf, 3)).To(Equal([]byte{2, 3, 4}))
			Expect(r.pool.Stats().Rejected).To(Equal(uint64(1)))
		})

		It("should run on the owner alone without workers", func() {
			r.rt.Release()
			r = newRig(threadpool.DefaultSlots, 0)

			mod := r.load("add_one_parallel")
			in, _ := r.desc([]byte{9, 8, 7})
			out, outBuf := r.desc(make([]byte, 3))

			_, err := r.run(mod, "add_one_parallel", r.words(in, out))

			Expect(err).NotTo(HaveOccurred())
			Expect(r.read(outBuf, 3)).To(Equal([]byte{10, 9, 8}))
			Expect(r.rt.WorkerThreads()).To(BeZero())
		})

		It("should stop the kernel when a task faults", func() {
			addr, ok := r.syms.Resolve("abort")
			Expect(ok).To(BeTrue())

			_, err := r.native("dsp_do_par_for", addr, 0, 16, 0)

			Expect(errors.Is(err, ErrAbort)).To(BeTrue())
		})

		It("should run a single task on the caller", func() {
			addr, ok := r.syms.Resolve("__k32_umodsi3")
			Expect(ok).To(BeTrue())

			ret, err := r.native("dsp_do_task", addr, 17, 5)

			Expect(err).NotTo(HaveOccurred())
			Expect(ret).To(Equal(uint32(2)))
		})
	})

	Context("arithmetic", func() {
		It("should divide signed and unsigned", func() {
			Expect(r.native("__k32_divsi3", uint32(0xfffffff9), 2)).
				To(Equal(uint32(0xfffffffd)))
			Expect(r.native("__k32_modsi3", uint32(0xfffffff9), 2)).
				To(Equal(uint32(0xffffffff)))
			Expect(r.native("__k32_udivsi3", 7, 2)).To(Equal(uint32(3)))
			Expect(r.native("__k32_umodsi3", 7, 2)).To(Equal(uint32(1)))
		})

		It("should fault on a division by zero", func() {
			_, err := r.native("__k32_udivsi3", 7, 0)

			var fault *emu.Fault
			Expect(errors.As(err, &fault)).To(BeTrue())
			Expect(errors.Is(err, ErrDivideByZero)).To(BeTrue())
		})

		It("should do float math on the register bits", func() {
			Expect(r.native("sqrtf", f32(2.25))).To(Equal(f32(1.5)))
			Expect(r.native("__k32_mulsf3", f32(1.5), f32(-4))).To(Equal(f32(-6)))
			Expect(r.native("fmaxf", f32(1), f32(2))).To(Equal(f32(2)))
			Expect(r.native("__k32_floatsisf", uint32(0xfffffffe))).To(Equal(f32(-2)))
		})

		It("should saturate float to int conversions", func() {
			Expect(r.native("__k32_fixsfsi", f32(-3.75))).To(Equal(uint32(0xfffffffd)))
			Expect(r.native("__k32_fixsfsi", f32(1e20))).To(Equal(uint32(math.MaxInt32)))
			Expect(r.native("__k32_fixsfsi", f32(float32(math.NaN())))).To(BeZero())
		})
	})

	Context("memory", func() {
		It("should copy, fill and compare", func() {
			src := r.bytes([]byte("hello"))
			dst := r.bytes(make([]byte, 5))

			Expect(r.native("memcpy", dst, src, 5)).To(Equal(dst))
			Expect(r.read(dst, 5)).To(Equal([]byte("hello")))
			Expect(r.native("memcmp", dst, src, 5)).To(BeZero())

			Expect(r.native("memset", dst, 'x', 2)).To(Equal(dst))
			Expect(r.read(dst, 5)).To(Equal([]byte("xxllo")))
			Expect(r.native("memcmp", dst, src, 5)).To(Equal(uint32(1)))
		})

		It("should move overlapping ranges", func() {
			buf := r.bytes([]byte("abcdef"))

			_, err := r.native("memmove", buf+2, buf, 4)

			Expect(err).NotTo(HaveOccurred())
			Expect(r.read(buf, 6)).To(Equal([]byte("ababcd")))
		})

		It("should measure strings", func() {
			s := r.bytes([]byte("device\x00"))
			Expect(r.native("strlen", s)).To(Equal(uint32(6)))
		})

		It("should respect protections", func() {
			addr, _ := r.syms.Resolve("memcpy")
			src := r.bytes([]byte{1, 2, 3, 4})

			_, err := r.native("memcpy", addr, src, 4)

			var access *devicemem.AccessError
			Expect(errors.As(err, &access)).To(BeTrue())
		})

		It("should allocate aligned blocks and free them", func() {
			before := r.mem.Stats().Allocations

			addr, err := r.native("dsp_malloc", 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(addr).NotTo(BeZero())
			Expect(addr % MallocAlignment).To(BeZero())

			_, err = r.native("dsp_free", addr)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.mem.Stats().Allocations).To(Equal(before))
		})

		It("should return zero when the heap is exhausted", func() {
			Expect(r.native("dsp_malloc", 0x7fffffff)).To(BeZero())
		})

		It("should fault on a bad free", func() {
			_, err := r.native("dsp_free", 0x1234)
			Expect(errors.Is(err, ErrBadFree)).To(BeTrue())
		})
	})

	Context("services", func() {
		It("should look up symbols of loaded modules", func() {
			mod := r.load("add_one")
			want, _ := mod.Symbol("add_one")
			name := r.bytes([]byte("add_one\x00"))
			missing := r.bytes([]byte("nothing\x00"))

			Expect(r.native("dsp_get_symbol", name)).To(Equal(want))
			Expect(r.native("dsp_get_symbol", missing)).To(BeZero())
		})

		It("should hold the vector unit while locked", func() {
			Expect(r.native("dsp_vector_lock")).To(BeZero())
			Expect(r.native("dsp_vector_lock")).To(BeZero())
			Expect(r.power.Count()).To(Equal(2))

			Expect(r.native("dsp_vector_unlock")).To(BeZero())
			Expect(r.native("dsp_vector_unlock")).To(BeZero())
			Expect(r.native("dsp_vector_unlock")).To(Equal(uint32(0xffffffff)))
			Expect(r.platform.Count(power.EventPowerUp)).To(Equal(1))
			Expect(r.platform.Count(power.EventPowerDown)).To(Equal(1))
		})

		It("should report a refused vector lock", func() {
			r.platform.FailPowerUp = errors.New("no power")

			Expect(r.native("dsp_vector_lock")).To(Equal(uint32(0xffffffff)))
			Expect(r.power.Count()).To(BeZero())
		})

		It("should keep the last device error", func() {
			msg := r.bytes([]byte("out of range\x00"))

			_, err := r.native("dsp_error", msg)

			Expect(err).NotTo(HaveOccurred())
			Expect(r.rt.LastError()).To(Equal("out of range"))
		})

		It("should abort", func() {
			_, err := r.native("abort")
			Expect(errors.Is(err, ErrAbort)).To(BeTrue())
		})
	})

	Context("traps", func() {
		It("should reject breakpoints outside the rom", func() {
			t, err := r.machine.NewThread(0)
			Expect(err).NotTo(HaveOccurred())
			defer t.Release()

			Expect(r.rt.Trap(t, 0x2000, 0)).To(MatchError(ErrNotROM))
		})

		It("should reject a code that does not match the slot", func() {
			t, err := r.machine.NewThread(0)
			Expect(err).NotTo(HaveOccurred())
			defer t.Release()

			err = r.rt.Trap(t, symbols.ROMBase, 5)
			Expect(errors.Is(err, emu.ErrBreakpoint)).To(BeTrue())
		})

		It("should map the rom as code only", func() {
			reg, ok := r.mem.RegionAt(symbols.ROMBase)
			Expect(ok).To(BeTrue())
			Expect(reg.Prot).To(Equal(devicemem.ProtRead | devicemem.ProtExec))
		})
	})
})
