package profiler

import (
	"os"
	"path/filepath"
	"time"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gitlab.com/akita/offload/config"
	"gitlab.com/akita/offload/protocol"
	"gitlab.com/akita/offload/remote"
)

var _ = ginkgo.Describe("WallTime", func() {
	var (
		w     *WallTime
		clock time.Time
	)

	ginkgo.BeforeEach(func() {
		clock = time.Unix(1000, 0)
		w = NewWallTime()
		w.now = func() time.Time { return clock }
	})

	ginkgo.It("should measure and add up intervals", func() {
		w.Start("run")
		clock = clock.Add(1500 * time.Millisecond)
		Expect(w.Stop("run")).To(BeNumerically("~", 1.5, 1e-9))

		w.Start("run")
		clock = clock.Add(500 * time.Millisecond)
		w.Stop("run")

		Expect(w.Intervals()).To(HaveKeyWithValue("run", BeNumerically("~", 2.0, 1e-9)))
	})

	ginkgo.It("should panic on an interval started twice", func() {
		w.Start("load")
		Expect(func() { w.Start("load") }).To(Panic())
	})

	ginkgo.It("should panic on an interval never started", func() {
		Expect(func() { w.Stop("load") }).To(Panic())
	})
})

var _ = ginkgo.Describe("Report", func() {
	var dir string

	ginkgo.BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "profiler")
		Expect(err).NotTo(HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		os.RemoveAll(dir)
	})

	ginkgo.It("should collect the device statistics and write them", func() {
		cfg := config.DefaultDeviceConfig()
		cfg.MemorySize = 4 << 20
		dev, err := remote.NewDevice(cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		defer dev.Close()
		disp := remote.NewDispatcher(dev)
		addr := disp.Dispatch(protocol.NewMessage(protocol.OpAlloc, 64)).Ret
		Expect(addr).NotTo(BeZero())

		r := &Report{Kernel: "add_one", Transport: "local", WallTime: map[string]float64{"run": 0.25}}
		r.Collect(disp)

		Expect(r.Requests).To(HaveLen(1))
		Expect(r.Requests[0].Op).To(Equal("Alloc"))
		Expect(r.Heap.Allocations).To(BeNumerically(">=", 1))

		path := filepath.Join(dir, "stats.json")
		Expect(r.Write(path)).To(Succeed())

		back, err := ReadReport(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Kernel).To(Equal("add_one"))
		Expect(back.Requests).To(Equal(r.Requests))
		Expect(back.WallTime).To(HaveKeyWithValue("run", 0.25))
	})

	ginkgo.It("should fail to read a missing report", func() {
		_, err := ReadReport(filepath.Join(dir, "missing.json"))
		Expect(err).To(HaveOccurred())
	})
})
