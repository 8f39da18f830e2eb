package devicemem

import (
	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Memory", func() {
	var m *Memory

	BeforeEach(func() {
		m = NewMemory(1 << 20)
		Expect(m.InitHeap(0x10000, 0x80000)).To(Succeed())
	})

	It("should reject accesses to unmapped memory", func() {
		_, err := m.Read(0x100, 4)

		var accessErr *AccessError
		Expect(errors.As(err, &accessErr)).To(BeTrue())
		Expect(accessErr.Mapped).To(BeFalse())
	})

	It("should reject overlapping mappings", func() {
		Expect(m.Map("a", 0x1000, 0x1000, ProtRead)).To(Succeed())

		Expect(m.Map("b", 0x1800, 0x1000, ProtRead)).NotTo(Succeed())
		Expect(m.Map("c", 0x0800, 0x1000, ProtRead)).NotTo(Succeed())
		Expect(m.Map("d", 0x2000, 0x1000, ProtRead)).To(Succeed())
	})

	It("should enforce protections on device accesses", func() {
		Expect(m.Map("code", 0x1000, 0x1000, ProtRead|ProtExec)).To(Succeed())
		Expect(m.Write32(0x1000, 0xdeadbeef)).To(Succeed())

		word, err := m.Fetch(0x1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(word).To(Equal(uint32(0xdeadbeef)))

		Expect(m.Store(0x1000, 4, 1)).NotTo(Succeed())
	})

	It("should split regions when protecting part of them", func() {
		Expect(m.Map("img", 0x4000, 3*PageSize, ProtRead|ProtWrite)).To(Succeed())

		Expect(m.Protect(0x4000+PageSize, PageSize, ProtRead|ProtExec)).To(Succeed())

		regions := m.Regions()
		Expect(regions).To(HaveLen(3))
		Expect(regions[0].Prot).To(Equal(ProtRead | ProtWrite))
		Expect(regions[1].Prot).To(Equal(ProtRead | ProtExec))
		Expect(regions[1].Base).To(Equal(uint32(0x4000 + PageSize)))
		Expect(regions[2].Prot).To(Equal(ProtRead | ProtWrite))

		_, err := m.Fetch(0x4000)
		Expect(err).To(HaveOccurred())
		_, err = m.Fetch(0x4000 + PageSize)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should check accesses that straddle regions", func() {
		Expect(m.Map("a", 0x1000, 0x1000, ProtRead|ProtWrite)).To(Succeed())
		Expect(m.Map("b", 0x2000, 0x1000, ProtRead)).To(Succeed())

		Expect(m.Check(0x1ffc, 8, ProtRead)).To(Succeed())
		Expect(m.Check(0x1ffc, 8, ProtWrite)).NotTo(Succeed())
		Expect(m.Check(0x2ffc, 8, ProtRead)).NotTo(Succeed())
	})

	It("should reject misaligned loads", func() {
		Expect(m.Map("a", 0x1000, 0x1000, ProtRead)).To(Succeed())

		_, err := m.Load(0x1002, 4)
		Expect(err).To(HaveOccurred())
		_, err = m.Load(0x1002, 2)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should read little-endian sub-words", func() {
		Expect(m.Map("a", 0x1000, 0x1000, ProtRead|ProtWrite)).To(Succeed())
		Expect(m.Store(0x1000, 4, 0x11223344)).To(Succeed())

		v, err := m.Load(0x1002, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint32(0x1122)))

		b, err := m.Load(0x1000, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal(uint32(0x44)))
	})

	It("should read C strings", func() {
		Expect(m.Map("a", 0x1000, 0x1000, ProtRead|ProtWrite)).To(Succeed())
		Expect(m.Write(0x1000, []byte("hello\x00world"))).To(Succeed())

		s, err := m.ReadCString(0x1000, 64)
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal("hello"))

		_, err = m.ReadCString(0x1000, 3)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Heap", func() {
	var m *Memory

	BeforeEach(func() {
		m = NewMemory(1 << 20)
		Expect(m.InitHeap(0x10000, 0x20000)).To(Succeed())
	})

	It("should align allocations", func() {
		a, err := m.Alloc("a", 3, 0)
		Expect(err).NotTo(HaveOccurred())
		b, err := m.Alloc("b", 3, 0)
		Expect(err).NotTo(HaveOccurred())
		c, err := m.Alloc("c", 10, PageSize)
		Expect(err).NotTo(HaveOccurred())

		Expect(a % DefaultAlignment).To(BeZero())
		Expect(b).To(Equal(a + DefaultAlignment))
		Expect(c % PageSize).To(BeZero())
	})

	It("should map allocations read/write and fill them", func() {
		m.SetFill(0x1f)

		a, err := m.Alloc("a", 8, 0)
		Expect(err).NotTo(HaveOccurred())

		data, err := m.ReadBytes(a, 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{0x1f, 0x1f, 0x1f, 0x1f, 0x1f, 0x1f, 0x1f, 0x1f}))
		Expect(m.Store(a, 4, 7)).To(Succeed())
	})

	It("should unmap freed blocks", func() {
		a, err := m.Alloc("a", 64, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(m.Free(a)).To(Succeed())

		_, err = m.Read(a, 4)
		Expect(err).To(HaveOccurred())
		Expect(m.Free(a)).NotTo(Succeed())
	})

	It("should coalesce free blocks", func() {
		var addrs []uint32
		for i := 0; i < 4; i++ {
			a, err := m.Alloc("blk", PageSize, PageSize)
			Expect(err).NotTo(HaveOccurred())
			addrs = append(addrs, a)
		}

		for _, i := range []int{1, 3, 0, 2} {
			Expect(m.Free(addrs[i])).To(Succeed())
		}

		stats := m.Stats()
		Expect(stats.Allocations).To(BeZero())
		Expect(stats.InUse).To(BeZero())
		Expect(stats.FreeBlocks).To(Equal(1))

		big, err := m.Alloc("big", 0x10000, PageSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(big).To(Equal(uint32(0x10000)))
	})

	It("should fail when the heap is exhausted", func() {
		_, err := m.Alloc("too-big", 0x10001, 0)

		Expect(errors.Is(err, ErrNoMemory)).To(BeTrue())
	})

	It("should free allocations whose protection was split", func() {
		a, err := m.Alloc("img", 2*PageSize, PageSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Protect(a, PageSize, ProtRead|ProtExec)).To(Succeed())

		Expect(m.Free(a)).To(Succeed())

		Expect(m.Regions()).To(BeEmpty())
	})
})
