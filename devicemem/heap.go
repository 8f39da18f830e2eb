package devicemem

import (
	"fmt"
	"log"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// DefaultAlignment is the alignment of heap allocations unless the caller
// asks for more. It matches the width of the vector unit.
const DefaultAlignment = 128

type block struct {
	base uint32
	size uint32
}

func (b block) Less(than btree.Item) bool {
	return b.base < than.(block).base
}

// allocator is a first-fit allocator over a free list ordered by address.
type allocator struct {
	base, limit uint32
	free        *btree.BTree
	used        map[uint32]uint32
	inUse       uint64
}

func newAllocator(base, limit uint32) *allocator {
	a := &allocator{
		base:  base,
		limit: limit,
		free:  btree.New(2),
		used:  make(map[uint32]uint32),
	}
	a.free.ReplaceOrInsert(block{base: base, size: limit - base})
	return a
}

func alignUp(v, align uint32) uint64 {
	return (uint64(v) + uint64(align) - 1) / uint64(align) * uint64(align)
}

func (a *allocator) alloc(size, align uint32) (uint32, bool) {
	var (
		found  bool
		picked block
		start  uint32
	)

	a.free.Ascend(func(i btree.Item) bool {
		b := i.(block)
		s := alignUp(b.base, align)
		if s+uint64(size) > uint64(b.base)+uint64(b.size) {
			return true
		}
		picked, start, found = b, uint32(s), true
		return false
	})

	if !found {
		return 0, false
	}

	a.free.Delete(picked)
	if start > picked.base {
		a.free.ReplaceOrInsert(block{base: picked.base, size: start - picked.base})
	}
	end := uint64(start) + uint64(size)
	pickedEnd := uint64(picked.base) + uint64(picked.size)
	if end < pickedEnd {
		a.free.ReplaceOrInsert(block{base: uint32(end), size: uint32(pickedEnd - end)})
	}

	a.used[start] = size
	a.inUse += uint64(size)
	return start, true
}

func (a *allocator) release(base uint32) (uint32, bool) {
	size, ok := a.used[base]
	if !ok {
		return 0, false
	}
	delete(a.used, base)
	a.inUse -= uint64(size)

	merged := block{base: base, size: size}

	var neighbours []block
	a.free.DescendLessOrEqual(block{base: base}, func(i btree.Item) bool {
		prev := i.(block)
		if prev.base+prev.size == base {
			neighbours = append(neighbours, prev)
		}
		return false
	})
	a.free.AscendGreaterOrEqual(block{base: base + size}, func(i btree.Item) bool {
		next := i.(block)
		if next.base == base+size {
			neighbours = append(neighbours, next)
		}
		return false
	})

	for _, n := range neighbours {
		a.free.Delete(n)
		if n.base < merged.base {
			merged.base = n.base
		}
		merged.size += n.size
	}
	a.free.ReplaceOrInsert(merged)

	return size, true
}

// InitHeap makes [base, limit) available to Alloc.
func (m *Memory) InitHeap(base, limit uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heap != nil {
		return errors.New("heap already initialized")
	}

	if base >= limit || uint64(limit) > m.capacity {
		return errors.Errorf("invalid heap range [%#x, %#x)", base, limit)
	}

	m.heap = newAllocator(base, limit)
	return nil
}

// SetFill sets the byte every new allocation is filled with.
func (m *Memory) SetFill(b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fill = b
}

// Alloc allocates and maps a read/write region on the heap. The size is
// rounded up to a multiple of the alignment.
func (m *Memory) Alloc(name string, size, align uint32) (uint32, error) {
	if align == 0 {
		align = DefaultAlignment
	}
	if align&(align-1) != 0 {
		return 0, errors.Errorf("alignment %d is not a power of two", align)
	}
	if size == 0 {
		size = 1
	}

	rounded := alignUp(size, align)
	if rounded > uint64(^uint32(0)) {
		return 0, errors.Wrapf(ErrNoMemory, "allocate %d bytes", size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heap == nil {
		return 0, errors.New("heap not initialized")
	}

	addr, ok := m.heap.alloc(uint32(rounded), align)
	if !ok {
		return 0, errors.Wrapf(ErrNoMemory, "allocate %d bytes", size)
	}

	err := m.mapLocked(name, addr, uint32(rounded), ProtRead|ProtWrite)
	if err != nil {
		log.Panicf("heap allocation overlaps a mapping: %v", err)
	}

	fill := make([]byte, rounded)
	for i := range fill {
		fill[i] = m.fill
	}
	if err := m.storage.Write(uint64(addr), fill); err != nil {
		return 0, errors.Wrap(err, "fill allocation")
	}

	return addr, nil
}

// Free releases an allocation made by Alloc and unmaps it.
func (m *Memory) Free(addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heap == nil {
		return errors.New("heap not initialized")
	}

	size, ok := m.heap.release(addr)
	if !ok {
		return errors.Errorf("%#08x is not an allocated block", addr)
	}

	m.unmapLocked(addr, size)
	return nil
}

// AllocSize returns the size of the allocation that starts at addr.
func (m *Memory) AllocSize(addr uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heap == nil {
		return 0, false
	}
	size, ok := m.heap.used[addr]
	return size, ok
}

// HeapStats describes heap usage.
type HeapStats struct {
	Allocations int    `json:"allocations"`
	InUse       uint64 `json:"in_use"`
	FreeBlocks  int    `json:"free_blocks"`
	Capacity    uint64 `json:"capacity"`
}

func (s HeapStats) String() string {
	return fmt.Sprintf("%d allocations, %d/%d bytes in use, %d free blocks",
		s.Allocations, s.InUse, s.Capacity, s.FreeBlocks)
}

// Stats reports current heap usage.
func (m *Memory) Stats() HeapStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heap == nil {
		return HeapStats{}
	}

	return HeapStats{
		Allocations: len(m.heap.used),
		InUse:       m.heap.inUse,
		FreeBlocks:  m.heap.free.Len(),
		Capacity:    uint64(m.heap.limit - m.heap.base),
	}
}
