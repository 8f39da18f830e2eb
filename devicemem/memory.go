// Package devicemem models the address space of the coprocessor.
//
// The address space is a flat 32-bit range backed by an akita storage. Only
// mapped regions may be accessed, and the emulator additionally checks the
// protection of each region it touches.
package devicemem

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"gitlab.com/akita/mem/v3/mem"
)

// PageSize is the granularity of images and protection changes.
const PageSize = 4096

// Prot is the access permission of a region.
type Prot uint8

// Protection bits.
const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (p Prot) String() string {
	var sb strings.Builder
	flags := []struct {
		bit  Prot
		char byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}}
	for _, f := range flags {
		if p&f.bit != 0 {
			sb.WriteByte(f.char)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// A Region is a mapped, contiguous piece of the address space.
type Region struct {
	Name string
	Base uint32
	Size uint32
	Prot Prot
}

// End returns the first address after the region.
func (r *Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Less orders regions by base address.
func (r *Region) Less(than btree.Item) bool {
	return r.Base < than.(*Region).Base
}

// AccessError reports an access to unmapped memory or one that the region
// protection does not allow.
type AccessError struct {
	Addr   uint32
	Size   uint32
	Need   Prot
	Have   Prot
	Mapped bool
}

func (e *AccessError) Error() string {
	if !e.Mapped {
		return fmt.Sprintf("access to unmapped address %#08x (%d bytes)",
			e.Addr, e.Size)
	}
	return fmt.Sprintf("access to %#08x (%d bytes) needs %s, region is %s",
		e.Addr, e.Size, e.Need, e.Have)
}

// ErrNoMemory is returned when the heap cannot satisfy an allocation.
var ErrNoMemory = errors.New("device memory exhausted")

// Memory is the coprocessor address space.
type Memory struct {
	mu       sync.Mutex
	storage  *mem.Storage
	capacity uint64
	regions  *btree.BTree
	heap     *allocator
	fill     byte
}

// NewMemory creates an address space with the given capacity in bytes.
func NewMemory(capacity uint64) *Memory {
	if capacity == 0 || capacity > 1<<32 {
		log.Panicf("invalid device memory capacity %d", capacity)
	}

	return &Memory{
		storage:  mem.NewStorage(capacity),
		capacity: capacity,
		regions:  btree.New(2),
	}
}

// Capacity returns the size of the address space.
func (m *Memory) Capacity() uint64 {
	return m.capacity
}

// Map creates a region at a fixed address.
func (m *Memory) Map(name string, base, size uint32, prot Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mapLocked(name, base, size, prot)
}

func (m *Memory) mapLocked(name string, base, size uint32, prot Prot) error {
	if size == 0 {
		return errors.Errorf("cannot map empty region %s", name)
	}

	end := uint64(base) + uint64(size)
	if end > m.capacity {
		return errors.Errorf("region %s [%#x, %#x) exceeds capacity %#x",
			name, base, end, m.capacity)
	}

	if m.overlapsLocked(base, end) {
		return errors.Errorf("region %s [%#x, %#x) overlaps a mapped region",
			name, base, end)
	}

	m.regions.ReplaceOrInsert(&Region{
		Name: name,
		Base: base,
		Size: size,
		Prot: prot,
	})

	return nil
}

func (m *Memory) overlapsLocked(base uint32, end uint64) bool {
	overlap := false

	m.regions.DescendLessOrEqual(&Region{Base: base}, func(i btree.Item) bool {
		overlap = i.(*Region).End() > uint64(base)
		return false
	})

	m.regions.AscendGreaterOrEqual(&Region{Base: base}, func(i btree.Item) bool {
		overlap = overlap || uint64(i.(*Region).Base) < end
		return false
	})

	return overlap
}

// Unmap removes every region that starts in [base, base+size).
func (m *Memory) Unmap(base, size uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unmapLocked(base, size)
}

func (m *Memory) unmapLocked(base, size uint32) {
	end := uint64(base) + uint64(size)

	var victims []btree.Item
	m.regions.AscendGreaterOrEqual(&Region{Base: base}, func(i btree.Item) bool {
		if uint64(i.(*Region).Base) >= end {
			return false
		}
		victims = append(victims, i)
		return true
	})

	for _, v := range victims {
		m.regions.Delete(v)
	}
}

// Protect changes the protection of [base, base+size). The range must be fully
// mapped. Regions are split at the range boundaries.
func (m *Memory) Protect(base, size uint32, prot Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(base, size, ProtNone); err != nil {
		return err
	}

	end := uint64(base) + uint64(size)
	cur := uint64(base)
	for cur < end {
		r := m.regionAtLocked(uint32(cur))

		if uint64(r.Base) < cur {
			m.regions.Delete(r)
			front := &Region{Name: r.Name, Base: r.Base,
				Size: uint32(cur - uint64(r.Base)), Prot: r.Prot}
			rest := &Region{Name: r.Name, Base: uint32(cur),
				Size: uint32(r.End() - cur), Prot: r.Prot}
			m.regions.ReplaceOrInsert(front)
			m.regions.ReplaceOrInsert(rest)
			r = rest
		}

		if r.End() > end {
			tail := &Region{Name: r.Name, Base: uint32(end),
				Size: uint32(r.End() - end), Prot: r.Prot}
			r.Size = uint32(end - uint64(r.Base))
			m.regions.ReplaceOrInsert(tail)
		}

		r.Prot = prot
		cur = r.End()
	}

	return nil
}

// RegionAt returns a copy of the region that contains addr.
func (m *Memory) RegionAt(addr uint32) (Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.regionAtLocked(addr)
	if r == nil {
		return Region{}, false
	}
	return *r, true
}

// Regions lists all mapped regions in address order.
func (m *Memory) Regions() []Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []Region
	m.regions.Ascend(func(i btree.Item) bool {
		list = append(list, *i.(*Region))
		return true
	})
	return list
}

func (m *Memory) regionAtLocked(addr uint32) *Region {
	var found *Region
	m.regions.DescendLessOrEqual(&Region{Base: addr}, func(i btree.Item) bool {
		r := i.(*Region)
		if uint64(addr) < r.End() {
			found = r
		}
		return false
	})
	return found
}

// Check verifies that [addr, addr+n) is mapped with at least the given
// protection.
func (m *Memory) Check(addr, n uint32, need Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.checkLocked(addr, n, need)
}

func (m *Memory) checkLocked(addr, n uint32, need Prot) error {
	end := uint64(addr) + uint64(n)
	cur := uint64(addr)
	for cur < end {
		r := m.regionAtLocked(uint32(cur))
		if r == nil {
			return &AccessError{Addr: addr, Size: n, Need: need}
		}

		if r.Prot&need != need {
			return &AccessError{Addr: addr, Size: n, Need: need,
				Have: r.Prot, Mapped: true}
		}

		cur = r.End()
	}
	return nil
}

// Read copies n bytes out of mapped memory regardless of protection. It is
// the access path of the host and of the loader.
func (m *Memory) Read(addr, n uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.readLocked(addr, n, ProtNone)
}

// Write copies data into mapped memory regardless of protection.
func (m *Memory) Write(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writeLocked(addr, data, ProtNone)
}

func (m *Memory) readLocked(addr, n uint32, need Prot) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	if err := m.checkLocked(addr, n, need); err != nil {
		return nil, err
	}

	data, err := m.storage.Read(uint64(addr), uint64(n))
	if err != nil {
		return nil, errors.Wrapf(err, "read %#08x", addr)
	}
	return data, nil
}

func (m *Memory) writeLocked(addr uint32, data []byte, need Prot) error {
	if len(data) == 0 {
		return nil
	}

	if err := m.checkLocked(addr, uint32(len(data)), need); err != nil {
		return err
	}

	err := m.storage.Write(uint64(addr), data)
	if err != nil {
		return errors.Wrapf(err, "write %#08x", addr)
	}
	return nil
}

// Read32 reads a little-endian word regardless of protection.
func (m *Memory) Read32(addr uint32) (uint32, error) {
	data, err := m.Read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Write32 writes a little-endian word regardless of protection.
func (m *Memory) Write32(addr, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return m.Write(addr, buf)
}

// Fetch reads an instruction word. The region must be executable.
func (m *Memory) Fetch(addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, &AccessError{Addr: addr, Size: 4, Need: ProtExec, Mapped: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.readLocked(addr, 4, ProtExec)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Load reads a 1, 2 or 4 byte little-endian value from readable memory.
func (m *Memory) Load(addr uint32, size int) (uint32, error) {
	if !validAccess(addr, size) {
		return 0, &AccessError{Addr: addr, Size: uint32(size), Need: ProtRead,
			Mapped: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.readLocked(addr, uint32(size), ProtRead)
	if err != nil {
		return 0, err
	}

	var v uint32
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint32(data[i])
	}
	return v, nil
}

// Store writes a 1, 2 or 4 byte little-endian value into writable memory.
func (m *Memory) Store(addr uint32, size int, value uint32) error {
	if !validAccess(addr, size) {
		return &AccessError{Addr: addr, Size: uint32(size), Need: ProtWrite,
			Mapped: true}
	}

	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(value >> (8 * i))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writeLocked(addr, buf, ProtWrite)
}

func validAccess(addr uint32, size int) bool {
	switch size {
	case 1, 2, 4:
		return addr%uint32(size) == 0
	}
	return false
}

// ReadBytes reads from readable memory on behalf of device code.
func (m *Memory) ReadBytes(addr, n uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.readLocked(addr, n, ProtRead)
}

// WriteBytes writes into writable memory on behalf of device code.
func (m *Memory) WriteBytes(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writeLocked(addr, data, ProtWrite)
}

// ReadCString reads a NUL-terminated string of at most max bytes from
// readable memory.
func (m *Memory) ReadCString(addr uint32, max int) (string, error) {
	var sb strings.Builder
	for i := 0; i < max; i++ {
		c, err := m.Load(addr+uint32(i), 1)
		if err != nil {
			return "", err
		}
		if c == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(byte(c))
	}
	return "", errors.Errorf("string at %#08x longer than %d bytes", addr, max)
}
