// Package driver is the host side of the offload runtime. It loads kernel
// libraries on a device and runs their functions on host buffers.
package driver

import (
	"context"
	"encoding/binary"
	"log"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/protocol"
)

// A Handle names a library loaded on the device.
type Handle uint32

// A Function is the device address of a function of a library.
type Function uint32

// Driver issues requests over a transport. Each payload lives in device
// memory only for the duration of one request.
type Driver struct {
	ctx   context.Context
	tr    Transport
	Debug bool
}

// NewDriver creates a driver on tr.
func NewDriver(tr Transport) *Driver {
	return &Driver{ctx: context.Background(), tr: tr}
}

// WithContext returns a driver that shares the transport and issues
// requests under ctx.
func (d *Driver) WithContext(ctx context.Context) *Driver {
	d2 := *d
	d2.ctx = ctx
	return &d2
}

// Transport returns the transport of the driver.
func (d *Driver) Transport() Transport {
	return d.tr
}

func (d *Driver) call(op protocol.Opcode, args ...uint32) (uint32, error) {
	ret, err := d.tr.Call(d.ctx, protocol.NewMessage(op, args...))
	if err != nil {
		return 0, err
	}
	if d.Debug {
		log.Printf("driver: %s -> %#x", op, ret)
	}
	return ret, nil
}

func (d *Driver) request(op protocol.Opcode, args ...uint32) error {
	ret, err := d.call(op, args...)
	if err != nil {
		return err
	}
	if s := protocol.StatusOfWord(ret); s != protocol.StatusOK {
		return &StatusError{Op: op, Status: s}
	}
	return nil
}

// A frame holds the device buffers of one request.
type frame struct {
	d     *Driver
	addrs []uint32
}

func (d *Driver) newFrame() *frame {
	return &frame{d: d}
}

func (f *frame) alloc(n uint32) (uint32, error) {
	if n == 0 {
		n = 1
	}

	addr, err := f.d.call(protocol.OpAlloc, n)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, &StatusError{Op: protocol.OpAlloc, Status: protocol.StatusNoMemory}
	}

	f.addrs = append(f.addrs, addr)
	return addr, nil
}

func (f *frame) put(data []byte) (uint32, error) {
	addr, err := f.alloc(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if err := f.d.tr.WriteMemory(addr, data); err != nil {
			return 0, errors.Wrap(err, "write payload")
		}
	}
	return addr, nil
}

func (f *frame) descs(bufs [][]byte) (uint32, []protocol.BufferDesc, error) {
	if len(bufs) == 0 {
		return 0, nil, nil
	}

	descs := make([]protocol.BufferDesc, len(bufs))
	for i, b := range bufs {
		addr, err := f.put(b)
		if err != nil {
			return 0, nil, err
		}
		descs[i] = protocol.BufferDesc{Data: addr, Len: uint32(len(b))}
	}

	addr, err := f.put(protocol.EncodeDescs(descs))
	if err != nil {
		return 0, nil, err
	}
	return addr, descs, nil
}

func (f *frame) read32(addr uint32) (uint32, error) {
	data, err := f.d.tr.ReadMemory(addr, 4)
	if err != nil {
		return 0, errors.Wrap(err, "read reply")
	}
	return binary.LittleEndian.Uint32(data), nil
}

// release frees the buffers in reverse order. The first failure is kept in
// err unless err already holds one.
func (f *frame) release(err *error) {
	for i := len(f.addrs) - 1; i >= 0; i-- {
		ferr := f.d.request(protocol.OpFree, f.addrs[i])
		if ferr != nil && *err == nil {
			*err = ferr
		}
	}
	f.addrs = nil
}

// LoadLibrary loads code on the device under name.
func (d *Driver) LoadLibrary(name string, code []byte) (h Handle, err error) {
	f := d.newFrame()
	defer f.release(&err)

	namePtr, err := f.put([]byte(name))
	if err != nil {
		return 0, err
	}
	codePtr, err := f.put(code)
	if err != nil {
		return 0, err
	}
	out, err := f.alloc(4)
	if err != nil {
		return 0, err
	}

	err = d.request(protocol.OpLoadLibrary,
		namePtr, uint32(len(name)), codePtr, uint32(len(code)), out)
	if err != nil {
		return 0, errors.Wrapf(err, "load %s", name)
	}

	handle, err := f.read32(out)
	if err != nil {
		return 0, err
	}
	return Handle(handle), nil
}

// GetSymbol returns the address of a symbol of a loaded library.
func (d *Driver) GetSymbol(h Handle, name string) (fn Function, err error) {
	f := d.newFrame()
	defer f.release(&err)

	namePtr, err := f.put([]byte(name))
	if err != nil {
		return 0, err
	}
	out, err := f.alloc(4)
	if err != nil {
		return 0, err
	}

	err = d.request(protocol.OpGetSymbol, uint32(h), namePtr, uint32(len(name)), out)
	if err != nil {
		return 0, errors.Wrapf(err, "symbol %s", name)
	}

	addr, err := f.read32(out)
	if err != nil {
		return 0, err
	}
	return Function(addr), nil
}

// Run calls fn with the inputs, the outputs and the scalars and returns the
// status of the kernel. The outputs are overwritten with what the kernel
// left in them. A reply the device reserves for its own failures is
// returned as a StatusError.
func (d *Driver) Run(
	h Handle,
	fn Function,
	inputs, outputs [][]byte,
	scalars [][]byte,
) (status int32, err error) {
	f := d.newFrame()
	defer f.release(&err)

	inPtr, _, err := f.descs(inputs)
	if err != nil {
		return 0, err
	}
	outPtr, outDescs, err := f.descs(outputs)
	if err != nil {
		return 0, err
	}
	scalarPtr, _, err := f.descs(scalars)
	if err != nil {
		return 0, err
	}

	ret, err := d.call(protocol.OpRun,
		uint32(h), uint32(fn),
		inPtr, uint32(len(inputs)),
		outPtr, uint32(len(outputs)),
		scalarPtr, uint32(len(scalars)))
	if err != nil {
		return 0, err
	}
	if s := protocol.StatusOfWord(ret); failure(s) {
		return int32(ret), &StatusError{Op: protocol.OpRun, Status: s}
	}

	for i, desc := range outDescs {
		if desc.Len == 0 {
			continue
		}
		data, err := d.tr.ReadMemory(desc.Data, desc.Len)
		if err != nil {
			return 0, errors.Wrapf(err, "read output %d", i)
		}
		copy(outputs[i], data)
	}

	return int32(ret), nil
}

// ReleaseLibrary unloads a library.
func (d *Driver) ReleaseLibrary(h Handle) error {
	return d.request(protocol.OpReleaseLibrary, uint32(h))
}

// SetPerformanceMode sets the power tier of the device.
func (d *Driver) SetPerformanceMode(tier power.Tier) error {
	return d.request(protocol.OpSetPerformanceMode, uint32(int32(tier)))
}

// Close stops the device.
func (d *Driver) Close() error {
	return d.tr.Close()
}

// Word encodes a scalar argument.
func Word(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
