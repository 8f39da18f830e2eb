package driver

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/protocol"
	"gitlab.com/akita/offload/remote"
)

// A Transport carries requests to a device. The host reaches the device
// memory directly, the way it reaches buffers shared with a coprocessor.
type Transport interface {
	Call(ctx context.Context, msg protocol.Message) (uint32, error)
	ReadMemory(addr, n uint32) ([]byte, error)
	WriteMemory(addr uint32, data []byte) error
	Close() error
}

// LocalTransport serves requests on a device goroutine that blocks on a
// channel.
type LocalTransport struct {
	ch     *protocol.Channel
	mem    *devicemem.Memory
	server *remote.Server

	done     chan error
	once     sync.Once
	closeErr error
}

// NewLocalTransport starts the device loop of disp.
func NewLocalTransport(disp *remote.Dispatcher) *LocalTransport {
	t := &LocalTransport{
		ch:   protocol.NewChannel(),
		mem:  disp.Device().Memory,
		done: make(chan error, 1),
	}
	t.server = remote.NewServer(t.ch, disp)

	go func() {
		err := t.server.Serve(context.Background())
		t.ch.Close()
		t.done <- err
	}()

	return t
}

// Call sends msg and waits for the reply.
func (t *LocalTransport) Call(ctx context.Context, msg protocol.Message) (uint32, error) {
	ret, err := t.ch.Call(ctx, msg)
	if err != nil {
		if errors.Is(err, protocol.ErrClosed) {
			err = protocol.ErrStopped
		}
		return 0, &protocol.TransportError{Op: msg.Op, Err: err}
	}
	return ret, nil
}

// ReadMemory reads the device memory.
func (t *LocalTransport) ReadMemory(addr, n uint32) ([]byte, error) {
	return t.mem.Read(addr, n)
}

// WriteMemory writes the device memory.
func (t *LocalTransport) WriteMemory(addr uint32, data []byte) error {
	return t.mem.Write(addr, data)
}

// Close sends Break and waits for the device loop to end.
func (t *LocalTransport) Close() error {
	t.once.Do(func() {
		_, err := t.Call(context.Background(), protocol.NewMessage(protocol.OpBreak))
		if err != nil && !errors.Is(err, protocol.ErrStopped) {
			t.ch.Close()
		}
		t.closeErr = <-t.done
	})
	return t.closeErr
}

// Cycles returns the device cycles of every request served. It is only
// meaningful after Close.
func (t *LocalTransport) Cycles() uint64 {
	return t.server.Cycles()
}
