package cyclesim

import (
	"context"
	"sync"

	"gitlab.com/akita/akita/v3/sim"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/protocol"
)

// Transport carries requests to a simulated device, one at a time. Every
// call runs the engine until it is idle.
type Transport struct {
	mu sync.Mutex

	engine  sim.Engine
	mem     *devicemem.Memory
	mailbox *protocol.Mailbox
	core    *DeviceCore
	host    *HostAgent
	conn    *sim.DirectConnection
}

// Engine returns the engine the components run on.
func (t *Transport) Engine() sim.Engine {
	return t.engine
}

// Core returns the device core.
func (t *Transport) Core() *DeviceCore {
	return t.core
}

// Host returns the host agent.
func (t *Transport) Host() *HostAgent {
	return t.host
}

// Call posts msg, rings the doorbell and runs the engine. The device must
// have reset the mailbox by the time the engine is idle.
func (t *Transport) Call(ctx context.Context, msg protocol.Message) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if t.core.Stopped() {
		return 0, &protocol.TransportError{Op: msg.Op, Err: protocol.ErrStopped}
	}

	pending, err := t.mailbox.Pending()
	if err != nil {
		return 0, &protocol.TransportError{Op: msg.Op, Err: err}
	}
	if pending != protocol.OpNone {
		return 0, &protocol.TransportError{Op: msg.Op, Err: protocol.ErrNotCompleted}
	}

	if err := t.mailbox.Post(msg); err != nil {
		return 0, &protocol.TransportError{Op: msg.Op, Err: err}
	}

	t.host.Ring(t.engine.CurrentTime(), msg.Op)
	if err := t.engine.Run(); err != nil {
		return 0, &protocol.TransportError{Op: msg.Op, Err: err}
	}

	pending, err = t.mailbox.Pending()
	if err != nil {
		return 0, &protocol.TransportError{Op: msg.Op, Err: err}
	}
	if pending != protocol.OpNone || t.host.Completed() == nil {
		t.host.abandon()
		if t.core.Stopped() {
			return 0, &protocol.TransportError{Op: msg.Op, Err: protocol.ErrStopped}
		}
		return 0, &protocol.TransportError{Op: msg.Op, Err: protocol.ErrNotCompleted}
	}

	return t.mailbox.Return()
}

// ReadMemory reads the shared device memory.
func (t *Transport) ReadMemory(addr, n uint32) ([]byte, error) {
	return t.mem.Read(addr, n)
}

// WriteMemory writes the shared device memory.
func (t *Transport) WriteMemory(addr uint32, data []byte) error {
	return t.mem.Write(addr, data)
}

// Now returns the simulated time.
func (t *Transport) Now() sim.VTimeInSec {
	return t.engine.CurrentTime()
}

// Clear resets a mailbox the device left pending, so that the transport can
// be used again after a TransportError.
func (t *Transport) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.mailbox.Complete(protocol.StatusTransport.Word())
}

// Close stops the device core with a Break and ends the simulation.
func (t *Transport) Close() error {
	var err error
	if !t.core.Stopped() {
		_, err = t.Call(context.Background(), protocol.NewMessage(protocol.OpBreak))
	}
	t.engine.Finished()
	return err
}
