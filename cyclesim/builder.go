package cyclesim

import (
	"gitlab.com/akita/akita/v3/sim"
	"gitlab.com/akita/akita/v3/tracing"
	"gitlab.com/akita/offload/protocol"
	"gitlab.com/akita/offload/remote"
)

// Builder assembles a simulated host and device on one engine.
type Builder struct {
	engine        sim.Engine
	freq          sim.Freq
	cyclesPerTick uint64
	tracer        tracing.Tracer
}

// MakeBuilder returns a builder with a serial engine at 1 GHz.
func MakeBuilder() Builder {
	return Builder{
		freq:          1 * sim.GHz,
		cyclesPerTick: 1,
	}
}

// WithEngine sets the engine. A serial engine is created otherwise.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the clock of both components.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithCyclesPerTick sets how many device cycles one tick of the core
// represents.
func (b Builder) WithCyclesPerTick(n uint64) Builder {
	if n == 0 {
		n = 1
	}
	b.cyclesPerTick = n
	return b
}

// WithTracer records the requests of both components.
func (b Builder) WithTracer(tracer tracing.Tracer) Builder {
	b.tracer = tracer
	return b
}

// Build creates the transport to the device behind disp. The mailbox is
// mapped into the device memory.
func (b Builder) Build(name string, disp *remote.Dispatcher) (*Transport, error) {
	mailbox, err := protocol.MapMailbox(disp.Device().Memory)
	if err != nil {
		return nil, err
	}

	engine := b.engine
	if engine == nil {
		engine = sim.NewSerialEngine()
	}

	core := &DeviceCore{
		mailbox:       mailbox,
		disp:          disp,
		cyclesPerTick: b.cyclesPerTick,
	}
	core.TickingComponent = sim.NewTickingComponent(
		name+".Device", engine, b.freq, core)
	core.ToHost = sim.NewLimitNumMsgPort(core, 1, name+".Device.ToHost")

	host := &HostAgent{}
	host.TickingComponent = sim.NewTickingComponent(
		name+".Host", engine, b.freq, host)
	host.ToDevice = sim.NewLimitNumMsgPort(host, 1, name+".Host.ToDevice")
	host.Device = core.ToHost

	conn := sim.NewDirectConnection(name+".Link", engine, b.freq)
	conn.PlugIn(core.ToHost, 1)
	conn.PlugIn(host.ToDevice, 1)

	if b.tracer != nil {
		tracing.CollectTrace(core, b.tracer)
		tracing.CollectTrace(host, b.tracer)
	}

	return &Transport{
		engine:  engine,
		mem:     disp.Device().Memory,
		mailbox: mailbox,
		core:    core,
		host:    host,
		conn:    conn,
	}, nil
}
