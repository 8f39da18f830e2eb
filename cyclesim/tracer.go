package cyclesim

import (
	"sort"
	"sync"

	"gitlab.com/akita/akita/v3/sim"
	"gitlab.com/akita/akita/v3/tracing"
	"gitlab.com/akita/offload/protocol"
)

// OpTrace sums the doorbells of one opcode as seen by one side.
type OpTrace struct {
	Kind  string         `json:"kind"`
	Op    string         `json:"op"`
	Count int            `json:"count"`
	Time  sim.VTimeInSec `json:"time"`
	Max   sim.VTimeInSec `json:"max"`
}

type traceKey struct {
	kind string
	op   protocol.Opcode
}

// RPCTracer measures how long requests stay in flight on the host side
// (req_out) and on the device side (req_in).
type RPCTracer struct {
	timeTeller sim.TimeTeller

	mu       sync.Mutex
	inflight map[string]tracing.Task
	ops      map[traceKey]*OpTrace
}

// NewRPCTracer creates a tracer that reads the time from timeTeller.
func NewRPCTracer(timeTeller sim.TimeTeller) *RPCTracer {
	return &RPCTracer{
		timeTeller: timeTeller,
		inflight:   make(map[string]tracing.Task),
		ops:        make(map[traceKey]*OpTrace),
	}
}

// StartTask records the start of a doorbell.
func (t *RPCTracer) StartTask(task tracing.Task) {
	if _, ok := task.Detail.(*protocol.DoorbellMsg); !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	task.StartTime = t.timeTeller.CurrentTime()
	t.inflight[task.ID] = task
}

// StepTask does nothing.
func (t *RPCTracer) StepTask(task tracing.Task) {
	// Do nothing
}

// EndTask adds the time of a finished doorbell to its opcode.
func (t *RPCTracer) EndTask(task tracing.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, found := t.inflight[task.ID]
	if !found {
		return
	}
	delete(t.inflight, task.ID)

	bell := started.Detail.(*protocol.DoorbellMsg)
	key := traceKey{kind: started.Kind, op: bell.Op}
	op, ok := t.ops[key]
	if !ok {
		op = &OpTrace{Kind: started.Kind, Op: bell.Op.String()}
		t.ops[key] = op
	}

	d := t.timeTeller.CurrentTime() - started.StartTime
	op.Count++
	op.Time += d
	if d > op.Max {
		op.Max = d
	}
}

// InFlight returns the number of doorbells not finished yet.
func (t *RPCTracer) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.inflight)
}

// Ops lists the traces sorted by kind and opcode.
func (t *RPCTracer) Ops() []OpTrace {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := make([]OpTrace, 0, len(t.ops))
	for _, op := range t.ops {
		list = append(list, *op)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Kind != list[j].Kind {
			return list[i].Kind < list[j].Kind
		}
		return list[i].Op < list[j].Op
	})
	return list
}
