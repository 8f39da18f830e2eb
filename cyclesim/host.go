package cyclesim

import (
	"log"

	"gitlab.com/akita/akita/v3/sim"
	"gitlab.com/akita/akita/v3/tracing"
	"gitlab.com/akita/offload/protocol"
)

// HostAgent rings the doorbell of the device core and collects the
// completion.
type HostAgent struct {
	*sim.TickingComponent

	ToDevice sim.Port
	Device   sim.Port

	toSend    *protocol.DoorbellMsg
	inflight  *protocol.DoorbellMsg
	completed *protocol.CompletionMsg
}

// Ring schedules a doorbell for the request in the mailbox.
func (h *HostAgent) Ring(now sim.VTimeInSec, op protocol.Opcode) {
	if h.toSend != nil || h.inflight != nil {
		log.Panicf("cyclesim: doorbell rung with a request in flight")
	}

	h.completed = nil
	h.toSend = protocol.DoorbellMsgBuilder{}.
		WithSendTime(now).
		WithSrc(h.ToDevice).
		WithDst(h.Device).
		WithOp(op).
		Build()
	h.TickLater(now)
}

// Tick advances the agent by one cycle.
func (h *HostAgent) Tick(now sim.VTimeInSec) bool {
	madeProgress := false

	madeProgress = h.sendDoorbell(now) || madeProgress
	madeProgress = h.collect(now) || madeProgress

	return madeProgress
}

func (h *HostAgent) sendDoorbell(now sim.VTimeInSec) bool {
	if h.toSend == nil {
		return false
	}

	h.toSend.Meta().SendTime = now
	if err := h.ToDevice.Send(h.toSend); err != nil {
		return false
	}

	tracing.TraceReqInitiate(h.toSend, h, "")
	h.inflight = h.toSend
	h.toSend = nil
	return true
}

func (h *HostAgent) collect(now sim.VTimeInSec) bool {
	item := h.ToDevice.Retrieve(now)
	if item == nil {
		return false
	}

	rsp, ok := item.(*protocol.CompletionMsg)
	if !ok {
		log.Panicf("cyclesim: cannot handle message %T", item)
	}
	if h.inflight == nil || rsp.RspTo != h.inflight.ID {
		log.Panicf("cyclesim: completion %s answers no doorbell", rsp.ID)
	}

	tracing.TraceReqFinalize(h.inflight, h)
	h.inflight = nil
	h.completed = rsp
	return true
}

// Completed returns the completion of the last doorbell, or nil.
func (h *HostAgent) Completed() *protocol.CompletionMsg {
	return h.completed
}

// abandon forgets a doorbell the device never answered.
func (h *HostAgent) abandon() {
	h.toSend = nil
	h.inflight = nil
}
