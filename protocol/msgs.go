package protocol

import (
	"github.com/rs/xid"
	"gitlab.com/akita/akita/v3/sim"
)

// DoorbellMsg tells the device core that the mailbox holds a request.
type DoorbellMsg struct {
	sim.MsgMeta

	Op Opcode
}

// Meta returns the meta data of the message.
func (m *DoorbellMsg) Meta() *sim.MsgMeta {
	return &m.MsgMeta
}

// DoorbellMsgBuilder builds doorbell messages.
type DoorbellMsgBuilder struct {
	sendTime sim.VTimeInSec
	src, dst sim.Port
	op       Opcode
}

// WithSendTime sets the send time.
func (b DoorbellMsgBuilder) WithSendTime(t sim.VTimeInSec) DoorbellMsgBuilder {
	b.sendTime = t
	return b
}

// WithSrc sets the source port.
func (b DoorbellMsgBuilder) WithSrc(src sim.Port) DoorbellMsgBuilder {
	b.src = src
	return b
}

// WithDst sets the destination port.
func (b DoorbellMsgBuilder) WithDst(dst sim.Port) DoorbellMsgBuilder {
	b.dst = dst
	return b
}

// WithOp sets the opcode that was posted.
func (b DoorbellMsgBuilder) WithOp(op Opcode) DoorbellMsgBuilder {
	b.op = op
	return b
}

// Build creates the message.
func (b DoorbellMsgBuilder) Build() *DoorbellMsg {
	msg := &DoorbellMsg{Op: b.op}
	msg.ID = xid.New().String()
	msg.Src = b.src
	msg.Dst = b.dst
	msg.SendTime = b.sendTime
	msg.TrafficBytes = 4
	return msg
}

// CompletionMsg tells the host that the return slot is written.
type CompletionMsg struct {
	sim.MsgMeta

	RspTo  string
	Op     Opcode
	Ret    uint32
	Cycles uint64
}

// Meta returns the meta data of the message.
func (m *CompletionMsg) Meta() *sim.MsgMeta {
	return &m.MsgMeta
}

// CompletionMsgBuilder builds completion messages.
type CompletionMsgBuilder struct {
	sendTime sim.VTimeInSec
	src, dst sim.Port
	rspTo    string
	op       Opcode
	ret      uint32
	cycles   uint64
}

// WithSendTime sets the send time.
func (b CompletionMsgBuilder) WithSendTime(t sim.VTimeInSec) CompletionMsgBuilder {
	b.sendTime = t
	return b
}

// WithSrc sets the source port.
func (b CompletionMsgBuilder) WithSrc(src sim.Port) CompletionMsgBuilder {
	b.src = src
	return b
}

// WithDst sets the destination port.
func (b CompletionMsgBuilder) WithDst(dst sim.Port) CompletionMsgBuilder {
	b.dst = dst
	return b
}

// WithRspTo sets the ID of the doorbell that is answered.
func (b CompletionMsgBuilder) WithRspTo(id string) CompletionMsgBuilder {
	b.rspTo = id
	return b
}

// WithOp sets the opcode that completed.
func (b CompletionMsgBuilder) WithOp(op Opcode) CompletionMsgBuilder {
	b.op = op
	return b
}

// WithRet sets the value written to the return slot.
func (b CompletionMsgBuilder) WithRet(ret uint32) CompletionMsgBuilder {
	b.ret = ret
	return b
}

// WithCycles sets the cycles the request took on the device.
func (b CompletionMsgBuilder) WithCycles(cycles uint64) CompletionMsgBuilder {
	b.cycles = cycles
	return b
}

// Build creates the message.
func (b CompletionMsgBuilder) Build() *CompletionMsg {
	msg := &CompletionMsg{
		RspTo:  b.rspTo,
		Op:     b.op,
		Ret:    b.ret,
		Cycles: b.cycles,
	}
	msg.ID = xid.New().String()
	msg.Src = b.src
	msg.Dst = b.dst
	msg.SendTime = b.sendTime
	msg.TrafficBytes = 4
	return msg
}
