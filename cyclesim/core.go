// Package cyclesim runs the device on the akita event engine. The host
// posts requests to a mailbox in device memory and rings a doorbell over a
// direct connection. The device core services the mailbox and holds the
// reply for as many ticks as the request took.
package cyclesim

import (
	"log"

	"gitlab.com/akita/akita/v3/sim"
	"gitlab.com/akita/akita/v3/tracing"
	"gitlab.com/akita/offload/protocol"
	"gitlab.com/akita/offload/remote"
)

// DeviceCore is the ticking model of the coprocessor.
type DeviceCore struct {
	*sim.TickingComponent

	ToHost sim.Port

	mailbox *protocol.Mailbox
	disp    *remote.Dispatcher

	cyclesPerTick uint64

	serving   *protocol.DoorbellMsg
	countdown uint64
	result    remote.Result
	toSend    *protocol.CompletionMsg
	stopped   bool

	requests uint64
	cycles   uint64
}

// Tick advances the core by one cycle.
func (c *DeviceCore) Tick(now sim.VTimeInSec) bool {
	madeProgress := false

	madeProgress = c.sendCompletion(now) || madeProgress
	madeProgress = c.countDown(now) || madeProgress
	madeProgress = c.processDoorbell(now) || madeProgress

	return madeProgress
}

func (c *DeviceCore) sendCompletion(now sim.VTimeInSec) bool {
	if c.toSend == nil {
		return false
	}

	c.toSend.Meta().SendTime = now
	if err := c.ToHost.Send(c.toSend); err != nil {
		return false
	}

	tracing.TraceReqComplete(c.serving, c)
	c.serving = nil
	c.toSend = nil
	return true
}

func (c *DeviceCore) countDown(now sim.VTimeInSec) bool {
	if c.serving == nil || c.toSend != nil {
		return false
	}

	if c.countdown > 0 {
		c.countdown--
		return true
	}

	if err := c.mailbox.Complete(c.result.Ret); err != nil {
		log.Panicf("cyclesim: cannot complete mailbox: %v", err)
	}

	c.toSend = protocol.CompletionMsgBuilder{}.
		WithSendTime(now).
		WithSrc(c.ToHost).
		WithDst(c.serving.Src).
		WithRspTo(c.serving.ID).
		WithOp(c.serving.Op).
		WithRet(c.result.Ret).
		WithCycles(c.result.Cycles).
		Build()

	if c.result.Stop {
		c.stopped = true
	}
	return true
}

func (c *DeviceCore) processDoorbell(now sim.VTimeInSec) bool {
	if c.serving != nil {
		return false
	}

	item := c.ToHost.Retrieve(now)
	if item == nil {
		return false
	}

	bell, ok := item.(*protocol.DoorbellMsg)
	if !ok {
		log.Panicf("cyclesim: cannot handle message %T", item)
	}

	tracing.TraceReqReceive(bell, c)
	c.serving = bell

	if c.stopped {
		// A stopped core leaves the mailbox untouched. The host finds the
		// request pending once the engine is idle.
		tracing.TraceReqComplete(bell, c)
		c.serving = nil
		return true
	}

	msg, err := c.mailbox.Take()
	if err != nil {
		log.Panicf("cyclesim: cannot read mailbox: %v", err)
	}

	c.result = c.disp.Dispatch(msg)
	c.countdown = c.result.Cycles / c.cyclesPerTick
	c.requests++
	c.cycles += c.result.Cycles
	return true
}

// Stopped tells whether the core served a Break.
func (c *DeviceCore) Stopped() bool {
	return c.stopped
}

// Requests returns the number of requests served.
func (c *DeviceCore) Requests() uint64 {
	return c.requests
}

// Cycles returns the device cycles of every request served.
func (c *DeviceCore) Cycles() uint64 {
	return c.cycles
}
