package power

import (
	"sync"
)

// EventKind tells what a SimPlatform was asked to do.
type EventKind int

// Platform events.
const (
	EventPowerUp EventKind = iota
	EventPowerDown
	EventPerformance
)

// An Event is one request that reached a SimPlatform.
type Event struct {
	Kind    EventKind
	Request Request
}

// SimPlatform is a platform without hardware. It records every request and
// fails the ones it is told to.
type SimPlatform struct {
	mu     sync.Mutex
	events []Event

	MIPS         uint32
	BusBandwidth uint64

	FailPowerUp     error
	FailPowerDown   error
	FailPerformance error
}

// NewSimPlatform creates a platform that reports the given maxima.
func NewSimPlatform(mips uint32, busBandwidth uint64) *SimPlatform {
	return &SimPlatform{MIPS: mips, BusBandwidth: busBandwidth}
}

// SetVectorPower records a power change.
func (p *SimPlatform) SetVectorPower(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if on {
		if p.FailPowerUp != nil {
			return p.FailPowerUp
		}
		p.events = append(p.events, Event{Kind: EventPowerUp})
		return nil
	}

	if p.FailPowerDown != nil {
		return p.FailPowerDown
	}
	p.events = append(p.events, Event{Kind: EventPowerDown})
	return nil
}

// SetPerformance records a performance request.
func (p *SimPlatform) SetPerformance(req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailPerformance != nil {
		return p.FailPerformance
	}
	p.events = append(p.events, Event{Kind: EventPerformance, Request: req})
	return nil
}

// MaxMIPS reports the configured clock limit.
func (p *SimPlatform) MaxMIPS() (uint32, error) {
	return p.MIPS, nil
}

// MaxBusBandwidth reports the configured bus limit.
func (p *SimPlatform) MaxBusBandwidth() (uint64, error) {
	return p.BusBandwidth, nil
}

// Events returns a copy of the recorded events.
func (p *SimPlatform) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Event(nil), p.events...)
}

// Count returns how many events of a kind were recorded.
func (p *SimPlatform) Count(kind EventKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
