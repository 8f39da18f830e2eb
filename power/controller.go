// Package power manages the vector unit power and performance requests of
// the coprocessor with a reference-counted lease.
package power

import (
	"fmt"
	"log"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotHeld is returned by a release without a matching acquire.
var ErrNotHeld = errors.New("power lease not held")

// A Platform carries out power requests.
type Platform interface {
	SetVectorPower(on bool) error
	SetPerformance(req Request) error
	MaxMIPS() (uint32, error)
	MaxBusBandwidth() (uint64, error)
}

// A PowerError is a request the platform rejected.
type PowerError struct {
	Op  string
	Err error
}

func (e *PowerError) Error() string {
	return fmt.Sprintf("power %s: %v", e.Op, e.Err)
}

// Unwrap returns the platform error.
func (e *PowerError) Unwrap() error {
	return e.Err
}

// Status describes the lease.
type Status struct {
	Count     int     `json:"count"`
	Tier      string  `json:"tier"`
	On        bool    `json:"vector_on"`
	PowerUps  uint64  `json:"power_ups"`
	Downs     uint64  `json:"power_downs"`
	Requested Request `json:"last_request"`
}

// A Controller is the single owner of the power lease of a device.
type Controller struct {
	mu       sync.Mutex
	platform Platform
	count    int
	tier     Tier
	on       bool
	last     Request
	ups      uint64
	downs    uint64

	Debug bool
}

// NewController creates a controller with no lease held.
func NewController(p Platform) *Controller {
	return &Controller{platform: p, tier: TierDefault}
}

// Acquire takes a lease. The first lease powers the vector unit up and
// requests tier. A failed acquire leaves the count unchanged.
func (c *Controller) Acquire(tier Tier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tier = tier
	if c.count > 0 {
		c.count++
		return nil
	}

	if err := c.platform.SetVectorPower(true); err != nil {
		return &PowerError{Op: "power up", Err: err}
	}

	if err := c.requestLocked(tier); err != nil {
		if off := c.platform.SetVectorPower(false); off != nil {
			log.Printf("power: cannot undo power up: %v", off)
		}
		return err
	}

	c.on = true
	c.ups++
	c.count = 1
	if c.Debug {
		log.Printf("power: vector unit on at %s", tier)
	}
	return nil
}

// Release returns a lease. The last release powers the vector unit down.
func (c *Controller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 {
		return ErrNotHeld
	}

	c.count--
	if c.count > 0 {
		return nil
	}

	c.on = false
	c.downs++
	if err := c.platform.SetVectorPower(false); err != nil {
		return &PowerError{Op: "power down", Err: err}
	}
	if c.Debug {
		log.Printf("power: vector unit off")
	}
	return nil
}

// SetTier requests a performance tier without touching the lease.
func (c *Controller) SetTier(tier Tier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !tier.Valid() {
		return &PowerError{Op: "set tier", Err: errors.Errorf("invalid tier %d", tier)}
	}

	c.tier = tier
	return c.requestLocked(tier)
}

func (c *Controller) requestLocked(tier Tier) error {
	mips, err := c.platform.MaxMIPS()
	if err != nil {
		return &PowerError{Op: "query max mips", Err: err}
	}
	bw, err := c.platform.MaxBusBandwidth()
	if err != nil {
		return &PowerError{Op: "query max bus bandwidth", Err: err}
	}

	req := RequestFor(tier, mips, bw)
	if err := c.platform.SetPerformance(req); err != nil {
		return &PowerError{Op: "set performance", Err: err}
	}
	c.last = req
	return nil
}

// Count returns the number of leases held.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.count
}

// Tier returns the most recently requested tier.
func (c *Controller) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tier
}

// Status returns a snapshot of the lease.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Count:     c.count,
		Tier:      c.tier.String(),
		On:        c.on,
		PowerUps:  c.ups,
		Downs:     c.downs,
		Requested: c.last,
	}
}
