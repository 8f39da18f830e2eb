package power

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Tier is a requested performance level of the coprocessor.
type Tier int32

// Performance tiers.
const (
	TierLow Tier = iota
	TierNominal
	TierTurbo
	TierDefault
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierNominal:
		return "nominal"
	case TierTurbo:
		return "turbo"
	case TierDefault:
		return "default"
	}
	return fmt.Sprintf("tier(%d)", int32(t))
}

// Valid tells whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= TierLow && t <= TierDefault
}

// ParseTier reads a tier name. The empty string is the default tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return TierLow, nil
	case "nominal":
		return TierNominal, nil
	case "turbo":
		return TierTurbo, nil
	case "", "default":
		return TierDefault, nil
	}
	return TierDefault, errors.Errorf("unknown performance tier %q", s)
}

// Platform limits below these values are not trusted.
const (
	SanityMIPS         uint32 = 500
	SanityBusBandwidth uint64 = 1000000000
)

// A Request asks the platform for clock, bus and latency settings.
type Request struct {
	Tier Tier `json:"tier"`

	SetMIPS       bool   `json:"set_mips"`
	MIPSPerThread uint32 `json:"mips_per_thread"`
	MIPSTotal     uint32 `json:"mips_total"`

	SetBusBandwidth bool   `json:"set_bus_bw"`
	MBPerSec        uint32 `json:"mb_per_sec"`
	BusUsagePercent uint32 `json:"bus_usage_percent"`

	SetLatency bool  `json:"set_latency"`
	Latency    int32 `json:"latency"`
}

// RequestFor maps a tier to a request, given the maxima the platform
// reports.
func RequestFor(tier Tier, maxMIPS uint32, maxBusBW uint64) Request {
	if maxMIPS < SanityMIPS {
		maxMIPS = SanityMIPS
	}

	// Platforms under-report the bus bandwidth.
	if maxBusBW < SanityBusBandwidth {
		if maxBusBW == 0 {
			maxBusBW = SanityBusBandwidth
		}
		for maxBusBW < SanityBusBandwidth {
			maxBusBW <<= 3
		}
	}

	req := Request{
		Tier:            tier,
		SetMIPS:         true,
		SetBusBandwidth: true,
		SetLatency:      true,
	}

	var bw uint64
	switch tier {
	case TierLow:
		req.MIPSPerThread = maxMIPS / 4
		bw = maxBusBW / 2
		req.BusUsagePercent = 25
		req.Latency = 1000
	case TierNominal:
		req.MIPSPerThread = 3 * maxMIPS / 8
		bw = maxBusBW
		req.BusUsagePercent = 50
		req.Latency = 100
	case TierTurbo:
		req.MIPSPerThread = maxMIPS
		bw = maxBusBW * 4
		req.BusUsagePercent = 100
		req.Latency = 10
	default:
		req.Latency = -1
	}

	req.MIPSTotal = req.MIPSPerThread * 2
	req.MBPerSec = uint32(bw >> 20)
	return req
}
