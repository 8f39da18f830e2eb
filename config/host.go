package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/power"
)

// Environment variables of the host.
const (
	EnvDeviceImage = "OFFLOAD_DEVICE_IMAGE"
	EnvTiming      = "OFFLOAD_TIMING"
	EnvTrace       = "OFFLOAD_TRACE"
	EnvMemFill     = "OFFLOAD_MEMFILL"
	EnvDebugPort   = "OFFLOAD_DBG_PORT"
	EnvPerformance = "OFFLOAD_PERFORMANCE"
	EnvStats       = "OFFLOAD_STATS"
	EnvSim         = "OFFLOAD_SIM"
)

// HostConfig is what the host reads from its environment.
type HostConfig struct {
	// DeviceImage is a library preloaded into the device at start.
	DeviceImage string

	Timing bool
	Trace  bool

	// MemFill overrides the fill byte of the device, or is -1.
	MemFill int

	// DebugPort serves the debug API of the device, or is 0.
	DebugPort int

	Performance power.Tier
	StatsPath   string
	Sim         bool
}

// HostConfigFromEnv reads the host settings through getenv, which is
// os.Getenv outside of tests.
func HostConfigFromEnv(getenv func(string) string) (HostConfig, error) {
	c := HostConfig{
		DeviceImage: getenv(EnvDeviceImage),
		StatsPath:   getenv(EnvStats),
		MemFill:     -1,
		Performance: power.TierDefault,
	}

	var err error
	if c.Timing, err = envBool(getenv, EnvTiming); err != nil {
		return c, err
	}
	if c.Trace, err = envBool(getenv, EnvTrace); err != nil {
		return c, err
	}
	if c.Sim, err = envBool(getenv, EnvSim); err != nil {
		return c, err
	}

	if s := getenv(EnvMemFill); s != "" {
		v, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return c, errors.Wrapf(err, "%s=%q", EnvMemFill, s)
		}
		c.MemFill = int(v)
	}

	if s := getenv(EnvDebugPort); s != "" {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return c, errors.Wrapf(err, "%s=%q", EnvDebugPort, s)
		}
		c.DebugPort = int(v)
	}

	if c.Performance, err = power.ParseTier(getenv(EnvPerformance)); err != nil {
		return c, errors.Wrap(err, EnvPerformance)
	}

	return c, nil
}

func envBool(getenv func(string) string, key string) (bool, error) {
	s := strings.TrimSpace(getenv(key))
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(err, "%s=%q", key, s)
	}
	return v, nil
}

// Apply folds the host overrides into a device configuration.
func (h HostConfig) Apply(d DeviceConfig) DeviceConfig {
	if h.MemFill >= 0 {
		d.Fill = h.MemFill
	}
	if h.Trace {
		d.Trace = true
	}
	return d
}
