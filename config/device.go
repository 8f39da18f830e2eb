// Package config holds the settings of the device and of the host.
//
// The device is configured from a YAML file. The host reads environment
// variables, the way the offload runtime is usually tuned in the field.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/threadpool"
	"gopkg.in/yaml.v3"
)

// Address space defaults.
const (
	DefaultMemorySize uint64 = 64 << 20
	DefaultHeapBase   uint32 = 0x00100000
)

// DeviceConfig describes one coprocessor.
type DeviceConfig struct {
	MemorySize uint64 `yaml:"memory_size"`
	HeapBase   uint32 `yaml:"heap_base"`

	Workers  int `yaml:"workers"`
	JobSlots int `yaml:"job_slots"`

	StackSize uint32 `yaml:"stack_size"`

	// StepLimit bounds the instructions of each call into a kernel. Zero,
	// the default, means kernels run to completion.
	StepLimit uint64 `yaml:"step_limit"`

	// FrequencyMHz is the clock of the simulated device core.
	FrequencyMHz float64 `yaml:"frequency_mhz"`

	MaxMIPS      uint32 `yaml:"max_mips"`
	BusBandwidth uint64 `yaml:"bus_bandwidth"`

	// Fill is the byte new allocations are filled with, or -1 to leave
	// them zeroed.
	Fill int `yaml:"fill"`

	Debug bool `yaml:"debug"`
	Trace bool `yaml:"trace"`
}

// DefaultDeviceConfig returns the settings of a stock device.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		MemorySize:   DefaultMemorySize,
		HeapBase:     DefaultHeapBase,
		Workers:      threadpool.DefaultWorkers,
		JobSlots:     threadpool.DefaultSlots,
		StackSize:    64 * 1024,
		FrequencyMHz: 1000,
		MaxMIPS:      power.SanityMIPS * 2,
		BusBandwidth: power.SanityBusBandwidth * 12,
		Fill:         -1,
	}
}

// Validate checks that the settings describe a device that can be built.
func (c DeviceConfig) Validate() error {
	switch {
	case c.MemorySize == 0 || c.MemorySize > 1<<32:
		return errors.Errorf("memory_size %d out of range", c.MemorySize)
	case uint64(c.HeapBase) >= c.MemorySize:
		return errors.Errorf("heap_base %#x beyond memory_size %#x",
			c.HeapBase, c.MemorySize)
	case c.HeapBase%devicemem.PageSize != 0:
		return errors.Errorf("heap_base %#x is not page aligned", c.HeapBase)
	case c.Workers < 0:
		return errors.Errorf("workers %d is negative", c.Workers)
	case c.JobSlots <= 0:
		return errors.Errorf("job_slots %d must be positive", c.JobSlots)
	case c.StackSize < 1024 || c.StackSize%16 != 0:
		return errors.Errorf("stack_size %d must be a multiple of 16 of at least 1024",
			c.StackSize)
	case c.FrequencyMHz <= 0:
		return errors.Errorf("frequency_mhz %v must be positive", c.FrequencyMHz)
	case c.Fill < -1 || c.Fill > 255:
		return errors.Errorf("fill %d is not a byte", c.Fill)
	}
	return nil
}

// ParseDeviceConfig reads YAML over the defaults. Unknown keys are errors.
func ParseDeviceConfig(r io.Reader) (DeviceConfig, error) {
	c := DefaultDeviceConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, errors.Wrap(err, "parse device config")
	}

	return c, c.Validate()
}

// LoadDeviceConfig reads a YAML file. An empty path yields the defaults.
func LoadDeviceConfig(path string) (DeviceConfig, error) {
	if path == "" {
		return DefaultDeviceConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return DeviceConfig{}, errors.Wrap(err, "read device config")
	}
	return ParseDeviceConfig(bytes.NewReader(data))
}

// Marshal writes the settings as YAML.
func (c DeviceConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
