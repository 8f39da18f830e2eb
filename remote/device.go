// Package remote is the coprocessor side of the offload runtime. A Device
// owns every service of one coprocessor, and a Dispatcher turns requests of
// the host into calls of those services.
package remote

import (
	"log"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/config"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/devrt"
	"gitlab.com/akita/offload/emu"
	"gitlab.com/akita/offload/loader"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/symbols"
	"gitlab.com/akita/offload/threadpool"
)

// A Device holds the services of one coprocessor. They are created once, in
// dependency order, and live as long as the device.
type Device struct {
	Config config.DeviceConfig

	Memory   *devicemem.Memory
	Symbols  *symbols.Table
	Modules  *loader.Table
	Platform power.Platform
	Power    *power.Controller
	Pool     *threadpool.Pool
	Runtime  *devrt.Runtime
	Machine  *emu.Machine
}

// NewDevice builds a device. A nil platform is replaced by a simulated one
// with the limits of the configuration.
func NewDevice(cfg config.DeviceConfig, platform power.Platform) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Device{Config: cfg}

	d.Memory = devicemem.NewMemory(cfg.MemorySize)
	limit := cfg.MemorySize
	if limit > 1<<32-devicemem.PageSize {
		limit = 1<<32 - devicemem.PageSize
	}
	if err := d.Memory.InitHeap(cfg.HeapBase, uint32(limit)); err != nil {
		return nil, errors.Wrap(err, "device heap")
	}
	if cfg.Fill >= 0 {
		d.Memory.SetFill(byte(cfg.Fill))
	}

	d.Symbols = symbols.DefaultTable()
	if err := devrt.InstallROM(d.Memory, d.Symbols); err != nil {
		return nil, err
	}

	d.Modules = loader.NewTable(d.Memory, d.Symbols)
	d.Modules.Loader().Debug = cfg.Debug

	if platform == nil {
		platform = power.NewSimPlatform(cfg.MaxMIPS, cfg.BusBandwidth)
	}
	d.Platform = platform
	d.Power = power.NewController(platform)
	d.Power.Debug = cfg.Debug

	d.Pool = threadpool.New(cfg.JobSlots, cfg.Workers)

	rt, err := devrt.MakeBuilder().
		WithMemory(d.Memory).
		WithSymbols(d.Symbols).
		WithPool(d.Pool).
		WithPower(d.Power).
		WithResolver(d.Modules).
		WithDebug(cfg.Debug).
		Build()
	if err != nil {
		return nil, err
	}
	d.Runtime = rt

	d.Machine = emu.NewMachine(d.Memory)
	d.Machine.StackSize = cfg.StackSize
	d.Machine.StepLimit = cfg.StepLimit
	d.Machine.Trace = cfg.Trace
	d.Machine.SetTrapHandler(rt)

	if cfg.Debug {
		log.Printf("remote: device with %d MiB, %d workers, %d job slots, %d known symbols",
			cfg.MemorySize>>20, cfg.Workers, cfg.JobSlots, len(d.Symbols.Symbols()))
	}
	return d, nil
}

// Close runs the destructors of every module, releases them and stops the
// pool.
func (d *Device) Close() {
	for _, mod := range d.Modules.Modules() {
		d.runFini(mod)
		if err := d.Modules.Release(mod.Handle); err != nil {
			log.Printf("remote: release %s: %v", mod.Name, err)
		}
	}
	d.Runtime.Release()
}

func (d *Device) runInit(mod *loader.Module) error {
	if mod.Init == 0 {
		return nil
	}
	_, _, err := d.Machine.Run(mod.GP, mod.Init)
	return errors.Wrapf(err, "constructor of %s", mod.Name)
}

func (d *Device) runFini(mod *loader.Module) {
	if mod.Fini == 0 {
		return
	}
	if _, _, err := d.Machine.Run(mod.GP, mod.Fini); err != nil {
		log.Printf("remote: destructor of %s: %v", mod.Name, err)
	}
}
