// Command offload loads a catalog kernel on a coprocessor and runs it on
// buffers given on the command line. The device runs either on a host
// goroutine or on the akita engine. The exit code is 2 when the kernel
// returns a status other than zero.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/tebeka/atexit"
	"gitlab.com/akita/akita/v3/monitoring"
	"gitlab.com/akita/akita/v3/sim"
	"gitlab.com/akita/offload/config"
	"gitlab.com/akita/offload/cyclesim"
	"gitlab.com/akita/offload/driver"
	"gitlab.com/akita/offload/kernels"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/profiler"
	"gitlab.com/akita/offload/remote"
)

var kernelFlag = flag.String("kernel", "add_one", "the catalog kernel to run.")
var configFlag = flag.String("config", "", "the YAML device configuration.")
var inputsFlag = flag.String("inputs", "1,2,3,4",
	"input buffers, bytes separated by commas and buffers by semicolons.")
var outputsFlag = flag.Int("outputs", 1,
	"the number of output buffers, each as long as the first input.")
var scalarsFlag = flag.String("scalars", "", "32-bit scalar arguments, separated by commas.")
var simFlag = flag.Bool("sim", false, "run the device on the akita engine.")
var cyclesPerTickFlag = flag.Uint64("cycles-per-tick", 64,
	"device cycles of one tick of the simulated core.")
var monitorFlag = flag.Bool("monitor", false, "serve the akita monitor with -sim.")
var timingFlag = flag.Bool("timing", false, "print the wall time of each step.")
var statsFlag = flag.String("stats", "", "write the statistics of the run to this JSON file.")
var listFlag = flag.Bool("list", false, "list the catalog kernels and exit.")

func main() {
	flag.Parse()

	if *listFlag {
		for _, name := range kernels.Names() {
			fmt.Println(name)
		}
		return
	}

	atexit.Exit(run())
}

func run() int {
	host, err := config.HostConfigFromEnv(os.Getenv)
	if err != nil {
		return fail("environment: %v", err)
	}
	overrideFromFlags(&host)

	cfg, err := config.LoadDeviceConfig(*configFlag)
	if err != nil {
		return fail("%v", err)
	}
	cfg = host.Apply(cfg)

	dev, err := remote.NewDevice(cfg, nil)
	if err != nil {
		return fail("device: %v", err)
	}
	atexit.Register(dev.Close)

	disp := remote.NewDispatcher(dev)
	if host.DebugPort != 0 {
		srv := remote.NewDebugHandler(disp).ListenAndServe(host.DebugPort)
		atexit.Register(func() { _ = srv.Close() })
	}

	walltime := profiler.NewWallTime()
	report := &profiler.Report{Kernel: *kernelFlag, Transport: "local"}

	var tr driver.Transport
	var simTr *cyclesim.Transport
	var tracer *cyclesim.RPCTracer
	if host.Sim {
		simTr, tracer, err = buildSim(cfg, disp)
		if err != nil {
			return fail("simulator: %v", err)
		}
		tr = simTr
		report.Transport = "cyclesim"
	} else {
		tr = driver.NewLocalTransport(disp)
	}

	d := driver.NewDriver(tr)
	d.Debug = cfg.Debug

	status, err := offload(d, host, walltime)
	closeErr := d.Close()

	if err != nil {
		return fail("%v (status %d)", err, driver.StatusOf(err))
	}
	if closeErr != nil {
		return fail("close: %v", closeErr)
	}

	if status == 0 {
		color.Green("%s returned %d", *kernelFlag, status)
	} else {
		color.Yellow("%s returned %d", *kernelFlag, status)
	}

	if host.Timing {
		for name, seconds := range walltime.Intervals() {
			fmt.Printf("%s: %.6fs\n", name, seconds)
		}
	}

	if host.StatsPath != "" {
		report.Status = status
		report.WallTime = walltime.Intervals()
		report.Collect(disp)
		if simTr != nil {
			report.SimTime = float64(simTr.Now())
			report.RPC = tracer.Ops()
		}
		if err := report.Write(host.StatsPath); err != nil {
			return fail("%v", err)
		}
	}

	if status != 0 {
		return 2
	}
	return 0
}

func overrideFromFlags(host *config.HostConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sim":
			host.Sim = *simFlag
		case "timing":
			host.Timing = *timingFlag
		case "stats":
			host.StatsPath = *statsFlag
		}
	})
}

func buildSim(
	cfg config.DeviceConfig,
	disp *remote.Dispatcher,
) (*cyclesim.Transport, *cyclesim.RPCTracer, error) {
	engine := sim.NewSerialEngine()
	tracer := cyclesim.NewRPCTracer(engine)

	tr, err := cyclesim.MakeBuilder().
		WithEngine(engine).
		WithFreq(sim.Freq(cfg.FrequencyMHz) * sim.MHz).
		WithCyclesPerTick(*cyclesPerTickFlag).
		WithTracer(tracer).
		Build("Offload", disp)
	if err != nil {
		return nil, nil, err
	}

	if *monitorFlag {
		monitor := monitoring.NewMonitor()
		monitor.RegisterEngine(engine)
		monitor.RegisterComponent(tr.Core())
		monitor.RegisterComponent(tr.Host())
		monitor.StartServer()
	}

	return tr, tracer, nil
}

func offload(d *driver.Driver, host config.HostConfig, walltime *profiler.WallTime) (int32, error) {
	k, ok := kernels.Lookup(*kernelFlag)
	if !ok {
		return 0, errors.Errorf("no kernel %s, try -list", *kernelFlag)
	}

	inputs, err := parseBuffers(*inputsFlag)
	if err != nil {
		return 0, err
	}
	scalars, err := parseScalars(*scalarsFlag)
	if err != nil {
		return 0, err
	}
	outputs := makeOutputs(*outputsFlag, inputs)

	if host.Performance != power.TierDefault {
		if err := d.SetPerformanceMode(host.Performance); err != nil {
			return 0, err
		}
	}

	if host.DeviceImage != "" {
		image, err := os.ReadFile(host.DeviceImage)
		if err != nil {
			return 0, err
		}
		if _, err := d.LoadLibrary(host.DeviceImage, image); err != nil {
			return 0, err
		}
	}

	walltime.Start("load")
	h, err := d.LoadLibrary(k.Name, k.Image())
	walltime.Stop("load")
	if err != nil {
		return 0, err
	}

	fn, err := d.GetSymbol(h, k.Entry)
	if err != nil {
		return 0, err
	}

	walltime.Start("run")
	status, err := d.Run(h, fn, inputs, outputs, scalars)
	walltime.Stop("run")
	if err != nil {
		return status, err
	}

	for i, out := range outputs {
		fmt.Printf("output %d: %s\n", i, formatBuffer(out))
	}

	if err := d.ReleaseLibrary(h); err != nil {
		log.Printf("offload: release %s: %v", k.Name, err)
	}
	return status, nil
}

func fail(format string, args ...interface{}) int {
	color.Red(format, args...)
	return 1
}

// parseBuffers reads "1,2,3;4,5" as two buffers.
func parseBuffers(s string) ([][]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var bufs [][]byte
	for _, part := range strings.Split(s, ";") {
		var buf []byte
		for _, field := range strings.Split(part, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			v, err := strconv.ParseUint(field, 0, 8)
			if err != nil {
				return nil, errors.Wrapf(err, "byte %q", field)
			}
			buf = append(buf, byte(v))
		}
		bufs = append(bufs, buf)
	}
	return bufs, nil
}

// parseScalars reads "5,-1" as two little-endian words.
func parseScalars(s string) ([][]byte, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var scalars [][]byte
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		v, err := strconv.ParseInt(field, 0, 64)
		if err != nil || v < -1<<31 || v >= 1<<32 {
			return nil, errors.Errorf("scalar %q is not a 32-bit value", field)
		}
		scalars = append(scalars, driver.Word(uint32(v)))
	}
	return scalars, nil
}

func makeOutputs(n int, inputs [][]byte) [][]byte {
	size := 0
	if len(inputs) > 0 {
		size = len(inputs[0])
	}

	outputs := make([][]byte, n)
	for i := range outputs {
		outputs[i] = make([]byte, size)
	}
	return outputs
}

func formatBuffer(b []byte) string {
	fields := make([]string, len(b))
	for i, v := range b {
		fields[i] = strconv.Itoa(int(v))
	}
	return strings.Join(fields, ",")
}
