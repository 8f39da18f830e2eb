package profiler

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/cyclesim"
	"gitlab.com/akita/offload/devicemem"
	"gitlab.com/akita/offload/devrt"
	"gitlab.com/akita/offload/power"
	"gitlab.com/akita/offload/remote"
)

// A Report holds the statistics of one run.
type Report struct {
	Kernel       string              `json:"kernel"`
	Transport    string              `json:"transport"`
	Status       int32               `json:"status"`
	WallTime     map[string]float64  `json:"walltime"`
	DeviceCycles uint64              `json:"device_cycles"`
	Instructions uint64              `json:"instructions"`
	SimTime      float64             `json:"sim_time,omitempty"`
	Requests     []remote.OpStats    `json:"requests"`
	Natives      []devrt.CallCount   `json:"natives"`
	Heap         devicemem.HeapStats `json:"heap"`
	Power        power.Status        `json:"power"`
	RPC          []cyclesim.OpTrace  `json:"rpc,omitempty"`
}

// Collect fills the device side of a report.
func (r *Report) Collect(disp *remote.Dispatcher) {
	dev := disp.Device()

	r.Requests = disp.Stats()
	r.Natives = dev.Runtime.Calls()
	r.Heap = disp.HeapStats()
	r.Power = dev.Power.Status()
	r.Instructions = dev.Machine.Steps()

	r.DeviceCycles = 0
	for _, op := range r.Requests {
		r.DeviceCycles += op.Cycles
	}
}

// Write stores the report at path.
func (r *Report) Write(path string) error {
	jsonStr, err := json.MarshalIndent(r, "", " ")
	if err != nil {
		return errors.Wrap(err, "encode report")
	}

	if err := os.WriteFile(path, jsonStr, 0o644); err != nil {
		return errors.Wrap(err, "write report")
	}
	return nil
}

// ReadReport loads a report written by Write.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read report")
	}

	r := &Report{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, errors.Wrapf(err, "decode report %s", path)
	}
	return r, nil
}
