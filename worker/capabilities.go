package worker

import (
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/remiges-tech/loom/jobs"
)

// CapabilitySpec is the operator-supplied capability declaration, usually
// loaded from configuration. Fields left empty are discovered from the
// environment where possible.
type CapabilitySpec struct {
	WorkerID       string              `json:"worker_id"`
	MachineID      string              `json:"machine_id"`
	GPUMemoryGB    float64             `json:"gpu_memory_gb"`
	CPUCores       float64             `json:"cpu_cores"`
	RAMGB          float64             `json:"ram_gb"`
	Models         map[string][]string `json:"models"`
	Isolation      string              `json:"isolation"`
	AllowedCusts   []string            `json:"allowed_customers"`
	DeniedCusts    []string            `json:"denied_customers"`
	Custom         map[string]any      `json:"custom"`
	MaxConcurrent  int                 `json:"max_concurrent_jobs"`
}

// BuildCapabilities turns a spec into the capability snapshot the matcher
// evaluates. Services are not set here; the runtime derives them from the
// registered connectors so the advertisement can never drift from what the
// worker can actually execute.
func BuildCapabilities(spec CapabilitySpec) jobs.WorkerCapabilities {
	if spec.WorkerID == "" {
		spec.WorkerID = uuid.New().String()
	}
	if spec.MachineID == "" {
		if host, err := os.Hostname(); err == nil {
			spec.MachineID = host
		} else {
			spec.MachineID = spec.WorkerID
		}
	}
	if spec.CPUCores == 0 {
		spec.CPUCores = float64(runtime.NumCPU())
	}
	if spec.MaxConcurrent <= 0 {
		spec.MaxConcurrent = 1
	}
	return jobs.WorkerCapabilities{
		WorkerID:  spec.WorkerID,
		MachineID: spec.MachineID,
		Hardware: jobs.HardwareSpec{
			GPUMemoryGB: spec.GPUMemoryGB,
			CPUCores:    spec.CPUCores,
			RAMGB:       spec.RAMGB,
		},
		Models: spec.Models,
		CustomerAccess: jobs.CustomerAccess{
			Isolation:        spec.Isolation,
			AllowedCustomers: spec.AllowedCusts,
			DeniedCustomers:  spec.DeniedCusts,
		},
		Custom:        spec.Custom,
		MaxConcurrent: spec.MaxConcurrent,
	}
}
