package hardware

import (
	"runtime"

	"github.com/jaypipes/ghw"
	"github.com/klauspost/cpuid/v2"
	"github.com/pbnjay/memory"
	"go.uber.org/zap"
)

// MachineSpecs describes the static capacity of the host. It is probed
// once at startup and used by the allocator to derive floor/ceiling
// clamps; live utilization comes from the monitor instead.
type MachineSpecs struct {
	CPUBrand       string `json:"cpu_brand"`
	PhysicalCores  int    `json:"physical_cores"`
	LogicalThreads int    `json:"logical_threads"`
	TotalMemory    uint64 `json:"total_memory_bytes"`
	GPUPresent     bool   `json:"gpu_present"`
	GPUCount       int    `json:"gpu_count"`
}

// Detect probes the host hardware. Probe failures degrade to
// runtime-derived values; this never returns an error.
func Detect(logger *zap.Logger) MachineSpecs {
	specs := MachineSpecs{
		CPUBrand:       cpuid.CPU.BrandName,
		PhysicalCores:  cpuid.CPU.PhysicalCores,
		LogicalThreads: cpuid.CPU.LogicalCores,
		TotalMemory:    memory.TotalMemory(),
	}

	if specs.PhysicalCores <= 0 {
		specs.PhysicalCores = runtime.NumCPU()
	}
	if specs.LogicalThreads <= 0 {
		specs.LogicalThreads = runtime.NumCPU()
	}

	if gpu, err := ghw.GPU(); err != nil {
		logger.Debug("GPU probe failed", zap.Error(err))
	} else {
		specs.GPUCount = len(gpu.GraphicsCards)
		specs.GPUPresent = specs.GPUCount > 0
	}

	logger.Info("Hardware detected",
		zap.String("cpu", specs.CPUBrand),
		zap.Int("physical_cores", specs.PhysicalCores),
		zap.Int("logical_threads", specs.LogicalThreads),
		zap.Uint64("total_memory", specs.TotalMemory),
		zap.Bool("gpu_present", specs.GPUPresent),
	)

	return specs
}
