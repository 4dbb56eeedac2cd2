package resource

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler reads live CPU and memory utilisation from the local host.
type HostSampler struct{}

// NewHostSampler returns a sampler backed by gopsutil.
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

// Sample returns the current host utilisation. CPU is read without an
// internal sleep (delta since the previous call), so the first reading after
// startup can be zero.
func (h *HostSampler) Sample() (Sample, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("reading cpu utilisation: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Sample{}, fmt.Errorf("reading memory utilisation: %w", err)
	}

	return Sample{
		CPUPercent: cpuPct,
		MemPercent: vm.UsedPercent,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// StaticSampler returns fixed values. Used by tests and by deployments that
// receive utilisation from an external agent.
type StaticSampler struct {
	CPU float64
	Mem float64
}

func (s *StaticSampler) Sample() (Sample, error) {
	return Sample{CPUPercent: s.CPU, MemPercent: s.Mem, Timestamp: time.Now().UTC()}, nil
}
