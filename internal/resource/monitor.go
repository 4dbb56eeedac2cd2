// Package resource tracks host CPU/memory pressure and turns it into worker
// capacity decisions: an instantaneous health verdict, a rolling-window trend
// classification, and a recommended/predicted worker count.
package resource

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Sample is one CPU/memory observation.
type Sample struct {
	CPUPercent float64
	MemPercent float64
	Timestamp  time.Time
}

// Sampler produces resource samples. The production implementation reads the
// host via gopsutil; tests inject static samplers.
type Sampler interface {
	Sample() (Sample, error)
}

// Limits holds the soft (warning) and hard (block) thresholds, in percent.
type Limits struct {
	SoftCPU float64
	HardCPU float64
	SoftMem float64
	HardMem float64
}

// Severity classifies a launch check result.
type Severity int

const (
	SeverityNone    Severity = iota // under all limits
	SeverityWarning                 // soft limit breached, launch allowed
	SeverityBlock                   // hard limit breached, launch denied
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityBlock:
		return "block"
	}
	return "none"
}

// Trend classifies the short-term direction of a metric.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// trendThreshold is the half-average delta, in percentage points, below
// which a metric counts as stable.
const trendThreshold = 3.0

// Monitor keeps a bounded ring of samples and answers capacity questions.
type Monitor struct {
	mu       sync.Mutex
	sampler  Sampler
	limits   Limits
	capacity int
	samples  []Sample
}

// NewMonitor creates a monitor whose ring holds window/sampleInterval
// samples (at least one).
func NewMonitor(sampler Sampler, limits Limits, window, sampleInterval time.Duration) *Monitor {
	capacity := 1
	if sampleInterval > 0 && window > sampleInterval {
		capacity = int(window / sampleInterval)
	}
	return &Monitor{
		sampler:  sampler,
		limits:   limits,
		capacity: capacity,
	}
}

// CollectSample reads the sampler and appends to the ring, evicting the
// oldest sample once full.
func (m *Monitor) CollectSample() (Sample, error) {
	s, err := m.sampler.Sample()
	if err != nil {
		return Sample{}, fmt.Errorf("collecting resource sample: %w", err)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	if len(m.samples) > m.capacity {
		m.samples = m.samples[len(m.samples)-m.capacity:]
	}
	return s, nil
}

// SampleCount returns the number of samples currently held.
func (m *Monitor) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

// Status reports instantaneous health against the hard limits. The reason
// names the breached metric.
func (m *Monitor) Status() (bool, string, error) {
	s, err := m.sampler.Sample()
	if err != nil {
		return false, "", err
	}
	if s.CPUPercent > m.limits.HardCPU {
		return false, fmt.Sprintf("cpu %.1f%% exceeds hard limit %.1f%%", s.CPUPercent, m.limits.HardCPU), nil
	}
	if s.MemPercent > m.limits.HardMem {
		return false, fmt.Sprintf("memory %.1f%% exceeds hard limit %.1f%%", s.MemPercent, m.limits.HardMem), nil
	}
	return true, "", nil
}

// CanLaunch returns the launch severity. Hard limits are checked first and
// deny the launch; soft limits only flag it.
func (m *Monitor) CanLaunch() (Severity, string, error) {
	s, err := m.sampler.Sample()
	if err != nil {
		return SeverityBlock, "", err
	}

	if s.CPUPercent > m.limits.HardCPU {
		return SeverityBlock, fmt.Sprintf("cpu %.1f%% exceeds hard limit %.1f%%", s.CPUPercent, m.limits.HardCPU), nil
	}
	if s.MemPercent > m.limits.HardMem {
		return SeverityBlock, fmt.Sprintf("memory %.1f%% exceeds hard limit %.1f%%", s.MemPercent, m.limits.HardMem), nil
	}
	if s.CPUPercent > m.limits.SoftCPU {
		return SeverityWarning, fmt.Sprintf("cpu %.1f%% exceeds soft limit %.1f%%", s.CPUPercent, m.limits.SoftCPU), nil
	}
	if s.MemPercent > m.limits.SoftMem {
		return SeverityWarning, fmt.Sprintf("memory %.1f%% exceeds soft limit %.1f%%", s.MemPercent, m.limits.SoftMem), nil
	}
	return SeverityNone, "", nil
}

// MovingAverage returns the mean CPU and memory over the ring.
func (m *Monitor) MovingAverage() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return meanOf(m.samples)
}

// StdDev returns the population standard deviation of CPU and memory over
// the ring. Zero with fewer than two samples.
func (m *Monitor) StdDev() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < 2 {
		return 0, 0
	}
	cpuMean, memMean := meanOf(m.samples)

	var cpuVar, memVar float64
	for _, s := range m.samples {
		cpuVar += (s.CPUPercent - cpuMean) * (s.CPUPercent - cpuMean)
		memVar += (s.MemPercent - memMean) * (s.MemPercent - memMean)
	}
	n := float64(len(m.samples))
	return math.Sqrt(cpuVar / n), math.Sqrt(memVar / n)
}

// TrendDirection splits the ring into first and second halves by index and
// classifies each metric by the delta of the half averages. Fewer than four
// samples is always stable.
func (m *Monitor) TrendDirection() (Trend, Trend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < 4 {
		return TrendStable, TrendStable
	}

	half := len(m.samples) / 2
	cpuFirst, memFirst := meanOf(m.samples[:half])
	cpuSecond, memSecond := meanOf(m.samples[half:])

	return classify(cpuSecond - cpuFirst), classify(memSecond - memFirst)
}

func classify(delta float64) Trend {
	switch {
	case delta > trendThreshold:
		return TrendRising
	case delta < -trendThreshold:
		return TrendFalling
	}
	return TrendStable
}

// RecommendedWorkers scales the worker cap by the instantaneous pressure.
// Healthy hosts get the full cap; otherwise the worse of the two metrics
// picks the band. Never below one.
func (m *Monitor) RecommendedWorkers(current, max int) (int, error) {
	s, err := m.sampler.Sample()
	if err != nil {
		return 0, err
	}
	if s.CPUPercent <= m.limits.HardCPU && s.MemPercent <= m.limits.HardMem {
		return max, nil
	}

	worse := s.CPUPercent
	if s.MemPercent > worse {
		worse = s.MemPercent
	}

	var scaled int
	switch {
	case worse >= 95:
		scaled = max / 4
	case worse >= 90:
		scaled = max / 2
	case worse >= 85:
		scaled = int(float64(max) * 0.75)
	default:
		scaled = max
	}
	if scaled < 1 {
		scaled = 1
	}
	return scaled, nil
}

// PredictedWorkers layers trend damping on top of RecommendedWorkers: any
// rising metric shrinks the count preemptively (dominant over falling), a
// falling trend grows it slightly. Clamped to [1, max].
//
// Recommended and Predicted can disagree: a host healthy right now but with
// a rising trend still gets damped. That is deliberate.
func (m *Monitor) PredictedWorkers(current, max int) (int, error) {
	base, err := m.RecommendedWorkers(current, max)
	if err != nil {
		return 0, err
	}

	cpuTrend, memTrend := m.TrendDirection()
	predicted := base
	if cpuTrend == TrendRising || memTrend == TrendRising {
		predicted = int(float64(base) * 0.80)
	} else if cpuTrend == TrendFalling || memTrend == TrendFalling {
		predicted = int(float64(base) * 1.10)
	}

	if predicted < 1 {
		predicted = 1
	}
	if predicted > max {
		predicted = max
	}
	return predicted, nil
}

func meanOf(samples []Sample) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var cpu, mem float64
	for _, s := range samples {
		cpu += s.CPUPercent
		mem += s.MemPercent
	}
	n := float64(len(samples))
	return cpu / n, mem / n
}
