package daemon

import (
	"context"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/taskforge/scheduler/internal/scheduler"
)

// LogSink is the default incident sink: it just logs. Deployments wire a
// real telemetry sink behind the same interface.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink writing to the given logger.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Report(ctx context.Context, kind, message string, fields map[string]any) error {
	s.logger.Printf("incident [%s]: %s %v", kind, message, fields)
	return nil
}

// BreakerSink wraps an incident sink in a circuit breaker so a dead
// telemetry endpoint cannot slow scheduling down: once the breaker opens,
// reports fail fast until the sink recovers. Failures are always
// non-fatal to the caller.
type BreakerSink struct {
	inner  scheduler.IncidentSink
	cb     *gobreaker.CircuitBreaker
	logger *log.Logger
}

// NewBreakerSink wraps the given sink.
func NewBreakerSink(inner scheduler.IncidentSink, logger *log.Logger) *BreakerSink {
	if logger == nil {
		logger = log.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "incident-sink",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("circuit breaker %q: %s -> %s", name, from, to)
		},
	})

	return &BreakerSink{inner: inner, cb: cb, logger: logger}
}

func (s *BreakerSink) Report(ctx context.Context, kind, message string, fields map[string]any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.inner.Report(ctx, kind, message, fields)
	})
	return err
}
