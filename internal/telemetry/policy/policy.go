package policy

// INTERNAL: telemetry policy, swapped atomically by the engine facade via
// Policy()/UpdateTelemetryPolicy() rather than read from a shared mutex on
// the health/tracing hot path.

import "time"

// TelemetryPolicy centralizes runtime-tunable telemetry knobs. It is designed to be
// swapped atomically (callers hold an immutable snapshot pointer) to avoid locks
// on hot paths. All durations are expected to be positive; zero values fall back
// to defaults established in Default().
type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
}

// HealthPolicy holds health thresholds. The Engine Facade's queue_depth
// probe compares admission plus stream backlog against QueueDegradedDepth
// and QueueUnhealthyDepth; SchedulerMinSamples and the Sla*Ratio fields
// are not read by any probe.
type HealthPolicy struct {
	ProbeTTL               time.Duration
	SchedulerMinSamples    int
	SlaDegradedRatio       float64
	SlaUnhealthyRatio      float64
	QueueDegradedDepth     int
	QueueUnhealthyDepth    int
}

type TracingPolicy struct {
	SamplePercent           float64
	ErrorBoostPercent       float64
	LatencyBoostThresholdMs int64
	LatencyBoostPercent     float64
}

type EventBusPolicy struct {
	MaxSubscriberBuffer int
}

// Default returns a TelemetryPolicy populated with conservative defaults.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:            2 * time.Second,
			SchedulerMinSamples: 10,
			SlaDegradedRatio:    0.05,
			SlaUnhealthyRatio:   0.20,
			QueueDegradedDepth:  256,
			QueueUnhealthyDepth: 512,
		},
		Tracing: TracingPolicy{SamplePercent: 20},
		Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
	}
}

// Normalize ensures sane bounds without mutating original; returns a cleaned copy.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = 2 * time.Second
	}
	if c.Health.SchedulerMinSamples <= 0 {
		c.Health.SchedulerMinSamples = 10
	}
	if c.Health.SlaDegradedRatio <= 0 {
		c.Health.SlaDegradedRatio = 0.05
	}
	if c.Health.SlaUnhealthyRatio <= 0 {
		c.Health.SlaUnhealthyRatio = 0.20
	}
	if c.Health.QueueDegradedDepth <= 0 {
		c.Health.QueueDegradedDepth = 256
	}
	if c.Health.QueueUnhealthyDepth <= 0 {
		c.Health.QueueUnhealthyDepth = 512
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Events.MaxSubscriberBuffer <= 0 {
		c.Events.MaxSubscriberBuffer = 1024
	}
	return c
}
