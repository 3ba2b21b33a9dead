package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "llm-supervisor"

// Metrics counts mode switches, rate-limit detections and blocked tasks. The
// counts are exported through OpenTelemetry and mirrored locally for Snapshot.
// A nil *Metrics records nothing.
type Metrics struct {
	modeSwitches        metric.Int64Counter
	rateLimitDetections metric.Int64Counter
	tasksBlocked        metric.Int64Counter

	switchesToLocal atomic.Int64
	switchesToCloud atomic.Int64
	detections      atomic.Int64
	blocked         atomic.Int64
	startTime       time.Time
}

// Snapshot is a point-in-time copy of the local counters.
type Snapshot struct {
	SwitchesToLocal     int64         `json:"switches_to_local"`
	SwitchesToCloud     int64         `json:"switches_to_cloud"`
	RateLimitDetections int64         `json:"rate_limit_detections"`
	TasksBlocked        int64         `json:"tasks_blocked"`
	Uptime              time.Duration `json:"uptime_ns"`
}

// NewMetrics creates the counters on meter, or on the global meter provider
// when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	modeSwitches, err := meter.Int64Counter(
		"llm_supervisor.mode_switches",
		metric.WithDescription("Mode transitions by target mode"),
	)
	if err != nil {
		return nil, err
	}

	detections, err := meter.Int64Counter(
		"llm_supervisor.rate_limit_detections",
		metric.WithDescription("Cloud provider errors classified as rate limits"),
	)
	if err != nil {
		return nil, err
	}

	blocked, err := meter.Int64Counter(
		"llm_supervisor.tasks_blocked",
		metric.WithDescription("Code actions blocked pending confirmation, by intent"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		modeSwitches:        modeSwitches,
		rateLimitDetections: detections,
		tasksBlocked:        blocked,
		startTime:           time.Now(),
	}, nil
}

// RecordModeSwitch counts a transition into mode "local" or "cloud".
func (m *Metrics) RecordModeSwitch(ctx context.Context, to string) {
	if m == nil {
		return
	}
	switch to {
	case "local":
		m.switchesToLocal.Add(1)
	case "cloud":
		m.switchesToCloud.Add(1)
	}
	m.modeSwitches.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

// RecordRateLimit counts a detected rate-limit error.
func (m *Metrics) RecordRateLimit(ctx context.Context) {
	if m == nil {
		return
	}
	m.detections.Add(1)
	m.rateLimitDetections.Add(ctx, 1)
}

// RecordTaskBlocked counts a blocked code action.
func (m *Metrics) RecordTaskBlocked(ctx context.Context, intent string) {
	if m == nil {
		return
	}
	m.blocked.Add(1)
	m.tasksBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
}

// Snapshot returns the local counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		SwitchesToLocal:     m.switchesToLocal.Load(),
		SwitchesToCloud:     m.switchesToCloud.Load(),
		RateLimitDetections: m.detections.Load(),
		TasksBlocked:        m.blocked.Load(),
		Uptime:              time.Since(m.startTime),
	}
}
