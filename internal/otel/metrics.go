package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agentdeck metrics instruments.
type Metrics struct {
	QueryDuration    metric.Float64Histogram
	RunDuration      metric.Float64Histogram
	RunsLaunched     metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	EventsBroadcast  metric.Int64Counter
	DeliveryFailures metric.Int64Counter
	Interrupts       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueryDuration, err = meter.Float64Histogram("agentdeck.query.duration",
		metric.WithDescription("Interactive query streaming duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentdeck.run.duration",
		metric.WithDescription("Background run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsLaunched, err = meter.Int64Counter("agentdeck.runs.launched",
		metric.WithDescription("Background runs launched"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("agentdeck.runs.completed",
		metric.WithDescription("Background runs completed"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("agentdeck.runs.failed",
		metric.WithDescription("Background runs failed, cancelled, or timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("agentdeck.runs.active",
		metric.WithDescription("Runs currently in a running slot"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsBroadcast, err = meter.Int64Counter("agentdeck.sync.events",
		metric.WithDescription("Events broadcast to device connections"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryFailures, err = meter.Int64Counter("agentdeck.sync.delivery_failures",
		metric.WithDescription("Device sink deliveries that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.Interrupts, err = meter.Int64Counter("agentdeck.session.interrupts",
		metric.WithDescription("Session interrupt requests"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
