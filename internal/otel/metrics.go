package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all voxnote metrics instruments.
type Metrics struct {
	OperationDuration metric.Float64Histogram
	OperationErrors   metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	DataChanges       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OperationDuration, err = meter.Float64Histogram("voxnote.db.operation.duration",
		metric.WithDescription("Database operation execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OperationErrors, err = meter.Int64Counter("voxnote.db.operation.errors",
		metric.WithDescription("Failed database operations"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("voxnote.db.queue.depth",
		metric.WithDescription("Envelopes waiting in the submission queue"),
	)
	if err != nil {
		return nil, err
	}

	m.DataChanges, err = meter.Int64Counter("voxnote.db.data_changes",
		metric.WithDescription("Committed mutations that produced a data-changed event"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
