package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	MessagesTotal   metric.Int64Counter
	EventsStreamed  metric.Int64Counter
	RoomEvictions   metric.Int64Counter
	StreamsActive   metric.Int64UpDownCounter
	LeaseDenials    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("roomrelay.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesTotal, err = meter.Int64Counter("roomrelay.messages",
		metric.WithDescription("Messages applied to rooms"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsStreamed, err = meter.Int64Counter("roomrelay.events.streamed",
		metric.WithDescription("Event log records delivered to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.RoomEvictions, err = meter.Int64Counter("roomrelay.room.evictions",
		metric.WithDescription("Rooms evicted from the LRU cache"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamsActive, err = meter.Int64UpDownCounter("roomrelay.streams.active",
		metric.WithDescription("Open SSE subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseDenials, err = meter.Int64Counter("roomrelay.lease.denials",
		metric.WithDescription("Backend channel opens denied by a held lease"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
