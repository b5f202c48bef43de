package health

import (
	"context"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

// Metrics publishes the health table through OpenTelemetry.
type Metrics struct {
	requests  metric.Int64Counter
	failures  metric.Int64Counter
	recycles  metric.Int64Counter
	harakiri  metric.Int64Counter
	duration  metric.Float64Histogram
	rssBytes  metric.Int64ObservableGauge
	vszBytes  metric.Int64ObservableGauge
	busySlots metric.Int64ObservableGauge
}

// NewMetrics registers instruments on the global meter provider and observes
// table on every collection.
func NewMetrics(table *Table, logger pslog.Logger) *Metrics {
	meter := otel.Meter("github.com/blue-goji/uwsgi/health")
	m := &Metrics{}
	var err error

	m.requests, err = meter.Int64Counter("uwsgi.worker.requests",
		metric.WithDescription("Requests closed by the worker"))
	logMetricInitError(logger, "uwsgi.worker.requests", err)

	m.failures, err = meter.Int64Counter("uwsgi.worker.failures",
		metric.WithDescription("Requests that failed before or during dispatch"))
	logMetricInitError(logger, "uwsgi.worker.failures", err)

	m.recycles, err = meter.Int64Counter("uwsgi.worker.recycles",
		metric.WithDescription("Worker retirements by reason"))
	logMetricInitError(logger, "uwsgi.worker.recycles", err)

	m.harakiri, err = meter.Int64Counter("uwsgi.worker.harakiri",
		metric.WithDescription("Harakiri watchdog expiries"))
	logMetricInitError(logger, "uwsgi.worker.harakiri", err)

	m.duration, err = meter.Float64Histogram("uwsgi.request.duration",
		metric.WithDescription("Request running time"),
		metric.WithUnit("s"))
	logMetricInitError(logger, "uwsgi.request.duration", err)

	m.rssBytes, err = meter.Int64ObservableGauge("uwsgi.worker.rss.bytes",
		metric.WithDescription("Last sampled resident size"),
		metric.WithUnit("By"))
	logMetricInitError(logger, "uwsgi.worker.rss.bytes", err)

	m.vszBytes, err = meter.Int64ObservableGauge("uwsgi.worker.vsz.bytes",
		metric.WithDescription("Last sampled address space size"),
		metric.WithUnit("By"))
	logMetricInitError(logger, "uwsgi.worker.vsz.bytes", err)

	m.busySlots, err = meter.Int64ObservableGauge("uwsgi.worker.busy_slots",
		metric.WithDescription("Slots currently inside a request"))
	logMetricInitError(logger, "uwsgi.worker.busy_slots", err)

	if table != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			for _, r := range table.Records() {
				attrs := metric.WithAttributes(attribute.Int("uwsgi.worker.id", r.ID))
				rss, vsz := r.Memory()
				o.ObserveInt64(m.rssBytes, clampUint64(rss), attrs)
				o.ObserveInt64(m.vszBytes, clampUint64(vsz), attrs)
				o.ObserveInt64(m.busySlots, int64(r.Busy()), attrs)
			}
			return nil
		}, m.rssBytes, m.vszBytes, m.busySlots); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "uwsgi.worker", "error", err)
		}
	}
	return m
}

// RequestClosed records one closed request.
func (m *Metrics) RequestClosed(ctx context.Context, worker int, protocol string, status int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int("uwsgi.worker.id", worker),
		attribute.String("uwsgi.protocol", protocol),
		attribute.Int("uwsgi.status", status),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil && seconds > 0 {
		m.duration.Record(ctx, seconds, attrs)
	}
}

// RequestFailed records a transient failure at stage.
func (m *Metrics) RequestFailed(ctx context.Context, worker int, stage string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("uwsgi.worker.id", worker),
		attribute.String("uwsgi.stage", stage),
	))
}

// Recycled records a worker retirement under its cause.
func (m *Metrics) Recycled(ctx context.Context, worker int, cause RecycleCause) {
	if m == nil || m.recycles == nil {
		return
	}
	m.recycles.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("uwsgi.worker.id", worker),
		attribute.String("uwsgi.recycle.reason", string(cause)),
	))
}

// HarakiriExpired records a watchdog expiry.
func (m *Metrics) HarakiriExpired(ctx context.Context, worker int) {
	if m == nil || m.harakiri == nil {
		return
	}
	m.harakiri.Add(ctx, 1, metric.WithAttributes(attribute.Int("uwsgi.worker.id", worker)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func clampUint64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
