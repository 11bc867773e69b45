package txmanager

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xiaoxuxiansheng/goxa/heuristic"
	"github.com/xiaoxuxiansheng/goxa/log"
)

type txMetrics struct {
	completed      metric.Int64Counter
	heuristics     metric.Int64Counter
	retries        metric.Int64Counter
	reconnects     metric.Int64Counter
	commitDuration metric.Int64Histogram
}

func newTxMetrics(meter metric.Meter) *txMetrics {
	if meter == nil {
		meter = otel.Meter("github.com/xiaoxuxiansheng/goxa/txmanager")
	}
	m := &txMetrics{}
	var err error

	m.completed, err = meter.Int64Counter(
		"goxa.tx.completed",
		metric.WithDescription("Transactions reaching a terminal state"),
	)
	logMetricInitError("goxa.tx.completed", err)

	m.heuristics, err = meter.Int64Counter(
		"goxa.tx.heuristic",
		metric.WithDescription("Heuristic outcomes reported by participants"),
	)
	logMetricInitError("goxa.tx.heuristic", err)

	m.retries, err = meter.Int64Counter(
		"goxa.tx.retries",
		metric.WithDescription("Completion retries driven by the recovery poller"),
	)
	logMetricInitError("goxa.tx.retries", err)

	m.reconnects, err = meter.Int64Counter(
		"goxa.rm.reconnects",
		metric.WithDescription("Resource manager reconnect attempts"),
	)
	logMetricInitError("goxa.rm.reconnects", err)

	m.commitDuration, err = meter.Int64Histogram(
		"goxa.tx.commit.duration_ms",
		metric.WithDescription("Time spent in commit processing"),
		metric.WithUnit("ms"),
	)
	logMetricInitError("goxa.tx.commit.duration_ms", err)

	return m
}

func (m *txMetrics) recordCompleted(ctx context.Context, state State) {
	if m == nil || m.completed == nil {
		return
	}
	m.completed.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("goxa.tx.state", state.String())))
}

func (m *txMetrics) recordHeuristic(ctx context.Context, outcome heuristic.Outcome) {
	if m == nil || m.heuristics == nil {
		return
	}
	m.heuristics.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("goxa.tx.outcome", outcome.String())))
}

func (m *txMetrics) recordRetry(ctx context.Context, state State) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("goxa.tx.state", state.String())))
}

func (m *txMetrics) recordReconnect(ctx context.Context, factory string, ok bool) {
	if m == nil || m.reconnects == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("goxa.rm.factory", factory),
		attribute.Bool("goxa.rm.reconnected", ok),
	}
	m.reconnects.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *txMetrics) recordCommit(ctx context.Context, state State, duration time.Duration) {
	if m == nil || m.commitDuration == nil {
		return
	}
	m.commitDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attribute.String("goxa.tx.state", state.String())))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(name string, err error) {
	if err == nil {
		return
	}
	log.Warnf("telemetry metric init failed, name: %s, err: %v", name, err)
}
