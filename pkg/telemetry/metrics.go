package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPollCyclesTotal       = "cart_sentinel_poll_cycles_total"
	MetricStockTransitionsTotal = "cart_sentinel_stock_transitions_total"
	MetricInsertAttemptsTotal   = "cart_sentinel_insert_attempts_total"
	MetricInsertSuccessTotal    = "cart_sentinel_insert_success_total"
	MetricFillerInsertsTotal    = "cart_sentinel_filler_inserts_total"
	MetricRefreshTotal          = "cart_sentinel_credential_refresh_total"
	MetricLoginTotal            = "cart_sentinel_login_total"
	MetricUpstreamLatency       = "cart_sentinel_upstream_latency_ms"
	MetricKeeperTicksTotal      = "cart_sentinel_keeper_ticks_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PollCyclesTotal       metric.Int64Counter
	StockTransitionsTotal metric.Int64Counter
	InsertAttemptsTotal   metric.Int64Counter
	InsertSuccessTotal    metric.Int64Counter
	FillerInsertsTotal    metric.Int64Counter
	RefreshTotal          metric.Int64Counter
	LoginTotal            metric.Int64Counter
	UpstreamLatency       metric.Float64Histogram
	KeeperTicksTotal      metric.Int64Counter
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.PollCyclesTotal, err = meter.Int64Counter(MetricPollCyclesTotal,
		metric.WithDescription("Completed stock watcher poll cycles")); err != nil {
		return err
	}
	if m.StockTransitionsTotal, err = meter.Int64Counter(MetricStockTransitionsTotal,
		metric.WithDescription("Observed per-variant stock count changes")); err != nil {
		return err
	}
	if m.InsertAttemptsTotal, err = meter.Int64Counter(MetricInsertAttemptsTotal,
		metric.WithDescription("Cart insertion attempts for watched variants")); err != nil {
		return err
	}
	if m.InsertSuccessTotal, err = meter.Int64Counter(MetricInsertSuccessTotal,
		metric.WithDescription("Successful cart insertions for watched variants")); err != nil {
		return err
	}
	if m.FillerInsertsTotal, err = meter.Int64Counter(MetricFillerInsertsTotal,
		metric.WithDescription("Filler items inserted by the reservation keeper")); err != nil {
		return err
	}
	if m.RefreshTotal, err = meter.Int64Counter(MetricRefreshTotal,
		metric.WithDescription("Credential refresh attempts by outcome")); err != nil {
		return err
	}
	if m.LoginTotal, err = meter.Int64Counter(MetricLoginTotal,
		metric.WithDescription("Interactive login attempts by outcome")); err != nil {
		return err
	}
	if m.UpstreamLatency, err = meter.Float64Histogram(MetricUpstreamLatency,
		metric.WithDescription("Latency of upstream API calls"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.KeeperTicksTotal, err = meter.Int64Counter(MetricKeeperTicksTotal,
		metric.WithDescription("Reservation keeper ticks executed")); err != nil {
		return err
	}

	return nil
}
