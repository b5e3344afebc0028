package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersSubmittedTotal = "execution_orders_submitted_total"
	MetricOrdersFilledTotal    = "execution_orders_filled_total"
	MetricOrdersRejectedTotal  = "execution_orders_rejected_total"
	MetricOrdersExpiredTotal   = "execution_orders_expired_total"
	MetricOrdersCancelledTotal = "execution_orders_cancelled_total"
	MetricFillsAppliedTotal    = "execution_fills_applied_total"
	MetricRiskBreachesTotal    = "execution_risk_breaches_total"
	MetricRetriesTotal         = "execution_broker_retries_total"
	MetricBrokerLatency        = "execution_broker_latency_ms"
	MetricPortfolioEquity      = "execution_portfolio_equity_cents"
	MetricDailyRealizedPnL     = "execution_daily_realized_pnl_cents"
	MetricOrdersActive         = "execution_orders_active"
	MetricHaltActive           = "execution_daily_loss_halt_active"
)

// MetricsHolder holds initialized instruments.
type MetricsHolder struct {
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	OrdersExpiredTotal   metric.Int64Counter
	OrdersCancelledTotal metric.Int64Counter
	FillsAppliedTotal    metric.Int64Counter
	RiskBreachesTotal    metric.Int64Counter
	RetriesTotal         metric.Int64Counter
	BrokerLatency        metric.Float64Histogram
	PortfolioEquity      metric.Int64ObservableGauge
	DailyRealizedPnL     metric.Int64ObservableGauge
	OrdersActive         metric.Int64ObservableGauge
	HaltActive           metric.Int64ObservableGauge

	// State for observable gauges
	mu           sync.RWMutex
	equity       int64
	dailyPnL     int64
	activeOrders int64
	haltActive   int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal,
		metric.WithDescription("Total orders dispatched to a venue")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Total orders completely filled")); err != nil {
		return err
	}
	if m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal,
		metric.WithDescription("Total orders rejected by risk checks or the venue")); err != nil {
		return err
	}
	if m.OrdersExpiredTotal, err = meter.Int64Counter(MetricOrdersExpiredTotal,
		metric.WithDescription("Total orders expired after retry exhaustion")); err != nil {
		return err
	}
	if m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal,
		metric.WithDescription("Total orders cancelled")); err != nil {
		return err
	}
	if m.FillsAppliedTotal, err = meter.Int64Counter(MetricFillsAppliedTotal,
		metric.WithDescription("Total fills applied to the portfolio")); err != nil {
		return err
	}
	if m.RiskBreachesTotal, err = meter.Int64Counter(MetricRiskBreachesTotal,
		metric.WithDescription("Total risk limit breaches by reason")); err != nil {
		return err
	}
	if m.RetriesTotal, err = meter.Int64Counter(MetricRetriesTotal,
		metric.WithDescription("Total broker call retries")); err != nil {
		return err
	}
	if m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency,
		metric.WithDescription("Broker round-trip latency"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.PortfolioEquity, err = meter.Int64ObservableGauge(MetricPortfolioEquity,
		metric.WithDescription("Current portfolio equity in minor units"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.equity)
			return nil
		})); err != nil {
		return err
	}
	if m.DailyRealizedPnL, err = meter.Int64ObservableGauge(MetricDailyRealizedPnL,
		metric.WithDescription("Realized P&L since the session reset in minor units"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnL)
			return nil
		})); err != nil {
		return err
	}
	if m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive,
		metric.WithDescription("Orders currently in a non-terminal state"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeOrders)
			return nil
		})); err != nil {
		return err
	}
	if m.HaltActive, err = meter.Int64ObservableGauge(MetricHaltActive,
		metric.WithDescription("1 while the daily loss halt is active"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.haltActive)
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// SetPortfolioGauges updates the observable portfolio gauges.
func (m *MetricsHolder) SetPortfolioGauges(equity, dailyPnL int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
	m.dailyPnL = dailyPnL
}

// SetActiveOrders updates the active order gauge.
func (m *MetricsHolder) SetActiveOrders(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrders = n
}

// SetHaltActive updates the daily loss halt gauge.
func (m *MetricsHolder) SetHaltActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.haltActive = 1
	} else {
		m.haltActive = 0
	}
}

// CountRejection records a rejection with its reason code.
func (m *MetricsHolder) CountRejection(ctx context.Context, reason string) {
	if m.OrdersRejectedTotal == nil {
		return
	}
	m.OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// CountRiskBreach records a risk limit breach with its reason code.
func (m *MetricsHolder) CountRiskBreach(ctx context.Context, reason string) {
	if m.RiskBreachesTotal == nil {
		return
	}
	m.RiskBreachesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// CountSubmitted records one order dispatched to a venue.
func (m *MetricsHolder) CountSubmitted(ctx context.Context, venue string) {
	if m.OrdersSubmittedTotal == nil {
		return
	}
	m.OrdersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

// CountFilled records one completely filled order.
func (m *MetricsHolder) CountFilled(ctx context.Context) {
	if m.OrdersFilledTotal == nil {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1)
}

// CountExpired records one order expired after retry exhaustion.
func (m *MetricsHolder) CountExpired(ctx context.Context) {
	if m.OrdersExpiredTotal == nil {
		return
	}
	m.OrdersExpiredTotal.Add(ctx, 1)
}

// CountCancelled records one cancelled order.
func (m *MetricsHolder) CountCancelled(ctx context.Context) {
	if m.OrdersCancelledTotal == nil {
		return
	}
	m.OrdersCancelledTotal.Add(ctx, 1)
}

// CountFillApplied records one fill applied to the portfolio.
func (m *MetricsHolder) CountFillApplied(ctx context.Context, venue string) {
	if m.FillsAppliedTotal == nil {
		return
	}
	m.FillsAppliedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

// CountRetry records one broker call retry.
func (m *MetricsHolder) CountRetry(ctx context.Context, venue string) {
	if m.RetriesTotal == nil {
		return
	}
	m.RetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

// RecordBrokerLatency records one broker round trip in milliseconds.
func (m *MetricsHolder) RecordBrokerLatency(ctx context.Context, venue string, ms float64) {
	if m.BrokerLatency == nil {
		return
	}
	m.BrokerLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("venue", venue)))
}
