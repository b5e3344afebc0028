package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"execution_engine/internal/core"
	"execution_engine/internal/portfolio"
	"execution_engine/internal/risk"
	"execution_engine/internal/router"
	"execution_engine/pkg/concurrency"
	apperrors "execution_engine/pkg/errors"
	"execution_engine/pkg/telemetry"
)

// Config bounds the manager's retry and dispatch behavior.
type Config struct {
	SubmitTimeout     time.Duration
	MaxSubmitAttempts int
	MaxCommitRetries  int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	DailyResetHourUTC int
	Workers           int
	QueueSize         int

	// MarkRefreshInterval bounds each tick-streaming window; the symbol set
	// for the stream is re-collected from open positions at every window.
	MarkRefreshInterval time.Duration

	// TerminalRetention is how long finished orders stay queryable before
	// the sweep evicts them.
	TerminalRetention time.Duration
}

// Manager owns the order lifecycle: it sizes signals, runs them through the
// risk engine, routes survivors, dispatches submissions on a worker pool,
// and applies fills to the portfolio. The order map is mutated only by the
// command loop goroutine.
type Manager struct {
	cfg    Config
	store  *portfolio.Store
	sizer  *risk.Sizer
	engine *risk.Engine
	router *router.Router
	market core.IMarketData
	sink   core.IMonitorSink
	logger core.ILogger
	pool   *concurrency.WorkerPool
	tracer trace.Tracer

	commands chan func()
	orders   map[string]*TrackedOrder
	adapters map[string]core.IBrokerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the manager. Start must be called before signals are
// handled.
func NewManager(
	cfg Config,
	store *portfolio.Store,
	sizer *risk.Sizer,
	engine *risk.Engine,
	rtr *router.Router,
	market core.IMarketData,
	sink core.IMonitorSink,
	logger core.ILogger,
) *Manager {
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = 3
	}
	if cfg.MaxCommitRetries <= 0 {
		cfg.MaxCommitRetries = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MarkRefreshInterval == 0 {
		cfg.MarkRefreshInterval = 5 * time.Second
	}
	if cfg.TerminalRetention == 0 {
		cfg.TerminalRetention = time.Hour
	}

	return &Manager{
		cfg:    cfg,
		store:  store,
		sizer:  sizer,
		engine: engine,
		router: rtr,
		market: market,
		sink:   sink,
		logger: logger.WithField("component", "lifecycle_manager"),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "order-dispatch",
			MaxWorkers: cfg.Workers,
		}, logger),
		tracer:   telemetry.GetTracer("lifecycle"),
		commands: make(chan func(), cfg.QueueSize),
		orders:   make(map[string]*TrackedOrder),
		adapters: make(map[string]core.IBrokerAdapter),
	}
}

// Start launches the command loop, the mark-to-market stream, the terminal
// order sweep, and the daily reset timer.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.commandLoop()

	m.wg.Add(1)
	go m.markLoop()

	m.wg.Add(1)
	go m.evictLoop()

	m.wg.Add(1)
	go m.dailyResetLoop()
}

// Stop drains in-flight dispatches and stops the loops.
func (m *Manager) Stop() {
	m.pool.Stop()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// AttachBroker starts consuming the adapter's fill stream. Fills feed the
// serialized apply path.
func (m *Manager) AttachBroker(adapter core.IBrokerAdapter) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := adapter.StreamFills(m.ctx, m.OnFill); err != nil && m.ctx.Err() == nil {
			m.logger.Error("Fill stream terminated", "venue", adapter.Name(), "error", err)
		}
	}()
}

func (m *Manager) commandLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case cmd := <-m.commands:
			cmd()
		}
	}
}

// do runs fn on the command loop and waits for it, serializing every order
// map mutation.
func (m *Manager) do(fn func()) {
	done := make(chan struct{})
	select {
	case m.commands <- func() {
		defer close(done)
		fn()
	}:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

// HandleSignal runs one signal through sizing, risk evaluation, reservation,
// and routing, then dispatches the submission asynchronously. The returned
// decision is nil when the signal sized to zero.
func (m *Manager) HandleSignal(ctx context.Context, signal core.Signal) (*risk.Decision, error) {
	ctx, span := m.tracer.Start(ctx, "HandleSignal",
		trace.WithAttributes(
			attribute.String("signal.id", signal.ID),
			attribute.String("signal.symbol", signal.Symbol),
		))
	defer span.End()

	quote, err := m.market.GetQuote(ctx, signal.Symbol)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("quote lookup for %s: %w", signal.Symbol, err)
	}

	now := time.Now().UTC()
	limits := m.engine.Limits()
	qty, err := m.sizer.Size(signal, m.store.Snapshot(), limits, quote, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if qty == 0 {
		m.logger.Debug("Signal sized to zero", "signal_id", signal.ID, "symbol", signal.Symbol)
		return nil, nil
	}

	side := core.SideBuy
	if signal.Direction == core.DirectionShort {
		side = core.SideSell
	}

	// Optimistic concurrency: evaluate against a snapshot, reserve at that
	// version, and re-evaluate from scratch when another commit won the race.
	var decision risk.Decision
	var tracked *TrackedOrder
	for commit := 0; ; commit++ {
		snap := m.store.Snapshot()

		order, err := core.NewOrder(router.ClientOrderID(signal.ID, 1),
			signal.Symbol, side, qty, 0, signal.ID)
		if err != nil {
			return nil, err
		}
		order.Attempt = 1
		order.SnapshotVersion = snap.Version

		decision = m.engine.Evaluate(order, snap, quote, time.Now().UTC())
		if decision.Verdict == risk.VerdictReject {
			m.recordRejection(ctx, decision, order)
			return &decision, nil
		}

		approved := decision.Order
		notional := core.Cents(approved.Quantity) * quote.Price
		if _, err := m.store.Reserve(ctx, approved.Symbol, notional, snap.Version); err != nil {
			if errors.Is(err, apperrors.ErrConcurrencyConflict) && commit < m.cfg.MaxCommitRetries {
				continue
			}
			span.RecordError(err)
			return nil, err
		}

		tracked = NewTrackedOrder(approved, notional)
		break
	}

	order := tracked.Order
	if err := tracked.Transition(core.StatusValidated, decision.ReasonCode); err != nil {
		return nil, err
	}

	venue, err := m.router.Route(order)
	if err != nil {
		m.store.Release(ctx, order.Symbol, tracked.ReservedNotional)
		_ = tracked.Transition(core.StatusRejected, "no venue available")
		m.emit(core.EventOrderRejected, "routing_unavailable", order)
		telemetry.GetGlobalMetrics().CountRejection(ctx, "routing_unavailable")
		span.RecordError(err)
		return nil, err
	}
	if err := tracked.Transition(core.StatusRouted, venue.Name); err != nil {
		return nil, err
	}

	m.do(func() {
		m.orders[order.ID] = tracked
		m.adapters[order.ID] = venue.Adapter
		m.updateActiveGauge()
	})

	adapter := venue.Adapter
	if err := m.pool.Submit(func() { m.submit(order.ID, adapter) }); err != nil {
		m.do(func() { m.finalize(tracked, core.StatusRejected, "dispatch queue full") })
		return nil, err
	}

	return &decision, nil
}

func (m *Manager) recordRejection(ctx context.Context, decision risk.Decision, order *core.Order) {
	metrics := telemetry.GetGlobalMetrics()
	metrics.CountRiskBreach(ctx, decision.ReasonCode)
	metrics.CountRejection(ctx, decision.ReasonCode)

	eventType := core.EventRiskLimitBreached
	if decision.ReasonCode == risk.ReasonDailyLossHalt {
		eventType = core.EventDailyLossHalt
		metrics.SetHaltActive(true)
	}
	m.emit(eventType, decision.ReasonCode, order)

	m.logger.Warn("Order rejected by risk engine",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"reason", decision.ReasonCode,
		"snapshot_version", decision.SnapshotVersion)
}

// submit dispatches an order to its venue, retrying transient failures with
// the same client order id and reconciling through status queries when a
// response may have been lost.
func (m *Manager) submit(orderID string, adapter core.IBrokerAdapter) {
	var order *core.Order
	m.do(func() {
		if tracked, ok := m.orders[orderID]; ok {
			if err := tracked.Transition(core.StatusSubmitted, adapter.Name()); err == nil {
				order = tracked.Order.Clone()
			}
		}
	})
	if order == nil {
		return
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.CountSubmitted(m.ctx, adapter.Name())

	backoff := m.cfg.InitialBackoff
	for attempt := 1; attempt <= m.cfg.MaxSubmitAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(m.ctx, m.cfg.SubmitTimeout)
		start := time.Now()
		ack, err := adapter.SubmitOrder(callCtx, order)
		cancel()
		metrics.RecordBrokerLatency(m.ctx, adapter.Name(), float64(time.Since(start).Milliseconds()))

		if err == nil {
			if ack.Status == core.AckRejected {
				m.do(func() {
					if tracked, ok := m.orders[orderID]; ok {
						m.finalize(tracked, core.StatusRejected, ack.Reason)
					}
				})
				return
			}
			m.do(func() {
				if tracked, ok := m.orders[orderID]; ok && tracked.Order.Status == core.StatusSubmitted {
					// A fill may have outrun the ack; only move Submitted orders.
					_ = tracked.Transition(core.StatusAcked, ack.VenueOrderID)
				}
			})
			return
		}

		if !apperrors.IsTransient(err) {
			m.do(func() {
				if tracked, ok := m.orders[orderID]; ok {
					m.finalize(tracked, core.StatusRejected, err.Error())
				}
			})
			return
		}

		// The submit may have succeeded with the response lost. Reconcile
		// before resubmitting; the client order id makes the resubmit a
		// no-op if the venue already has the order.
		if m.reconcile(orderID, adapter) {
			return
		}

		if attempt == m.cfg.MaxSubmitAttempts {
			break
		}
		metrics.CountRetry(m.ctx, adapter.Name())
		m.logger.Warn("Submit failed, retrying with same client order id",
			"order_id", orderID, "attempt", attempt, "error", err)

		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		if backoff *= 2; backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}

	m.do(func() {
		if tracked, ok := m.orders[orderID]; ok {
			m.finalize(tracked, core.StatusExpired, "submit retries exhausted")
		}
	})
}

// reconcile queries venue-side state after an ambiguous submit failure.
// Returns true when the order's fate is settled and the retry loop should
// stop.
func (m *Manager) reconcile(orderID string, adapter core.IBrokerAdapter) bool {
	queryCtx, cancel := context.WithTimeout(m.ctx, m.cfg.SubmitTimeout)
	status, err := adapter.QueryStatus(queryCtx, orderID)
	cancel()

	if err != nil {
		// Not found means the submit never landed; anything else leaves the
		// outcome unknown and the retry loop continues either way.
		return false
	}

	settled := false
	m.do(func() {
		tracked, ok := m.orders[orderID]
		if !ok || tracked.Order.Status != core.StatusSubmitted {
			settled = true
			return
		}
		switch {
		case status == core.StatusRejected:
			m.finalize(tracked, core.StatusRejected, "rejected at venue")
			settled = true
		case status.IsActive() || status == core.StatusFilled:
			// The venue has it; fills will arrive on the stream.
			_ = tracked.Transition(core.StatusAcked, "reconciled via status query")
			settled = true
		}
	})
	return settled
}

// OnFill routes an execution report into the serialized apply path. Safe to
// call from any goroutine.
func (m *Manager) OnFill(fill core.Fill) {
	m.do(func() { m.applyFill(fill) })
}

// applyFill runs on the command loop.
func (m *Manager) applyFill(fill core.Fill) {
	tracked, ok := m.orders[fill.OrderID]
	if !ok {
		m.logger.Warn("Fill for unknown order dropped",
			"order_id", fill.OrderID, "symbol", fill.Symbol, "quantity", fill.Quantity)
		return
	}

	order := tracked.Order
	if order.Status == core.StatusFilled {
		m.logger.Warn("Duplicate fill dropped", "order_id", fill.OrderID)
		return
	}

	lateFill := order.Status.IsTerminal()
	if !lateFill {
		prevNotional := core.Cents(order.FilledQuantity) * order.AvgFillPrice
		order.FilledQuantity += fill.Quantity
		order.AvgFillPrice = (prevNotional + core.Cents(fill.Quantity)*fill.Price) /
			core.Cents(order.FilledQuantity)

		target := core.StatusPartiallyFilled
		if order.FilledQuantity >= order.Quantity {
			target = core.StatusFilled
		}
		if err := tracked.Transition(target, fill.Venue); err != nil {
			m.logger.Error("Fill transition failed", "order_id", fill.OrderID, "error", err)
			return
		}
	} else {
		// Cancelled or expired at our end but the venue executed anyway.
		// The portfolio must reflect the economic reality.
		m.logger.Warn("Fill after terminal state, applying to portfolio",
			"order_id", fill.OrderID, "status", order.Status)
	}

	if _, err := m.store.ApplyFill(m.ctx, fill); err != nil {
		m.logger.Error("Failed to apply fill to portfolio", "order_id", fill.OrderID, "error", err)
		return
	}

	notional := core.Cents(fill.Quantity) * fill.Price
	if tracked.ReservedNotional -= notional; tracked.ReservedNotional < 0 {
		tracked.ReservedNotional = 0
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.CountFillApplied(m.ctx, fill.Venue)
	m.emit(core.EventFillReceived, "", order)

	if order.Status == core.StatusFilled {
		metrics.CountFilled(m.ctx)
		m.releaseRemainder(tracked)
	}
	m.updateActiveGauge()
}

// Cancel requests venue-side cancellation. Fills that land before the
// cancel confirmation win for their quantity; the order keeps them.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	var adapter core.IBrokerAdapter
	var exists bool
	m.do(func() {
		tracked, ok := m.orders[orderID]
		if !ok {
			return
		}
		exists = true
		if tracked.Order.Status.IsTerminal() {
			return
		}
		adapter = m.adapters[orderID]
	})
	if !exists {
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if adapter == nil {
		return nil // already terminal
	}

	ack, err := adapter.CancelOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}

	m.do(func() {
		tracked, ok := m.orders[orderID]
		if !ok || tracked.Order.Status.IsTerminal() {
			// A fill completed the order while the cancel was in flight.
			return
		}
		if ack.Status == core.AckAccepted {
			m.finalize(tracked, core.StatusCancelled, "cancelled by request")
		}
	})
	return nil
}

// GetOrder returns a copy of a tracked order.
func (m *Manager) GetOrder(orderID string) (*core.Order, bool) {
	var out *core.Order
	m.do(func() {
		if tracked, ok := m.orders[orderID]; ok {
			out = tracked.Order.Clone()
		}
	})
	return out, out != nil
}

// ActiveOrders returns copies of all non-terminal orders.
func (m *Manager) ActiveOrders() []*core.Order {
	var out []*core.Order
	m.do(func() {
		for _, tracked := range m.orders {
			if !tracked.Order.Status.IsTerminal() {
				out = append(out, tracked.Order.Clone())
			}
		}
	})
	return out
}

// finalize moves an order to a terminal state, releases its remaining
// reservation, and emits the matching event. Runs on the command loop.
func (m *Manager) finalize(tracked *TrackedOrder, status core.OrderStatus, reason string) {
	if tracked.Order.Status.IsTerminal() {
		return
	}
	if err := tracked.Transition(status, reason); err != nil {
		m.logger.Error("Terminal transition failed",
			"order_id", tracked.Order.ID, "target", status, "error", err)
		return
	}
	m.releaseRemainder(tracked)

	metrics := telemetry.GetGlobalMetrics()
	switch status {
	case core.StatusRejected:
		metrics.CountRejection(m.ctx, "venue_rejected")
		m.emit(core.EventOrderRejected, reason, tracked.Order)
	case core.StatusExpired:
		metrics.CountExpired(m.ctx)
		m.emit(core.EventOrderExpired, reason, tracked.Order)
	case core.StatusCancelled:
		metrics.CountCancelled(m.ctx)
	}
	m.updateActiveGauge()
}

func (m *Manager) releaseRemainder(tracked *TrackedOrder) {
	if tracked.ReservedNotional > 0 {
		m.store.Release(m.ctx, tracked.Order.Symbol, tracked.ReservedNotional)
		tracked.ReservedNotional = 0
	}
}

func (m *Manager) updateActiveGauge() {
	var active int64
	for _, tracked := range m.orders {
		if !tracked.Order.Status.IsTerminal() {
			active++
		}
	}
	telemetry.GetGlobalMetrics().SetActiveOrders(active)
}

func (m *Manager) emit(eventType core.EventType, reason string, order *core.Order) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(core.MonitorEvent{
		Type:       eventType,
		ReasonCode: reason,
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Timestamp:  time.Now().UTC(),
		Fields: map[string]string{
			"status":   string(order.Status),
			"quantity": fmt.Sprintf("%d", order.Quantity),
			"filled":   fmt.Sprintf("%d", order.FilledQuantity),
		},
	})
}

// markLoop keeps open positions marked to market between fills so unrealized
// P&L, and the daily-loss halt that depends on it, track adverse moves. Each
// window streams ticks for the symbols currently held, then the symbol set is
// re-collected so the stream follows the book.
func (m *Manager) markLoop() {
	defer m.wg.Done()
	for {
		symbols := m.openSymbols()
		if len(symbols) == 0 {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(m.cfg.MarkRefreshInterval):
			}
			continue
		}

		streamCtx, cancel := context.WithTimeout(m.ctx, m.cfg.MarkRefreshInterval)
		err := m.market.StreamTicks(streamCtx, symbols, func(q core.Quote) {
			m.store.UpdateMark(m.ctx, q.Symbol, q.Price, q.Timestamp)
		})
		cancel()
		if m.ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			m.logger.Warn("Tick stream interrupted", "error", err)
		}
	}
}

func (m *Manager) openSymbols() []string {
	snap := m.store.Snapshot()
	symbols := make([]string, 0, len(snap.Positions))
	for sym, pos := range snap.Positions {
		if pos.NetQuantity != 0 {
			symbols = append(symbols, sym)
		}
	}
	return symbols
}

// evictLoop drops terminal orders that outlived the retention window so the
// order map stays bounded on long sessions.
func (m *Manager) evictLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.TerminalRetention)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-m.cfg.TerminalRetention)
			m.do(func() {
				for id, tracked := range m.orders {
					if tracked.Order.Status.IsTerminal() && tracked.Order.UpdatedAt.Before(cutoff) {
						delete(m.orders, id)
						delete(m.adapters, id)
					}
				}
			})
		}
	}
}

// dailyResetLoop fires the session rollover at the configured UTC hour:
// daily counters re-base and the loss halt clears.
func (m *Manager) dailyResetLoop() {
	defer m.wg.Done()
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), m.cfg.DailyResetHourUTC, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			m.store.ResetDay(m.ctx)
			m.engine.ResetDaily()
			telemetry.GetGlobalMetrics().SetHaltActive(false)
			m.logger.Info("Daily session reset complete")
		}
	}
}
