package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution_engine/internal/broker"
	"execution_engine/internal/core"
	"execution_engine/internal/logging"
	"execution_engine/internal/marketdata"
	"execution_engine/internal/portfolio"
	"execution_engine/internal/risk"
	"execution_engine/internal/router"
)

type captureSink struct {
	mu     sync.Mutex
	events []core.MonitorEvent
}

func (s *captureSink) Emit(event core.MonitorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) byType(t core.EventType) []core.MonitorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.MonitorEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	manager *Manager
	store   *portfolio.Store
	broker  *broker.MockBroker
	market  *marketdata.StaticProvider
	engine  *risk.Engine
	sink    *captureSink
}

func testLimits() core.RiskLimits {
	return core.RiskLimits{
		ConfigVersion:      1,
		MaxPositionPct:     0.10,
		MaxDailyLossPct:    0.02,
		MaxOrdersPerWindow: 10,
		OrderRateWindow:    60 * time.Second,
		MaxDailyTrades:     100,
		StalenessThreshold: 5 * time.Second,
	}
}

func newFixture(t *testing.T, mockCfg broker.MockConfig) *fixture {
	t.Helper()
	return newFixtureWith(t, mockCfg, nil)
}

func newFixtureWith(t *testing.T, mockCfg broker.MockConfig, tune func(*Config)) *fixture {
	t.Helper()
	logger := logging.NewNopLogger()
	ctx := context.Background()

	store, err := portfolio.NewStore(ctx, 10_000_000, nil, false, logger)
	require.NoError(t, err)

	sizer, err := risk.NewSizer(risk.SizerConfig{
		Policy:          risk.PolicyVolatilityScaled,
		PerTradeRiskPct: 0.02,
	})
	require.NoError(t, err)

	engine, err := risk.NewEngine(testLimits(), logger)
	require.NoError(t, err)

	mockCfg.Name = "mock"
	mock := broker.NewMockBroker(mockCfg, logger)

	registry := router.NewRegistry()
	require.NoError(t, registry.Register(&router.Venue{
		Name:           "mock",
		FeeBps:         2,
		LiquidityScore: 0.9,
		LatencyMillis:  5,
		Adapter:        mock,
	}))
	rtr, err := router.NewRouter(registry, router.PolicyBestScore, nil, 100, logger)
	require.NoError(t, err)

	market := marketdata.NewStaticProvider(map[string]core.Quote{
		"ES": {Symbol: "ES", Price: 15000, Volatility: 500, Timestamp: time.Now().UTC()},
	})

	sink := &captureSink{}
	cfg := Config{
		SubmitTimeout:       200 * time.Millisecond,
		MaxSubmitAttempts:   2,
		MaxCommitRetries:    3,
		InitialBackoff:      10 * time.Millisecond,
		MaxBackoff:          50 * time.Millisecond,
		Workers:             4,
		MarkRefreshInterval: 20 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	manager := NewManager(cfg, store, sizer, engine, rtr, market, sink, logger)

	manager.Start(context.Background())
	t.Cleanup(manager.Stop)
	manager.AttachBroker(mock)

	return &fixture{
		manager: manager,
		store:   store,
		broker:  mock,
		market:  market,
		engine:  engine,
		sink:    sink,
	}
}

func signal(t *testing.T, id string) core.Signal {
	t.Helper()
	sig, err := core.NewSignal(id, "ES", core.DirectionLong, 1.0, time.Now().UTC(), "strat-a")
	require.NoError(t, err)
	return sig
}

func (f *fixture) waitStatus(t *testing.T, orderID string, want core.OrderStatus) *core.Order {
	t.Helper()
	var got *core.Order
	require.Eventually(t, func() bool {
		order, ok := f.manager.GetOrder(orderID)
		if !ok {
			return false
		}
		got = order
		return order.Status == want
	}, 2*time.Second, 10*time.Millisecond, "order %s never reached %s (last: %+v)", orderID, want, got)
	return got
}

func TestSignalSizedCappedAndFilled(t *testing.T) {
	f := newFixture(t, broker.MockConfig{AutoFill: true, DefaultPrice: 15000})

	decision, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-1"))
	require.NoError(t, err)
	require.NotNil(t, decision)

	// Sized to 400, truncated to 66 by the 10% position cap.
	assert.Equal(t, risk.VerdictAdjust, decision.Verdict)
	assert.Equal(t, risk.ReasonPositionCap, decision.ReasonCode)
	assert.Equal(t, int64(66), decision.Order.Quantity)

	order := f.waitStatus(t, "sig-1-1", core.StatusFilled)
	assert.Equal(t, int64(66), order.FilledQuantity)
	assert.Equal(t, core.Cents(15000), order.AvgFillPrice)

	// The fill landed in the portfolio and the reservation fully converted.
	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		return snap.Positions["ES"].NetQuantity == 66 && snap.Reserved["ES"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRiskRejectionShortCircuits(t *testing.T) {
	f := newFixture(t, broker.MockConfig{})

	// Exhaust the symbol's headroom with an in-flight reservation.
	_, err := f.store.Reserve(context.Background(), "ES", 1_000_000, f.store.Version())
	require.NoError(t, err)

	decision, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-2"))
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, risk.VerdictReject, decision.Verdict)
	assert.Equal(t, risk.ReasonPositionCap, decision.ReasonCode)

	// Nothing reached the venue.
	assert.Zero(t, f.broker.SubmitAttempts("sig-2-1"))
	assert.Len(t, f.sink.byType(core.EventRiskLimitBreached), 1)
}

func TestLostAckReconciledWithoutDuplicate(t *testing.T) {
	f := newFixture(t, broker.MockConfig{})
	f.broker.FailSubmits(1, true)

	_, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-3"))
	require.NoError(t, err)

	// The venue accepted the order even though the response was lost; the
	// reconcile path adopts it instead of resubmitting.
	f.waitStatus(t, "sig-3-1", core.StatusAcked)
	assert.Equal(t, 1, f.broker.SubmitAttempts("sig-3-1"))
}

func TestSubmitRetriesThenExpires(t *testing.T) {
	f := newFixture(t, broker.MockConfig{})
	// Every submit fails and nothing lands at the venue, so reconciliation
	// finds no order and the attempt budget runs out.
	f.broker.FailSubmits(10, false)

	_, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-4"))
	require.NoError(t, err)

	f.waitStatus(t, "sig-4-1", core.StatusExpired)
	assert.Len(t, f.sink.byType(core.EventOrderExpired), 1)

	// The reservation was returned.
	require.Eventually(t, func() bool {
		return f.store.Snapshot().Reserved["ES"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVenueRejectionIsTerminal(t *testing.T) {
	f := newFixture(t, broker.MockConfig{})
	f.broker.RejectNext("insufficient margin")

	_, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-5"))
	require.NoError(t, err)

	f.waitStatus(t, "sig-5-1", core.StatusRejected)
	events := f.sink.byType(core.EventOrderRejected)
	require.Len(t, events, 1)
	assert.Equal(t, "insufficient margin", events[0].ReasonCode)

	require.Eventually(t, func() bool {
		return f.store.Snapshot().Reserved["ES"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelReleasesReservation(t *testing.T) {
	f := newFixture(t, broker.MockConfig{})

	_, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-6"))
	require.NoError(t, err)
	f.waitStatus(t, "sig-6-1", core.StatusAcked)

	require.NoError(t, f.manager.Cancel(context.Background(), "sig-6-1"))
	f.waitStatus(t, "sig-6-1", core.StatusCancelled)

	require.Eventually(t, func() bool {
		return f.store.Snapshot().Reserved["ES"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFillBeforeCancelConfirmationWins(t *testing.T) {
	f := newFixture(t, broker.MockConfig{})

	_, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-7"))
	require.NoError(t, err)
	f.waitStatus(t, "sig-7-1", core.StatusAcked)

	// Partial execution lands, then the order is cancelled. The filled
	// quantity is retained; only the remainder is cancelled.
	f.broker.EmitFill(core.Fill{
		OrderID: "sig-7-1", Symbol: "ES", Side: core.SideBuy,
		Quantity: 30, Price: 15000, Venue: "mock", Timestamp: time.Now().UTC(),
	})
	f.waitStatus(t, "sig-7-1", core.StatusPartiallyFilled)

	require.NoError(t, f.manager.Cancel(context.Background(), "sig-7-1"))
	order := f.waitStatus(t, "sig-7-1", core.StatusCancelled)
	assert.Equal(t, int64(30), order.FilledQuantity)

	snap := f.store.Snapshot()
	assert.Equal(t, int64(30), snap.Positions["ES"].NetQuantity)
	require.Eventually(t, func() bool {
		return f.store.Snapshot().Reserved["ES"] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCompletedOrderSurvivesCancelAttempt(t *testing.T) {
	f := newFixture(t, broker.MockConfig{AutoFill: true, DefaultPrice: 15000})

	_, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-8"))
	require.NoError(t, err)
	f.waitStatus(t, "sig-8-1", core.StatusFilled)

	// Cancel after completion is a no-op, not an error.
	require.NoError(t, f.manager.Cancel(context.Background(), "sig-8-1"))
	order, ok := f.manager.GetOrder("sig-8-1")
	require.True(t, ok)
	assert.Equal(t, core.StatusFilled, order.Status)
}

func TestZeroQuantitySignalIsNoTrade(t *testing.T) {
	f := newFixture(t, broker.MockConfig{})

	sig, err := core.NewSignal("sig-9", "ES", core.DirectionFlat, 1.0, time.Now().UTC(), "strat-a")
	require.NoError(t, err)

	decision, err := f.manager.HandleSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.Nil(t, decision)
	assert.Empty(t, f.manager.ActiveOrders())
}

func TestOpenPositionsMarkedToMarket(t *testing.T) {
	f := newFixture(t, broker.MockConfig{AutoFill: true, DefaultPrice: 15000})

	_, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-12"))
	require.NoError(t, err)
	f.waitStatus(t, "sig-12-1", core.StatusFilled)

	// The market moves against the position with no further fills; the tick
	// stream must refresh the mark and unrealized P&L.
	f.market.SetQuote(core.Quote{Symbol: "ES", Price: 14000, Volatility: 500, Timestamp: time.Now().UTC()})

	require.Eventually(t, func() bool {
		pos := f.store.Snapshot().Positions["ES"]
		return pos.MarkPrice == 14000 && pos.UnrealizedPnL == -66_000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTerminalOrdersEvicted(t *testing.T) {
	f := newFixtureWith(t, broker.MockConfig{AutoFill: true, DefaultPrice: 15000}, func(c *Config) {
		c.TerminalRetention = 30 * time.Millisecond
	})

	_, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-13"))
	require.NoError(t, err)
	f.waitStatus(t, "sig-13-1", core.StatusFilled)

	require.Eventually(t, func() bool {
		_, ok := f.manager.GetOrder("sig-13-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentSignalsCannotJointlyBreachCap(t *testing.T) {
	f := newFixture(t, broker.MockConfig{})

	// First order reserves its notional; the second is evaluated against a
	// snapshot that already counts the in-flight exposure.
	first, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-10"))
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotEqual(t, risk.VerdictReject, first.Verdict)

	second, err := f.manager.HandleSignal(context.Background(), signal(t, "sig-11"))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, risk.VerdictReject, second.Verdict)
	assert.Equal(t, risk.ReasonPositionCap, second.ReasonCode)
}
