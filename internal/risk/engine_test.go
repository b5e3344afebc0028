package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution_engine/internal/core"
	"execution_engine/internal/logging"
)

func newTestEngine(t *testing.T, limits core.RiskLimits) *Engine {
	t.Helper()
	engine, err := NewEngine(limits, logging.NewNopLogger())
	require.NoError(t, err)
	return engine
}

func testOrder(t *testing.T, qty int64) *core.Order {
	t.Helper()
	order, err := core.NewOrder("sig-1-1", "ES", core.SideBuy, qty, 0, "sig-1")
	require.NoError(t, err)
	return order
}

func TestEvaluatePositionCapTruncates(t *testing.T) {
	engine := newTestEngine(t, testLimits())
	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}

	// 400 * 15,000 = 6,000,000 against a 1,000,000 cap (10% of 10,000,000):
	// truncated to floor(1,000,000 / 15,000) = 66.
	decision := engine.Evaluate(testOrder(t, 400), testSnapshot(10_000_000), quote, now)

	assert.Equal(t, VerdictAdjust, decision.Verdict)
	assert.Equal(t, ReasonPositionCap, decision.ReasonCode)
	assert.Equal(t, int64(66), decision.Order.Quantity)
	assert.Equal(t, uint64(1), decision.SnapshotVersion)
}

func TestEvaluateAllowUnderCap(t *testing.T) {
	engine := newTestEngine(t, testLimits())
	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}

	decision := engine.Evaluate(testOrder(t, 10), testSnapshot(10_000_000), quote, now)

	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.Equal(t, int64(10), decision.Order.Quantity)
	assert.Empty(t, decision.ReasonCode)
}

func TestEvaluateRejectsWhenNoHeadroom(t *testing.T) {
	engine := newTestEngine(t, testLimits())
	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}

	snap := testSnapshot(10_000_000)
	// Exposure already at the cap: reserved in-flight notional counts.
	snap.Reserved["ES"] = 1_000_000

	decision := engine.Evaluate(testOrder(t, 10), snap, quote, now)
	assert.Equal(t, VerdictReject, decision.Verdict)
	assert.Equal(t, ReasonPositionCap, decision.ReasonCode)
}

func TestEvaluateDailyLossHaltLatches(t *testing.T) {
	engine := newTestEngine(t, testLimits())
	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}

	snap := testSnapshot(10_000_000)
	snap.DailyRealizedPnL = -300_000 // budget is 2% of 10,000,000 = 200,000

	decision := engine.Evaluate(testOrder(t, 1), snap, quote, now)
	assert.Equal(t, VerdictReject, decision.Verdict)
	assert.Equal(t, ReasonDailyLossHalt, decision.ReasonCode)
	assert.True(t, engine.HaltActive())

	// Latched: a recovered P&L does not clear it.
	recovered := testSnapshot(10_000_000)
	decision = engine.Evaluate(testOrder(t, 1), recovered, quote, now)
	assert.Equal(t, VerdictReject, decision.Verdict)
	assert.Equal(t, ReasonDailyLossHalt, decision.ReasonCode)

	engine.ResetDaily()
	assert.False(t, engine.HaltActive())
	decision = engine.Evaluate(testOrder(t, 1), recovered, quote, now)
	assert.Equal(t, VerdictAllow, decision.Verdict)
}

func TestEvaluateUnrealizedLossCountsTowardHalt(t *testing.T) {
	engine := newTestEngine(t, testLimits())
	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}

	snap := testSnapshot(10_000_000)
	snap.DailyRealizedPnL = -150_000
	snap.Positions["NQ"] = core.Position{
		Symbol: "NQ", NetQuantity: 10, AvgEntryPrice: 20000,
		MarkPrice: 12000, UnrealizedPnL: -80_000,
	}

	decision := engine.Evaluate(testOrder(t, 1), snap, quote, now)
	assert.Equal(t, VerdictReject, decision.Verdict)
	assert.Equal(t, ReasonDailyLossHalt, decision.ReasonCode)
}

func TestEvaluateOrderRateWindow(t *testing.T) {
	limits := testLimits()
	limits.MaxOrdersPerWindow = 2
	engine := newTestEngine(t, limits)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}
	snap := testSnapshot(10_000_000)

	for i := 0; i < 2; i++ {
		decision := engine.Evaluate(testOrder(t, 1), snap, quote, now)
		require.Equal(t, VerdictAllow, decision.Verdict)
	}

	decision := engine.Evaluate(testOrder(t, 1), snap, quote, now)
	assert.Equal(t, VerdictReject, decision.Verdict)
	assert.Equal(t, ReasonOrderRate, decision.ReasonCode)
}

func TestEvaluateDailyTradeLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyTrades = 5
	engine := newTestEngine(t, limits)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}
	snap := testSnapshot(10_000_000)
	snap.DailyTradeCount = 5

	decision := engine.Evaluate(testOrder(t, 1), snap, quote, now)
	assert.Equal(t, VerdictReject, decision.Verdict)
	assert.Equal(t, ReasonDailyTradeLimit, decision.ReasonCode)
}

func TestEvaluateStaleQuoteRejects(t *testing.T) {
	engine := newTestEngine(t, testLimits())
	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now.Add(-time.Minute)}

	decision := engine.Evaluate(testOrder(t, 1), testSnapshot(10_000_000), quote, now)
	assert.Equal(t, VerdictReject, decision.Verdict)
	assert.Equal(t, ReasonStaleData, decision.ReasonCode)
}

func TestEvaluateConcentrationCapAcrossGroup(t *testing.T) {
	limits := testLimits()
	limits.MaxConcentrationPct = 0.15
	limits.CorrelatedGroups = map[string][]string{"index_futures": {"ES", "NQ"}}
	engine := newTestEngine(t, limits)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}

	snap := testSnapshot(10_000_000)
	// Equity is 11,400,000 with the NQ position, so the group budget is
	// 1,710,000 and NQ already consumes 1,400,000 of it. ES alone is under
	// its own 10% cap but the group leaves only 310,000 of headroom.
	snap.Positions["NQ"] = core.Position{Symbol: "NQ", NetQuantity: 70, AvgEntryPrice: 20000, MarkPrice: 20000}

	decision := engine.Evaluate(testOrder(t, 50), snap, quote, now)
	assert.Equal(t, VerdictAdjust, decision.Verdict)
	assert.Equal(t, ReasonConcentrationCap, decision.ReasonCode)
	assert.Equal(t, int64(20), decision.Order.Quantity) // floor(310,000 / 15,000)
}

func TestEvaluateNeverMutatesInput(t *testing.T) {
	engine := newTestEngine(t, testLimits())
	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}

	order := testOrder(t, 400)
	decision := engine.Evaluate(order, testSnapshot(10_000_000), quote, now)

	require.Equal(t, VerdictAdjust, decision.Verdict)
	assert.Equal(t, int64(400), order.Quantity)
	assert.NotSame(t, order, decision.Order)
}
