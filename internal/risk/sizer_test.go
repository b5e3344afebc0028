package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
)

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

func testSnapshot(cash core.Cents) core.PortfolioSnapshot {
	return core.PortfolioSnapshot{
		Version:        1,
		Positions:      map[string]core.Position{},
		Cash:           cash,
		DayStartEquity: cash,
		Reserved:       map[string]core.Cents{},
	}
}

func testSignal(t *testing.T, direction core.Direction, confidence float64) core.Signal {
	t.Helper()
	sig, err := core.NewSignal("sig-1", "ES", direction, confidence, time.Now().UTC(), "strat-a")
	require.NoError(t, err)
	return sig
}

func TestSizerVolatilityScaled(t *testing.T) {
	sizer, err := NewSizer(SizerConfig{
		Policy:          PolicyVolatilityScaled,
		PerTradeRiskPct: 0.02,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Volatility: 500, Timestamp: now}

	// equity 10,000,000 * 2% risk * confidence 1.0 = 200,000; / vol 500 = 400
	qty, err := sizer.Size(testSignal(t, core.DirectionLong, 1.0), testSnapshot(10_000_000), testLimits(), quote, now)
	require.NoError(t, err)
	assert.Equal(t, int64(400), qty)
}

func TestSizerConfidenceScalesQuantity(t *testing.T) {
	sizer, err := NewSizer(SizerConfig{Policy: PolicyVolatilityScaled, PerTradeRiskPct: 0.02})
	require.NoError(t, err)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Volatility: 500, Timestamp: now}

	qty, err := sizer.Size(testSignal(t, core.DirectionLong, 0.5), testSnapshot(10_000_000), testLimits(), quote, now)
	require.NoError(t, err)
	assert.Equal(t, int64(200), qty)
}

func TestSizerFixedFractional(t *testing.T) {
	sizer, err := NewSizer(SizerConfig{
		Policy:          PolicyFixedFractional,
		PerTradeRiskPct: 0.02,
		FixedFraction:   0.05,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 10000, Timestamp: now}

	// 10,000,000 * 5% = 500,000 / 10,000 = 50
	qty, err := sizer.Size(testSignal(t, core.DirectionLong, 1.0), testSnapshot(10_000_000), testLimits(), quote, now)
	require.NoError(t, err)
	assert.Equal(t, int64(50), qty)
}

func TestSizerKellyClampedToCap(t *testing.T) {
	sizer, err := NewSizer(SizerConfig{
		Policy:          PolicyKelly,
		PerTradeRiskPct: 0.02,
		KellyWinRate:    0.55,
		KellyWinLoss:    1.5,
		MaxKellyCap:     0.25,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 10000, Timestamp: now}

	// raw kelly f* = (0.55*1.5 - 0.45)/1.5 = 0.25, at the cap
	qty, err := sizer.Size(testSignal(t, core.DirectionLong, 1.0), testSnapshot(10_000_000), testLimits(), quote, now)
	require.NoError(t, err)
	assert.Equal(t, int64(250), qty)
}

func TestSizerNegativeKellyIsZero(t *testing.T) {
	sizer, err := NewSizer(SizerConfig{
		Policy:          PolicyKelly,
		PerTradeRiskPct: 0.02,
		KellyWinRate:    0.30,
		KellyWinLoss:    1.0,
		MaxKellyCap:     0.25,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 10000, Timestamp: now}

	qty, err := sizer.Size(testSignal(t, core.DirectionLong, 1.0), testSnapshot(10_000_000), testLimits(), quote, now)
	require.NoError(t, err)
	assert.Zero(t, qty)
}

func TestSizerFlatAndZeroConfidence(t *testing.T) {
	sizer, err := NewSizer(SizerConfig{Policy: PolicyVolatilityScaled, PerTradeRiskPct: 0.02})
	require.NoError(t, err)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Volatility: 500, Timestamp: now}

	qty, err := sizer.Size(testSignal(t, core.DirectionFlat, 1.0), testSnapshot(10_000_000), testLimits(), quote, now)
	require.NoError(t, err)
	assert.Zero(t, qty)

	qty, err = sizer.Size(testSignal(t, core.DirectionLong, 0), testSnapshot(10_000_000), testLimits(), quote, now)
	require.NoError(t, err)
	assert.Zero(t, qty)
}

func TestSizerStaleQuoteFailsClosed(t *testing.T) {
	sizer, err := NewSizer(SizerConfig{Policy: PolicyVolatilityScaled, PerTradeRiskPct: 0.02})
	require.NoError(t, err)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Volatility: 500, Timestamp: now.Add(-10 * time.Second)}

	_, err = sizer.Size(testSignal(t, core.DirectionLong, 1.0), testSnapshot(10_000_000), testLimits(), quote, now)
	assert.ErrorIs(t, err, apperrors.ErrStaleData)
}

func TestSizerMissingVolatilityFailsClosed(t *testing.T) {
	sizer, err := NewSizer(SizerConfig{Policy: PolicyVolatilityScaled, PerTradeRiskPct: 0.02})
	require.NoError(t, err)

	now := time.Now().UTC()
	quote := core.Quote{Symbol: "ES", Price: 15000, Timestamp: now}

	_, err = sizer.Size(testSignal(t, core.DirectionLong, 1.0), testSnapshot(10_000_000), testLimits(), quote, now)
	assert.ErrorIs(t, err, apperrors.ErrStaleData)
}

func TestSizerRejectsBadConfig(t *testing.T) {
	_, err := NewSizer(SizerConfig{Policy: "martingale", PerTradeRiskPct: 0.02})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = NewSizer(SizerConfig{Policy: PolicyVolatilityScaled, PerTradeRiskPct: 1.5})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
