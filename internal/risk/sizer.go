// Package risk contains the position sizer and the risk limit engine. The
// sizer proposes, the limit engine disposes; neither mutates portfolio state.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
)

// SizingPolicy selects the position sizing algorithm.
type SizingPolicy string

const (
	PolicyFixedFractional  SizingPolicy = "fixed_fractional"
	PolicyVolatilityScaled SizingPolicy = "volatility_scaled"
	PolicyKelly            SizingPolicy = "kelly"
)

// SizerConfig parameterizes the sizer. Values are validated at construction.
type SizerConfig struct {
	Policy          SizingPolicy
	PerTradeRiskPct float64
	FixedFraction   float64
	KellyWinRate    float64
	KellyWinLoss    float64
	MaxKellyCap     float64
}

// Sizer converts a signal into a candidate order quantity. It is a pure
// function of its inputs: no hidden state, no randomness. Monetary
// arithmetic runs on exact decimals and floors to integer units.
type Sizer struct {
	cfg SizerConfig
}

// NewSizer validates the config and returns a sizer.
func NewSizer(cfg SizerConfig) (*Sizer, error) {
	switch cfg.Policy {
	case PolicyFixedFractional, PolicyVolatilityScaled, PolicyKelly:
	default:
		return nil, fmt.Errorf("%w: unknown sizing policy %q", apperrors.ErrValidation, cfg.Policy)
	}
	if cfg.PerTradeRiskPct <= 0 || cfg.PerTradeRiskPct > 1 {
		return nil, fmt.Errorf("%w: per_trade_risk_pct %v outside (0,1]", apperrors.ErrValidation, cfg.PerTradeRiskPct)
	}
	if cfg.Policy == PolicyFixedFractional && (cfg.FixedFraction <= 0 || cfg.FixedFraction > 1) {
		return nil, fmt.Errorf("%w: fixed_fraction %v outside (0,1]", apperrors.ErrValidation, cfg.FixedFraction)
	}
	if cfg.Policy == PolicyKelly {
		if cfg.KellyWinRate <= 0 || cfg.KellyWinRate >= 1 {
			return nil, fmt.Errorf("%w: kelly win rate %v outside (0,1)", apperrors.ErrValidation, cfg.KellyWinRate)
		}
		if cfg.KellyWinLoss <= 0 {
			return nil, fmt.Errorf("%w: kelly win/loss ratio must be positive", apperrors.ErrValidation)
		}
		if cfg.MaxKellyCap <= 0 || cfg.MaxKellyCap > 1 {
			return nil, fmt.Errorf("%w: max_kelly_cap %v outside (0,1]", apperrors.ErrValidation, cfg.MaxKellyCap)
		}
	}
	return &Sizer{cfg: cfg}, nil
}

// Size returns the candidate quantity for a signal given the portfolio
// snapshot and a fresh quote. Zero means no trade. Stale market data fails
// closed with ErrStaleData.
func (s *Sizer) Size(signal core.Signal, snap core.PortfolioSnapshot, limits core.RiskLimits, quote core.Quote, now time.Time) (int64, error) {
	if signal.Direction == core.DirectionFlat || signal.Confidence == 0 {
		return 0, nil
	}
	if quote.IsStale(now, limits.StalenessThreshold) {
		return 0, fmt.Errorf("%w: quote for %s aged %s exceeds threshold %s",
			apperrors.ErrStaleData, signal.Symbol, now.Sub(quote.Timestamp), limits.StalenessThreshold)
	}
	if quote.Price <= 0 {
		return 0, fmt.Errorf("%w: non-positive price for %s", apperrors.ErrValidation, signal.Symbol)
	}

	equity := decimal.NewFromInt(int64(snap.Equity()))
	if !equity.IsPositive() {
		return 0, nil
	}
	price := decimal.NewFromInt(int64(quote.Price))
	confidence := decimal.NewFromFloat(signal.Confidence)

	var qty decimal.Decimal
	switch s.cfg.Policy {
	case PolicyFixedFractional:
		notional := equity.Mul(decimal.NewFromFloat(s.cfg.FixedFraction)).Mul(confidence)
		qty = notional.Div(price)

	case PolicyVolatilityScaled:
		if quote.Volatility <= 0 {
			return 0, fmt.Errorf("%w: missing volatility for %s", apperrors.ErrStaleData, signal.Symbol)
		}
		riskAmount := equity.Mul(decimal.NewFromFloat(s.cfg.PerTradeRiskPct)).Mul(confidence)
		qty = riskAmount.Div(decimal.NewFromInt(int64(quote.Volatility)))

	case PolicyKelly:
		fraction := kellyFraction(s.cfg.KellyWinRate, s.cfg.KellyWinLoss, s.cfg.MaxKellyCap)
		qty = equity.Mul(fraction).Div(price)
	}

	candidate := qty.Floor().IntPart()
	if candidate < 0 {
		candidate = 0
	}
	return candidate, nil
}

// kellyFraction computes the Kelly criterion fraction clamped to
// [0, maxCap] to prevent over-leverage.
func kellyFraction(winRate, winLossRatio, maxCap float64) decimal.Decimal {
	p := decimal.NewFromFloat(winRate)
	b := decimal.NewFromFloat(winLossRatio)
	one := decimal.NewFromInt(1)

	// f* = (p*b - (1-p)) / b
	f := p.Mul(b).Sub(one.Sub(p)).Div(b)
	if f.IsNegative() {
		return decimal.Zero
	}
	ceiling := decimal.NewFromFloat(maxCap)
	if f.GreaterThan(ceiling) {
		return ceiling
	}
	return f
}
