package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"execution_engine/internal/core"
)

// Verdict is the outcome of a risk evaluation.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictAdjust
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "ALLOW"
	case VerdictAdjust:
		return "ADJUST"
	case VerdictReject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Machine-readable reason codes for rejections and adjustments.
const (
	ReasonDailyLossHalt    = "daily_loss_halt"
	ReasonOrderRate        = "order_rate"
	ReasonDailyTradeLimit  = "daily_trade_limit"
	ReasonPositionCap      = "position_cap"
	ReasonConcentrationCap = "concentration_cap"
	ReasonStaleData        = "stale_data"
)

// Decision is the result of evaluating one proposed order against a
// portfolio snapshot. SnapshotVersion records the version the evaluation was
// made against so the commit path can detect staleness.
type Decision struct {
	Verdict         Verdict
	Order           *core.Order
	ReasonCode      string
	SnapshotVersion uint64
	LimitsVersion   int
}

// Engine evaluates proposed orders against the configured limits. Evaluation
// is pure with respect to portfolio state; the only internal state is the
// rolling order-rate window and the sticky daily-loss halt latch.
type Engine struct {
	limits core.RiskLimits
	logger core.ILogger

	limiter *rate.Limiter

	mu         sync.Mutex
	haltActive bool
	haltReason string
}

// NewEngine validates the limits and builds the engine.
func NewEngine(limits core.RiskLimits, logger core.ILogger) (*Engine, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	perSecond := float64(limits.MaxOrdersPerWindow) / limits.OrderRateWindow.Seconds()
	return &Engine{
		limits:  limits,
		logger:  logger.WithField("component", "risk_engine"),
		limiter: rate.NewLimiter(rate.Limit(perSecond), limits.MaxOrdersPerWindow),
	}, nil
}

// Limits returns the immutable limit configuration.
func (e *Engine) Limits() core.RiskLimits {
	return e.limits
}

// HaltActive reports whether the daily loss halt latch is set.
func (e *Engine) HaltActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haltActive
}

// ResetDaily clears the daily-loss halt at the trading-session boundary.
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haltActive {
		e.logger.Info("Daily loss halt cleared by session reset")
	}
	e.haltActive = false
	e.haltReason = ""
}

// Evaluate checks a proposed order against the limits, short-circuiting on
// the first hard violation. It never mutates the portfolio; the decision
// carries the snapshot version it was made against. A stale quote fails
// closed.
func (e *Engine) Evaluate(order *core.Order, snap core.PortfolioSnapshot, quote core.Quote, now time.Time) Decision {
	reject := func(reason string) Decision {
		return Decision{
			Verdict:         VerdictReject,
			Order:           order,
			ReasonCode:      reason,
			SnapshotVersion: snap.Version,
			LimitsVersion:   e.limits.ConfigVersion,
		}
	}

	// (a) daily loss halt, latched until the session reset
	if e.checkDailyLoss(snap) {
		return reject(ReasonDailyLossHalt)
	}

	// fail closed on stale or missing market data
	if quote.IsStale(now, e.limits.StalenessThreshold) || quote.Price <= 0 {
		return reject(ReasonStaleData)
	}

	// (b) rolling order-rate window
	if !e.limiter.Allow() {
		return reject(ReasonOrderRate)
	}

	if e.limits.MaxDailyTrades > 0 && snap.DailyTradeCount >= e.limits.MaxDailyTrades {
		return reject(ReasonDailyTradeLimit)
	}

	equity := snap.Equity()
	if equity <= 0 {
		return reject(ReasonPositionCap)
	}

	// (c) per-symbol exposure cap, truncating to the largest quantity that
	// still satisfies the cap
	result := order
	verdict := VerdictAllow
	reason := ""

	maxQty := maxQuantityUnderCap(equity, snap.Exposure(order.Symbol), e.limits.MaxPositionPct, quote.Price)
	if maxQty <= 0 {
		return reject(ReasonPositionCap)
	}
	if maxQty < result.Quantity {
		result = result.Clone()
		result.Quantity = maxQty
		verdict = VerdictAdjust
		reason = ReasonPositionCap
	}

	// (d) aggregate concentration cap across correlated symbols
	if e.limits.MaxConcentrationPct > 0 {
		groupExposure := e.correlatedExposure(snap, order.Symbol)
		maxGroupQty := maxQuantityUnderCap(equity, groupExposure, e.limits.MaxConcentrationPct, quote.Price)
		if maxGroupQty <= 0 {
			return reject(ReasonConcentrationCap)
		}
		if maxGroupQty < result.Quantity {
			if verdict == VerdictAllow {
				result = result.Clone()
			}
			result.Quantity = maxGroupQty
			verdict = VerdictAdjust
			reason = ReasonConcentrationCap
		}
	}

	if verdict == VerdictAdjust {
		e.logger.Info("Order quantity adjusted",
			"order_id", order.ID,
			"symbol", order.Symbol,
			"requested", order.Quantity,
			"adjusted", result.Quantity,
			"reason", reason)
	}

	return Decision{
		Verdict:         verdict,
		Order:           result,
		ReasonCode:      reason,
		SnapshotVersion: snap.Version,
		LimitsVersion:   e.limits.ConfigVersion,
	}
}

// checkDailyLoss latches the halt when realized plus unrealized daily P&L
// breaches the configured fraction of day-start equity.
func (e *Engine) checkDailyLoss(snap core.PortfolioSnapshot) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.haltActive {
		return true
	}

	budget := pctOf(snap.DayStartEquity, e.limits.MaxDailyLossPct)
	dailyPnL := snap.DailyRealizedPnL + snap.DailyUnrealizedPnL()
	if dailyPnL < -budget {
		e.haltActive = true
		e.haltReason = fmt.Sprintf("daily pnl %d below -%d", int64(dailyPnL), int64(budget))
		e.logger.Warn("Daily loss halt triggered",
			"daily_pnl", int64(dailyPnL),
			"budget", int64(budget),
			"day_start_equity", int64(snap.DayStartEquity))
		return true
	}
	return false
}

// correlatedExposure sums exposure over every configured group containing
// the symbol; a symbol outside all groups is its own group.
func (e *Engine) correlatedExposure(snap core.PortfolioSnapshot, symbol string) core.Cents {
	for _, group := range e.limits.CorrelatedGroups {
		for _, s := range group {
			if s != symbol {
				continue
			}
			var total core.Cents
			for _, member := range group {
				total += snap.Exposure(member)
			}
			return total
		}
	}
	return snap.Exposure(symbol)
}

// maxQuantityUnderCap returns the largest quantity whose notional fits under
// pct of equity given the exposure already held. Floor division: the cap is
// never rounded in the order's favor.
func maxQuantityUnderCap(equity, currentExposure core.Cents, pct float64, price core.Cents) int64 {
	capAmount := pctOf(equity, pct)
	headroom := capAmount - currentExposure
	if headroom <= 0 || price <= 0 {
		return 0
	}
	return int64(headroom) / int64(price)
}

// pctOf computes pct of a cent amount exactly, flooring to whole cents.
func pctOf(amount core.Cents, pct float64) core.Cents {
	d := decimal.NewFromInt(int64(amount)).Mul(decimal.NewFromFloat(pct))
	return core.Cents(d.Floor().IntPart())
}
