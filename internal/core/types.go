// Package core defines the shared domain types and interfaces for the
// execution engine. All monetary amounts are integer minor units (cents);
// floating point never touches position or P&L arithmetic.
package core

import (
	"fmt"
	"time"

	apperrors "execution_engine/pkg/errors"
)

// Cents is a monetary amount in integer minor units.
type Cents int64

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction is the desired exposure direction of a signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionFlat  Direction = "FLAT"
)

// OrderType classifies how an order executes.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order stays working at the venue.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusValidated       OrderStatus = "VALIDATED"
	StatusRouted          OrderStatus = "ROUTED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAcked           OrderStatus = "ACKED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is a lifecycle end state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// IsActive reports whether the order can still receive fills.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusSubmitted, StatusAcked, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// Signal is an immutable trading signal emitted by a strategy.
type Signal struct {
	ID         string
	Symbol     string
	Direction  Direction
	Confidence float64
	Timestamp  time.Time
	SourceID   string
}

// NewSignal validates signal fields at the boundary and returns an immutable
// value or a typed error.
func NewSignal(id, symbol string, direction Direction, confidence float64, ts time.Time, sourceID string) (Signal, error) {
	if id == "" {
		return Signal{}, fmt.Errorf("%w: signal id is required", apperrors.ErrValidation)
	}
	if symbol == "" {
		return Signal{}, fmt.Errorf("%w: signal symbol is required", apperrors.ErrValidation)
	}
	switch direction {
	case DirectionLong, DirectionShort, DirectionFlat:
	default:
		return Signal{}, fmt.Errorf("%w: invalid direction %q", apperrors.ErrValidation, direction)
	}
	if confidence < 0 || confidence > 1 {
		return Signal{}, fmt.Errorf("%w: confidence %v outside [0,1]", apperrors.ErrValidation, confidence)
	}
	if ts.IsZero() {
		return Signal{}, fmt.Errorf("%w: signal timestamp is required", apperrors.ErrValidation)
	}
	return Signal{
		ID:         id,
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		Timestamp:  ts,
		SourceID:   sourceID,
	}, nil
}

// Order is the engine's view of a single order. The ID is the client-assigned
// order id used for idempotent resubmission at the venue.
type Order struct {
	ID             string
	Symbol         string
	Side           Side
	Quantity       int64
	LimitPrice     Cents // zero means market order
	StopPrice      Cents
	Type           OrderType
	TimeInForce    TimeInForce
	Venue          string
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ParentSignalID string
	FilledQuantity int64
	AvgFillPrice   Cents
	Commission     Cents

	// SnapshotVersion is the portfolio version the risk evaluation for this
	// order was made against, used for the optimistic-concurrency check at
	// commit time.
	SnapshotVersion uint64

	// Attempt is the resubmission sequence number; the client order id is
	// derived from (parent signal id, attempt) so duplicates are detectable
	// at the venue.
	Attempt int
}

// NewOrder validates order fields at the boundary.
func NewOrder(id, symbol string, side Side, quantity int64, limitPrice Cents, parentSignalID string) (*Order, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", apperrors.ErrValidation)
	}
	if symbol == "" {
		return nil, fmt.Errorf("%w: order symbol is required", apperrors.ErrValidation)
	}
	if side != SideBuy && side != SideSell {
		return nil, fmt.Errorf("%w: invalid side %q", apperrors.ErrValidation, side)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: order quantity must be positive, got %d", apperrors.ErrValidation, quantity)
	}
	if limitPrice < 0 {
		return nil, fmt.Errorf("%w: limit price must not be negative, got %d", apperrors.ErrValidation, limitPrice)
	}
	typ := OrderTypeLimit
	if limitPrice == 0 {
		typ = OrderTypeMarket
	}
	now := time.Now().UTC()
	return &Order{
		ID:             id,
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
		LimitPrice:     limitPrice,
		Type:           typ,
		TimeInForce:    TimeInForceDay,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		ParentSignalID: parentSignalID,
	}, nil
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// FillPercentage returns the filled fraction of the order in percent.
func (o *Order) FillPercentage() float64 {
	if o.Quantity == 0 {
		return 0
	}
	return float64(o.FilledQuantity) / float64(o.Quantity) * 100
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Fill is a single execution report against an order.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  int64
	Price     Cents
	Venue     string
	Timestamp time.Time
}

// NewFill validates fill fields at the boundary.
func NewFill(orderID, symbol string, side Side, quantity int64, price Cents, venue string, ts time.Time) (Fill, error) {
	if orderID == "" {
		return Fill{}, fmt.Errorf("%w: fill order id is required", apperrors.ErrValidation)
	}
	if quantity <= 0 {
		return Fill{}, fmt.Errorf("%w: fill quantity must be positive, got %d", apperrors.ErrValidation, quantity)
	}
	if price <= 0 {
		return Fill{}, fmt.Errorf("%w: fill price must be positive, got %d", apperrors.ErrValidation, price)
	}
	return Fill{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Price:     price,
		Venue:     venue,
		Timestamp: ts,
	}, nil
}

// Position is the current holding in one symbol.
type Position struct {
	Symbol        string
	NetQuantity   int64
	AvgEntryPrice Cents
	RealizedPnL   Cents
	UnrealizedPnL Cents
	MarkPrice     Cents
	MarkTime      time.Time
}

// MarketValue returns the signed market value of the position at its mark.
func (p Position) MarketValue() Cents {
	return Cents(p.NetQuantity) * p.MarkPrice
}

// PortfolioSnapshot is an immutable, versioned view of portfolio state.
// Snapshots are safe to share across goroutines; the store never hands out
// internal maps.
type PortfolioSnapshot struct {
	Version          uint64
	Positions        map[string]Position
	Cash             Cents
	DayStartEquity   Cents
	DailyRealizedPnL Cents
	DailyTradeCount  int
	AsOf             time.Time

	// Reserved is notional committed to in-flight orders per symbol. It
	// counts toward exposure so two concurrently accepted orders cannot
	// jointly breach a cap that neither breaches alone.
	Reserved map[string]Cents
}

// Equity returns cash plus the market value of all positions.
func (s PortfolioSnapshot) Equity() Cents {
	eq := s.Cash
	for _, p := range s.Positions {
		eq += p.MarketValue()
	}
	return eq
}

// DailyUnrealizedPnL sums unrealized P&L across positions.
func (s PortfolioSnapshot) DailyUnrealizedPnL() Cents {
	var pnl Cents
	for _, p := range s.Positions {
		pnl += p.UnrealizedPnL
	}
	return pnl
}

// Exposure returns the absolute market value held in one symbol plus any
// notional reserved for its in-flight orders.
func (s PortfolioSnapshot) Exposure(symbol string) Cents {
	var mv Cents
	if p, ok := s.Positions[symbol]; ok {
		mv = p.MarketValue()
		if mv < 0 {
			mv = -mv
		}
	}
	return mv + s.Reserved[symbol]
}

// RiskLimits is the immutable, versioned risk limit configuration.
type RiskLimits struct {
	ConfigVersion       int
	MaxPositionPct      float64
	MaxDailyLossPct     float64
	MaxOrdersPerWindow  int
	OrderRateWindow     time.Duration
	MaxDailyTrades      int
	MaxConcentrationPct float64 // zero disables the aggregate cap
	CorrelatedGroups    map[string][]string
	StalenessThreshold  time.Duration
}

// Validate rejects limit configurations that would degrade silently.
func (l RiskLimits) Validate() error {
	if l.MaxPositionPct <= 0 || l.MaxPositionPct > 1 {
		return fmt.Errorf("%w: max_position_pct %v outside (0,1]", apperrors.ErrValidation, l.MaxPositionPct)
	}
	if l.MaxDailyLossPct <= 0 || l.MaxDailyLossPct > 1 {
		return fmt.Errorf("%w: max_daily_loss_pct %v outside (0,1]", apperrors.ErrValidation, l.MaxDailyLossPct)
	}
	if l.MaxOrdersPerWindow <= 0 {
		return fmt.Errorf("%w: max_orders_per_window must be positive", apperrors.ErrValidation)
	}
	if l.OrderRateWindow <= 0 {
		return fmt.Errorf("%w: order_rate_window must be positive", apperrors.ErrValidation)
	}
	if l.MaxConcentrationPct < 0 || l.MaxConcentrationPct > 1 {
		return fmt.Errorf("%w: max_concentration_pct %v outside [0,1]", apperrors.ErrValidation, l.MaxConcentrationPct)
	}
	if l.StalenessThreshold <= 0 {
		return fmt.Errorf("%w: staleness_threshold must be positive", apperrors.ErrValidation)
	}
	return nil
}

// Quote is a point-in-time market observation for one symbol. Volatility is
// in minor units per unit (for example ATR in cents); the timestamp allows
// staleness checks before any decision uses the value.
type Quote struct {
	Symbol     string
	Price      Cents
	Volatility Cents
	Timestamp  time.Time
}

// IsStale reports whether the quote is older than the threshold at the given
// observation time.
func (q Quote) IsStale(now time.Time, threshold time.Duration) bool {
	return q.Timestamp.IsZero() || now.Sub(q.Timestamp) > threshold
}

// AckStatus is the broker's synchronous answer to a submission.
type AckStatus string

const (
	AckAccepted AckStatus = "ACCEPTED"
	AckRejected AckStatus = "REJECTED"
)

// OrderAck is the broker response to a submit or status query.
type OrderAck struct {
	ClientOrderID string
	VenueOrderID  string
	Status        AckStatus
	Reason        string
	Timestamp     time.Time
}

// EventType identifies a structured monitoring event.
type EventType string

const (
	EventRiskLimitBreached EventType = "risk_limit_breached"
	EventOrderRejected     EventType = "order_rejected"
	EventOrderExpired      EventType = "order_expired"
	EventFillReceived      EventType = "fill_received"
	EventDailyLossHalt     EventType = "daily_loss_halt_triggered"
)

// MonitorEvent is a fire-and-forget structured event for the monitoring sink.
type MonitorEvent struct {
	Type       EventType
	ReasonCode string
	OrderID    string
	Symbol     string
	Timestamp  time.Time
	Fields     map[string]string
}
