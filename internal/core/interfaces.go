package core

import (
	"context"
	"time"
)

// IBrokerAdapter is the capability set every venue adapter must implement.
// Duplicate submissions of the same client order id must be treated as a
// no-op returning the existing order's status.
type IBrokerAdapter interface {
	Name() string
	CheckHealth(ctx context.Context) error
	SubmitOrder(ctx context.Context, order *Order) (OrderAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) (OrderAck, error)
	QueryStatus(ctx context.Context, clientOrderID string) (OrderStatus, error)
	StreamFills(ctx context.Context, callback func(Fill)) error
}

// IMarketData supplies prices and volatility estimates. Every value carries
// its observation timestamp so callers can enforce staleness thresholds.
type IMarketData interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	StreamTicks(ctx context.Context, symbols []string, callback func(Quote)) error
}

// IMonitorSink receives structured events from the engine. Implementations
// must never block the trading path.
type IMonitorSink interface {
	Emit(event MonitorEvent)
}

// ISnapshotStore persists portfolio snapshots for crash recovery.
type ISnapshotStore interface {
	Save(ctx context.Context, record *SnapshotRecord) error
	Load(ctx context.Context) (*SnapshotRecord, error)
	Close() error
}

// SnapshotRecord is the persisted portfolio snapshot shape.
type SnapshotRecord struct {
	AsOfVersion      uint64                    `json:"as_of_version"`
	Positions        map[string]PositionRecord `json:"positions"`
	Cash             Cents                     `json:"cash"`
	DayStartEquity   Cents                     `json:"day_start_equity"`
	DailyRealizedPnL Cents                     `json:"daily_realized_pnl"`
	DailyTradeCount  int                       `json:"daily_trade_count"`
	SavedAt          time.Time                 `json:"saved_at"`
}

// PositionRecord is the persisted per-symbol position shape.
type PositionRecord struct {
	Quantity    int64 `json:"quantity"`
	AvgPrice    Cents `json:"avg_price"`
	RealizedPnL Cents `json:"realized_pnl"`
}

// ILogger defines the structured logging facade used across the engine.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
