// Package portfolio holds the authoritative portfolio state. All mutations
// are serialized behind one lock and only the lifecycle manager's apply path
// calls the mutating methods, so risk checks never observe a partially
// applied state.
package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
	"execution_engine/pkg/telemetry"
)

// Store is the single mutable shared resource of the engine. Every committed
// mutation advances Version; snapshots are deep copies tagged with the
// version they were taken at.
type Store struct {
	mu sync.Mutex

	version          uint64
	positions        map[string]core.Position
	cash             core.Cents
	dayStartEquity   core.Cents
	dailyRealizedPnL core.Cents
	dailyTradeCount  int
	countedOrders    map[string]bool
	reserved         map[string]core.Cents

	persistEvery  bool
	lastPersisted uint64
	snapshots     core.ISnapshotStore
	logger        core.ILogger
}

// NewStore creates a store with the given starting cash, restoring any
// persisted snapshot first.
func NewStore(ctx context.Context, initialCash core.Cents, snapshots core.ISnapshotStore, persistEvery bool, logger core.ILogger) (*Store, error) {
	s := &Store{
		positions:     make(map[string]core.Position),
		cash:          initialCash,
		countedOrders: make(map[string]bool),
		reserved:      make(map[string]core.Cents),
		persistEvery:  persistEvery,
		snapshots:     snapshots,
		logger:        logger.WithField("component", "portfolio_store"),
	}
	s.dayStartEquity = initialCash

	if snapshots != nil {
		record, err := snapshots.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to restore portfolio snapshot: %w", err)
		}
		if record != nil {
			s.restore(record)
			s.logger.Info("Restored portfolio state",
				"version", s.version,
				"cash", int64(s.cash),
				"positions", len(s.positions))
		}
	}

	return s, nil
}

func (s *Store) restore(record *core.SnapshotRecord) {
	s.version = record.AsOfVersion
	s.lastPersisted = record.AsOfVersion
	s.cash = record.Cash
	s.dayStartEquity = record.DayStartEquity
	s.dailyRealizedPnL = record.DailyRealizedPnL
	s.dailyTradeCount = record.DailyTradeCount
	s.positions = make(map[string]core.Position, len(record.Positions))
	for sym, p := range record.Positions {
		s.positions[sym] = core.Position{
			Symbol:        sym,
			NetQuantity:   p.Quantity,
			AvgEntryPrice: p.AvgPrice,
			RealizedPnL:   p.RealizedPnL,
			MarkPrice:     p.AvgPrice, // refreshed on the first mark update
		}
	}
}

// Version returns the current state version.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Snapshot returns an immutable, versioned deep copy of the current state.
func (s *Store) Snapshot() core.PortfolioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() core.PortfolioSnapshot {
	positions := make(map[string]core.Position, len(s.positions))
	for sym, p := range s.positions {
		positions[sym] = p
	}
	reserved := make(map[string]core.Cents, len(s.reserved))
	for sym, r := range s.reserved {
		reserved[sym] = r
	}
	return core.PortfolioSnapshot{
		Version:          s.version,
		Positions:        positions,
		Cash:             s.cash,
		DayStartEquity:   s.dayStartEquity,
		DailyRealizedPnL: s.dailyRealizedPnL,
		DailyTradeCount:  s.dailyTradeCount,
		AsOf:             time.Now().UTC(),
		Reserved:         reserved,
	}
}

// Reserve commits notional exposure for an in-flight order if the store
// version still matches the version the risk evaluation was made against.
// Returns ErrConcurrencyConflict when the state advanced since evaluation.
func (s *Store) Reserve(ctx context.Context, symbol string, notional core.Cents, evaluatedVersion uint64) (core.PortfolioSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != evaluatedVersion {
		return core.PortfolioSnapshot{}, fmt.Errorf("%w: evaluated against version %d, store at %d",
			apperrors.ErrConcurrencyConflict, evaluatedVersion, s.version)
	}
	if notional < 0 {
		return core.PortfolioSnapshot{}, fmt.Errorf("%w: reserve notional must not be negative", apperrors.ErrValidation)
	}

	s.reserved[symbol] += notional
	s.version++
	s.persistLocked(ctx)
	return s.snapshotLocked(), nil
}

// Release returns unused reserved notional, for example the unfilled
// remainder of a terminal order.
func (s *Store) Release(ctx context.Context, symbol string, notional core.Cents) core.PortfolioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.reserved[symbol] - notional
	if remaining <= 0 {
		delete(s.reserved, symbol)
	} else {
		s.reserved[symbol] = remaining
	}
	s.version++
	s.persistLocked(ctx)
	return s.snapshotLocked()
}

// ApplyFill applies one execution report atomically: position, average entry
// price, realized P&L on reducing fills, cash, reserved exposure, and the
// daily trade counter all move in one committed mutation.
func (s *Store) ApplyFill(ctx context.Context, fill core.Fill) (core.PortfolioSnapshot, error) {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return core.PortfolioSnapshot{}, fmt.Errorf("%w: fill must have positive quantity and price", apperrors.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positions[fill.Symbol]
	pos.Symbol = fill.Symbol

	signedQty := fill.Quantity
	if fill.Side == core.SideSell {
		signedQty = -fill.Quantity
	}

	realized := applyToPosition(&pos, signedQty, fill.Price)
	pos.RealizedPnL += realized
	pos.MarkPrice = fill.Price
	pos.MarkTime = fill.Timestamp
	pos.UnrealizedPnL = core.Cents(pos.NetQuantity) * (pos.MarkPrice - pos.AvgEntryPrice)

	if pos.NetQuantity == 0 {
		pos.AvgEntryPrice = 0
		pos.UnrealizedPnL = 0
	}

	notional := core.Cents(fill.Quantity) * fill.Price
	if fill.Side == core.SideBuy {
		s.cash -= notional
	} else {
		s.cash += notional
	}

	// Convert reserved in-flight notional into actual exposure.
	remaining := s.reserved[fill.Symbol] - notional
	if remaining <= 0 {
		delete(s.reserved, fill.Symbol)
	} else {
		s.reserved[fill.Symbol] = remaining
	}

	s.positions[fill.Symbol] = pos
	s.dailyRealizedPnL += realized
	// One order is one trade against the daily limit regardless of how many
	// partial fills it takes.
	if fill.OrderID == "" || !s.countedOrders[fill.OrderID] {
		if fill.OrderID != "" {
			s.countedOrders[fill.OrderID] = true
		}
		s.dailyTradeCount++
	}
	s.version++
	s.persistLocked(ctx)

	snap := s.snapshotLocked()
	telemetry.GetGlobalMetrics().SetPortfolioGauges(int64(snap.Equity()), int64(s.dailyRealizedPnL))

	s.logger.Debug("Applied fill",
		"symbol", fill.Symbol,
		"side", fill.Side,
		"quantity", fill.Quantity,
		"price", int64(fill.Price),
		"realized_pnl", int64(realized),
		"version", s.version)

	return snap, nil
}

// applyToPosition mutates net quantity and average entry price for a signed
// fill quantity and returns the realized P&L of the reducing portion.
// Average entry uses floor division; sub-cent remainders land in realized
// P&L when the position closes.
func applyToPosition(pos *core.Position, signedQty int64, price core.Cents) core.Cents {
	net := pos.NetQuantity

	// Same direction or opening from flat: extend, re-average.
	if net == 0 || (net > 0) == (signedQty > 0) {
		totalQty := net + signedQty
		totalCost := int64(pos.AvgEntryPrice)*abs64(net) + int64(price)*abs64(signedQty)
		pos.NetQuantity = totalQty
		pos.AvgEntryPrice = core.Cents(totalCost / abs64(totalQty))
		return 0
	}

	// Opposite direction: reduce first, flip with the remainder.
	closing := min64(abs64(signedQty), abs64(net))
	var realized core.Cents
	if net > 0 {
		// Selling down a long: profit when price exceeds entry.
		realized = core.Cents(closing) * (price - pos.AvgEntryPrice)
	} else {
		// Buying back a short: profit when price is below entry.
		realized = core.Cents(closing) * (pos.AvgEntryPrice - price)
	}

	remainder := abs64(signedQty) - closing
	if remainder == 0 {
		pos.NetQuantity = net + signedQty
		if pos.NetQuantity == 0 {
			pos.AvgEntryPrice = 0
		}
		return realized
	}

	// Flip: the surviving quantity entered at the fill price.
	if signedQty > 0 {
		pos.NetQuantity = remainder
	} else {
		pos.NetQuantity = -remainder
	}
	pos.AvgEntryPrice = price
	return realized
}

// UpdateMark refreshes the mark price of a symbol and recomputes its
// unrealized P&L through the serialized mutation path.
func (s *Store) UpdateMark(ctx context.Context, symbol string, price core.Cents, ts time.Time) core.PortfolioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return s.snapshotLocked()
	}
	pos.MarkPrice = price
	pos.MarkTime = ts
	pos.UnrealizedPnL = core.Cents(pos.NetQuantity) * (price - pos.AvgEntryPrice)
	s.positions[symbol] = pos
	s.version++
	s.persistLocked(ctx)

	snap := s.snapshotLocked()
	telemetry.GetGlobalMetrics().SetPortfolioGauges(int64(snap.Equity()), int64(s.dailyRealizedPnL))
	return snap
}

// ResetDay rolls the trading-session boundary: day-start equity is re-based
// to current equity and the daily counters are cleared.
func (s *Store) ResetDay(ctx context.Context) core.PortfolioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dayStartEquity = s.snapshotLocked().Equity()
	s.dailyRealizedPnL = 0
	s.dailyTradeCount = 0
	s.countedOrders = make(map[string]bool)
	s.version++
	s.persistLocked(ctx)

	s.logger.Info("Daily session reset", "day_start_equity", int64(s.dayStartEquity), "version", s.version)
	return s.snapshotLocked()
}

func (s *Store) persistLocked(ctx context.Context) {
	if s.snapshots == nil || !s.persistEvery {
		return
	}
	s.writeSnapshotLocked(ctx)
}

func (s *Store) writeSnapshotLocked(ctx context.Context) {
	record := &core.SnapshotRecord{
		AsOfVersion:      s.version,
		Positions:        make(map[string]core.PositionRecord, len(s.positions)),
		Cash:             s.cash,
		DayStartEquity:   s.dayStartEquity,
		DailyRealizedPnL: s.dailyRealizedPnL,
		DailyTradeCount:  s.dailyTradeCount,
		SavedAt:          time.Now().UTC(),
	}
	for sym, p := range s.positions {
		record.Positions[sym] = core.PositionRecord{
			Quantity:    p.NetQuantity,
			AvgPrice:    p.AvgEntryPrice,
			RealizedPnL: p.RealizedPnL,
		}
	}
	if err := s.snapshots.Save(ctx, record); err != nil {
		// Persistence failure must not lose the in-memory mutation; it is
		// surfaced and the next write retries.
		s.logger.Error("Failed to persist portfolio snapshot", "version", s.version, "error", err)
		return
	}
	s.lastPersisted = s.version
}

// Persist writes a snapshot outside the per-mutation path when the state has
// moved since the last successful write.
func (s *Store) Persist(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots == nil || s.version == s.lastPersisted {
		return
	}
	s.writeSnapshotLocked(ctx)
}

// PersistLoop snapshots at a fixed interval until the context ends, then
// flushes one final time. This is the crash-recovery path when
// snapshot_on_every_mutation is off.
func (s *Store) PersistLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Persist(context.Background())
			return
		case <-ticker.C:
			s.Persist(ctx)
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
