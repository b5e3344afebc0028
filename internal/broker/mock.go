// Package broker contains the venue adapters. The mock adapter simulates a
// venue in-process for tests and paper trading; the HTTP adapter speaks to a
// real REST venue.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
)

// FillStep is one scripted execution against an order.
type FillStep struct {
	Quantity int64
	Price    core.Cents
	Delay    time.Duration
}

// MockConfig parameterizes the simulated venue.
type MockConfig struct {
	Name          string
	SubmitLatency time.Duration
	DefaultPrice  core.Cents
	FillDelay     time.Duration
	AutoFill      bool // fully fill accepted orders after FillDelay
}

// MockBroker is an in-process venue. Submissions are idempotent on the
// client order id: resubmitting a known id returns the original ack and
// never creates a second working order.
type MockBroker struct {
	cfg    MockConfig
	logger core.ILogger

	mu          sync.Mutex
	orders      map[string]*core.Order
	acks        map[string]core.OrderAck
	subscribers []func(core.Fill)
	fillScripts map[string][]FillStep

	healthErr      error
	failRemaining  int
	loseAckOnFail  bool
	rejectNext     bool
	rejectReason   string
	submitAttempts map[string]int
}

// NewMockBroker creates a simulated venue.
func NewMockBroker(cfg MockConfig, logger core.ILogger) *MockBroker {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	if cfg.DefaultPrice == 0 {
		cfg.DefaultPrice = 10000
	}
	return &MockBroker{
		cfg:            cfg,
		logger:         logger.WithField("component", "mock_broker").WithField("venue", cfg.Name),
		orders:         make(map[string]*core.Order),
		acks:           make(map[string]core.OrderAck),
		fillScripts:    make(map[string][]FillStep),
		submitAttempts: make(map[string]int),
	}
}

// Name returns the venue name.
func (m *MockBroker) Name() string { return m.cfg.Name }

// CheckHealth returns the scripted health error, if any.
func (m *MockBroker) CheckHealth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// SetHealthError scripts the health check result.
func (m *MockBroker) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// FailSubmits scripts the next n submissions to fail with a transient error.
// With loseAck the order is still accepted at the venue before the error is
// returned, simulating a response lost in transit.
func (m *MockBroker) FailSubmits(n int, loseAck bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRemaining = n
	m.loseAckOnFail = loseAck
}

// RejectNext scripts the next submission to be rejected by the venue.
func (m *MockBroker) RejectNext(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = true
	m.rejectReason = reason
}

// ScriptFills sets the execution plan for a client order id, overriding
// AutoFill for that order.
func (m *MockBroker) ScriptFills(clientOrderID string, steps []FillStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillScripts[clientOrderID] = steps
}

// SubmitAttempts returns how many submit calls arrived for a client order id,
// counting duplicates.
func (m *MockBroker) SubmitAttempts(clientOrderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitAttempts[clientOrderID]
}

// SubmitOrder accepts or rejects an order. Duplicate client order ids return
// the original ack unchanged.
func (m *MockBroker) SubmitOrder(ctx context.Context, order *core.Order) (core.OrderAck, error) {
	if m.cfg.SubmitLatency > 0 {
		select {
		case <-ctx.Done():
			return core.OrderAck{}, ctx.Err()
		case <-time.After(m.cfg.SubmitLatency):
		}
	}

	m.mu.Lock()
	m.submitAttempts[order.ID]++

	// Idempotency: a known client order id is a duplicate, not a new order.
	if ack, ok := m.acks[order.ID]; ok {
		m.mu.Unlock()
		m.logger.Debug("Duplicate submission ignored", "order_id", order.ID)
		return ack, nil
	}

	if m.failRemaining > 0 {
		m.failRemaining--
		loseAck := m.loseAckOnFail
		if loseAck {
			// Venue accepted but the response is lost: record the order so a
			// later status query or duplicate submit sees it.
			m.acceptLocked(order)
		}
		m.mu.Unlock()
		return core.OrderAck{}, fmt.Errorf("%w: simulated submit failure", apperrors.ErrBrokerTransient)
	}

	if m.rejectNext {
		m.rejectNext = false
		reason := m.rejectReason
		ack := core.OrderAck{
			ClientOrderID: order.ID,
			Status:        core.AckRejected,
			Reason:        reason,
			Timestamp:     time.Now().UTC(),
		}
		m.acks[order.ID] = ack
		rejected := order.Clone()
		rejected.Status = core.StatusRejected
		m.orders[order.ID] = rejected
		m.mu.Unlock()
		return ack, nil
	}

	ack := m.acceptLocked(order)
	script := m.fillScripts[order.ID]
	m.mu.Unlock()

	if len(script) > 0 {
		go m.runFillScript(order.ID, script)
	} else if m.cfg.AutoFill {
		go m.autoFill(order.ID)
	}

	return ack, nil
}

func (m *MockBroker) acceptLocked(order *core.Order) core.OrderAck {
	ack := core.OrderAck{
		ClientOrderID: order.ID,
		VenueOrderID:  uuid.NewString(),
		Status:        core.AckAccepted,
		Timestamp:     time.Now().UTC(),
	}
	m.acks[order.ID] = ack
	accepted := order.Clone()
	accepted.Status = core.StatusAcked
	m.orders[order.ID] = accepted
	return ack
}

// CancelOrder cancels a working order. Terminal orders are rejected, unknown
// ids fail with ErrOrderNotFound.
func (m *MockBroker) CancelOrder(ctx context.Context, clientOrderID string) (core.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[clientOrderID]
	if !ok {
		return core.OrderAck{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
	}
	if order.Status.IsTerminal() {
		return core.OrderAck{
			ClientOrderID: clientOrderID,
			Status:        core.AckRejected,
			Reason:        fmt.Sprintf("order already %s", order.Status),
			Timestamp:     time.Now().UTC(),
		}, nil
	}

	order.Status = core.StatusCancelled
	order.UpdatedAt = time.Now().UTC()
	return core.OrderAck{
		ClientOrderID: clientOrderID,
		Status:        core.AckAccepted,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// QueryStatus returns the venue-side status of a client order id.
func (m *MockBroker) QueryStatus(ctx context.Context, clientOrderID string) (core.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[clientOrderID]
	if !ok {
		return "", fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
	}
	return order.Status, nil
}

// StreamFills registers a fill callback and blocks until the context ends.
func (m *MockBroker) StreamFills(ctx context.Context, callback func(core.Fill)) error {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, callback)
	m.mu.Unlock()

	<-ctx.Done()
	return nil
}

// EmitFill pushes a fill as if the venue executed it, updating the venue-side
// order state and notifying subscribers.
func (m *MockBroker) EmitFill(fill core.Fill) {
	m.mu.Lock()
	if order, ok := m.orders[fill.OrderID]; ok {
		if order.Status.IsTerminal() && order.Status != core.StatusFilled {
			// Cancelled or expired at the venue: late fills are dropped.
			m.mu.Unlock()
			return
		}
		order.FilledQuantity += fill.Quantity
		order.UpdatedAt = fill.Timestamp
		if order.FilledQuantity >= order.Quantity {
			order.Status = core.StatusFilled
		} else {
			order.Status = core.StatusPartiallyFilled
		}
	}
	subs := make([]func(core.Fill), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, cb := range subs {
		cb(fill)
	}
}

func (m *MockBroker) autoFill(clientOrderID string) {
	if m.cfg.FillDelay > 0 {
		time.Sleep(m.cfg.FillDelay)
	}

	m.mu.Lock()
	order, ok := m.orders[clientOrderID]
	if !ok || !order.Status.IsActive() {
		m.mu.Unlock()
		return
	}
	price := m.cfg.DefaultPrice
	if order.LimitPrice > 0 {
		price = order.LimitPrice
	}
	fill := core.Fill{
		OrderID:   clientOrderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.RemainingQuantity(),
		Price:     price,
		Venue:     m.cfg.Name,
		Timestamp: time.Now().UTC(),
	}
	m.mu.Unlock()

	m.EmitFill(fill)
}

func (m *MockBroker) runFillScript(clientOrderID string, steps []FillStep) {
	for _, step := range steps {
		if step.Delay > 0 {
			time.Sleep(step.Delay)
		}

		m.mu.Lock()
		order, ok := m.orders[clientOrderID]
		if !ok || !order.Status.IsActive() {
			m.mu.Unlock()
			return
		}
		fill := core.Fill{
			OrderID:   clientOrderID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  step.Quantity,
			Price:     step.Price,
			Venue:     m.cfg.Name,
			Timestamp: time.Now().UTC(),
		}
		m.mu.Unlock()

		m.EmitFill(fill)
	}
}
