// Package lifecycle tracks every order from creation to a terminal state.
// All state mutations flow through one goroutine, so transition checks and
// sequence numbers never race.
package lifecycle

import (
	"fmt"
	"time"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
)

// validTransitions encodes the order state machine. Terminal states are
// absorbing: they have no outgoing edges.
var validTransitions = map[core.OrderStatus]map[core.OrderStatus]bool{
	core.StatusCreated: {
		core.StatusValidated: true,
		core.StatusRejected:  true,
	},
	core.StatusValidated: {
		core.StatusRouted:   true,
		core.StatusRejected: true,
	},
	core.StatusRouted: {
		core.StatusSubmitted: true,
		core.StatusRejected:  true,
	},
	core.StatusSubmitted: {
		core.StatusAcked:           true,
		core.StatusPartiallyFilled: true, // fill can outrun the ack
		core.StatusFilled:          true,
		core.StatusRejected:        true,
		core.StatusExpired:         true,
		core.StatusCancelled:       true,
	},
	core.StatusAcked: {
		core.StatusPartiallyFilled: true,
		core.StatusFilled:          true,
		core.StatusCancelled:       true,
		core.StatusExpired:         true,
	},
	core.StatusPartiallyFilled: {
		core.StatusPartiallyFilled: true,
		core.StatusFilled:          true,
		core.StatusCancelled:       true,
		core.StatusExpired:         true,
	},
}

// TransitionRecord is one audited state change.
type TransitionRecord struct {
	Seq    uint64
	From   core.OrderStatus
	To     core.OrderStatus
	Reason string
	At     time.Time
}

// TrackedOrder couples an order with its transition history. Sequence
// numbers increase monotonically per order so the audit trail totally
// orders concurrent events.
type TrackedOrder struct {
	Order   *core.Order
	History []TransitionRecord

	// ReservedNotional is the exposure reserved in the portfolio for this
	// order's unfilled remainder, released when it goes terminal.
	ReservedNotional core.Cents

	seq uint64
}

// NewTrackedOrder starts tracking an order.
func NewTrackedOrder(order *core.Order, reserved core.Cents) *TrackedOrder {
	return &TrackedOrder{
		Order:            order,
		ReservedNotional: reserved,
	}
}

// Seq returns the last assigned sequence number.
func (t *TrackedOrder) Seq() uint64 {
	return t.seq
}

// Transition moves the order to a new state, recording the change. Illegal
// edges and any move out of a terminal state fail with ErrInvalidTransition.
func (t *TrackedOrder) Transition(to core.OrderStatus, reason string) error {
	from := t.Order.Status
	if from.IsTerminal() {
		return fmt.Errorf("%w: order %s is already terminal (%s)",
			apperrors.ErrInvalidTransition, t.Order.ID, from)
	}
	if !validTransitions[from][to] {
		return fmt.Errorf("%w: order %s cannot move %s -> %s",
			apperrors.ErrInvalidTransition, t.Order.ID, from, to)
	}

	now := time.Now().UTC()
	t.seq++
	t.Order.Status = to
	t.Order.UpdatedAt = now
	t.History = append(t.History, TransitionRecord{
		Seq:    t.seq,
		From:   from,
		To:     to,
		Reason: reason,
		At:     now,
	})
	return nil
}
