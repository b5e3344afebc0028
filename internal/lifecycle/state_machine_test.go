package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
)

func trackedOrder(t *testing.T) *TrackedOrder {
	t.Helper()
	order, err := core.NewOrder("sig-1-1", "ES", core.SideBuy, 100, 0, "sig-1")
	require.NoError(t, err)
	return NewTrackedOrder(order, 1_000_000)
}

func TestHappyPathTransitions(t *testing.T) {
	tracked := trackedOrder(t)

	for _, to := range []core.OrderStatus{
		core.StatusValidated,
		core.StatusRouted,
		core.StatusSubmitted,
		core.StatusAcked,
		core.StatusPartiallyFilled,
		core.StatusFilled,
	} {
		require.NoError(t, tracked.Transition(to, ""))
	}

	assert.Equal(t, core.StatusFilled, tracked.Order.Status)
	assert.Len(t, tracked.History, 6)
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	tracked := trackedOrder(t)

	require.NoError(t, tracked.Transition(core.StatusValidated, ""))
	require.NoError(t, tracked.Transition(core.StatusRouted, ""))
	require.NoError(t, tracked.Transition(core.StatusSubmitted, ""))

	for i, rec := range tracked.History {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
	assert.Equal(t, uint64(3), tracked.Seq())
}

func TestIllegalTransitionRejected(t *testing.T) {
	tracked := trackedOrder(t)

	err := tracked.Transition(core.StatusAcked, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	assert.Equal(t, core.StatusCreated, tracked.Order.Status)
	assert.Empty(t, tracked.History)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	tracked := trackedOrder(t)
	require.NoError(t, tracked.Transition(core.StatusRejected, "validation"))

	for _, to := range []core.OrderStatus{
		core.StatusValidated,
		core.StatusSubmitted,
		core.StatusFilled,
		core.StatusCancelled,
	} {
		err := tracked.Transition(to, "")
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	}
	assert.Equal(t, core.StatusRejected, tracked.Order.Status)
}

func TestFillCanOutrunAck(t *testing.T) {
	tracked := trackedOrder(t)
	require.NoError(t, tracked.Transition(core.StatusValidated, ""))
	require.NoError(t, tracked.Transition(core.StatusRouted, ""))
	require.NoError(t, tracked.Transition(core.StatusSubmitted, ""))

	// Execution report arrives before the submit ack.
	require.NoError(t, tracked.Transition(core.StatusPartiallyFilled, ""))
	require.NoError(t, tracked.Transition(core.StatusFilled, ""))
}

func TestPartialFillThenCancel(t *testing.T) {
	tracked := trackedOrder(t)
	require.NoError(t, tracked.Transition(core.StatusValidated, ""))
	require.NoError(t, tracked.Transition(core.StatusRouted, ""))
	require.NoError(t, tracked.Transition(core.StatusSubmitted, ""))
	require.NoError(t, tracked.Transition(core.StatusAcked, ""))
	require.NoError(t, tracked.Transition(core.StatusPartiallyFilled, ""))

	require.NoError(t, tracked.Transition(core.StatusCancelled, "user request"))
	assert.Equal(t, core.StatusCancelled, tracked.Order.Status)
}
