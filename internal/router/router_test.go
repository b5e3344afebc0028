package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution_engine/internal/broker"
	"execution_engine/internal/core"
	"execution_engine/internal/logging"
	apperrors "execution_engine/pkg/errors"
)

func testVenue(name string, feeBps int, liquidity float64, latency int) *Venue {
	return &Venue{
		Name:           name,
		FeeBps:         feeBps,
		LiquidityScore: liquidity,
		LatencyMillis:  latency,
		Adapter:        broker.NewMockBroker(broker.MockConfig{Name: name}, logging.NewNopLogger()),
	}
}

func testRegistry(t *testing.T, venues ...*Venue) *Registry {
	t.Helper()
	registry := NewRegistry()
	for _, v := range venues {
		require.NoError(t, registry.Register(v))
	}
	return registry
}

func routeOrder(t *testing.T) *core.Order {
	t.Helper()
	order, err := core.NewOrder("sig-9-1", "ES", core.SideBuy, 10, 0, "sig-9")
	require.NoError(t, err)
	order.Attempt = 1
	return order
}

func TestClientOrderIDDeterministic(t *testing.T) {
	assert.Equal(t, "sig-9-1", ClientOrderID("sig-9", 1))
	assert.Equal(t, "sig-9-2", ClientOrderID("sig-9", 2))
	assert.Equal(t, ClientOrderID("sig-9", 1), ClientOrderID("sig-9", 1))
}

func TestRouteBestScore(t *testing.T) {
	registry := testRegistry(t,
		testVenue("cheap_slow", 1, 0.5, 500),
		testVenue("liquid_fast", 5, 0.95, 5),
	)
	rtr, err := NewRouter(registry, PolicyBestScore, nil, 10, logging.NewNopLogger())
	require.NoError(t, err)

	order := routeOrder(t)
	venue, err := rtr.Route(order)
	require.NoError(t, err)
	assert.Equal(t, "liquid_fast", venue.Name)
	assert.Equal(t, "liquid_fast", order.Venue)
	assert.Equal(t, "sig-9-1", order.ID)
}

func TestRouteLowestFee(t *testing.T) {
	registry := testRegistry(t,
		testVenue("a", 5, 0.9, 10),
		testVenue("b", 1, 0.5, 200),
	)
	rtr, err := NewRouter(registry, PolicyLowestFee, nil, 10, logging.NewNopLogger())
	require.NoError(t, err)

	venue, err := rtr.Route(routeOrder(t))
	require.NoError(t, err)
	assert.Equal(t, "b", venue.Name)
}

func TestRouteLowestLatency(t *testing.T) {
	registry := testRegistry(t,
		testVenue("a", 1, 0.9, 50),
		testVenue("b", 5, 0.5, 3),
	)
	rtr, err := NewRouter(registry, PolicyLowestLatency, nil, 10, logging.NewNopLogger())
	require.NoError(t, err)

	venue, err := rtr.Route(routeOrder(t))
	require.NoError(t, err)
	assert.Equal(t, "b", venue.Name)
}

func TestRoutePreferredWithFallback(t *testing.T) {
	registry := testRegistry(t,
		testVenue("primary", 1, 0.9, 10),
		testVenue("secondary", 2, 0.8, 20),
	)
	rtr, err := NewRouter(registry, PolicyPreferred, []string{"primary", "secondary"}, 10, logging.NewNopLogger())
	require.NoError(t, err)

	venue, err := rtr.Route(routeOrder(t))
	require.NoError(t, err)
	assert.Equal(t, "primary", venue.Name)

	registry.SetHealth("primary", false)
	venue, err = rtr.Route(routeOrder(t))
	require.NoError(t, err)
	assert.Equal(t, "secondary", venue.Name)
}

func TestRouteSkipsUnhealthyVenues(t *testing.T) {
	registry := testRegistry(t,
		testVenue("good", 5, 0.5, 100),
		testVenue("bad", 1, 0.99, 1),
	)
	registry.SetHealth("bad", false)

	rtr, err := NewRouter(registry, PolicyBestScore, nil, 10, logging.NewNopLogger())
	require.NoError(t, err)

	venue, err := rtr.Route(routeOrder(t))
	require.NoError(t, err)
	assert.Equal(t, "good", venue.Name)
}

func TestRouteNoEligibleVenue(t *testing.T) {
	registry := testRegistry(t, testVenue("only", 1, 0.9, 10))
	registry.SetHealth("only", false)

	rtr, err := NewRouter(registry, PolicyBestScore, nil, 10, logging.NewNopLogger())
	require.NoError(t, err)

	_, err = rtr.Route(routeOrder(t))
	assert.ErrorIs(t, err, apperrors.ErrRoutingUnavailable)
}

func TestRouteRespectsOrderTypeSupport(t *testing.T) {
	limitOnly := testVenue("limit_only", 1, 0.99, 1)
	limitOnly.OrderTypes = map[core.OrderType]bool{core.OrderTypeLimit: true}
	anyType := testVenue("any_type", 5, 0.5, 100)

	registry := testRegistry(t, limitOnly, anyType)
	rtr, err := NewRouter(registry, PolicyBestScore, nil, 10, logging.NewNopLogger())
	require.NoError(t, err)

	venue, err := rtr.Route(routeOrder(t)) // market order
	require.NoError(t, err)
	assert.Equal(t, "any_type", venue.Name)
}

func TestRoutingHistoryBounded(t *testing.T) {
	registry := testRegistry(t, testVenue("only", 1, 0.9, 10))
	rtr, err := NewRouter(registry, PolicyBestScore, nil, 3, logging.NewNopLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := rtr.Route(routeOrder(t))
		require.NoError(t, err)
	}
	assert.Len(t, rtr.History(), 3)
}

func TestNewRouterRejectsBadPolicy(t *testing.T) {
	registry := testRegistry(t, testVenue("only", 1, 0.9, 10))

	_, err := NewRouter(registry, "round_robin", nil, 10, logging.NewNopLogger())
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = NewRouter(registry, PolicyPreferred, nil, 10, logging.NewNopLogger())
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
