// Package router selects an execution venue for a validated order and
// normalizes it for the chosen broker adapter.
package router

import (
	"fmt"
	"sync"
	"time"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
)

// Policy selects how the router picks among eligible venues.
type Policy string

const (
	PolicyBestScore     Policy = "best_score"
	PolicyLowestFee     Policy = "lowest_fee"
	PolicyLowestLatency Policy = "lowest_latency"
	PolicyPreferred     Policy = "preferred"
)

// Venue is one registered execution destination.
type Venue struct {
	Name           string
	FeeBps         int
	LiquidityScore float64
	LatencyMillis  int
	OrderTypes     map[core.OrderType]bool
	Symbols        map[string]bool // empty means all instruments
	Adapter        core.IBrokerAdapter
}

// Supports reports whether the venue accepts the order's type and symbol.
func (v *Venue) Supports(order *core.Order) bool {
	if len(v.OrderTypes) > 0 && !v.OrderTypes[order.Type] {
		return false
	}
	if len(v.Symbols) > 0 && !v.Symbols[order.Symbol] {
		return false
	}
	return true
}

// score weighs liquidity, fees, and latency the same way for every venue:
// 0.4 liquidity, 0.3 fee, 0.3 latency.
func (v *Venue) score() float64 {
	feeRate := float64(v.FeeBps) / 10000
	return v.LiquidityScore*0.4 +
		(1-feeRate)*0.3 +
		(1/(1+float64(v.LatencyMillis)/100))*0.3
}

// Registry tracks registered venues and their health.
type Registry struct {
	mu      sync.RWMutex
	venues  map[string]*Venue
	healthy map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		venues:  make(map[string]*Venue),
		healthy: make(map[string]bool),
	}
}

// Register adds a venue. Venues start healthy.
func (r *Registry) Register(v *Venue) error {
	if v.Name == "" || v.Adapter == nil {
		return fmt.Errorf("%w: venue needs a name and an adapter", apperrors.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[v.Name]; exists {
		return fmt.Errorf("%w: venue %s already registered", apperrors.ErrValidation, v.Name)
	}
	r.venues[v.Name] = v
	r.healthy[v.Name] = true
	return nil
}

// SetHealth marks a venue healthy or unhealthy; unhealthy venues are
// excluded from routing until marked healthy again.
func (r *Registry) SetHealth(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.venues[name]; ok {
		r.healthy[name] = healthy
	}
}

// Get returns a venue by name.
func (r *Registry) Get(name string) (*Venue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[name]
	return v, ok
}

// eligible returns healthy venues that support the order.
func (r *Registry) eligible(order *core.Order) []*Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Venue
	for name, v := range r.venues {
		if r.healthy[name] && v.Supports(order) {
			out = append(out, v)
		}
	}
	return out
}

// RoutingRecord is one routing decision kept for introspection.
type RoutingRecord struct {
	OrderID   string
	Venue     string
	Timestamp time.Time
	Quantity  int64
}

// Router selects a venue by policy and stamps the order with its venue and
// deterministic client order id.
type Router struct {
	registry  *Registry
	policy    Policy
	preferred []string
	logger    core.ILogger

	historyMu   sync.Mutex
	history     []RoutingRecord
	historySize int
}

// NewRouter builds a router over the registry.
func NewRouter(registry *Registry, policy Policy, preferred []string, historySize int, logger core.ILogger) (*Router, error) {
	switch policy {
	case PolicyBestScore, PolicyLowestFee, PolicyLowestLatency:
	case PolicyPreferred:
		if len(preferred) == 0 {
			return nil, fmt.Errorf("%w: preferred policy needs a venue list", apperrors.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown routing policy %q", apperrors.ErrValidation, policy)
	}
	if historySize <= 0 {
		historySize = 1000
	}
	return &Router{
		registry:    registry,
		policy:      policy,
		preferred:   preferred,
		logger:      logger.WithField("component", "order_router"),
		historySize: historySize,
	}, nil
}

// ClientOrderID derives the idempotent client order id from the parent
// signal id and the retry attempt. Resubmitting attempt N always produces
// the same id, so the venue can deduplicate.
func ClientOrderID(signalID string, attempt int) string {
	return fmt.Sprintf("%s-%d", signalID, attempt)
}

// Route picks a venue for the order, assigns the client order id for the
// order's current attempt, and returns the adapter to dispatch to. Fails
// with ErrRoutingUnavailable when no healthy venue accepts the order.
func (r *Router) Route(order *core.Order) (*Venue, error) {
	eligible := r.registry.eligible(order)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no healthy venue accepts %s %s order",
			apperrors.ErrRoutingUnavailable, order.Symbol, order.Type)
	}

	var chosen *Venue
	switch r.policy {
	case PolicyPreferred:
		chosen = r.pickPreferred(eligible)
		if chosen == nil {
			// Preferred list exhausted: fall back to scoring.
			chosen = pickBestScore(eligible)
		}
	case PolicyLowestFee:
		chosen = eligible[0]
		for _, v := range eligible[1:] {
			if v.FeeBps < chosen.FeeBps {
				chosen = v
			}
		}
	case PolicyLowestLatency:
		chosen = eligible[0]
		for _, v := range eligible[1:] {
			if v.LatencyMillis < chosen.LatencyMillis {
				chosen = v
			}
		}
	default:
		chosen = pickBestScore(eligible)
	}

	order.Venue = chosen.Name
	order.ID = ClientOrderID(order.ParentSignalID, order.Attempt)
	order.UpdatedAt = time.Now().UTC()

	r.recordRouting(RoutingRecord{
		OrderID:   order.ID,
		Venue:     chosen.Name,
		Timestamp: order.UpdatedAt,
		Quantity:  order.Quantity,
	})

	r.logger.Debug("Routed order",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"venue", chosen.Name,
		"policy", string(r.policy))

	return chosen, nil
}

func (r *Router) pickPreferred(eligible []*Venue) *Venue {
	byName := make(map[string]*Venue, len(eligible))
	for _, v := range eligible {
		byName[v.Name] = v
	}
	for _, name := range r.preferred {
		if v, ok := byName[name]; ok {
			return v
		}
	}
	return nil
}

func pickBestScore(eligible []*Venue) *Venue {
	best := eligible[0]
	bestScore := best.score()
	for _, v := range eligible[1:] {
		if s := v.score(); s > bestScore {
			best = v
			bestScore = s
		}
	}
	return best
}

func (r *Router) recordRouting(rec RoutingRecord) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	r.history = append(r.history, rec)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}
}

// History returns a copy of the recent routing decisions.
func (r *Router) History() []RoutingRecord {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	out := make([]RoutingRecord, len(r.history))
	copy(out, r.history)
	return out
}
