// Package marketdata supplies quotes and volatility estimates to the sizer
// and risk engine. Quotes carry their observation timestamp; consumers
// enforce staleness, the provider never hides a stale value.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
	"execution_engine/pkg/httpclient"
)

// HTTPConfig configures the REST quote provider.
type HTTPConfig struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
}

type wireQuote struct {
	Symbol     string `json:"symbol"`
	Price      string `json:"price"`
	Volatility string `json:"volatility"`
	Timestamp  int64  `json:"timestamp"`
}

// HTTPProvider fetches quotes from a REST endpoint and caches the latest
// observation per symbol. The cache is advisory only; every quote keeps its
// original timestamp so downstream staleness checks stay honest.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *httpclient.Client
	logger core.ILogger

	mu    sync.RWMutex
	cache map[string]core.Quote
}

// NewHTTPProvider creates the provider.
func NewHTTPProvider(cfg HTTPConfig, logger core.ILogger) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: market data base url is required", apperrors.ErrValidation)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: httpclient.NewClient(cfg.BaseURL, cfg.Timeout, nil),
		logger: logger.WithField("component", "market_data"),
		cache:  make(map[string]core.Quote),
	}, nil
}

// GetQuote fetches a fresh quote, falling back to the cached observation
// when the venue is unreachable. A stale cached quote is returned as-is;
// the caller's staleness threshold decides whether to act on it.
func (p *HTTPProvider) GetQuote(ctx context.Context, symbol string) (core.Quote, error) {
	body, err := p.client.Get(ctx, "/v1/quotes/"+symbol, nil)
	if err != nil {
		p.mu.RLock()
		cached, ok := p.cache[symbol]
		p.mu.RUnlock()
		if ok {
			p.logger.Warn("Quote fetch failed, serving cached observation",
				"symbol", symbol, "age", time.Since(cached.Timestamp), "error", err)
			return cached, nil
		}
		return core.Quote{}, fmt.Errorf("%w: no quote available for %s: %v", apperrors.ErrStaleData, symbol, err)
	}

	quote, err := p.decode(body)
	if err != nil {
		return core.Quote{}, err
	}

	p.mu.Lock()
	p.cache[symbol] = quote
	p.mu.Unlock()
	return quote, nil
}

// StreamTicks polls the quote endpoint for each symbol and pushes updates to
// the callback until the context ends.
func (p *HTTPProvider) StreamTicks(ctx context.Context, symbols []string, callback func(core.Quote)) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, symbol := range symbols {
				quote, err := p.GetQuote(ctx, symbol)
				if err != nil {
					p.logger.Warn("Tick poll failed", "symbol", symbol, "error", err)
					continue
				}
				callback(quote)
			}
		}
	}
}

func (p *HTTPProvider) decode(body []byte) (core.Quote, error) {
	var wire wireQuote
	if err := json.Unmarshal(body, &wire); err != nil {
		return core.Quote{}, fmt.Errorf("failed to decode quote: %w", err)
	}

	price, err := decimal.NewFromString(wire.Price)
	if err != nil {
		return core.Quote{}, fmt.Errorf("%w: bad quote price %q", apperrors.ErrValidation, wire.Price)
	}
	priceCents, err := core.CentsFromDecimal(price)
	if err != nil {
		return core.Quote{}, err
	}

	var volCents core.Cents
	if wire.Volatility != "" {
		vol, err := decimal.NewFromString(wire.Volatility)
		if err != nil {
			return core.Quote{}, fmt.Errorf("%w: bad quote volatility %q", apperrors.ErrValidation, wire.Volatility)
		}
		volCents, err = core.CentsFromDecimal(vol)
		if err != nil {
			return core.Quote{}, err
		}
	}

	return core.Quote{
		Symbol:     wire.Symbol,
		Price:      priceCents,
		Volatility: volCents,
		Timestamp:  time.UnixMilli(wire.Timestamp).UTC(),
	}, nil
}

// StaticProvider serves fixed quotes, used in tests and paper trading.
type StaticProvider struct {
	mu     sync.RWMutex
	quotes map[string]core.Quote
}

// NewStaticProvider creates a provider with the given quotes.
func NewStaticProvider(quotes map[string]core.Quote) *StaticProvider {
	if quotes == nil {
		quotes = make(map[string]core.Quote)
	}
	return &StaticProvider{quotes: quotes}
}

// SetQuote installs or replaces the quote for a symbol.
func (p *StaticProvider) SetQuote(q core.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.Symbol] = q
}

// GetQuote returns the stored quote for a symbol.
func (p *StaticProvider) GetQuote(ctx context.Context, symbol string) (core.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return core.Quote{}, fmt.Errorf("%w: no quote for %s", apperrors.ErrStaleData, symbol)
	}
	return q, nil
}

// StreamTicks pushes the stored quotes once and waits for cancellation.
func (p *StaticProvider) StreamTicks(ctx context.Context, symbols []string, callback func(core.Quote)) error {
	for _, symbol := range symbols {
		if q, err := p.GetQuote(ctx, symbol); err == nil {
			callback(q)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}
