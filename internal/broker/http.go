package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
	"execution_engine/pkg/httpclient"
	"execution_engine/pkg/websocket"
)

// HTTPConfig configures a REST venue adapter.
type HTTPConfig struct {
	Name      string
	BaseURL   string
	StreamURL string
	APIKey    string
	Timeout   time.Duration
}

// apiKeySigner attaches the venue API key to outgoing requests.
type apiKeySigner struct {
	key string
}

func (s *apiKeySigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-API-Key", s.key)
	return nil
}

// Wire types. Prices cross the wire as decimal strings in major units; the
// conversion to integer cents happens exactly at this boundary and nowhere
// else.
type wireOrder struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	Type          string `json:"type"`
	LimitPrice    string `json:"limit_price,omitempty"`
	TimeInForce   string `json:"time_in_force"`
}

type wireAck struct {
	ClientOrderID string `json:"client_order_id"`
	VenueOrderID  string `json:"venue_order_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

type wireStatus struct {
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
}

type wireFill struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	Price         string `json:"price"`
	Timestamp     int64  `json:"timestamp"`
}

// HTTPBroker speaks to a REST venue with a WebSocket execution stream. The
// HTTP client underneath retries transient failures and trips a breaker on a
// persistently failing venue.
type HTTPBroker struct {
	cfg    HTTPConfig
	client *httpclient.Client
	logger core.ILogger
}

// NewHTTPBroker creates an adapter for a REST venue.
func NewHTTPBroker(cfg HTTPConfig, logger core.ILogger) (*HTTPBroker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: venue base url is required", apperrors.ErrValidation)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	var signer httpclient.Signer
	if cfg.APIKey != "" {
		signer = &apiKeySigner{key: cfg.APIKey}
	}
	return &HTTPBroker{
		cfg:    cfg,
		client: httpclient.NewClient(cfg.BaseURL, cfg.Timeout, signer),
		logger: logger.WithField("component", "http_broker").WithField("venue", cfg.Name),
	}, nil
}

// Name returns the venue name.
func (b *HTTPBroker) Name() string { return b.cfg.Name }

// CheckHealth probes the venue health endpoint.
func (b *HTTPBroker) CheckHealth(ctx context.Context) error {
	_, err := b.client.Get(ctx, "/v1/health", nil)
	return err
}

// SubmitOrder posts the order to the venue. The venue deduplicates on the
// client order id, so resubmitting after a lost response is safe.
func (b *HTTPBroker) SubmitOrder(ctx context.Context, order *core.Order) (core.OrderAck, error) {
	wire := wireOrder{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Quantity:      order.Quantity,
		Type:          string(order.Type),
		TimeInForce:   string(order.TimeInForce),
	}
	if order.LimitPrice > 0 {
		wire.LimitPrice = core.DecimalFromCents(order.LimitPrice).String()
	}

	body, err := b.client.Post(ctx, "/v1/orders", wire)
	if err != nil {
		return core.OrderAck{}, b.classify("submit order", err)
	}
	return b.parseAck(body)
}

// CancelOrder requests cancellation by client order id.
func (b *HTTPBroker) CancelOrder(ctx context.Context, clientOrderID string) (core.OrderAck, error) {
	body, err := b.client.Delete(ctx, "/v1/orders/"+clientOrderID, nil)
	if err != nil {
		if apiErr, ok := err.(*httpclient.APIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return core.OrderAck{}, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
		}
		return core.OrderAck{}, b.classify("cancel order", err)
	}
	return b.parseAck(body)
}

// QueryStatus fetches the venue-side order status.
func (b *HTTPBroker) QueryStatus(ctx context.Context, clientOrderID string) (core.OrderStatus, error) {
	body, err := b.client.Get(ctx, "/v1/orders/"+clientOrderID, nil)
	if err != nil {
		if apiErr, ok := err.(*httpclient.APIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
		}
		return "", b.classify("query status", err)
	}

	var status wireStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	return core.OrderStatus(status.Status), nil
}

// StreamFills connects the execution report stream and invokes the callback
// for each decoded fill until the context ends.
func (b *HTTPBroker) StreamFills(ctx context.Context, callback func(core.Fill)) error {
	if b.cfg.StreamURL == "" {
		return fmt.Errorf("%w: venue %s has no stream url", apperrors.ErrValidation, b.cfg.Name)
	}

	ws := websocket.NewClient(b.cfg.StreamURL, func(message []byte) {
		var wire wireFill
		if err := json.Unmarshal(message, &wire); err != nil {
			b.logger.Warn("Dropping undecodable fill message", "error", err)
			return
		}
		price, err := decimal.NewFromString(wire.Price)
		if err != nil {
			b.logger.Warn("Dropping fill with bad price", "order_id", wire.ClientOrderID, "price", wire.Price)
			return
		}
		cents, err := core.CentsFromDecimal(price)
		if err != nil {
			b.logger.Warn("Dropping fill with sub-cent price", "order_id", wire.ClientOrderID, "price", wire.Price)
			return
		}
		fill, err := core.NewFill(wire.ClientOrderID, wire.Symbol, core.Side(wire.Side),
			wire.Quantity, cents, b.cfg.Name, time.UnixMilli(wire.Timestamp).UTC())
		if err != nil {
			b.logger.Warn("Dropping invalid fill", "order_id", wire.ClientOrderID, "error", err)
			return
		}
		callback(fill)
	}, b.logger)

	ws.Start()
	<-ctx.Done()
	ws.Stop()
	return nil
}

func (b *HTTPBroker) parseAck(body []byte) (core.OrderAck, error) {
	var wire wireAck
	if err := json.Unmarshal(body, &wire); err != nil {
		return core.OrderAck{}, fmt.Errorf("failed to decode ack: %w", err)
	}
	ack := core.OrderAck{
		ClientOrderID: wire.ClientOrderID,
		VenueOrderID:  wire.VenueOrderID,
		Reason:        wire.Reason,
		Timestamp:     time.UnixMilli(wire.Timestamp).UTC(),
	}
	switch wire.Status {
	case "ACCEPTED":
		ack.Status = core.AckAccepted
	case "REJECTED":
		ack.Status = core.AckRejected
	default:
		return core.OrderAck{}, fmt.Errorf("unknown ack status %q", wire.Status)
	}
	return ack, nil
}

// classify maps transport failures onto the engine's error taxonomy: network
// and 5xx problems are transient and safe to retry with the same client
// order id, 4xx responses are terminal venue rejections.
func (b *HTTPBroker) classify(op string, err error) error {
	if apiErr, ok := err.(*httpclient.APIError); ok && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrBrokerRejected, op, err)
	}
	return fmt.Errorf("%w: %s: %v", apperrors.ErrBrokerTransient, op, err)
}
