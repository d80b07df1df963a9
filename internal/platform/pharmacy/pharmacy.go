// Package pharmacy hands approved prescriptions to the partner pharmacy's
// fulfillment API. The Dispatcher implementation is chosen once at startup:
// deployments without a pharmacy partner run the disabled dispatcher, which
// accepts every order without any external call.
package pharmacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrDispatchFailed wraps every transport or upstream failure so callers can
// branch on it without knowing the adapter in use.
var ErrDispatchFailed = errors.New("pharmacy dispatch failed")

// Item is one medication line within a dispatch order.
type Item struct {
	Medication string `json:"medication"`
	Dosage     string `json:"dosage"`
	Quantity   int    `json:"quantity"`
	Refills    int    `json:"refills"`
}

// Order is the fulfillment payload for an approved prescription. One approval
// produces one order, however many medications it carries.
type Order struct {
	ConsultationID string `json:"consultation_id"`
	PatientName    string `json:"patient_name"`
	Items          []Item `json:"items"`
	AddressLine1   string `json:"address_line1"`
	AddressLine2   string `json:"address_line2,omitempty"`
	City           string `json:"city"`
	State          string `json:"state"`
	PostalCode     string `json:"postal_code"`
}

// Result is the pharmacy's acknowledgement of an accepted order.
type Result struct {
	PharmacyOrderID   string `json:"order_id"`
	TrackingNumber    string `json:"tracking_number"`
	EstimatedDelivery string `json:"estimated_delivery"`
}

// Dispatcher is the surface the prescription workflow depends on.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, order Order) (*Result, error)
}

// ---------------------------------------------------------------------------
// HTTP Client
// ---------------------------------------------------------------------------

// Client dispatches orders to the partner pharmacy over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewClient constructs the partner API dispatcher. Both the endpoint and the
// API key must be configured; a half-configured adapter fails here rather than
// on the first approval.
func NewClient(endpoint, apiKey string) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("pharmacy endpoint is required")
	}
	if apiKey == "" {
		return nil, errors.New("pharmacy api key is required")
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *Client) Name() string { return "partner-api" }

// Dispatch submits the order and returns the pharmacy's acknowledgement.
func (c *Client) Dispatch(ctx context.Context, order Order) (*Result, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal order: %v", ErrDispatchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrDispatchFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrDispatchFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("%w: http status %d: %s", ErrDispatchFailed, resp.StatusCode, msg)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrDispatchFailed, err)
	}
	if result.PharmacyOrderID == "" {
		return nil, fmt.Errorf("%w: response missing order_id", ErrDispatchFailed)
	}
	return &result, nil
}

// ---------------------------------------------------------------------------
// Disabled Dispatcher
// ---------------------------------------------------------------------------

type disabledDispatcher struct{}

// NewDisabledDispatcher returns a Dispatcher that accepts every order without
// contacting any pharmacy. The workflow proceeds normally; the empty Result
// simply carries no tracking data.
func NewDisabledDispatcher() Dispatcher {
	return disabledDispatcher{}
}

func (disabledDispatcher) Name() string { return "disabled" }

func (disabledDispatcher) Dispatch(_ context.Context, _ Order) (*Result, error) {
	return &Result{}, nil
}

// ---------------------------------------------------------------------------
// Mock Dispatcher (test double)
// ---------------------------------------------------------------------------

// MockDispatcher records dispatched orders and replays a configured response.
type MockDispatcher struct {
	mu       sync.Mutex
	orders   []Order
	Result   *Result
	FailWith error
}

func (m *MockDispatcher) Name() string { return "mock" }

// Dispatch records the order and returns the configured result or error.
func (m *MockDispatcher) Dispatch(_ context.Context, order Order) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	if m.Result != nil {
		cp := *m.Result
		return &cp, nil
	}
	return &Result{PharmacyOrderID: "ph-mock-1", TrackingNumber: "TRK-MOCK-1"}, nil
}

// Orders returns a copy of recorded orders.
func (m *MockDispatcher) Orders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, len(m.orders))
	copy(out, m.orders)
	return out
}
