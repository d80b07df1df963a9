// Package payment wraps the card processor's REST API behind a small Gateway
// interface. Amounts cross this boundary in minor units (cents); everything
// above it works in decimal major units.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Intent statuses reported by the processor.
const (
	IntentStatusRequiresPayment      = "requires_payment_method"
	IntentStatusRequiresConfirmation = "requires_confirmation"
	IntentStatusProcessing           = "processing"
	IntentStatusSucceeded            = "succeeded"
	IntentStatusCanceled             = "canceled"
)

// Customer is the processor-side record for a patient.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Intent is a payment intent as the processor reports it.
type Intent struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	CustomerID   string `json:"customer"`
}

// Refund is a refund as the processor reports it.
type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// IntentParams holds the inputs for creating a payment intent.
type IntentParams struct {
	Amount      int64 // minor units
	Currency    string
	CustomerID  string
	OrderID     string
	Description string
}

// Gateway is the processor surface the order workflow needs.
type Gateway interface {
	CreateCustomer(ctx context.Context, email, name string) (*Customer, error)
	CreateIntent(ctx context.Context, params IntentParams) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	RefundIntent(ctx context.Context, intentID string, amount int64) (*Refund, error)
}

// GatewayError carries the processor's error response.
type GatewayError struct {
	StatusCode int
	Code       string
	Type       string
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment gateway: %s (%s, http %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("payment gateway: %s (http %d)", e.Message, e.StatusCode)
}

// MinorUnits converts a decimal major-unit amount to integer minor units,
// rounding half away from zero. 49.99 becomes 4999.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// MajorUnits converts integer minor units back to a decimal major-unit amount.
func MajorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100))
}

// ---------------------------------------------------------------------------
// HTTP Client
// ---------------------------------------------------------------------------

// Client talks to the processor's form-encoded REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient constructs a processor client. baseURL must not end with a slash.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateCustomer registers a customer record with the processor.
func (c *Client) CreateCustomer(ctx context.Context, email, name string) (*Customer, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("name", name)

	var cust Customer
	if err := c.do(ctx, http.MethodPost, "/v1/customers", form, &cust); err != nil {
		return nil, err
	}
	return &cust, nil
}

// CreateIntent opens a payment intent for the given amount.
func (c *Client) CreateIntent(ctx context.Context, params IntentParams) (*Intent, error) {
	if params.Amount <= 0 {
		return nil, fmt.Errorf("intent amount must be positive, got %d", params.Amount)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", params.Currency)
	if params.CustomerID != "" {
		form.Set("customer", params.CustomerID)
	}
	if params.OrderID != "" {
		form.Set("metadata[order_id]", params.OrderID)
	}
	if params.Description != "" {
		form.Set("description", params.Description)
	}

	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetIntent fetches the current state of a payment intent.
func (c *Client) GetIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// RefundIntent refunds part or all of a settled intent. amount is in minor
// units; zero refunds the full amount.
func (c *Client) RefundIntent(ctx context.Context, intentID string, amount int64) (*Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", intentID)
	if amount > 0 {
		form.Set("amount", strconv.FormatInt(amount, 10))
	}

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", form, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// errorEnvelope mirrors the processor's error response body.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := &GatewayError{StatusCode: resp.StatusCode, Message: "request failed"}
		var env errorEnvelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
			gerr.Type = env.Error.Type
			gerr.Code = env.Error.Code
			gerr.Message = env.Error.Message
		}
		return gerr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mock Gateway (test double)
// ---------------------------------------------------------------------------

// MockGateway is an in-memory Gateway for tests. Intents are created in the
// IntentStatus status (default requires_payment_method) and can be flipped
// with SettleIntent to simulate the patient completing checkout.
type MockGateway struct {
	mu           sync.Mutex
	customers    map[string]*Customer
	intents      map[string]*Intent
	refunds      []*Refund
	nextID       int
	IntentStatus string
	FailWith     error
}

// NewMockGateway constructs an empty MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		customers: make(map[string]*Customer),
		intents:   make(map[string]*Intent),
	}
}

func (m *MockGateway) CreateCustomer(_ context.Context, email, name string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	m.nextID++
	cust := &Customer{ID: fmt.Sprintf("cus_mock%d", m.nextID), Email: email, Name: name}
	m.customers[cust.ID] = cust
	return cust, nil
}

func (m *MockGateway) CreateIntent(_ context.Context, params IntentParams) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	status := m.IntentStatus
	if status == "" {
		status = IntentStatusRequiresPayment
	}
	m.nextID++
	intent := &Intent{
		ID:           fmt.Sprintf("pi_mock%d", m.nextID),
		Amount:       params.Amount,
		Currency:     params.Currency,
		Status:       status,
		ClientSecret: fmt.Sprintf("pi_mock%d_secret", m.nextID),
		CustomerID:   params.CustomerID,
	}
	m.intents[intent.ID] = intent
	return intent, nil
}

func (m *MockGateway) GetIntent(_ context.Context, id string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	intent, ok := m.intents[id]
	if !ok {
		return nil, &GatewayError{StatusCode: http.StatusNotFound, Code: "resource_missing", Message: "no such payment_intent: " + id}
	}
	cp := *intent
	return &cp, nil
}

func (m *MockGateway) RefundIntent(_ context.Context, intentID string, amount int64) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	intent, ok := m.intents[intentID]
	if !ok {
		return nil, &GatewayError{StatusCode: http.StatusNotFound, Code: "resource_missing", Message: "no such payment_intent: " + intentID}
	}
	if amount == 0 {
		amount = intent.Amount
	}
	m.nextID++
	refund := &Refund{ID: fmt.Sprintf("re_mock%d", m.nextID), Amount: amount, Status: "succeeded"}
	m.refunds = append(m.refunds, refund)
	return refund, nil
}

// SettleIntent marks a mock intent as succeeded.
func (m *MockGateway) SettleIntent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if intent, ok := m.intents[id]; ok {
		intent.Status = IntentStatusSucceeded
	}
}

// Refunds returns a copy of recorded refunds.
func (m *MockGateway) Refunds() []*Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Refund, len(m.refunds))
	copy(out, m.refunds)
	return out
}
