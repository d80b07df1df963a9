// Package notification delivers workflow emails and SMS, renders them from
// registered templates, and keeps an in-memory delivery journal operators
// can inspect and retry from.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Channel selects the delivery transport for a notification.
type Channel string

const (
	TypeEmail Channel = "email"
	TypeSMS   Channel = "sms"
)

// Delivery statuses recorded in the journal.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification is one journal entry: what was sent, to whom, and how the
// delivery went.
type Notification struct {
	ID         string     `json:"id"`
	Type       Channel    `json:"type"`
	Recipient  string     `json:"recipient"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body"`
	TemplateID string     `json:"template_id,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// EmailSender delivers a rendered email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers a rendered SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// LogEmailSender is the development sender: messages go to the log, nothing
// leaves the process.
type LogEmailSender struct {
	Logger zerolog.Logger
}

func (s *LogEmailSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.Logger.Info().Str("to", to).Str("subject", subject).Msg("email (dev mode, not delivered)")
	return nil
}

// LogSMSSender is the development SMS sender.
type LogSMSSender struct {
	Logger zerolog.Logger
}

func (s *LogSMSSender) SendSMS(_ context.Context, to, _ string) error {
	s.Logger.Info().Str("to", to).Msg("sms (dev mode, not delivered)")
	return nil
}

// Template is a reusable message with {{placeholder}} slots.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Type    Channel `json:"type"`
}

// TemplateEngine holds the registered templates and renders them.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine seeded with the workflow templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range workflowTemplates {
		e.templates[t.ID] = t
	}
	return e
}

// workflowTemplates are the milestone messages the Events facade sends.
var workflowTemplates = []Template{
	{
		ID:      "consultation-assigned",
		Name:    "Consultation Assigned",
		Subject: "A provider is reviewing your consultation",
		Body:    "Dear {{patient_name}}, {{provider_name}} has picked up your consultation and will review your symptoms shortly.",
		Type:    TypeEmail,
	},
	{
		ID:      "consultation-cancelled",
		Name:    "Consultation Cancelled",
		Subject: "Your consultation was cancelled",
		Body:    "Dear {{patient_name}}, your consultation has been cancelled. Reason: {{reason}}. You will not be charged.",
		Type:    TypeEmail,
	},
	{
		ID:      "prescription-approved",
		Name:    "Prescription Approved",
		Subject: "Your prescription has been approved",
		Body:    "Dear {{patient_name}}, your provider approved a prescription for {{medication}}. You can now place your order.",
		Type:    TypeEmail,
	},
	{
		ID:      "prescription-sent",
		Name:    "Prescription Sent",
		Subject: "Your prescription is on its way",
		Body:    "Dear {{patient_name}}, your prescription for {{medication}} has been sent to the pharmacy. Tracking number: {{tracking_number}}.",
		Type:    TypeEmail,
	},
	{
		ID:      "order-confirmed",
		Name:    "Order Confirmed",
		Subject: "We received your payment for order {{order_number}}",
		Body:    "Dear {{patient_name}}, your payment of {{total}} for order {{order_number}} was received. We are preparing your shipment.",
		Type:    TypeEmail,
	},
	{
		ID:      "order-shipped",
		Name:    "Order Shipped",
		Subject: "Order {{order_number}} has shipped",
		Body:    "Dear {{patient_name}}, your order {{order_number}} has shipped. Track it with {{tracking_number}}.",
		Type:    TypeEmail,
	},
	{
		ID:      "order-delivered",
		Name:    "Order Delivered",
		Subject: "Order {{order_number}} was delivered",
		Body:    "Dear {{patient_name}}, your order {{order_number}} was delivered. Contact support if anything is missing.",
		Type:    TypeEmail,
	},
	{
		ID:      "refund-processed",
		Name:    "Refund Processed",
		Subject: "Your refund has been processed",
		Body:    "Dear {{patient_name}}, your refund of {{amount}} for order {{order_number}} has been processed. Allow 5-10 business days for it to appear.",
		Type:    TypeEmail,
	},
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	e.templates[t.ID] = t
	e.mu.Unlock()
}

// Lookup returns the template for id.
func (e *TemplateEngine) Lookup(id string) (Template, bool) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	return t, ok
}

// Render fills a template's placeholders from data. Placeholders without a
// matching key stay in place, which makes a missing field visible in the
// delivered message rather than silently blank.
func (e *TemplateEngine) Render(id string, data map[string]string) (subject, body string, err error) {
	t, ok := e.Lookup(id)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", id)
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// EmailCall is one recorded SendEmail invocation.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender records sends for tests and fails on demand.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of the recorded sends.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmailCall(nil), m.calls...)
}

// SMSCall is one recorded SendSMS invocation.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender records sends for tests and fails on demand.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of the recorded sends.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SMSCall(nil), m.calls...)
}

// NotificationManager routes messages to their channel sender and journals
// every attempt. The journal is process-local; it exists for operator
// visibility and retry, not durability.
type NotificationManager struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine

	mu      sync.RWMutex
	journal map[string]*Notification
}

func NewNotificationManager(email EmailSender, sms SMSSender, tpl *TemplateEngine) *NotificationManager {
	return &NotificationManager{
		email:     email,
		sms:       sms,
		templates: tpl,
		journal:   make(map[string]*Notification),
	}
}

// deliver pushes the message through its channel sender and stamps the
// outcome. The send itself runs outside the lock; only the stamp is
// serialized with journal readers.
func (m *NotificationManager) deliver(ctx context.Context, n *Notification) error {
	var err error
	switch n.Type {
	case TypeEmail:
		err = m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case TypeSMS:
		err = m.sms.SendSMS(ctx, n.Recipient, n.Body)
	default:
		err = fmt.Errorf("unsupported notification type: %s", n.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		return err
	}
	now := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &now
	n.Error = ""
	return nil
}

// Send delivers n and journals the outcome, successful or not.
func (m *NotificationManager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = time.Now().UTC()

	err := m.deliver(ctx, n)

	m.mu.Lock()
	m.journal[n.ID] = n
	m.mu.Unlock()
	return err
}

// SendFromTemplate renders the template and sends the result on the
// template's channel.
func (m *NotificationManager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	t, ok := m.templates.Lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("template %q not found", templateID)
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", templateID, err)
	}

	n := &Notification{
		Type:       t.Type,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
	}
	if err := m.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// lookup returns the live journal entry; only deliver may mutate it.
func (m *NotificationManager) lookup(id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.journal[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no journal entry for notification %q", id)
	}
	return n, nil
}

// GetNotification returns a snapshot of one journal entry.
func (m *NotificationManager) GetNotification(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.journal[id]
	if !ok {
		return nil, fmt.Errorf("no journal entry for notification %q", id)
	}
	cp := *n
	return &cp, nil
}

// ListByRecipient returns snapshots of up to limit entries addressed to
// recipient. The journal is a map, so ordering is not defined.
func (m *NotificationManager) ListByRecipient(_ context.Context, recipient string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = journalListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Notification
	for _, n := range m.journal {
		if n.Recipient != recipient {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Retry re-delivers a failed entry in place. Entries in any other state are
// rejected so a retry cannot double-send.
func (m *NotificationManager) Retry(ctx context.Context, id string) error {
	n, err := m.lookup(id)
	if err != nil {
		return err
	}
	if n.Status != StatusFailed {
		return fmt.Errorf("notification %q has status %s; only failed deliveries can be retried", id, n.Status)
	}
	return m.deliver(ctx, n)
}

// NotificationStats counts journal entries per status.
func (m *NotificationManager) NotificationStats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range m.journal {
		stats[n.Status]++
	}
	return stats
}

// Events is the facade domain services use to announce workflow milestones.
// Delivery is fire-and-forget: failures are logged and never propagate, so a
// down mail provider cannot fail a consultation or an order. A nil *Events is
// safe to call.
type Events struct {
	manager *NotificationManager
	logger  zerolog.Logger
}

// NewEvents constructs the workflow event facade.
func NewEvents(mgr *NotificationManager, logger zerolog.Logger) *Events {
	return &Events{manager: mgr, logger: logger}
}

func (e *Events) notify(ctx context.Context, templateID, recipient string, data map[string]string) {
	if e == nil || e.manager == nil || recipient == "" {
		return
	}
	if _, err := e.manager.SendFromTemplate(ctx, templateID, data, recipient); err != nil {
		e.logger.Warn().
			Err(err).
			Str("template", templateID).
			Str("recipient", recipient).
			Msg("notification delivery failed")
	}
}

// ConsultationAssigned announces that a provider picked up a consultation.
func (e *Events) ConsultationAssigned(ctx context.Context, recipient, patientName, providerName string) {
	e.notify(ctx, "consultation-assigned", recipient, map[string]string{
		"patient_name":  patientName,
		"provider_name": providerName,
	})
}

// ConsultationCancelled announces a cancellation and its reason.
func (e *Events) ConsultationCancelled(ctx context.Context, recipient, patientName, reason string) {
	e.notify(ctx, "consultation-cancelled", recipient, map[string]string{
		"patient_name": patientName,
		"reason":       reason,
	})
}

// PrescriptionApproved announces that the provider approved a prescription.
func (e *Events) PrescriptionApproved(ctx context.Context, recipient, patientName, medication string) {
	e.notify(ctx, "prescription-approved", recipient, map[string]string{
		"patient_name": patientName,
		"medication":   medication,
	})
}

// PrescriptionSent announces a successful pharmacy dispatch.
func (e *Events) PrescriptionSent(ctx context.Context, recipient, patientName, medication, trackingNumber string) {
	e.notify(ctx, "prescription-sent", recipient, map[string]string{
		"patient_name":    patientName,
		"medication":      medication,
		"tracking_number": trackingNumber,
	})
}

// OrderConfirmed announces successful payment for an order.
func (e *Events) OrderConfirmed(ctx context.Context, recipient, patientName, orderNumber, total string) {
	e.notify(ctx, "order-confirmed", recipient, map[string]string{
		"patient_name": patientName,
		"order_number": orderNumber,
		"total":        total,
	})
}

// OrderShipped announces that fulfillment handed the order to the carrier.
func (e *Events) OrderShipped(ctx context.Context, recipient, patientName, orderNumber, trackingNumber string) {
	e.notify(ctx, "order-shipped", recipient, map[string]string{
		"patient_name":    patientName,
		"order_number":    orderNumber,
		"tracking_number": trackingNumber,
	})
}

// OrderDelivered announces carrier-confirmed delivery.
func (e *Events) OrderDelivered(ctx context.Context, recipient, patientName, orderNumber string) {
	e.notify(ctx, "order-delivered", recipient, map[string]string{
		"patient_name": patientName,
		"order_number": orderNumber,
	})
}

// RefundProcessed announces a completed refund.
func (e *Events) RefundProcessed(ctx context.Context, recipient, patientName, orderNumber, amount string) {
	e.notify(ctx, "refund-processed", recipient, map[string]string{
		"patient_name": patientName,
		"order_number": orderNumber,
		"amount":       amount,
	})
}

// Handler exposes the delivery journal to operators.
type Handler struct {
	manager *NotificationManager
}

// journalListLimit caps list responses; the journal is in-memory and bounded
// by process lifetime, not by storage.
const journalListLimit = 100

func NewHandler(mgr *NotificationManager) *Handler {
	return &Handler{manager: mgr}
}

// RegisterRoutes mounts the journal endpoints. Callers guard the group;
// these routes are operator-only.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.GET("/notifications/stats", h.Stats)
	g.GET("/notifications/:id", h.Get)
	g.POST("/notifications/:id/retry", h.Retry)
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.manager.GetNotification(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	list, err := h.manager.ListByRecipient(c.Request().Context(), recipient, journalListLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) Retry(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Retry(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.manager.GetNotification(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.NotificationStats(c.Request().Context()))
}
