package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/quickcare/quickcare/internal/domain/consultation"
	"github.com/quickcare/quickcare/internal/domain/identity"
	"github.com/quickcare/quickcare/internal/domain/prescription"
	"github.com/quickcare/quickcare/internal/platform/payment"
)

type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

type mockRepo struct {
	mu         sync.Mutex
	orders     map[uuid.UUID]*Order
	items      map[uuid.UUID][]*OrderItem
	intents    map[string]*PaymentIntentRecord
	failCreate bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		orders:  map[uuid.UUID]*Order{},
		items:   map[uuid.UUID][]*OrderItem{},
		intents: map[string]*PaymentIntentRecord{},
	}
}

func (m *mockRepo) Create(ctx context.Context, o *Order, items []*OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return fmt.Errorf("insert failed")
	}
	o.ID = uuid.New()
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	m.orders[o.ID] = o
	for _, item := range items {
		item.ID = uuid.New()
		item.OrderID = o.ID
	}
	m.items[o.ID] = items
	return nil
}

func (m *mockRepo) NextOrderNumber(ctx context.Context, day time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := "QC-" + day.UTC().Format("20060102")
	seq := 1
	for _, o := range m.orders {
		if strings.HasPrefix(o.OrderNumber, prefix+"-") {
			seq++
		}
	}
	return fmt.Sprintf("%s-%04d", prefix, seq), nil
}

func (m *mockRepo) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (m *mockRepo) GetByIntentID(ctx context.Context, intentID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PaymentIntentID != nil && *o.PaymentIntentID == intentID {
			return o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) ItemsByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[orderID], nil
}

func (m *mockRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if o.PatientID == patientID {
			out = append(out, o)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) List(ctx context.Context, status PaymentStatus, limit, offset int) ([]*Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if status == "" || o.PaymentStatus == status {
			out = append(out, o)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) MarkPaid(ctx context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.PaymentStatus != PaymentPending {
		return 0, nil
	}
	now := time.Now().UTC()
	o.PaymentStatus = PaymentCompleted
	o.FulfillmentStatus = FulfillmentProcessing
	o.PaidAt = &now
	o.UpdatedAt = now
	return 1, nil
}

func (m *mockRepo) AdvanceFulfillment(ctx context.Context, id uuid.UUID, p FulfillmentParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.FulfillmentStatus != p.From {
		return 0, nil
	}
	now := time.Now().UTC()
	o.FulfillmentStatus = p.To
	switch p.To {
	case FulfillmentShipped:
		o.ShippedAt = &now
	case FulfillmentDelivered:
		o.DeliveredAt = &now
	}
	if p.Carrier != nil {
		o.Carrier = p.Carrier
	}
	if p.TrackingNumber != nil {
		o.TrackingNumber = p.TrackingNumber
	}
	o.UpdatedAt = now
	return 1, nil
}

func (m *mockRepo) MarkRefunded(ctx context.Context, id uuid.UUID, status PaymentStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || (o.PaymentStatus != PaymentCompleted && o.PaymentStatus != PaymentPartiallyRefunded) {
		return 0, nil
	}
	o.PaymentStatus = status
	o.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (m *mockRepo) RecordIntent(ctx context.Context, rec *PaymentIntentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.CreatedAt = time.Now().UTC()
	m.intents[rec.IntentID] = rec
	return nil
}

func (m *mockRepo) OrphanedIntents(ctx context.Context, limit, offset int) ([]*PaymentIntentRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	referenced := map[string]bool{}
	for _, o := range m.orders {
		if o.PaymentIntentID != nil {
			referenced[*o.PaymentIntentID] = true
		}
	}
	var out []*PaymentIntentRecord
	for id, rec := range m.intents {
		if !referenced[id] {
			out = append(out, rec)
		}
	}
	return out, len(out), nil
}

type stubRxRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*prescription.Prescription
}

func newStubRxRepo() *stubRxRepo {
	return &stubRxRepo{items: map[uuid.UUID]*prescription.Prescription{}}
}

func (m *stubRxRepo) CreateBatch(ctx context.Context, items []*prescription.Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range items {
		p.ID = uuid.New()
		m.items[p.ID] = p
	}
	return nil
}

func (m *stubRxRepo) GetByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, prescription.ErrNotFound
	}
	return p, nil
}

func (m *stubRxRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*prescription.Prescription, int, error) {
	return nil, 0, nil
}

func (m *stubRxRepo) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*prescription.Prescription, error) {
	return nil, nil
}

func (m *stubRxRepo) RecordRefill(ctx context.Context, id uuid.UUID) (int64, error) {
	return 0, nil
}

func (m *stubRxRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status prescription.Status) (int64, error) {
	return 0, nil
}

type stubConsultationRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*consultation.Consultation
}

func newStubConsultationRepo() *stubConsultationRepo {
	return &stubConsultationRepo{items: map[uuid.UUID]*consultation.Consultation{}}
}

func (m *stubConsultationRepo) Create(ctx context.Context, c *consultation.Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	m.items[c.ID] = c
	return nil
}

func (m *stubConsultationRepo) GetByID(ctx context.Context, id uuid.UUID) (*consultation.Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, consultation.ErrNotFound
	}
	return c, nil
}

func (m *stubConsultationRepo) List(ctx context.Context, status consultation.Status, limit, offset int) ([]*consultation.Consultation, int, error) {
	return nil, 0, nil
}

func (m *stubConsultationRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*consultation.Consultation, int, error) {
	return nil, 0, nil
}

func (m *stubConsultationRepo) PendingQueue(ctx context.Context, limit, offset int) ([]*consultation.QueueEntry, int, error) {
	return nil, 0, nil
}

func (m *stubConsultationRepo) Claim(ctx context.Context, id, providerID uuid.UUID) (int64, error) {
	return 0, nil
}

func (m *stubConsultationRepo) Cancel(ctx context.Context, id uuid.UUID, reason string) (int64, error) {
	return 0, nil
}

func (m *stubConsultationRepo) Complete(ctx context.Context, id, providerID uuid.UUID, p consultation.CompleteParams) (int64, error) {
	return 0, nil
}

func (m *stubConsultationRepo) RecordPrescription(ctx context.Context, id, providerID uuid.UUID, p consultation.PrescriptionParams) (int64, error) {
	return 0, nil
}

func (m *stubConsultationRepo) SetOrderPlaced(ctx context.Context, id, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	c.MedicationOrdered = true
	c.OrderID = &orderID
	return nil
}

type stubPatientRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*identity.Patient
}

func newStubPatientRepo() *stubPatientRepo {
	return &stubPatientRepo{items: map[uuid.UUID]*identity.Patient{}}
}

func (m *stubPatientRepo) Create(ctx context.Context, p *identity.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	m.items[p.ID] = p
	return nil
}

func (m *stubPatientRepo) GetByID(ctx context.Context, id uuid.UUID) (*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return p, nil
}

func (m *stubPatientRepo) GetByEmail(ctx context.Context, email string) (*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.items {
		if p.Email == email {
			return p, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *stubPatientRepo) List(ctx context.Context, limit, offset int) ([]*identity.Patient, int, error) {
	return nil, 0, nil
}

func (m *stubPatientRepo) SetPaymentCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	p.PaymentCustomerID = &customerID
	return nil
}

func (m *stubPatientRepo) RecordOrder(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	p.LifetimeSpend = p.LifetimeSpend.Add(amount)
	p.OrderCount++
	return nil
}

type testEnv struct {
	repo     *mockRepo
	rx       *stubRxRepo
	cons     *stubConsultationRepo
	patients *stubPatientRepo
	gateway  *payment.MockGateway
}

func newTestService() (*Service, *testEnv) {
	env := &testEnv{
		repo:     newMockRepo(),
		rx:       newStubRxRepo(),
		cons:     newStubConsultationRepo(),
		patients: newStubPatientRepo(),
		gateway:  payment.NewMockGateway(),
	}
	svc := NewService(env.repo, env.rx, env.cons, env.patients, env.gateway, nil, Pricing{
		Currency:          "usd",
		ShippingFee:       decimal.RequireFromString("9.99"),
		FreeShippingFloor: decimal.RequireFromString("50"),
	})
	svc.withTx = func(ctx context.Context) (context.Context, pgx.Tx, error) {
		return ctx, fakeTx{}, nil
	}
	return svc, env
}

func seedPatient(t *testing.T, env *testEnv) *identity.Patient {
	t.Helper()
	p := &identity.Patient{
		Email:     "pat@example.com",
		FirstName: "Pat",
		LastName:  "Smith",
	}
	if err := env.patients.Create(context.Background(), p); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return p
}

func seedConsultation(t *testing.T, env *testEnv, patientID uuid.UUID) *consultation.Consultation {
	t.Helper()
	providerID := uuid.New()
	now := time.Now().UTC()
	c := &consultation.Consultation{
		PatientID:      patientID,
		ProviderID:     &providerID,
		Status:         consultation.StatusPrescriptionSent,
		ChiefComplaint: "Persistent dry cough for two weeks",
		Symptoms:       []string{"cough"},
		Urgency:        consultation.UrgencyRegular,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}
	if err := env.cons.Create(context.Background(), c); err != nil {
		t.Fatalf("seed consultation: %v", err)
	}
	return c
}

func seedRx(t *testing.T, env *testEnv, patientID uuid.UUID, consultationID *uuid.UUID, name, unit, sub string, qty int) *prescription.Prescription {
	t.Helper()
	rx := &prescription.Prescription{
		PatientID:         patientID,
		ProviderID:        uuid.New(),
		ConsultationID:    consultationID,
		MedicationName:    name,
		Dosage:            "500mg",
		Frequency:         "daily",
		Duration:          "30 days",
		Quantity:          qty,
		UnitPrice:         decimal.RequireFromString(unit),
		SubscriptionPrice: decimal.RequireFromString(sub),
		Status:            prescription.StatusActive,
	}
	if err := env.rx.CreateBatch(context.Background(), []*prescription.Prescription{rx}); err != nil {
		t.Fatalf("seed prescription: %v", err)
	}
	return rx
}

// createOrder seeds a patient, consultation, and two prescriptions priced
// 20.00 and 35.00, then creates the order for them.
func createOrder(t *testing.T, svc *Service, env *testEnv) (*CreateResult, *identity.Patient, *consultation.Consultation) {
	t.Helper()
	p := seedPatient(t, env)
	cons := seedConsultation(t, env, p.ID)
	rx1 := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "20.00", "17.00", 1)
	rx2 := seedRx(t, env, p.ID, &cons.ID, "Loratadine", "35.00", "30.00", 1)

	res, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx1.ID, rx2.ID},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return res, p, cons
}

func TestCreateOrder(t *testing.T) {
	svc, env := newTestService()
	res, p, _ := createOrder(t, svc, env)

	o := res.Order
	if !o.Subtotal.Equal(decimal.RequireFromString("55.00")) {
		t.Errorf("subtotal = %s, want 55.00", o.Subtotal)
	}
	if !o.ShippingCost.IsZero() {
		t.Errorf("shipping = %s, want 0 at or above the free threshold", o.ShippingCost)
	}
	if !o.TotalAmount.Equal(decimal.RequireFromString("55.00")) {
		t.Errorf("total = %s, want 55.00", o.TotalAmount)
	}
	if o.PaymentStatus != PaymentPending || o.FulfillmentStatus != FulfillmentPending {
		t.Errorf("statuses = %s/%s, want pending/pending", o.PaymentStatus, o.FulfillmentStatus)
	}
	if len(o.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(o.Items))
	}
	if res.ClientSecret == "" {
		t.Error("client secret missing")
	}

	wantPrefix := "QC-" + time.Now().UTC().Format("20060102") + "-"
	if !strings.HasPrefix(o.OrderNumber, wantPrefix) || len(o.OrderNumber) != len(wantPrefix)+4 {
		t.Errorf("order number = %q, want %s0001 shape", o.OrderNumber, wantPrefix)
	}

	// The intent was opened for the total in minor units and recorded
	// locally.
	intent, err := env.gateway.GetIntent(context.Background(), *o.PaymentIntentID)
	if err != nil {
		t.Fatalf("intent not created: %v", err)
	}
	if intent.Amount != 5500 {
		t.Errorf("intent amount = %d, want 5500", intent.Amount)
	}
	if _, ok := env.repo.intents[intent.ID]; !ok {
		t.Error("intent not recorded in payment_intents")
	}

	stored, _ := env.patients.GetByID(context.Background(), p.ID)
	if stored.PaymentCustomerID == nil || *stored.PaymentCustomerID == "" {
		t.Error("gateway customer mapping not persisted")
	}
}

func TestCreateOrder_FlatShippingBelowThreshold(t *testing.T) {
	svc, env := newTestService()
	p := seedPatient(t, env)
	cons := seedConsultation(t, env, p.ID)
	rx := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "49.99", "45.00", 1)

	res, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx.ID},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Order.ShippingCost.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("shipping = %s, want 9.99", res.Order.ShippingCost)
	}
	if !res.Order.TotalAmount.Equal(decimal.RequireFromString("59.98")) {
		t.Errorf("total = %s, want 59.98", res.Order.TotalAmount)
	}
}

func TestCreateOrder_FreeShippingAtBoundary(t *testing.T) {
	svc, env := newTestService()
	p := seedPatient(t, env)
	cons := seedConsultation(t, env, p.ID)
	rx := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "25.00", "20.00", 2)

	res, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx.ID},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Order.Subtotal.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("subtotal = %s, want exactly 50.00", res.Order.Subtotal)
	}
	if !res.Order.ShippingCost.IsZero() {
		t.Errorf("shipping = %s, want 0 at subtotal exactly 50", res.Order.ShippingCost)
	}
}

func TestCreateOrder_SubscriptionPricing(t *testing.T) {
	svc, env := newTestService()
	p := seedPatient(t, env)
	cons := seedConsultation(t, env, p.ID)
	rx := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "24.99", "19.99", 2)

	res, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx.ID},
		Subscription:    true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Order.Subscription {
		t.Error("subscription flag not carried")
	}
	item := res.Order.Items[0]
	if !item.UnitPrice.Equal(decimal.RequireFromString("19.99")) {
		t.Errorf("charged price = %s, want subscription 19.99", item.UnitPrice)
	}
	if !item.LineTotal.Equal(decimal.RequireFromString("39.98")) {
		t.Errorf("line total = %s, want 39.98", item.LineTotal)
	}
}

func TestCreateOrder_ReusesGatewayCustomer(t *testing.T) {
	svc, env := newTestService()
	p := seedPatient(t, env)
	existing := "cus_existing"
	p.PaymentCustomerID = &existing
	cons := seedConsultation(t, env, p.ID)
	rx := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "20.00", "17.00", 1)

	if _, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx.ID},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stored, _ := env.patients.GetByID(context.Background(), p.ID)
	if stored.PaymentCustomerID == nil || *stored.PaymentCustomerID != existing {
		t.Errorf("customer id = %v, want existing mapping kept", stored.PaymentCustomerID)
	}
}

func TestCreateOrder_OwnershipEnforced(t *testing.T) {
	svc, env := newTestService()
	p := seedPatient(t, env)
	cons := seedConsultation(t, env, p.ID)
	rx := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "20.00", "17.00", 1)

	_, err := svc.Create(context.Background(), uuid.New(), CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx.ID},
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}

	// uuid.Nil is the operator bypass.
	if _, err := svc.Create(context.Background(), uuid.Nil, CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx.ID},
	}); err != nil {
		t.Fatalf("admin create: %v", err)
	}
}

func TestCreateOrder_InactivePrescription(t *testing.T) {
	svc, env := newTestService()
	p := seedPatient(t, env)
	cons := seedConsultation(t, env, p.ID)
	rx := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "20.00", "17.00", 1)
	rx.Status = prescription.StatusCancelled

	if _, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx.ID},
	}); err == nil {
		t.Fatal("expected error for inactive prescription")
	}
}

func TestCreateOrder_RollbackLeavesOrphanedIntent(t *testing.T) {
	svc, env := newTestService()
	p := seedPatient(t, env)
	cons := seedConsultation(t, env, p.ID)
	rx := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "20.00", "17.00", 1)
	env.repo.failCreate = true

	_, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID:  cons.ID,
		PrescriptionIDs: []uuid.UUID{rx.ID},
	})
	if err == nil {
		t.Fatal("expected create failure")
	}

	// No order survived, but the intent stayed recorded for operators.
	if orders, _, _ := env.repo.List(context.Background(), "", 50, 0); len(orders) != 0 {
		t.Errorf("orders = %d, want 0 after rollback", len(orders))
	}
	orphans, total, err := svc.OrphanedIntents(context.Background(), 50, 0)
	if err != nil {
		t.Fatalf("OrphanedIntents: %v", err)
	}
	if total != 1 || len(orphans) != 1 {
		t.Fatalf("orphaned intents = %d, want 1", total)
	}
	if !orphans[0].Amount.Equal(decimal.RequireFromString("29.99")) {
		t.Errorf("orphan amount = %s, want 29.99 (20.00 + 9.99 shipping)", orphans[0].Amount)
	}
}

func TestCreateOrder_SequentialNumbers(t *testing.T) {
	svc, env := newTestService()
	p := seedPatient(t, env)
	cons := seedConsultation(t, env, p.ID)
	rx := seedRx(t, env, p.ID, &cons.ID, "Amoxicillin", "20.00", "17.00", 1)

	first, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID: cons.ID, PrescriptionIDs: []uuid.UUID{rx.ID},
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.Create(context.Background(), p.ID, CreateInput{
		ConsultationID: cons.ID, PrescriptionIDs: []uuid.UUID{rx.ID},
	})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !strings.HasSuffix(first.Order.OrderNumber, "-0001") {
		t.Errorf("first number = %s", first.Order.OrderNumber)
	}
	if !strings.HasSuffix(second.Order.OrderNumber, "-0002") {
		t.Errorf("second number = %s", second.Order.OrderNumber)
	}
}

func TestConfirmPayment(t *testing.T) {
	svc, env := newTestService()
	res, p, cons := createOrder(t, svc, env)
	intentID := *res.Order.PaymentIntentID
	env.gateway.SettleIntent(intentID)

	confirm, err := svc.Confirm(context.Background(), intentID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !confirm.Updated {
		t.Error("updated = false, want true")
	}
	o := confirm.Order
	if o.PaymentStatus != PaymentCompleted || o.FulfillmentStatus != FulfillmentProcessing {
		t.Errorf("statuses = %s/%s, want completed/processing", o.PaymentStatus, o.FulfillmentStatus)
	}
	if o.PaidAt == nil {
		t.Error("paid_at not set")
	}

	fresh, _ := env.cons.GetByID(context.Background(), cons.ID)
	if !fresh.MedicationOrdered || fresh.OrderID == nil || *fresh.OrderID != o.ID {
		t.Error("consultation not linked to the paid order")
	}

	patient, _ := env.patients.GetByID(context.Background(), p.ID)
	if !patient.LifetimeSpend.Equal(decimal.RequireFromString("55.00")) || patient.OrderCount != 1 {
		t.Errorf("aggregates = %s/%d, want 55.00/1", patient.LifetimeSpend, patient.OrderCount)
	}
}

func TestConfirmPayment_Idempotent(t *testing.T) {
	svc, env := newTestService()
	res, p, _ := createOrder(t, svc, env)
	intentID := *res.Order.PaymentIntentID
	env.gateway.SettleIntent(intentID)

	if _, err := svc.Confirm(context.Background(), intentID); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := svc.Confirm(context.Background(), intentID)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if second.Updated {
		t.Error("second confirmation mutated the order")
	}
	if second.Order.PaymentStatus != PaymentCompleted {
		t.Errorf("status = %s, want completed", second.Order.PaymentStatus)
	}

	patient, _ := env.patients.GetByID(context.Background(), p.ID)
	if !patient.LifetimeSpend.Equal(decimal.RequireFromString("55.00")) || patient.OrderCount != 1 {
		t.Errorf("aggregates = %s/%d, want incremented exactly once", patient.LifetimeSpend, patient.OrderCount)
	}
}

func TestConfirmPayment_NotYetSucceeded(t *testing.T) {
	svc, env := newTestService()
	res, p, _ := createOrder(t, svc, env)
	intentID := *res.Order.PaymentIntentID

	confirm, err := svc.Confirm(context.Background(), intentID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirm.Updated {
		t.Error("unsettled intent mutated the order")
	}
	if confirm.IntentStatus != payment.IntentStatusRequiresPayment {
		t.Errorf("intent status = %s", confirm.IntentStatus)
	}
	if confirm.Order.PaymentStatus != PaymentPending {
		t.Errorf("status = %s, want pending", confirm.Order.PaymentStatus)
	}
	patient, _ := env.patients.GetByID(context.Background(), p.ID)
	if patient.OrderCount != 0 {
		t.Errorf("order count = %d, want 0", patient.OrderCount)
	}
}

func TestConfirmPayment_UnknownIntent(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Confirm(context.Background(), "pi_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func confirmOrder(t *testing.T, svc *Service, env *testEnv, res *CreateResult) {
	t.Helper()
	intentID := *res.Order.PaymentIntentID
	env.gateway.SettleIntent(intentID)
	if _, err := svc.Confirm(context.Background(), intentID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

func TestUpdateFulfillment(t *testing.T) {
	svc, env := newTestService()
	res, _, _ := createOrder(t, svc, env)
	confirmOrder(t, svc, env, res)

	carrier := "usps"
	tracking := "9400100000000000000000"
	shipped, err := svc.UpdateFulfillment(context.Background(), res.Order.ID, FulfillmentInput{
		To: FulfillmentShipped, Carrier: &carrier, TrackingNumber: &tracking,
	})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if shipped.FulfillmentStatus != FulfillmentShipped || shipped.ShippedAt == nil {
		t.Errorf("shipped = %s/%v", shipped.FulfillmentStatus, shipped.ShippedAt)
	}
	if shipped.Carrier == nil || *shipped.Carrier != carrier {
		t.Error("carrier not stored")
	}

	delivered, err := svc.UpdateFulfillment(context.Background(), res.Order.ID, FulfillmentInput{To: FulfillmentDelivered})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.FulfillmentStatus != FulfillmentDelivered || delivered.DeliveredAt == nil {
		t.Errorf("delivered = %s/%v", delivered.FulfillmentStatus, delivered.DeliveredAt)
	}
}

func TestUpdateFulfillment_SkipShippedRejected(t *testing.T) {
	svc, env := newTestService()
	res, _, _ := createOrder(t, svc, env)
	confirmOrder(t, svc, env, res)

	_, err := svc.UpdateFulfillment(context.Background(), res.Order.ID, FulfillmentInput{To: FulfillmentDelivered})
	var invalid *InvalidFulfillmentError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidFulfillmentError", err)
	}
	if invalid.From != FulfillmentProcessing || invalid.To != FulfillmentDelivered {
		t.Errorf("got %+v", invalid)
	}
}

func TestUpdateFulfillment_BackwardRejected(t *testing.T) {
	svc, env := newTestService()
	res, _, _ := createOrder(t, svc, env)
	confirmOrder(t, svc, env, res)

	if _, err := svc.UpdateFulfillment(context.Background(), res.Order.ID, FulfillmentInput{To: FulfillmentShipped}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := svc.UpdateFulfillment(context.Background(), res.Order.ID, FulfillmentInput{To: FulfillmentDelivered}); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	_, err := svc.UpdateFulfillment(context.Background(), res.Order.ID, FulfillmentInput{To: FulfillmentShipped})
	var invalid *InvalidFulfillmentError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidFulfillmentError", err)
	}
}

func TestUpdateFulfillment_BeforePayment(t *testing.T) {
	svc, env := newTestService()
	res, _, _ := createOrder(t, svc, env)

	_, err := svc.UpdateFulfillment(context.Background(), res.Order.ID, FulfillmentInput{To: FulfillmentShipped})
	var invalid *InvalidFulfillmentError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidFulfillmentError", err)
	}
	if invalid.From != FulfillmentPending {
		t.Errorf("from = %s, want pending", invalid.From)
	}
}

func TestRefund_Full(t *testing.T) {
	svc, env := newTestService()
	res, _, _ := createOrder(t, svc, env)
	confirmOrder(t, svc, env, res)

	o, err := svc.Refund(context.Background(), res.Order.ID, decimal.Zero)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if o.PaymentStatus != PaymentRefunded {
		t.Errorf("status = %s, want refunded", o.PaymentStatus)
	}
	refunds := env.gateway.Refunds()
	if len(refunds) != 1 || refunds[0].Amount != 5500 {
		t.Errorf("gateway refunds = %+v, want one full 5500", refunds)
	}
}

func TestRefund_Partial(t *testing.T) {
	svc, env := newTestService()
	res, _, _ := createOrder(t, svc, env)
	confirmOrder(t, svc, env, res)

	o, err := svc.Refund(context.Background(), res.Order.ID, decimal.RequireFromString("20.00"))
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if o.PaymentStatus != PaymentPartiallyRefunded {
		t.Errorf("status = %s, want partially_refunded", o.PaymentStatus)
	}
	refunds := env.gateway.Refunds()
	if len(refunds) != 1 || refunds[0].Amount != 2000 {
		t.Errorf("gateway refunds = %+v, want one 2000", refunds)
	}
}

func TestRefund_PendingRejected(t *testing.T) {
	svc, env := newTestService()
	res, _, _ := createOrder(t, svc, env)

	if _, err := svc.Refund(context.Background(), res.Order.ID, decimal.Zero); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("err = %v, want ErrNotRefundable", err)
	}
}

func TestCanAdvanceFulfillment(t *testing.T) {
	cases := []struct {
		from, to FulfillmentStatus
		want     bool
	}{
		{FulfillmentPending, FulfillmentProcessing, true},
		{FulfillmentProcessing, FulfillmentShipped, true},
		{FulfillmentShipped, FulfillmentDelivered, true},
		{FulfillmentProcessing, FulfillmentDelivered, false},
		{FulfillmentShipped, FulfillmentProcessing, false},
		{FulfillmentDelivered, FulfillmentShipped, false},
		{FulfillmentPending, FulfillmentShipped, false},
	}
	for _, tc := range cases {
		if got := CanAdvanceFulfillment(tc.from, tc.to); got != tc.want {
			t.Errorf("CanAdvanceFulfillment(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
