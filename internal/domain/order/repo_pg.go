package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickcare/quickcare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &orderRepoPG{pool: pool} }

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const orderCols = `id, order_number, patient_id, consultation_id,
	subtotal, shipping_cost, total_amount, payment_status, fulfillment_status,
	payment_intent_id, subscription, paid_at, shipped_at, delivered_at,
	carrier, tracking_number, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.ConsultationID,
		&o.Subtotal, &o.ShippingCost, &o.TotalAmount, &o.PaymentStatus, &o.FulfillmentStatus,
		&o.PaymentIntentID, &o.Subscription, &o.PaidAt, &o.ShippedAt, &o.DeliveredAt,
		&o.Carrier, &o.TrackingNumber, &o.CreatedAt, &o.UpdatedAt)
	return &o, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order, items []*OrderItem) error {
	o.ID = uuid.New()
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO orders (id, order_number, patient_id, consultation_id,
			subtotal, shipping_cost, total_amount, payment_status, fulfillment_status,
			payment_intent_id, subscription, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		o.ID, o.OrderNumber, o.PatientID, o.ConsultationID,
		o.Subtotal, o.ShippingCost, o.TotalAmount, o.PaymentStatus, o.FulfillmentStatus,
		o.PaymentIntentID, o.Subscription, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	for _, item := range items {
		item.ID = uuid.New()
		item.OrderID = o.ID
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO order_items (id, order_id, prescription_id, medication_name,
				quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			item.ID, item.OrderID, item.PrescriptionID, item.MedicationName,
			item.Quantity, item.UnitPrice, item.LineTotal)
		if err != nil {
			return err
		}
	}
	return nil
}

// NextOrderNumber counts the day's orders to derive the sequence. Concurrent
// creations for the same day can collide; the unique index on order_number
// then fails the transaction, which the client retries.
func (r *orderRepoPG) NextOrderNumber(ctx context.Context, day time.Time) (string, error) {
	prefix := "QC-" + day.UTC().Format("20060102")
	var seq int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) + 1 FROM orders WHERE order_number LIKE $1`, prefix+"-%").Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", prefix, seq), nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepoPG) GetByIntentID(ctx context.Context, intentID string) (*Order, error) {
	o, err := scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE payment_intent_id = $1`, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepoPG) ItemsByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, order_id, prescription_id, medication_name, quantity, unit_price, line_total
		FROM order_items WHERE order_id = $1 ORDER BY medication_name ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.PrescriptionID, &item.MedicationName,
			&item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (r *orderRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+orderCols+` FROM orders WHERE patient_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (r *orderRepoPG) List(ctx context.Context, status PaymentStatus, limit, offset int) ([]*Order, int, error) {
	where := ""
	args := []interface{}{}
	if status != "" {
		where = " WHERE payment_status = $1"
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+orderCols+` FROM orders`+where+
		` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func collectOrders(rows pgx.Rows) ([]*Order, error) {
	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *orderRepoPG) MarkPaid(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders
		SET payment_status = $2, fulfillment_status = $3, paid_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND payment_status = $4`,
		id, PaymentCompleted, FulfillmentProcessing, PaymentPending)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *orderRepoPG) AdvanceFulfillment(ctx context.Context, id uuid.UUID, p FulfillmentParams) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders
		SET fulfillment_status = $2,
			shipped_at = CASE WHEN $2 = 'shipped' THEN NOW() ELSE shipped_at END,
			delivered_at = CASE WHEN $2 = 'delivered' THEN NOW() ELSE delivered_at END,
			carrier = COALESCE($4, carrier),
			tracking_number = COALESCE($5, tracking_number),
			updated_at = NOW()
		WHERE id = $1 AND fulfillment_status = $3`,
		id, p.To, p.From, p.Carrier, p.TrackingNumber)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *orderRepoPG) MarkRefunded(ctx context.Context, id uuid.UUID, status PaymentStatus) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders SET payment_status = $2, updated_at = NOW()
		WHERE id = $1 AND payment_status = ANY($3)`,
		id, status, []string{string(PaymentCompleted), string(PaymentPartiallyRefunded)})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *orderRepoPG) RecordIntent(ctx context.Context, rec *PaymentIntentRecord) error {
	rec.CreatedAt = time.Now().UTC()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payment_intents (intent_id, patient_id, amount, currency, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		rec.IntentID, rec.PatientID, rec.Amount, rec.Currency, rec.CreatedAt)
	return err
}

func (r *orderRepoPG) OrphanedIntents(ctx context.Context, limit, offset int) ([]*PaymentIntentRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM payment_intents p
		LEFT JOIN orders o ON o.payment_intent_id = p.intent_id
		WHERE o.id IS NULL`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.intent_id, p.patient_id, p.amount, p.currency, p.created_at
		FROM payment_intents p
		LEFT JOIN orders o ON o.payment_intent_id = p.intent_id
		WHERE o.id IS NULL
		ORDER BY p.created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []*PaymentIntentRecord
	for rows.Next() {
		var rec PaymentIntentRecord
		if err := rows.Scan(&rec.IntentID, &rec.PatientID, &rec.Amount, &rec.Currency, &rec.CreatedAt); err != nil {
			return nil, 0, err
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}
