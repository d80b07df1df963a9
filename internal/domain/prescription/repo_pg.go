package prescription

import (
	"context"
	"errors"
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

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &prescriptionRepoPG{pool: pool} }

func (r *prescriptionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const prescriptionCols = `id, patient_id, provider_id, consultation_id,
	medication_name, dosage, frequency, duration, quantity,
	refills_authorized, refills_consumed, unit_price, subscription_price,
	status, pharmacy_order_id, approved_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.PatientID, &p.ProviderID, &p.ConsultationID,
		&p.MedicationName, &p.Dosage, &p.Frequency, &p.Duration, &p.Quantity,
		&p.RefillsAuthorized, &p.RefillsConsumed, &p.UnitPrice, &p.SubscriptionPrice,
		&p.Status, &p.PharmacyOrderID, &p.ApprovedAt, &p.UpdatedAt)
	return &p, err
}

func (r *prescriptionRepoPG) CreateBatch(ctx context.Context, items []*Prescription) error {
	now := time.Now().UTC()
	for _, p := range items {
		p.ID = uuid.New()
		p.ApprovedAt = now
		p.UpdatedAt = now
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO prescriptions (id, patient_id, provider_id, consultation_id,
				medication_name, dosage, frequency, duration, quantity,
				refills_authorized, refills_consumed, unit_price, subscription_price,
				status, pharmacy_order_id, approved_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			p.ID, p.PatientID, p.ProviderID, p.ConsultationID,
			p.MedicationName, p.Dosage, p.Frequency, p.Duration, p.Quantity,
			p.RefillsAuthorized, p.RefillsConsumed, p.UnitPrice, p.SubscriptionPrice,
			p.Status, p.PharmacyOrderID, p.ApprovedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *prescriptionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE patient_id = $1 ORDER BY approved_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, nil
}

func (r *prescriptionRepoPG) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE consultation_id = $1 ORDER BY medication_name ASC`, consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, nil
}

func (r *prescriptionRepoPG) RecordRefill(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions
		SET refills_consumed = refills_consumed + 1,
			status = CASE WHEN refills_consumed + 1 >= refills_authorized THEN $2 ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND status = $3 AND refills_consumed < refills_authorized`,
		id, StatusFilled, StatusActive)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *prescriptionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, status, StatusActive)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
