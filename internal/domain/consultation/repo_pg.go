package consultation

import (
	"context"
	"encoding/json"
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

type consultationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &consultationRepoPG{pool: pool} }

func (r *consultationRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const consultationCols = `id, patient_id, provider_id, status, chief_complaint, symptoms,
	urgency, severity_score, intake, attachments,
	diagnosis, treatment_plan, provider_notes, follow_up_required, follow_up_date,
	prescription_data, medication_ordered, order_id, cancel_reason,
	submitted_at, assigned_at, completed_at, cancelled_at, updated_at`

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var c Consultation
	err := row.Scan(&c.ID, &c.PatientID, &c.ProviderID, &c.Status, &c.ChiefComplaint, &c.Symptoms,
		&c.Urgency, &c.SeverityScore, &c.Intake, &c.Attachments,
		&c.Diagnosis, &c.TreatmentPlan, &c.ProviderNotes, &c.FollowUpRequired, &c.FollowUpDate,
		&c.PrescriptionData, &c.MedicationOrdered, &c.OrderID, &c.CancelReason,
		&c.SubmittedAt, &c.AssignedAt, &c.CompletedAt, &c.CancelledAt, &c.UpdatedAt)
	return &c, err
}

func (r *consultationRepoPG) Create(ctx context.Context, c *Consultation) error {
	c.ID = uuid.New()
	now := time.Now().UTC()
	c.SubmittedAt = now
	c.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consultations (id, patient_id, status, chief_complaint, symptoms,
			urgency, severity_score, intake, attachments, submitted_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.PatientID, c.Status, c.ChiefComplaint, c.Symptoms,
		c.Urgency, c.SeverityScore, c.Intake, c.Attachments, c.SubmittedAt, c.UpdatedAt)
	return err
}

func (r *consultationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := scanConsultation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+consultationCols+` FROM consultations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *consultationRepoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Consultation, int, error) {
	where := ""
	args := []interface{}{}
	if status != "" {
		where = ` WHERE status = $1`
		args = append(args, status)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consultations`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	q := `SELECT ` + consultationCols + ` FROM consultations` + where +
		fmt.Sprintf(` ORDER BY submitted_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, nil
}

func (r *consultationRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consultation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consultations WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+consultationCols+` FROM consultations
		WHERE patient_id = $1 ORDER BY submitted_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, nil
}

// PendingQueue ranks waiting consultations by urgency class, then by severity
// score at or above the priority threshold, then first come first served.
func (r *consultationRepoPG) PendingQueue(ctx context.Context, limit, offset int) ([]*QueueEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM consultations WHERE status = $1`, StatusPending).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT c.id, c.patient_id, p.first_name || ' ' || p.last_name,
			c.chief_complaint, c.urgency, c.severity_score, c.submitted_at
		FROM consultations c
		JOIN patients p ON p.id = c.patient_id
		WHERE c.status = $1
		ORDER BY
			CASE c.urgency WHEN 'emergency' THEN 0 WHEN 'urgent' THEN 1 ELSE 2 END,
			(COALESCE(c.severity_score, 0) >= $2) DESC,
			c.submitted_at ASC
		LIMIT $3 OFFSET $4`,
		StatusPending, SeverityPriorityThreshold, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ConsultationID, &e.PatientID, &e.PatientName,
			&e.ChiefComplaint, &e.Urgency, &e.SeverityScore, &e.SubmittedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, nil
}

func (r *consultationRepoPG) Claim(ctx context.Context, id, providerID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultations
		SET status = $3, provider_id = $2, assigned_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, providerID, StatusAssigned, StatusPending)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *consultationRepoPG) Cancel(ctx context.Context, id uuid.UUID, reason string) (int64, error) {
	states := make([]string, 0, 3)
	for _, s := range CancellableStatuses() {
		states = append(states, string(s))
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultations
		SET status = $2, cancel_reason = $3, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, StatusCancelled, reason, states)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *consultationRepoPG) Complete(ctx context.Context, id, providerID uuid.UUID, p CompleteParams) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultations
		SET status = $3, diagnosis = $4, treatment_plan = $5, provider_notes = $6,
			follow_up_required = $7, follow_up_date = $8, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND provider_id = $2 AND status = $9`,
		id, providerID, StatusCompleted, p.Diagnosis, p.TreatmentPlan, p.ProviderNotes,
		p.FollowUpRequired, p.FollowUpDate, StatusAssigned)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *consultationRepoPG) RecordPrescription(ctx context.Context, id, providerID uuid.UUID, p PrescriptionParams) (int64, error) {
	var data []byte
	if p.Data != nil {
		b, err := json.Marshal(p.Data)
		if err != nil {
			return 0, err
		}
		data = b
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultations
		SET status = $3, diagnosis = $4, provider_notes = $5, prescription_data = $6,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND provider_id = $2 AND status = $7`,
		id, providerID, p.Status, p.Diagnosis, p.ProviderNotes, data, StatusAssigned)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *consultationRepoPG) SetOrderPlaced(ctx context.Context, id, orderID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultations
		SET medication_ordered = TRUE, order_id = $2, updated_at = NOW()
		WHERE id = $1`,
		id, orderID)
	return err
}
