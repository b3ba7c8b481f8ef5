package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
)

// dispenseRetries bounds how often RecordDispense re-reads a row whose
// conditional update missed while the guard still passes.
const dispenseRetries = 3

const prescriptionColumns = `
	id, short_id, patient_id, COALESCE(doctor_id, ''), medications, usage_limit, used,
	dispense_log, verification, verification_revision, provenance, created_at, expires_at, updated_at`

// PrescriptionStore persists prescriptions in PostgreSQL. Quota and
// verification changes are single conditional UPDATE statements so row-level
// locking serializes contenders on the same prescription only.
type PrescriptionStore struct {
	db     Querier
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPrescriptionStore creates a store over pool
func NewPrescriptionStore(pool *pgxpool.Pool, logger *zap.Logger) *PrescriptionStore {
	return newPrescriptionStore(pool, logger)
}

func newPrescriptionStore(db Querier, logger *zap.Logger) *PrescriptionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionStore{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("postgres-prescriptions"),
	}
}

// Create inserts p. A duplicate id or short id maps to ErrIdentityCollision.
func (s *PrescriptionStore) Create(ctx context.Context, p *prescription.Prescription) error {
	ctx, span := s.tracer.Start(ctx, "PrescriptionStore.Create",
		trace.WithAttributes(attribute.String("prescription.id", p.ID)))
	defer span.End()

	if err := p.Validate(); err != nil {
		return err
	}
	row, err := encodeRow(p)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO prescriptions
		(id, short_id, patient_id, doctor_id, medications, usage_limit, used, dispense_log,
		 verification_status, verification, verification_revision, provenance, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.ShortID, p.PatientID, p.DoctorID, row.medications, p.UsageLimit, p.Used, row.dispenseLog,
		string(p.Status()), row.verification, p.Revision, row.provenance, p.CreatedAt, p.ExpiresAt, row.updatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", prescription.ErrIdentityCollision, p.ID)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

// Get returns the prescription with id
func (s *PrescriptionStore) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	return s.getBy(ctx, "id", id)
}

// GetByShortID returns the prescription whose short id is shortID
func (s *PrescriptionStore) GetByShortID(ctx context.Context, shortID string) (*prescription.Prescription, error) {
	return s.getBy(ctx, "short_id", shortID)
}

func (s *PrescriptionStore) getBy(ctx context.Context, column, value string) (*prescription.Prescription, error) {
	p, err := scanPrescription(s.db.QueryRow(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription by %s: %w", column, err)
	}
	return p, nil
}

// UpdateVerification swaps the verification record when the stored status
// and revision still equal the ones the caller read.
func (s *PrescriptionStore) UpdateVerification(ctx context.Context, id string, expected prescription.Status, revision int, next prescription.Verification) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "PrescriptionStore.UpdateVerification",
		trace.WithAttributes(
			attribute.String("prescription.id", id),
			attribute.String("verification.expected", string(expected)),
			attribute.Int("verification.revision", revision),
			attribute.String("verification.next", string(next.Status())),
		))
	defer span.End()

	record, err := json.Marshal(next.Record())
	if err != nil {
		return nil, fmt.Errorf("encode verification: %w", err)
	}

	p, err := scanPrescription(s.db.QueryRow(ctx, `
		UPDATE prescriptions
		SET verification = $3, verification_status = $4,
		    verification_revision = verification_revision + 1, updated_at = NOW()
		WHERE id = $1 AND verification_status = $2 AND verification_revision = $5
		RETURNING `+prescriptionColumns,
		id, string(expected), record, string(next.Status()), revision))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("update verification: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &prescription.InvalidTransitionError{Op: "update verification", Current: current.Status()}
}

// RecordDispense appends entry and increments used in one statement guarded by
// the same checks as CheckDispensable. When the update misses, the current row
// is re-read to report which check failed.
func (s *PrescriptionStore) RecordDispense(ctx context.Context, id string, entry prescription.DispenseEntry) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "PrescriptionStore.RecordDispense",
		trace.WithAttributes(attribute.String("prescription.id", id)))
	defer span.End()

	logEntry, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode dispense entry: %w", err)
	}

	for attempt := 0; attempt < dispenseRetries; attempt++ {
		p, err := scanPrescription(s.db.QueryRow(ctx, `
			UPDATE prescriptions
			SET used = used + 1,
			    dispense_log = dispense_log || jsonb_build_array($2::jsonb),
			    updated_at = NOW()
			WHERE id = $1
			  AND verification_status NOT IN ('pending', 'rejected')
			  AND used < usage_limit
			  AND expires_at >= $3
			RETURNING `+prescriptionColumns,
			id, logEntry, entry.DispensedAt))
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("record dispense: %w", err)
		}

		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := current.CheckDispensable(entry.DispensedAt); err != nil {
			return nil, err
		}
		s.logger.Debug("dispense update raced, retrying",
			zap.String("prescription_id", id), zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("record dispense: row kept changing after %d attempts", dispenseRetries)
}

// ListPendingForDoctor returns pending prescriptions for doctorID and pending
// ones without a doctor, oldest first.
func (s *PrescriptionStore) ListPendingForDoctor(ctx context.Context, doctorID string) ([]*prescription.Prescription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions
		WHERE verification_status = 'pending' AND (doctor_id = $1 OR doctor_id IS NULL)
		ORDER BY created_at, id`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []*prescription.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type encodedRow struct {
	medications  []byte
	dispenseLog  []byte
	verification []byte
	provenance   []byte
	updatedAt    time.Time
}

func encodeRow(p *prescription.Prescription) (encodedRow, error) {
	var (
		row encodedRow
		err error
	)
	if row.medications, err = json.Marshal(p.Medications); err != nil {
		return row, fmt.Errorf("encode medications: %w", err)
	}
	entries := p.DispenseLog
	if entries == nil {
		entries = []prescription.DispenseEntry{}
	}
	if row.dispenseLog, err = json.Marshal(entries); err != nil {
		return row, fmt.Errorf("encode dispense log: %w", err)
	}
	var rec prescription.VerificationRecord
	if p.Verification != nil {
		rec = p.Verification.Record()
	} else {
		rec = prescription.NoVerification{}.Record()
	}
	if row.verification, err = json.Marshal(rec); err != nil {
		return row, fmt.Errorf("encode verification: %w", err)
	}
	if row.provenance, err = json.Marshal(p.Provenance); err != nil {
		return row, fmt.Errorf("encode provenance: %w", err)
	}
	row.updatedAt = p.UpdatedAt
	if row.updatedAt.IsZero() {
		row.updatedAt = p.CreatedAt
	}
	return row, nil
}

func scanPrescription(row pgx.Row) (*prescription.Prescription, error) {
	var (
		p                                                  prescription.Prescription
		medications, dispenseLog, verification, provenance []byte
	)
	err := row.Scan(
		&p.ID, &p.ShortID, &p.PatientID, &p.DoctorID, &medications, &p.UsageLimit, &p.Used,
		&dispenseLog, &verification, &p.Revision, &provenance, &p.CreatedAt, &p.ExpiresAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeColumns(&p, medications, dispenseLog, verification, provenance); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeColumns(p *prescription.Prescription, medications, dispenseLog, verification, provenance []byte) error {
	if err := json.Unmarshal(medications, &p.Medications); err != nil {
		return fmt.Errorf("decode medications: %w", err)
	}
	if err := json.Unmarshal(dispenseLog, &p.DispenseLog); err != nil {
		return fmt.Errorf("decode dispense log: %w", err)
	}
	var rec prescription.VerificationRecord
	if err := json.Unmarshal(verification, &rec); err != nil {
		return fmt.Errorf("decode verification: %w", err)
	}
	v, err := prescription.FromRecord(rec)
	if err != nil {
		return fmt.Errorf("decode verification: %w", err)
	}
	p.Verification = v
	if len(provenance) > 0 {
		if err := json.Unmarshal(provenance, &p.Provenance); err != nil {
			return fmt.Errorf("decode provenance: %w", err)
		}
	}
	return nil
}
