// Package engine exposes the prescription verification and dispensing
// operations to request handlers.
//
// Every mutating operation is a single conditional store write. Notification
// happens after the write and never affects the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/directory"
	"github.com/drfirst/go-rxverify/internal/domain/catalog"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
)

// identityAttempts bounds id generation when the store reports a collision.
const identityAttempts = 2

// Events receives one call per successful state change.
type Events interface {
	PrescriptionCreated(p *prescription.Prescription)
	VerificationRequested(p *prescription.Prescription)
	VerificationDecided(p *prescription.Prescription)
}

// Config holds engine defaults
type Config struct {
	DefaultUsageLimit int
	DefaultValidity   time.Duration
}

// DefaultConfig returns the standard quota and validity window
func DefaultConfig() Config {
	return Config{
		DefaultUsageLimit: 1,
		DefaultValidity:   30 * 24 * time.Hour,
	}
}

// Option customises an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID v4 generator
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine coordinates the catalog, the record store, the verification state
// machine and the notification dispatcher.
type Engine struct {
	cfg       Config
	store     prescription.Store
	catalog   *catalog.Registry
	directory directory.Directory
	events    Events

	now     func() time.Time
	newID   func() string
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates an engine. dir resolves patient identifiers and may be nil, in
// which case the identifier is used as the patient id. events may be nil.
func New(cfg Config, store prescription.Store, registry *catalog.Registry, dir directory.Directory, events Events, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.DefaultUsageLimit <= 0 {
		cfg.DefaultUsageLimit = def.DefaultUsageLimit
	}
	if cfg.DefaultValidity <= 0 {
		cfg.DefaultValidity = def.DefaultValidity
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		catalog:   registry,
		directory: dir,
		events:    events,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		tracer:    otel.Tracer("prescription-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = metrics.NewUnregistered()
	}
	return e
}

// CreateCommand describes a new prescription. Patient is an id, email or
// mobile number resolved through the directory.
type CreateCommand struct {
	Issuer      prescription.ActorRef
	Patient     string
	Medications []prescription.Medication
	UsageLimit  int
	ExpiresAt   time.Time
	Offline     bool
	Provenance  prescription.Provenance
}

// CreatePrescription runs the flag matcher once, sets the initial
// verification state and persists the prescription. Doctors issue
// prescriptions directly; pharmacists digitize offline ones.
func (e *Engine) CreatePrescription(ctx context.Context, cmd CreateCommand) (p *prescription.Prescription, err error) {
	ctx, span := e.start(ctx, "create_prescription", cmd.Issuer)
	defer e.finish(span, "create_prescription", time.Now(), &err)

	want := prescription.RoleDoctor
	if cmd.Offline {
		want = prescription.RolePharmacist
	}
	if !cmd.Issuer.Is(want) {
		return nil, prescription.ErrForbidden
	}

	limit := cmd.UsageLimit
	if limit == 0 {
		limit = e.cfg.DefaultUsageLimit
	}
	if limit < 0 {
		return nil, &prescription.ValidationError{Field: "usage_limit", Message: "must be positive"}
	}
	if len(cmd.Medications) == 0 {
		return nil, &prescription.ValidationError{Field: "medications", Message: "at least one medication is required"}
	}

	patientID, err := e.resolvePatient(ctx, cmd.Patient)
	if err != nil {
		return nil, err
	}

	cat, err := e.catalog.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("dangerous-drug catalog: %w", err)
	}
	flagged := catalog.Match(cmd.Medications, cat)

	now := e.now().UTC()
	expiresAt := cmd.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(e.cfg.DefaultValidity)
	}
	if !expiresAt.After(now) {
		return nil, &prescription.ValidationError{Field: "expires_at", Message: "must be in the future"}
	}

	p = &prescription.Prescription{
		PatientID:    patientID,
		Medications:  append([]prescription.Medication(nil), cmd.Medications...),
		UsageLimit:   limit,
		CreatedAt:    now,
		ExpiresAt:    expiresAt.UTC(),
		UpdatedAt:    now,
		Verification: prescription.Initial(flagged, cmd.Issuer, cmd.Offline, now),
	}
	if cmd.Offline {
		p.Provenance = cmd.Provenance
		p.Provenance.Offline = true
		p.Provenance.DigitizedBy = cmd.Issuer.ID
	} else {
		p.DoctorID = cmd.Issuer.ID
	}

	if err := e.insert(ctx, p); err != nil {
		return nil, fmt.Errorf("create prescription: %w", err)
	}

	origin := "doctor"
	if cmd.Offline {
		origin = "offline"
	}
	e.metrics.PrescriptionsCreated.WithLabelValues(origin, string(p.Status())).Inc()
	e.logger.Info("prescription created",
		zap.String("prescription_id", p.ID),
		zap.String("short_id", p.ShortID),
		zap.String("actor_id", cmd.Issuer.ID),
		zap.String("status", string(p.Status())),
		zap.Int("flagged", len(flagged)))

	if e.events != nil {
		e.events.PrescriptionCreated(p.Clone())
	}
	return p, nil
}

// insert assigns p a fresh id and stores it. The short id keeps 48 random
// bits, so a collision is possible in a large table; it is retried once with
// a new id before being reported.
func (e *Engine) insert(ctx context.Context, p *prescription.Prescription) error {
	var err error
	for attempt := 1; attempt <= identityAttempts; attempt++ {
		p.ID = e.newID()
		p.ShortID = prescription.ShortIDFrom(p.ID)
		err = e.store.Create(ctx, p)
		if !errors.Is(err, prescription.ErrIdentityCollision) {
			return err
		}
		e.logger.Error("prescription identity collision",
			zap.String("prescription_id", p.ID),
			zap.String("short_id", p.ShortID),
			zap.Int("attempt", attempt))
	}
	return err
}

func (e *Engine) resolvePatient(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", &prescription.ValidationError{Field: "patient", Message: "is required"}
	}
	if e.directory == nil {
		return identifier, nil
	}
	u, err := e.directory.Find(ctx, identifier)
	if err != nil {
		if errors.Is(err, prescription.ErrNotFound) {
			return "", fmt.Errorf("patient %q: %w", identifier, prescription.ErrNotFound)
		}
		return "", err
	}
	if u.Role != prescription.RolePatient {
		return "", &prescription.ValidationError{Field: "patient", Message: "does not identify a patient"}
	}
	return u.ID, nil
}

// RequestVerification opens a verification cycle after re-running the flag
// matcher against the current catalog.
func (e *Engine) RequestVerification(ctx context.Context, id string, requester prescription.ActorRef) (rec prescription.VerificationRecord, err error) {
	ctx, span := e.start(ctx, "request_verification", requester, attribute.String("prescription_id", id))
	defer e.finish(span, "request_verification", time.Now(), &err)

	if !requester.Is(prescription.RolePharmacist) {
		return rec, prescription.ErrForbidden
	}
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	cat, err := e.catalog.Current(ctx)
	if err != nil {
		return rec, fmt.Errorf("dangerous-drug catalog: %w", err)
	}

	next, err := prescription.Request(p.Verification, catalog.Match(p.Medications, cat), requester, e.now().UTC())
	if err != nil {
		return rec, err
	}
	updated, err := e.store.UpdateVerification(ctx, id, p.Status(), p.Revision, next)
	if err != nil {
		// Lost the race to another request: the cycle is already open.
		var ite *prescription.InvalidTransitionError
		if errors.As(err, &ite) && ite.Current == prescription.StatusPending {
			return rec, prescription.ErrNothingToVerify
		}
		return rec, err
	}

	e.transitioned(updated, requester)
	if e.events != nil {
		e.events.VerificationRequested(updated.Clone())
	}
	return updated.Verification.Record(), nil
}

// DecideVerification applies a doctor's approval or rejection. A doctor may
// only decide prescriptions they issued or offline ones with no prescriber.
func (e *Engine) DecideVerification(ctx context.Context, id string, doctor prescription.ActorRef, approve bool, notes string) (rec prescription.VerificationRecord, err error) {
	ctx, span := e.start(ctx, "decide_verification", doctor,
		attribute.String("prescription_id", id),
		attribute.Bool("approve", approve))
	defer e.finish(span, "decide_verification", time.Now(), &err)

	if !doctor.Is(prescription.RoleDoctor) {
		return rec, prescription.ErrForbidden
	}
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	if p.DoctorID != "" && p.DoctorID != doctor.ID {
		return rec, prescription.ErrForbidden
	}

	next, err := prescription.Decide(p.Verification, doctor, approve, strings.TrimSpace(notes), e.now().UTC())
	if err != nil {
		return rec, err
	}
	updated, err := e.store.UpdateVerification(ctx, id, prescription.StatusPending, p.Revision, next)
	if err != nil {
		return rec, err
	}

	e.transitioned(updated, doctor)
	if e.events != nil {
		e.events.VerificationDecided(updated.Clone())
	}
	return updated.Verification.Record(), nil
}

// DispenseRecord is the result of a successful dispense.
type DispenseRecord struct {
	PrescriptionID string    `json:"prescription_id"`
	ShortID        string    `json:"short_id"`
	PharmacistID   string    `json:"pharmacist_id"`
	DispensedAt    time.Time `json:"dispensed_at"`
	Used           int       `json:"used"`
	UsageLimit     int       `json:"usage_limit"`
	Remaining      int       `json:"remaining"`
}

// Dispense records one unit of use. The verification, quota and expiry checks
// run inside the store's conditional write, so concurrent callers can never
// push used past the usage limit. A zero now means the engine clock.
func (e *Engine) Dispense(ctx context.Context, id string, pharmacist prescription.ActorRef, now time.Time) (rec *DispenseRecord, err error) {
	ctx, span := e.start(ctx, "dispense", pharmacist, attribute.String("prescription_id", id))
	defer e.finish(span, "dispense", time.Now(), &err)
	defer func() { e.metrics.Dispenses.WithLabelValues(dispenseOutcome(err)).Inc() }()

	if !pharmacist.Is(prescription.RolePharmacist) {
		return nil, prescription.ErrForbidden
	}
	if now.IsZero() {
		now = e.now()
	}
	entry := prescription.DispenseEntry{PharmacistID: pharmacist.ID, DispensedAt: now.UTC()}

	p, err := e.store.RecordDispense(ctx, id, entry)
	if err != nil {
		return nil, err
	}

	e.logger.Info("prescription dispensed",
		zap.String("prescription_id", p.ID),
		zap.String("actor_id", pharmacist.ID),
		zap.Int("used", p.Used),
		zap.Int("usage_limit", p.UsageLimit))

	return &DispenseRecord{
		PrescriptionID: p.ID,
		ShortID:        p.ShortID,
		PharmacistID:   entry.PharmacistID,
		DispensedAt:    entry.DispensedAt,
		Used:           p.Used,
		UsageLimit:     p.UsageLimit,
		Remaining:      p.Remaining(),
	}, nil
}

func dispenseOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, prescription.ErrVerificationRequired):
		return "verification_required"
	case errors.Is(err, prescription.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, prescription.ErrExpired):
		return "expired"
	case errors.Is(err, prescription.ErrNotFound):
		return "not_found"
	case errors.Is(err, prescription.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

// GetVerificationStatus returns the verification sub-record.
func (e *Engine) GetVerificationStatus(ctx context.Context, id string) (prescription.VerificationRecord, error) {
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return prescription.VerificationRecord{}, err
	}
	return p.Verification.Record(), nil
}

// ListPendingForDoctor returns the prescriptions awaiting this doctor's
// decision, oldest first.
func (e *Engine) ListPendingForDoctor(ctx context.Context, doctor prescription.ActorRef) ([]prescription.Summary, error) {
	if !doctor.Is(prescription.RoleDoctor) {
		return nil, prescription.ErrForbidden
	}
	ps, err := e.store.ListPendingForDoctor(ctx, doctor.ID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]prescription.Summary, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Summarize())
	}
	return out, nil
}

// GetPrescription returns the full record.
func (e *Engine) GetPrescription(ctx context.Context, id string) (*prescription.Prescription, error) {
	return e.store.Get(ctx, id)
}

// LookupShortID finds a prescription by its scan id. Case, dashes and
// surrounding whitespace are ignored.
func (e *Engine) LookupShortID(ctx context.Context, shortID string) (*prescription.Prescription, error) {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(shortID), "-", ""))
	if len(key) != prescription.ShortIDLength {
		return nil, prescription.ErrNotFound
	}
	return e.store.GetByShortID(ctx, key)
}

// Catalog returns the active dangerous-drug catalog.
func (e *Engine) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	return e.catalog.Current(ctx)
}

// ReloadCatalog forces a catalog re-read. Only admins may trigger it.
func (e *Engine) ReloadCatalog(ctx context.Context, actor prescription.ActorRef) (*catalog.Catalog, error) {
	if !actor.Is(prescription.RoleAdmin) {
		return nil, prescription.ErrForbidden
	}
	return e.catalog.Reload(ctx)
}

func (e *Engine) transitioned(p *prescription.Prescription, actor prescription.ActorRef) {
	e.metrics.VerificationTransitions.WithLabelValues(string(p.Status())).Inc()
	e.logger.Info("verification transition",
		zap.String("prescription_id", p.ID),
		zap.String("short_id", p.ShortID),
		zap.String("actor_id", actor.ID),
		zap.String("status", string(p.Status())))
}

func (e *Engine) start(ctx context.Context, op string, actor prescription.ActorRef, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("actor_id", actor.ID),
		attribute.String("actor_role", string(actor.Role)))
	return e.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
}

func (e *Engine) finish(span trace.Span, op string, started time.Time, err *error) {
	e.metrics.ProcessingDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
