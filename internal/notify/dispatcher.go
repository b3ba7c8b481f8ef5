package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/directory"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/pkg/workerpool"
)

// DefaultFallbackDoctorLimit bounds how many doctors are asked to verify an
// offline prescription that has no registered prescriber.
const DefaultFallbackDoctorLimit = 5

// Config holds dispatcher configuration
type Config struct {
	Pool                workerpool.Config
	FallbackDoctorLimit int
}

// DefaultConfig returns dispatcher defaults
func DefaultConfig() Config {
	return Config{
		Pool:                workerpool.DefaultConfig(),
		FallbackDoctorLimit: DefaultFallbackDoctorLimit,
	}
}

// Dispatcher derives recipients for each state change and delivers the event
// on a background pool. Delivery failures are logged and counted only.
type Dispatcher struct {
	notifier      Notifier
	directory     directory.Directory
	pool          *workerpool.Pool
	fallbackLimit int
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewDispatcher creates a dispatcher. dir is only consulted for the fallback
// doctor set and may be nil.
func NewDispatcher(cfg Config, notifier Notifier, dir directory.Directory, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if cfg.FallbackDoctorLimit <= 0 {
		cfg.FallbackDoctorLimit = DefaultFallbackDoctorLimit
	}
	return &Dispatcher{
		notifier:      notifier,
		directory:     dir,
		pool:          workerpool.New(cfg.Pool, logger.Named("notify-pool")),
		fallbackLimit: cfg.FallbackDoctorLimit,
		metrics:       m,
		logger:        logger,
	}
}

// Start launches the delivery workers
func (d *Dispatcher) Start() { d.pool.Start() }

// Healthy reports whether the delivery queue still has headroom.
func (d *Dispatcher) Healthy() bool { return d.pool.IsHealthy() }

// Stop drains queued deliveries
func (d *Dispatcher) Stop() { d.pool.Stop() }

// PrescriptionCreated tells the patient a prescription was issued.
func (d *Dispatcher) PrescriptionCreated(p *prescription.Prescription) {
	event := prescription.NewEvent(prescription.EventPrescription, p,
		fmt.Sprintf("A new prescription (%s) has been issued for you.", p.ShortID))
	d.dispatch(event, func(context.Context) ([]prescription.ActorRef, error) {
		return []prescription.ActorRef{patientOf(p)}, nil
	})
}

// VerificationRequested asks the prescribing doctor, or a bounded set of
// doctors when none is attached, to review flagged medications.
func (d *Dispatcher) VerificationRequested(p *prescription.Prescription) {
	names := make([]string, 0, len(p.Verification.Flagged()))
	for _, f := range p.Verification.Flagged() {
		names = append(names, f.Name)
	}
	event := prescription.NewEvent(prescription.EventVerificationRequested, p,
		fmt.Sprintf("Verification requested for prescription %s: %s.", p.ShortID, strings.Join(names, ", ")))
	doctorID := p.DoctorID
	d.dispatch(event, func(ctx context.Context) ([]prescription.ActorRef, error) {
		return d.reviewers(ctx, doctorID)
	})
}

// VerificationDecided tells the original requester and the patient about the
// doctor's decision.
func (d *Dispatcher) VerificationDecided(p *prescription.Prescription) {
	event := prescription.NewEvent(prescription.EventVerificationResult, p,
		fmt.Sprintf("Prescription %s was %s by the doctor.", p.ShortID, p.Status()))
	recipients := DecisionRecipients(p)
	d.dispatch(event, func(context.Context) ([]prescription.ActorRef, error) {
		return recipients, nil
	})
}

// DecisionRecipients returns the requester followed by the patient, without
// duplicates.
func DecisionRecipients(p *prescription.Prescription) []prescription.ActorRef {
	var out []prescription.ActorRef
	if requester, ok := prescription.Requester(p.Verification); ok && !requester.IsZero() {
		out = append(out, requester)
	}
	patient := patientOf(p)
	if len(out) == 0 || out[0].ID != patient.ID {
		out = append(out, patient)
	}
	return out
}

func (d *Dispatcher) reviewers(ctx context.Context, doctorID string) ([]prescription.ActorRef, error) {
	if doctorID != "" {
		return []prescription.ActorRef{{ID: doctorID, Role: prescription.RoleDoctor}}, nil
	}
	if d.directory == nil {
		return nil, fmt.Errorf("no prescribing doctor and no directory for fallback")
	}
	doctors, err := d.directory.Doctors(ctx, d.fallbackLimit)
	if err != nil {
		return nil, fmt.Errorf("fallback doctors: %w", err)
	}
	out := make([]prescription.ActorRef, 0, len(doctors))
	for _, u := range doctors {
		out = append(out, u.Actor())
	}
	return out, nil
}

func patientOf(p *prescription.Prescription) prescription.ActorRef {
	return prescription.ActorRef{ID: p.PatientID, Role: prescription.RolePatient}
}

func (d *Dispatcher) dispatch(event prescription.Event, recipients func(context.Context) ([]prescription.ActorRef, error)) {
	eventType := string(event.Type)
	logger := d.logger.With(
		zap.String("event_type", eventType),
		zap.String("prescription_id", event.Metadata.PrescriptionID))

	err := d.pool.Submit(workerpool.Job{
		Name: eventType,
		Run: func(ctx context.Context) error {
			to, err := recipients(ctx)
			if err != nil {
				d.metrics.Notifications.WithLabelValues(eventType, "failed").Inc()
				return err
			}
			if len(to) == 0 {
				d.metrics.Notifications.WithLabelValues(eventType, "no_recipients").Inc()
				logger.Warn("notification has no recipients")
				return nil
			}
			if err := d.notifier.Notify(ctx, to, event); err != nil {
				d.metrics.Notifications.WithLabelValues(eventType, "failed").Inc()
				return fmt.Errorf("deliver %s: %w", eventType, err)
			}
			d.metrics.Notifications.WithLabelValues(eventType, "sent").Inc()
			return nil
		},
	})
	if err != nil {
		d.metrics.Notifications.WithLabelValues(eventType, "dropped").Inc()
		logger.Error("notification dropped", zap.Error(err))
	}
}
