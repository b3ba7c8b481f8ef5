// Package prescription implements the prescription entity, its verification
// state machine and the store contract the dispensing guard relies on.
package prescription

import (
	"strings"
	"time"
)

// ShortIDLength is the number of trailing id characters used for scan lookup.
const ShortIDLength = 12

// Medication is one line of a prescription.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage,omitempty"`
	Quantity     string `json:"quantity,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Timing       string `json:"timing,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// DispenseEntry records one fulfilled unit of quota.
type DispenseEntry struct {
	PharmacistID string    `json:"pharmacist_id"`
	DispensedAt  time.Time `json:"dispensed_at"`
}

// Provenance describes where a prescription came from. The free-text doctor
// and clinic fields are only meaningful for offline digitizations.
type Provenance struct {
	Offline            bool   `json:"offline"`
	DoctorName         string `json:"doctor_name,omitempty"`
	ClinicName         string `json:"clinic_name,omitempty"`
	ClinicAddress      string `json:"clinic_address,omitempty"`
	RegistrationNumber string `json:"registration_number,omitempty"`
	DigitizedBy        string `json:"digitized_by,omitempty"`
}

// Prescription is the durable record the engine guards.
type Prescription struct {
	ID           string
	ShortID      string
	PatientID    string
	DoctorID     string
	Medications  []Medication
	UsageLimit   int
	Used         int
	DispenseLog  []DispenseEntry
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time
	Verification Verification
	// Revision counts verification writes. UpdateVerification compares it
	// so a decision computed from one review cycle cannot land on a later one.
	Revision   int
	Provenance Provenance
}

// ShortIDFrom derives the scan identifier from a durable id.
func ShortIDFrom(id string) string {
	compact := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(compact) <= ShortIDLength {
		return compact
	}
	return compact[len(compact)-ShortIDLength:]
}

// Status returns the current verification status.
func (p *Prescription) Status() Status {
	if p.Verification == nil {
		return StatusNone
	}
	return p.Verification.Status()
}

// Remaining returns how many dispenses are left.
func (p *Prescription) Remaining() int {
	return p.UsageLimit - p.Used
}

// Expired reports whether now is past the expiry instant.
func (p *Prescription) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Terminal reports whether no further dispense can ever succeed.
func (p *Prescription) Terminal(now time.Time) bool {
	return p.Used >= p.UsageLimit || p.Expired(now)
}

// CheckDispensable runs the dispensing guard checks in their required order.
// Existence is the caller's concern.
func (p *Prescription) CheckDispensable(now time.Time) error {
	if s := p.Status(); s.Blocking() {
		return &VerificationRequiredError{Status: s, Flagged: copyFlags(p.Verification.Flagged())}
	}
	if p.Used >= p.UsageLimit {
		return ErrQuotaExceeded
	}
	if p.Expired(now) {
		return ErrExpired
	}
	return nil
}

// Validate checks the invariants a prescription must hold before it is stored.
func (p *Prescription) Validate() error {
	if p.ID == "" {
		return invalid("id", "is required")
	}
	if p.ShortID != ShortIDFrom(p.ID) {
		return invalid("short_id", "must derive from id")
	}
	if p.PatientID == "" {
		return invalid("patient", "is required")
	}
	if len(p.Medications) == 0 {
		return invalid("medications", "at least one medication is required")
	}
	if p.UsageLimit <= 0 {
		return invalid("usage_limit", "must be positive")
	}
	if p.Used < 0 || p.Used > p.UsageLimit {
		return invalid("used", "must be within [0, usage_limit]")
	}
	if len(p.DispenseLog) != p.Used {
		return invalid("dispense_log", "length must equal used")
	}
	if !p.ExpiresAt.After(p.CreatedAt) {
		return invalid("expires_at", "must be after creation")
	}
	if !p.Provenance.Offline && p.DoctorID == "" {
		return invalid("doctor", "is required unless offline")
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (p *Prescription) Clone() *Prescription {
	c := *p
	c.Medications = append([]Medication(nil), p.Medications...)
	c.DispenseLog = append([]DispenseEntry(nil), p.DispenseLog...)
	c.Verification = cloneVerification(p.Verification)
	return &c
}

func cloneVerification(v Verification) Verification {
	switch v := v.(type) {
	case PendingVerification:
		v.Flags = copyFlags(v.Flags)
		return v
	case VerifiedVerification:
		v.Flags = copyFlags(v.Flags)
		v.RequestedBy = copyActor(v.RequestedBy)
		return v
	case RejectedVerification:
		v.Flags = copyFlags(v.Flags)
		v.RequestedBy = copyActor(v.RequestedBy)
		return v
	default:
		return v
	}
}

func copyActor(a *ActorRef) *ActorRef {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Summary is the compact view used in listings.
type Summary struct {
	ID          string              `json:"id"`
	ShortID     string              `json:"short_id"`
	PatientID   string              `json:"patient_id"`
	DoctorID    string              `json:"doctor_id,omitempty"`
	Medications []string            `json:"medications"`
	Status      Status              `json:"status"`
	Flagged     []FlaggedMedication `json:"flagged_medications"`
	RequestedBy *ActorRef           `json:"requested_by,omitempty"`
	Offline     bool                `json:"offline"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

// Summarize builds the listing view of p.
func (p *Prescription) Summarize() Summary {
	names := make([]string, 0, len(p.Medications))
	for _, m := range p.Medications {
		names = append(names, m.Name)
	}
	rec := VerificationRecord{Status: StatusNone}
	if p.Verification != nil {
		rec = p.Verification.Record()
	}
	return Summary{
		ID:          p.ID,
		ShortID:     p.ShortID,
		PatientID:   p.PatientID,
		DoctorID:    p.DoctorID,
		Medications: names,
		Status:      rec.Status,
		Flagged:     rec.FlaggedMedications,
		RequestedBy: rec.RequestedBy,
		Offline:     p.Provenance.Offline,
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.ExpiresAt,
	}
}
