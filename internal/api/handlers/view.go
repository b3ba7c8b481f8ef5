package handlers

import (
	"time"

	"github.com/drfirst/go-rxverify/internal/domain/prescription"
)

// PrescriptionView is the JSON representation of a prescription
type PrescriptionView struct {
	ID           string                          `json:"id"`
	ShortID      string                          `json:"short_id"`
	PatientID    string                          `json:"patient_id"`
	DoctorID     string                          `json:"doctor_id,omitempty"`
	Medications  []prescription.Medication       `json:"medications"`
	UsageLimit   int                             `json:"usage_limit"`
	Used         int                             `json:"used"`
	Remaining    int                             `json:"remaining"`
	DispenseLog  []prescription.DispenseEntry    `json:"dispense_log"`
	Verification prescription.VerificationRecord `json:"verification"`
	Provenance   prescription.Provenance         `json:"provenance"`
	CreatedAt    time.Time                       `json:"created_at"`
	ExpiresAt    time.Time                       `json:"expires_at"`
	UpdatedAt    time.Time                       `json:"updated_at"`
}

// NewPrescriptionView builds the view of p
func NewPrescriptionView(p *prescription.Prescription) PrescriptionView {
	rec := prescription.NoVerification{}.Record()
	if p.Verification != nil {
		rec = p.Verification.Record()
	}
	log := p.DispenseLog
	if log == nil {
		log = []prescription.DispenseEntry{}
	}
	return PrescriptionView{
		ID:           p.ID,
		ShortID:      p.ShortID,
		PatientID:    p.PatientID,
		DoctorID:     p.DoctorID,
		Medications:  p.Medications,
		UsageLimit:   p.UsageLimit,
		Used:         p.Used,
		Remaining:    p.Remaining(),
		DispenseLog:  log,
		Verification: rec,
		Provenance:   p.Provenance,
		CreatedAt:    p.CreatedAt,
		ExpiresAt:    p.ExpiresAt,
		UpdatedAt:    p.UpdatedAt,
	}
}
