package prescription

import (
	"fmt"
	"time"
)

// Status is the verification status of a prescription.
type Status string

const (
	StatusNone     Status = "none"
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Blocking reports whether a prescription in this status may not be dispensed.
func (s Status) Blocking() bool {
	return s == StatusPending || s == StatusRejected
}

// FlaggedMedication is a medication that matched the dangerous-drug catalog.
type FlaggedMedication struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Verification is the verification sub-record of a prescription. Each variant
// carries exactly the fields that are valid in its state.
type Verification interface {
	Status() Status
	Flagged() []FlaggedMedication
	Record() VerificationRecord
	verification()
}

// NoVerification: no dangerous medication was ever detected.
type NoVerification struct{}

// PendingVerification awaits a doctor's decision.
type PendingVerification struct {
	Flags       []FlaggedMedication
	RequestedBy ActorRef
	RequestedAt time.Time
}

// VerifiedVerification clears the prescription for dispensing. RequestedBy is
// nil when the prescription was verified at creation.
type VerifiedVerification struct {
	Flags       []FlaggedMedication
	RequestedBy *ActorRef
	By          ActorRef
	At          time.Time
	Notes       string
}

// RejectedVerification blocks dispensing until a new request is approved.
type RejectedVerification struct {
	Flags       []FlaggedMedication
	RequestedBy *ActorRef
	By          ActorRef
	At          time.Time
	Notes       string
}

func (NoVerification) Status() Status       { return StatusNone }
func (PendingVerification) Status() Status  { return StatusPending }
func (VerifiedVerification) Status() Status { return StatusVerified }
func (RejectedVerification) Status() Status { return StatusRejected }

func (NoVerification) Flagged() []FlaggedMedication         { return nil }
func (v PendingVerification) Flagged() []FlaggedMedication  { return v.Flags }
func (v VerifiedVerification) Flagged() []FlaggedMedication { return v.Flags }
func (v RejectedVerification) Flagged() []FlaggedMedication { return v.Flags }

func (NoVerification) verification()       {}
func (PendingVerification) verification()  {}
func (VerifiedVerification) verification() {}
func (RejectedVerification) verification() {}

// VerificationRecord is the flat projection of a Verification used on the
// wire and in storage.
type VerificationRecord struct {
	Status             Status              `json:"status"`
	FlaggedMedications []FlaggedMedication `json:"flagged_medications"`
	RequestedBy        *ActorRef           `json:"requested_by,omitempty"`
	RequestedAt        *time.Time          `json:"requested_at,omitempty"`
	VerifiedBy         *ActorRef           `json:"verified_by,omitempty"`
	VerifiedAt         *time.Time          `json:"verified_at,omitempty"`
	Notes              string              `json:"notes,omitempty"`
}

func (NoVerification) Record() VerificationRecord {
	return VerificationRecord{Status: StatusNone, FlaggedMedications: []FlaggedMedication{}}
}

func (v PendingVerification) Record() VerificationRecord {
	by, at := v.RequestedBy, v.RequestedAt
	return VerificationRecord{
		Status:             StatusPending,
		FlaggedMedications: copyFlags(v.Flags),
		RequestedBy:        &by,
		RequestedAt:        &at,
	}
}

func (v VerifiedVerification) Record() VerificationRecord {
	return decidedRecord(StatusVerified, v.Flags, v.RequestedBy, v.By, v.At, v.Notes)
}

func (v RejectedVerification) Record() VerificationRecord {
	return decidedRecord(StatusRejected, v.Flags, v.RequestedBy, v.By, v.At, v.Notes)
}

func decidedRecord(s Status, flags []FlaggedMedication, requestedBy *ActorRef, by ActorRef, at time.Time, notes string) VerificationRecord {
	rec := VerificationRecord{
		Status:             s,
		FlaggedMedications: copyFlags(flags),
		VerifiedBy:         &by,
		VerifiedAt:         &at,
		Notes:              notes,
	}
	if requestedBy != nil {
		r := *requestedBy
		rec.RequestedBy = &r
	}
	return rec
}

// FromRecord rebuilds a Verification from its flat form, rejecting records
// whose fields do not fit their status.
func FromRecord(r VerificationRecord) (Verification, error) {
	switch r.Status {
	case StatusNone, "":
		return NoVerification{}, nil
	case StatusPending:
		if r.RequestedBy == nil {
			return nil, fmt.Errorf("pending verification without requested_by")
		}
		v := PendingVerification{Flags: copyFlags(r.FlaggedMedications), RequestedBy: *r.RequestedBy}
		if r.RequestedAt != nil {
			v.RequestedAt = *r.RequestedAt
		}
		return v, nil
	case StatusVerified, StatusRejected:
		if r.VerifiedBy == nil || r.VerifiedAt == nil {
			return nil, fmt.Errorf("%s verification without verified_by/verified_at", r.Status)
		}
		var requestedBy *ActorRef
		if r.RequestedBy != nil {
			rb := *r.RequestedBy
			requestedBy = &rb
		}
		if r.Status == StatusVerified {
			return VerifiedVerification{Flags: copyFlags(r.FlaggedMedications), RequestedBy: requestedBy, By: *r.VerifiedBy, At: *r.VerifiedAt, Notes: r.Notes}, nil
		}
		return RejectedVerification{Flags: copyFlags(r.FlaggedMedications), RequestedBy: requestedBy, By: *r.VerifiedBy, At: *r.VerifiedAt, Notes: r.Notes}, nil
	default:
		return nil, fmt.Errorf("unknown verification status %q", r.Status)
	}
}

// Requester returns who asked for the current verification cycle, if anyone.
func Requester(v Verification) (ActorRef, bool) {
	switch v := v.(type) {
	case PendingVerification:
		return v.RequestedBy, true
	case VerifiedVerification:
		if v.RequestedBy != nil {
			return *v.RequestedBy, true
		}
	case RejectedVerification:
		if v.RequestedBy != nil {
			return *v.RequestedBy, true
		}
	}
	return ActorRef{}, false
}

// Initial computes the verification state of a newly created prescription.
// Offline digitizations never auto-verify.
func Initial(flagged []FlaggedMedication, issuer ActorRef, offline bool, at time.Time) Verification {
	if len(flagged) > 0 {
		return PendingVerification{Flags: copyFlags(flagged), RequestedBy: issuer, RequestedAt: at}
	}
	if offline || !issuer.Is(RoleDoctor) {
		return NoVerification{}
	}
	return VerifiedVerification{By: issuer, At: at}
}

// Request opens a verification cycle on behalf of a pharmacist. flagged is the
// result of re-running the matcher against the current catalog.
func Request(current Verification, flagged []FlaggedMedication, requester ActorRef, at time.Time) (Verification, error) {
	if !requester.Is(RolePharmacist) {
		return nil, ErrForbidden
	}
	switch current.Status() {
	case StatusPending:
		return nil, ErrNothingToVerify
	case StatusNone, StatusRejected:
		if len(flagged) == 0 {
			return nil, ErrNothingToVerify
		}
		return PendingVerification{Flags: copyFlags(flagged), RequestedBy: requester, RequestedAt: at}, nil
	default:
		return nil, &InvalidTransitionError{Op: "request verification", Current: current.Status()}
	}
}

// Decide applies a doctor's approval or rejection to a pending verification.
func Decide(current Verification, doctor ActorRef, approve bool, notes string, at time.Time) (Verification, error) {
	if !doctor.Is(RoleDoctor) {
		return nil, ErrForbidden
	}
	p, ok := current.(PendingVerification)
	if !ok {
		return nil, &InvalidTransitionError{Op: "decide verification", Current: current.Status()}
	}
	requester := p.RequestedBy
	if approve {
		return VerifiedVerification{Flags: copyFlags(p.Flags), RequestedBy: &requester, By: doctor, At: at, Notes: notes}, nil
	}
	return RejectedVerification{Flags: copyFlags(p.Flags), RequestedBy: &requester, By: doctor, At: at, Notes: notes}, nil
}

func copyFlags(in []FlaggedMedication) []FlaggedMedication {
	out := make([]FlaggedMedication, len(in))
	copy(out, in)
	return out
}
