package prescription

import "context"

// Store owns prescription records. Every mutation of quota fields and of the
// verification sub-record goes through UpdateVerification or RecordDispense,
// both of which are single atomic conditional writes.
type Store interface {
	// Create persists a new prescription. It fails with ErrIdentityCollision
	// when the id or short id is already taken.
	Create(ctx context.Context, p *Prescription) error
	Get(ctx context.Context, id string) (*Prescription, error)
	GetByShortID(ctx context.Context, shortID string) (*Prescription, error)
	// UpdateVerification replaces the verification sub-record only if its
	// status still equals expected and its revision still equals revision;
	// otherwise it returns an *InvalidTransitionError carrying the current
	// status. A successful write increments the revision.
	UpdateVerification(ctx context.Context, id string, expected Status, revision int, next Verification) (*Prescription, error)
	// RecordDispense increments used and appends entry only if the
	// prescription is dispensable at entry.DispensedAt at write time.
	RecordDispense(ctx context.Context, id string, entry DispenseEntry) (*Prescription, error)
	// ListPendingForDoctor returns pending prescriptions issued by doctorID
	// plus pending offline prescriptions that have no registered doctor.
	ListPendingForDoctor(ctx context.Context, doctorID string) ([]*Prescription, error)
}
