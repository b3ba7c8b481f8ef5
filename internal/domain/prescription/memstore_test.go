package prescription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrescription(limit int, v Verification) *Prescription {
	id := uuid.New().String()
	return &Prescription{
		ID:           id,
		ShortID:      ShortIDFrom(id),
		PatientID:    testPatient.ID,
		DoctorID:     testDoctor.ID,
		Medications:  []Medication{{Name: "Paracetamol"}},
		UsageLimit:   limit,
		CreatedAt:    t0,
		ExpiresAt:    t0.Add(30 * 24 * time.Hour),
		Verification: v,
	}
}

func TestMemoryStoreCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newTestPrescription(1, VerifiedVerification{By: testDoctor, At: t0})
	require.NoError(t, s.Create(ctx, p))

	got, err := s.GetByShortID(ctx, p.ShortID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Create(ctx, p), ErrIdentityCollision)
}

func TestMemoryStoreShortIDCollision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := newTestPrescription(1, NoVerification{})
	a.ID = "00000000-0000-4000-8000-aaaabbbbcccc"
	a.ShortID = ShortIDFrom(a.ID)
	b := newTestPrescription(1, NoVerification{})
	b.ID = "11111111-1111-4111-8111-aaaabbbbcccc"
	b.ShortID = ShortIDFrom(b.ID)

	require.NoError(t, s.Create(ctx, a))
	assert.ErrorIs(t, s.Create(ctx, b), ErrIdentityCollision)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newTestPrescription(2, VerifiedVerification{By: testDoctor, At: t0})
	require.NoError(t, s.Create(ctx, p))

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	got.Used = 2
	got.Medications[0].Name = "changed"

	again, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Used)
	assert.Equal(t, "Paracetamol", again.Medications[0].Name)
}

func TestRecordDispenseGuardOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	pending := newTestPrescription(1, PendingVerification{Flags: warfarinFlag, RequestedBy: testDoctor, RequestedAt: t0})
	require.NoError(t, s.Create(ctx, pending))
	_, err := s.RecordDispense(ctx, pending.ID, DispenseEntry{PharmacistID: testPharmacist.ID, DispensedAt: t0})
	var vre *VerificationRequiredError
	require.ErrorAs(t, err, &vre)
	assert.Equal(t, StatusPending, vre.Status)
	assert.Equal(t, warfarinFlag, vre.Flagged)

	// Quota is checked before expiry.
	used := newTestPrescription(2, VerifiedVerification{By: testDoctor, At: t0})
	used.Used = 2
	used.DispenseLog = []DispenseEntry{{"a", t0}, {"b", t0}}
	require.NoError(t, s.Create(ctx, used))
	_, err = s.RecordDispense(ctx, used.ID, DispenseEntry{PharmacistID: testPharmacist.ID, DispensedAt: used.ExpiresAt.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	after, _ := s.Get(ctx, used.ID)
	assert.Equal(t, 2, after.Used)

	expired := newTestPrescription(1, NoVerification{})
	require.NoError(t, s.Create(ctx, expired))
	_, err = s.RecordDispense(ctx, expired.ID, DispenseEntry{PharmacistID: testPharmacist.ID, DispensedAt: expired.ExpiresAt.Add(time.Second)})
	assert.ErrorIs(t, err, ErrExpired)

	// Exactly at expiry is still allowed.
	got, err := s.RecordDispense(ctx, expired.ID, DispenseEntry{PharmacistID: testPharmacist.ID, DispensedAt: expired.ExpiresAt})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Used)
}

func TestRecordDispenseConcurrentNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	const limit = 3
	p := newTestPrescription(limit, VerifiedVerification{By: testDoctor, At: t0})
	require.NoError(t, s.Create(ctx, p))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exceeded  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordDispense(ctx, p.ID, DispenseEntry{PharmacistID: testPharmacist.ID, DispensedAt: t0})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if assert.ErrorIs(t, err, ErrQuotaExceeded) {
				exceeded++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, successes)
	assert.Equal(t, 20-limit, exceeded)
	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, got.Used)
	assert.Len(t, got.DispenseLog, got.Used)
}

func TestUpdateVerificationCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newTestPrescription(1, PendingVerification{Flags: warfarinFlag, RequestedBy: testPharmacist, RequestedAt: t0})
	require.NoError(t, s.Create(ctx, p))

	approve := VerifiedVerification{Flags: warfarinFlag, By: testDoctor, At: t0}
	reject := RejectedVerification{Flags: warfarinFlag, By: testDoctor, At: t0}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, next := range []Verification{approve, reject} {
		wg.Add(1)
		go func(i int, next Verification) {
			defer wg.Done()
			_, errs[i] = s.UpdateVerification(ctx, p.ID, StatusPending, 0, next)
		}(i, next)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, failures)
}

func TestListPendingForDoctor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pending := PendingVerification{Flags: warfarinFlag, RequestedBy: testPharmacist, RequestedAt: t0}

	mine := newTestPrescription(1, pending)
	other := newTestPrescription(1, pending)
	other.DoctorID = "doc-2"
	offline := newTestPrescription(1, pending)
	offline.DoctorID = ""
	offline.Provenance = Provenance{Offline: true, DoctorName: "Dr. Paper"}
	offline.CreatedAt = t0.Add(-time.Hour)
	cleared := newTestPrescription(1, VerifiedVerification{By: testDoctor, At: t0})

	for _, p := range []*Prescription{mine, other, offline, cleared} {
		require.NoError(t, s.Create(ctx, p))
	}

	got, err := s.ListPendingForDoctor(ctx, testDoctor.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, offline.ID, got[0].ID)
	assert.Equal(t, mine.ID, got[1].ID)
}

func TestShortIDFrom(t *testing.T) {
	assert.Equal(t, "AAAABBBBCCCC", ShortIDFrom("00000000-0000-4000-8000-aaaabbbbcccc"))
	assert.Equal(t, "ABC", ShortIDFrom("abc"))
}

func TestTerminal(t *testing.T) {
	p := newTestPrescription(1, NoVerification{})
	assert.False(t, p.Terminal(t0))
	assert.True(t, p.Terminal(p.ExpiresAt.Add(time.Nanosecond)))
	p.Used = 1
	assert.True(t, p.Terminal(t0))
}

func TestUpdateVerificationRejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newTestPrescription(1, PendingVerification{Flags: warfarinFlag, RequestedBy: testDoctor, RequestedAt: t0})
	require.NoError(t, s.Create(ctx, p))

	stale, err := s.Get(ctx, p.ID)
	require.NoError(t, err)

	// Reject and re-open the cycle; the status is pending again.
	rejected, err := s.UpdateVerification(ctx, p.ID, StatusPending, stale.Revision,
		RejectedVerification{Flags: warfarinFlag, RequestedBy: &testDoctor, By: testDoctor, At: t0})
	require.NoError(t, err)
	reopened, err := s.UpdateVerification(ctx, p.ID, StatusRejected, rejected.Revision,
		PendingVerification{Flags: warfarinFlag, RequestedBy: testPharmacist, RequestedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Revision)

	var ite *InvalidTransitionError
	_, err = s.UpdateVerification(ctx, p.ID, StatusPending, stale.Revision,
		VerifiedVerification{Flags: warfarinFlag, RequestedBy: &testDoctor, By: testDoctor, At: t0})
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusPending, ite.Current)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status())
	requester, _ := Requester(got.Verification)
	assert.Equal(t, testPharmacist, requester)
}

func TestCloneDoesNotShareVerificationSlices(t *testing.T) {
	by := testPharmacist
	p := newTestPrescription(1, RejectedVerification{
		Flags: []FlaggedMedication{{Name: "Warfarin", Reason: "bleeding"}}, RequestedBy: &by, By: testDoctor, At: t0,
	})
	c := p.Clone()

	orig := p.Verification.(RejectedVerification)
	orig.Flags[0].Name = "changed"
	orig.RequestedBy.ID = "changed"

	cv := c.Verification.(RejectedVerification)
	assert.Equal(t, "Warfarin", cv.Flags[0].Name)
	assert.Equal(t, testPharmacist.ID, cv.RequestedBy.ID)
}
