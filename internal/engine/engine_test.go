package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxverify/internal/directory"
	"github.com/drfirst/go-rxverify/internal/domain/catalog"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/notify"
)

var (
	doctor     = prescription.ActorRef{ID: "doc-1", Role: prescription.RoleDoctor}
	otherDoc   = prescription.ActorRef{ID: "doc-2", Role: prescription.RoleDoctor}
	pharmacist = prescription.ActorRef{ID: "pharm-1", Role: prescription.RolePharmacist}
	admin      = prescription.ActorRef{ID: "admin-1", Role: prescription.RoleAdmin}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *Engine
	store    *hookStore
	recorder *notify.Recorder
	dispatch *notify.Dispatcher
	clock    *fakeClock
	source   *mutableSource
}

// hookStore runs a one-shot hook before the next Get returns, to interleave
// other operations between an engine read and its conditional write.
type hookStore struct {
	*prescription.MemoryStore
	mu       sync.Mutex
	afterGet func()
}

func (s *hookStore) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	p, err := s.MemoryStore.Get(ctx, id)
	s.mu.Lock()
	hook := s.afterGet
	s.afterGet = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return p, err
}

func (s *hookStore) AfterNextGet(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterGet = fn
}

type mutableSource struct {
	mu      sync.Mutex
	entries []catalog.Entry
}

func (s *mutableSource) Load(context.Context) ([]catalog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.Entry(nil), s.entries...), nil
}

func (s *mutableSource) Set(entries ...catalog.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	src := &mutableSource{entries: []catalog.Entry{{Name: "warfarin", Reason: "Potentially dangerous medication"}}}
	dir := directory.NewMemory(
		directory.UserRef{ID: "pat-1", Role: prescription.RolePatient, Email: "pat@example.com"},
		directory.UserRef{ID: "doc-1", Role: prescription.RoleDoctor},
		directory.UserRef{ID: "doc-2", Role: prescription.RoleDoctor},
	)
	rec := &notify.Recorder{}
	d := notify.NewDispatcher(notify.DefaultConfig(), rec, dir, nil, nil)
	d.Start()
	t.Cleanup(d.Stop)

	store := &hookStore{MemoryStore: prescription.NewMemoryStore()}
	var seq atomic.Int64
	e := New(DefaultConfig(), store, catalog.NewRegistry(src, nil, nil), dir, d,
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", seq.Add(1))
		}))
	return &harness{engine: e, store: store, recorder: rec, dispatch: d, clock: clock, source: src}
}

// drain stops the dispatcher so every queued notification has been delivered.
func (h *harness) drain() []prescription.Event {
	h.dispatch.Stop()
	return h.recorder.Events()
}

func meds(names ...string) []prescription.Medication {
	out := make([]prescription.Medication, len(names))
	for i, n := range names {
		out[i] = prescription.Medication{Name: n, Dosage: "5mg"}
	}
	return out
}

func (h *harness) issue(t *testing.T, limit int, names ...string) *prescription.Prescription {
	t.Helper()
	p, err := h.engine.CreatePrescription(context.Background(), CreateCommand{
		Issuer:      doctor,
		Patient:     "pat@example.com",
		Medications: meds(names...),
		UsageLimit:  limit,
	})
	require.NoError(t, err)
	return p
}

func TestScenarioA_CleanPrescription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.issue(t, 1, "Paracetamol")
	assert.Equal(t, prescription.StatusVerified, p.Status())
	assert.Empty(t, p.Verification.Flagged())
	rec := p.Verification.Record()
	assert.Equal(t, doctor, *rec.VerifiedBy)
	assert.Equal(t, p.CreatedAt, *rec.VerifiedAt)
	assert.Equal(t, "pat-1", p.PatientID)
	assert.Equal(t, p.CreatedAt.Add(30*24*time.Hour), p.ExpiresAt)

	offline, err := h.engine.CreatePrescription(ctx, CreateCommand{
		Issuer:      pharmacist,
		Patient:     "pat-1",
		Medications: meds("Paracetamol"),
		Offline:     true,
		Provenance:  prescription.Provenance{DoctorName: "Dr. Paper", ClinicName: "Old Town Clinic"},
	})
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusNone, offline.Status())
	assert.Empty(t, offline.DoctorID)
	assert.True(t, offline.Provenance.Offline)
	assert.Equal(t, "pharm-1", offline.Provenance.DigitizedBy)
	assert.Equal(t, "Dr. Paper", offline.Provenance.DoctorName)

	events := h.drain()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, prescription.EventPrescription, e.Type)
		assert.Equal(t, "pat-1", e.Recipient.ID)
	}
}

func TestScenarioB_FlaggedAtCreation(t *testing.T) {
	h := newHarness(t)
	p := h.issue(t, 1, "Warfarin")

	assert.Equal(t, prescription.StatusPending, p.Status())
	assert.Equal(t, []prescription.FlaggedMedication{
		{Name: "Warfarin", Reason: "Potentially dangerous medication"},
	}, p.Verification.Flagged())

	got, err := h.engine.GetVerificationStatus(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPending, got.Status)
	assert.Equal(t, doctor, *got.RequestedBy)
}

func TestScenarioC_DoctorApproves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.engine.CreatePrescription(ctx, CreateCommand{
		Issuer: pharmacist, Patient: "pat-1", Medications: meds("Paracetamol"), Offline: true,
	})
	require.NoError(t, err)

	// Catalog grows after creation; the request re-runs the matcher.
	h.source.Set(catalog.Entry{Name: "paracetamol", Reason: "hepatotoxic at high dose"})
	_, err = h.engine.ReloadCatalog(ctx, admin)
	require.NoError(t, err)

	requested, err := h.engine.RequestVerification(ctx, p.ID, pharmacist)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPending, requested.Status)
	assert.Equal(t, "hepatotoxic at high dose", requested.FlaggedMedications[0].Reason)

	h.clock.Advance(time.Hour)
	decided, err := h.engine.DecideVerification(ctx, p.ID, doctor, true, " looks fine ")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusVerified, decided.Status)
	assert.Equal(t, doctor, *decided.VerifiedBy)
	assert.Equal(t, h.clock.Now(), *decided.VerifiedAt)
	assert.Equal(t, "looks fine", decided.Notes)
	assert.Equal(t, pharmacist, *decided.RequestedBy)

	var result []string
	for _, e := range h.drain() {
		if e.Type == prescription.EventVerificationResult {
			result = append(result, e.Recipient.ID)
		}
	}
	assert.Equal(t, []string{"pharm-1", "pat-1"}, result)
}

func TestScenarioD_QuotaExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.issue(t, 2, "Paracetamol")

	for i := 0; i < 2; i++ {
		_, err := h.engine.Dispense(ctx, p.ID, pharmacist, time.Time{})
		require.NoError(t, err)
	}
	_, err := h.engine.Dispense(ctx, p.ID, pharmacist, time.Time{})
	assert.ErrorIs(t, err, prescription.ErrQuotaExceeded)

	got, err := h.engine.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Used)
	assert.Len(t, got.DispenseLog, 2)
}

func TestScenarioE_Expired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.CreatePrescription(ctx, CreateCommand{
		Issuer:      doctor,
		Patient:     "pat-1",
		Medications: meds("Paracetamol"),
		ExpiresAt:   h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = h.engine.Dispense(ctx, p.ID, pharmacist, time.Time{})
	assert.ErrorIs(t, err, prescription.ErrExpired)

	got, _ := h.engine.GetPrescription(ctx, p.ID)
	assert.Equal(t, 0, got.Used)
}

func TestDispenseBlockedWhileVerificationOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.issue(t, 1, "Warfarin")

	_, err := h.engine.Dispense(ctx, p.ID, pharmacist, time.Time{})
	var vre *prescription.VerificationRequiredError
	require.ErrorAs(t, err, &vre)
	assert.Equal(t, prescription.StatusPending, vre.Status)
	assert.Equal(t, "Warfarin", vre.Flagged[0].Name)

	_, err = h.engine.DecideVerification(ctx, p.ID, doctor, false, "dose too high")
	require.NoError(t, err)
	_, err = h.engine.Dispense(ctx, p.ID, pharmacist, time.Time{})
	require.ErrorAs(t, err, &vre)
	assert.Equal(t, prescription.StatusRejected, vre.Status)

	// A new request reopens the cycle; approval clears dispensing.
	_, err = h.engine.RequestVerification(ctx, p.ID, pharmacist)
	require.NoError(t, err)
	_, err = h.engine.DecideVerification(ctx, p.ID, doctor, true, "")
	require.NoError(t, err)
	rec, err := h.engine.Dispense(ctx, p.ID, pharmacist, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Remaining)
}

func TestSecondRequestWhilePendingIsNothingToVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.issue(t, 1, "Warfarin")

	_, err := h.engine.RequestVerification(ctx, p.ID, pharmacist)
	assert.ErrorIs(t, err, prescription.ErrNothingToVerify)

	got, err := h.engine.GetVerificationStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, doctor, *got.RequestedBy, "pending record is not replaced")
}

func TestRequestWithoutFlagsIsNothingToVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.engine.CreatePrescription(ctx, CreateCommand{
		Issuer: pharmacist, Patient: "pat-1", Medications: meds("Paracetamol"), Offline: true,
	})
	require.NoError(t, err)

	_, err = h.engine.RequestVerification(ctx, p.ID, pharmacist)
	assert.ErrorIs(t, err, prescription.ErrNothingToVerify)
}

func TestDecideFailsOutsidePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	verified := h.issue(t, 1, "Paracetamol")
	none, err := h.engine.CreatePrescription(ctx, CreateCommand{
		Issuer: pharmacist, Patient: "pat-1", Medications: meds("Paracetamol"), Offline: true,
	})
	require.NoError(t, err)
	rejected := h.issue(t, 1, "Warfarin")
	_, err = h.engine.DecideVerification(ctx, rejected.ID, doctor, false, "")
	require.NoError(t, err)

	for _, p := range []*prescription.Prescription{verified, none, rejected} {
		_, err := h.engine.DecideVerification(ctx, p.ID, doctor, true, "")
		var ite *prescription.InvalidTransitionError
		require.ErrorAs(t, err, &ite, p.ID)
		assert.ErrorIs(t, err, prescription.ErrInvalidTransition)
	}
}

func TestRoleAndOwnershipChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreatePrescription(ctx, CreateCommand{Issuer: pharmacist, Patient: "pat-1", Medications: meds("x")})
	assert.ErrorIs(t, err, prescription.ErrForbidden)
	_, err = h.engine.CreatePrescription(ctx, CreateCommand{Issuer: doctor, Patient: "pat-1", Medications: meds("x"), Offline: true})
	assert.ErrorIs(t, err, prescription.ErrForbidden)

	p := h.issue(t, 1, "Warfarin")
	_, err = h.engine.DecideVerification(ctx, p.ID, pharmacist, true, "")
	assert.ErrorIs(t, err, prescription.ErrForbidden)
	_, err = h.engine.DecideVerification(ctx, p.ID, otherDoc, true, "")
	assert.ErrorIs(t, err, prescription.ErrForbidden)
	_, err = h.engine.Dispense(ctx, p.ID, doctor, time.Time{})
	assert.ErrorIs(t, err, prescription.ErrForbidden)
	_, err = h.engine.RequestVerification(ctx, p.ID, doctor)
	assert.ErrorIs(t, err, prescription.ErrForbidden)
	_, err = h.engine.ReloadCatalog(ctx, doctor)
	assert.ErrorIs(t, err, prescription.ErrForbidden)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreatePrescription(ctx, CreateCommand{Issuer: doctor, Patient: "pat-1"})
	assert.ErrorIs(t, err, prescription.ErrValidation)

	_, err = h.engine.CreatePrescription(ctx, CreateCommand{Issuer: doctor, Patient: "ghost", Medications: meds("x")})
	assert.ErrorIs(t, err, prescription.ErrNotFound)

	_, err = h.engine.CreatePrescription(ctx, CreateCommand{Issuer: doctor, Patient: "doc-2", Medications: meds("x")})
	assert.ErrorIs(t, err, prescription.ErrValidation)

	_, err = h.engine.CreatePrescription(ctx, CreateCommand{
		Issuer: doctor, Patient: "pat-1", Medications: meds("x"), ExpiresAt: h.clock.Now().Add(-time.Minute),
	})
	var ve *prescription.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "expires_at", ve.Field)
}

type unavailableDirectory struct{}

func (unavailableDirectory) Find(context.Context, string) (directory.UserRef, error) {
	return directory.UserRef{}, fmt.Errorf("%w: timeout", prescription.ErrUpstreamUnavailable)
}

func (unavailableDirectory) Doctors(context.Context, int) ([]directory.UserRef, error) {
	return nil, prescription.ErrUpstreamUnavailable
}

func TestUpstreamUnavailableAppliesNothing(t *testing.T) {
	store := prescription.NewMemoryStore()
	e := New(DefaultConfig(), store, catalog.NewRegistry(catalog.StaticSource(nil), nil, nil), unavailableDirectory{}, nil)

	_, err := e.CreatePrescription(context.Background(), CreateCommand{Issuer: doctor, Patient: "pat@example.com", Medications: meds("x")})
	assert.ErrorIs(t, err, prescription.ErrUpstreamUnavailable)

	list, err := store.ListPendingForDoctor(context.Background(), doctor.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIdentityCollisionSurfaces(t *testing.T) {
	store := prescription.NewMemoryStore()
	e := New(DefaultConfig(), store, catalog.NewRegistry(catalog.StaticSource(nil), nil, nil), nil, nil,
		WithIDGenerator(func() string { return "00000000-0000-4000-8000-000000000001" }))
	cmd := CreateCommand{Issuer: doctor, Patient: "pat-1", Medications: meds("x")}

	_, err := e.CreatePrescription(context.Background(), cmd)
	require.NoError(t, err)
	_, err = e.CreatePrescription(context.Background(), cmd)
	assert.ErrorIs(t, err, prescription.ErrIdentityCollision)
}

func TestIdentityCollisionRegeneratesOnce(t *testing.T) {
	ids := []string{
		"00000000-0000-4000-8000-000000000001",
		"00000000-0000-4000-8000-000000000001",
		"00000000-0000-4000-8000-000000000002",
	}
	var next atomic.Int64
	e := New(DefaultConfig(), prescription.NewMemoryStore(), catalog.NewRegistry(catalog.StaticSource(nil), nil, nil), nil, nil,
		WithIDGenerator(func() string { return ids[next.Add(1)-1] }))
	cmd := CreateCommand{Issuer: doctor, Patient: "pat-1", Medications: meds("x")}

	_, err := e.CreatePrescription(context.Background(), cmd)
	require.NoError(t, err)
	p, err := e.CreatePrescription(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, ids[2], p.ID)
	assert.Equal(t, prescription.ShortIDFrom(ids[2]), p.ShortID)
}

func TestConcurrentDispenseUsageLimitOne(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		p := h.issue(t, 1, "Paracetamol")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = h.engine.Dispense(context.Background(), p.ID, pharmacist, time.Time{})
			}(i)
		}
		close(start)
		wg.Wait()

		succeeded, exceeded := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, prescription.ErrQuotaExceeded):
				exceeded++
			}
		}
		require.Equal(t, 1, succeeded)
		require.Equal(t, 1, exceeded)
	}
}

func TestConcurrentApproveRejectHasOneWinner(t *testing.T) {
	h := newHarness(t)
	p := h.issue(t, 1, "Warfarin")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i, approve := range []bool{true, false} {
		wg.Add(1)
		go func(i int, approve bool) {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.DecideVerification(context.Background(), p.ID, doctor, approve, "")
		}(i, approve)
	}
	close(start)
	wg.Wait()

	losers := 0
	for _, err := range errs {
		if err != nil {
			losers++
			assert.ErrorIs(t, err, prescription.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, losers)

	var decided int
	for _, e := range h.drain() {
		if e.Type == prescription.EventVerificationResult && e.Recipient.ID == "pat-1" {
			decided++
		}
	}
	assert.Equal(t, 1, decided, "only the winning transition notifies")
}

func TestStaleDecisionCannotLandOnNewCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.issue(t, 1, "Warfarin")

	// While the approval below sits between its read and its write, the
	// cycle is rejected and a pharmacist opens a new one.
	h.store.AfterNextGet(func() {
		_, err := h.engine.DecideVerification(ctx, p.ID, doctor, false, "wrong dose")
		require.NoError(t, err)
		_, err = h.engine.RequestVerification(ctx, p.ID, pharmacist)
		require.NoError(t, err)
	})

	_, err := h.engine.DecideVerification(ctx, p.ID, doctor, true, "")
	var ite *prescription.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, prescription.StatusPending, ite.Current)

	got, err := h.engine.GetVerificationStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusPending, got.Status)
	assert.Equal(t, pharmacist, *got.RequestedBy)
	assert.Nil(t, got.VerifiedBy)

	// Only the rejection produced a result, addressed to its own requester.
	var result []string
	for _, e := range h.drain() {
		if e.Type == prescription.EventVerificationResult {
			result = append(result, e.Recipient.ID)
		}
	}
	assert.Equal(t, []string{"doc-1", "pat-1"}, result)

	decided, err := h.engine.DecideVerification(ctx, p.ID, doctor, true, "")
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusVerified, decided.Status)
	assert.Equal(t, pharmacist, *decided.RequestedBy)
}

func TestListPendingForDoctor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mine := h.issue(t, 1, "Warfarin")
	h.issue(t, 1, "Paracetamol")
	h.clock.Advance(time.Minute)
	offline, err := h.engine.CreatePrescription(ctx, CreateCommand{
		Issuer: pharmacist, Patient: "pat-1", Medications: meds("warfarin"), Offline: true,
	})
	require.NoError(t, err)

	list, err := h.engine.ListPendingForDoctor(ctx, doctor)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, mine.ID, list[0].ID)
	assert.Equal(t, offline.ID, list[1].ID)
	assert.True(t, list[1].Offline)

	others, err := h.engine.ListPendingForDoctor(ctx, otherDoc)
	require.NoError(t, err)
	require.Len(t, others, 1)

	_, err = h.engine.ListPendingForDoctor(ctx, pharmacist)
	assert.ErrorIs(t, err, prescription.ErrForbidden)
}

func TestLookupShortID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.issue(t, 1, "Paracetamol")

	got, err := h.engine.LookupShortID(ctx, " "+p.ShortID[:4]+"-"+p.ShortID[4:]+" ")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = h.engine.LookupShortID(ctx, "abc")
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func TestInvariantsHoldUnderMixedLoad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.issue(t, 5, "Paracetamol")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Dispense(ctx, p.ID, pharmacist, time.Time{})
			got, err := h.engine.GetPrescription(ctx, p.ID)
			if assert.NoError(t, err) {
				assert.LessOrEqual(t, got.Used, got.UsageLimit)
				assert.Len(t, got.DispenseLog, got.Used)
			}
		}()
	}
	wg.Wait()

	got, err := h.engine.GetPrescription(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Used)
}
