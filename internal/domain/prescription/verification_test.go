package prescription

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDoctor     = ActorRef{ID: "doc-1", Role: RoleDoctor}
	testPharmacist = ActorRef{ID: "pharm-1", Role: RolePharmacist}
	testPatient    = ActorRef{ID: "pat-1", Role: RolePatient}
	warfarinFlag   = []FlaggedMedication{{Name: "Warfarin", Reason: "Potentially dangerous medication"}}
	t0             = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func TestInitial(t *testing.T) {
	tests := []struct {
		name    string
		flagged []FlaggedMedication
		issuer  ActorRef
		offline bool
		want    Status
	}{
		{"doctor issued with flags", warfarinFlag, testDoctor, false, StatusPending},
		{"doctor issued clean", nil, testDoctor, false, StatusVerified},
		{"offline clean stays none", nil, testPharmacist, true, StatusNone},
		{"offline with flags", warfarinFlag, testPharmacist, true, StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Initial(tt.flagged, tt.issuer, tt.offline, t0)
			assert.Equal(t, tt.want, v.Status())
			assert.Len(t, v.Flagged(), len(tt.flagged))
		})
	}
}

func TestInitialVerifiedCarriesIssuer(t *testing.T) {
	v := Initial(nil, testDoctor, false, t0)
	rec := v.Record()
	require.NotNil(t, rec.VerifiedBy)
	require.NotNil(t, rec.VerifiedAt)
	assert.Equal(t, testDoctor, *rec.VerifiedBy)
	assert.Nil(t, rec.RequestedBy)
}

func TestRequest(t *testing.T) {
	rejected := RejectedVerification{Flags: warfarinFlag, By: testDoctor, At: t0}

	t.Run("none to pending", func(t *testing.T) {
		v, err := Request(NoVerification{}, warfarinFlag, testPharmacist, t0)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, v.Status())
		by, ok := Requester(v)
		require.True(t, ok)
		assert.Equal(t, testPharmacist, by)
	})

	t.Run("rejected reopens", func(t *testing.T) {
		v, err := Request(rejected, warfarinFlag, testPharmacist, t0)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, v.Status())
	})

	t.Run("no flags", func(t *testing.T) {
		_, err := Request(NoVerification{}, nil, testPharmacist, t0)
		assert.ErrorIs(t, err, ErrNothingToVerify)
	})

	t.Run("already pending", func(t *testing.T) {
		pending := PendingVerification{Flags: warfarinFlag, RequestedBy: testPharmacist, RequestedAt: t0}
		_, err := Request(pending, warfarinFlag, testPharmacist, t0)
		assert.ErrorIs(t, err, ErrNothingToVerify)
	})

	t.Run("verified is terminal", func(t *testing.T) {
		_, err := Request(VerifiedVerification{By: testDoctor, At: t0}, warfarinFlag, testPharmacist, t0)
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, StatusVerified, ite.Current)
	})

	t.Run("only pharmacists", func(t *testing.T) {
		_, err := Request(NoVerification{}, warfarinFlag, testDoctor, t0)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestDecide(t *testing.T) {
	pending := PendingVerification{Flags: warfarinFlag, RequestedBy: testPharmacist, RequestedAt: t0}
	at := t0.Add(time.Hour)

	approved, err := Decide(pending, testDoctor, true, "ok", at)
	require.NoError(t, err)
	rec := approved.Record()
	assert.Equal(t, StatusVerified, rec.Status)
	assert.Equal(t, testDoctor, *rec.VerifiedBy)
	assert.Equal(t, at, *rec.VerifiedAt)
	assert.Equal(t, testPharmacist, *rec.RequestedBy)
	assert.Equal(t, "ok", rec.Notes)

	rejected, err := Decide(pending, testDoctor, false, "dose too high", at)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status())

	_, err = Decide(pending, testPharmacist, true, "", at)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDecideOnlyFromPending(t *testing.T) {
	states := []Verification{
		NoVerification{},
		VerifiedVerification{By: testDoctor, At: t0},
		RejectedVerification{By: testDoctor, At: t0},
	}
	for _, s := range states {
		for _, approve := range []bool{true, false} {
			_, err := Decide(s, testDoctor, approve, "", t0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition), "status %s", s.Status())
			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, s.Status(), ite.Current)
		}
	}
}

func TestFromRecordRejectsIncompleteVariants(t *testing.T) {
	_, err := FromRecord(VerificationRecord{Status: StatusVerified})
	assert.Error(t, err)

	_, err = FromRecord(VerificationRecord{Status: StatusPending})
	assert.Error(t, err)

	_, err = FromRecord(VerificationRecord{Status: "approved"})
	assert.Error(t, err)
}

func TestRecordRoundTripKeepsVariant(t *testing.T) {
	requester := testPharmacist
	in := RejectedVerification{Flags: warfarinFlag, RequestedBy: &requester, By: testDoctor, At: t0, Notes: "no"}
	out, err := FromRecord(in.Record())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"Doctor":      RoleDoctor,
		" physician ": RoleDoctor,
		"PHARMACY":    RolePharmacist,
		"pharmacist":  RolePharmacist,
		"patient":     RolePatient,
	} {
		got, ok := ParseRole(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseRole("nurse")
	assert.False(t, ok)
}
