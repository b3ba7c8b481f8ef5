package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-rxverify/internal/auth"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
)

var verifier = auth.NewVerifier([]byte("middleware-test-key-0123456789abc"), "rxverify")

func issue(t *testing.T, actor prescription.ActorRef) string {
	t.Helper()
	token, err := verifier.Issue(actor, time.Hour)
	require.NoError(t, err)
	return token
}

func TestAuthenticateStoresActor(t *testing.T) {
	doctor := prescription.ActorRef{ID: "doc-1", Role: prescription.RoleDoctor}
	var got prescription.ActorRef
	h := Authenticate(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ActorFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, doctor))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, doctor, got)
}

func TestAuthenticateRejects(t *testing.T) {
	called := false
	h := Authenticate(verifier)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	for _, header := range []string{"", "Basic abc", "Bearer not-a-token"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	}
	assert.False(t, called)
}

func TestLoggerIncludesActorAndRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	pharmacist := prescription.ActorRef{ID: "ph-1", Role: prescription.RolePharmacist}

	h := RequestID(Logger(zap.New(core))(Authenticate(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/prescriptions/x/dispense", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, pharmacist))
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "ph-1", fields["actor_id"])
	assert.Equal(t, int64(http.StatusAccepted), fields["status"])
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverReturns500(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight reached handler")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}
