// Package handlers exposes the prescription engine over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/api/middleware"
	"github.com/drfirst/go-rxverify/internal/domain/prescription"
	"github.com/drfirst/go-rxverify/internal/engine"
	"github.com/drfirst/go-rxverify/pkg/idempotency"
)

const (
	maxBodyBytes = 1 << 20

	// IdempotencyKeyHeader lets clients retry a dispense safely.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set when a response was served from the inbox.
	ReplayedHeader = "Idempotent-Replayed"

	dispenseHandlerName = "dispense"
)

// Idempotency runs fn at most once successfully per key. pkg/idempotency.Inbox
// satisfies it.
type Idempotency interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// PrescriptionHandler handles prescription, verification and catalog endpoints
type PrescriptionHandler struct {
	engine *engine.Engine
	inbox  Idempotency
	logger *zap.Logger
}

// NewPrescriptionHandler creates a new handler. inbox may be nil, in which
// case Idempotency-Key headers are ignored.
func NewPrescriptionHandler(e *engine.Engine, inbox Idempotency, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{engine: e, inbox: inbox, logger: logger}
}

// Routes returns the handler routes. Callers mount it behind Authenticate.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/prescriptions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Post("/offline", h.CreateOffline)
		r.Get("/short/{shortId}", h.GetByShortID)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/verification", h.GetVerification)
		r.Post("/{id}/verification/request", h.RequestVerification)
		r.Post("/{id}/verification/decision", h.DecideVerification)
		r.Post("/{id}/dispense", h.Dispense)
	})
	r.Get("/verifications/pending", h.ListPending)
	r.Get("/catalog", h.GetCatalog)
	r.Post("/catalog/reload", h.ReloadCatalog)
	return r
}

// CreateRequest is the body of POST /prescriptions
type CreateRequest struct {
	Patient     string                    `json:"patient"`
	Medications []prescription.Medication `json:"medications"`
	UsageLimit  int                       `json:"usage_limit,omitempty"`
	ExpiresAt   *time.Time                `json:"expires_at,omitempty"`
}

// OfflineCreateRequest is the body of POST /prescriptions/offline
type OfflineCreateRequest struct {
	CreateRequest
	DoctorName         string `json:"doctor_name,omitempty"`
	ClinicName         string `json:"clinic_name,omitempty"`
	ClinicAddress      string `json:"clinic_address,omitempty"`
	RegistrationNumber string `json:"registration_number,omitempty"`
}

func (req CreateRequest) command(issuer prescription.ActorRef) engine.CreateCommand {
	cmd := engine.CreateCommand{
		Issuer:      issuer,
		Patient:     req.Patient,
		Medications: req.Medications,
		UsageLimit:  req.UsageLimit,
	}
	if req.ExpiresAt != nil {
		cmd.ExpiresAt = *req.ExpiresAt
	}
	return cmd
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.engine.CreatePrescription(r.Context(), req.command(actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.created(w, r, p)
}

// CreateOffline handles POST /prescriptions/offline
func (h *PrescriptionHandler) CreateOffline(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req OfflineCreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	cmd := req.command(actor)
	cmd.Offline = true
	cmd.Provenance = prescription.Provenance{
		DoctorName:         req.DoctorName,
		ClinicName:         req.ClinicName,
		ClinicAddress:      req.ClinicAddress,
		RegistrationNumber: req.RegistrationNumber,
	}
	p, err := h.engine.CreatePrescription(r.Context(), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.created(w, r, p)
}

func (h *PrescriptionHandler) created(w http.ResponseWriter, r *http.Request, p *prescription.Prescription) {
	h.logger.Info("prescription created",
		zap.String("prescription_id", p.ID),
		zap.String("short_id", p.ShortID),
		zap.String("status", string(p.Status())),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	w.Header().Set("Location", "/api/v1/prescriptions/"+p.ID)
	writeJSON(w, http.StatusCreated, NewPrescriptionView(p))
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}
	p, err := h.engine.GetPrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPrescriptionView(p))
}

// GetByShortID handles GET /prescriptions/short/{shortId}
func (h *PrescriptionHandler) GetByShortID(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}
	p, err := h.engine.LookupShortID(r.Context(), chi.URLParam(r, "shortId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPrescriptionView(p))
}

// GetVerification handles GET /prescriptions/{id}/verification
func (h *PrescriptionHandler) GetVerification(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}
	rec, err := h.engine.GetVerificationStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RequestVerification handles POST /prescriptions/{id}/verification/request
func (h *PrescriptionHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	rec, err := h.engine.RequestVerification(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DecisionRequest is the body of POST /prescriptions/{id}/verification/decision
type DecisionRequest struct {
	Approve *bool  `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

// DecideVerification handles POST /prescriptions/{id}/verification/decision
func (h *PrescriptionHandler) DecideVerification(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Approve == nil {
		h.writeError(w, r, &prescription.ValidationError{Field: "approve", Message: "is required"})
		return
	}
	rec, err := h.engine.DecideVerification(r.Context(), chi.URLParam(r, "id"), actor, *req.Approve, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Dispense handles POST /prescriptions/{id}/dispense. With an Idempotency-Key
// header a retried request replays the first successful result.
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("prescription_id", id))

	clientKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if clientKey == "" || h.inbox == nil {
		rec, err := h.engine.Dispense(ctx, id, actor, time.Time{})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	payload, _ := json.Marshal(map[string]string{"prescription_id": id})
	key := idempotency.Key(actor.ID, id, clientKey)
	res, err := h.inbox.Process(ctx, key, dispenseHandlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		rec, err := h.engine.Dispense(ctx, id, actor, time.Time{})
		if err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !res.IsNew && !res.WasRecovered {
		w.Header().Set(ReplayedHeader, "true")
		h.logger.Info("dispense replayed",
			zap.String("prescription_id", id),
			zap.String("actor_id", actor.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Result)
}

// ListPending handles GET /verifications/pending
func (h *PrescriptionHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	list, err := h.engine.ListPendingForDoctor(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prescriptions": list,
		"count":         len(list),
	})
}

// GetCatalog handles GET /catalog
func (h *PrescriptionHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}
	c, err := h.engine.Catalog(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drugs": c.Entries(), "count": c.Len()})
}

// ReloadCatalog handles POST /catalog/reload
func (h *PrescriptionHandler) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	c, err := h.engine.ReloadCatalog(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("catalog reloaded", zap.String("actor_id", actor.ID), zap.Int("entries", c.Len()))
	writeJSON(w, http.StatusOK, map[string]interface{}{"drugs": c.Entries(), "count": c.Len()})
}

func (h *PrescriptionHandler) actor(w http.ResponseWriter, r *http.Request) (prescription.ActorRef, bool) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		h.jsonError(w, "authentication required", http.StatusUnauthorized)
	}
	return actor, ok
}

func (h *PrescriptionHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *PrescriptionHandler) jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error              string                           `json:"error"`
	Code               string                           `json:"code"`
	Field              string                           `json:"field,omitempty"`
	CurrentStatus      prescription.Status              `json:"current_status,omitempty"`
	Status             prescription.Status              `json:"status,omitempty"`
	FlaggedMedications []prescription.FlaggedMedication `json:"flagged_medications,omitempty"`
}

// classify maps an engine or inbox error to an HTTP status and body.
func classify(err error) (int, errorBody) {
	var (
		transition *prescription.InvalidTransitionError
		required   *prescription.VerificationRequiredError
		validation *prescription.ValidationError
	)
	switch {
	case errors.As(err, &transition):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_transition", CurrentStatus: transition.Current}
	case errors.As(err, &required):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "verification_required", Status: required.Status, FlaggedMedications: required.Flagged}
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorBody{Error: validation.Error(), Code: "validation_failed", Field: validation.Field}
	case errors.Is(err, prescription.ErrQuotaExceeded):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "quota_exceeded"}
	case errors.Is(err, prescription.ErrExpired):
		return http.StatusGone, errorBody{Error: err.Error(), Code: "expired"}
	case errors.Is(err, prescription.ErrNothingToVerify):
		return http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "nothing_to_verify"}
	case errors.Is(err, prescription.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, prescription.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: err.Error(), Code: "forbidden"}
	case errors.Is(err, prescription.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: "user directory unavailable", Code: "upstream_unavailable"}
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "idempotency_key_reused"}
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "previously_failed"}
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		return http.StatusConflict, errorBody{Error: "request with this idempotency key is in progress", Code: "request_in_progress"}
	case errors.Is(err, prescription.ErrIdentityCollision):
		return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "identity_collision"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"}
	}
}

func (h *PrescriptionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}
