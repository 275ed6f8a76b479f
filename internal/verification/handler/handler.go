package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"clearbook/internal/integrity/engine"
	"clearbook/internal/records/models"
	"clearbook/internal/verification/service"
	dErrors "clearbook/pkg/domain-errors"
	"clearbook/pkg/platform/httputil"
	"clearbook/pkg/platform/middleware/request"
)

// Service defines the verification operations exposed over HTTP.
type Service interface {
	VerifyRecord(ctx context.Context, recordType models.RecordType, id string) (*service.Report, error)
	BatchVerify(ctx context.Context, refs []models.Ref) ([]engine.BatchResult, error)
	IssueCertificate(ctx context.Context, recordType models.RecordType, id string) (*service.IssuedCertificate, error)
	PublicKey() (pemKey, keyID, algorithm string)
}

// Handler serves the public verification endpoints. They need no
// credentials: anyone may check a record.
type Handler struct {
	logger      *slog.Logger
	service     Service
	singleLimit func(http.Handler) http.Handler
	batchLimit  func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithRateLimits throttles single-record and batch requests separately.
func WithRateLimits(single, batch func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.singleLimit = single
		h.batchLimit = batch
	}
}

func New(svc Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{logger: logger, service: svc}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the verification routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.With(limiter(h.batchLimit)).Post("/records/verify/batch", h.handleBatchVerify)
		r.With(limiter(h.singleLimit)).Post("/records/{type}/{id}/verify", h.handleVerify)
		r.With(limiter(h.singleLimit)).Post("/records/{type}/{id}/certificate", h.handleCertificate)
		r.Get("/keys/public", h.handlePublicKey)
	})
}

func limiter(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

type batchRequest struct {
	Records []models.Ref `json:"records"`
}

type batchResponse struct {
	Results []engine.BatchResult `json:"results"`
}

type publicKeyResponse struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	recordType, id, ok := h.recordRef(w, r)
	if !ok {
		return
	}
	report, err := h.service.VerifyRecord(r.Context(), recordType, id)
	if err != nil {
		h.fail(w, r, "verify record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) handleBatchVerify(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "batch verify", err)
		return
	}
	// Unknown types pass through and fail as their own item.
	for i, ref := range req.Records {
		if t, err := models.ParseRecordType(string(ref.Type)); err == nil {
			req.Records[i].Type = t
		}
	}
	results, err := h.service.BatchVerify(r.Context(), req.Records)
	if err != nil {
		h.fail(w, r, "batch verify", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, batchResponse{Results: results})
}

func (h *Handler) handleCertificate(w http.ResponseWriter, r *http.Request) {
	recordType, id, ok := h.recordRef(w, r)
	if !ok {
		return
	}
	issued, err := h.service.IssueCertificate(r.Context(), recordType, id)
	if err != nil {
		h.fail(w, r, "issue certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, issued)
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	pemKey, keyID, alg := h.service.PublicKey()
	httputil.WriteJSON(w, http.StatusOK, publicKeyResponse{KeyID: keyID, Algorithm: alg, PublicKey: pemKey})
}

func (h *Handler) recordRef(w http.ResponseWriter, r *http.Request) (models.RecordType, string, bool) {
	recordType, err := models.ParseRecordType(chi.URLParam(r, "type"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "unknown record type"))
		return "", "", false
	}
	return recordType, chi.URLParam(r, "id"), true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "failed to "+op,
			"request_id", request.GetRequestID(r),
			"error", err,
		)
	} else {
		h.logger.WarnContext(ctx, op+" rejected",
			"request_id", request.GetRequestID(r),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
