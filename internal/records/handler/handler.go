package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clearbook/internal/records/models"
	dErrors "clearbook/pkg/domain-errors"
	"clearbook/pkg/platform/httputil"
	"clearbook/pkg/platform/middleware/request"
)

// Service defines the record write path exposed over HTTP.
type Service interface {
	Get(ctx context.Context, recordType models.RecordType, id string) (*models.Record, error)
	Create(ctx context.Context, recordType models.RecordType, id string, fields models.Fields) (*models.Record, error)
	Update(ctx context.Context, recordType models.RecordType, id string, fields models.Fields) (*models.Record, error)
	Approve(ctx context.Context, recordType models.RecordType, id string, signer models.SignerInfo) (*models.Signature, error)
}

// Handler serves record reads and guarded mutations.
type Handler struct {
	logger  *slog.Logger
	records Service
	guard   func(http.Handler) http.Handler
}

// New creates a Handler. guard wraps the mutation routes; nil leaves them open.
func New(records Service, logger *slog.Logger, guard func(http.Handler) http.Handler) *Handler {
	return &Handler{logger: logger, records: records, guard: guard}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/records/{type}/{id}", h.handleGet)
	r.Group(func(r chi.Router) {
		if h.guard != nil {
			r.Use(h.guard)
		}
		r.Post("/records/{type}", h.handleCreate)
		r.Put("/records/{type}/{id}", h.handleUpdate)
		r.Post("/records/{type}/{id}/approve", h.handleApprove)
	})
}

type createRequest struct {
	ID     string        `json:"id"`
	Fields models.Fields `json:"fields"`
}

type updateRequest struct {
	Fields models.Fields `json:"fields"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	recordType, ok := h.recordType(w, r)
	if !ok {
		return
	}
	record, err := h.records.Get(r.Context(), recordType, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	recordType, ok := h.recordType(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "create record", err)
		return
	}
	record, err := h.records.Create(r.Context(), recordType, req.ID, req.Fields)
	if err != nil {
		h.fail(w, r, "create record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	recordType, ok := h.recordType(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, "update record", err)
		return
	}
	record, err := h.records.Update(r.Context(), recordType, chi.URLParam(r, "id"), req.Fields)
	if err != nil {
		h.fail(w, r, "update record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	recordType, ok := h.recordType(w, r)
	if !ok {
		return
	}
	var signer models.SignerInfo
	if err := httputil.DecodeJSON(r, &signer); err != nil {
		h.fail(w, r, "approve record", err)
		return
	}
	sig, err := h.records.Approve(r.Context(), recordType, chi.URLParam(r, "id"), signer)
	if err != nil {
		h.fail(w, r, "approve record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sig)
}

func (h *Handler) recordType(w http.ResponseWriter, r *http.Request) (models.RecordType, bool) {
	recordType, err := models.ParseRecordType(chi.URLParam(r, "type"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "unknown record type"))
		return "", false
	}
	return recordType, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(r.Context(), "failed to "+op,
			"request_id", request.GetRequestID(r),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
