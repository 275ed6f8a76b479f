// Package service implements the record write path: every mutation
// recomputes the record hash, appends an audit entry and invalidates the
// cached display status.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"clearbook/internal/integrity/canonical"
	"clearbook/internal/integrity/hashing"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/records/models"
	"clearbook/internal/records/statuscache"
	dErrors "clearbook/pkg/domain-errors"
	audit "clearbook/pkg/platform/audit"
	"clearbook/pkg/platform/sentinel"
	"clearbook/pkg/requestcontext"
)

type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateRecord(ctx context.Context, r models.Record) error
	UpdateRecord(ctx context.Context, r models.Record) error
	FindRecord(ctx context.Context, recordType models.RecordType, id string) (*models.Record, error)
	SaveSignature(ctx context.Context, sig models.Signature) error
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
}

// StatusCache holds the last computed status for display only.
type StatusCache interface {
	Get(ctx context.Context, ref models.Ref) (statuscache.Entry, error)
	Invalidate(ctx context.Context, ref models.Ref) error
}

type RecordSigner interface {
	SignRecord(r *models.Record, signer models.SignerInfo) (models.Signature, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service manages record mutations and approvals.
type Service struct {
	store          Store
	signer         RecordSigner
	cache          StatusCache
	logger         *slog.Logger
	auditPublisher AuditPublisher
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithStatusCache(cache StatusCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

// New constructs a Service.
func New(store Store, signer RecordSigner, opts ...Option) *Service {
	s := &Service{store: store, signer: signer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a record with its last cached display status, if any. The
// status is informational; callers that need a trust decision verify.
func (s *Service) Get(ctx context.Context, recordType models.RecordType, id string) (*models.Record, error) {
	record, err := s.store.FindRecord(ctx, recordType, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
	}
	if s.cache != nil {
		entry, err := s.cache.Get(ctx, record.Ref())
		if err == nil && entry.RecordHash == record.RecordHash {
			record.VerificationStatus = entry.Status
		}
	}
	return record, nil
}

// Create stores a new record with its freshly computed hash.
func (s *Service) Create(ctx context.Context, recordType models.RecordType, id string, fields models.Fields) (*models.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "record id is required")
	}
	if !recordType.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown record type")
	}
	hash, err := computeHash(recordType, fields)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx).UTC()
	record := models.Record{
		ID:         id,
		Type:       recordType,
		Fields:     fields.Clone(),
		RecordHash: hash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateRecord(ctx, record); err != nil {
			return err
		}
		return s.store.AppendAudit(ctx, s.auditEntry(ctx, &record, models.AuditInsert, nil))
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "record already exists")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create record")
	}

	s.invalidate(ctx, record.Ref())
	s.logAudit(ctx, audit.EventRecordCreated, &record, hash)
	return &record, nil
}

// Update replaces a record's fields and recomputes its hash. Existing
// signatures stay attached but no longer count toward verification.
func (s *Service) Update(ctx context.Context, recordType models.RecordType, id string, fields models.Fields) (*models.Record, error) {
	hash, err := computeHash(recordType, fields)
	if err != nil {
		return nil, err
	}

	var updated models.Record
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.store.FindRecord(ctx, recordType, id)
		if err != nil {
			return err
		}
		updated = *current
		updated.Fields = fields.Clone()
		updated.RecordHash = hash
		updated.UpdatedAt = requestcontext.Now(ctx).UTC()
		if err := s.store.UpdateRecord(ctx, updated); err != nil {
			return err
		}
		return s.store.AppendAudit(ctx, s.auditEntry(ctx, &updated, models.AuditUpdate, current.Fields))
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update record")
	}

	s.invalidate(ctx, updated.Ref())
	s.logAudit(ctx, audit.EventRecordUpdated, &updated, hash)
	return &updated, nil
}

// Approve signs the record's current hash on behalf of signer and stores the
// signature. A record whose stored hash is stale is refused.
func (s *Service) Approve(ctx context.Context, recordType models.RecordType, id string, signer models.SignerInfo) (*models.Signature, error) {
	if strings.TrimSpace(signer.Name) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "signer name is required")
	}
	record, err := s.store.FindRecord(ctx, recordType, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "record not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
	}

	signer.SignedAt = requestcontext.Now(ctx).UTC()
	sig, err := s.signer.SignRecord(record, signer)
	if err != nil {
		var cerr *canonical.Error
		switch {
		case errors.Is(err, signing.ErrStaleRecord):
			return nil, dErrors.New(dErrors.CodeConflict, "record hash does not match its fields")
		case errors.As(err, &cerr):
			return nil, dErrors.Wrap(err, dErrors.CodeUnprocessable, "record cannot be canonicalized")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign record")
	}
	sig.ID = uuid.NewString()

	if err := s.store.SaveSignature(ctx, sig); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store signature")
	}

	s.invalidate(ctx, record.Ref())
	s.logAudit(ctx, audit.EventRecordSigned, record, sig.RecordHash, "signer", signer.Name)
	return &sig, nil
}

func computeHash(recordType models.RecordType, fields models.Fields) (string, error) {
	hash, err := hashing.ComputeHash(recordType, fields)
	if err != nil {
		var cerr *canonical.Error
		if errors.As(err, &cerr) {
			return "", dErrors.Wrap(err, dErrors.CodeValidation, cerr.Error())
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash record")
	}
	return hash, nil
}

func (s *Service) auditEntry(ctx context.Context, r *models.Record, action models.AuditAction, old models.Fields) models.AuditEntry {
	return models.AuditEntry{
		ID:        uuid.NewString(),
		Table:     r.Type.Table(),
		RecordID:  r.ID,
		Action:    action,
		OldValues: old.Clone(),
		NewValues: r.Fields.Clone(),
		Actor:     requestcontext.Actor(ctx),
		Timestamp: r.UpdatedAt,
	}
}

// invalidate drops the cached display status. A failure is logged only: the
// cache is never used for trust decisions.
func (s *Service) invalidate(ctx context.Context, ref models.Ref) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, ref); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to invalidate cached status",
			"record_type", ref.Type,
			"record_id", ref.ID,
			"error", err,
		)
	}
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, r *models.Record, hash string, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	if s.logger != nil {
		args := append(attributes,
			"event", string(event),
			"log_type", "audit",
			"record_type", r.Type,
			"record_id", r.ID,
			"request_id", requestID,
		)
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return
	}
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Action:     string(event),
		RecordType: string(r.Type),
		RecordID:   r.ID,
		Hash:       hash,
		RequestID:  requestID,
		ActorID:    requestcontext.Actor(ctx),
	})
	if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to publish audit event",
			"event", string(event),
			"record_type", r.Type,
			"record_id", r.ID,
			"error", err,
		)
	}
}
