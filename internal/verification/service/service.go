// Package service runs verification on demand: it fetches a record, its
// signatures and its audit log through the store ports, hands them to the
// engine and reports the result. Nothing it reads from a cache is trusted.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"clearbook/internal/integrity/audittrail"
	"clearbook/internal/integrity/certificate"
	"clearbook/internal/integrity/engine"
	"clearbook/internal/integrity/metrics"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/records/models"
	"clearbook/internal/records/statuscache"
	dErrors "clearbook/pkg/domain-errors"
	audit "clearbook/pkg/platform/audit"
	"clearbook/pkg/platform/sentinel"
	"clearbook/pkg/requestcontext"
)

const tracerName = "clearbook/verification"

type RecordStore interface {
	FindRecord(ctx context.Context, recordType models.RecordType, id string) (*models.Record, error)
}

type SignatureStore interface {
	ListByRecord(ctx context.Context, recordType models.RecordType, id string) ([]models.Signature, error)
	ListByRecords(ctx context.Context, recordType models.RecordType, ids []string) (map[string][]models.Signature, error)
}

// AuditStore returns a record's audit entries, most recent first.
type AuditStore interface {
	ListAudit(ctx context.Context, table, recordID string) ([]models.AuditEntry, error)
}

type StatusCache interface {
	Set(ctx context.Context, ref models.Ref, entry statuscache.Entry) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Report is a single-record verification result with its audit summary.
type Report struct {
	Result models.VerificationResult `json:"result"`
	Audit  audittrail.Summary        `json:"audit"`
}

// IssuedCertificate is a certificate and its sealed JWT form.
type IssuedCertificate struct {
	Certificate certificate.Certificate `json:"certificate"`
	Token       string                  `json:"token"`
}

// Service verifies records and issues certificates.
type Service struct {
	records    RecordStore
	signatures SignatureStore
	auditLog   AuditStore
	signer     *signing.Signer

	engine         *engine.Engine
	issuer         *certificate.Issuer
	maxBatch       int
	cache          StatusCache
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	logger         *slog.Logger
}

type Option func(*Service)

func WithEngine(e *engine.Engine) Option {
	return func(s *Service) {
		s.engine = e
	}
}

func WithIssuer(i *certificate.Issuer) Option {
	return func(s *Service) {
		s.issuer = i
	}
}

// WithMaxBatch sets the batch cap. Non-positive values keep the default.
func WithMaxBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

func WithStatusCache(cache StatusCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New constructs a Service. signer seals certificates.
func New(records RecordStore, signatures SignatureStore, auditLog AuditStore, signer *signing.Signer, opts ...Option) *Service {
	s := &Service{
		records:    records,
		signatures: signatures,
		auditLog:   auditLog,
		signer:     signer,
		maxBatch:   engine.DefaultMaxBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = engine.New()
	}
	if s.issuer == nil {
		s.issuer = certificate.NewIssuer()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// VerifyRecord recomputes the record's trust status and summarizes its audit log.
func (s *Service) VerifyRecord(ctx context.Context, recordType models.RecordType, id string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "verification.VerifyRecord", trace.WithAttributes(
		attribute.String("record.type", string(recordType)),
		attribute.String("record.id", id),
	))
	defer span.End()

	start := time.Now()
	record, sigs, summary, err := s.load(ctx, recordType, id)
	if err != nil {
		return nil, spanError(span, err)
	}
	result, err := s.verify(ctx, start, record, sigs, summary)
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.String("verification.status", string(result.Status)))
	s.emit(ctx, audit.EventRecordVerified, result)
	return &Report{Result: result, Audit: summary}, nil
}

// BatchVerify verifies up to the batch cap of records. Fetch failures and
// missing records are reported per item; the call only fails when the batch
// is over the cap or empty.
func (s *Service) BatchVerify(ctx context.Context, refs []models.Ref) ([]engine.BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "verification.BatchVerify", trace.WithAttributes(
		attribute.Int("batch.size", len(refs)),
	))
	defer span.End()

	if len(refs) == 0 {
		return nil, spanError(span, dErrors.New(dErrors.CodeValidation, "at least one record is required"))
	}
	if len(refs) > s.maxBatch {
		return nil, spanError(span, dErrors.Wrap(engine.ErrBatchTooLarge, dErrors.CodeValidation, "batch exceeds maximum size"))
	}

	start := time.Now()
	items := s.fetchBatch(ctx, refs)
	results, err := s.engine.BatchVerify(items, s.maxBatch)
	if err != nil {
		if errors.Is(err, engine.ErrBatchTooLarge) {
			return nil, spanError(span, dErrors.Wrap(err, dErrors.CodeValidation, "batch exceeds maximum size"))
		}
		return nil, spanError(span, dErrors.Wrap(err, dErrors.CodeInternal, "batch verification failed"))
	}
	s.metrics.ObserveBatch(len(refs), time.Since(start))

	for _, res := range results {
		typeLabel := string(res.RecordType)
		if !res.RecordType.IsValid() {
			// Caller-supplied; keep label cardinality bounded.
			typeLabel = "unknown"
		}
		s.metrics.IncrementOutcome(string(res.Status), typeLabel)
		if res.Result == nil {
			s.logger.WarnContext(ctx, "batch item not verified",
				"record_type", res.RecordType,
				"record_id", res.RecordID,
				"error", res.Error,
				"request_id", requestcontext.RequestID(ctx),
			)
			continue
		}
		s.observeChecks(*res.Result)
		s.cacheStatus(ctx, *res.Result)
		s.emit(ctx, audit.EventRecordVerified, *res.Result)
	}
	return results, nil
}

// IssueCertificate verifies the record and issues a sealed certificate for
// whatever status it has. A suspicious record still gets a certificate that
// says so.
func (s *Service) IssueCertificate(ctx context.Context, recordType models.RecordType, id string) (*IssuedCertificate, error) {
	ctx, span := s.tracer.Start(ctx, "verification.IssueCertificate", trace.WithAttributes(
		attribute.String("record.type", string(recordType)),
		attribute.String("record.id", id),
	))
	defer span.End()

	start := time.Now()
	record, sigs, summary, err := s.load(ctx, recordType, id)
	if err != nil {
		return nil, spanError(span, err)
	}
	result, err := s.verify(ctx, start, record, sigs, summary)
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.String("verification.status", string(result.Status)))

	cert := s.issuer.Issue(record, result, sigs, &summary)
	token, err := certificate.Seal(cert, s.signer)
	if err != nil {
		return nil, spanError(span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal certificate"))
	}
	s.metrics.IncrementCertificates()
	s.emit(ctx, audit.EventCertificateIssued, result)
	return &IssuedCertificate{Certificate: cert, Token: token}, nil
}

// PublicKey returns the PEM public key and key id certificates are sealed with.
func (s *Service) PublicKey() (pemKey, keyID, algorithm string) {
	return s.signer.PublicKeyPEM(), s.signer.KeyID(), s.signer.Algorithm()
}

func (s *Service) load(ctx context.Context, recordType models.RecordType, id string) (*models.Record, []models.Signature, audittrail.Summary, error) {
	if !recordType.IsValid() {
		return nil, nil, audittrail.Summary{}, dErrors.New(dErrors.CodeValidation, "unknown record type")
	}
	record, err := s.records.FindRecord(ctx, recordType, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, audittrail.Summary{}, dErrors.New(dErrors.CodeNotFound, "record not found")
		}
		return nil, nil, audittrail.Summary{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
	}
	sigs, err := s.signatures.ListByRecord(ctx, recordType, id)
	if err != nil {
		return nil, nil, audittrail.Summary{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load signatures")
	}
	entries, err := s.auditLog.ListAudit(ctx, recordType.Table(), id)
	if err != nil {
		return nil, nil, audittrail.Summary{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit log")
	}
	return record, sigs, audittrail.Summarize(recordType, entries, record.RecordHash), nil
}

func (s *Service) verify(ctx context.Context, start time.Time, record *models.Record, sigs []models.Signature, summary audittrail.Summary) (models.VerificationResult, error) {
	result, err := s.engine.VerifyRecord(record, record.RecordHash, sigs)
	if err != nil {
		return models.VerificationResult{}, dErrors.Wrap(err, dErrors.CodeUnprocessable, "record cannot be canonicalized")
	}
	s.metrics.ObserveVerifyLatency(time.Since(start))
	s.metrics.IncrementOutcome(string(result.Status), string(result.RecordType))
	s.observeChecks(result)
	s.cacheStatus(ctx, result)

	if summary.Drift.Drifted() {
		s.metrics.IncrementDrift(string(record.Type))
		s.logger.WarnContext(ctx, "audit snapshot drift detected",
			"record_type", record.Type,
			"record_id", record.ID,
			"snapshot_hash", summary.Drift.SnapshotHash,
			"stored_hash", summary.Drift.StoredHash,
			"request_id", requestcontext.RequestID(ctx),
		)
		s.emit(ctx, audit.EventDriftDetected, result)
	}
	return result, nil
}

// fetchBatch loads every item before verification. Signatures are fetched
// with one query per record type.
func (s *Service) fetchBatch(ctx context.Context, refs []models.Ref) []engine.BatchItem {
	items := make([]engine.BatchItem, len(refs))
	idsByType := make(map[models.RecordType][]string)
	for i, ref := range refs {
		items[i].Ref = ref
		if !ref.Type.IsValid() {
			items[i].Err = errors.New("unknown record type")
			continue
		}
		record, err := s.records.FindRecord(ctx, ref.Type, ref.ID)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			continue
		case err != nil:
			items[i].Err = errors.New("failed to load record")
			continue
		}
		items[i].Record = record
		idsByType[ref.Type] = append(idsByType[ref.Type], ref.ID)
	}

	for recordType, ids := range idsByType {
		sigs, err := s.signatures.ListByRecords(ctx, recordType, ids)
		for i := range items {
			if items[i].Record == nil || items[i].Ref.Type != recordType {
				continue
			}
			if err != nil {
				items[i].Err = errors.New("failed to load signatures")
				continue
			}
			items[i].Signatures = sigs[items[i].Ref.ID]
		}
	}
	return items
}

func (s *Service) observeChecks(result models.VerificationResult) {
	for _, c := range result.Signatures {
		if !c.Valid {
			s.metrics.IncrementSignatureFailure(c.Reason)
		}
	}
}

// cacheStatus stores the display status. Failures are logged and ignored.
func (s *Service) cacheStatus(ctx context.Context, result models.VerificationResult) {
	if s.cache == nil {
		return
	}
	ref := models.Ref{Type: result.RecordType, ID: result.RecordID}
	if err := s.cache.Set(ctx, ref, statuscache.EntryFrom(result)); err != nil {
		s.logger.WarnContext(ctx, "failed to cache verification status",
			"record_type", ref.Type,
			"record_id", ref.ID,
			"error", err,
		)
	}
}

// emit publishes an audit event. Suspicious results are published as
// record_suspicious regardless of the triggering event.
func (s *Service) emit(ctx context.Context, event audit.AuditEvent, result models.VerificationResult) {
	if event == audit.EventRecordVerified && result.Status == models.StatusSuspicious {
		event = audit.EventRecordSuspicious
	}
	attrs := []any{
		"event", string(event),
		"log_type", "audit",
		"record_type", result.RecordType,
		"record_id", result.RecordID,
		"status", result.Status,
		"reason", result.Reason,
		"request_id", requestcontext.RequestID(ctx),
	}
	if event.Category() == audit.CategorySecurity {
		s.logger.WarnContext(ctx, string(event), attrs...)
	} else {
		s.logger.InfoContext(ctx, string(event), attrs...)
	}
	if s.auditPublisher == nil {
		return
	}
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Action:     string(event),
		RecordType: string(result.RecordType),
		RecordID:   result.RecordID,
		Status:     string(result.Status),
		Reason:     result.Reason,
		Hash:       result.ComputedHash,
		RequestID:  requestcontext.RequestID(ctx),
		ActorID:    requestcontext.Actor(ctx),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish audit event",
			"event", string(event),
			"record_id", result.RecordID,
			"error", err,
		)
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, dErrors.MessageOf(err))
	return err
}
