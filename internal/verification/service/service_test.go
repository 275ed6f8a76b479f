package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/mock/gomock"

	"clearbook/internal/integrity/certificate"
	"clearbook/internal/integrity/engine"
	"clearbook/internal/integrity/hashing"
	"clearbook/internal/integrity/metrics"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/integrity/status"
	"clearbook/internal/records/models"
	"clearbook/internal/records/statuscache"
	"clearbook/internal/verification/service/mocks"
	dErrors "clearbook/pkg/domain-errors"
	audit "clearbook/pkg/platform/audit"
	"clearbook/pkg/platform/sentinel"
	"clearbook/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks RecordStore,SignatureStore,AuditStore,StatusCache,AuditPublisher

type ServiceSuite struct {
	suite.Suite
	ctx        context.Context
	signer     *signing.Signer
	records    *mocks.MockRecordStore
	signatures *mocks.MockSignatureStore
	auditLog   *mocks.MockAuditStore
	cache      *mocks.MockStatusCache
	publisher  *mocks.MockAuditPublisher
	metrics    *metrics.Metrics
	service    *Service
	events     []audit.Event
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupSuite() {
	var err error
	s.signer, err = signing.Open(context.Background(), signing.NewMemoryKeyStore(), signing.WithAlgorithm(signing.AlgorithmECDSAP256))
	s.Require().NoError(err)
}

func (s *ServiceSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.records = mocks.NewMockRecordStore(ctrl)
	s.signatures = mocks.NewMockSignatureStore(ctrl)
	s.auditLog = mocks.NewMockAuditStore(ctrl)
	s.cache = mocks.NewMockStatusCache(ctrl)
	s.publisher = mocks.NewMockAuditPublisher(ctrl)
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
	s.events = nil
	s.ctx = requestcontext.WithRequestID(context.Background(), "req-1")

	s.publisher.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e audit.Event) error {
		s.events = append(s.events, e)
		return nil
	}).AnyTimes()

	s.service = New(s.records, s.signatures, s.auditLog, s.signer,
		WithStatusCache(s.cache),
		WithAuditPublisher(s.publisher),
		WithMetrics(s.metrics),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMaxBatch(3),
	)
}

func (s *ServiceSuite) budget(id string, total float64) *models.Record {
	r := &models.Record{
		ID:     id,
		Type:   models.RecordTypeBudget,
		Fields: models.Fields{"department": "Education", "year": 2024, "total_amount": total},
	}
	h, err := hashing.RecordHash(r)
	s.Require().NoError(err)
	r.RecordHash = h
	return r
}

func (s *ServiceSuite) sign(r *models.Record, name string) models.Signature {
	sig, err := s.signer.SignRecord(r, models.SignerInfo{Name: name, Role: "controller", SignedAt: time.Now()})
	s.Require().NoError(err)
	sig.ID = "sig-" + name
	return sig
}

func insertEntry(r *models.Record, fields models.Fields) models.AuditEntry {
	return models.AuditEntry{
		ID:        "audit-" + r.ID,
		Table:     r.Type.Table(),
		RecordID:  r.ID,
		Action:    models.AuditInsert,
		NewValues: fields,
		Actor:     "clerk",
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *ServiceSuite) expectLoad(r *models.Record, sigs []models.Signature, entries []models.AuditEntry) {
	s.records.EXPECT().FindRecord(gomock.Any(), r.Type, r.ID).Return(r, nil)
	s.signatures.EXPECT().ListByRecord(gomock.Any(), r.Type, r.ID).Return(sigs, nil)
	s.auditLog.EXPECT().ListAudit(gomock.Any(), r.Type.Table(), r.ID).Return(entries, nil)
}

func (s *ServiceSuite) actions() []string {
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

func (s *ServiceSuite) TestVerifyRecord() {
	s.Run("verified record caches its status", func() {
		s.SetupTest()
		r := s.budget("b-1", 5000000)
		s.expectLoad(r, []models.Signature{s.sign(r, "ada")}, []models.AuditEntry{insertEntry(r, r.Fields)})
		s.cache.EXPECT().Set(gomock.Any(), r.Ref(), gomock.Any()).DoAndReturn(
			func(_ context.Context, _ models.Ref, e statuscache.Entry) error {
				s.Equal(models.StatusVerified, e.Status)
				s.Equal(r.RecordHash, e.RecordHash)
				return nil
			})

		report, err := s.service.VerifyRecord(s.ctx, models.RecordTypeBudget, "b-1")
		s.Require().NoError(err)
		s.Equal(models.StatusVerified, report.Result.Status)
		s.Equal(1, report.Audit.ChangeCount)
		s.False(report.Audit.Drift.Drifted())
		s.Equal([]string{string(audit.EventRecordVerified)}, s.actions())
		s.Equal("req-1", s.events[0].RequestID)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.VerificationOutcome.WithLabelValues("verified", "budget")))
	})

	s.Run("tampered record is suspicious", func() {
		s.SetupTest()
		r := s.budget("b-1", 5000000)
		sig := s.sign(r, "ada")
		original := r.Fields.Clone()
		r.Fields["total_amount"] = 5000001.00
		s.expectLoad(r, []models.Signature{sig}, []models.AuditEntry{insertEntry(r, original)})
		s.cache.EXPECT().Set(gomock.Any(), r.Ref(), gomock.Any()).Return(nil)

		report, err := s.service.VerifyRecord(s.ctx, models.RecordTypeBudget, "b-1")
		s.Require().NoError(err)
		s.Equal(models.StatusSuspicious, report.Result.Status)
		s.Equal(status.ReasonHashMismatch, report.Result.Reason)
		s.Equal([]string{string(audit.EventRecordSuspicious)}, s.actions())
		s.Equal(audit.CategorySecurity, audit.AuditEvent(s.events[0].Action).Category())
	})

	s.Run("write outside the audit trail is reported as drift", func() {
		s.SetupTest()
		r := s.budget("b-1", 5000000)
		sig := s.sign(r, "ada")
		original := r.Fields.Clone()
		changed := s.budget("b-1", 7000000)
		s.expectLoad(changed, []models.Signature{sig}, []models.AuditEntry{insertEntry(r, original)})
		s.cache.EXPECT().Set(gomock.Any(), changed.Ref(), gomock.Any()).Return(nil)

		report, err := s.service.VerifyRecord(s.ctx, models.RecordTypeBudget, "b-1")
		s.Require().NoError(err)
		s.Equal(models.StatusPending, report.Result.Status)
		s.Equal(status.ReasonAwaitingReapproval, report.Result.Reason)
		s.True(report.Audit.Drift.Drifted())
		s.Equal([]string{string(audit.EventDriftDetected), string(audit.EventRecordVerified)}, s.actions())
		s.Equal(1.0, testutil.ToFloat64(s.metrics.DriftDetected.WithLabelValues("budget")))
	})

	s.Run("cache failure does not fail verification", func() {
		s.SetupTest()
		r := s.budget("b-1", 5000000)
		s.expectLoad(r, nil, nil)
		s.cache.EXPECT().Set(gomock.Any(), r.Ref(), gomock.Any()).Return(errors.New("redis down"))

		report, err := s.service.VerifyRecord(s.ctx, models.RecordTypeBudget, "b-1")
		s.Require().NoError(err)
		s.Equal(models.StatusPending, report.Result.Status)
		s.Equal(status.ReasonAwaitingSignatures, report.Result.Reason)
	})

	s.Run("missing record", func() {
		s.SetupTest()
		s.records.EXPECT().FindRecord(gomock.Any(), models.RecordTypeBudget, "nope").Return(nil, sentinel.ErrNotFound)
		_, err := s.service.VerifyRecord(s.ctx, models.RecordTypeBudget, "nope")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.Empty(s.events)
	})

	s.Run("store failure", func() {
		s.SetupTest()
		r := s.budget("b-1", 5000000)
		s.records.EXPECT().FindRecord(gomock.Any(), r.Type, r.ID).Return(r, nil)
		s.signatures.EXPECT().ListByRecord(gomock.Any(), r.Type, r.ID).Return(nil, errors.New("connection reset"))
		_, err := s.service.VerifyRecord(s.ctx, models.RecordTypeBudget, "b-1")
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("unknown record type", func() {
		s.SetupTest()
		_, err := s.service.VerifyRecord(s.ctx, models.RecordType("invoice"), "x")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestBatchVerify() {
	s.Run("missing record is isolated", func() {
		s.SetupTest()
		b1 := s.budget("b-1", 100)
		b3 := s.budget("b-3", 300)
		sig := s.sign(b1, "ada")
		refs := []models.Ref{b1.Ref(), {Type: models.RecordTypeBudget, ID: "b-2"}, b3.Ref()}

		s.records.EXPECT().FindRecord(gomock.Any(), models.RecordTypeBudget, "b-1").Return(b1, nil)
		s.records.EXPECT().FindRecord(gomock.Any(), models.RecordTypeBudget, "b-2").Return(nil, sentinel.ErrNotFound)
		s.records.EXPECT().FindRecord(gomock.Any(), models.RecordTypeBudget, "b-3").Return(b3, nil)
		s.signatures.EXPECT().ListByRecords(gomock.Any(), models.RecordTypeBudget, []string{"b-1", "b-3"}).
			Return(map[string][]models.Signature{"b-1": {sig}}, nil)
		s.cache.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)

		results, err := s.service.BatchVerify(s.ctx, refs)
		s.Require().NoError(err)
		s.Require().Len(results, 3)
		s.Equal("b-1", results[0].RecordID)
		s.Equal(models.StatusVerified, results[0].Status)
		s.Equal(models.StatusError, results[1].Status)
		s.NotEmpty(results[1].Error)
		s.Equal(models.StatusPending, results[2].Status)
		s.Len(s.events, 2)
	})

	s.Run("signature fetch failure marks the affected items", func() {
		s.SetupTest()
		b1 := s.budget("b-1", 100)
		v1 := &models.Record{ID: "v-1", Type: models.RecordTypeVendor, Fields: models.Fields{"name": "Acme"}}
		h, err := hashing.RecordHash(v1)
		s.Require().NoError(err)
		v1.RecordHash = h

		s.records.EXPECT().FindRecord(gomock.Any(), models.RecordTypeBudget, "b-1").Return(b1, nil)
		s.records.EXPECT().FindRecord(gomock.Any(), models.RecordTypeVendor, "v-1").Return(v1, nil)
		s.signatures.EXPECT().ListByRecords(gomock.Any(), models.RecordTypeBudget, []string{"b-1"}).Return(nil, errors.New("timeout"))
		s.signatures.EXPECT().ListByRecords(gomock.Any(), models.RecordTypeVendor, []string{"v-1"}).Return(nil, nil)
		s.cache.EXPECT().Set(gomock.Any(), v1.Ref(), gomock.Any()).Return(nil)

		results, err := s.service.BatchVerify(s.ctx, []models.Ref{b1.Ref(), v1.Ref()})
		s.Require().NoError(err)
		s.Equal(models.StatusError, results[0].Status)
		s.Equal(models.StatusPending, results[1].Status)
	})

	s.Run("unknown record type fails only its item", func() {
		s.SetupTest()
		b1 := s.budget("b-1", 100)
		s.records.EXPECT().FindRecord(gomock.Any(), models.RecordTypeBudget, "b-1").Return(b1, nil)
		s.signatures.EXPECT().ListByRecords(gomock.Any(), models.RecordTypeBudget, []string{"b-1"}).Return(nil, nil)
		s.cache.EXPECT().Set(gomock.Any(), b1.Ref(), gomock.Any()).Return(nil)

		results, err := s.service.BatchVerify(s.ctx, []models.Ref{{Type: models.RecordType("invoice"), ID: "i-1"}, b1.Ref()})
		s.Require().NoError(err)
		s.Require().Len(results, 2)
		s.Equal(models.StatusError, results[0].Status)
		s.Equal("unknown record type", results[0].Error)
		s.Equal(models.StatusPending, results[1].Status)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.VerificationOutcome.WithLabelValues("error", "unknown")))
	})

	s.Run("over the cap is rejected before any fetch", func() {
		s.SetupTest()
		refs := make([]models.Ref, 4)
		for i := range refs {
			refs[i] = models.Ref{Type: models.RecordTypeBudget, ID: "b"}
		}
		_, err := s.service.BatchVerify(s.ctx, refs)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.ErrorIs(err, engine.ErrBatchTooLarge)
	})

	s.Run("empty batch", func() {
		s.SetupTest()
		_, err := s.service.BatchVerify(s.ctx, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestIssueCertificate() {
	r := s.budget("b-1", 5000000)
	s.expectLoad(r, []models.Signature{s.sign(r, "ada")}, []models.AuditEntry{insertEntry(r, r.Fields)})
	s.cache.EXPECT().Set(gomock.Any(), r.Ref(), gomock.Any()).Return(nil)

	issued, err := s.service.IssueCertificate(s.ctx, models.RecordTypeBudget, "b-1")
	s.Require().NoError(err)
	s.Equal(models.StatusVerified, issued.Certificate.Status)
	s.Equal(r.RecordHash, issued.Certificate.Hash.Computed)
	s.Require().Len(issued.Certificate.Signers, 1)
	s.Equal(s.signer.KeyID(), issued.Certificate.Signers[0].KeyID)
	s.NotNil(issued.Certificate.Audit)

	opened, err := certificate.Open(issued.Token, s.signer.PublicKeyPEM())
	s.Require().NoError(err)
	s.Equal(issued.Certificate.ID, opened.ID)
	s.Equal(models.StatusVerified, opened.Status)

	s.Equal([]string{string(audit.EventCertificateIssued)}, s.actions())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.CertificatesIssued))
}

func (s *ServiceSuite) TestPublicKey() {
	pemKey, keyID, alg := s.service.PublicKey()
	s.Contains(pemKey, "PUBLIC KEY")
	s.Len(keyID, 16)
	s.Equal(signing.AlgorithmECDSAP256, alg)
}
