package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"clearbook/internal/integrity/certificate"
	"clearbook/internal/integrity/engine"
	integritymetrics "clearbook/internal/integrity/metrics"
	"clearbook/internal/integrity/signing"
	"clearbook/internal/integrity/status"
	"clearbook/internal/platform/metrics"
	recordhandler "clearbook/internal/records/handler"
	"clearbook/internal/records/models"
	recordservice "clearbook/internal/records/service"
	"clearbook/internal/records/statuscache"
	"clearbook/internal/records/store"
	verificationhandler "clearbook/internal/verification/handler"
	verificationservice "clearbook/internal/verification/service"
	audit "clearbook/pkg/platform/audit"
	"clearbook/pkg/platform/audit/publisher"
	auditmemory "clearbook/pkg/platform/audit/store/memory"
	"clearbook/pkg/platform/middleware/admin"
	"clearbook/pkg/testutil"
)

const adminToken = "s3cret"

// FlowSuite drives the full record lifecycle through the router with
// in-memory collaborators.
type FlowSuite struct {
	suite.Suite
	store  *store.InMemoryStore
	events *auditmemory.InMemoryStore
	router http.Handler
}

func TestFlowSuite(t *testing.T) {
	suite.Run(t, new(FlowSuite))
}

func (s *FlowSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer, err := signing.Open(context.Background(), signing.NewMemoryKeyStore(), signing.WithAlgorithm(signing.AlgorithmECDSAP256))
	s.Require().NoError(err)

	s.store = store.NewInMemoryStore()
	s.events = auditmemory.NewInMemoryStore()
	cache := statuscache.NewInMemory()
	pub := publisher.NewPublisher(s.events)
	reg := prometheus.NewRegistry()

	verifier := verificationservice.New(s.store, s.store, s.store, signer,
		verificationservice.WithEngine(engine.New(engine.WithWorkers(2))),
		verificationservice.WithStatusCache(cache),
		verificationservice.WithAuditPublisher(pub),
		verificationservice.WithMetrics(integritymetrics.NewWith(reg)),
		verificationservice.WithLogger(logger),
	)
	writer := recordservice.New(s.store, signer,
		recordservice.WithStatusCache(cache),
		recordservice.WithAuditPublisher(pub),
		recordservice.WithLogger(logger),
	)
	s.router = NewRouter(Config{
		Logger:   logger,
		Gatherer: reg,
		Metrics:  metrics.New(reg),
		Handlers: []Registrar{
			verificationhandler.New(verifier, logger),
			recordhandler.New(writer, logger, admin.RequireAdminToken(adminToken, logger)),
		},
	})
}

func (s *FlowSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	t := s.T()
	var req *http.Request
	if body != nil {
		req = testutil.NewJSONRequest(t, method, path, body)
	} else {
		req = testutil.NewRequest(t, method, path)
	}
	req.Header.Set("X-Admin-Token", adminToken)
	req.Header.Set("X-Actor", "clerk@example.gov")
	return testutil.DoRequest(s.router, req)
}

func (s *FlowSuite) verify(id string) verificationservice.Report {
	rr := s.do(http.MethodPost, "/records/budget/"+id+"/verify", nil)
	testutil.AssertStatusOK(s.T(), rr)
	return *testutil.UnmarshalResponse[verificationservice.Report](s.T(), rr)
}

func (s *FlowSuite) TestRecordLifecycle() {
	rr := s.do(http.MethodPost, "/records/budget", map[string]any{
		"id":     "b-1",
		"fields": map[string]any{"department": "Education", "year": 2024, "total_amount": "5000000.00"},
	})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	created := testutil.UnmarshalResponse[models.Record](s.T(), rr)
	s.Equal("58a005c24d69a44b340e475ce7e4dbf01b9d47d420f2751c244db684646ea47d", created.RecordHash)

	report := s.verify("b-1")
	s.Equal(models.StatusPending, report.Result.Status)
	s.Equal(status.ReasonAwaitingSignatures, report.Result.Reason)
	s.Equal("clerk@example.gov", report.Audit.LastActor)

	rr = s.do(http.MethodPost, "/records/budget/b-1/approve", models.SignerInfo{Name: "Ada", Role: "controller"})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)

	report = s.verify("b-1")
	s.Equal(models.StatusVerified, report.Result.Status)

	rr = s.do(http.MethodGet, "/records/budget/b-1", nil)
	testutil.AssertJSONContains(s.T(), rr, "verification_status", "verified")

	// A write that bypasses the service leaves the stored hash behind.
	r, err := s.store.FindRecord(context.Background(), models.RecordTypeBudget, "b-1")
	s.Require().NoError(err)
	r.Fields["total_amount"] = "5000001.00"
	s.Require().NoError(s.store.UpdateRecord(context.Background(), *r))

	report = s.verify("b-1")
	s.Equal(models.StatusSuspicious, report.Result.Status)
	s.Equal(status.ReasonHashMismatch, report.Result.Reason)
	s.Equal("8924fe44415e6c994815619fea18ca588fd824bd2c820871d3e669f87ce3842b", report.Result.ComputedHash)

	rr = s.do(http.MethodPost, "/records/budget/b-1/certificate", nil)
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	issued := testutil.UnmarshalResponse[verificationservice.IssuedCertificate](s.T(), rr)

	rr = s.do(http.MethodGet, "/keys/public", nil)
	key := testutil.UnmarshalResponse[map[string]string](s.T(), rr)
	opened, err := certificate.Open(issued.Token, (*key)["public_key"])
	s.Require().NoError(err)
	s.Equal(models.StatusSuspicious, opened.Status)
	s.False(opened.Hash.Match)

	rr = s.do(http.MethodPut, "/records/budget/b-1", map[string]any{
		"fields": map[string]any{"department": "Education", "year": 2024, "total_amount": "5000002.00"},
	})
	testutil.AssertStatusOK(s.T(), rr)

	report = s.verify("b-1")
	s.Equal(models.StatusPending, report.Result.Status)
	s.Equal(status.ReasonAwaitingReapproval, report.Result.Reason)
	s.Equal(1, report.Result.SupersededSignatures)

	events, err := s.events.ListBySubject(context.Background(), "budget/b-1")
	s.Require().NoError(err)
	var suspicious, certificates int
	for _, e := range events {
		switch audit.AuditEvent(e.Action) {
		case audit.EventRecordSuspicious:
			suspicious++
		case audit.EventCertificateIssued:
			certificates++
		}
	}
	s.Equal(1, suspicious)
	s.Equal(1, certificates)
}

func (s *FlowSuite) TestBatchIsolatesMissingRecords() {
	for _, id := range []string{"b-1", "b-2"} {
		rr := s.do(http.MethodPost, "/records/budget", map[string]any{
			"id":     id,
			"fields": map[string]any{"department": "Roads", "year": 2025, "total_amount": 10},
		})
		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	}

	rr := s.do(http.MethodPost, "/records/verify/batch", map[string]any{
		"records": []map[string]string{
			{"record_type": "budget", "record_id": "b-1"},
			{"record_type": "budget", "record_id": "missing"},
			{"record_type": "budget", "record_id": "b-2"},
		},
	})
	testutil.AssertStatusOK(s.T(), rr)
	body := testutil.UnmarshalResponse[struct {
		Results []engine.BatchResult `json:"results"`
	}](s.T(), rr)
	s.Require().Len(body.Results, 3)
	s.Equal(models.StatusPending, body.Results[0].Status)
	s.Equal(models.StatusError, body.Results[1].Status)
	s.Equal("missing", body.Results[1].RecordID)
	s.Equal(models.StatusPending, body.Results[2].Status)
}

func (s *FlowSuite) TestWritesRequireAdminToken() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/records/budget", map[string]any{"id": "b-1"})
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
}
