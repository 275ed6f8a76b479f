package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for record verification.
type Metrics struct {
	// Verification outcomes by status and record type
	VerificationOutcome *prometheus.CounterVec

	// Single record verification latency, fetch included
	VerifyLatency prometheus.Histogram

	// Batch sizes and latency
	BatchSize    prometheus.Histogram
	BatchLatency prometheus.Histogram

	// Invalid signatures by reason
	SignatureFailures *prometheus.CounterVec

	// Audit drift detections by record type
	DriftDetected *prometheus.CounterVec

	CertificatesIssued prometheus.Counter
}

// New creates a Metrics instance registered with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates a Metrics instance registered with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		VerificationOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearbook_verification_outcomes_total",
			Help: "Total verification outcomes by status and record type",
		}, []string{"status", "record_type"}),

		VerifyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearbook_verification_duration_seconds",
			Help:    "Duration of single record verification including fetches",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearbook_verification_batch_size",
			Help:    "Number of records per batch verification",
			Buckets: []float64{1, 5, 10, 20, 30, 40, 50},
		}),

		BatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearbook_verification_batch_duration_seconds",
			Help:    "Duration of batch verification including fetches",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		SignatureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearbook_signature_failures_total",
			Help: "Invalid signatures by reason",
		}, []string{"reason"}),

		DriftDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clearbook_audit_drift_total",
			Help: "Records whose latest audit snapshot disagrees with the stored hash",
		}, []string{"record_type"}),

		CertificatesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "clearbook_certificates_issued_total",
			Help: "Total verification certificates issued",
		}),
	}
}

// IncrementOutcome records a verification outcome.
func (m *Metrics) IncrementOutcome(status, recordType string) {
	if m != nil {
		m.VerificationOutcome.WithLabelValues(status, recordType).Inc()
	}
}

// ObserveVerifyLatency records a single verification duration.
func (m *Metrics) ObserveVerifyLatency(d time.Duration) {
	if m != nil {
		m.VerifyLatency.Observe(d.Seconds())
	}
}

// ObserveBatch records a batch's size and duration.
func (m *Metrics) ObserveBatch(size int, d time.Duration) {
	if m != nil {
		m.BatchSize.Observe(float64(size))
		m.BatchLatency.Observe(d.Seconds())
	}
}

// IncrementSignatureFailure records an invalid signature.
func (m *Metrics) IncrementSignatureFailure(reason string) {
	if m != nil {
		m.SignatureFailures.WithLabelValues(reason).Inc()
	}
}

// IncrementDrift records an audit drift detection.
func (m *Metrics) IncrementDrift(recordType string) {
	if m != nil {
		m.DriftDetected.WithLabelValues(recordType).Inc()
	}
}

// IncrementCertificates records an issued certificate.
func (m *Metrics) IncrementCertificates() {
	if m != nil {
		m.CertificatesIssued.Inc()
	}
}
