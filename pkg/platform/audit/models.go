package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance:
	// issued certificates and approvals.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers tamper signals that feed alerting.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine verification activity. Can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID         string        `json:"id"`
	Category   EventCategory `json:"category"`
	Timestamp  time.Time     `json:"timestamp"`
	Action     string        `json:"action"`
	RecordType string        `json:"record_type"`
	RecordID   string        `json:"record_id"`
	Status     string        `json:"status,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	// Hash is the record hash the event concerns, when there is one.
	Hash      string `json:"hash,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
}

// Subject is the key events are grouped and partitioned by.
func (e Event) Subject() string {
	return e.RecordType + "/" + e.RecordID
}

type AuditEvent string

const (
	EventRecordVerified    AuditEvent = "record_verified"
	EventRecordSuspicious  AuditEvent = "record_suspicious"
	EventDriftDetected     AuditEvent = "drift_detected"
	EventCertificateIssued AuditEvent = "certificate_issued"
	EventRecordSigned      AuditEvent = "record_signed"
	EventRecordCreated     AuditEvent = "record_created"
	EventRecordUpdated     AuditEvent = "record_updated"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventCertificateIssued: CategoryCompliance,
	EventRecordSigned:      CategoryCompliance,
	EventRecordCreated:     CategoryCompliance,
	EventRecordUpdated:     CategoryCompliance,

	EventRecordSuspicious: CategorySecurity,
	EventDriftDetected:    CategorySecurity,

	EventRecordVerified: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
}
