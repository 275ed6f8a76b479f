package models

import "time"

// AuditAction is the kind of mutation an audit entry records.
type AuditAction string

const (
	AuditInsert AuditAction = "insert"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

// AuditEntry is one immutable row of the append-only audit log.
type AuditEntry struct {
	ID        string      `json:"id"`
	Table     string      `json:"table"`
	RecordID  string      `json:"record_id"`
	Action    AuditAction `json:"action"`
	OldValues Fields      `json:"old_values,omitempty"`
	NewValues Fields      `json:"new_values,omitempty"`
	Actor     string      `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
}
