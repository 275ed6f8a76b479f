package models

import (
	"fmt"
	"strings"
	"time"
)

// RecordType is the tagged-union discriminator for portal records.
type RecordType string

const (
	RecordTypeBudget      RecordType = "budget"
	RecordTypeProject     RecordType = "project"
	RecordTypeVendor      RecordType = "vendor"
	RecordTypeTransaction RecordType = "transaction"
	RecordTypeApproval    RecordType = "approval"
)

// RecordTypes lists every supported variant in a stable order.
var RecordTypes = []RecordType{
	RecordTypeBudget,
	RecordTypeProject,
	RecordTypeVendor,
	RecordTypeTransaction,
	RecordTypeApproval,
}

// ParseRecordType normalizes and validates a record type name.
func ParseRecordType(s string) (RecordType, error) {
	t := RecordType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown record type %q", s)
	}
	return t, nil
}

// IsValid reports whether t is one of the supported variants.
func (t RecordType) IsValid() bool {
	_, ok := schemas[t]
	return ok
}

// Table is the audit-log table name for the variant.
func (t RecordType) Table() string {
	return schemas[t].Table
}

// String implements fmt.Stringer.
func (t RecordType) String() string { return string(t) }

// Fields holds a record's business fields as supplied by the storage collaborator.
// Values are strings, numbers, booleans, time.Time, nil, or nested maps/lists.
type Fields map[string]any

// Clone returns a shallow copy of the field map.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record is a persisted portal entity.
//
// RecordHash equals the hash of the canonical form of Fields as of the last
// write. VerificationStatus is a display cache and is never used for a trust
// decision.
type Record struct {
	ID                 string     `json:"id"`
	Type               RecordType `json:"record_type"`
	Fields             Fields     `json:"fields"`
	RecordHash         string     `json:"record_hash"`
	VerificationStatus Status     `json:"verification_status,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Ref identifies a record by variant and id.
type Ref struct {
	Type RecordType `json:"record_type"`
	ID   string     `json:"record_id"`
}

func (r Ref) String() string { return string(r.Type) + "/" + r.ID }

// Ref returns the record's reference.
func (r *Record) Ref() Ref { return Ref{Type: r.Type, ID: r.ID} }

// DisplayName picks a human-readable subject for reports, falling back to the id.
func (r *Record) DisplayName() string {
	for _, key := range schemas[r.Type].DisplayFields {
		if v, ok := r.Fields[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return r.ID
}
