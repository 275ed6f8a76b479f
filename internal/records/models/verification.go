package models

import "time"

// Status is the trust status of a record.
type Status string

const (
	StatusVerified   Status = "verified"
	StatusPending    Status = "pending"
	StatusSuspicious Status = "suspicious"
	// StatusError is only used for batch items that could not be evaluated.
	StatusError Status = "error"
)

// VerificationResult is recomputed on every request and never trusted from storage.
type VerificationResult struct {
	RecordID             string           `json:"record_id"`
	RecordType           RecordType       `json:"record_type"`
	Status               Status           `json:"status"`
	Reason               string           `json:"reason"`
	HashMatch            bool             `json:"hash_match"`
	ComputedHash         string           `json:"computed_hash"`
	StoredHash           string           `json:"stored_hash"`
	Signatures           []SignatureCheck `json:"signatures"`
	SupersededSignatures int              `json:"superseded_signatures"`
	FailedSigners        []string         `json:"failed_signers,omitempty"`
	ComputedAt           time.Time        `json:"computed_at"`
}

// SignatureValidity returns the per-signature validity flags in order.
func (r VerificationResult) SignatureValidity() []bool {
	out := make([]bool, len(r.Signatures))
	for i, c := range r.Signatures {
		out[i] = c.Valid
	}
	return out
}
