package models

import "time"

// SignerInfo identifies the approver behind a signature.
type SignerInfo struct {
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	Email    string    `json:"email,omitempty"`
	SignedAt time.Time `json:"signed_at"`
}

// Signature is an approval attesting that a signer saw a specific record hash.
//
// RecordHash is the hash that was signed. Signatures are never migrated when a
// record's hash changes; a signature over an older hash is superseded.
type Signature struct {
	ID         string     `json:"id,omitempty"`
	RecordID   string     `json:"record_id"`
	RecordType RecordType `json:"record_type"`
	Signature  string     `json:"signature"`
	PublicKey  string     `json:"public_key"`
	Algorithm  string     `json:"algorithm"`
	Signer     SignerInfo `json:"signer"`
	RecordHash string     `json:"record_hash,omitempty"`
}

// SignatureCheck is the verification outcome of one signature.
type SignatureCheck struct {
	SignatureID string     `json:"signature_id,omitempty"`
	Signer      SignerInfo `json:"signer"`
	Algorithm   string     `json:"algorithm"`
	Valid       bool       `json:"valid"`
	Reason      string     `json:"reason,omitempty"`
}
