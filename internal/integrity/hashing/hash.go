// Package hashing computes record hashes over canonical bytes.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"clearbook/internal/integrity/canonical"
	"clearbook/internal/records/models"
)

// Algorithm names the digest in reports and certificates.
const Algorithm = "SHA-256"

// IntegrityCheck carries both hashes so callers get full diagnostics.
// Hashes are public data, so no constant-time comparison is needed.
type IntegrityCheck struct {
	Computed string `json:"computed_hash"`
	Stored   string `json:"stored_hash"`
	Match    bool   `json:"match"`
}

// Sum returns the lowercase hex SHA-256 digest of canonical bytes.
func Sum(canonicalBytes []byte) string {
	sum := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(sum[:])
}

// ComputeHash canonicalizes fields and hashes the result.
func ComputeHash(recordType models.RecordType, fields models.Fields) (string, error) {
	b, err := canonical.Canonicalize(recordType, fields)
	if err != nil {
		return "", err
	}
	return Sum(b), nil
}

// RecordHash computes the hash of a record's current fields.
func RecordHash(r *models.Record) (string, error) {
	return ComputeHash(r.Type, r.Fields)
}

// CheckIntegrity recomputes the hash and compares it with the stored one.
func CheckIntegrity(recordType models.RecordType, fields models.Fields, storedHash string) (IntegrityCheck, error) {
	computed, err := ComputeHash(recordType, fields)
	if err != nil {
		return IntegrityCheck{}, err
	}
	return IntegrityCheck{
		Computed: computed,
		Stored:   storedHash,
		Match:    Equal(computed, storedHash),
	}, nil
}

// Equal compares two hex digests ignoring case and surrounding whitespace.
// An empty stored hash never matches.
func Equal(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	return a != "" && a == b
}
