// Package status derives a record's trust status from its integrity check and
// signature checks. The status is never stored as a source of truth; it is
// recomputed on every verification.
package status

import "clearbook/internal/records/models"

// Reasons explaining a resolved status.
const (
	ReasonHashMismatch       = "hash_mismatch"
	ReasonInvalidSignature   = "invalid_signature"
	ReasonAllSignaturesValid = "all_signatures_valid"
	ReasonAwaitingSignatures = "awaiting_signatures"
	ReasonAwaitingReapproval = "awaiting_reapproval"
)

// Resolution is the detailed outcome of status resolution.
type Resolution struct {
	Status        models.Status `json:"status"`
	Reason        string        `json:"reason"`
	FailedSigners []string      `json:"failed_signers,omitempty"`
}

// Resolve maps an integrity outcome and per-signature validity to a status.
//
// A hash mismatch is suspicious regardless of signatures. Otherwise any
// invalid signature is suspicious, at least one signature with all valid is
// verified, and no signatures at all is pending.
func Resolve(hashMatch bool, signatureResults []bool) models.Status {
	st, _ := decide(hashMatch, signatureResults, 0)
	return st
}

// ResolveChecks is the detailed form of Resolve. superseded counts signatures
// made over an earlier hash; they are not part of checks and only change the
// reason of a pending result.
func ResolveChecks(hashMatch bool, checks []models.SignatureCheck, superseded int) Resolution {
	valid := make([]bool, len(checks))
	for i, c := range checks {
		valid[i] = c.Valid
	}
	st, reason := decide(hashMatch, valid, superseded)

	res := Resolution{Status: st, Reason: reason}
	if hashMatch && reason == ReasonInvalidSignature {
		for _, c := range checks {
			if !c.Valid {
				res.FailedSigners = append(res.FailedSigners, c.Signer.Name)
			}
		}
	}
	return res
}

func decide(hashMatch bool, valid []bool, superseded int) (models.Status, string) {
	if !hashMatch {
		return models.StatusSuspicious, ReasonHashMismatch
	}
	if len(valid) == 0 {
		if superseded > 0 {
			return models.StatusPending, ReasonAwaitingReapproval
		}
		return models.StatusPending, ReasonAwaitingSignatures
	}
	for _, ok := range valid {
		if !ok {
			return models.StatusSuspicious, ReasonInvalidSignature
		}
	}
	return models.StatusVerified, ReasonAllSignaturesValid
}
