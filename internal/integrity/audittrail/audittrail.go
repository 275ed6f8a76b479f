// Package audittrail reconciles a record's audit log with its stored hash.
package audittrail

import (
	"time"

	"clearbook/internal/integrity/hashing"
	"clearbook/internal/records/models"
)

// DriftCheck compares the hash of the most recent audit snapshot with the
// record's stored hash. Checked is false when there was nothing to compare.
type DriftCheck struct {
	SnapshotHash string `json:"snapshot_hash,omitempty"`
	StoredHash   string `json:"stored_hash"`
	Match        bool   `json:"match"`
	Checked      bool   `json:"checked"`
	Error        string `json:"error,omitempty"`
}

// Drifted reports whether the snapshot was hashed and disagrees with the
// stored hash.
func (d *DriftCheck) Drifted() bool {
	return d != nil && d.Checked && !d.Match
}

// Summary is the audit section of a verification report or certificate.
type Summary struct {
	LastModified *time.Time         `json:"last_modified,omitempty"`
	LastAction   models.AuditAction `json:"last_action,omitempty"`
	LastActor    string             `json:"last_actor,omitempty"`
	ChangeCount  int                `json:"change_count"`
	Drift        *DriftCheck        `json:"drift,omitempty"`
}

// Summarize reports the most recent change and the change count, and checks
// the latest snapshot for drift. A snapshot that cannot be canonicalized is
// reported in Drift.Error rather than returned.
func Summarize(recordType models.RecordType, entries []models.AuditEntry, storedHash string) Summary {
	summary := Summary{ChangeCount: len(entries)}
	latest, ok := mostRecent(entries)
	if !ok {
		return summary
	}

	ts := latest.Timestamp
	summary.LastModified = &ts
	summary.LastAction = latest.Action
	summary.LastActor = latest.Actor

	drift := &DriftCheck{StoredHash: storedHash}
	summary.Drift = drift
	if latest.Action == models.AuditDelete || latest.NewValues == nil {
		return summary
	}

	snapshot, err := hashing.ComputeHash(recordType, latest.NewValues)
	if err != nil {
		drift.Error = err.Error()
		return summary
	}
	drift.Checked = true
	drift.SnapshotHash = snapshot
	drift.Match = hashing.Equal(snapshot, storedHash)
	return summary
}

// mostRecent returns the entry with the greatest timestamp. Entries normally
// arrive newest first; on equal timestamps the earlier position wins.
func mostRecent(entries []models.AuditEntry) (models.AuditEntry, bool) {
	if len(entries) == 0 {
		return models.AuditEntry{}, false
	}
	latest := entries[0]
	for _, e := range entries[1:] {
		if e.Timestamp.After(latest.Timestamp) {
			latest = e
		}
	}
	return latest, true
}
