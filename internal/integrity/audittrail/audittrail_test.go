package audittrail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clearbook/internal/integrity/hashing"
	"clearbook/internal/records/models"
)

func budgetFields(total float64) models.Fields {
	return models.Fields{"department": "Education", "year": 2024, "total_amount": total}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	stored, err := hashing.ComputeHash(models.RecordTypeBudget, budgetFields(5000000))
	require.NoError(t, err)

	t.Run("no entries", func(t *testing.T) {
		s := Summarize(models.RecordTypeBudget, nil, stored)
		assert.Zero(t, s.ChangeCount)
		assert.Nil(t, s.LastModified)
		assert.Nil(t, s.Drift)
	})

	t.Run("latest snapshot matches", func(t *testing.T) {
		entries := []models.AuditEntry{
			{Action: models.AuditUpdate, NewValues: budgetFields(5000000), Actor: "ada", Timestamp: base.Add(time.Hour)},
			{Action: models.AuditInsert, NewValues: budgetFields(4000000), Actor: "bob", Timestamp: base},
		}
		s := Summarize(models.RecordTypeBudget, entries, stored)
		assert.Equal(t, 2, s.ChangeCount)
		require.NotNil(t, s.LastModified)
		assert.Equal(t, base.Add(time.Hour), *s.LastModified)
		assert.Equal(t, "ada", s.LastActor)
		require.NotNil(t, s.Drift)
		assert.True(t, s.Drift.Checked)
		assert.True(t, s.Drift.Match)
		assert.False(t, s.Drift.Drifted())
	})

	t.Run("direct edit without audit entry is drift", func(t *testing.T) {
		entries := []models.AuditEntry{
			{Action: models.AuditInsert, NewValues: budgetFields(5000001), Timestamp: base},
		}
		s := Summarize(models.RecordTypeBudget, entries, stored)
		assert.True(t, s.Drift.Drifted())
		assert.NotEqual(t, s.Drift.StoredHash, s.Drift.SnapshotHash)
	})

	t.Run("greatest timestamp wins over position", func(t *testing.T) {
		entries := []models.AuditEntry{
			{Action: models.AuditInsert, NewValues: budgetFields(1), Actor: "old", Timestamp: base},
			{Action: models.AuditUpdate, NewValues: budgetFields(5000000), Actor: "new", Timestamp: base.Add(time.Minute)},
		}
		s := Summarize(models.RecordTypeBudget, entries, stored)
		assert.Equal(t, "new", s.LastActor)
		assert.True(t, s.Drift.Match)
	})

	t.Run("first entry wins on equal timestamps", func(t *testing.T) {
		entries := []models.AuditEntry{
			{Action: models.AuditUpdate, NewValues: budgetFields(5000000), Actor: "first", Timestamp: base},
			{Action: models.AuditUpdate, NewValues: budgetFields(1), Actor: "second", Timestamp: base},
		}
		s := Summarize(models.RecordTypeBudget, entries, stored)
		assert.Equal(t, "first", s.LastActor)
	})

	t.Run("delete skips drift check", func(t *testing.T) {
		entries := []models.AuditEntry{
			{Action: models.AuditDelete, OldValues: budgetFields(5000000), Timestamp: base},
		}
		s := Summarize(models.RecordTypeBudget, entries, stored)
		require.NotNil(t, s.Drift)
		assert.False(t, s.Drift.Checked)
		assert.False(t, s.Drift.Drifted())
	})

	t.Run("uncanonicalizable snapshot is reported", func(t *testing.T) {
		entries := []models.AuditEntry{
			{Action: models.AuditUpdate, NewValues: models.Fields{"department": make(chan int)}, Timestamp: base},
		}
		s := Summarize(models.RecordTypeBudget, entries, stored)
		assert.False(t, s.Drift.Checked)
		assert.NotEmpty(t, s.Drift.Error)
	})
}
