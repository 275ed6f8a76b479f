package statuscache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clearbook/internal/records/models"
	"clearbook/pkg/platform/sentinel"
)

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemory()
	ref := models.Ref{Type: models.RecordTypeBudget, ID: "b-1"}

	_, err := cache.Get(ctx, ref)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	entry := EntryFrom(models.VerificationResult{
		Status:     models.StatusVerified,
		Reason:     "all_signatures_valid",
		StoredHash: "abc",
		ComputedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, cache.Set(ctx, ref, entry))

	got, err := cache.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	require.NoError(t, cache.Invalidate(ctx, ref))
	_, err = cache.Get(ctx, ref)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
