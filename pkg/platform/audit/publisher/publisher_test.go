package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "clearbook/pkg/platform/audit"
	"clearbook/pkg/platform/audit/store/memory"
)

const subject = "budget/b-1"

func budgetEvent(action audit.AuditEvent) audit.Event {
	return audit.Event{RecordType: "budget", RecordID: "b-1", Action: string(action)}
}

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), budgetEvent(audit.EventRecordVerified))
	require.NoError(t, err)

	events, err := pub.List(context.Background(), subject)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventRecordVerified), events[0].Action)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
	assert.NotEmpty(t, events[0].ID)
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))
	defer pub.Close()

	err := pub.Emit(context.Background(), budgetEvent(audit.EventRecordSuspicious))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := pub.List(context.Background(), subject)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)

	events, err := pub.List(context.Background(), subject)
	require.NoError(t, err)
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(context.Background(), budgetEvent(audit.EventRecordVerified))
		require.NoError(t, err)
	}

	pub.Close()
	pub.Close()

	events, err := store.ListBySubject(context.Background(), subject)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFull_DropsEvent(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), budgetEvent(audit.EventRecordVerified))
			if err != nil {
				assert.ErrorIs(t, err, ErrBufferFull)
			}
		}()
	}
	wg.Wait()
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	before := time.Now()
	err := pub.Emit(context.Background(), budgetEvent(audit.EventRecordSigned))
	require.NoError(t, err)
	after := time.Now()

	events, err := pub.List(context.Background(), subject)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.False(t, events[0].Timestamp.Before(before), "timestamp should be >= before")
	assert.False(t, events[0].Timestamp.After(after), "timestamp should be <= after")
}

func TestPublisher_PreservesExistingFields(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	event := budgetEvent(audit.EventRecordVerified)
	event.ID = "evt-1"
	event.Timestamp = customTime
	event.Category = audit.CategoryCompliance

	require.NoError(t, pub.Emit(context.Background(), event))

	events, err := pub.List(context.Background(), subject)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
}

func TestPublisher_MultipleEvents(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	actions := []audit.AuditEvent{audit.EventRecordCreated, audit.EventRecordSigned, audit.EventRecordVerified}
	for _, a := range actions {
		require.NoError(t, pub.Emit(context.Background(), budgetEvent(a)))
	}

	result, err := pub.List(context.Background(), subject)
	require.NoError(t, err)
	require.Len(t, result, 3)
	for i, a := range actions {
		assert.Equal(t, string(a), result[i].Action)
	}
}
