package syncsvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedOp(id string) Operation {
	return Operation{OperationID: id, Kind: OpCreate, EntityKind: entity.KindNote,
		Payload: map[string]any{"title": "t", "content": "c"}}
}

func TestQueueFIFOAndIsolation(t *testing.T) {
	q := NewQueue(3, time.Millisecond)

	a := q.Enqueue(1, queuedOp("a"))
	b := q.Enqueue(1, queuedOp("b"))
	q.Enqueue(2, queuedOp("other"))

	items := q.List(1)
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].ID, "enqueue order preserved")
	assert.Equal(t, b.ID, items[1].ID)
	assert.Equal(t, QueuedPending, items[0].Status)

	assert.False(t, q.Remove(2, a.ID), "cross-user remove denied")
	assert.True(t, q.Remove(1, a.ID))
	assert.Len(t, q.List(1), 1)

	assert.Equal(t, 1, q.Clear(1))
	assert.Empty(t, q.List(1))
	assert.Len(t, q.List(2), 1, "other user's queue untouched")
}

func TestQueueProcessRetriesThenFails(t *testing.T) {
	q := NewQueue(2, time.Millisecond)
	item := q.Enqueue(1, queuedOp("flaky"))

	calls := 0
	report := q.Process(context.Background(), 1, func(context.Context, Operation) error {
		calls++
		return errors.New("downstream unavailable")
	})

	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.Equal(t, QueueReport{Processed: 1, Failed: 1}, report)

	items := q.List(1)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, QueuedFailed, items[0].Status)
	assert.Equal(t, 3, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "downstream unavailable")
}

func TestQueueProcessSucceedsAfterRetry(t *testing.T) {
	q := NewQueue(3, time.Millisecond)
	q.Enqueue(1, queuedOp("eventually"))

	calls := 0
	report := q.Process(context.Background(), 1, func(context.Context, Operation) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})

	assert.Equal(t, QueueReport{Processed: 1, Succeeded: 1}, report)
	assert.Empty(t, q.List(1), "completed items are dropped")

	assert.Equal(t, QueueStats{}, q.Stats(1))
}

func TestQueueStats(t *testing.T) {
	q := NewQueue(0, time.Millisecond)
	q.Enqueue(1, queuedOp("a"))
	q.Enqueue(1, queuedOp("b"))

	q.Process(context.Background(), 1, func(_ context.Context, op Operation) error {
		if op.OperationID == "a" {
			return errors.New("boom")
		}
		return nil
	})

	s := q.Stats(1)
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0, s.Pending)
}
