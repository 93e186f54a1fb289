package syncsvc

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// QueuedStatus is the lifecycle state of a queued operation.
type QueuedStatus string

const (
	QueuedPending    QueuedStatus = "pending"
	QueuedProcessing QueuedStatus = "processing"
	QueuedCompleted  QueuedStatus = "completed"
	QueuedFailed     QueuedStatus = "failed"
)

// QueuedOp is one deferred operation awaiting (re)execution.
type QueuedOp struct {
	ID           string       `json:"id"`
	UserID       int64        `json:"-"`
	Op           Operation    `json:"operation"`
	Status       QueuedStatus `json:"status"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"lastError,omitempty"`
	EnqueuedAtMs int64        `json:"enqueuedAtMs"`
	UpdatedAtMs  int64        `json:"updatedAtMs"`
}

// QueueStats summarizes a user's queue.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// QueueReport is the outcome of one Process pass.
type QueueReport struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Queue holds deferred operations in memory, FIFO per user. Operations land
// here when a sync is retried or when a client queues work while offline.
type Queue struct {
	mu    sync.Mutex
	items map[string]*QueuedOp
	order []string

	maxRetries int
	retryDelay time.Duration
}

// NewQueue creates an empty queue with the given retry policy.
func NewQueue(maxRetries int, retryDelay time.Duration) *Queue {
	return &Queue{
		items:      make(map[string]*QueuedOp),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Enqueue adds an operation in pending state and returns its queue id.
func (q *Queue) Enqueue(userID int64, op Operation) *QueuedOp {
	item := &QueuedOp{
		ID:           uuid.New().String(),
		UserID:       userID,
		Op:           op,
		Status:       QueuedPending,
		EnqueuedAtMs: syncx.NowMs(),
		UpdatedAtMs:  syncx.NowMs(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
	return q.snapshotLocked(item)
}

// List returns the user's queued operations in enqueue order.
func (q *Queue) List(userID int64) []*QueuedOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueuedOp
	for _, id := range q.order {
		item, ok := q.items[id]
		if !ok || item.UserID != userID {
			continue
		}
		out = append(out, q.snapshotLocked(item))
	}
	return out
}

// Remove drops one queued operation. Returns false when absent or owned by
// another user.
func (q *Queue) Remove(userID int64, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok || item.UserID != userID {
		return false
	}
	delete(q.items, id)
	return true
}

// Clear drops all of the user's queued operations and returns the count.
func (q *Queue) Clear(userID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, item := range q.items {
		if item.UserID == userID {
			delete(q.items, id)
			n++
		}
	}
	return n
}

// Stats counts the user's queue by status.
func (q *Queue) Stats(userID int64) QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s QueueStats
	for _, item := range q.items {
		if item.UserID != userID {
			continue
		}
		s.Total++
		switch item.Status {
		case QueuedPending:
			s.Pending++
		case QueuedProcessing:
			s.Processing++
		case QueuedCompleted:
			s.Completed++
		case QueuedFailed:
			s.Failed++
		}
	}
	return s
}

// Process executes the user's pending operations in order. Each operation is
// retried with exponential backoff up to the configured attempt limit before
// it is marked failed. Completed items are removed from the queue.
func (q *Queue) Process(ctx context.Context, userID int64, exec func(context.Context, Operation) error) QueueReport {
	pending := q.takePending(userID)

	var report QueueReport
	for _, item := range pending {
		report.Processed++

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = q.retryDelay
		attempt := func() error {
			q.bumpAttempt(item.ID)
			return exec(ctx, item.Op)
		}
		err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.maxRetries)), ctx))
		if err != nil {
			report.Failed++
			q.setStatus(item.ID, QueuedFailed, err.Error())
			log.Warn().Err(err).Int64("userId", userID).Str("queuedOpId", item.ID).Msg("queued operation failed")
			continue
		}
		report.Succeeded++
		q.setStatus(item.ID, QueuedCompleted, "")
		q.mu.Lock()
		delete(q.items, item.ID)
		q.mu.Unlock()
	}
	return report
}

// takePending flips the user's pending items to processing and returns them
// in enqueue order.
func (q *Queue) takePending(userID int64) []*QueuedOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueuedOp
	for _, id := range q.order {
		item, ok := q.items[id]
		if !ok || item.UserID != userID || item.Status != QueuedPending {
			continue
		}
		item.Status = QueuedProcessing
		item.UpdatedAtMs = syncx.NowMs()
		out = append(out, q.snapshotLocked(item))
	}
	return out
}

func (q *Queue) bumpAttempt(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok {
		item.Attempts++
		item.UpdatedAtMs = syncx.NowMs()
	}
}

func (q *Queue) setStatus(id string, status QueuedStatus, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok {
		item.Status = status
		item.LastError = lastError
		item.UpdatedAtMs = syncx.NowMs()
	}
}

// snapshotLocked copies an item for return outside the lock. Caller holds q.mu.
func (q *Queue) snapshotLocked(item *QueuedOp) *QueuedOp {
	cp := *item
	return &cp
}
