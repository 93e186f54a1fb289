package syncsvc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/erauner12/notesync/internal/syncx"
	"github.com/google/uuid"
)

// JobStatus is the sync job lifecycle state.
type JobStatus string

const (
	StatusSyncing   JobStatus = "syncing"
	StatusSuccess   JobStatus = "success"
	StatusConflict  JobStatus = "conflict"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Job is the transient record of one sync request.
type Job struct {
	mu sync.Mutex

	SyncID   string
	UserID   int64
	ClientID string

	status  JobStatus
	startMs int64
	endMs   int64

	total             int
	completed         int
	successful        int
	failed            int
	conflictsDetected int
	conflictsResolved int

	cancelled bool
	failedOps []Operation
}

// JobView is a read-only snapshot for status endpoints and push messages.
type JobView struct {
	SyncID            string    `json:"syncId"`
	ClientID          string    `json:"clientId,omitempty"`
	Status            JobStatus `json:"status"`
	StartMs           int64     `json:"startMs"`
	EndMs             int64     `json:"endMs,omitempty"`
	TotalOps          int       `json:"totalOps"`
	CompletedOps      int       `json:"completedOps"`
	SuccessfulOps     int       `json:"successfulOps"`
	FailedOps         int       `json:"failedOps"`
	ConflictsDetected int       `json:"conflictsDetected"`
	ConflictsResolved int       `json:"conflictsResolved"`
	Progress          int       `json:"progress"`
}

// View snapshots the job.
func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := JobView{
		SyncID:            j.SyncID,
		ClientID:          j.ClientID,
		Status:            j.status,
		StartMs:           j.startMs,
		EndMs:             j.endMs,
		TotalOps:          j.total,
		CompletedOps:      j.completed,
		SuccessfulOps:     j.successful,
		FailedOps:         j.failed,
		ConflictsDetected: j.conflictsDetected,
		ConflictsResolved: j.conflictsResolved,
	}
	if j.total > 0 {
		v.Progress = int(float64(j.completed)/float64(j.total)*100 + 0.5)
	} else {
		v.Progress = 100
	}
	return v
}

// Cancelled reports the cancellation flag; checked between operations.
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *Job) cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusSyncing {
		return false
	}
	j.cancelled = true
	j.status = StatusCancelled
	j.endMs = syncx.NowMs()
	return true
}

func (j *Job) finish(status JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusSyncing {
		// Cancellation won the race; keep the terminal state.
		return
	}
	j.status = status
	j.endMs = syncx.NowMs()
}

func (j *Job) recordResult(res OperationResult, op Operation) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed++
	if res.Success {
		j.successful++
	} else {
		j.failed++
		j.failedOps = append(j.failedOps, op)
	}
}

func (j *Job) recordConflict(resolved bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.conflictsDetected++
	if resolved {
		j.conflictsResolved++
	}
}

// takeFailedOps drains the failed operations for a retry.
func (j *Job) takeFailedOps() []Operation {
	j.mu.Lock()
	defer j.mu.Unlock()
	ops := j.failedOps
	j.failedOps = nil
	return ops
}

// maxFinishedJobs bounds the per-user history kept for /sync/status.
const maxFinishedJobs = 50

// Jobs is the in-memory active-sync table.
type Jobs struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewJobs creates an empty job table.
func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*Job)}
}

// Create allocates a job in syncing state.
func (t *Jobs) Create(userID int64, clientID string, totalOps int) *Job {
	j := &Job{
		SyncID:   uuid.New().String(),
		UserID:   userID,
		ClientID: clientID,
		status:   StatusSyncing,
		startMs:  syncx.NowMs(),
		total:    totalOps,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[j.SyncID] = j
	t.pruneLocked(userID)
	return j
}

// Get returns the job, authorizing by userID.
func (t *Jobs) Get(userID int64, syncID string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[syncID]
	if !ok || j.UserID != userID {
		return nil, false
	}
	return j, true
}

// ListForUser returns the user's jobs, most recent first.
func (t *Jobs) ListForUser(userID int64) []JobView {
	t.mu.Lock()
	var jobs []*Job
	for _, j := range t.jobs {
		if j.UserID == userID {
			jobs = append(jobs, j)
		}
	}
	t.mu.Unlock()

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	sort.Slice(views, func(i, k int) bool { return views[i].StartMs > views[k].StartMs })
	return views
}

// Cancel flips a syncing job to cancelled.
func (t *Jobs) Cancel(userID int64, syncID string) error {
	j, ok := t.Get(userID, syncID)
	if !ok {
		return fmt.Errorf("sync job %s not found", syncID)
	}
	if !j.cancel() {
		return fmt.Errorf("sync job %s already finished", syncID)
	}
	return nil
}

// pruneLocked caps per-user finished-job history. Caller holds t.mu.
func (t *Jobs) pruneLocked(userID int64) {
	var finished []*Job
	for _, j := range t.jobs {
		if j.UserID != userID {
			continue
		}
		j.mu.Lock()
		done := j.status != StatusSyncing
		j.mu.Unlock()
		if done {
			finished = append(finished, j)
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	sort.Slice(finished, func(i, k int) bool { return finished[i].startMs < finished[k].startMs })
	for _, j := range finished[:len(finished)-maxFinishedJobs] {
		delete(t.jobs, j.SyncID)
	}
}
