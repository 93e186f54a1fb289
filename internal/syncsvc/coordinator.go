package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/erauner12/notesync/internal/config"
	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/repo"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// ErrProtocolMismatch rejects requests speaking an unknown protocol version.
// The session survives; only the request fails.
var ErrProtocolMismatch = errors.New("protocol-mismatch")

// Coordinator runs sync requests end to end: every mutation is filtered
// through the conflict engine before it reaches the repository.
type Coordinator struct {
	store  repo.Store
	engine *conflict.Engine
	jobs   *Jobs
	queue  *Queue
	cfg    config.Config

	// applied remembers create results by operationId so duplicate
	// submissions stay idempotent.
	mu           sync.Mutex
	applied      map[string]OperationResult
	appliedOrder []string
}

// maxRememberedOps bounds the idempotency window.
const maxRememberedOps = 10000

// NewCoordinator wires a coordinator over the store and engine.
func NewCoordinator(store repo.Store, engine *conflict.Engine, cfg config.Config) *Coordinator {
	return &Coordinator{
		store:   store,
		engine:  engine,
		jobs:    NewJobs(),
		queue:   NewQueue(cfg.MaxRetries, cfg.RetryDelay),
		cfg:     cfg,
		applied: make(map[string]OperationResult),
	}
}

// Jobs exposes the active-sync table.
func (c *Coordinator) Jobs() *Jobs { return c.jobs }

// Queue exposes the operations queue.
func (c *Coordinator) Queue() *Queue { return c.queue }

// Process executes a sync request. Per-operation errors never abort the
// batch; the response carries one result per operation in request order.
func (c *Coordinator) Process(ctx context.Context, userID int64, req *SyncRequest) (*SyncResponse, error) {
	if req.ProtocolVersion != "" && req.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrProtocolMismatch, req.ProtocolVersion, ProtocolVersion)
	}

	job := c.jobs.Create(userID, req.ClientID, len(req.Operations))
	logger := log.With().Int64("userId", userID).Str("syncId", job.SyncID).Str("clientId", req.ClientID).Logger()
	logger.Info().Int("operations", len(req.Operations)).Msg("sync started")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SyncTimeout)
	defer cancel()

	resp := &SyncResponse{
		RequestID:        req.RequestID,
		OperationResults: make([]OperationResult, 0, len(req.Operations)),
		ServerUpdates:    []ServerUpdate{},
		Conflicts:        []*conflict.Record{},
	}

	timedOut := false
	for _, op := range req.Operations {
		if job.Cancelled() {
			break
		}
		if ctx.Err() != nil {
			timedOut = true
			break
		}

		res, conf := c.applyOperation(ctx, userID, op, req.DefaultResolutionStrategy)
		if conf != nil {
			resp.Conflicts = append(resp.Conflicts, conf)
			job.recordConflict(conf.Status == conflict.StatusResolved)
		}
		resp.OperationResults = append(resp.OperationResults, res)
		job.recordResult(res, op)
	}

	// Collect server-side changes the client has not yet seen.
	if !job.Cancelled() && !timedOut {
		recs, err := c.store.ListChangedSince(ctx, userID, req.EntityKinds, req.ClientState.LastSyncTimeMs, c.cfg.DefaultBatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("failed to collect server updates")
		} else {
			for _, rec := range recs {
				resp.ServerUpdates = append(resp.ServerUpdates, updateFor(rec))
			}
		}
	}

	status := StatusSuccess
	switch {
	case job.Cancelled():
		status = StatusCancelled
	case timedOut:
		status = StatusFailed
	default:
		for _, cf := range resp.Conflicts {
			if cf.Status == conflict.StatusUnresolved {
				status = StatusConflict
				break
			}
		}
	}
	job.finish(status)

	view := job.View()
	resp.Status = view.Status
	resp.ServerTimeMs = syncx.NowMs()
	resp.NewClientState = ClientState{
		ClientID:       req.ClientID,
		LastSyncTimeMs: resp.ServerTimeMs,
		LastSyncID:     job.SyncID,
	}

	logger.Info().
		Str("status", string(view.Status)).
		Int("successful", view.SuccessfulOps).
		Int("failed", view.FailedOps).
		Int("conflictsDetected", view.ConflictsDetected).
		Int("conflictsResolved", view.ConflictsResolved).
		Msg("sync finished")
	return resp, nil
}

// applyOperation runs one operation through detection, auto-resolution and
// repository dispatch. Returned conflict (if any) reflects its final status.
func (c *Coordinator) applyOperation(ctx context.Context, userID int64, op Operation, defaultStrategy conflict.Strategy) (OperationResult, *conflict.Record) {
	res := OperationResult{OperationID: op.OperationID}

	kind, ok := validOp(op)
	if !ok {
		res.Error = fmt.Sprintf("invalid operation %q on kind %q", op.Kind, op.EntityKind)
		res.ErrorCode = "invariant-violation"
		return res, nil
	}

	var current *repo.Record
	if op.Kind != OpCreate {
		rec, err := c.store.Get(ctx, userID, kind, op.EntityID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			res.Error = err.Error()
			res.ErrorCode = "internal"
			return res, nil
		}
		current = rec
	}

	conf, err := c.engine.Detect(ctx, userID, conflict.Op{
		OperationID:       op.OperationID,
		Kind:              string(op.Kind),
		EntityKind:        kind,
		EntityID:          op.EntityID,
		FromVersion:       op.FromVersion,
		Payload:           op.Body(),
		ClientTimestampMs: op.ClientTimestampMs,
	}, current)
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = "internal"
		return res, nil
	}

	if conf != nil {
		res.ConflictID = conf.ConflictID
		strategy := defaultStrategy
		if strategy == "" {
			strategy = conf.Suggested
		}
		if strategy == conflict.Manual {
			res.Error = "manual resolution required"
			res.ErrorCode = "conflict-unresolved"
			return res, conf
		}

		resolved, out, rerr := c.engine.Resolve(ctx, userID, conf.ConflictID, strategy)
		if rerr != nil || !out.Success {
			if rerr != nil {
				res.Error = rerr.Error()
			} else {
				res.Error = "resolution did not succeed"
			}
			res.ErrorCode = "conflict-unresolved"
			return res, conf
		}
		res.Success = true
		res.EntityID = op.EntityID
		res.Version = out.NewVersion
		return res, resolved
	}

	c.dispatch(ctx, userID, kind, op, current, &res)
	return res, nil
}

// dispatch performs the repository call for a non-conflicting operation.
func (c *Coordinator) dispatch(ctx context.Context, userID int64, kind entity.Kind, op Operation, current *repo.Record, res *OperationResult) {
	switch op.Kind {
	case OpCreate:
		if prev, ok := c.recallApplied(userID, op.OperationID); ok {
			// Same operationId seen before: replay the original result.
			*res = prev
			return
		}
		rec, err := c.store.Create(ctx, userID, kind, op.Body())
		if err != nil {
			fillError(res, err)
			return
		}
		res.Success = true
		res.EntityID = rec.ID
		res.Version = rec.Version
		c.rememberApplied(userID, op.OperationID, *res)

	case OpUpdate:
		if current == nil {
			res.Error = "entity not found"
			res.ErrorCode = "not-found"
			return
		}
		rec, err := c.store.Update(ctx, userID, kind, op.EntityID, op.Body(), nil)
		if err != nil {
			fillError(res, err)
			return
		}
		res.Success = true
		res.EntityID = rec.ID
		res.Version = rec.Version

	case OpDelete:
		rec, err := c.store.SoftDelete(ctx, userID, kind, op.EntityID)
		if err != nil {
			fillError(res, err)
			return
		}
		res.Success = true
		res.EntityID = rec.ID
		res.Version = rec.Version

	case OpRead:
		if current == nil {
			res.Error = "entity not found"
			res.ErrorCode = "not-found"
			return
		}
		res.Success = true
		res.EntityID = current.ID
		res.Version = current.Version
		res.Records = []*repo.Record{current}
	}
}

// Poll serves pull-mode incremental fetches.
func (c *Coordinator) Poll(ctx context.Context, userID int64, sinceMs int64, kinds []entity.Kind, limit int) ([]ServerUpdate, bool, error) {
	if limit <= 0 {
		limit = c.cfg.DefaultBatchSize
	}
	recs, err := c.store.ListChangedSince(ctx, userID, kinds, sinceMs, limit+1)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}
	updates := make([]ServerUpdate, 0, len(recs))
	for _, rec := range recs {
		updates = append(updates, updateFor(rec))
	}
	return updates, hasMore, nil
}

// Cancel flips a running job to cancelled; in-flight repository calls run to
// completion and applied operations are not rolled back.
func (c *Coordinator) Cancel(userID int64, syncID string) error {
	return c.jobs.Cancel(userID, syncID)
}

// Retry re-enqueues a finished job's failed operations on the queue.
func (c *Coordinator) Retry(userID int64, syncID string) (int, error) {
	job, ok := c.jobs.Get(userID, syncID)
	if !ok {
		return 0, fmt.Errorf("sync job %s not found", syncID)
	}
	ops := job.takeFailedOps()
	for _, op := range ops {
		c.queue.Enqueue(userID, op)
	}
	return len(ops), nil
}

// ProcessQueue drains the user's pending queued operations through the same
// detection/dispatch path as a sync request.
func (c *Coordinator) ProcessQueue(ctx context.Context, userID int64) QueueReport {
	return c.queue.Process(ctx, userID, func(ctx context.Context, op Operation) error {
		res, _ := c.applyOperation(ctx, userID, op, "")
		if !res.Success {
			return fmt.Errorf("%s: %s", res.ErrorCode, res.Error)
		}
		return nil
	})
}

func (c *Coordinator) recallApplied(userID int64, opID string) (OperationResult, bool) {
	if opID == "" {
		return OperationResult{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.applied[appliedKey(userID, opID)]
	return res, ok
}

func (c *Coordinator) rememberApplied(userID int64, opID string, res OperationResult) {
	if opID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := appliedKey(userID, opID)
	if _, dup := c.applied[key]; dup {
		return
	}
	c.applied[key] = res
	c.appliedOrder = append(c.appliedOrder, key)
	for len(c.appliedOrder) > maxRememberedOps {
		delete(c.applied, c.appliedOrder[0])
		c.appliedOrder = c.appliedOrder[1:]
	}
}

func appliedKey(userID int64, opID string) string {
	return fmt.Sprintf("%d|%s", userID, opID)
}

func fillError(res *OperationResult, err error) {
	res.Error = err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		res.ErrorCode = "not-found"
	case repo.IsInvariant(err):
		res.ErrorCode = "invariant-violation"
	case repo.IsVersionMismatch(err):
		res.ErrorCode = "version-mismatch"
	default:
		res.ErrorCode = "internal"
	}
}
