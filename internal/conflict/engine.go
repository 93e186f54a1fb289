package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/repo"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrUnknownStrategy is returned when a resolution names a strategy outside
// the closed set. No mutation occurs.
var ErrUnknownStrategy = errors.New("unknown resolution strategy")

// ErrManualRequired is returned when the manual strategy is executed; the
// conflict stays unresolved for user adjudication.
var ErrManualRequired = errors.New("manual resolution required")

// ConcurrentFieldFn reports whether a concurrent change to the named field
// was recently observed for the entity. A recent-operations index can be
// plugged in here; absent one the predicate is always false.
type ConcurrentFieldFn func(userID int64, kind entity.Kind, id int64, field string) bool

// Engine classifies divergent updates and executes resolution strategies.
// It is the single authority on conflict classification; the coordinator
// calls it and never re-implements the decision procedure.
type Engine struct {
	store    repo.Store
	registry *Registry
	policy   map[Kind]Strategy

	// concurrentField is the externalized "concurrent field change" signal.
	concurrentField ConcurrentFieldFn
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithPolicy overrides the per-kind suggested strategy table.
func WithPolicy(policy map[Kind]Strategy) EngineOption {
	return func(e *Engine) {
		for k, s := range policy {
			e.policy[k] = s
		}
	}
}

// WithConcurrentFieldSignal installs a recent-operations predicate.
func WithConcurrentFieldSignal(fn ConcurrentFieldFn) EngineOption {
	return func(e *Engine) { e.concurrentField = fn }
}

// NewEngine creates a conflict engine over the given store and registry.
func NewEngine(store repo.Store, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:           store,
		registry:        registry,
		policy:          make(map[Kind]Strategy, len(DefaultPolicy)),
		concurrentField: func(int64, entity.Kind, int64, string) bool { return false },
	}
	for k, s := range DefaultPolicy {
		e.policy[k] = s
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the engine's conflict registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Detect classifies a proposed operation against the current server record.
// Returns nil when the operation can be applied directly. A returned conflict
// is already saved in the registry.
//
// First match wins:
//  1. creates never conflict
//  2. update against a tombstone        -> update-vs-delete
//  3. stale fromVersion                 -> rename / folder-move / concurrent-update
//     (delete with stale fromVersion    -> delete-vs-update)
//  4. parent pointer missing or cyclic  -> parent-missing
func (e *Engine) Detect(ctx context.Context, userID int64, op Op, current *repo.Record) (*Record, error) {
	if op.Kind == "create" || op.Kind == "read" {
		return nil, nil
	}
	if current == nil {
		// Never existed and no tombstone: not-found, not a conflict.
		return nil, nil
	}

	if op.Kind == "update" && current.Deleted() {
		return e.save(e.newConflict(userID, op, current, KindUpdateVsDelete)), nil
	}

	if op.Kind == "delete" {
		if op.FromVersion > 0 && current.Version > op.FromVersion && !current.Deleted() {
			return e.save(e.newConflict(userID, op, current, KindDeleteVsUpdate)), nil
		}
		return nil, nil
	}

	if op.Kind != "update" {
		return nil, nil
	}

	if op.FromVersion > 0 && current.Version > op.FromVersion {
		kind := e.classifyStale(op, current)
		c := e.newConflict(userID, op, current, kind)
		if kind == KindRename && !e.concurrentField(userID, op.EntityKind, op.EntityID, renameField(op.EntityKind)) {
			// A rename without an observed concurrent title change is
			// resolvable by latest-wins; append-suffix is reserved for true
			// concurrent renames.
			c.Suggested = LatestWins
		}
		return e.save(c), nil
	}

	if kind, ok, err := e.checkParent(ctx, userID, op, current); err != nil {
		return nil, err
	} else if ok {
		return e.save(e.newConflict(userID, op, current, kind)), nil
	}

	return nil, nil
}

// classifyStale subtypes a stale-version update by inspecting the proposed
// changes against the server payload.
func (e *Engine) classifyStale(op Op, current *repo.Record) Kind {
	if field := renameField(op.EntityKind); field != "" {
		if v, present := op.Payload[field]; present && !entity.CanonicalEqual(v, current.Payload[field]) {
			return KindRename
		}
	}
	if field := op.EntityKind.ParentField(); field != "" {
		if v, present := op.Payload[field]; present && !entity.CanonicalEqual(v, current.Payload[field]) {
			return KindFolderMove
		}
	}
	return KindConcurrentUpdate
}

// checkParent verifies parent existence and acyclicity for operations that
// set a parent pointer. Returns (kind, true) when a conflict was found.
func (e *Engine) checkParent(ctx context.Context, userID int64, op Op, current *repo.Record) (Kind, bool, error) {
	field := op.EntityKind.ParentField()
	if field == "" {
		return "", false, nil
	}
	parentID, set := entity.GetInt64(op.Payload, field)
	if !set || parentID == 0 {
		return "", false, nil
	}

	exists, err := e.store.Exists(ctx, userID, op.EntityKind.ParentKind(), parentID)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return KindParentMissing, true, nil
	}

	if op.EntityKind != entity.KindFolder {
		return "", false, nil
	}

	// Cycle walk: a folder may not become its own ancestor. Reported in the
	// parent-missing family.
	cur := parentID
	for hops := 0; cur != 0 && hops < 256; hops++ {
		if cur == op.EntityID {
			return KindParentMissing, true, nil
		}
		parent, err := e.store.Get(ctx, userID, entity.KindFolder, cur)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", false, nil
			}
			return "", false, err
		}
		next, ok := entity.GetInt64(parent.Payload, "parentId")
		if !ok || next == 0 {
			return "", false, nil
		}
		cur = next
	}
	return "", false, nil
}

func (e *Engine) newConflict(userID int64, op Op, current *repo.Record, kind Kind) *Record {
	c := &Record{
		ConflictID:  uuid.New().String(),
		UserID:      userID,
		Kind:        kind,
		EntityKind:  op.EntityKind,
		EntityID:    op.EntityID,
		OperationID: op.OperationID,
		Server: ServerSnapshot{
			Version:      current.Version,
			Payload:      entity.ClonePayload(current.Payload),
			ModifiedAtMs: current.UpdatedAtMs,
			ModifiedBy:   "server",
			Deleted:      current.Deleted(),
		},
		Client: ClientSnapshot{
			FromVersion:  op.FromVersion,
			Payload:      entity.ClonePayload(op.Payload),
			ModifiedAtMs: op.ClientTimestampMs,
			OpKind:       op.Kind,
		},
		Fields:       entity.DiffFields(current.Payload, op.Payload),
		Suggested:    e.policy[kind],
		Status:       StatusUnresolved,
		DetectedAtMs: syncx.NowMs(),
	}
	return c
}

func (e *Engine) save(c *Record) *Record {
	e.registry.Save(c)
	log.Debug().
		Str("conflictId", c.ConflictID).
		Str("kind", string(c.Kind)).
		Str("entityKind", string(c.EntityKind)).
		Int64("entityId", c.EntityID).
		Str("suggested", string(c.Suggested)).
		Msg("conflict detected")
	return c.Clone()
}

// Execute runs a resolution strategy against the conflict's snapshots.
// Pure: no store or registry mutation happens here.
func (e *Engine) Execute(c *Record, strategy Strategy) (Resolution, error) {
	sv := c.Server.Version

	switch strategy {
	case ServerWins:
		return Resolution{
			Payload:    entity.ClonePayload(c.Server.Payload),
			NewVersion: sv,
			Success:    true,
		}, nil

	case ClientWins:
		return clientResolution(c), nil

	case LatestWins:
		// Ties break to the client: the client edit is the human's most
		// recent intent when clocks agree.
		if c.Client.ModifiedAtMs >= c.Server.ModifiedAtMs {
			return clientResolution(c), nil
		}
		return Resolution{
			Payload:    entity.ClonePayload(c.Server.Payload),
			NewVersion: sv,
			Success:    true,
		}, nil

	case Merge:
		// Shallow field merge: server base, client overwrites differing
		// keys. Nested objects and arrays are replaced wholesale.
		merged := entity.ClonePayload(c.Server.Payload)
		for k, v := range c.Client.Payload {
			if !entity.CanonicalEqual(v, merged[k]) {
				merged[k] = cloneAny(v)
			}
		}
		return Resolution{Payload: merged, NewVersion: sv + 1, Success: true}, nil

	case AppendSuffix:
		payload := entity.ClonePayload(c.Client.Payload)
		field := renameField(c.EntityKind)
		if field == "" {
			field = "title"
		}
		name, _ := entity.GetString(payload, field)
		payload[field] = fmt.Sprintf("%s (%d)", name, syncx.NowMs())
		return Resolution{Payload: payload, NewVersion: sv + 1, Success: true}, nil

	case Manual:
		return Resolution{Success: false, ManualRequired: true}, nil
	}

	return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

// Resolve looks up a conflict, executes the strategy, persists the resolved
// payload when the resolution produces a new version, and transitions the
// conflict to resolved.
func (e *Engine) Resolve(ctx context.Context, userID int64, conflictID string, strategy Strategy) (*Record, Resolution, error) {
	c, ok := e.registry.Get(userID, conflictID)
	if !ok {
		return nil, Resolution{}, repo.ErrNotFound
	}
	if c.Status != StatusUnresolved {
		return c, Resolution{}, fmt.Errorf("conflict %s already %s", conflictID, c.Status)
	}

	res, err := e.Execute(c, strategy)
	if err != nil {
		return c, Resolution{}, err
	}
	if res.ManualRequired {
		return c, res, ErrManualRequired
	}

	if res.Tombstone {
		rec, err := e.store.SoftDelete(ctx, userID, c.EntityKind, c.EntityID)
		if err != nil {
			log.Error().Err(err).Str("conflictId", conflictID).Msg("failed to persist resolution")
			return c, Resolution{}, err
		}
		res.Payload = entity.ClonePayload(rec.Payload)
		res.NewVersion = rec.Version
	} else if res.NewVersion > c.Server.Version {
		expected := c.Server.Version
		if _, err := e.store.Update(ctx, userID, c.EntityKind, c.EntityID, res.Payload, &expected); err != nil {
			log.Error().Err(err).Str("conflictId", conflictID).Msg("failed to persist resolution")
			return c, Resolution{}, err
		}
	}

	updated, err := e.registry.MarkResolved(userID, conflictID, strategy, res.Payload)
	if err != nil {
		return c, Resolution{}, err
	}
	return updated, res, nil
}

// clientResolution builds the client-winning outcome. A winning client delete
// becomes a tombstone: deletes carry no body, so the server content is what
// remains under it.
func clientResolution(c *Record) Resolution {
	sv := c.Server.Version
	if c.Client.OpKind == "delete" {
		return Resolution{
			Payload:    entity.ClonePayload(c.Server.Payload),
			NewVersion: sv + 1,
			Success:    true,
			Tombstone:  true,
		}
	}
	return Resolution{
		Payload:    entity.ClonePayload(c.Client.Payload),
		NewVersion: sv + 1,
		Success:    true,
	}
}

// renameField returns the display-name payload key per entity kind.
func renameField(kind entity.Kind) string {
	switch kind {
	case entity.KindNote:
		return "title"
	case entity.KindFolder:
		return "name"
	}
	return ""
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return entity.ClonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	}
	return v
}
