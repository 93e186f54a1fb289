package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/syncx"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and local
// development; the Postgres store is the production implementation.
type Memory struct {
	mu     sync.Mutex
	tables map[entity.Kind]map[int64]*Record
	nextID map[entity.Kind]int64
	lastMs int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	tables := make(map[entity.Kind]map[int64]*Record, len(entity.Kinds))
	nextID := make(map[entity.Kind]int64, len(entity.Kinds))
	for _, k := range entity.Kinds {
		tables[k] = make(map[int64]*Record)
		nextID[k] = 1
	}
	return &Memory{tables: tables, nextID: nextID}
}

// tickLocked returns a store-wide strictly increasing millisecond stamp, so
// the (updatedAtMs, id) sync cursor never sees two records at the same
// position. Caller holds m.mu.
func (m *Memory) tickLocked() int64 {
	now := syncx.NowMs()
	if now <= m.lastMs {
		now = m.lastMs + 1
	}
	m.lastMs = now
	return now
}

func (m *Memory) Get(_ context.Context, userID int64, kind entity.Kind, id int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.tables[kind][id]
	if rec == nil || rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) ListChangedSince(_ context.Context, userID int64, kinds []entity.Kind, sinceMs int64, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := kindSet(kinds)
	var out []*Record
	for k, table := range m.tables {
		if _, ok := wanted[k]; !ok {
			continue
		}
		for _, rec := range table {
			if rec.UserID != userID || rec.UpdatedAtMs < sinceMs {
				continue
			}
			out = append(out, rec.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAtMs != out[j].UpdatedAtMs {
			return out[i].UpdatedAtMs < out[j].UpdatedAtMs
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Create(_ context.Context, userID int64, kind entity.Kind, payload map[string]any) (*Record, error) {
	if err := entity.ValidatePayload(kind, payload); err != nil {
		return nil, &InvariantError{Message: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	payload = entity.ClonePayload(payload)
	if err := m.checkParentLocked(userID, kind, 0, payload); err != nil {
		return nil, err
	}

	stampContentHash(kind, payload)

	id := m.nextID[kind]
	m.nextID[kind]++

	now := m.tickLocked()
	rec := &Record{
		ID:          id,
		UserID:      userID,
		Kind:        kind,
		Version:     1,
		CreatedAtMs: now,
		UpdatedAtMs: now,
		Payload:     payload,
	}
	m.tables[kind][id] = rec
	return rec.Clone(), nil
}

func (m *Memory) Update(_ context.Context, userID int64, kind entity.Kind, id int64, changes map[string]any, expectedVersion *int64) (*Record, error) {
	if err := entity.ValidatePayload(kind, changes); err != nil {
		return nil, &InvariantError{Message: err.Error()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.tables[kind][id]
	if rec == nil || rec.UserID != userID {
		return nil, ErrNotFound
	}
	if expectedVersion != nil && rec.Version != *expectedVersion {
		return nil, &VersionMismatchError{Expected: *expectedVersion, Actual: rec.Version}
	}

	merged := entity.ClonePayload(rec.Payload)
	for k, v := range changes {
		merged[k] = v
	}
	if err := m.checkParentLocked(userID, kind, id, merged); err != nil {
		return nil, err
	}

	if _, changed := changes["content"]; changed {
		stampContentHash(kind, merged)
	}

	rec.Payload = merged
	rec.Version++
	rec.UpdatedAtMs = m.tickLocked()
	rec.DeletedAtMs = nil
	return rec.Clone(), nil
}

func (m *Memory) SoftDelete(_ context.Context, userID int64, kind entity.Kind, id int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.tables[kind][id]
	if rec == nil || rec.UserID != userID {
		return nil, ErrNotFound
	}
	if rec.Deleted() {
		return rec.Clone(), nil
	}

	now := m.tickLocked()
	rec.DeletedAtMs = &now
	rec.UpdatedAtMs = now
	rec.Version++
	return rec.Clone(), nil
}

func (m *Memory) Exists(_ context.Context, userID int64, kind entity.Kind, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.tables[kind][id]
	return rec != nil && rec.UserID == userID && !rec.Deleted(), nil
}

// checkParentLocked validates the parent pointer in payload: the parent must
// exist, be non-deleted, belong to the same user, and (for folders) not form
// a cycle. Caller holds m.mu.
func (m *Memory) checkParentLocked(userID int64, kind entity.Kind, selfID int64, payload map[string]any) error {
	field := kind.ParentField()
	if field == "" {
		return nil
	}
	parentID, set := entity.GetInt64(payload, field)
	if !set || parentID == 0 {
		return nil
	}

	parent := m.tables[kind.ParentKind()][parentID]
	if parent == nil || parent.UserID != userID || parent.Deleted() {
		return &InvariantError{Message: fmt.Sprintf("%s %d does not exist", field, parentID)}
	}

	if kind == entity.KindFolder {
		return m.checkCycleLocked(userID, selfID, parentID)
	}
	return nil
}

// checkCycleLocked walks the folder parent chain from newParentID and fails
// when it reaches selfID. A parent pointer set to the folder's own id is the
// degenerate one-hop cycle.
func (m *Memory) checkCycleLocked(userID, selfID, newParentID int64) error {
	cur := newParentID
	for hops := 0; cur != 0 && hops <= len(m.tables[entity.KindFolder]); hops++ {
		if cur == selfID {
			return &InvariantError{Message: fmt.Sprintf("folder %d would become its own ancestor", selfID)}
		}
		parent := m.tables[entity.KindFolder][cur]
		if parent == nil || parent.UserID != userID {
			return nil
		}
		next, ok := entity.GetInt64(parent.Payload, "parentId")
		if !ok {
			return nil
		}
		cur = next
	}
	return nil
}

func stampContentHash(kind entity.Kind, payload map[string]any) {
	if kind != entity.KindNote {
		return
	}
	content, _ := entity.GetString(payload, "content")
	payload["contentHash"] = entity.ContentHash(content)
}

func kindSet(kinds []entity.Kind) map[entity.Kind]struct{} {
	out := make(map[entity.Kind]struct{}, len(entity.Kinds))
	if len(kinds) == 0 {
		for _, k := range entity.Kinds {
			out[k] = struct{}{}
		}
		return out
	}
	for _, k := range kinds {
		out[k] = struct{}{}
	}
	return out
}
