package conflict

import (
	"context"
	"strings"
	"testing"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *repo.Memory) {
	t.Helper()
	store := repo.NewMemory()
	reg := NewRegistry(30, 1000)
	return NewEngine(store, reg), store
}

func serverRecord(version int64, updatedAtMs int64, payload map[string]any) *repo.Record {
	return &repo.Record{
		ID:          7,
		UserID:      1,
		Kind:        entity.KindNote,
		Version:     version,
		UpdatedAtMs: updatedAtMs,
		Payload:     payload,
	}
}

func TestDetectCreateNeverConflicts(t *testing.T) {
	e, _ := newTestEngine(t)

	c, err := e.Detect(context.Background(), 1, Op{
		OperationID: "op-1",
		Kind:        "create",
		EntityKind:  entity.KindNote,
		Payload:     map[string]any{"title": "t"},
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectUpdateOnTombstone(t *testing.T) {
	e, _ := newTestEngine(t)

	deletedAt := int64(2000)
	current := serverRecord(4, 2000, map[string]any{"title": "gone"})
	current.DeletedAtMs = &deletedAt

	c, err := e.Detect(context.Background(), 1, Op{
		OperationID:       "op-2",
		Kind:              "update",
		EntityKind:        entity.KindNote,
		EntityID:          7,
		FromVersion:       3,
		Payload:           map[string]any{"title": "edited"},
		ClientTimestampMs: 3000,
	}, current)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, KindUpdateVsDelete, c.Kind)
	assert.Equal(t, ServerWins, c.Suggested)
	assert.Equal(t, int64(4), c.Server.Version, "server snapshot uses the tombstone version")
	assert.True(t, c.Server.Deleted)
	assert.Equal(t, StatusUnresolved, c.Status)

	// The conflict is registered for later lookup.
	got, ok := e.Registry().Get(1, c.ConflictID)
	require.True(t, ok)
	assert.Equal(t, c.ConflictID, got.ConflictID)
}

func TestDetectStaleVersionSubclassification(t *testing.T) {
	tests := []struct {
		name     string
		current  map[string]any
		changes  map[string]any
		wantKind Kind
		wantSugg Strategy
	}{
		{
			name:     "title change is a rename",
			current:  map[string]any{"title": "Draft", "content": "x"},
			changes:  map[string]any{"title": "Final"},
			wantKind: KindRename,
			// No concurrent-title signal, so latest-wins instead of
			// append-suffix.
			wantSugg: LatestWins,
		},
		{
			name:     "folder pointer change is a folder-move",
			current:  map[string]any{"title": "Draft", "folderId": float64(1)},
			changes:  map[string]any{"folderId": float64(2)},
			wantKind: KindFolderMove,
			wantSugg: LatestWins,
		},
		{
			name:     "content-only change is a concurrent-update",
			current:  map[string]any{"title": "Draft", "content": "x"},
			changes:  map[string]any{"content": "y"},
			wantKind: KindConcurrentUpdate,
			wantSugg: LatestWins,
		},
		{
			name:     "same title is not a rename",
			current:  map[string]any{"title": "Draft", "content": "x"},
			changes:  map[string]any{"title": "Draft", "content": "y"},
			wantKind: KindConcurrentUpdate,
			wantSugg: LatestWins,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			current := serverRecord(2, 1000, tt.current)

			c, err := e.Detect(context.Background(), 1, Op{
				OperationID:       "op-3",
				Kind:              "update",
				EntityKind:        entity.KindNote,
				EntityID:          7,
				FromVersion:       1,
				Payload:           tt.changes,
				ClientTimestampMs: 2000,
			}, current)
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, tt.wantKind, c.Kind)
			assert.Equal(t, tt.wantSugg, c.Suggested)
		})
	}
}

func TestDetectRenameWithConcurrentSignal(t *testing.T) {
	store := repo.NewMemory()
	e := NewEngine(store, NewRegistry(30, 1000),
		WithConcurrentFieldSignal(func(int64, entity.Kind, int64, string) bool { return true }))

	current := serverRecord(2, 1000, map[string]any{"title": "Draft"})
	c, err := e.Detect(context.Background(), 1, Op{
		Kind:        "update",
		EntityKind:  entity.KindNote,
		EntityID:    7,
		FromVersion: 1,
		Payload:     map[string]any{"title": "Final"},
	}, current)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindRename, c.Kind)
	assert.Equal(t, AppendSuffix, c.Suggested)
}

func TestDetectDeleteVsUpdate(t *testing.T) {
	e, _ := newTestEngine(t)

	current := serverRecord(3, 1000, map[string]any{"title": "Draft"})
	c, err := e.Detect(context.Background(), 1, Op{
		Kind:        "delete",
		EntityKind:  entity.KindNote,
		EntityID:    7,
		FromVersion: 2,
	}, current)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindDeleteVsUpdate, c.Kind)
	assert.Equal(t, LatestWins, c.Suggested)
}

func TestDetectCurrentVersionNoConflict(t *testing.T) {
	e, _ := newTestEngine(t)

	current := serverRecord(2, 1000, map[string]any{"title": "Draft"})
	c, err := e.Detect(context.Background(), 1, Op{
		Kind:        "update",
		EntityKind:  entity.KindNote,
		EntityID:    7,
		FromVersion: 2,
		Payload:     map[string]any{"title": "Final"},
	}, current)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectParentMissing(t *testing.T) {
	e, _ := newTestEngine(t)

	current := serverRecord(1, 1000, map[string]any{"title": "Draft"})
	c, err := e.Detect(context.Background(), 1, Op{
		Kind:        "update",
		EntityKind:  entity.KindNote,
		EntityID:    7,
		FromVersion: 1,
		Payload:     map[string]any{"folderId": float64(99)},
	}, current)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindParentMissing, c.Kind)
	assert.Equal(t, Manual, c.Suggested)
}

func TestDetectParentCycle(t *testing.T) {
	store := repo.NewMemory()
	e := NewEngine(store, NewRegistry(30, 1000))
	ctx := context.Background()

	a, err := store.Create(ctx, 1, entity.KindFolder, map[string]any{"name": "A"})
	require.NoError(t, err)
	b, err := store.Create(ctx, 1, entity.KindFolder, map[string]any{"name": "B", "parentId": float64(a.ID)})
	require.NoError(t, err)

	// A.parentId = B would make A its own ancestor.
	c, err := e.Detect(ctx, 1, Op{
		OperationID: "op-cycle",
		Kind:        "update",
		EntityKind:  entity.KindFolder,
		EntityID:    a.ID,
		FromVersion: a.Version,
		Payload:     map[string]any{"parentId": float64(b.ID)},
	}, a)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindParentMissing, c.Kind)
	assert.Equal(t, Manual, c.Suggested)

	// No mutation happened: A still has no parent.
	fresh, err := store.Get(ctx, 1, entity.KindFolder, a.ID)
	require.NoError(t, err)
	_, hasParent := fresh.Payload["parentId"]
	assert.False(t, hasParent)

	// Self-parent is the degenerate cycle.
	c, err = e.Detect(ctx, 1, Op{
		Kind:        "update",
		EntityKind:  entity.KindFolder,
		EntityID:    a.ID,
		FromVersion: a.Version,
		Payload:     map[string]any{"parentId": float64(a.ID)},
	}, a)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindParentMissing, c.Kind)
}

func TestExecuteServerWins(t *testing.T) {
	e, _ := newTestEngine(t)
	c := &Record{
		EntityKind: entity.KindNote,
		Server:     ServerSnapshot{Version: 4, Payload: map[string]any{"title": "server"}, ModifiedAtMs: 2000},
		Client:     ClientSnapshot{FromVersion: 3, Payload: map[string]any{"title": "client"}, ModifiedAtMs: 3000},
	}

	res, err := e.Execute(c, ServerWins)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(4), res.NewVersion, "server-wins keeps the server version")
	assert.Equal(t, "server", res.Payload["title"])
}

func TestExecuteClientWins(t *testing.T) {
	e, _ := newTestEngine(t)
	c := &Record{
		EntityKind: entity.KindNote,
		Server:     ServerSnapshot{Version: 4, Payload: map[string]any{"title": "server"}},
		Client:     ClientSnapshot{Payload: map[string]any{"title": "client"}},
	}

	res, err := e.Execute(c, ClientWins)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(5), res.NewVersion)
	assert.Equal(t, "client", res.Payload["title"])
}

func TestExecuteLatestWins(t *testing.T) {
	e, _ := newTestEngine(t)

	tests := []struct {
		name        string
		serverMs    int64
		clientMs    int64
		wantTitle   string
		wantVersion int64
	}{
		{"client newer", 1000, 2000, "client", 3},
		{"server newer", 2000, 1000, "server", 2},
		{"tie breaks to client", 1500, 1500, "client", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Record{
				EntityKind: entity.KindNote,
				Server:     ServerSnapshot{Version: 2, Payload: map[string]any{"title": "server"}, ModifiedAtMs: tt.serverMs},
				Client:     ClientSnapshot{Payload: map[string]any{"title": "client"}, ModifiedAtMs: tt.clientMs},
			}
			res, err := e.Execute(c, LatestWins)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, tt.wantTitle, res.Payload["title"])
			assert.Equal(t, tt.wantVersion, res.NewVersion)
		})
	}
}

func TestExecuteMerge(t *testing.T) {
	e, _ := newTestEngine(t)
	c := &Record{
		EntityKind: entity.KindNote,
		Server: ServerSnapshot{Version: 2, Payload: map[string]any{
			"title":   "server",
			"content": "shared",
			"meta":    map[string]any{"a": float64(1), "b": float64(2)},
			"tags":    []any{"x", "y"},
		}},
		Client: ClientSnapshot{Payload: map[string]any{
			"title": "client",
			"meta":  map[string]any{"a": float64(1)},
			"tags":  []any{"z"},
		}},
	}

	res, err := e.Execute(c, Merge)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(3), res.NewVersion)
	assert.Equal(t, "client", res.Payload["title"], "differing client field overwrites")
	assert.Equal(t, "shared", res.Payload["content"], "server-only field survives")
	// Shallow semantics: nested objects and arrays are replaced wholesale.
	assert.Equal(t, map[string]any{"a": float64(1)}, res.Payload["meta"])
	assert.Equal(t, []any{"z"}, res.Payload["tags"])
}

func TestExecuteMergeIdentity(t *testing.T) {
	e, _ := newTestEngine(t)
	payload := map[string]any{"title": "same", "tags": []any{"a"}}
	c := &Record{
		EntityKind: entity.KindNote,
		Server:     ServerSnapshot{Version: 2, Payload: payload},
		Client:     ClientSnapshot{Payload: payload},
	}

	res, err := e.Execute(c, Merge)
	require.NoError(t, err)
	assert.True(t, entity.CanonicalEqual(map[string]any(payload), map[string]any(res.Payload)),
		"merging identical payloads must be the identity")
}

func TestExecuteAppendSuffix(t *testing.T) {
	e, _ := newTestEngine(t)
	c := &Record{
		EntityKind: entity.KindNote,
		Server:     ServerSnapshot{Version: 2, Payload: map[string]any{"title": "Report"}},
		Client:     ClientSnapshot{Payload: map[string]any{"title": "Report"}},
	}

	res, err := e.Execute(c, AppendSuffix)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(3), res.NewVersion)
	title := res.Payload["title"].(string)
	assert.True(t, strings.HasPrefix(title, "Report ("), "suffix appended, got %q", title)
	assert.True(t, strings.HasSuffix(title, ")"))
}

func TestExecuteManual(t *testing.T) {
	e, _ := newTestEngine(t)
	c := &Record{EntityKind: entity.KindNote, Server: ServerSnapshot{Version: 2}}

	res, err := e.Execute(c, Manual)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.ManualRequired)
}

func TestExecuteUnknownStrategy(t *testing.T) {
	e, _ := newTestEngine(t)
	c := &Record{EntityKind: entity.KindNote, Server: ServerSnapshot{Version: 2}}

	_, err := e.Execute(c, Strategy("coin-flip"))
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestResolvePersistsAndTransitions(t *testing.T) {
	store := repo.NewMemory()
	e := NewEngine(store, NewRegistry(30, 1000))
	ctx := context.Background()

	rec, err := store.Create(ctx, 1, entity.KindNote, map[string]any{"title": "Draft", "content": "x"})
	require.NoError(t, err)
	rec, err = store.Update(ctx, 1, entity.KindNote, rec.ID, map[string]any{"title": "Server edit"}, nil)
	require.NoError(t, err)

	// Client edited from version 1 while the server is at 2.
	c, err := e.Detect(ctx, 1, Op{
		OperationID:       "op-9",
		Kind:              "update",
		EntityKind:        entity.KindNote,
		EntityID:          rec.ID,
		FromVersion:       1,
		Payload:           map[string]any{"title": "Client edit"},
		ClientTimestampMs: rec.UpdatedAtMs + 1000,
	}, rec)
	require.NoError(t, err)
	require.NotNil(t, c)

	resolved, res, err := e.Resolve(ctx, 1, c.ConflictID, LatestWins)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, LatestWins, resolved.ResolvedWith)
	require.NotNil(t, resolved.ResolvedAtMs)

	// Client was newer, so the resolved payload was persisted at version 3.
	fresh, err := store.Get(ctx, 1, entity.KindNote, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fresh.Version)
	assert.Equal(t, "Client edit", fresh.Payload["title"])

	// Second resolution attempt fails the status CAS.
	_, _, err = e.Resolve(ctx, 1, c.ConflictID, ServerWins)
	assert.Error(t, err)
}

func TestResolveClientDeleteWinsSoftDeletes(t *testing.T) {
	store := repo.NewMemory()
	e := NewEngine(store, NewRegistry(30, 1000))
	ctx := context.Background()

	rec, err := store.Create(ctx, 1, entity.KindNote, map[string]any{"title": "Draft", "content": "x"})
	require.NoError(t, err)
	rec, err = store.Update(ctx, 1, entity.KindNote, rec.ID, map[string]any{"title": "Server edit"}, nil)
	require.NoError(t, err)

	// Client deleted from version 1 while the server is at 2. Deletes carry
	// no body.
	c, err := e.Detect(ctx, 1, Op{
		OperationID:       "op-10",
		Kind:              "delete",
		EntityKind:        entity.KindNote,
		EntityID:          rec.ID,
		FromVersion:       1,
		ClientTimestampMs: rec.UpdatedAtMs + 1000,
	}, rec)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, KindDeleteVsUpdate, c.Kind)
	require.Equal(t, LatestWins, c.Suggested)

	resolved, res, err := e.Resolve(ctx, 1, c.ConflictID, LatestWins)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Tombstone)
	assert.Equal(t, StatusResolved, resolved.Status)

	// The winning delete became a tombstone, not a payload write.
	fresh, err := store.Get(ctx, 1, entity.KindNote, rec.ID)
	require.NoError(t, err)
	assert.True(t, fresh.Deleted())
	assert.Equal(t, int64(3), fresh.Version)
	assert.Equal(t, res.NewVersion, fresh.Version)
}

func TestResolveClientDeleteLosesKeepsServerState(t *testing.T) {
	store := repo.NewMemory()
	e := NewEngine(store, NewRegistry(30, 1000))
	ctx := context.Background()

	rec, err := store.Create(ctx, 1, entity.KindNote, map[string]any{"title": "Draft", "content": "x"})
	require.NoError(t, err)
	rec, err = store.Update(ctx, 1, entity.KindNote, rec.ID, map[string]any{"title": "Server edit"}, nil)
	require.NoError(t, err)

	// Stale delete with an older client timestamp loses under latest-wins.
	c, err := e.Detect(ctx, 1, Op{
		Kind:              "delete",
		EntityKind:        entity.KindNote,
		EntityID:          rec.ID,
		FromVersion:       1,
		ClientTimestampMs: rec.UpdatedAtMs - 1000,
	}, rec)
	require.NoError(t, err)
	require.NotNil(t, c)

	_, res, err := e.Resolve(ctx, 1, c.ConflictID, LatestWins)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Tombstone)

	fresh, err := store.Get(ctx, 1, entity.KindNote, rec.ID)
	require.NoError(t, err)
	assert.False(t, fresh.Deleted())
	assert.Equal(t, int64(2), fresh.Version, "losing delete leaves server state untouched")
}

func TestResolveManualLeavesUnresolved(t *testing.T) {
	store := repo.NewMemory()
	e := NewEngine(store, NewRegistry(30, 1000))
	ctx := context.Background()

	current := serverRecord(2, 1000, map[string]any{"title": "Draft"})
	c, err := e.Detect(ctx, 1, Op{
		Kind:        "update",
		EntityKind:  entity.KindNote,
		EntityID:    7,
		FromVersion: 1,
		Payload:     map[string]any{"content": "y"},
	}, current)
	require.NoError(t, err)
	require.NotNil(t, c)

	_, res, err := e.Resolve(ctx, 1, c.ConflictID, Manual)
	assert.ErrorIs(t, err, ErrManualRequired)
	assert.False(t, res.Success)

	got, ok := e.Registry().Get(1, c.ConflictID)
	require.True(t, ok)
	assert.Equal(t, StatusUnresolved, got.Status)
}
