package syncsvc

import (
	"context"
	"testing"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDiffPartitions(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	match, err := store.Create(ctx, 1, entity.KindNote, map[string]any{"title": "a", "content": "same"})
	require.NoError(t, err)
	stale, err := store.Create(ctx, 1, entity.KindNote, map[string]any{"title": "b", "content": "x"})
	require.NoError(t, err)
	_, err = store.Update(ctx, 1, entity.KindNote, stale.ID, map[string]any{"content": "y"}, nil)
	require.NoError(t, err)
	gone, err := store.Create(ctx, 1, entity.KindNote, map[string]any{"title": "c", "content": "z"})
	require.NoError(t, err)
	_, err = store.SoftDelete(ctx, 1, entity.KindNote, gone.ID)
	require.NoError(t, err)
	serverOnly, err := store.Create(ctx, 1, entity.KindNote, map[string]any{"title": "d", "content": "w"})
	require.NoError(t, err)

	matchHash, _ := entity.GetString(match.Payload, "contentHash")

	res, err := c.DataDiff(ctx, 1, DiffRequest{
		EntityKind: entity.KindNote,
		Entities: []DiffEntry{
			{EntityID: match.ID, Version: match.Version, ContentHash: matchHash},
			{EntityID: stale.ID, Version: 1},
			{EntityID: gone.ID, Version: 1},
			{EntityID: 99999, Version: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{match.ID}, res.Matching)
	require.Len(t, res.Stale, 1)
	assert.Equal(t, stale.ID, res.Stale[0].EntityID)
	assert.Equal(t, int64(2), res.Stale[0].Version)
	assert.Equal(t, []int64{gone.ID}, res.Deleted)
	assert.Equal(t, []int64{99999}, res.Missing)
	require.Len(t, res.ServerOnly, 1)
	assert.Equal(t, serverOnly.ID, res.ServerOnly[0].EntityID)
}

func TestDataDiffHashMismatchIsStale(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, 1, entity.KindNote, map[string]any{"title": "a", "content": "server"})
	require.NoError(t, err)

	res, err := c.DataDiff(ctx, 1, DiffRequest{
		EntityKind: entity.KindNote,
		Entities:   []DiffEntry{{EntityID: rec.ID, Version: rec.Version, ContentHash: "deadbeef"}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Matching, "same version but divergent content is stale")
	require.Len(t, res.Stale, 1)
}

func TestDataDiffRejectsUnknownKind(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.DataDiff(context.Background(), 1, DiffRequest{EntityKind: "task"})
	assert.Error(t, err)
}
