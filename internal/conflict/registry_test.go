package conflict

import (
	"fmt"
	"testing"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conflictFixture(userID int64, id string, detectedAtMs int64) *Record {
	return &Record{
		ConflictID:   id,
		UserID:       userID,
		Kind:         KindConcurrentUpdate,
		EntityKind:   entity.KindNote,
		EntityID:     1,
		Status:       StatusUnresolved,
		DetectedAtMs: detectedAtMs,
		Server:       ServerSnapshot{Version: 2, Payload: map[string]any{"title": "s"}},
		Client:       ClientSnapshot{Payload: map[string]any{"title": "c"}},
	}
}

func TestRegistryGetAuthorizesByUser(t *testing.T) {
	r := NewRegistry(30, 1000)
	r.Save(conflictFixture(1, "c-1", 1000))

	_, ok := r.Get(1, "c-1")
	assert.True(t, ok)

	_, ok = r.Get(2, "c-1")
	assert.False(t, ok, "other users must not see the conflict")
}

func TestRegistryListOrderingAndPagination(t *testing.T) {
	r := NewRegistry(30, 1000)
	for i := 0; i < 5; i++ {
		r.Save(conflictFixture(1, fmt.Sprintf("c-%d", i), int64(1000+i)))
	}
	r.Save(conflictFixture(2, "other-user", 9999))

	all := r.List(1, "", 0, 0)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].DetectedAtMs, all[i].DetectedAtMs, "most-recent-first")
	}

	page := r.List(1, "", 2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, "c-3", page[0].ConflictID)
	assert.Equal(t, "c-2", page[1].ConflictID)

	assert.Empty(t, r.List(1, "", 10, 100), "offset past the end")
}

func TestRegistryStatusFilterAndStats(t *testing.T) {
	r := NewRegistry(30, 1000)
	for i := 0; i < 4; i++ {
		r.Save(conflictFixture(1, fmt.Sprintf("c-%d", i), int64(1000+i)))
	}

	_, err := r.MarkResolved(1, "c-0", ServerWins, map[string]any{"title": "s"})
	require.NoError(t, err)
	_, err = r.MarkIgnored(1, "c-1")
	require.NoError(t, err)

	assert.Len(t, r.List(1, StatusUnresolved, 0, 0), 2)
	assert.Len(t, r.List(1, StatusResolved, 0, 0), 1)
	assert.Len(t, r.List(1, StatusIgnored, 0, 0), 1)

	s := r.StatsFor(1)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Unresolved)
	assert.Equal(t, 1, s.Resolved)
	assert.Equal(t, 1, s.Ignored)
	assert.Equal(t, 4, s.ByKind[KindConcurrentUpdate])
}

func TestRegistryStatusCAS(t *testing.T) {
	r := NewRegistry(30, 1000)
	r.Save(conflictFixture(1, "c-1", 1000))

	rec, err := r.MarkResolved(1, "c-1", ClientWins, map[string]any{"title": "c"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, rec.Status)
	assert.Equal(t, ClientWins, rec.ResolvedWith)
	require.NotNil(t, rec.ResolvedAtMs)

	// Already resolved: both transitions must fail.
	_, err = r.MarkResolved(1, "c-1", ServerWins, nil)
	assert.Error(t, err)
	_, err = r.MarkIgnored(1, "c-1")
	assert.Error(t, err)

	// Wrong user cannot transition at all.
	r.Save(conflictFixture(1, "c-2", 1000))
	_, err = r.MarkResolved(2, "c-2", ServerWins, nil)
	assert.Error(t, err)
}

func TestRegistrySizeGuardEvictsOldest(t *testing.T) {
	r := NewRegistry(30, 3)
	for i := 0; i < 5; i++ {
		r.Save(conflictFixture(1, fmt.Sprintf("c-%d", i), int64(1000+i)))
	}

	assert.Equal(t, 3, r.Len(), "registry never exceeds the cap")
	_, ok := r.Get(1, "c-0")
	assert.False(t, ok, "oldest evicted first")
	_, ok = r.Get(1, "c-4")
	assert.True(t, ok, "newest retained")
}

func TestRegistrySweepEvictsByAge(t *testing.T) {
	r := NewRegistry(30, 1000)
	old := conflictFixture(1, "ancient", syncx.NowMs()-31*24*3600*1000)
	fresh := conflictFixture(1, "fresh", syncx.NowMs())
	r.Save(old)
	r.Save(fresh)

	evicted := r.Sweep()
	assert.Equal(t, 1, evicted)
	_, ok := r.Get(1, "ancient")
	assert.False(t, ok)
	_, ok = r.Get(1, "fresh")
	assert.True(t, ok)
}

func TestRegistryCloseIdempotent(t *testing.T) {
	r := NewRegistry(30, 1000)
	r.Start()
	r.Close()
	r.Close()
}
