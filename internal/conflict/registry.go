package conflict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// Registry is the in-memory conflict store. Retention is age-then-size:
// a periodic sweep evicts records older than the retention window, and a
// size guard evicts oldest-first when the cap is exceeded.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record

	retentionMs int64
	maxRecords  int
	sweepEvery  time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a registry with the given retention window and cap.
func NewRegistry(retentionDays, maxRecords int) *Registry {
	return &Registry{
		records:     make(map[string]*Record),
		retentionMs: int64(retentionDays) * 24 * int64(time.Hour/time.Millisecond),
		maxRecords:  maxRecords,
		sweepEvery:  time.Hour,
		done:        make(chan struct{}),
	}
}

// Start launches the periodic sweeper. Close stops it.
func (r *Registry) Start() {
	go func() {
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				evicted := r.Sweep()
				if evicted > 0 {
					log.Info().Int("evicted", evicted).Msg("conflict registry sweep")
				}
			case <-r.done:
				return
			}
		}
	}()
}

// Close stops the sweeper. Idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Save stores a conflict record and enforces the size cap.
func (r *Registry) Save(c *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[c.ConflictID] = c.Clone()
	r.evictOverCapLocked()
}

// Get returns a copy of the record, authorizing by userID.
func (r *Registry) Get(userID int64, conflictID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.records[conflictID]
	if !ok || c.UserID != userID {
		return nil, false
	}
	return c.Clone(), true
}

// List returns the user's conflicts most-recent-first, optionally filtered
// by status, with limit/offset pagination.
func (r *Registry) List(userID int64, status Status, limit, offset int) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Record
	for _, c := range r.records {
		if c.UserID != userID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAtMs != out[j].DetectedAtMs {
			return out[i].DetectedAtMs > out[j].DetectedAtMs
		}
		return out[i].ConflictID > out[j].ConflictID
	})

	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	cloned := make([]*Record, len(out))
	for i, c := range out {
		cloned[i] = c.Clone()
	}
	return cloned
}

// MarkResolved transitions a conflict from unresolved to resolved. The
// transition is a CAS on status: resolving an already-resolved or ignored
// conflict fails.
func (r *Registry) MarkResolved(userID int64, conflictID string, strategy Strategy, payload map[string]any) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.records[conflictID]
	if !ok || c.UserID != userID {
		return nil, fmt.Errorf("conflict %s not found", conflictID)
	}
	if c.Status != StatusUnresolved {
		return nil, fmt.Errorf("conflict %s already %s", conflictID, c.Status)
	}

	now := syncx.NowMs()
	c.Status = StatusResolved
	c.ResolvedWith = strategy
	c.ResolvedPayload = entity.ClonePayload(payload)
	c.ResolvedAtMs = &now
	return c.Clone(), nil
}

// MarkIgnored transitions a conflict from unresolved to ignored.
func (r *Registry) MarkIgnored(userID int64, conflictID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.records[conflictID]
	if !ok || c.UserID != userID {
		return nil, fmt.Errorf("conflict %s not found", conflictID)
	}
	if c.Status != StatusUnresolved {
		return nil, fmt.Errorf("conflict %s already %s", conflictID, c.Status)
	}

	now := syncx.NowMs()
	c.Status = StatusIgnored
	c.ResolvedAtMs = &now
	return c.Clone(), nil
}

// Stats summarizes the user's conflicts by status and kind.
type Stats struct {
	Total      int          `json:"total"`
	Unresolved int          `json:"unresolved"`
	Resolved   int          `json:"resolved"`
	Ignored    int          `json:"ignored"`
	ByKind     map[Kind]int `json:"byKind"`
}

// StatsFor computes conflict counts for a user.
func (r *Registry) StatsFor(userID int64) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{ByKind: make(map[Kind]int)}
	for _, c := range r.records {
		if c.UserID != userID {
			continue
		}
		s.Total++
		s.ByKind[c.Kind]++
		switch c.Status {
		case StatusUnresolved:
			s.Unresolved++
		case StatusResolved:
			s.Resolved++
		case StatusIgnored:
			s.Ignored++
		}
	}
	return s
}

// Sweep evicts records past retention, then enforces the size cap.
// Returns the number of evicted records.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := syncx.NowMs() - r.retentionMs
	evicted := 0
	for id, c := range r.records {
		if c.DetectedAtMs < cutoff {
			delete(r.records, id)
			evicted++
		}
	}
	evicted += r.evictOverCapLocked()
	return evicted
}

// Len returns the number of records held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// evictOverCapLocked removes oldest records while over the cap.
// Caller holds r.mu.
func (r *Registry) evictOverCapLocked() int {
	if r.maxRecords <= 0 || len(r.records) <= r.maxRecords {
		return 0
	}

	type aged struct {
		id string
		ms int64
	}
	all := make([]aged, 0, len(r.records))
	for id, c := range r.records {
		all = append(all, aged{id: id, ms: c.DetectedAtMs})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ms < all[j].ms })

	evicted := 0
	for _, a := range all {
		if len(r.records) <= r.maxRecords {
			break
		}
		delete(r.records, a.id)
		evicted++
	}
	return evicted
}
