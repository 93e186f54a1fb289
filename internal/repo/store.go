package repo

import (
	"context"

	"github.com/erauner12/notesync/internal/entity"
)

// Record is the common envelope shared by all entity kinds.
// The kind-specific fields live in Payload as the client sent them.
type Record struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"-"`
	Kind        entity.Kind    `json:"entityKind"`
	Version     int64          `json:"version"`
	CreatedAtMs int64          `json:"createdAtMs"`
	UpdatedAtMs int64          `json:"updatedAtMs"`
	DeletedAtMs *int64         `json:"deletedAtMs,omitempty"`
	Payload     map[string]any `json:"payload"`
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool {
	return r.DeletedAtMs != nil
}

// Clone returns a deep copy safe for the caller to mutate.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.DeletedAtMs != nil {
		ms := *r.DeletedAtMs
		out.DeletedAtMs = &ms
	}
	out.Payload = entity.ClonePayload(r.Payload)
	return &out
}

// Store is the persistence interface for the three entity kinds.
// It is the only layer that mutates Version and UpdatedAtMs.
// All operations are scoped by userID; cross-user access is impossible
// through this interface.
type Store interface {
	// Get returns the record including tombstones; ErrNotFound when the id
	// was never assigned for this user.
	Get(ctx context.Context, userID int64, kind entity.Kind, id int64) (*Record, error)

	// ListChangedSince returns records (tombstones included) with
	// UpdatedAtMs >= sinceMs, ordered by (UpdatedAtMs, ID), at most limit
	// rows. kinds nil or empty means all kinds.
	ListChangedSince(ctx context.Context, userID int64, kinds []entity.Kind, sinceMs int64, limit int) ([]*Record, error)

	// Create assigns an id, sets Version=1, stamps timestamps and computes
	// the note contentHash. Fails with InvariantError when a named parent
	// does not exist.
	Create(ctx context.Context, userID int64, kind entity.Kind, payload map[string]any) (*Record, error)

	// Update atomically applies changes, increments Version and refreshes
	// UpdatedAtMs. When expectedVersion is non-nil the current version must
	// match or VersionMismatchError is returned. Updating a tombstone
	// resurrects it (DeletedAtMs cleared); callers route tombstone updates
	// through the conflict engine first.
	Update(ctx context.Context, userID int64, kind entity.Kind, id int64, changes map[string]any, expectedVersion *int64) (*Record, error)

	// SoftDelete sets DeletedAtMs and bumps Version. Deleting a tombstone
	// is a no-op returning the tombstone.
	SoftDelete(ctx context.Context, userID int64, kind entity.Kind, id int64) (*Record, error)

	// Exists reports whether a non-deleted record exists.
	Exists(ctx context.Context, userID int64, kind entity.Kind, id int64) (bool, error)
}
