package conflict

import (
	"github.com/erauner12/notesync/internal/entity"
)

// Kind classifies a detected conflict. Closed set.
type Kind string

const (
	// KindConcurrentUpdate: both sides edited from the same ancestor.
	KindConcurrentUpdate Kind = "concurrent-update"
	// KindUpdateVsDelete: client update arrived for a server-side tombstone.
	KindUpdateVsDelete Kind = "update-vs-delete"
	// KindDeleteVsUpdate: client delete derived from a stale server version.
	KindDeleteVsUpdate Kind = "delete-vs-update"
	// KindRename: stale-version update touching the display name.
	KindRename Kind = "rename"
	// KindFolderMove: stale-version update moving the entity in the forest.
	KindFolderMove Kind = "folder-move"
	// KindParentMissing: parent pointer targets a missing/deleted folder or
	// would close a cycle.
	KindParentMissing Kind = "parent-missing"
	// KindUniqueViolation: reserved for unique constraint clashes.
	KindUniqueViolation Kind = "unique-violation"
	// KindVersionMismatch: stale version not otherwise classifiable.
	KindVersionMismatch Kind = "version-mismatch"
)

// Strategy is a resolution strategy. Closed set.
type Strategy string

const (
	ServerWins   Strategy = "server-wins"
	ClientWins   Strategy = "client-wins"
	LatestWins   Strategy = "latest-wins"
	Merge        Strategy = "merge"
	AppendSuffix Strategy = "append-suffix"
	Manual       Strategy = "manual"
)

// ParseStrategy validates a strategy string.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case ServerWins, ClientWins, LatestWins, Merge, AppendSuffix, Manual:
		return Strategy(s), true
	}
	return "", false
}

// Status is the conflict lifecycle state.
type Status string

const (
	StatusUnresolved Status = "unresolved"
	StatusResolved   Status = "resolved"
	StatusIgnored    Status = "ignored"
)

// ServerSnapshot captures server state at detection time.
type ServerSnapshot struct {
	Version      int64          `json:"version"`
	Payload      map[string]any `json:"payload"`
	ModifiedAtMs int64          `json:"modifiedAtMs"`
	ModifiedBy   string         `json:"modifiedBy"`
	Deleted      bool           `json:"deleted,omitempty"`
}

// ClientSnapshot captures the client's proposed state at detection time.
type ClientSnapshot struct {
	FromVersion  int64          `json:"fromVersion"`
	Payload      map[string]any `json:"payload"`
	ModifiedAtMs int64          `json:"modifiedAtMs"`
	OpKind       string         `json:"opKind"`
}

// Record is a first-class conflict entity clients later resolve via the API.
type Record struct {
	ConflictID   string         `json:"conflictId"`
	UserID       int64          `json:"-"`
	Kind         Kind           `json:"kind"`
	EntityKind   entity.Kind    `json:"entityKind"`
	EntityID     int64          `json:"entityId"`
	OperationID  string         `json:"operationId"`
	Server       ServerSnapshot `json:"server"`
	Client       ClientSnapshot `json:"client"`
	Fields       []string       `json:"conflictFields"`
	Suggested    Strategy       `json:"suggestedStrategy"`
	Status       Status         `json:"status"`
	DetectedAtMs int64          `json:"detectedAtMs"`

	ResolvedWith    Strategy       `json:"resolvedWith,omitempty"`
	ResolvedPayload map[string]any `json:"resolvedPayload,omitempty"`
	ResolvedAtMs    *int64         `json:"resolvedAtMs,omitempty"`
}

// Clone returns a deep copy; the registry hands out copies so callers never
// alias registry-owned state.
func (r *Record) Clone() *Record {
	out := *r
	out.Server.Payload = entity.ClonePayload(r.Server.Payload)
	out.Client.Payload = entity.ClonePayload(r.Client.Payload)
	out.ResolvedPayload = entity.ClonePayload(r.ResolvedPayload)
	out.Fields = append([]string(nil), r.Fields...)
	if r.ResolvedAtMs != nil {
		ms := *r.ResolvedAtMs
		out.ResolvedAtMs = &ms
	}
	return &out
}

// Op is the engine's view of a proposed client operation.
type Op struct {
	OperationID       string
	Kind              string // create | update | delete | read
	EntityKind        entity.Kind
	EntityID          int64
	FromVersion       int64
	Payload           map[string]any // proposed payload or field changes
	ClientTimestampMs int64
	ClientID          string
}

// Resolution is the outcome of executing a strategy against a conflict.
// Tombstone marks a winning client delete: the entity is soft-deleted rather
// than updated, and Payload is the content remaining under the tombstone.
type Resolution struct {
	Payload        map[string]any `json:"resolvedPayload"`
	NewVersion     int64          `json:"newVersion"`
	Success        bool           `json:"success"`
	Tombstone      bool           `json:"tombstone,omitempty"`
	ManualRequired bool           `json:"manualRequired,omitempty"`
}

// DefaultPolicy is the per-kind suggested strategy table.
// The tombstone case (update-vs-delete) suggests server-wins: a delete the
// server has already applied is intentional and should not be silently
// resurrected. The client-delete case (delete-vs-update) goes to latest-wins.
var DefaultPolicy = map[Kind]Strategy{
	KindConcurrentUpdate: LatestWins,
	KindUpdateVsDelete:   ServerWins,
	KindDeleteVsUpdate:   LatestWins,
	KindRename:           AppendSuffix,
	KindFolderMove:       LatestWins,
	KindParentMissing:    Manual,
	KindUniqueViolation:  Manual,
	KindVersionMismatch:  LatestWins,
}
