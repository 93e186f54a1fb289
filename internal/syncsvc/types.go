package syncsvc

import (
	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/repo"
	"github.com/erauner12/notesync/internal/syncx"
)

// ProtocolVersion is the sync protocol version this server speaks.
const ProtocolVersion = "1.0"

// OpKind is the client operation kind.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpRead   OpKind = "read"
)

// Operation is a single client-proposed mutation or read.
type Operation struct {
	OperationID       string         `json:"operationId"`
	Kind              OpKind         `json:"kind"`
	EntityKind        entity.Kind    `json:"entityKind"`
	EntityID          int64          `json:"entityId,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	Changes           map[string]any `json:"changes,omitempty"`
	FromVersion       int64          `json:"fromVersion,omitempty"`
	ClientTimestampMs int64          `json:"clientTimestampMs,omitempty"`
}

// Body returns the proposed fields: full payload for creates, changes for
// updates. Clients are tolerant about which key they populate.
func (o Operation) Body() map[string]any {
	if o.Kind == OpCreate {
		if o.Payload != nil {
			return o.Payload
		}
		return o.Changes
	}
	if o.Changes != nil {
		return o.Changes
	}
	return o.Payload
}

// validOp checks the operation kind and entity kind, returning the parsed
// entity kind. Reads and mutations on existing entities need an entityId.
func validOp(op Operation) (entity.Kind, bool) {
	kind, ok := entity.ParseKind(string(op.EntityKind))
	if !ok {
		return "", false
	}
	switch op.Kind {
	case OpCreate:
		return kind, true
	case OpUpdate, OpDelete, OpRead:
		return kind, op.EntityID > 0
	default:
		return "", false
	}
}

// ClientState is the client's sync cursor.
type ClientState struct {
	ClientID       string `json:"clientId,omitempty"`
	LastSyncTimeMs int64  `json:"lastSyncTimeMs"`
	LastSyncID     string `json:"lastSyncId,omitempty"`
}

// SyncRequest is a batch sync submission.
type SyncRequest struct {
	RequestID                 string            `json:"requestId"`
	ClientID                  string            `json:"clientId"`
	ProtocolVersion           string            `json:"protocolVersion"`
	ClientState               ClientState       `json:"clientState"`
	Operations                []Operation       `json:"operations"`
	DefaultResolutionStrategy conflict.Strategy `json:"defaultResolutionStrategy,omitempty"`
	EntityKinds               []entity.Kind     `json:"entityKinds,omitempty"`
}

// OperationResult reports the outcome of one operation, in request order.
type OperationResult struct {
	OperationID string         `json:"operationId"`
	Success     bool           `json:"success"`
	EntityID    int64          `json:"entityId,omitempty"`
	Version     int64          `json:"version,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	ConflictID  string         `json:"conflictId,omitempty"`
	Records     []*repo.Record `json:"records,omitempty"`
}

// ServerUpdate is a server-side change the client has not yet seen.
// Tombstones arrive as delete updates with no payload.
type ServerUpdate struct {
	EntityKind   entity.Kind    `json:"entityKind"`
	EntityID     int64          `json:"entityId"`
	UpdateKind   string         `json:"updateKind"` // update | delete
	Version      int64          `json:"version"`
	Payload      map[string]any `json:"payload,omitempty"`
	ModifiedAtMs int64          `json:"modifiedAtMs"`
	ModifiedAt   string         `json:"modifiedAt"`
}

// SyncResponse is the structured reply to a SyncRequest.
type SyncResponse struct {
	RequestID        string             `json:"requestId"`
	ServerTimeMs     int64              `json:"serverTimeMs"`
	Status           JobStatus          `json:"status"`
	OperationResults []OperationResult  `json:"operationResults"`
	ServerUpdates    []ServerUpdate     `json:"serverUpdates"`
	Conflicts        []*conflict.Record `json:"conflicts"`
	NewClientState   ClientState        `json:"newClientState"`
}

// updateFor maps a repository record to its ServerUpdate form.
func updateFor(rec *repo.Record) ServerUpdate {
	u := ServerUpdate{
		EntityKind:   rec.Kind,
		EntityID:     rec.ID,
		Version:      rec.Version,
		ModifiedAtMs: rec.UpdatedAtMs,
		ModifiedAt:   syncx.RFC3339(rec.UpdatedAtMs),
	}
	if rec.Deleted() {
		u.UpdateKind = "delete"
	} else {
		u.UpdateKind = "update"
		u.Payload = rec.Payload
	}
	return u
}
