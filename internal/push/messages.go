package push

import (
	"encoding/json"

	"github.com/erauner12/notesync/internal/conflict"
)

// MessageType discriminates envelopes on the push channel.
type MessageType string

const (
	TypeHandshake    MessageType = "handshake"
	TypeAuth         MessageType = "auth"
	TypeAuthResult   MessageType = "auth_result"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeSync         MessageType = "sync"
	TypeSyncResponse MessageType = "sync_response"
	TypeServerUpdate MessageType = "server_update"
	TypeConflict     MessageType = "conflict"
	TypeStatusChange MessageType = "status_change"
	TypeError        MessageType = "error"
)

// Close codes for terminal session failures.
const (
	CloseAuthTimeout      = 4000
	CloseAuthFailed       = 4001
	CloseHeartbeatTimeout = 4002
	CloseProtocolMismatch = 4003
)

// Envelope is the outer frame of every push message. Payload decoding is
// deferred until the type is known.
type Envelope struct {
	Type        MessageType     `json:"type"`
	TimestampMs int64           `json:"timestampMs,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Handshake is sent by the server immediately after accept.
type Handshake struct {
	ServerID        string `json:"serverId"`
	ProtocolVersion string `json:"protocolVersion"`
	ConnectionID    string `json:"connectionId"`
}

// AuthRequest carries the client's credentials and identity.
type AuthRequest struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId,omitempty"`
}

// AuthResult acknowledges or rejects an auth attempt.
type AuthResult struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	AttemptsRemaining int    `json:"attemptsRemaining,omitempty"`
}

// Ping carries the heartbeat sequence number; Pong echoes it.
type Ping struct {
	Seq int64 `json:"seq"`
}

// ErrorPayload reports a per-message failure without closing the session.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusChange notifies sessions about sync job transitions.
type StatusChange struct {
	SyncID   string `json:"syncId"`
	Status   string `json:"status"`
	Progress int    `json:"progress,omitempty"`
}

// ConflictNotice announces a detected conflict to the user's sessions.
type ConflictNotice struct {
	Conflict                 *conflict.Record `json:"conflict"`
	RequiresManualResolution bool             `json:"requiresManualResolution"`
}
