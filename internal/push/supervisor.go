package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erauner12/notesync/internal/config"
	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/syncsvc"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Transport is one bidirectional push channel. The websocket adapter lives in
// the HTTP layer; tests plug in fakes.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// TokenVerifier validates a credential and returns the user id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

// SyncProcessor runs sync requests arriving over the push channel.
type SyncProcessor interface {
	Process(ctx context.Context, userID int64, req *syncsvc.SyncRequest) (*syncsvc.SyncResponse, error)
}

// HealthSink receives connection lifecycle events. The fallback manager
// implements it; a no-op sink is used when fallback is disabled.
type HealthSink interface {
	ClientAuthenticated(userID int64, clientID string)
	ClientDisconnected(userID int64, clientID string)
	ClientTimeout(userID int64, clientID string)
	ClientHeartbeat(userID int64, clientID string, rttMs int64)
}

// NopSink discards all lifecycle events.
type NopSink struct{}

func (NopSink) ClientAuthenticated(int64, string)    {}
func (NopSink) ClientDisconnected(int64, string)     {}
func (NopSink) ClientTimeout(int64, string)          {}
func (NopSink) ClientHeartbeat(int64, string, int64) {}

// SessionState is the session lifecycle phase.
type SessionState string

const (
	StatePendingAuth SessionState = "pending-auth"
	StateActive      SessionState = "active"
	StateClosed      SessionState = "closed"
)

// Session is one live push connection. UserID stays zero until auth succeeds.
type Session struct {
	ConnectionID string
	transport    Transport

	mu              sync.Mutex
	state           SessionState
	userID          int64
	clientID        string
	authAttempts    int
	lastHeartbeatMs int64
	lastPingSentMs  int64
	pingSeq         int64
	connectedAtMs   int64
	authTimer       *time.Timer
}

// UserID returns the authenticated user, or zero.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ClientID returns the client identity supplied at auth.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// State returns the lifecycle phase.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionView is the status snapshot of a session.
type SessionView struct {
	ConnectionID    string       `json:"connectionId"`
	ClientID        string       `json:"clientId,omitempty"`
	State           SessionState `json:"state"`
	ConnectedAtMs   int64        `json:"connectedAtMs"`
	LastHeartbeatMs int64        `json:"lastHeartbeatMs,omitempty"`
}

// Supervisor owns all push sessions: handshake, auth, heartbeats, broadcast.
type Supervisor struct {
	cfg       config.Config
	verifier  TokenVerifier
	processor SyncProcessor
	sink      HealthSink

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[int64]map[string]*Session

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSupervisor creates a supervisor. Pass NopSink when no fallback manager
// is wired.
func NewSupervisor(cfg config.Config, verifier TokenVerifier, processor SyncProcessor, sink HealthSink) *Supervisor {
	if sink == nil {
		sink = NopSink{}
	}
	return &Supervisor{
		cfg:       cfg,
		verifier:  verifier,
		processor: processor,
		sink:      sink,
		sessions:  make(map[string]*Session),
		byUser:    make(map[int64]map[string]*Session),
		done:      make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (sv *Supervisor) Start() {
	sv.wg.Add(1)
	go sv.heartbeatLoop()
}

// HandleConnection registers a transport, sends the handshake and arms the
// auth deadline. Returns the new session; the caller owns the read loop.
func (sv *Supervisor) HandleConnection(ctx context.Context, t Transport) (*Session, error) {
	s := &Session{
		ConnectionID:    uuid.New().String(),
		transport:       t,
		state:           StatePendingAuth,
		connectedAtMs:   syncx.NowMs(),
		lastHeartbeatMs: syncx.NowMs(),
	}

	sv.mu.Lock()
	sv.sessions[s.ConnectionID] = s
	sv.mu.Unlock()

	hs, _ := json.Marshal(Handshake{
		ServerID:        sv.cfg.ServerID,
		ProtocolVersion: syncsvc.ProtocolVersion,
		ConnectionID:    s.ConnectionID,
	})
	if err := sv.send(ctx, s, Envelope{Type: TypeHandshake, TimestampMs: syncx.NowMs(), Payload: hs}); err != nil {
		sv.drop(s, "handshake send failed")
		return nil, err
	}

	// Unauthenticated sessions are closed at the deadline.
	s.mu.Lock()
	s.authTimer = time.AfterFunc(sv.cfg.AuthTimeout, func() {
		if s.State() == StatePendingAuth {
			log.Warn().Str("connectionId", s.ConnectionID).Msg("auth deadline expired")
			s.transport.Close(CloseAuthTimeout, "authentication timeout")
			sv.drop(s, "auth timeout")
		}
	})
	s.mu.Unlock()

	log.Debug().Str("connectionId", s.ConnectionID).Msg("push connection accepted")
	return s, nil
}

// HandleMessage dispatches one inbound envelope for the session.
func (sv *Supervisor) HandleMessage(ctx context.Context, s *Session, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		sv.sendError(ctx, s, env.RequestID, "bad-message", "malformed envelope")
		return
	}

	switch env.Type {
	case TypeAuth:
		sv.handleAuth(ctx, s, env)
	case TypePong:
		sv.handlePong(s)
	case TypePing:
		// Client-initiated keepalive: echo and refresh liveness.
		s.mu.Lock()
		s.lastHeartbeatMs = syncx.NowMs()
		s.mu.Unlock()
		if err := sv.send(ctx, s, Envelope{Type: TypePong, TimestampMs: syncx.NowMs(), RequestID: env.RequestID}); err != nil {
			log.Warn().Err(err).Str("connectionId", s.ConnectionID).Msg("pong echo send failed")
			sv.drop(s, "pong echo send failed")
		}
	case TypeSync:
		sv.handleSync(ctx, s, env)
	default:
		sv.sendError(ctx, s, env.RequestID, "unknown-type", fmt.Sprintf("unsupported message type %q", env.Type))
	}
}

func (sv *Supervisor) handleAuth(ctx context.Context, s *Session, env Envelope) {
	if s.State() == StateActive {
		sv.sendError(ctx, s, env.RequestID, "already-authenticated", "session is already authenticated")
		return
	}

	var req AuthRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		sv.failAuth(ctx, s, env.RequestID, "malformed auth payload")
		return
	}

	userID, err := sv.verifier.Verify(ctx, req.Token)
	if err != nil {
		sv.failAuth(ctx, s, env.RequestID, "invalid token")
		return
	}

	s.mu.Lock()
	s.state = StateActive
	s.userID = userID
	s.clientID = req.ClientID
	s.lastHeartbeatMs = syncx.NowMs()
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()

	sv.indexSession(s, userID, req.ClientID)

	res, _ := json.Marshal(AuthResult{Success: true})
	sv.send(ctx, s, Envelope{Type: TypeAuthResult, TimestampMs: syncx.NowMs(), RequestID: env.RequestID, Payload: res})
	sv.sink.ClientAuthenticated(userID, req.ClientID)
	log.Info().Int64("userId", userID).Str("clientId", req.ClientID).Str("connectionId", s.ConnectionID).Msg("push session authenticated")
}

// failAuth counts an attempt and closes the session at the limit.
func (sv *Supervisor) failAuth(ctx context.Context, s *Session, requestID, reason string) {
	s.mu.Lock()
	s.authAttempts++
	remaining := sv.cfg.MaxAuthAttempts - s.authAttempts
	s.mu.Unlock()

	res, _ := json.Marshal(AuthResult{Success: false, Error: reason, AttemptsRemaining: max(remaining, 0)})
	sv.send(ctx, s, Envelope{Type: TypeAuthResult, TimestampMs: syncx.NowMs(), RequestID: requestID, Payload: res})

	if remaining <= 0 {
		s.transport.Close(CloseAuthFailed, "authentication failed")
		sv.drop(s, "auth attempts exhausted")
	}
}

func (sv *Supervisor) handlePong(s *Session) {
	now := syncx.NowMs()
	s.mu.Lock()
	s.lastHeartbeatMs = now
	rtt := now - s.lastPingSentMs
	userID, clientID, active := s.userID, s.clientID, s.state == StateActive
	s.mu.Unlock()

	if active && rtt >= 0 {
		sv.sink.ClientHeartbeat(userID, clientID, rtt)
	}
}

func (sv *Supervisor) handleSync(ctx context.Context, s *Session, env Envelope) {
	if s.State() != StateActive {
		sv.sendError(ctx, s, env.RequestID, "unauthenticated", "authenticate before syncing")
		return
	}

	var req syncsvc.SyncRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		sv.sendError(ctx, s, env.RequestID, "bad-request", "malformed sync request")
		return
	}

	resp, err := sv.processor.Process(ctx, s.UserID(), &req)
	if err != nil {
		if errors.Is(err, syncsvc.ErrProtocolMismatch) {
			s.transport.Close(CloseProtocolMismatch, "protocol version mismatch")
			sv.drop(s, "protocol mismatch")
			return
		}
		sv.sendError(ctx, s, env.RequestID, "sync-failed", err.Error())
		return
	}

	body, _ := json.Marshal(resp)
	sv.send(ctx, s, Envelope{Type: TypeSyncResponse, TimestampMs: syncx.NowMs(), RequestID: env.RequestID, Payload: body})

	// The requester has the conflicts in its response; the user's other
	// devices learn about them here.
	for _, c := range resp.Conflicts {
		sv.BroadcastToUser(s.UserID(), TypeConflict, ConflictNotice{
			Conflict:                 c,
			RequiresManualResolution: c.Status == conflict.StatusUnresolved,
		})
	}
}

// heartbeatLoop pings active sessions and reaps the unresponsive.
func (sv *Supervisor) heartbeatLoop() {
	defer sv.wg.Done()
	ticker := time.NewTicker(sv.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sv.done:
			return
		case <-ticker.C:
			sv.sweepHeartbeats()
		}
	}
}

func (sv *Supervisor) sweepHeartbeats() {
	now := syncx.NowMs()
	timeoutMs := sv.cfg.HeartbeatTimeout.Milliseconds()

	for _, s := range sv.snapshot() {
		if s.State() != StateActive {
			continue
		}
		s.mu.Lock()
		stale := now-s.lastHeartbeatMs > timeoutMs
		userID, clientID := s.userID, s.clientID
		s.mu.Unlock()

		if stale {
			log.Warn().Int64("userId", userID).Str("connectionId", s.ConnectionID).Msg("heartbeat timeout")
			s.transport.Close(CloseHeartbeatTimeout, "heartbeat timeout")
			sv.drop(s, "heartbeat timeout")
			sv.sink.ClientTimeout(userID, clientID)
			continue
		}

		s.mu.Lock()
		s.pingSeq++
		s.lastPingSentMs = now
		seq := s.pingSeq
		s.mu.Unlock()

		ping, _ := json.Marshal(Ping{Seq: seq})
		if err := sv.send(context.Background(), s, Envelope{Type: TypePing, TimestampMs: now, Payload: ping}); err != nil {
			sv.drop(s, "ping send failed")
			sv.sink.ClientDisconnected(userID, clientID)
		}
	}
}

// Ping triggers one heartbeat sweep immediately. Exposed for tests and for
// admin tooling.
func (sv *Supervisor) Ping() {
	sv.sweepHeartbeats()
}

// BroadcastToUser sends an event to every active session of a user.
// Best-effort: failed sessions are dropped, others still receive it.
func (sv *Supervisor) BroadcastToUser(userID int64, msgType MessageType, payload any) int {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(msgType)).Msg("broadcast payload marshal failed")
		return 0
	}
	env := Envelope{Type: msgType, TimestampMs: syncx.NowMs(), Payload: body}

	sv.mu.Lock()
	var targets []*Session
	for _, s := range sv.byUser[userID] {
		targets = append(targets, s)
	}
	sv.mu.Unlock()

	sent := 0
	for _, s := range targets {
		if err := sv.send(context.Background(), s, env); err != nil {
			sv.drop(s, "broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// Disconnected is called by the transport read loop when the peer goes away.
func (sv *Supervisor) Disconnected(s *Session) {
	s.mu.Lock()
	userID, clientID, active := s.userID, s.clientID, s.state == StateActive
	s.mu.Unlock()

	sv.drop(s, "peer disconnected")
	if active {
		sv.sink.ClientDisconnected(userID, clientID)
	}
}

// Sessions returns status views of a user's sessions.
func (sv *Supervisor) Sessions(userID int64) []SessionView {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	var out []SessionView
	for _, s := range sv.byUser[userID] {
		s.mu.Lock()
		out = append(out, SessionView{
			ConnectionID:    s.ConnectionID,
			ClientID:        s.clientID,
			State:           s.state,
			ConnectedAtMs:   s.connectedAtMs,
			LastHeartbeatMs: s.lastHeartbeatMs,
		})
		s.mu.Unlock()
	}
	return out
}

// Len reports the total session count.
func (sv *Supervisor) Len() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.sessions)
}

// Shutdown closes every session and stops the heartbeat loop.
func (sv *Supervisor) Shutdown() {
	sv.closeOnce.Do(func() {
		close(sv.done)
	})
	for _, s := range sv.snapshot() {
		s.transport.Close(1001, "server shutting down")
		sv.drop(s, "shutdown")
	}
	sv.wg.Wait()
}

// indexSession adds an authenticated session to the per-user index, evicting
// the oldest session when the per-user or per-client cap is exceeded.
func (sv *Supervisor) indexSession(s *Session, userID int64, clientID string) {
	sv.mu.Lock()
	if sv.byUser[userID] == nil {
		sv.byUser[userID] = make(map[string]*Session)
	}
	sv.byUser[userID][s.ConnectionID] = s

	peers := make([]*Session, 0, len(sv.byUser[userID]))
	for _, cand := range sv.byUser[userID] {
		if cand != s {
			peers = append(peers, cand)
		}
	}
	sv.mu.Unlock()

	// Peer fields are snapshotted outside sv.mu: drop locks the session mutex
	// before the supervisor's, so taking a session lock under sv.mu would
	// invert the order.
	type peerInfo struct {
		s             *Session
		clientID      string
		connectedAtMs int64
	}
	infos := make([]peerInfo, 0, len(peers))
	for _, cand := range peers {
		cand.mu.Lock()
		infos = append(infos, peerInfo{s: cand, clientID: cand.clientID, connectedAtMs: cand.connectedAtMs})
		cand.mu.Unlock()
	}

	var evict *Session
	if sv.cfg.MaxSessionsPerClient > 0 && clientID != "" {
		sameClient := 1 // s itself
		var oldest *peerInfo
		for i := range infos {
			if infos[i].clientID != clientID {
				continue
			}
			sameClient++
			if oldest == nil || infos[i].connectedAtMs < oldest.connectedAtMs {
				oldest = &infos[i]
			}
		}
		if sameClient > sv.cfg.MaxSessionsPerClient && oldest != nil {
			evict = oldest.s
		}
	}
	if evict == nil && sv.cfg.MaxSessionsPerUser > 0 && len(infos)+1 > sv.cfg.MaxSessionsPerUser {
		var oldest *peerInfo
		for i := range infos {
			if oldest == nil || infos[i].connectedAtMs < oldest.connectedAtMs {
				oldest = &infos[i]
			}
		}
		if oldest != nil {
			evict = oldest.s
		}
	}

	if evict != nil {
		log.Info().Int64("userId", userID).Str("connectionId", evict.ConnectionID).Msg("evicting oldest session over session cap")
		evict.transport.Close(1000, "session limit exceeded")
		sv.drop(evict, "session cap")
	}
}

func (sv *Supervisor) snapshot() []*Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		out = append(out, s)
	}
	return out
}

// drop removes the session from all indexes and marks it closed.
func (sv *Supervisor) drop(s *Session, reason string) {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	userID := s.userID
	s.mu.Unlock()
	if alreadyClosed {
		return
	}

	sv.mu.Lock()
	delete(sv.sessions, s.ConnectionID)
	if m := sv.byUser[userID]; m != nil {
		delete(m, s.ConnectionID)
		if len(m) == 0 {
			delete(sv.byUser, userID)
		}
	}
	sv.mu.Unlock()

	log.Debug().Str("connectionId", s.ConnectionID).Str("reason", reason).Msg("push session closed")
}

func (sv *Supervisor) send(ctx context.Context, s *Session, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, data)
}

func (sv *Supervisor) sendError(ctx context.Context, s *Session, requestID, code, msg string) {
	body, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	if err := sv.send(ctx, s, Envelope{Type: TypeError, TimestampMs: syncx.NowMs(), RequestID: requestID, Payload: body}); err != nil {
		log.Warn().Err(err).Str("connectionId", s.ConnectionID).Str("code", code).Msg("error send failed")
	}
}
