// Package fallback keeps degraded clients synchronized. When a client's push
// channel proves unreliable the manager flips it to a server-driven pull loop
// and walks it back to push once the connection stabilizes.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erauner12/notesync/internal/config"
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/syncsvc"
	"github.com/erauner12/notesync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// HealthStatus is the connection health phase of one client.
type HealthStatus string

const (
	StatusHealthy    HealthStatus = "healthy"
	StatusDegraded   HealthStatus = "degraded"
	StatusRecovering HealthStatus = "recovering"
)

// Priority selects the base polling cadence.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Poller fetches changes for the pull loop. The sync coordinator satisfies it.
type Poller interface {
	Poll(ctx context.Context, userID int64, sinceMs int64, kinds []entity.Kind, limit int) ([]syncsvc.ServerUpdate, bool, error)
}

// PullResult is one pull-loop delivery.
type PullResult struct {
	Updates                 []syncsvc.ServerUpdate `json:"updates"`
	HasMore                 bool                   `json:"hasMore"`
	ServerTimeMs            int64                  `json:"serverTimeMs"`
	SuggestedNextIntervalMs int64                  `json:"suggestedNextIntervalMs"`
}

// DeliverFn receives pull results for a client. Delivery transport is the
// caller's concern; the HTTP layer hands results to long-poll waiters.
type DeliverFn func(userID int64, clientID string, res PullResult)

// maxResponseSamples bounds the per-client latency window.
const maxResponseSamples = 100

// clientHealth is the per-client tracking record. Guarded by Manager.mu.
type clientHealth struct {
	userID   int64
	clientID string

	status        HealthStatus
	needsFallback bool
	forced        bool
	reason        string

	disconnects      []int64
	timeouts         int
	samples          []int64
	lastConnectMs    int64
	lastDisconnectMs int64
	lastTimeoutMs    int64

	polling  bool
	priority Priority
	cursorMs int64
	stopPoll chan struct{}

	recoveryTimer *time.Timer
}

func (h *clientHealth) meanResponseMs() int64 {
	if len(h.samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range h.samples {
		sum += s
	}
	return sum / int64(len(h.samples))
}

// HealthView is the status snapshot of one client.
type HealthView struct {
	ClientID            string       `json:"clientId"`
	Status              HealthStatus `json:"status"`
	NeedsFallback       bool         `json:"needsFallback"`
	Forced              bool         `json:"forced,omitempty"`
	Reason              string       `json:"reason,omitempty"`
	Polling             bool         `json:"polling"`
	Priority            Priority     `json:"priority,omitempty"`
	RecentDisconnects   int          `json:"recentDisconnects"`
	Timeouts            int          `json:"timeouts"`
	MeanResponseMs      int64        `json:"meanResponseMs"`
	LastConnectedAtMs   int64        `json:"lastConnectedAtMs,omitempty"`
	LastDisconnectAtMs  int64        `json:"lastDisconnectAtMs,omitempty"`
	LastTimeoutAtMs     int64        `json:"lastTimeoutAtMs,omitempty"`
	PollCursorMs        int64        `json:"pollCursorMs,omitempty"`
}

// Manager tracks per-client connection health and runs pull loops for
// degraded clients. It implements the push layer's HealthSink.
type Manager struct {
	cfg     config.Config
	poller  Poller
	deliver DeliverFn

	mu      sync.Mutex
	clients map[string]*clientHealth

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a fallback manager. deliver may be nil; pull results are
// then only logged.
func NewManager(cfg config.Config, poller Poller, deliver DeliverFn) *Manager {
	if deliver == nil {
		deliver = func(userID int64, clientID string, res PullResult) {
			log.Debug().Int64("userId", userID).Str("clientId", clientID).
				Int("updates", len(res.Updates)).Msg("pull result dropped, no deliverer")
		}
	}
	return &Manager{
		cfg:     cfg,
		poller:  poller,
		deliver: deliver,
		clients: make(map[string]*clientHealth),
		done:    make(chan struct{}),
	}
}

func healthKey(userID int64, clientID string) string {
	return fmt.Sprintf("%d|%s", userID, clientID)
}

// getLocked returns the tracking record, creating it healthy. Caller holds m.mu.
func (m *Manager) getLocked(userID int64, clientID string) *clientHealth {
	key := healthKey(userID, clientID)
	h := m.clients[key]
	if h == nil {
		h = &clientHealth{userID: userID, clientID: clientID, status: StatusHealthy, priority: PriorityNormal}
		m.clients[key] = h
	}
	return h
}

// ClientAuthenticated marks the push channel live again: polling stops and
// the client enters recovering until a heartbeat round-trip or the recovery
// delay confirms stability.
func (m *Manager) ClientAuthenticated(userID int64, clientID string) {
	m.mu.Lock()
	h := m.getLocked(userID, clientID)
	h.lastConnectMs = syncx.NowMs()
	m.stopPollLocked(h)
	if h.status == StatusDegraded || h.needsFallback {
		h.status = StatusRecovering
		m.armRecoveryLocked(h)
	}
	m.mu.Unlock()
}

// ClientDisconnected records a drop. Crossing the disconnect threshold within
// the window degrades the client and starts the pull loop.
func (m *Manager) ClientDisconnected(userID int64, clientID string) {
	now := syncx.NowMs()
	m.mu.Lock()
	h := m.getLocked(userID, clientID)
	h.lastDisconnectMs = now
	h.disconnects = append(h.disconnects, now)
	m.pruneDisconnectsLocked(h, now)

	if len(h.disconnects) >= m.cfg.DisconnectThreshold {
		m.degradeLocked(h, fmt.Sprintf("%d disconnects within %s", len(h.disconnects), m.cfg.DisconnectTimeWindow))
	}
	m.mu.Unlock()
}

// ClientTimeout records a heartbeat timeout. The waited duration enters the
// response-time buffer; exceeding the timeout threshold (or pushing the mean
// over it) degrades immediately, and the event also counts as a disconnect
// for the window threshold.
func (m *Manager) ClientTimeout(userID int64, clientID string) {
	now := syncx.NowMs()
	m.mu.Lock()
	h := m.getLocked(userID, clientID)
	h.timeouts++
	h.lastTimeoutMs = now
	h.disconnects = append(h.disconnects, now)
	m.pruneDisconnectsLocked(h, now)

	waited := m.cfg.HeartbeatTimeout.Milliseconds()
	m.addSampleLocked(h, waited)

	switch {
	case m.overLatencyThresholdLocked(h, waited):
		m.degradeLocked(h, fmt.Sprintf("heartbeat timeout after %s", m.cfg.HeartbeatTimeout))
	case len(h.disconnects) >= m.cfg.DisconnectThreshold:
		m.degradeLocked(h, "repeated heartbeat timeouts")
	}
	m.mu.Unlock()
}

// ClientHeartbeat records a round-trip sample. A round trip (or mean) above
// the timeout threshold degrades the client; otherwise one successful
// heartbeat is enough to confirm a recovering client healthy.
func (m *Manager) ClientHeartbeat(userID int64, clientID string, rttMs int64) {
	m.mu.Lock()
	h := m.getLocked(userID, clientID)
	m.addSampleLocked(h, rttMs)

	if m.overLatencyThresholdLocked(h, rttMs) {
		m.degradeLocked(h, fmt.Sprintf("heartbeat round trips above %s", m.cfg.TimeoutThreshold))
	} else if h.status == StatusRecovering {
		m.promoteLocked(h)
	}
	m.mu.Unlock()
}

// addSampleLocked appends to the bounded response-time buffer. Caller holds m.mu.
func (m *Manager) addSampleLocked(h *clientHealth, ms int64) {
	h.samples = append(h.samples, ms)
	if len(h.samples) > maxResponseSamples {
		h.samples = h.samples[len(h.samples)-maxResponseSamples:]
	}
}

// overLatencyThresholdLocked reports whether the sample or the rolling mean
// exceeds the timeout threshold. Caller holds m.mu.
func (m *Manager) overLatencyThresholdLocked(h *clientHealth, sampleMs int64) bool {
	threshold := m.cfg.TimeoutThreshold.Milliseconds()
	if threshold <= 0 {
		return false
	}
	return sampleMs > threshold || h.meanResponseMs() > threshold
}

// SuggestedIntervalMs proposes the client's next poll delay from its
// observed heartbeat round trips. Unknown clients get the normal interval.
func (m *Manager) SuggestedIntervalMs(userID int64, clientID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.clients[healthKey(userID, clientID)]
	if h == nil {
		return m.cfg.NormalPollInterval.Milliseconds()
	}
	return m.suggestInterval(h.meanResponseMs())
}

// NeedsFallback reports whether the client should use pull mode.
func (m *Manager) NeedsFallback(userID int64, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.clients[healthKey(userID, clientID)]
	return h != nil && (h.needsFallback || h.forced)
}

// ForceFallback switches the client to pull mode regardless of health.
func (m *Manager) ForceFallback(userID int64, clientID string, priority Priority) {
	m.mu.Lock()
	h := m.getLocked(userID, clientID)
	h.forced = true
	h.reason = "forced by request"
	m.startPollLocked(h, priority)
	m.mu.Unlock()
}

// ExitFallback stops the pull loop and puts the client into recovering.
func (m *Manager) ExitFallback(userID int64, clientID string) {
	m.mu.Lock()
	h := m.getLocked(userID, clientID)
	h.forced = false
	h.needsFallback = false
	m.stopPollLocked(h)
	if h.status == StatusDegraded {
		h.status = StatusRecovering
		m.armRecoveryLocked(h)
	}
	m.mu.Unlock()
}

// StartPolling starts or reconfigures the client's pull loop.
func (m *Manager) StartPolling(userID int64, clientID string, priority Priority) {
	m.mu.Lock()
	h := m.getLocked(userID, clientID)
	m.startPollLocked(h, priority)
	m.mu.Unlock()
}

// StopPolling stops the client's pull loop if one is running.
func (m *Manager) StopPolling(userID int64, clientID string) {
	m.mu.Lock()
	m.stopPollLocked(m.getLocked(userID, clientID))
	m.mu.Unlock()
}

// Status returns health snapshots for all of the user's tracked clients.
func (m *Manager) Status(userID int64) []HealthView {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HealthView
	for _, h := range m.clients {
		if h.userID != userID {
			continue
		}
		out = append(out, HealthView{
			ClientID:           h.clientID,
			Status:             h.status,
			NeedsFallback:      h.needsFallback || h.forced,
			Forced:             h.forced,
			Reason:             h.reason,
			Polling:            h.polling,
			Priority:           h.priority,
			RecentDisconnects:  len(h.disconnects),
			Timeouts:           h.timeouts,
			MeanResponseMs:     h.meanResponseMs(),
			LastConnectedAtMs:  h.lastConnectMs,
			LastDisconnectAtMs: h.lastDisconnectMs,
			LastTimeoutAtMs:    h.lastTimeoutMs,
			PollCursorMs:       h.cursorMs,
		})
	}
	return out
}

// Shutdown stops every pull loop and recovery timer.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	for _, h := range m.clients {
		m.stopPollLocked(h)
		if h.recoveryTimer != nil {
			h.recoveryTimer.Stop()
			h.recoveryTimer = nil
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// degradeLocked flips the client to degraded and starts the pull loop at
// normal cadence; callers that need tighter polling retune it afterwards.
// Caller holds m.mu.
func (m *Manager) degradeLocked(h *clientHealth, reason string) {
	if h.status == StatusDegraded {
		return
	}
	h.status = StatusDegraded
	h.needsFallback = true
	h.reason = reason
	log.Warn().Int64("userId", h.userID).Str("clientId", h.clientID).Str("reason", reason).Msg("client degraded, entering pull fallback")
	m.startPollLocked(h, PriorityNormal)
}

// promoteLocked confirms recovery. Caller holds m.mu.
func (m *Manager) promoteLocked(h *clientHealth) {
	h.status = StatusHealthy
	h.needsFallback = false
	h.reason = ""
	h.disconnects = nil
	h.samples = nil
	if h.recoveryTimer != nil {
		h.recoveryTimer.Stop()
		h.recoveryTimer = nil
	}
	log.Info().Int64("userId", h.userID).Str("clientId", h.clientID).Msg("client healthy again")
}

// armRecoveryLocked schedules automatic promotion when the push channel stays
// quiet but open. Caller holds m.mu.
func (m *Manager) armRecoveryLocked(h *clientHealth) {
	if h.recoveryTimer != nil {
		h.recoveryTimer.Stop()
	}
	h.recoveryTimer = time.AfterFunc(m.cfg.AutoRecoveryDelay, func() {
		m.mu.Lock()
		if h.status == StatusRecovering {
			m.promoteLocked(h)
		}
		m.mu.Unlock()
	})
}

// startPollLocked launches the pull loop or retunes its priority. Caller
// holds m.mu.
func (m *Manager) startPollLocked(h *clientHealth, priority Priority) {
	if priority != PriorityNormal && priority != PriorityHigh {
		priority = PriorityNormal
	}
	h.priority = priority
	if h.polling {
		return
	}
	h.polling = true
	if h.cursorMs == 0 {
		h.cursorMs = syncx.NowMs()
	}
	h.stopPoll = make(chan struct{})
	stop := h.stopPoll

	m.wg.Add(1)
	go m.pollLoop(h, stop)
	log.Info().Int64("userId", h.userID).Str("clientId", h.clientID).Str("priority", string(priority)).Msg("pull loop started")
}

// stopPollLocked stops the pull loop if running. Caller holds m.mu.
func (m *Manager) stopPollLocked(h *clientHealth) {
	if !h.polling {
		return
	}
	h.polling = false
	close(h.stopPoll)
	h.stopPoll = nil
	log.Info().Int64("userId", h.userID).Str("clientId", h.clientID).Msg("pull loop stopped")
}

func (m *Manager) pruneDisconnectsLocked(h *clientHealth, now int64) {
	cutoff := now - m.cfg.DisconnectTimeWindow.Milliseconds()
	kept := h.disconnects[:0]
	for _, ts := range h.disconnects {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	h.disconnects = kept
}

// pollLoop ticks until stopped. Ticks are serialized: a slow fetch delays the
// next tick rather than stacking goroutines.
func (m *Manager) pollLoop(h *clientHealth, stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		interval := m.intervalFor(h)
		select {
		case <-stop:
			return
		case <-m.done:
			return
		case <-time.After(interval):
			m.pollOnce(h)
		}
	}
}

// intervalFor derives the tick interval from priority, clamped to bounds.
func (m *Manager) intervalFor(h *clientHealth) time.Duration {
	m.mu.Lock()
	priority := h.priority
	m.mu.Unlock()

	interval := m.cfg.NormalPollInterval
	if priority == PriorityHigh {
		interval = m.cfg.HighPollInterval
	}
	if interval < m.cfg.MinPollInterval {
		interval = m.cfg.MinPollInterval
	}
	if interval > m.cfg.MaxPollInterval {
		interval = m.cfg.MaxPollInterval
	}
	return interval
}

// pollOnce fetches changes past the cursor and delivers them.
func (m *Manager) pollOnce(h *clientHealth) {
	m.mu.Lock()
	cursor := h.cursorMs
	userID, clientID := h.userID, h.clientID
	mean := h.meanResponseMs()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TimeoutThreshold)
	defer cancel()

	now := syncx.NowMs()
	updates, hasMore, err := m.poller.Poll(ctx, userID, cursor, nil, m.cfg.DefaultBatchSize)
	if err != nil {
		log.Error().Err(err).Int64("userId", userID).Str("clientId", clientID).Msg("pull fetch failed")
		return
	}

	m.mu.Lock()
	if !hasMore {
		h.cursorMs = now
	} else if n := len(updates); n > 0 {
		h.cursorMs = updates[n-1].ModifiedAtMs
	}
	m.mu.Unlock()

	m.deliver(userID, clientID, PullResult{
		Updates:                 updates,
		HasMore:                 hasMore,
		ServerTimeMs:            now,
		SuggestedNextIntervalMs: m.suggestInterval(mean),
	})
}

// suggestInterval proposes the client's next poll delay from observed
// latency, clamped to the configured bounds.
func (m *Manager) suggestInterval(meanResponseMs int64) int64 {
	suggested := meanResponseMs * 2
	if min := m.cfg.MinPollInterval.Milliseconds(); suggested < min {
		suggested = min
	}
	if max := m.cfg.MaxPollInterval.Milliseconds(); suggested > max {
		suggested = max
	}
	return suggested
}
