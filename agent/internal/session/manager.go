// Package session implements operator remote-access sessions: terminal
// and file-transfer tunnels negotiated over the control channel and
// carried on WebRTC data channels. Every session passes the approval
// gate before any negotiation happens, and every open and close lands in
// the audit trail.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"fleetguard/agent/internal/audit"
	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/logger"
	"fleetguard/network"
)

// State is the session lifecycle. Transitions are monotonic; a closed
// session never reopens.
type State string

const (
	StatePendingApproval State = "pending-approval"
	StateNegotiating     State = "negotiating"
	StateActive          State = "active"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
)

// Signaler carries the agent's answers and closes back to the server.
// Satisfied by the transport connection.
type Signaler interface {
	SendAnswer(a network.SessionAnswer) error
	SendClose(c network.SessionClose) error
}

// Info is a session snapshot for status and diagnostics.
type Info struct {
	ID        string              `json:"id"`
	Kind      network.SessionKind `json:"kind"`
	Operator  string              `json:"operator"`
	State     State               `json:"state"`
	StartedAt time.Time           `json:"startedAt"`
}

// Session is one operator tunnel.
type Session struct {
	ID       string
	Kind     network.SessionKind
	Operator string

	startedAt time.Time
	approval  chan bool
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64

	mu    sync.Mutex
	state State
	pc    *webrtc.PeerConnection
}

func (s *Session) setState(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || (s.state == StateClosing && next != StateClosed) {
		return false
	}
	s.state = next
	return true
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manager tracks live sessions and runs the offer/approval/negotiation
// pipeline.
type Manager struct {
	log zerolog.Logger
	cfg *config.Store
	sig Signaler
	rec *audit.Recorder

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg *config.Store, sig Signaler, rec *audit.Recorder) *Manager {
	return &Manager{
		log:      logger.C("session"),
		cfg:      cfg,
		sig:      sig,
		rec:      rec,
		sessions: make(map[string]*Session),
	}
}

// HandleOffer runs one offer through the gate and, if it passes,
// negotiates the tunnel. Blocks for the lifetime of the approval wait
// and negotiation; callers run it in its own goroutine.
func (m *Manager) HandleOffer(ctx context.Context, offer network.SessionOffer) {
	snap := m.cfg.Snapshot()

	if !snap.RemoteAccessEnabled {
		m.refuse(offer, network.CloseReasonDisabled)
		return
	}
	if offer.Kind != network.SessionTerminal && offer.Kind != network.SessionFileTransfer {
		m.refuse(offer, network.CloseReasonNegotiation)
		return
	}

	sess := &Session{
		ID:        offer.SessionID,
		Kind:      offer.Kind,
		Operator:  offer.Operator,
		startedAt: time.Now().UTC(),
		approval:  make(chan bool, 1),
		state:     StatePendingApproval,
	}

	m.mu.Lock()
	if _, dup := m.sessions[offer.SessionID]; dup {
		m.mu.Unlock()
		m.log.Warn().Str("sessionId", offer.SessionID).Msg("duplicate session offer ignored")
		return
	}
	m.sessions[offer.SessionID] = sess
	m.mu.Unlock()

	if snap.RequireApproval {
		m.log.Info().Str("sessionId", sess.ID).Str("operator", sess.Operator).Str("kind", string(sess.Kind)).Msg("session awaiting local approval")
		select {
		case ok := <-sess.approval:
			if !ok {
				m.finishRefused(sess, network.CloseReasonNotApproved)
				return
			}
		case <-time.After(snap.ApprovalTimeout()):
			m.log.Warn().Str("sessionId", sess.ID).Msg("approval timed out")
			m.finishRefused(sess, network.CloseReasonNotApproved)
			return
		case <-ctx.Done():
			m.finishRefused(sess, network.CloseReasonAgentClosed)
			return
		}
	}

	if !sess.setState(StateNegotiating) {
		return
	}

	pc, answerSDP, err := answerPeer(ctx, snap.ICEServers, offer.SDP,
		func(label string, rwc io.ReadWriteCloser) {
			m.attachChannel(sess, label, rwc)
		},
		func() {
			m.Close(sess.ID, network.CloseReasonPeerClosed)
		},
	)
	if err != nil {
		m.log.Error().Err(err).Str("sessionId", sess.ID).Msg("negotiation failed")
		m.finishRefused(sess, network.CloseReasonNegotiation)
		return
	}

	sess.mu.Lock()
	sess.pc = pc
	sess.mu.Unlock()

	if err := m.sig.SendAnswer(network.SessionAnswer{
		SessionID: sess.ID,
		Accepted:  true,
		SDP:       answerSDP,
	}); err != nil {
		m.log.Error().Err(err).Str("sessionId", sess.ID).Msg("sending answer failed")
		m.Close(sess.ID, network.CloseReasonAgentClosed)
		return
	}

	sess.setState(StateActive)
	m.rec.Record(network.AuditRecord{
		SessionID: sess.ID,
		Kind:      audit.KindSessionOpen,
		Operator:  sess.Operator,
		StartedAt: sess.startedAt,
		Detail:    string(sess.Kind),
	})
	m.log.Info().Str("sessionId", sess.ID).Str("operator", sess.Operator).Msg("session active")
}

// attachChannel binds an inbound data channel to the protocol the
// session was offered for. Unexpected labels are closed.
func (m *Manager) attachChannel(sess *Session, label string, rwc io.ReadWriteCloser) {
	switch {
	case label == "terminal" && sess.Kind == network.SessionTerminal:
		go m.runTerminal(sess, rwc)
	case label == "transfer" && sess.Kind == network.SessionFileTransfer:
		go m.runTransfer(sess, rwc)
	default:
		m.log.Warn().Str("sessionId", sess.ID).Str("label", label).Msg("unexpected data channel")
		rwc.Close()
	}
}

func (m *Manager) runTerminal(sess *Session, rwc io.ReadWriteCloser) {
	defer m.Close(sess.ID, network.CloseReasonAgentClosed)
	if err := serveTerminal(sess, rwc, m.log); err != nil {
		m.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("terminal ended with error")
	}
}

func (m *Manager) runTransfer(sess *Session, rwc io.ReadWriteCloser) {
	defer m.Close(sess.ID, network.CloseReasonAgentClosed)
	if err := serveTransfer(sess, rwc, m.rec, m.log); err != nil {
		m.log.Warn().Err(err).Str("sessionId", sess.ID).Msg("transfer ended with error")
	}
}

// Approve releases a session waiting at the approval gate.
func (m *Manager) Approve(sessionID string) error {
	return m.decide(sessionID, true)
}

// Deny refuses a session waiting at the approval gate.
func (m *Manager) Deny(sessionID string) error {
	return m.decide(sessionID, false)
}

func (m *Manager) decide(sessionID string, ok bool) error {
	m.mu.Lock()
	sess, found := m.sessions[sessionID]
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("no session %s", sessionID)
	}
	if sess.currentState() != StatePendingApproval {
		return fmt.Errorf("session %s is not awaiting approval", sessionID)
	}
	select {
	case sess.approval <- ok:
		return nil
	default:
		return fmt.Errorf("session %s already decided", sessionID)
	}
}

// HandleClose processes a server-initiated close.
func (m *Manager) HandleClose(cl network.SessionClose) {
	reason := cl.Reason
	if reason == "" {
		reason = network.CloseReasonPeerClosed
	}
	m.close(cl.SessionID, reason, false)
}

// Close ends a session from the agent side and notifies the server.
func (m *Manager) Close(sessionID, reason string) {
	m.close(sessionID, reason, true)
}

func (m *Manager) close(sessionID, reason string, notify bool) {
	m.mu.Lock()
	sess, found := m.sessions[sessionID]
	if found {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !found {
		return
	}

	sess.setState(StateClosing)

	sess.mu.Lock()
	pc := sess.pc
	sess.mu.Unlock()
	if pc != nil {
		pc.Close()
	}

	sess.setState(StateClosed)

	if notify {
		if err := m.sig.SendClose(network.SessionClose{SessionID: sessionID, Reason: reason}); err != nil {
			m.log.Debug().Err(err).Str("sessionId", sessionID).Msg("close notification failed")
		}
	}

	m.rec.Record(network.AuditRecord{
		SessionID: sessionID,
		Kind:      audit.KindSessionClose,
		Operator:  sess.Operator,
		StartedAt: sess.startedAt,
		EndedAt:   time.Now().UTC(),
		BytesIn:   sess.bytesIn.Load(),
		BytesOut:  sess.bytesOut.Load(),
		Detail:    reason,
	})
	m.log.Info().Str("sessionId", sessionID).Str("reason", reason).Msg("session closed")
}

// CloseAll tears down every session, for shutdown and connection loss.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.close(id, reason, true)
	}
}

// Active lists current sessions for status output.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{
			ID:        s.ID,
			Kind:      s.Kind,
			Operator:  s.Operator,
			State:     s.currentState(),
			StartedAt: s.startedAt,
		})
	}
	return out
}

// refuse answers an offer that never produced a session.
func (m *Manager) refuse(offer network.SessionOffer, reason string) {
	m.log.Warn().Str("sessionId", offer.SessionID).Str("reason", reason).Msg("session refused")
	if err := m.sig.SendAnswer(network.SessionAnswer{
		SessionID: offer.SessionID,
		Accepted:  false,
		Reason:    reason,
	}); err != nil {
		m.log.Debug().Err(err).Str("sessionId", offer.SessionID).Msg("refusal answer failed")
	}
	now := time.Now().UTC()
	m.rec.Record(network.AuditRecord{
		SessionID: offer.SessionID,
		Kind:      audit.KindSessionClose,
		Operator:  offer.Operator,
		StartedAt: now,
		EndedAt:   now,
		Detail:    "refused: " + reason,
	})
}

// finishRefused tears down a tracked session that never went active.
func (m *Manager) finishRefused(sess *Session, reason string) {
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
	sess.setState(StateClosed)

	if err := m.sig.SendAnswer(network.SessionAnswer{
		SessionID: sess.ID,
		Accepted:  false,
		Reason:    reason,
	}); err != nil {
		m.log.Debug().Err(err).Str("sessionId", sess.ID).Msg("refusal answer failed")
	}
	m.rec.Record(network.AuditRecord{
		SessionID: sess.ID,
		Kind:      audit.KindSessionClose,
		Operator:  sess.Operator,
		StartedAt: sess.startedAt,
		EndedAt:   time.Now().UTC(),
		Detail:    "refused: " + reason,
	})
}
