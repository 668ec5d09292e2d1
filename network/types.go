// Package network defines the wire contracts shared between the agent and
// the management server: heartbeat envelopes, remote commands, session
// signaling and enrollment. All messages are JSON.
package network

import (
	"encoding/json"
	"time"
)

// AgentVersion is stamped into heartbeats and enrollment requests.
// Overridden at release time via -ldflags.
var AgentVersion = "0.0.0-dev"

// CommandStatus is the lifecycle status of a remote command.
type CommandStatus string

const (
	StatusPending    CommandStatus = "pending"
	StatusDispatched CommandStatus = "dispatched"
	StatusRunning    CommandStatus = "running"
	StatusCompleted  CommandStatus = "completed"
	StatusFailed     CommandStatus = "failed"
	StatusExpired    CommandStatus = "expired"
	StatusCancelled  CommandStatus = "cancelled"
)

// IsTerminal reports whether s is a final status. Terminal commands are
// reported exactly once and never re-dispatched.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// TerminationReason explains how an execution ended.
type TerminationReason string

const (
	TermNormal              TerminationReason = "normal"
	TermTimeout             TerminationReason = "timeout"
	TermKilled              TerminationReason = "killed"
	TermInterpreterRejected TerminationReason = "interpreter-rejected"
)

// Command priority tiers. Lower value dispatches first.
const (
	PriorityUrgent = 0
	PriorityNormal = 1
	PriorityLow    = 2
)

// Command is a unit of remote work issued by the server.
type Command struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IssuedAt  time.Time       `json:"issuedAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// Expired reports whether the command's deadline has passed at now.
func (c Command) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// ScriptPayload is the payload of a "run_script" command.
type ScriptPayload struct {
	Interpreter    string            `json:"interpreter"`
	Script         string            `json:"script"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	WorkDir        string            `json:"workDir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// ExecutionResult reports the outcome of a command back to the server.
type ExecutionResult struct {
	CommandID  string            `json:"commandId"`
	Status     CommandStatus     `json:"status"`
	ExitCode   int               `json:"exitCode"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Reason     TerminationReason `json:"terminationReason"`
}

// BufferedEvent is a telemetry event retained while disconnected. Seq is a
// monotonic per-agent sequence the server uses to de-duplicate re-sends.
type BufferedEvent struct {
	Seq        uint64          `json:"seq"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// AuditRecord describes a remote-access event (session open/close, file
// transfer) for the server's audit trail.
type AuditRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Kind      string    `json:"kind"`
	Operator  string    `json:"operator,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	BytesIn   uint64    `json:"bytesIn,omitempty"`
	BytesOut  uint64    `json:"bytesOut,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// HeartbeatEnvelope is the periodic check-in request. Metrics is an opaque
// blob produced by the collectors; the agent does not interpret it.
type HeartbeatEnvelope struct {
	AgentID      string            `json:"agentId"`
	Timestamp    time.Time         `json:"timestamp"`
	AgentVersion string            `json:"agentVersion"`
	Metrics      json.RawMessage   `json:"metrics,omitempty"`
	Results      []ExecutionResult `json:"results,omitempty"`
	Events       []BufferedEvent   `json:"events,omitempty"`
	Audit        []AuditRecord     `json:"audit,omitempty"`
}

// HeartbeatResponse carries new work and acknowledgements for delivered
// results, buffered events and audit records. Acked items are released
// from local retention.
type HeartbeatResponse struct {
	Commands    []Command      `json:"commands,omitempty"`
	ConfigDelta map[string]any `json:"configDelta,omitempty"`
	AckedResult []string       `json:"ackedResults,omitempty"`
	AckedEvents []uint64       `json:"ackedEvents,omitempty"`
	AckedAudit  []string       `json:"ackedAudit,omitempty"`
}

// SessionKind distinguishes the sub-channel protocols of a remote session.
type SessionKind string

const (
	SessionTerminal     SessionKind = "terminal"
	SessionFileTransfer SessionKind = "file-transfer"
)

// Session close reasons reported through signaling and audit.
const (
	CloseReasonNotApproved = "not-approved"
	CloseReasonNegotiation = "negotiation-failed"
	CloseReasonPeerClosed  = "peer-closed"
	CloseReasonAgentClosed = "agent-closed"
	CloseReasonDisabled    = "remote-access-disabled"
)

// SessionOffer is a server-initiated request to open a remote session.
// SDP carries the operator side's complete ICE offer.
type SessionOffer struct {
	SessionID string      `json:"sessionId"`
	Kind      SessionKind `json:"kind"`
	Operator  string      `json:"operator"`
	SDP       string      `json:"sdp"`
}

// SessionAnswer is the agent's reply to an offer: either an SDP answer or
// a refusal with a reason.
type SessionAnswer struct {
	SessionID string `json:"sessionId"`
	Accepted  bool   `json:"accepted"`
	SDP       string `json:"sdp,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionClose terminates a session from either side.
type SessionClose struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// EventKind discriminates ServerEvent payloads on the control channel.
type EventKind string

const (
	EventCommand       EventKind = "command"
	EventCancelCommand EventKind = "cancel_command"
	EventSessionOffer  EventKind = "session_offer"
	EventSessionClose  EventKind = "session_close"
)

// ServerEvent is a typed message pushed by the server over the control
// channel, independent of the heartbeat cadence. Exactly one payload field
// is set, selected by Kind.
type ServerEvent struct {
	Kind    EventKind     `json:"kind"`
	Command *Command      `json:"command,omitempty"`
	Cancel  *CancelEvent  `json:"cancel,omitempty"`
	Offer   *SessionOffer `json:"offer,omitempty"`
	Close   *SessionClose `json:"close,omitempty"`
}

// CancelEvent requests cancellation of a previously issued command.
type CancelEvent struct {
	CommandID string `json:"commandId"`
}

// Agent → server control-channel message kinds.
const (
	AgentMsgSessionAnswer = "session_answer"
	AgentMsgSessionClose  = "session_close"
)

// AgentMessage is sent by the agent on the control channel (signaling
// answers and session closes; everything else rides the heartbeat).
type AgentMessage struct {
	Kind   string         `json:"kind"`
	Answer *SessionAnswer `json:"answer,omitempty"`
	Close  *SessionClose  `json:"close,omitempty"`
}

// EnrollRequest is the one-shot enrollment exchange: an enrollment key for
// a long-lived credential and an assigned identity.
type EnrollRequest struct {
	EnrollKey string   `json:"enrollKey"`
	Hostname  string   `json:"hostname"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	Version   string   `json:"agentVersion"`
	Site      string   `json:"site,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// EnrollResponse binds the agent to an organization and issues its
// credential.
type EnrollResponse struct {
	AgentID    string   `json:"agentId"`
	OrgID      string   `json:"orgId"`
	SiteID     string   `json:"siteId"`
	Credential string   `json:"credential"`
	Tags       []string `json:"tags,omitempty"`
}
