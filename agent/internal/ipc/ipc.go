// Package ipc exposes a local control socket so the CLI can talk to the
// running agent: status queries and session approval decisions. One JSON
// request and one JSON response per connection.
package ipc

import (
	"encoding/json"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"fleetguard/agent/internal/logger"
	"fleetguard/agent/internal/session"
	"fleetguard/agent/internal/supervisor"
)

// Operations accepted on the socket.
const (
	OpStatus  = "status"
	OpApprove = "approve"
	OpDeny    = "deny"
)

type Request struct {
	Op        string `json:"op"`
	SessionID string `json:"sessionId,omitempty"`
}

// StatusReport is what the status operation returns.
type StatusReport struct {
	Version     string            `json:"version"`
	AgentID     string            `json:"agentId,omitempty"`
	Connection  supervisor.Status `json:"connection"`
	QueueDepth  int               `json:"queueDepth"`
	InFlight    int               `json:"inFlight"`
	BufferedLen int               `json:"bufferedEvents"`
	Sessions    []session.Info    `json:"sessions,omitempty"`
}

type Response struct {
	OK     bool          `json:"ok"`
	Error  string        `json:"error,omitempty"`
	Status *StatusReport `json:"status,omitempty"`
}

// Handlers are the agent-side callbacks behind each operation.
type Handlers struct {
	Status  func() StatusReport
	Approve func(sessionID string) error
	Deny    func(sessionID string) error
}

// Server accepts CLI connections on a unix socket.
type Server struct {
	log zerolog.Logger
	ln  net.Listener
	h   Handlers
}

// Listen binds the control socket, replacing any stale socket file left
// by a previous run.
func Listen(path string, h Handlers) (*Server, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	os.Chmod(path, 0o600)

	s := &Server{log: logger.C("ipc"), ln: ln, h: h}
	go s.acceptLoop()
	s.log.Info().Str("path", path).Msg("control socket listening")
	return s, nil
}

func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		json.NewEncoder(conn).Encode(Response{Error: "malformed request"})
		return
	}

	var resp Response
	switch req.Op {
	case OpStatus:
		report := s.h.Status()
		resp = Response{OK: true, Status: &report}
	case OpApprove:
		resp = decide(s.h.Approve, req.SessionID)
	case OpDeny:
		resp = decide(s.h.Deny, req.SessionID)
	default:
		resp = Response{Error: "unknown operation " + req.Op}
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("response write failed")
	}
}

func decide(fn func(string) error, sessionID string) Response {
	if sessionID == "" {
		return Response{Error: "sessionId required"}
	}
	if err := fn(sessionID); err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true}
}

// Call connects to a running agent's socket and performs one operation.
func Call(path string, req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", path, 3*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
