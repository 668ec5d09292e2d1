//go:build !windows

package ipc

import (
	"errors"
	"path/filepath"
	"testing"

	"fleetguard/agent/internal/supervisor"
)

func testServer(t *testing.T) (string, *Server) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sock")

	var approved, denied []string
	srv, err := Listen(path, Handlers{
		Status: func() StatusReport {
			return StatusReport{
				Version:    "test",
				AgentID:    "agent-1",
				Connection: supervisor.Status{State: supervisor.StateConnected},
				QueueDepth: 2,
			}
		},
		Approve: func(id string) error {
			approved = append(approved, id)
			return nil
		},
		Deny: func(id string) error {
			denied = append(denied, id)
			return errors.New("no such session")
		},
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return path, srv
}

func TestStatusRoundTrip(t *testing.T) {
	path, _ := testServer(t)

	resp, err := Call(path, Request{Op: OpStatus})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.OK || resp.Status == nil {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Status.AgentID != "agent-1" || resp.Status.QueueDepth != 2 {
		t.Fatalf("status = %+v", resp.Status)
	}
	if resp.Status.Connection.State != supervisor.StateConnected {
		t.Fatalf("connection state = %s", resp.Status.Connection.State)
	}
}

func TestApproveRequiresSessionID(t *testing.T) {
	path, _ := testServer(t)

	resp, err := Call(path, Request{Op: OpApprove})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.OK || resp.Error == "" {
		t.Fatalf("response = %+v, want error", resp)
	}
}

func TestApproveSuccess(t *testing.T) {
	path, _ := testServer(t)

	resp, err := Call(path, Request{Op: OpApprove, SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.OK {
		t.Fatalf("response = %+v", resp)
	}
}

func TestDenyPropagatesHandlerError(t *testing.T) {
	path, _ := testServer(t)

	resp, err := Call(path, Request{Op: OpDeny, SessionID: "sess-9"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.OK || resp.Error != "no such session" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUnknownOperation(t *testing.T) {
	path, _ := testServer(t)

	resp, err := Call(path, Request{Op: "reboot"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.OK || resp.Error == "" {
		t.Fatalf("response = %+v, want error", resp)
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path, srv := testServer(t)
	srv.Close()

	// The socket file is still on disk; a new server must take over.
	srv2, err := Listen(path, Handlers{Status: func() StatusReport { return StatusReport{} }})
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	defer srv2.Close()

	if _, err := Call(path, Request{Op: OpStatus}); err != nil {
		t.Fatalf("call after relisten: %v", err)
	}
}
