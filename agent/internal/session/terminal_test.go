//go:build !windows

package session

import (
	"bytes"
	"net"
	"testing"
	"time"

	"fleetguard/agent/internal/logger"
)

func TestTerminalRoundTrip(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")

	agentSide, operatorSide := net.Pipe()
	defer operatorSide.Close()

	sess := &Session{ID: "sess-1", Operator: "op"}
	done := make(chan error, 1)
	go func() {
		done <- serveTerminal(sess, agentSide, logger.C("test"))
	}()

	if err := writeFrame(operatorSide, frameData, []byte("echo terminal-marker-42\n")); err != nil {
		t.Fatalf("send input: %v", err)
	}

	var output bytes.Buffer
	deadline := time.Now().Add(15 * time.Second)
	for !bytes.Contains(output.Bytes(), []byte("terminal-marker-42")) {
		operatorSide.SetReadDeadline(deadline)
		typ, payload, err := readFrame(operatorSide)
		if err != nil {
			t.Skipf("no pty available in this environment: %v", err)
		}
		if typ == frameData {
			output.Write(payload)
		}
	}
	operatorSide.SetReadDeadline(time.Time{})

	if err := writeFrame(operatorSide, frameData, []byte("exit\n")); err != nil {
		t.Fatalf("send exit: %v", err)
	}

	// Drain remaining output until the shell side closes.
	go func() {
		for {
			if _, _, err := readFrame(operatorSide); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("terminal session did not end after exit")
	}

	if sess.bytesIn.Load() == 0 || sess.bytesOut.Load() == 0 {
		t.Fatal("session byte counters not updated")
	}
}

func TestTerminalResizeFrameIsTolerated(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")

	agentSide, operatorSide := net.Pipe()
	defer operatorSide.Close()

	sess := &Session{ID: "sess-2"}
	done := make(chan error, 1)
	go func() {
		done <- serveTerminal(sess, agentSide, logger.C("test"))
	}()

	if err := writeFrame(operatorSide, frameResize, []byte(`{"cols":120,"rows":40}`)); err != nil {
		t.Fatalf("send resize: %v", err)
	}
	if err := writeFrame(operatorSide, frameData, []byte("exit\n")); err != nil {
		t.Fatalf("send exit: %v", err)
	}

	go func() {
		for {
			if _, _, err := readFrame(operatorSide); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("terminal session did not end")
	}
}
