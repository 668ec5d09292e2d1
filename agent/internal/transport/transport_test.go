package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleetguard/agent/internal/supervisor"
	"fleetguard/network"
)

var upgrader = websocket.Upgrader{}

func wsServer(t *testing.T, handler func(ws *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		handler(ws, r)
	}))
}

func TestDialDeliversServerEvents(t *testing.T) {
	srv := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.URL.Query().Get("agentId"); got != "agent-1" {
			t.Errorf("agentId = %q", got)
		}
		ev := network.ServerEvent{
			Kind:    network.EventCommand,
			Command: &network.Command{ID: "cmd-1", Type: "run_script"},
		}
		raw, _ := json.Marshal(ev)
		ws.WriteMessage(websocket.TextMessage, raw)
		// Hold the connection open until the client closes it.
		ws.ReadMessage()
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), srv.URL, "agent-1", "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case ev := <-conn.Events():
		if ev.Kind != network.EventCommand || ev.Command == nil || ev.Command.ID != "cmd-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSendAnswerReachesServer(t *testing.T) {
	got := make(chan network.AgentMessage, 1)
	srv := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg network.AgentMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Errorf("unmarshal agent message: %v", err)
			return
		}
		got <- msg
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), srv.URL, "agent-1", "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	err = conn.SendAnswer(network.SessionAnswer{SessionID: "sess-1", Accepted: true, SDP: "v=0"})
	if err != nil {
		t.Fatalf("send answer: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Kind != network.AgentMsgSessionAnswer {
			t.Fatalf("kind = %q", msg.Kind)
		}
		if msg.Answer == nil || msg.Answer.SessionID != "sess-1" || !msg.Answer.Accepted {
			t.Fatalf("answer = %+v", msg.Answer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the answer")
	}
}

func TestDialUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), srv.URL, "agent-1", "stale")
	if !errors.Is(err, supervisor.ErrCredentialInvalid) {
		t.Fatalf("err = %v, want ErrCredentialInvalid", err)
	}
}

func TestEventsCloseWhenServerDrops(t *testing.T) {
	srv := wsServer(t, func(ws *websocket.Conn, r *http.Request) {
		// Drop immediately without a close handshake.
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), srv.URL, "agent-1", "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event channel never closed")
	}
}

func TestBuildWSURL(t *testing.T) {
	got, err := buildWSURL("https://mgmt.example.com", "agent-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "wss://mgmt.example.com/api/agent/ws?agentId=agent-1"
	if got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}

	if _, err := buildWSURL("ftp://mgmt.example.com", "agent-1"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
