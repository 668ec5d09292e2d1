package enroll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fleetguard/network"
)

func TestEnrollSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/enroll" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req network.EnrollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.EnrollKey != "key-123" {
			t.Errorf("enroll key = %q", req.EnrollKey)
		}
		if req.Hostname == "" || req.OS == "" {
			t.Error("request is missing host facts")
		}
		json.NewEncoder(w).Encode(network.EnrollResponse{
			AgentID:    "agent-1",
			OrgID:      "org-1",
			SiteID:     "site-1",
			Credential: "tok",
		})
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	resp, err := c.Enroll(context.Background(), srv.URL, "key-123", "site-1", []string{"lab"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if resp.AgentID != "agent-1" || resp.Credential != "tok" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestEnrollRejectedKeyDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	_, err := c.Enroll(context.Background(), srv.URL, "bad-key", "", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hit %d times, want 1", got)
	}
}

func TestEnrollRetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(network.EnrollResponse{AgentID: "a", OrgID: "o", Credential: "c"})
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	resp, err := c.Enroll(context.Background(), srv.URL, "k", "", nil)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if resp.AgentID != "a" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if hits.Load() < 2 {
		t.Fatal("transient failure was not retried")
	}
}

func TestUnenrollTreatsStaleCredentialAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	if err := c.Unenroll(context.Background(), srv.URL, "agent-1", "stale"); err != nil {
		t.Fatalf("unenroll: %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	latency, err := c.TestConnection(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("test connection: %v", err)
	}
	if latency <= 0 {
		t.Fatal("latency not measured")
	}

	if _, err := c.TestConnection(context.Background(), "http://127.0.0.1:1"); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
