package config

import (
	"reflect"
	"testing"
)

func TestApplyDeltaSingleKey(t *testing.T) {
	st := NewStore(Default())
	before := st.Snapshot()

	next, err := st.ApplyDelta(map[string]any{"metrics_interval_seconds": float64(90)})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	if next.MetricsIntervalSeconds != 90 {
		t.Errorf("MetricsIntervalSeconds = %d, want 90", next.MetricsIntervalSeconds)
	}

	// Every other field must be identical to the prior snapshot: atomic
	// replace, not merge-by-field with drift.
	want := before.Clone()
	want.MetricsIntervalSeconds = 90
	if !reflect.DeepEqual(next, want) {
		t.Errorf("delta changed unrelated fields:\n got %+v\nwant %+v", next, want)
	}

	// The prior snapshot is untouched.
	if before.MetricsIntervalSeconds != Default().MetricsIntervalSeconds {
		t.Errorf("prior snapshot mutated in place")
	}
}

func TestApplyDeltaRejectsUnknownKey(t *testing.T) {
	st := NewStore(Default())
	before := st.Snapshot()

	if _, err := st.ApplyDelta(map[string]any{"no_such_key": 1}); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
	if st.Snapshot() != before {
		t.Error("failed delta must leave the current snapshot untouched")
	}
}

func TestApplyDeltaRejectsInvalidResult(t *testing.T) {
	st := NewStore(Default())
	before := st.Snapshot()

	// Zero concurrency is a fatal validation error; the whole delta must
	// be discarded even though the key itself is recognized.
	if _, err := st.ApplyDelta(map[string]any{"max_concurrent_commands": float64(0)}); err == nil {
		t.Fatal("expected validation failure")
	}
	if st.Snapshot() != before {
		t.Error("rejected delta must not swap the snapshot")
	}
}

func TestApplyDeltaTypeMismatch(t *testing.T) {
	st := NewStore(Default())
	if _, err := st.ApplyDelta(map[string]any{"require_approval": "yes"}); err == nil {
		t.Fatal("expected type error for bool key")
	}
	if _, err := st.ApplyDelta(map[string]any{"allowed_interpreters": []any{"bash", 3}}); err == nil {
		t.Fatal("expected type error for string list key")
	}
}

func TestApplyDeltaStringList(t *testing.T) {
	st := NewStore(Default())
	next, err := st.ApplyDelta(map[string]any{"allowed_interpreters": []any{"powershell", "bash"}})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	want := []string{"powershell", "bash"}
	if !reflect.DeepEqual(next.AllowedInterpreters, want) {
		t.Errorf("AllowedInterpreters = %v, want %v", next.AllowedInterpreters, want)
	}
}

func TestValidateClampsHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatIntervalSeconds = 1
	r := cfg.Validate()
	if len(r.Fatals) != 0 {
		t.Fatalf("unexpected fatals: %v", r.Fatals)
	}
	if len(r.Warnings) == 0 {
		t.Error("expected clamp warning")
	}
	if cfg.HeartbeatIntervalSeconds != MinHeartbeatSeconds {
		t.Errorf("interval = %d, want clamped %d", cfg.HeartbeatIntervalSeconds, MinHeartbeatSeconds)
	}

	cfg = Default()
	cfg.HeartbeatIntervalSeconds = 9999
	cfg.Validate()
	if cfg.HeartbeatIntervalSeconds != MaxHeartbeatSeconds {
		t.Errorf("interval = %d, want clamped %d", cfg.HeartbeatIntervalSeconds, MaxHeartbeatSeconds)
	}
}

func TestValidateFatals(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"bad server url", func(s *Snapshot) { s.ServerURL = "ftp://example.com" }},
		{"zero reconnect interval", func(s *Snapshot) { s.ReconnectIntervalSeconds = 0 }},
		{"zero buffer capacity", func(s *Snapshot) { s.OfflineBufferCapacity = 0 }},
		{"zero runtime", func(s *Snapshot) { s.MaxRuntimeSeconds = 0 }},
		{"approval without timeout", func(s *Snapshot) {
			s.RequireApproval = true
			s.ApprovalTimeoutSeconds = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if r := cfg.Validate(); len(r.Fatals) == 0 {
				t.Error("expected fatal validation error")
			}
		})
	}
}

func TestCloneDoesNotAliasSlices(t *testing.T) {
	cfg := Default()
	cfg.Tags = []string{"a"}
	dup := cfg.Clone()
	dup.Tags[0] = "b"
	dup.AllowedInterpreters[0] = "zsh"
	if cfg.Tags[0] != "a" || cfg.AllowedInterpreters[0] == "zsh" {
		t.Error("Clone must copy slices")
	}
}

func TestSubscriberNotifiedOnSwapAndDelta(t *testing.T) {
	st := NewStore(Default())

	var seen []int
	st.Subscribe(func(s *Snapshot) { seen = append(seen, s.OfflineBufferCapacity) })

	next := Default()
	next.OfflineBufferCapacity = 500
	st.Swap(next)

	if _, err := st.ApplyDelta(map[string]any{"offline_buffer_capacity": float64(250)}); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	if len(seen) != 2 || seen[0] != 500 || seen[1] != 250 {
		t.Fatalf("notifications = %v, want [500 250]", seen)
	}

	// A rejected delta must not notify.
	if _, err := st.ApplyDelta(map[string]any{"no_such_key": 1}); err == nil {
		t.Fatal("unknown key accepted")
	}
	if len(seen) != 2 {
		t.Fatalf("rejected delta notified subscribers: %v", seen)
	}
}
