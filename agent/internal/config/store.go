package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store holds the current configuration snapshot. Readers get a complete,
// consistent snapshot; writers replace it wholesale. Field-by-field
// patching of a live snapshot is deliberately impossible.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs []func(*Snapshot)
}

func NewStore(initial *Snapshot) *Store {
	st := &Store{}
	st.current.Store(initial)
	return st
}

// Snapshot returns the current configuration. The returned value must be
// treated as read-only.
func (st *Store) Snapshot() *Snapshot {
	return st.current.Load()
}

// Subscribe registers fn to run after every snapshot swap, whether from
// a file reload or a server delta. Subscribers run synchronously on the
// swapping goroutine.
func (st *Store) Subscribe(fn func(*Snapshot)) {
	st.mu.Lock()
	st.subs = append(st.subs, fn)
	st.mu.Unlock()
}

// Swap atomically replaces the configuration with next and notifies
// subscribers.
func (st *Store) Swap(next *Snapshot) {
	st.current.Store(next)

	st.mu.Lock()
	subs := append([]func(*Snapshot){}, st.subs...)
	st.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
}

// ApplyDelta builds a new snapshot from the current one with only the
// recognized keys of delta applied, validates it, and swaps it in. The
// apply is all-or-nothing: any unknown key or bad value leaves the current
// snapshot untouched. Returns the new snapshot.
func (st *Store) ApplyDelta(delta map[string]any) (*Snapshot, error) {
	next := st.Snapshot().Clone()

	for key, raw := range delta {
		if err := applyKey(next, key, raw); err != nil {
			return nil, fmt.Errorf("config delta: %w", err)
		}
	}

	result := next.Validate()
	if len(result.Fatals) > 0 {
		return nil, fmt.Errorf("config delta rejected: %v", result.Fatals[0])
	}

	st.Swap(next)
	return next, nil
}

// applyKey writes one delta value into the snapshot under construction.
// Values arrive JSON-decoded, so numbers are float64 and lists are []any.
func applyKey(s *Snapshot, key string, raw any) error {
	switch key {
	case "heartbeat_interval_seconds":
		return setInt(&s.HeartbeatIntervalSeconds, key, raw)
	case "heartbeat_timeout_seconds":
		return setInt(&s.HeartbeatTimeoutSeconds, key, raw)
	case "metrics_interval_seconds":
		return setInt(&s.MetricsIntervalSeconds, key, raw)
	case "inventory_schedule":
		return setString(&s.InventorySchedule, key, raw)
	case "reconnect_interval_seconds":
		return setInt(&s.ReconnectIntervalSeconds, key, raw)
	case "max_reconnect_attempts":
		return setInt(&s.MaxReconnectAttempts, key, raw)
	case "offline_buffer_capacity":
		return setInt(&s.OfflineBufferCapacity, key, raw)
	case "allowed_interpreters":
		return setStrings(&s.AllowedInterpreters, key, raw)
	case "max_runtime_seconds":
		return setInt(&s.MaxRuntimeSeconds, key, raw)
	case "max_output_bytes":
		return setInt(&s.MaxOutputBytes, key, raw)
	case "max_cpu_seconds":
		return setInt(&s.MaxCPUSeconds, key, raw)
	case "max_memory_mb":
		return setInt(&s.MaxMemoryMB, key, raw)
	case "max_concurrent_commands":
		return setInt(&s.MaxConcurrentCommands, key, raw)
	case "remote_access_enabled":
		return setBool(&s.RemoteAccessEnabled, key, raw)
	case "require_approval":
		return setBool(&s.RequireApproval, key, raw)
	case "approval_timeout_seconds":
		return setInt(&s.ApprovalTimeoutSeconds, key, raw)
	case "ice_servers":
		return setStrings(&s.ICEServers, key, raw)
	case "log_level":
		return setString(&s.LogLevel, key, raw)
	case "tags":
		return setStrings(&s.Tags, key, raw)
	default:
		return fmt.Errorf("unrecognized key %q", key)
	}
}

func setInt(dst *int, key string, raw any) error {
	switch v := raw.(type) {
	case float64:
		*dst = int(v)
	case int:
		*dst = v
	default:
		return fmt.Errorf("%s: expected number, got %T", key, raw)
	}
	return nil
}

func setString(dst *string, key string, raw any) error {
	v, ok := raw.(string)
	if !ok {
		return fmt.Errorf("%s: expected string, got %T", key, raw)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, key string, raw any) error {
	v, ok := raw.(bool)
	if !ok {
		return fmt.Errorf("%s: expected bool, got %T", key, raw)
	}
	*dst = v
	return nil
}

func setStrings(dst *[]string, key string, raw any) error {
	switch v := raw.(type) {
	case []string:
		*dst = append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("%s: expected string list, got %T element", key, item)
			}
			out = append(out, str)
		}
		*dst = out
	default:
		return fmt.Errorf("%s: expected string list, got %T", key, raw)
	}
	return nil
}
