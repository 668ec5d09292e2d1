package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Bounds for the heartbeat cadence. Values outside the range are clamped
// to a warning, not a fatal, so a bad server-side delta cannot wedge the
// agent into a silent or hammering loop.
const (
	MinHeartbeatSeconds = 15
	MaxHeartbeatSeconds = 300
)

// ValidationResult separates errors that block startup from ones the agent
// can run through after clamping.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// Validate checks the snapshot and clamps out-of-range values in place.
func (s *Snapshot) Validate() ValidationResult {
	var r ValidationResult

	if s.ServerURL != "" {
		u, err := url.Parse(s.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q is not an http(s) URL", s.ServerURL))
		}
	}

	if s.HeartbeatIntervalSeconds < MinHeartbeatSeconds {
		r.Warnings = append(r.Warnings, fmt.Errorf("heartbeat_interval_seconds %d below minimum, clamped to %d", s.HeartbeatIntervalSeconds, MinHeartbeatSeconds))
		s.HeartbeatIntervalSeconds = MinHeartbeatSeconds
	}
	if s.HeartbeatIntervalSeconds > MaxHeartbeatSeconds {
		r.Warnings = append(r.Warnings, fmt.Errorf("heartbeat_interval_seconds %d above maximum, clamped to %d", s.HeartbeatIntervalSeconds, MaxHeartbeatSeconds))
		s.HeartbeatIntervalSeconds = MaxHeartbeatSeconds
	}
	if s.HeartbeatTimeoutSeconds <= 0 || s.HeartbeatTimeoutSeconds >= s.HeartbeatIntervalSeconds {
		r.Warnings = append(r.Warnings, fmt.Errorf("heartbeat_timeout_seconds %d out of range, clamped to %d", s.HeartbeatTimeoutSeconds, s.HeartbeatIntervalSeconds/2))
		s.HeartbeatTimeoutSeconds = s.HeartbeatIntervalSeconds / 2
	}

	if s.ReconnectIntervalSeconds <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("reconnect_interval_seconds must be positive, got %d", s.ReconnectIntervalSeconds))
	}
	if s.MaxReconnectAttempts < 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("max_reconnect_attempts must be >= 0 (0 = unlimited), got %d", s.MaxReconnectAttempts))
	}
	if s.OfflineBufferCapacity <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("offline_buffer_capacity must be positive, got %d", s.OfflineBufferCapacity))
	}

	if len(s.AllowedInterpreters) == 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("allowed_interpreters is empty, all script commands will be rejected"))
	}
	for _, name := range s.AllowedInterpreters {
		if strings.TrimSpace(name) == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("allowed_interpreters contains an empty entry"))
		}
	}
	if s.MaxRuntimeSeconds <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("max_runtime_seconds must be positive, got %d", s.MaxRuntimeSeconds))
	}
	if s.MaxOutputBytes <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("max_output_bytes must be positive, got %d", s.MaxOutputBytes))
	}
	if s.MaxConcurrentCommands <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("max_concurrent_commands must be positive, got %d", s.MaxConcurrentCommands))
	}

	if s.ApprovalTimeoutSeconds <= 0 && s.RequireApproval {
		r.Fatals = append(r.Fatals, fmt.Errorf("approval_timeout_seconds must be positive when require_approval is set"))
	}

	return r
}
