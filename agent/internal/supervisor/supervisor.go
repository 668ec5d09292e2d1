// Package supervisor owns the agent's connection lifecycle: it drives
// connection attempts, tracks the state machine other components observe,
// and paces reconnects with jittered exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/logger"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateEnrolling    State = "enrolling"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateSuspended    State = "suspended"
)

// ErrCredentialInvalid is returned by a session when the server no longer
// accepts the agent's credential. The supervisor stops reconnecting; the
// operator has to re-enroll.
var ErrCredentialInvalid = errors.New("credential rejected by server")

// SessionFunc establishes the control channel and blocks until it drops.
// Implementations call ready exactly once, after the channel is up.
type SessionFunc func(ctx context.Context, ready func()) error

// Status is a point-in-time view for the CLI and diagnostics.
type Status struct {
	State       State     `json:"state"`
	Attempt     int       `json:"attempt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	NextRetryAt time.Time `json:"nextRetryAt,omitempty"`
}

type Supervisor struct {
	log zerolog.Logger
	cfg *config.Store

	mu     sync.Mutex
	status Status
	bo     *Backoff
}

func New(cfg *config.Store) *Supervisor {
	snap := cfg.Snapshot()
	return &Supervisor{
		log:    logger.C("supervisor"),
		cfg:    cfg,
		status: Status{State: StateDisconnected},
		bo:     NewBackoff(snap.ReconnectInterval(), DefaultMaxDelay),
	}
}

// Run drives session attempts until ctx is cancelled or the credential is
// rejected. Each attempt runs session to completion; a dropped connection
// schedules the next attempt with backoff.
func (s *Supervisor) Run(ctx context.Context, session SessionFunc) error {
	for {
		s.setConnecting()

		err := session(ctx, s.markConnected)
		if ctx.Err() != nil {
			s.setState(StateDisconnected, nil)
			return ctx.Err()
		}
		if errors.Is(err, ErrCredentialInvalid) {
			s.log.Error().Msg("credential rejected, re-enrollment required")
			s.setState(StateEnrolling, err)
			return err
		}

		delay := s.scheduleRetry(err)
		s.log.Warn().Err(err).Dur("retryIn", delay).Int("attempt", s.bo.Attempt()).Msg("connection lost")

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected, nil)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Status returns the current lifecycle snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) setConnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status.State {
	case StateDisconnected:
		s.status.State = StateConnecting
	case StateSuspended:
		// Suspended agents still probe at the capped interval.
	default:
		s.status.State = StateReconnecting
	}
	s.status.NextRetryAt = time.Time{}
}

// markConnected is handed to the session as its ready callback.
func (s *Supervisor) markConnected() {
	s.mu.Lock()
	s.status.State = StateConnected
	s.status.Attempt = 0
	s.status.LastError = ""
	s.status.ConnectedAt = time.Now().UTC()
	s.bo.Reset()
	s.mu.Unlock()
	s.log.Info().Msg("connected")
}

// scheduleRetry records the failure and returns the delay before the next
// attempt. Once max_reconnect_attempts consecutive failures accumulate the
// state moves to suspended and the delay stays at the backoff cap.
func (s *Supervisor) scheduleRetry(err error) time.Duration {
	snap := s.cfg.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	var delay time.Duration
	if snap.MaxReconnectAttempts > 0 && s.bo.Attempt() >= snap.MaxReconnectAttempts {
		s.status.State = StateSuspended
		delay = s.bo.Max()
	} else {
		s.status.State = StateReconnecting
		delay = s.bo.Next()
		if snap.MaxReconnectAttempts > 0 && s.bo.Attempt() >= snap.MaxReconnectAttempts {
			s.status.State = StateSuspended
		}
	}

	s.status.Attempt = s.bo.Attempt()
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.status.NextRetryAt = time.Now().UTC().Add(delay)
	return delay
}

func (s *Supervisor) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	if err != nil {
		s.status.LastError = err.Error()
	}
}
