// Package heartbeat drives the periodic check-in with the management
// server. Each cycle ships queued results, buffered events and audit
// records, then applies whatever the server sends back: new commands,
// config deltas and acknowledgements.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fleetguard/agent/internal/audit"
	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/logger"
	"fleetguard/agent/internal/supervisor"
	"fleetguard/network"
)

// maxConsecutiveFailures ends the session so the supervisor reconnects
// from scratch instead of heartbeating into a dead server forever.
const maxConsecutiveFailures = 3

// batchLimit caps how many items of each kind ride one envelope.
const batchLimit = 100

// CommandSink receives server-issued work and releases acked results.
// Satisfied by the queue.
type CommandSink interface {
	Enqueue(cmd network.Command)
	Cancel(commandID string)
	PendingResults(limit int) []network.ExecutionResult
	AckResults(ids []string)
}

// EventSource drains and releases buffered telemetry. Satisfied by the
// offline buffer.
type EventSource interface {
	Pending(limit int) []network.BufferedEvent
	Ack(seqs []uint64)
}

// AuditSource records, drains and releases audit records. Satisfied by
// the recorder.
type AuditSource interface {
	Record(rec network.AuditRecord) string
	Pending(limit int) []network.AuditRecord
	Ack(ids []string)
}

// MetricsFunc produces the opaque metrics blob for an envelope.
type MetricsFunc func() json.RawMessage

// Loop owns the heartbeat cadence for one connected session.
type Loop struct {
	log     zerolog.Logger
	cfg     *config.Store
	http    *http.Client
	sink    CommandSink
	events  EventSource
	audit   AuditSource
	metrics MetricsFunc

	agentID    string
	credential string
}

func New(cfg *config.Store, sink CommandSink, events EventSource, audit AuditSource, metrics MetricsFunc, agentID, credential string) *Loop {
	return &Loop{
		log:        logger.C("heartbeat"),
		cfg:        cfg,
		http:       &http.Client{},
		sink:       sink,
		events:     events,
		audit:      audit,
		metrics:    metrics,
		agentID:    agentID,
		credential: credential,
	}
}

// Run beats until ctx is cancelled or the server is unreachable for
// maxConsecutiveFailures cycles. Cycles never overlap; a slow exchange
// delays the next tick instead of stacking requests.
func (l *Loop) Run(ctx context.Context) error {
	// First beat immediately so a reconnect flushes retained data
	// without waiting out a full interval.
	failures := 0
	for {
		if err := l.beat(ctx); err != nil {
			if errors.Is(err, supervisor.ErrCredentialInvalid) {
				return err
			}
			failures++
			l.log.Warn().Err(err).Int("consecutiveFailures", failures).Msg("heartbeat failed")
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("heartbeat failed %d times: %w", failures, err)
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.Snapshot().HeartbeatInterval()):
		}
	}
}

// beat performs one request/response exchange.
func (l *Loop) beat(ctx context.Context) error {
	snap := l.cfg.Snapshot()

	env := network.HeartbeatEnvelope{
		AgentID:      l.agentID,
		Timestamp:    time.Now().UTC(),
		AgentVersion: network.AgentVersion,
		Results:      l.sink.PendingResults(batchLimit),
		Events:       l.events.Pending(batchLimit),
		Audit:        l.audit.Pending(batchLimit),
	}
	if l.metrics != nil {
		env.Metrics = l.metrics()
	}

	resp, err := l.exchange(ctx, snap, env)
	if err != nil {
		return err
	}
	l.apply(resp)
	return nil
}

func (l *Loop) exchange(ctx context.Context, snap *config.Snapshot, env network.HeartbeatEnvelope) (*network.HeartbeatResponse, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, snap.HeartbeatTimeout())
	defer cancel()

	url := strings.TrimRight(snap.ServerURL, "/") + "/api/agent/heartbeat"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.credential)

	httpResp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, supervisor.ErrCredentialInvalid
	default:
		return nil, fmt.Errorf("server responded %s", httpResp.Status)
	}

	var resp network.HeartbeatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed heartbeat response: %w", err)
	}
	return &resp, nil
}

// apply routes the response: acks release retained data, commands go to
// the queue, and the config delta swaps in atomically.
func (l *Loop) apply(resp *network.HeartbeatResponse) {
	if len(resp.AckedResult) > 0 {
		l.sink.AckResults(resp.AckedResult)
	}
	if len(resp.AckedEvents) > 0 {
		l.events.Ack(resp.AckedEvents)
	}
	if len(resp.AckedAudit) > 0 {
		l.audit.Ack(resp.AckedAudit)
	}

	for _, cmd := range resp.Commands {
		l.sink.Enqueue(cmd)
	}

	if len(resp.ConfigDelta) > 0 {
		if _, err := l.cfg.ApplyDelta(resp.ConfigDelta); err != nil {
			l.log.Warn().Err(err).Msg("rejected config delta")
		} else {
			l.audit.Record(network.AuditRecord{
				Kind:   audit.KindConfigChange,
				Detail: fmt.Sprintf("server config delta applied (%d keys)", len(resp.ConfigDelta)),
			})
			l.log.Info().Int("keys", len(resp.ConfigDelta)).Msg("applied config delta")
		}
	}
}
