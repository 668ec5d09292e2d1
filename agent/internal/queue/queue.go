// Package queue orders remote commands for execution. Commands dispatch
// by priority then arrival, duplicates are dropped or replaced, expired
// commands are reported without running, and concurrency is capped by
// configuration.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetguard/agent/internal/audit"
	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/logger"
	"fleetguard/network"
)

// terminalHistory bounds how many finished command IDs are remembered for
// de-duplication of server re-sends.
const terminalHistory = 4096

// Runner executes commands. Satisfied by the executor.
type Runner interface {
	Execute(ctx context.Context, cmd network.Command) network.ExecutionResult
	Cancel(commandID string) error
}

type item struct {
	cmd   network.Command
	seq   uint64
	index int
}

// commandHeap orders by priority (lower first), then arrival sequence.
type commandHeap []*item

func (h commandHeap) Len() int { return len(h) }
func (h commandHeap) Less(i, j int) bool {
	if h[i].cmd.Priority != h[j].cmd.Priority {
		return h[i].cmd.Priority < h[j].cmd.Priority
	}
	return h[i].seq < h[j].seq
}
func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *commandHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue holds pending commands and the terminal results awaiting server
// acknowledgement.
type Queue struct {
	log    zerolog.Logger
	cfg    *config.Store
	runner Runner
	rec    *audit.Recorder

	mu       sync.Mutex
	heap     commandHeap
	pending  map[string]*item
	running  map[string]struct{}
	results  map[string]network.ExecutionResult
	order    []string // result IDs in completion order
	terminal map[string]struct{}
	termLog  []string
	nextSeq  uint64

	wake chan struct{}
	now  func() time.Time
}

func New(cfg *config.Store, runner Runner, rec *audit.Recorder) *Queue {
	return &Queue{
		log:      logger.C("queue"),
		cfg:      cfg,
		runner:   runner,
		rec:      rec,
		pending:  make(map[string]*item),
		running:  make(map[string]struct{}),
		results:  make(map[string]network.ExecutionResult),
		terminal: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue accepts a command from the server. Re-sends of finished
// commands are dropped; a duplicate of a pending command replaces its
// payload and priority but keeps its arrival position.
func (q *Queue) Enqueue(cmd network.Command) {
	q.mu.Lock()
	if _, done := q.terminal[cmd.ID]; done {
		q.mu.Unlock()
		q.log.Debug().Str("commandId", cmd.ID).Msg("dropping re-send of finished command")
		return
	}
	if _, isRunning := q.running[cmd.ID]; isRunning {
		q.mu.Unlock()
		q.log.Debug().Str("commandId", cmd.ID).Msg("dropping duplicate of running command")
		return
	}
	if existing, ok := q.pending[cmd.ID]; ok {
		existing.cmd = cmd
		heap.Fix(&q.heap, existing.index)
		q.mu.Unlock()
		q.log.Debug().Str("commandId", cmd.ID).Msg("replaced pending command")
		q.signal()
		return
	}

	q.nextSeq++
	it := &item{cmd: cmd, seq: q.nextSeq}
	heap.Push(&q.heap, it)
	q.pending[cmd.ID] = it
	q.mu.Unlock()

	q.log.Info().Str("commandId", cmd.ID).Str("type", cmd.Type).Int("priority", cmd.Priority).Msg("command enqueued")
	q.signal()
}

// Cancel aborts a command. Pending commands are removed and reported as
// cancelled; running commands are terminated through the runner and
// report through their execution path.
func (q *Queue) Cancel(commandID string) {
	q.mu.Lock()
	if it, ok := q.pending[commandID]; ok {
		heap.Remove(&q.heap, it.index)
		delete(q.pending, commandID)
		now := q.now().UTC()
		q.recordLocked(network.ExecutionResult{
			CommandID:  commandID,
			Status:     network.StatusCancelled,
			ExitCode:   -1,
			Reason:     network.TermNormal,
			Error:      "cancelled before dispatch",
			StartedAt:  now,
			FinishedAt: now,
		})
		q.mu.Unlock()
		q.log.Info().Str("commandId", commandID).Msg("pending command cancelled")
		return
	}
	_, isRunning := q.running[commandID]
	q.mu.Unlock()

	if isRunning {
		if err := q.runner.Cancel(commandID); err != nil {
			q.log.Warn().Err(err).Str("commandId", commandID).Msg("cancel failed")
		}
		return
	}
	q.log.Debug().Str("commandId", commandID).Msg("cancel for unknown command ignored")
}

// Run dispatches until ctx is cancelled. In-flight executions observe the
// same ctx and unwind on shutdown.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for q.dispatchOne(ctx) {
		}
	}
}

// dispatchOne pops the best pending command if a concurrency slot is
// free. Expired commands are settled without spawning anything.
func (q *Queue) dispatchOne(ctx context.Context) bool {
	limit := q.cfg.Snapshot().MaxConcurrentCommands
	if limit <= 0 {
		limit = 1
	}

	q.mu.Lock()
	if q.heap.Len() == 0 || len(q.running) >= limit {
		q.mu.Unlock()
		return false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.pending, it.cmd.ID)

	if it.cmd.Expired(q.now()) {
		now := q.now().UTC()
		q.recordLocked(network.ExecutionResult{
			CommandID:  it.cmd.ID,
			Status:     network.StatusExpired,
			ExitCode:   -1,
			Reason:     network.TermNormal,
			Error:      "command expired before dispatch",
			StartedAt:  now,
			FinishedAt: now,
		})
		q.mu.Unlock()
		q.log.Warn().Str("commandId", it.cmd.ID).Msg("command expired before dispatch")
		return true
	}

	q.running[it.cmd.ID] = struct{}{}
	q.mu.Unlock()

	go func(cmd network.Command) {
		res := q.runner.Execute(ctx, cmd)

		q.rec.Record(network.AuditRecord{
			Kind:      audit.KindCommandExecuted,
			StartedAt: res.StartedAt,
			EndedAt:   res.FinishedAt,
			Detail:    fmt.Sprintf("%s: %s (%s)", cmd.ID, res.Status, res.Reason),
		})

		q.mu.Lock()
		delete(q.running, cmd.ID)
		q.recordLocked(res)
		q.mu.Unlock()

		q.signal()
	}(it.cmd)
	return true
}

// PendingResults returns unacknowledged results in completion order.
func (q *Queue) PendingResults(limit int) []network.ExecutionResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]network.ExecutionResult, 0, n)
	for _, id := range q.order[:n] {
		out = append(out, q.results[id])
	}
	return out
}

// AckResults releases results the server has confirmed receiving.
// Unacknowledged results stay for the next heartbeat.
func (q *Queue) AckResults(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := q.results[id]; ok {
			delete(q.results, id)
			acked[id] = struct{}{}
		}
	}
	if len(acked) == 0 {
		return
	}
	remaining := q.order[:0]
	for _, id := range q.order {
		if _, ok := acked[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	q.order = remaining
}

// Depth reports pending commands, for diagnostics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// InFlight reports running commands, for diagnostics.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// recordLocked stores a terminal result and remembers the command ID so
// later re-sends are dropped. Callers hold q.mu.
func (q *Queue) recordLocked(res network.ExecutionResult) {
	if _, dup := q.results[res.CommandID]; !dup {
		q.order = append(q.order, res.CommandID)
	}
	q.results[res.CommandID] = res

	if _, seen := q.terminal[res.CommandID]; !seen {
		q.terminal[res.CommandID] = struct{}{}
		q.termLog = append(q.termLog, res.CommandID)
		if len(q.termLog) > terminalHistory {
			evict := q.termLog[0]
			q.termLog = q.termLog[1:]
			delete(q.terminal, evict)
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
