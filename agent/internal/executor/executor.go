// Package executor runs remote command payloads in sandboxed execution
// contexts: interpreter allow-list, isolated working directory, wall-clock
// timeout, process-group termination and resource ceilings.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/logger"
	"fleetguard/network"
)

// Executor runs script commands. Concurrency is bounded by the caller
// (the queue dispatcher); executions never share a working directory
// unless shared_work_dir is configured.
type Executor struct {
	log zerolog.Logger
	cfg *config.Store

	mu      sync.Mutex
	running map[string]*running
}

type running struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	cancelled bool
}

func New(cfg *config.Store) *Executor {
	return &Executor{
		log:     logger.C("executor"),
		cfg:     cfg,
		running: make(map[string]*running),
	}
}

// Execute runs one command to completion and returns its result. The
// result is always populated; errors are folded into it so a command
// failure never propagates beyond the command's own report.
func (e *Executor) Execute(ctx context.Context, cmd network.Command) network.ExecutionResult {
	started := time.Now().UTC()
	result := network.ExecutionResult{
		CommandID: cmd.ID,
		Status:    network.StatusFailed,
		StartedAt: started,
		Reason:    network.TermNormal,
	}

	var payload network.ScriptPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		result.Error = fmt.Sprintf("invalid script payload: %v", err)
		result.ExitCode = -1
		result.FinishedAt = time.Now().UTC()
		return result
	}

	snap := e.cfg.Snapshot()

	// Allow-list gate: rejected commands never reach an interpreter spawn.
	interp, known := ParseInterpreter(payload.Interpreter)
	if !known || !interp.allowed(snap.AllowedInterpreters) {
		e.log.Warn().Str("commandId", cmd.ID).Str("interpreter", payload.Interpreter).Msg("interpreter rejected")
		result.Reason = network.TermInterpreterRejected
		result.Error = fmt.Sprintf("interpreter %q is not in the allow-list", payload.Interpreter)
		result.ExitCode = -1
		result.FinishedAt = time.Now().UTC()
		return result
	}
	if !interp.available() {
		result.Error = fmt.Sprintf("interpreter %s is not installed on this host", interp)
		result.ExitCode = -1
		result.FinishedAt = time.Now().UTC()
		return result
	}

	workDir, cleanupDir, err := e.workDir(snap, cmd.ID, payload.WorkDir)
	if err != nil {
		result.Error = fmt.Sprintf("prepare working directory: %v", err)
		result.ExitCode = -1
		result.FinishedAt = time.Now().UTC()
		return result
	}
	defer cleanupDir()

	scriptPath := filepath.Join(workDir, "script"+interp.extension())
	if err := os.WriteFile(scriptPath, []byte(payload.Script), 0o700); err != nil {
		result.Error = fmt.Sprintf("write script: %v", err)
		result.ExitCode = -1
		result.FinishedAt = time.Now().UTC()
		return result
	}

	timeout := snap.MaxRuntime()
	if payload.TimeoutSeconds > 0 && time.Duration(payload.TimeoutSeconds)*time.Second < timeout {
		timeout = time.Duration(payload.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := interp.launch(scriptPath)
	proc := exec.CommandContext(runCtx, name, args...)
	proc.Dir = workDir
	proc.Env = buildEnv(cmd.ID, payload.Env)

	stdout := newCappedBuffer(snap.MaxOutputBytes)
	stderr := newCappedBuffer(snap.MaxOutputBytes)
	proc.Stdout = stdout
	proc.Stderr = stderr

	setProcessGroup(proc)
	// At the deadline the whole group must die, not just the interpreter:
	// an orphaned child would otherwise hold the output pipes and block
	// Wait for its full lifetime.
	proc.Cancel = func() error { return killProcessGroup(proc) }
	proc.WaitDelay = 5 * time.Second

	run := &running{cmd: proc, cancel: cancel}
	e.mu.Lock()
	e.running[cmd.ID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, cmd.ID)
		e.mu.Unlock()
	}()

	e.log.Info().Str("commandId", cmd.ID).Str("interpreter", interp.String()).Dur("timeout", timeout).Msg("executing script")

	if err := proc.Start(); err != nil {
		result.Error = fmt.Sprintf("start %s: %v", interp, err)
		result.ExitCode = -1
		result.FinishedAt = time.Now().UTC()
		return result
	}

	applyLimits(proc, snap.MaxCPUSeconds, snap.MaxMemoryMB, e.log)

	waitErr := proc.Wait()
	// Children may outlive the interpreter; sweep the whole group.
	if killErr := killProcessGroup(proc); killErr != nil {
		e.log.Debug().Err(killErr).Str("commandId", cmd.ID).Msg("process group sweep")
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.FinishedAt = time.Now().UTC()

	e.mu.Lock()
	wasCancelled := run.cancelled
	e.mu.Unlock()

	switch {
	case wasCancelled:
		result.Status = network.StatusCancelled
		result.Reason = network.TermKilled
		result.ExitCode = -1
		e.log.Info().Str("commandId", cmd.ID).Msg("execution cancelled")
	case runCtx.Err() == context.DeadlineExceeded:
		result.Status = network.StatusFailed
		result.Reason = network.TermTimeout
		result.ExitCode = -1
		result.Error = fmt.Sprintf("execution timed out after %s", timeout)
		e.log.Warn().Str("commandId", cmd.ID).Dur("timeout", timeout).Msg("execution timed out")
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.Status = network.StatusFailed
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Status = network.StatusFailed
			result.ExitCode = -1
			result.Error = waitErr.Error()
		}
	default:
		result.Status = network.StatusCompleted
		result.ExitCode = 0
	}

	e.log.Info().Str("commandId", cmd.ID).Int("exitCode", result.ExitCode).Str("status", string(result.Status)).Msg("execution finished")
	return result
}

// Cancel terminates a running execution. The result surfaces through the
// normal Execute return path with status cancelled.
func (e *Executor) Cancel(commandID string) error {
	e.mu.Lock()
	run, ok := e.running[commandID]
	if ok {
		run.cancelled = true
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("command %s is not running", commandID)
	}

	e.log.Info().Str("commandId", commandID).Msg("cancelling execution")
	run.cancel()
	if err := killProcessGroup(run.cmd); err != nil {
		e.log.Warn().Err(err).Str("commandId", commandID).Msg("failed to kill process group")
	}
	return nil
}

// RunningCount reports in-flight executions, used by diagnostics.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// workDir prepares the execution working directory. Default is a fresh
// per-command directory so concurrent executions are isolated from one
// another; shared_work_dir opts into a common directory.
func (e *Executor) workDir(snap *config.Snapshot, commandID, override string) (string, func(), error) {
	base := snap.WorkDir
	if base == "" {
		base = filepath.Join(os.TempDir(), "fleetguard-exec")
	}
	if override != "" {
		base = override
	}

	if snap.SharedWorkDir || override != "" {
		if err := os.MkdirAll(base, 0o700); err != nil {
			return "", nil, err
		}
		return base, func() {}, nil
	}

	dir := filepath.Join(base, commandID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func buildEnv(commandID string, extra map[string]string) []string {
	env := os.Environ()
	env = append(env, "FLEETGUARD_COMMAND_ID="+commandID)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
