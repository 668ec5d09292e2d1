//go:build windows

package executor

import (
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
)

// setProcessGroup creates the child in a new process group so it can be
// terminated as a unit.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killProcessGroup terminates the child process tree.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// applyLimits is best-effort and unsupported on Windows; the wall-clock
// timeout remains the enforced ceiling.
func applyLimits(cmd *exec.Cmd, cpuSeconds, memMB int, log zerolog.Logger) {
	if cpuSeconds > 0 || memMB > 0 {
		log.Debug().Msg("resource ceilings not supported on this platform")
	}
}
