//go:build !windows && !linux

package executor

import (
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
)

// setProcessGroup runs the command in its own process group so children
// are terminated together with the interpreter.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// killProcessGroup kills the entire process group of the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}

// applyLimits is best-effort and unsupported here; the wall-clock timeout
// remains the enforced ceiling.
func applyLimits(cmd *exec.Cmd, cpuSeconds, memMB int, log zerolog.Logger) {
	if cpuSeconds > 0 || memMB > 0 {
		log.Debug().Msg("resource ceilings not supported on this platform")
	}
}
