//go:build linux

package executor

import (
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// setProcessGroup runs the command in its own process group and arranges
// SIGKILL if the agent dies, so no command outlives its supervisor.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      0,
		Pdeathsig: syscall.SIGKILL,
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

// applyLimits sets CPU and address-space ceilings on the started child via
// prlimit. Zero values disable the corresponding ceiling.
func applyLimits(cmd *exec.Cmd, cpuSeconds, memMB int, log zerolog.Logger) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	if cpuSeconds > 0 {
		lim := unix.Rlimit{Cur: uint64(cpuSeconds), Max: uint64(cpuSeconds)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to set CPU limit")
		}
	}
	if memMB > 0 {
		bytes := uint64(memMB) * 1024 * 1024
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to set memory limit")
		}
	}
}
