//go:build !windows

package spawnclient

import (
	"os/exec"
	"syscall"
)

// setNewSession detaches the spawned service from the current controlling
// terminal and process group, per spec.md §4.K ("starts a new session").
func setNewSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
