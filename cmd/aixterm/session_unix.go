//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// setNewSession detaches the forked service from the CLI's controlling
// terminal and process group, matching spawnclient's own fork logic.
func setNewSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
