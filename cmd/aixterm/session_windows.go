//go:build windows

package main

import "os/exec"

// setNewSession is a no-op on Windows; see spawnclient's equivalent.
func setNewSession(cmd *exec.Cmd) {}
