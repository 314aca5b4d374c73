//go:build windows

package spawnclient

import "os/exec"

// setNewSession is a no-op on Windows, which has no POSIX session concept;
// the TCP loopback fallback in Connect is this platform's equivalent of
// §4.K's AF_UNIX-less path.
func setNewSession(cmd *exec.Cmd) {}
