package spawnclient

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsStaleSocketDetectsAbandonedFile(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "server.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	ln.Close() // leaves the file behind with nothing listening

	assert.True(t, isStaleSocket(sockPath))
}

func TestIsStaleSocketFalseForLiveListener(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "server.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	assert.False(t, isStaleSocket(sockPath))
}

func TestIsStaleSocketFalseForNonSocketFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	assert.False(t, isStaleSocket(path))
}

func TestTryBecomeSpawnerLoserSkipsWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "start.lock")

	f, err := os.OpenFile(lockPath, lockCreateFlags, 0o600)
	require.NoError(t, err)
	defer f.Close()
	defer os.Remove(lockPath)

	err = tryBecomeSpawner(Options{LockPath: lockPath, SocketPath: filepath.Join(dir, "server.sock")})
	assert.NoError(t, err) // loser returns nil, does not attempt to fork
}

func TestSendFramesRequestAndDecodesResponse(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "server.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		scanner.Scan()
		var req map[string]any
		json.Unmarshal(scanner.Bytes(), &req)
		resp := Envelope{Status: "success", Result: json.RawMessage(`{"echo":"` + req["type"].(string) + `"}`)}
		data, _ := json.Marshal(resp)
		conn.Write(append(data, '\n'))
	}()

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	env := Send(conn, map[string]any{"type": "status"})
	assert.Equal(t, "success", env.Status)
	assert.Contains(t, string(env.Result), "status")
}

func TestSendReturnsCommunicationErrorOnClosedConnection(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "server.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	require.NoError(t, err)
	ln.Close()

	env := Send(conn, map[string]any{"type": "status"})
	assert.Equal(t, "error", env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "communication_error", env.Error.Code)
}
