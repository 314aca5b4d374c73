package service

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixterm/aixterm/pkg/chatloop"
	"github.com/aixterm/aixterm/pkg/config"
	"github.com/aixterm/aixterm/pkg/llmclient"
	"github.com/aixterm/aixterm/pkg/mcp"
	"github.com/aixterm/aixterm/pkg/plugin"
)

type fakeChat struct{ content string }

func (f *fakeChat) Chat(ctx context.Context, model string, messages []llmclient.Message, tools []llmclient.ToolDefinition) (llmclient.Response, error) {
	return llmclient.Response{Content: f.content}, nil
}
func (f *fakeChat) ChatStream(ctx context.Context, model string, messages []llmclient.Message, tools []llmclient.ToolDefinition, onDelta llmclient.StreamCallback) (llmclient.Response, error) {
	if onDelta != nil {
		onDelta(f.content)
	}
	return llmclient.Response{Content: f.content}, nil
}

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "server.sock")

	cfg := config.DefaultConfig()
	loop := chatloop.New(&fakeChat{content: "hello from loop"}, fakeToolExecutor{}, cfg)

	svc := New(sockPath, filepath.Join(dir, "tty"), cfg, nil, loop, nil, nil, plugin.NewRegistry(), nil)
	return svc, sockPath
}

type fakeToolExecutor struct{}

func (fakeToolExecutor) CallTool(ctx context.Context, server, name string, args map[string]any, cb func(mcp.ProgressEvent)) (json.RawMessage, error) {
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
}

func sendRequest(t *testing.T, sockPath string, req map[string]any) map[string]any {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestServiceHandlesQueryRequest(t *testing.T) {
	svc, sockPath := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Serve(ctx)
	waitForSocket(t, sockPath)

	resp := sendRequest(t, sockPath, map[string]any{"type": "query", "query": "hi"})
	assert.Equal(t, "success", resp["status"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, "hello from loop", result["content"])
}

func TestServiceHandlesStatusRequest(t *testing.T) {
	svc, sockPath := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Serve(ctx)
	waitForSocket(t, sockPath)

	resp := sendRequest(t, sockPath, map[string]any{"type": "status"})
	assert.Equal(t, true, resp["running"])
}

func TestServiceHandlesUnknownRequestType(t *testing.T) {
	svc, sockPath := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Serve(ctx)
	waitForSocket(t, sockPath)

	resp := sendRequest(t, sockPath, map[string]any{"type": "bogus"})
	assert.Equal(t, "error", resp["status"])
}

func TestServiceHandlesPluginRequest(t *testing.T) {
	svc, sockPath := newTestService(t)
	svc.Plugins.Register("greeter", "hello", func(params map[string]any) (map[string]any, error) {
		return map[string]any{"message": "hi"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Serve(ctx)
	waitForSocket(t, sockPath)

	resp := sendRequest(t, sockPath, map[string]any{"type": "plugin", "plugin_command": "greeter:hello"})
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "hi", resp["message"])
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestServiceIdleShutdown(t *testing.T) {
	t.Setenv(envIdleLimit, "1")
	t.Setenv(envIdleGrace, "0")

	svc, sockPath := newTestService(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	waitForSocket(t, sockPath)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("service did not idle-shutdown in time")
	}
}
