package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aixterm/aixterm/pkg/logger"
)

// Client is a running tool-server process's JSON-RPC stdio transport,
// grounded on the teacher's StdioClient: one mutex-guarded writer, one
// background reader goroutine demultiplexing by presence of an "id", and a
// pending-request map keyed by request ID. Unlike the teacher, envelopes
// with no "id" are not dropped: they are routed to progress subscribers.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
	nextID  uint64

	mu          sync.Mutex
	pending     map[uint64]chan rpcEnvelope
	subscribers map[string]func(ProgressEvent)

	initialized atomic.Bool
	done        chan struct{}
	closeOnce   sync.Once
}

// Spawn launches argv[0] with argv[1:] as arguments and env as the merged
// environment, wiring stdin/stdout for JSON-RPC framing and draining
// stderr into the logger.
func Spawn(ctx context.Context, argv []string, env map[string]string) (*Client, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("mcp: empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = buildProcessEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start process: %w", err)
	}

	c := &Client{
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		pending:     make(map[uint64]chan rpcEnvelope),
		subscribers: make(map[string]func(ProgressEvent)),
		done:        make(chan struct{}),
	}

	go c.readLoop()
	go c.drainStderr()

	return c, nil
}

func buildProcessEnv(extra map[string]string) []string {
	merged := os.Environ()
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// Initialize performs the once-per-lifetime handshake: it sends
// "initialize" and awaits a response within timeout, then sends the
// "notifications/initialized" notification.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result json.RawMessage
	if err := c.call(ctx, methodInitialize, defaultInitializeParams(), &result); err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}

	if err := c.notify(methodInitialized, nil); err != nil {
		return fmt.Errorf("mcp: notifications/initialized: %w", err)
	}

	c.initialized.Store(true)
	return nil
}

// Initialized reports whether the handshake has completed successfully.
func (c *Client) Initialized() bool {
	return c.initialized.Load()
}

// ListTools calls tools/list with the given brief flag and returns the
// decoded catalog.
func (c *Client) ListTools(ctx context.Context, timeout time.Duration, brief bool) ([]ToolDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result toolsListResult
	params := map[string]any{}
	if brief {
		params["brief"] = true
	}
	if err := c.call(ctx, methodToolsList, params, &result); err != nil {
		return nil, fmt.Errorf("mcp: tools/list: %w", err)
	}

	descs := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		descs = append(descs, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return descs, nil
}

// CallTool invokes tools/call with name and arguments. If progressToken is
// non-empty it is injected into the arguments object as "_progress_token"
// and onProgress is registered as the subscriber for that token; the
// subscription is unregistered after the call returns (with a short grace
// period to absorb trailing notifications, handled by the caller/Supervisor).
func (c *Client) CallTool(ctx context.Context, timeout time.Duration, name string, arguments map[string]any, progressToken string, onProgress func(ProgressEvent)) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if progressToken != "" {
		if arguments == nil {
			arguments = map[string]any{}
		}
		arguments["_progress_token"] = progressToken
		c.subscribe(progressToken, onProgress)
	}

	var result json.RawMessage
	err := c.call(ctx, methodToolsCall, toolsCallParams{Name: name, Arguments: arguments}, &result)
	return result, err
}

func (c *Client) subscribe(token string, cb func(ProgressEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[token] = cb
}

// Unsubscribe removes token's progress subscriber, if any.
func (c *Client) Unsubscribe(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, token)
}

// call sends a request and blocks for its matching response or ctx's
// expiry, decoding result into out (if non-nil).
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddUint64(&c.nextID, 1)

	ch := make(chan rpcEnvelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeMessage(req); err != nil {
		return err
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return env.Error
		}
		if out != nil && len(env.Result) > 0 {
			return json.Unmarshal(env.Result, out)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("mcp: client closed while awaiting %s", method)
	}
}

func (c *Client) notify(method string, params any) error {
	return c.writeMessage(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mcp: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: write: %w", err)
	}
	return nil
}

// readLoop demultiplexes decoded lines by presence of an id: responses
// satisfy a pending call; notifications (no id) matching
// "notifications/progress" are routed to the matching subscriber.
func (c *Client) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			logger.WarnCF("mcp", "failed to decode line from tool server", map[string]any{
				"error": err.Error(),
			})
			continue
		}

		if env.ID != nil {
			c.dispatchResponse(env)
			continue
		}

		c.dispatchNotification(env)
	}
}

func (c *Client) dispatchResponse(env rpcEnvelope) {
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- env:
	default:
	}
}

func (c *Client) dispatchNotification(env rpcEnvelope) {
	if env.Method != methodNotificationsProgress {
		return
	}

	var evt ProgressEvent
	if err := json.Unmarshal(env.Params, &evt); err != nil {
		return
	}

	c.mu.Lock()
	cb, ok := c.subscribers[evt.ProgressToken]
	c.mu.Unlock()
	if ok && cb != nil {
		cb(evt)
	}
}

func (c *Client) drainStderr() {
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		logger.DebugCF("mcp", "tool server stderr", map[string]any{"line": scanner.Text()})
	}
}

// Shutdown signals the process to exit, sending SIGTERM first and falling
// back to SIGKILL after timeout.
func (c *Client) Shutdown(timeout time.Duration) error {
	var shutdownErr error
	c.closeOnce.Do(func() {
		if c.cmd.Process == nil {
			return
		}

		_ = c.cmd.Process.Signal(syscall.SIGTERM)

		waitDone := make(chan error, 1)
		go func() { waitDone <- c.cmd.Wait() }()

		select {
		case err := <-waitDone:
			shutdownErr = err
		case <-time.After(timeout):
			_ = c.cmd.Process.Kill()
			<-waitDone
		}

		c.stdin.Close()
	})
	return shutdownErr
}

// PID returns the underlying process's PID, or 0 if it never started.
func (c *Client) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Exited reports whether the underlying process has exited.
func (c *Client) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
