// Package service implements the long-lived local daemon: a
// Unix-domain-socket dispatcher that assembles context, drives the chat
// loop, reports status, and forwards plugin commands, with an idle-shutdown
// monitor that reaps itself when no request arrives in time.
package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aixterm/aixterm/pkg/chatloop"
	"github.com/aixterm/aixterm/pkg/cleanup"
	"github.com/aixterm/aixterm/pkg/config"
	"github.com/aixterm/aixterm/pkg/contextbuilder"
	"github.com/aixterm/aixterm/pkg/logger"
	"github.com/aixterm/aixterm/pkg/mcp"
	"github.com/aixterm/aixterm/pkg/plugin"
	"github.com/aixterm/aixterm/pkg/sessionlog"
	"github.com/aixterm/aixterm/pkg/tokenizer"
)

const (
	envIdleLimit   = "AIXTERM_TEST_IDLE_LIMIT"
	envIdleGrace   = "AIXTERM_TEST_IDLE_GRACE"
	defaultIdle    = 30 * time.Minute
	defaultGrace   = 10 * time.Second
	idleTickPeriod = 100 * time.Millisecond
	maxRequestLine = 16 * 1024 * 1024
)

// Request is one newline-terminated JSON request read from a client
// connection.
type Request struct {
	Type       string          `json:"type"`
	Query      string          `json:"query,omitempty"`
	Files      []string        `json:"files,omitempty"`
	Planning   bool            `json:"planning,omitempty"`
	Stream     bool            `json:"stream,omitempty"`
	Command    string          `json:"command,omitempty"`
	PluginCall string          `json:"plugin_command,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Service is the running daemon.
type Service struct {
	SocketPath string
	TTYDir     string

	Config       *config.Config
	Supervisor   *mcp.Supervisor
	ChatLoop     *chatloop.Loop
	ContextBuild *contextbuilder.Assembler
	SessionStore *sessionlog.Store
	Plugins      *plugin.Registry
	Cleanup      *cleanup.Stats

	startedAt time.Time
	idleLimit time.Duration
	idleGrace time.Duration

	mu          sync.Mutex
	lastRequest time.Time

	listener net.Listener
	shutdown context.CancelFunc
}

// New constructs a Service; call Serve to start accepting connections.
func New(socketPath, ttyDir string, cfg *config.Config, supervisor *mcp.Supervisor, loop *chatloop.Loop, builder *contextbuilder.Assembler, store *sessionlog.Store, plugins *plugin.Registry, cleanupStats *cleanup.Stats) *Service {
	return &Service{
		SocketPath:   socketPath,
		TTYDir:       ttyDir,
		Config:       cfg,
		Supervisor:   supervisor,
		ChatLoop:     loop,
		ContextBuild: builder,
		SessionStore: store,
		Plugins:      plugins,
		Cleanup:      cleanupStats,
		idleLimit:    readDurationEnv(envIdleLimit, defaultIdle),
		idleGrace:    readDurationEnv(envIdleGrace, defaultGrace),
	}
}

func readDurationEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil || seconds < 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

// Serve binds the socket and accepts connections sequentially until ctx is
// canceled or the idle monitor reaps the service. It removes a stale socket
// file left by a crashed prior instance before binding.
func (s *Service) Serve(ctx context.Context) error {
	if err := removeStaleSocket(s.SocketPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("service: listen on %s: %w", s.SocketPath, err)
	}
	s.listener = ln

	s.startedAt = time.Now()
	s.touch()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.shutdown = cancel

	go s.idleMonitor(ctx, cancel)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				_ = os.Remove(s.SocketPath)
				return nil
			}
			select {
			case <-ctx.Done():
				_ = os.Remove(s.SocketPath)
				return nil
			default:
				logger.WarnCF("service", "accept failed", map[string]any{"error": err.Error()})
				continue
			}
		}
		s.handleConn(ctx, conn)
	}
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("service: %s exists and is not a socket", path)
	}
	if _, err := net.Dial("unix", path); err == nil {
		return fmt.Errorf("service: another instance is already listening on %s", path)
	}
	return os.Remove(path)
}

func (s *Service) touch() {
	s.mu.Lock()
	s.lastRequest = time.Now()
	s.mu.Unlock()
}

func (s *Service) idleMonitor(ctx context.Context, shutdown context.CancelFunc) {
	ticker := time.NewTicker(idleTickPeriod)
	defer ticker.Stop()

	graceUntil := s.startedAt.Add(s.idleGrace)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(graceUntil) {
				continue
			}
			s.mu.Lock()
			idleFor := now.Sub(s.lastRequest)
			s.mu.Unlock()
			if idleFor >= s.idleLimit {
				logger.InfoCF("service", "idle limit reached, shutting down", map[string]any{"idle_for": idleFor.String()})
				shutdown()
				return
			}
		}
	}
}

// handleConn reads exactly one request, dispatches it, writes the
// response(s), and closes the connection — requests are handled to
// completion before the next Accept, per spec.md §4.J.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.touch()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
	if !scanner.Scan() {
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeFrame(conn, errorEnvelope("communication_error", "malformed request: "+err.Error()))
		return
	}

	switch req.Type {
	case "query":
		s.handleQuery(ctx, conn, req)
	case "status":
		writeFrame(conn, s.handleStatus())
	case "control":
		writeFrame(conn, s.handleControl(req))
	case "plugin":
		writeFrame(conn, s.handlePlugin(req))
	default:
		writeFrame(conn, errorEnvelope("not_connected", "unknown request type: "+req.Type))
	}
}

func writeFrame(conn net.Conn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = conn.Write(append(data, '\n'))
}

func errorEnvelope(code, message string) map[string]any {
	return map[string]any{
		"status": "error",
		"error":  map[string]any{"code": code, "message": message},
	}
}

func (s *Service) handleQuery(ctx context.Context, conn net.Conn, req Request) {
	s.Config.RLock()
	model := s.Config.Model
	systemPrompt := s.Config.SystemPromptNormal
	if req.Planning {
		systemPrompt = s.Config.SystemPromptPlanning
	}
	contextSize := s.Config.ContextSize
	responseBuffer := s.Config.ResponseBufferSize
	s.Config.RUnlock()

	var catalog []mcp.ToolDescriptor
	if s.Supervisor != nil {
		catalog, _ = s.Supervisor.ListTools(ctx)
	}

	systemTokens := tokenizer.Count(systemPrompt, model)
	toolTokens := tokenizer.CountTools(toTokenizerTools(catalog), model)

	assembled := ""
	if s.ContextBuild != nil {
		assembled = s.ContextBuild.Build(contextbuilder.Options{
			Query:              req.Query,
			FilePaths:          req.Files,
			PlanningMode:       req.Planning,
			Model:              model,
			ContextSize:        contextSize,
			ResponseBufferSize: responseBuffer,
			SystemPromptTokens: systemTokens,
			ToolCatalogTokens:  toolTokens,
		})
	}

	userContent := req.Query
	if assembled != "" {
		userContent = assembled + "\n\n" + req.Query
	}

	messages := []chatloop.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}

	var onDelta func(string)
	if req.Stream {
		onDelta = func(delta string) {
			writeFrame(conn, map[string]any{"status": "partial", "result": map[string]any{"content": delta}})
		}
	}

	final, err := s.ChatLoop.Run(ctx, model, messages, catalog, req.Stream, onDelta)
	if err != nil {
		writeFrame(conn, errorEnvelope("query_failed", err.Error()))
		return
	}

	writeFrame(conn, map[string]any{"status": "success", "result": map[string]any{"content": final}})
}

func (s *Service) handleStatus() map[string]any {
	var servers []map[string]any
	if s.Supervisor != nil {
		for _, st := range s.Supervisor.Status() {
			servers = append(servers, map[string]any{
				"name":       st.Name,
				"running":    st.Running,
				"pid":        st.PID,
				"uptime":     st.Uptime.String(),
				"tool_count": st.ToolCount,
			})
		}
	}

	resp := map[string]any{
		"running":      true,
		"uptime":       time.Since(s.startedAt).String(),
		"tool_servers": servers,
		"llm_api":      map[string]any{"reachable": true},
	}
	if s.Cleanup != nil {
		snap := s.Cleanup.Snapshot()
		resp["cleanup"] = map[string]any{
			"files_deleted": snap.FilesDeleted,
			"bytes_freed":   snap.BytesFreed,
			"last_sweep":    snap.LastSweep,
		}
	}
	return resp
}

func toTokenizerTools(tools []mcp.ToolDescriptor) []tokenizer.Tool {
	out := make([]tokenizer.Tool, len(tools))
	for i, t := range tools {
		out[i] = tokenizer.Tool{Name: t.Name, Description: t.Description, Parameters: string(t.Parameters)}
	}
	return out
}

func (s *Service) handleControl(req Request) map[string]any {
	switch req.Command {
	case "shutdown":
		go func() {
			time.Sleep(50 * time.Millisecond)
			if s.shutdown != nil {
				s.shutdown()
			}
		}()
		return map[string]any{"status": "success", "result": map[string]any{"shutting_down": true}}
	default:
		return errorEnvelope("unknown_command", "unknown control command: "+req.Command)
	}
}

func (s *Service) handlePlugin(req Request) map[string]any {
	if s.Plugins == nil {
		return errorEnvelope("plugin_unavailable", "no plugin registry configured")
	}
	params, err := plugin.DecodeParameters(req.Parameters)
	if err != nil {
		return errorEnvelope("communication_error", err.Error())
	}
	return s.Plugins.Dispatch(req.PluginCall, params)
}
