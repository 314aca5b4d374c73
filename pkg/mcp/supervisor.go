package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aixterm/aixterm/pkg/logger"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	catalogTTL              = 60 * time.Second
	shutdownGrace           = 5 * time.Second
	progressDrainGrace      = 100 * time.Millisecond
)

// ServerSpec is the subset of a configured tool server the supervisor
// needs to start it.
type ServerSpec struct {
	Name           string
	Command        []string
	Args           []string
	Env            map[string]string
	TimeoutSeconds int
}

func (s ServerSpec) argv() []string {
	return append(append([]string{}, s.Command...), s.Args...)
}

func (s ServerSpec) timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return defaultHandshakeTimeout
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type serverState int

const (
	statePending serverState = iota
	stateStarting
	stateRunning
	stateStopped
	stateCrashed
)

type serverInstance struct {
	spec      ServerSpec
	client    *Client
	state     serverState
	startedAt time.Time

	catalogMu      sync.Mutex
	catalog        []ToolDescriptor
	catalogExpires time.Time
}

// Subscription tracks one in-flight progress registration.
type Subscription struct {
	Token        string
	Callback     func(ProgressEvent)
	RegisteredAt time.Time
	Timeout      time.Duration
}

// MCPError wraps a tool-server failure surfaced to the chat loop.
type MCPError struct {
	Server  string
	Message string
	Cause   error
}

func (e *MCPError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mcp: %s: %s: %v", e.Server, e.Message, e.Cause)
	}
	return fmt.Sprintf("mcp: %s: %s", e.Server, e.Message)
}

func (e *MCPError) Unwrap() error { return e.Cause }

// Supervisor starts, restarts, and stops configured tool servers; holds
// exactly one in-flight request per server; caches catalogs; and routes
// progress notifications to registered subscriptions. Structurally
// grounded on the teacher's guarded-map-plus-idle-reaper ServerInstance
// manager, generalized to errgroup-owned background tasks.
type Supervisor struct {
	mu      sync.RWMutex
	servers map[string]*serverInstance

	subMu sync.Mutex
	subs  map[string]*Subscription

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	limiter *rate.Limiter
}

// NewSupervisor returns a Supervisor with no servers started. It launches
// a background subscription sweeper under an errgroup so StopAll can wait
// for it to exit cleanly alongside any future background tasks.
func NewSupervisor(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)

	s := &Supervisor{
		servers: make(map[string]*serverInstance),
		subs:    make(map[string]*Subscription),
		group:   group,
		ctx:     gctx,
		cancel:  cancel,
	}

	group.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})

	return s
}

// SetRateLimit bounds CallTool to perMinute invocations per minute across
// all servers, with a burst of one call. perMinute <= 0 disables limiting.
func (s *Supervisor) SetRateLimit(perMinute int) {
	if perMinute <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
}

func (s *Supervisor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(catalogTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.subMu.Lock()
			s.sweepExpiredLocked()
			s.subMu.Unlock()
		}
	}
}

// Start launches and initializes spec's process, registering it under
// spec.Name.
func (s *Supervisor) Start(spec ServerSpec) error {
	client, err := Spawn(s.ctx, spec.argv(), spec.Env)
	if err != nil {
		return &MCPError{Server: spec.Name, Message: "spawn failed", Cause: err}
	}

	inst := &serverInstance{spec: spec, client: client, state: stateStarting, startedAt: time.Now()}

	s.mu.Lock()
	s.servers[spec.Name] = inst
	s.mu.Unlock()

	if err := client.Initialize(s.ctx, spec.timeout()); err != nil {
		s.mu.Lock()
		inst.state = stateCrashed
		s.mu.Unlock()
		return &MCPError{Server: spec.Name, Message: "handshake failed", Cause: err}
	}

	s.mu.Lock()
	inst.state = stateRunning
	s.mu.Unlock()

	logger.InfoCF("mcp", "tool server started", map[string]any{"server": spec.Name})
	return nil
}

// Stop shuts down server name: SIGTERM then SIGKILL after the shutdown
// grace period.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	inst, ok := s.servers[name]
	if ok {
		inst.state = stateStopped
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.client.Shutdown(shutdownGrace)
}

// StopAll shuts down every server and cancels the supervisor's background
// context.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	names := make([]string, 0, len(s.servers))
	for n := range s.servers {
		names = append(names, n)
	}
	s.mu.RUnlock()

	for _, n := range names {
		if err := s.Stop(n); err != nil {
			logger.WarnCF("mcp", "error stopping tool server", map[string]any{"server": n, "error": err.Error()})
		}
	}
	s.cancel()
	_ = s.group.Wait()
}

// ListTools returns the aggregate catalog across all running servers,
// using each server's 60-second catalog cache.
func (s *Supervisor) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	s.mu.RLock()
	insts := make([]*serverInstance, 0, len(s.servers))
	for _, inst := range s.servers {
		insts = append(insts, inst)
	}
	s.mu.RUnlock()

	var all []ToolDescriptor
	for _, inst := range insts {
		descs, err := s.catalogFor(ctx, inst)
		if err != nil {
			logger.WarnCF("mcp", "failed to list tools for server", map[string]any{
				"server": inst.spec.Name, "error": err.Error(),
			})
			continue
		}
		all = append(all, descs...)
	}
	return all, nil
}

func (s *Supervisor) catalogFor(ctx context.Context, inst *serverInstance) ([]ToolDescriptor, error) {
	inst.catalogMu.Lock()
	defer inst.catalogMu.Unlock()

	if time.Now().Before(inst.catalogExpires) {
		return inst.catalog, nil
	}

	descs, err := inst.client.ListTools(ctx, inst.spec.timeout(), false)
	if err != nil {
		return nil, err
	}
	for i := range descs {
		descs[i].Server = inst.spec.Name
	}

	inst.catalog = descs
	inst.catalogExpires = time.Now().Add(catalogTTL)
	return descs, nil
}

// CallTool invokes name on server, restarting the server once
// transparently if it was found stopped. progressCB, if non-nil, is
// registered under a freshly minted token injected into args.
func (s *Supervisor) CallTool(ctx context.Context, server string, name string, args map[string]any, progressCB func(ProgressEvent)) (json.RawMessage, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, &MCPError{Server: server, Message: "rate limit wait", Cause: err}
		}
	}

	inst, err := s.ensureRunning(server)
	if err != nil {
		return nil, err
	}

	var token string
	if progressCB != nil {
		token = uuid.NewString()
		s.register(token, progressCB, inst.spec.timeout())
		defer func() {
			s.unregisterAfterGrace(token)
			inst.client.Unsubscribe(token)
		}()
	}

	result, err := inst.client.CallTool(ctx, inst.spec.timeout(), name, args, token, progressCB)
	if err != nil {
		return nil, &MCPError{Server: server, Message: "tool call failed", Cause: err}
	}
	return result, nil
}

// ServerStatus is one tool server's entry in the service's "status"
// response.
type ServerStatus struct {
	Name      string
	Running   bool
	PID       int
	Uptime    time.Duration
	ToolCount int
}

// Status returns a point-in-time snapshot of every configured server,
// using each server's cached catalog (never forces a fresh tools/list).
func (s *Supervisor) Status() []ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServerStatus, 0, len(s.servers))
	for name, inst := range s.servers {
		running := inst.state == stateRunning && !inst.client.Exited()

		inst.catalogMu.Lock()
		toolCount := len(inst.catalog)
		inst.catalogMu.Unlock()

		uptime := time.Duration(0)
		if running {
			uptime = time.Since(inst.startedAt)
		}

		out = append(out, ServerStatus{
			Name:      name,
			Running:   running,
			PID:       inst.client.PID(),
			Uptime:    uptime,
			ToolCount: toolCount,
		})
	}
	return out
}

func (s *Supervisor) ensureRunning(name string) (*serverInstance, error) {
	s.mu.RLock()
	inst, ok := s.servers[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &MCPError{Server: name, Message: "not configured"}
	}

	s.mu.RLock()
	state := inst.state
	exited := inst.client.Exited()
	s.mu.RUnlock()

	if state == stateRunning && !exited {
		return inst, nil
	}

	if err := s.Start(inst.spec); err != nil {
		return nil, err
	}

	s.mu.RLock()
	inst = s.servers[name]
	s.mu.RUnlock()
	return inst, nil
}

func (s *Supervisor) register(token string, cb func(ProgressEvent), timeout time.Duration) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.sweepExpiredLocked()
	s.subs[token] = &Subscription{Token: token, Callback: cb, RegisteredAt: time.Now(), Timeout: timeout}
}

func (s *Supervisor) unregisterAfterGrace(token string) {
	time.Sleep(progressDrainGrace)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, token)
}

func (s *Supervisor) sweepExpiredLocked() {
	now := time.Now()
	for token, sub := range s.subs {
		if now.After(sub.RegisteredAt.Add(sub.Timeout)) {
			delete(s.subs, token)
		}
	}
}
