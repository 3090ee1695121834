package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwick-labs/rolegate/internal/backoff"
)

const (
	// handshakeDeadline bounds how long the router waits for a backend's
	// initialize response before falling back to optimistic connect.
	handshakeDeadline = 10 * time.Second
	// requestDeadline bounds a single outbound request when the backend
	// config does not specify its own timeout.
	requestDeadline = 30 * time.Second
)


// Error sentinels for the taxonomy in the error-handling design.
var (
	ErrNotConnected    = fmt.Errorf("backend not connected")
	ErrNoRoute         = fmt.Errorf("no route for tool name")
	ErrHandshakeFailed = fmt.Errorf("handshake failed")
	ErrTimeout         = fmt.Errorf("request timed out")
	ErrShutdown        = fmt.Errorf("router shut down")
)

type pendingEntry struct {
	resolve chan *Response
	backend string
}

// backendEntry is the per-backend bookkeeping the Router owns.
type backendEntry struct {
	config    *ServerConfig
	transport *ChildTransport
	restartID atomic.Int64 // bumped on Deregister to cancel stale restarts
	attempts  atomic.Int64 // consecutive restart attempts, reset on a clean handshake
}

// Router is the Stdio Router (C2): a registry of named child transports,
// the handshake state machine, request/response correlation by id, and
// the aggregation/dispatch rules for list and call operations.
type Router struct {
	logger *slog.Logger

	// handshakeTimeout and restartPolicy default to handshakeDeadline and
	// backoff.DefaultPolicy; SetTimings overrides them from config.
	handshakeTimeout time.Duration
	restartPolicy    backoff.BackoffPolicy

	mu       sync.RWMutex
	backends map[string]*backendEntry

	pendingMu sync.Mutex
	pending   map[int64]*pendingEntry
	nextID    atomic.Int64

	stopped atomic.Bool
	stopCh  chan struct{}

	onNotification func(backend string, n *Notification)
}

// NewRouter creates an empty Router. onNotification, if non-nil, is
// invoked for every notification a connected backend sends (other than
// the handshake's own initialized, which the router consumes).
func NewRouter(onNotification func(backend string, n *Notification)) *Router {
	return &Router{
		logger:           slog.Default().With("component", "stdio_router"),
		handshakeTimeout: handshakeDeadline,
		restartPolicy:    backoff.DefaultPolicy(),
		backends:         make(map[string]*backendEntry),
		pending:          make(map[int64]*pendingEntry),
		stopCh:           make(chan struct{}),
		onNotification:   onNotification,
	}
}

// SetTimings overrides the handshake deadline and the initial restart
// delay. Zero values leave the corresponding default untouched. Call
// before the first Start.
func (r *Router) SetTimings(handshake, restartInitial time.Duration) {
	if handshake > 0 {
		r.handshakeTimeout = handshake
	}
	if restartInitial > 0 {
		r.restartPolicy.InitialMs = float64(restartInitial.Milliseconds())
	}
}

// Register adds a backend config without starting it. Re-registering an
// already-known backend with an unchanged config is a silent no-op, so
// a reload that re-reads the whole backends file doesn't disturb
// already-running backends; re-registering with a changed config fails,
// since changing a running backend's invocation recipe requires a
// restart the router won't perform implicitly.
func (r *Router) Register(cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, exists := r.backends[cfg.ID]; exists {
		if existing.config.Equal(cfg) {
			return nil
		}
		return fmt.Errorf("backend %s already registered with a different configuration", cfg.ID)
	}
	r.backends[cfg.ID] = &backendEntry{config: cfg}
	return nil
}

// IsRegistered reports whether name is a known backend id.
func (r *Router) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[name]
	return ok
}

// BackendNames returns all registered backend ids.
func (r *Router) BackendNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connected reports whether backend name has completed its handshake.
func (r *Router) Connected(name string) bool {
	r.mu.RLock()
	entry, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok || entry.transport == nil {
		return false
	}
	return entry.transport.Connected()
}

// ConnectedBackends returns the names of all currently connected backends.
func (r *Router) ConnectedBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, entry := range r.backends {
		if entry.transport != nil && entry.transport.Connected() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Start spawns the named backend and performs its handshake. It is safe
// to call again after the backend has exited (it spawns a fresh process).
func (r *Router) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.backends[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: backend %s is not registered", ErrNoRoute, name)
	}
	generation := entry.restartID.Load()
	r.mu.Unlock()

	return r.spawnAndHandshake(ctx, name, entry, generation)
}

func (r *Router) spawnAndHandshake(ctx context.Context, name string, entry *backendEntry, generation int64) error {
	if r.stopped.Load() {
		return ErrShutdown
	}

	transport := NewChildTransport(entry.config,
		func(raw json.RawMessage) { r.handleInbound(name, raw) },
		func() { r.scheduleRestart(name, entry, generation) },
	)

	r.mu.Lock()
	entry.transport = transport
	r.mu.Unlock()

	if err := transport.Start(ctx); err != nil {
		r.logger.Error("spawn failed", "backend", name, "error", err)
		return fmt.Errorf("spawn backend %s: %w", name, err)
	}

	return r.handshake(ctx, name, transport)
}

func (r *Router) scheduleRestart(name string, entry *backendEntry, generation int64) {
	attempt := int(entry.attempts.Add(1))
	delay := backoff.ComputeBackoff(r.restartPolicy, attempt)
	select {
	case <-r.stopCh:
		return
	case <-time.After(delay):
	}
	r.mu.RLock()
	current, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok || current != entry || entry.restartID.Load() != generation {
		return // deregistered or a newer generation already restarted
	}
	r.logger.Warn("restarting backend after exit", "backend", name, "attempt", attempt, "delay", delay)
	ctx := context.Background()
	if err := r.spawnAndHandshake(ctx, name, entry, generation); err != nil {
		r.logger.Error("restart failed", "backend", name, "error", err)
	}
}

// handshake sends the outbound initialize request and waits for a reply,
// falling back to optimistic connect if the process is alive but silent.
func (r *Router) handshake(ctx context.Context, name string, transport *ChildTransport) error {
	id := r.nextID.Add(1)
	req := &Request{JSONRPC: "2.0", ID: id, Method: "initialize"}
	params, _ := json.Marshal(InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "rolegate", Version: "1.0"},
	})
	req.Params = params

	ch := make(chan *Response, 1)
	r.pendingMu.Lock()
	r.pending[id] = &pendingEntry{resolve: ch, backend: name}
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
	}()

	if err := transport.Send(req); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%w: %s", ErrHandshakeFailed, resp.Error.Message)
		}
		transport.MarkConnected(true)
		_ = transport.Send(&Notification{JSONRPC: "2.0", Method: "initialized"})
		r.resetRestartAttempts(name)
		r.logger.Info("backend handshake complete", "backend", name)
		return nil
	case <-time.After(r.handshakeTimeout):
		if transport.Pid() != 0 {
			transport.MarkConnected(true)
			r.resetRestartAttempts(name)
			r.logger.Warn("handshake timed out but process is alive; connecting optimistically", "backend", name)
			return nil
		}
		return fmt.Errorf("%w: backend %s did not respond and is not running", ErrHandshakeFailed, name)
	case <-r.stopCh:
		return ErrShutdown
	}
}

// resetRestartAttempts clears a backend's restart-attempt counter once it
// reconnects cleanly, so a later crash starts the backoff from scratch
// instead of inheriting delay from an unrelated earlier outage.
func (r *Router) resetRestartAttempts(name string) {
	r.mu.RLock()
	entry, ok := r.backends[name]
	r.mu.RUnlock()
	if ok {
		entry.attempts.Store(0)
	}
}

// handleInbound dispatches one parsed JSON message from a backend: a
// response resolves a pending waiter, a notification is forwarded.
func (r *Router) handleInbound(backend string, raw json.RawMessage) {
	var probe struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		r.logger.Warn("dropping unparseable message", "backend", backend)
		return
	}

	if probe.ID != nil {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			r.logger.Warn("dropping malformed response", "backend", backend)
			return
		}
		id, ok := toID(resp.ID)
		if !ok {
			r.logger.Warn("unexpected response id type", "backend", backend)
			return
		}
		r.pendingMu.Lock()
		entry, ok := r.pending[id]
		if ok {
			delete(r.pending, id)
		}
		r.pendingMu.Unlock()
		if !ok {
			r.logger.Debug("dropping response for unknown or already-resolved id", "backend", backend, "id", id)
			return
		}
		select {
		case entry.resolve <- &resp:
		default:
		}
		return
	}

	if probe.Method != "" {
		var notif Notification
		if err := json.Unmarshal(raw, &notif); err != nil {
			return
		}
		if notif.Method == "initialized" {
			return
		}
		if r.onNotification != nil {
			r.onNotification(backend, &notif)
		}
	}
}

func toID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// call sends a request to backend and waits for its response, honoring
// the backend's configured timeout (or requestDeadline).
func (r *Router) call(ctx context.Context, backend string, method string, params any) (json.RawMessage, error) {
	r.mu.RLock()
	entry, ok := r.backends[backend]
	r.mu.RUnlock()
	if !ok || entry.transport == nil || !entry.transport.Connected() {
		return nil, fmt.Errorf("%w: backend %s", ErrNotConnected, backend)
	}

	id := r.nextID.Add(1)
	req := &Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	ch := make(chan *Response, 1)
	r.pendingMu.Lock()
	r.pending[id] = &pendingEntry{resolve: ch, backend: backend}
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
	}()

	if err := entry.transport.Send(req); err != nil {
		return nil, err
	}

	deadline := entry.config.Timeout
	if deadline == 0 {
		deadline = requestDeadline
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(deadline):
		return nil, fmt.Errorf("%w after %v", ErrTimeout, deadline)
	case <-r.stopCh:
		return nil, ErrShutdown
	}
}

// AggregatedTool is one entry in an aggregated tools/list response.
type AggregatedTool struct {
	Backend string
	Tool    ToolDescriptor
}

// ListTools fans out tools/list to every connected backend in parallel.
// Each backend's internal tool order is preserved; across backends the
// order is whatever ConnectedBackends returns.
func (r *Router) ListTools(ctx context.Context) []AggregatedTool {
	names := r.ConnectedBackends()
	type result struct {
		backend string
		tools   []ToolDescriptor
	}
	results := make(chan result, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(backend string) {
			defer wg.Done()
			raw, err := r.call(ctx, backend, "tools/list", nil)
			if err != nil {
				r.logger.Debug("tools/list failed for backend", "backend", backend, "error", err)
				results <- result{backend: backend}
				return
			}
			var parsed ListToolsResult
			if err := json.Unmarshal(raw, &parsed); err != nil {
				results <- result{backend: backend}
				return
			}
			results <- result{backend: backend, tools: parsed.Tools}
		}(name)
	}
	wg.Wait()
	close(results)

	byBackend := make(map[string][]ToolDescriptor, len(names))
	for res := range results {
		byBackend[res.backend] = res.tools
	}

	var out []AggregatedTool
	for _, name := range names {
		for _, tool := range byBackend[name] {
			out = append(out, AggregatedTool{Backend: name, Tool: tool})
		}
	}
	return out
}

// AggregatedResource is one entry in an aggregated resources/list response.
type AggregatedResource struct {
	Backend  string
	Resource ResourceDescriptor
}

// ListResources fans out resources/list and concatenates results.
func (r *Router) ListResources(ctx context.Context) []AggregatedResource {
	names := r.ConnectedBackends()
	type result struct {
		backend   string
		resources []ResourceDescriptor
	}
	results := make(chan result, len(names))
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(backend string) {
			defer wg.Done()
			raw, err := r.call(ctx, backend, "resources/list", nil)
			if err != nil {
				results <- result{backend: backend}
				return
			}
			var parsed ListResourcesResult
			if err := json.Unmarshal(raw, &parsed); err != nil {
				results <- result{backend: backend}
				return
			}
			results <- result{backend: backend, resources: parsed.Resources}
		}(name)
	}
	wg.Wait()
	close(results)

	byBackend := make(map[string][]ResourceDescriptor, len(names))
	for res := range results {
		byBackend[res.backend] = res.resources
	}
	var out []AggregatedResource
	for _, name := range names {
		for _, res := range byBackend[name] {
			out = append(out, AggregatedResource{Backend: name, Resource: res})
		}
	}
	return out
}

// CallTool dispatches a tools/call for a prefixed name (B__rest) to the
// owning backend, stripping the prefix before forwarding.
func (r *Router) CallTool(ctx context.Context, prefixedName string, arguments json.RawMessage) (*ToolCallResult, error) {
	backend, rest, ok := SplitPrefixed(prefixedName, r.IsRegistered)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, prefixedName)
	}
	if !r.Connected(backend) {
		return nil, fmt.Errorf("%w: backend %s", ErrNoRoute, backend)
	}
	raw, err := r.call(ctx, backend, "tools/call", CallToolParams{Name: rest, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &result, nil
}

// ReadResource dispatches a resources/read by URI; the URI scheme names
// the backend.
func (r *Router) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	backend, ok := schemeOf(uri)
	if !ok || !r.Connected(backend) {
		return nil, fmt.Errorf("%w: resource %s", ErrNoRoute, uri)
	}
	raw, err := r.call(ctx, backend, "resources/read", map[string]string{"uri": uri})
	if err != nil {
		return nil, err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode resource result: %w", err)
	}
	return &result, nil
}

func schemeOf(uri string) (string, bool) {
	for i, r := range uri {
		if r == ':' {
			return uri[:i], i > 0
		}
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return "", false
		}
	}
	return "", false
}

// RouteToBackend addresses one named backend directly, bypassing name
// prefixing. Used for prompts/get requests the façade annotates with a
// target backend.
func (r *Router) RouteToBackend(ctx context.Context, backend, method string, params any) (json.RawMessage, error) {
	return r.call(ctx, backend, method, params)
}

// Stop drains pending requests with Shutdown, terminates all children, and
// empties the registry.
func (r *Router) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	close(r.stopCh)

	r.pendingMu.Lock()
	for id := range r.pending {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()

	r.mu.Lock()
	entries := make([]*backendEntry, 0, len(r.backends))
	for _, e := range r.backends {
		entries = append(entries, e)
	}
	r.backends = make(map[string]*backendEntry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if e.transport == nil {
			continue
		}
		wg.Add(1)
		go func(t *ChildTransport) {
			defer wg.Done()
			t.Kill()
		}(e.transport)
	}
	wg.Wait()
}

// Deregister removes a backend and cancels any further restart attempts
// for it.
func (r *Router) Deregister(name string) {
	r.mu.Lock()
	entry, ok := r.backends[name]
	if ok {
		entry.restartID.Add(1)
		delete(r.backends, name)
	}
	r.mu.Unlock()
	if ok && entry.transport != nil {
		entry.transport.Kill()
	}
}
