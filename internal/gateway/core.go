// Package gateway implements the Router Core (C5): the component that
// owns backend registration, role activation, and the central request
// dispatch, binding the Stdio Router (internal/mcp) to the Role Store
// and Tool Visibility Engine (internal/rbac).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-labs/rolegate/internal/config"
	"github.com/fenwick-labs/rolegate/internal/gwerrors"
	"github.com/fenwick-labs/rolegate/internal/mcp"
	"github.com/fenwick-labs/rolegate/internal/rbac"
)

// selfIdentifier is the gateway's own name. A backend entry whose name
// contains it is ignored, to prevent a misconfigured backends file from
// spawning the gateway as its own child.
const selfIdentifier = "rolegate"

// NotificationFunc delivers an outbound JSON-RPC notification to the
// client sitting on the other end of the Protocol Edge.
type NotificationFunc func(method string, params any)

// Core wires the Stdio Router, Role Store, and Visibility Engine into a
// single request-routing surface.
type Core struct {
	logger *slog.Logger
	cfg    *config.Config

	router     *mcp.Router
	roles      *rbac.Store
	visibility *rbac.Visibility
	metrics    *Metrics

	mu               sync.Mutex
	memory           *memoryStore
	notify           NotificationFunc
	started          bool
	schemas          *schemaCache
	sessionID        string
	roleSwitchCount  int64
	lastRoleSwitchAt time.Time
}

// RoleManifest is what SetRole returns: the active role's name, system
// instruction, and the tool/backend set it currently exposes.
type RoleManifest struct {
	Role              string           `json:"role"`
	SystemInstruction string           `json:"systemInstruction,omitempty"`
	AvailableTools    []string         `json:"availableTools"`
	AvailableBackends []string         `json:"availableBackends"`
	ActiveSkills      []string         `json:"activeSkills,omitempty"`
	HandoffID         string           `json:"handoffId,omitempty"`
	Metadata          ManifestMetadata `json:"metadata"`
}

// ManifestMetadata carries the session-level counters alongside a
// manifest so a client can correlate role switches across a session.
type ManifestMetadata struct {
	SessionID        string    `json:"sessionId"`
	RoleSwitchCount  int64     `json:"roleSwitchCount"`
	LastRoleSwitchAt time.Time `json:"lastRoleSwitchAt,omitzero"`
}

// New builds a Core from a loaded configuration. notify, if non-nil, is
// called whenever the visible tool set changes.
func New(cfg *config.Config, logger *slog.Logger, notify NotificationFunc) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	store := rbac.NewStore()
	store.SetGroups(cfg.Groups)
	c := &Core{
		logger:     logger,
		cfg:        cfg,
		roles:      store,
		visibility: rbac.NewVisibility(store),
		metrics:    NewMetrics(),
		memory:     newMemoryStore(),
		notify:     notify,
		schemas:    newSchemaCache(),
		sessionID:  uuid.NewString(),
	}
	c.visibility.SetRouterSource(cfg.GatewayToolPrefix)
	c.router = mcp.NewRouter(c.handleNotification)
	c.router.SetTimings(cfg.HandshakeTimeout, cfg.RestartInterval)
	return c
}

// gatewaySource is the source label gateway-level tool entries carry,
// the configured prefix or the built-in default.
func (c *Core) gatewaySource() string {
	if c.cfg.GatewayToolPrefix != "" {
		return c.cfg.GatewayToolPrefix
	}
	return rbac.RouterSourceBackend
}

// Metrics exposes the Core's Prometheus collectors for registration.
func (c *Core) Metrics() *Metrics { return c.metrics }

// RegisterBackendsFromFile loads a {mcpServers: ...} backends file and
// registers each entry with the Stdio Router. Call before Start.
func (c *Core) RegisterBackendsFromFile(path string) error {
	doc, err := config.LoadBackendsFile(path)
	if err != nil {
		return gwerrors.New(gwerrors.KindConfigError, err)
	}
	names := make([]string, 0, len(doc.MCPServers))
	for name := range doc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), selfIdentifier) {
			c.logger.Warn("ignoring backend entry that names the gateway itself", "backend", name)
			continue
		}
		spec := doc.MCPServers[name]
		err := c.router.Register(&mcp.ServerConfig{
			ID:        name,
			Command:   spec.Command,
			Args:      spec.Args,
			Env:       spec.Env,
			AutoStart: true,
			Timeout:   c.cfg.RequestTimeout,
		})
		if err != nil {
			return gwerrors.New(gwerrors.KindConfigError, fmt.Errorf("backend %q: %w", name, err))
		}
	}
	return nil
}

// LoadRoleOverrides loads an operator-supplied role-overrides file and
// applies it to the Role Store. Safe to call repeatedly (hot reload).
func (c *Core) LoadRoleOverrides(path string) error {
	doc, err := config.LoadRoleOverrides(path)
	if err != nil {
		return gwerrors.New(gwerrors.KindConfigError, err)
	}
	overrides := make([]rbac.RoleOverride, 0, len(doc.Roles))
	for _, r := range doc.Roles {
		overrides = append(overrides, rbac.RoleOverride{
			ID:                r.ID,
			Inherits:          r.Inherits,
			SystemInstruction: r.SystemInstruction,
		})
	}
	c.roles.SetOverrides(overrides)
	c.logger.Info("role overrides reloaded", "count", len(overrides))
	return c.refreshVisibility(context.Background())
}

// StartAll starts every registered backend and bootstraps the role
// manifest from the skills backend's list_skills tool, if configured.
func (c *Core) StartAll(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	for _, name := range c.router.BackendNames() {
		name := name
		go func() {
			if err := c.router.Start(ctx, name); err != nil {
				c.logger.Error("backend failed to start", "backend", name, "error", err)
				c.metrics.BackendStartFailures.Inc()
				return
			}
			c.metrics.BackendStarts.Inc()
		}()
	}

	// Give auto-started backends a moment to complete their handshake
	// before the first manifest bootstrap; later tool-list changes are
	// still picked up by the notification path.
	c.waitForSkillsBackend(ctx)
	if err := c.bootstrapRoles(ctx); err != nil {
		c.logger.Warn("bootstrapping roles from skills backend failed", "error", err)
	}
	return nil
}

// StartForRole starts only the skills backend (needed to bootstrap role
// definitions) plus the backends roleID's effective allowed-backend set
// names, instead of every registered backend. The role set isn't known
// until bootstrapRoles runs, so a second pass brings up any
// newly-eligible backend once the manifest is loaded. Spawn failures
// are logged and non-fatal: the role still activates, and calls routed
// to a missing backend fail with NoRoute.
func (c *Core) StartForRole(ctx context.Context, roleID string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	start := func(name string) {
		go func() {
			if err := c.router.Start(ctx, name); err != nil {
				c.logger.Error("backend failed to start", "backend", name, "error", err)
				c.metrics.BackendStartFailures.Inc()
				return
			}
			c.metrics.BackendStarts.Inc()
		}()
	}

	if c.cfg.SkillsBackend != "" && c.router.IsRegistered(c.cfg.SkillsBackend) {
		start(c.cfg.SkillsBackend)
	}
	c.waitForSkillsBackend(ctx)
	if err := c.bootstrapRoles(ctx); err != nil {
		c.logger.Warn("bootstrapping roles from skills backend failed", "error", err)
	}

	for _, name := range c.router.BackendNames() {
		if name == c.cfg.SkillsBackend || c.router.Connected(name) {
			continue
		}
		if !c.roles.IsBackendAllowed(roleID, name) {
			continue
		}
		start(name)
	}

	if _, err := c.SetRole(ctx, roleID); err != nil {
		return err
	}
	return nil
}

func (c *Core) waitForSkillsBackend(ctx context.Context) {
	if c.cfg.SkillsBackend == "" {
		return
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if c.router.Connected(c.cfg.SkillsBackend) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// bootstrapRoles calls the skills backend's list_skills tool and feeds
// the result to the Role Store. Non-fatal: a missing or failing skills
// backend leaves the gateway unrestricted.
func (c *Core) bootstrapRoles(ctx context.Context) error {
	if c.cfg.SkillsBackend == "" || !c.router.Connected(c.cfg.SkillsBackend) {
		return nil
	}
	result, err := c.router.RouteToBackend(ctx, c.cfg.SkillsBackend, "tools/call", mcp.CallToolParams{
		Name: "list_skills",
	})
	if err != nil {
		return err
	}
	skills, err := decodeSkillList(result)
	if err != nil {
		return fmt.Errorf("decoding list_skills result: %w", err)
	}
	if err := c.roles.LoadManifest(skills); err != nil {
		return err
	}
	if c.cfg.DefaultRole != "" {
		if _, err := c.SetRole(ctx, c.cfg.DefaultRole); err != nil {
			c.logger.Warn("default role activation failed", "role", c.cfg.DefaultRole, "error", err)
		}
	}
	return c.refreshVisibility(ctx)
}

// SetRole activates roleID, recomputes tool visibility, and returns the
// resulting manifest. Emits tools/list_changed when the visible set
// changes.
func (c *Core) SetRole(ctx context.Context, roleID string) (RoleManifest, error) {
	if roleID != "" {
		if _, ok := c.roles.GetRole(roleID); !ok {
			return RoleManifest{}, gwerrors.New(gwerrors.KindRoleNotFound, rbac.RoleNotFoundError(roleID))
		}
	}
	// Switch the role before re-aggregating so the gateway-level tool
	// descriptions built during the refresh reflect the new role's
	// memory grant, not the previous role's.
	diff := c.visibility.SetCurrentRole(roleID)
	if err := c.refreshVisibility(ctx); err != nil {
		return RoleManifest{}, err
	}
	c.emitDiff(diff)
	c.metrics.RoleSwitches.Inc()
	c.mu.Lock()
	c.roleSwitchCount++
	c.lastRoleSwitchAt = time.Now()
	c.mu.Unlock()
	return c.buildManifest(roleID), nil
}

// refreshVisibility re-aggregates tools/resources from every connected
// backend plus gateway-level tools and feeds them to the Visibility
// Engine.
func (c *Core) refreshVisibility(ctx context.Context) error {
	entries := make([]rbac.ToolEntry, 0, 32)
	for _, t := range c.router.ListTools(ctx) {
		entries = append(entries, rbac.ToolEntry{
			Tool:          t.Tool,
			SourceBackend: t.Backend,
			PrefixedName:  mcp.Prefixed(t.Backend, t.Tool.Name),
		})
	}
	for _, t := range c.gatewayTools(c.visibility.CurrentRole()) {
		entries = append(entries, rbac.ToolEntry{
			Tool:          t,
			SourceBackend: c.gatewaySource(),
			PrefixedName:  t.Name,
		})
	}
	diff := c.visibility.SetAllTools(entries)
	c.emitDiff(diff)
	c.metrics.VisibleTools.Set(float64(len(c.visibility.VisibleTools())))
	return nil
}

func (c *Core) emitDiff(diff rbac.Diff) {
	if diff.Empty() || c.notify == nil {
		return
	}
	c.notify("notifications/tools/list_changed", nil)
}

func (c *Core) buildManifest(roleID string) RoleManifest {
	tools := c.visibility.VisibleTools()
	names := make([]string, 0, len(tools))
	backends := map[string]bool{}
	for _, t := range tools {
		names = append(names, t.PrefixedName)
		if t.SourceBackend != c.gatewaySource() {
			backends[t.SourceBackend] = true
		}
	}
	sort.Strings(names)
	backendNames := make([]string, 0, len(backends))
	for b := range backends {
		backendNames = append(backendNames, b)
	}
	sort.Strings(backendNames)
	c.mu.Lock()
	meta := ManifestMetadata{
		SessionID:        c.sessionID,
		RoleSwitchCount:  c.roleSwitchCount,
		LastRoleSwitchAt: c.lastRoleSwitchAt,
	}
	c.mu.Unlock()
	return RoleManifest{
		Role:              roleID,
		SystemInstruction: c.roles.SystemInstructionFor(roleID),
		AvailableTools:    names,
		AvailableBackends: backendNames,
		ActiveSkills:      c.roles.EffectiveSkills(roleID),
		Metadata:          meta,
	}
}

// Reload re-reads the backends file and role overrides file, registering
// any newly added backends without restarting the gateway or disturbing
// already running ones, then refreshes visibility. Used by both the
// reload_backends gateway tool and the fsnotify-driven watch loop.
func (c *Core) Reload(ctx context.Context) error {
	if c.cfg.BackendsFile != "" {
		if err := c.RegisterBackendsFromFile(c.cfg.BackendsFile); err != nil {
			return err
		}
		for _, name := range c.router.BackendNames() {
			if c.router.Connected(name) {
				continue
			}
			name := name
			go func() {
				if err := c.router.Start(ctx, name); err != nil {
					c.logger.Error("backend failed to start on reload", "backend", name, "error", err)
				}
			}()
		}
	}
	if c.cfg.RoleOverridesFile != "" {
		if err := c.LoadRoleOverrides(c.cfg.RoleOverridesFile); err != nil {
			return err
		}
	}
	return c.refreshVisibility(ctx)
}

func (c *Core) handleNotification(backend string, n *mcp.Notification) {
	if n.Method == "notifications/tools/list_changed" {
		if err := c.refreshVisibility(context.Background()); err != nil {
			c.logger.Warn("visibility refresh after backend tool change failed", "backend", backend, "error", err)
		}
		return
	}
	if c.notify != nil {
		c.notify(n.Method, n.Params)
	}
}

// Stop shuts down every backend.
func (c *Core) Stop() {
	c.router.Stop()
}

// Router exposes the underlying Stdio Router for the Protocol Edge's
// direct-addressing needs (e.g. prompts/get).
func (c *Core) Router() *mcp.Router { return c.router }

// Visibility exposes the Tool Visibility Engine for read-only queries.
func (c *Core) Visibility() *rbac.Visibility { return c.visibility }

// Roles exposes the Role Store for read-only queries.
func (c *Core) Roles() *rbac.Store { return c.roles }
