package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fenwick-labs/rolegate/internal/mcp"
	"github.com/fenwick-labs/rolegate/internal/rbac"
)

type gatewayToolFunc func(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error)

// gatewayTools returns the descriptors of every tool the Router Core
// handles itself, advertised under the gateway's own source label so
// they bypass the backend gate. A gateway-level tool is only advertised
// at all when some loaded skill explicitly names it in allowedTools; a
// bare "*" does not count, so an empty role store (no skill manifest
// loaded yet) advertises none of them.
func (c *Core) gatewayTools(roleID string) []mcp.ToolDescriptor {
	candidates := []mcp.ToolDescriptor{
		{
			Name:        "list_roles",
			Description: "List every role the gateway knows about and which one is currently active.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "get_context",
			Description: "Return the active role's manifest: system instruction, visible tools, and reachable backends.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name: "spawn_sub_agent",
			Description: "Delegate a task to another role by switching the active role and returning its manifest. " +
				"Use this when a task needs tools or backends outside the current role's grant.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"role":{"type":"string","description":"target role id"},"reason":{"type":"string","description":"why the handoff is needed"}},"required":["role","reason"]}`),
		},
		{
			Name:        "reload_backends",
			Description: "Re-read the backends file and role overrides file, registering any newly added backends without restarting the gateway.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}
	tools := make([]mcp.ToolDescriptor, 0, len(candidates))
	for _, t := range candidates {
		if c.roles.IsToolDefinedInAnySkill(t.Name) {
			tools = append(tools, t)
		}
	}
	// Memory tools are always declared; the Visibility Engine's
	// memory-tool rule gates them purely on the active role's grant.
	// Their descriptions are parameterized by that grant's policy,
	// including an all_roles note when the policy is "all".
	grant := c.roles.EffectiveMemoryGrant(roleID)
	scopeNote := memoryScopeNote(grant)
	tools = append(tools,
		mcp.ToolDescriptor{
			Name:        rbac.ToolSaveMemory,
			Description: fmt.Sprintf("Save a note for later recall. %s", scopeNote),
			InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`),
		},
		mcp.ToolDescriptor{
			Name:        rbac.ToolRecallMemory,
			Description: fmt.Sprintf("Recall a previously saved note by key. %s", scopeNote),
			InputSchema: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
		},
		mcp.ToolDescriptor{
			Name:        rbac.ToolListMemories,
			Description: fmt.Sprintf("List every key saved in the currently accessible memory scope. %s", scopeNote),
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		},
	)
	return tools
}

// memoryScopeNote renders a human-readable note describing which memory
// scope a grant resolves to, flagging the cross-role case explicitly
// since it is easy to mistake for per-role isolation otherwise.
func memoryScopeNote(grant rbac.MemoryGrant) string {
	switch grant.Policy {
	case rbac.MemoryAll:
		return "Scope: shared across every role (all_roles=true)."
	case rbac.MemoryTeam:
		return fmt.Sprintf("Scope: shared with roles %v.", grant.TeamRoles)
	case rbac.MemoryIsolated:
		return "Scope: isolated to this role only."
	default:
		return "Scope: unavailable (no memory grant)."
	}
}

func (c *Core) gatewayToolHandler(name string) (gatewayToolFunc, bool) {
	switch name {
	case "list_roles":
		return c.toolListRoles, true
	case "get_context":
		return c.toolGetContext, true
	case "spawn_sub_agent":
		return c.toolSpawnSubAgent, true
	case "reload_backends":
		return c.toolReloadBackends, true
	case rbac.ToolSaveMemory:
		return c.toolSaveMemory, true
	case rbac.ToolRecallMemory:
		return c.toolRecallMemory, true
	case rbac.ToolListMemories:
		return c.toolListMemories, true
	default:
		return nil, false
	}
}

func (c *Core) toolListRoles(_ context.Context, _ json.RawMessage) (*mcp.ToolCallResult, error) {
	current := c.visibility.CurrentRole()
	roles := c.roles.RolesList(current)
	payload, err := json.Marshal(roles)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(string(payload), false), nil
}

func (c *Core) toolGetContext(_ context.Context, _ json.RawMessage) (*mcp.ToolCallResult, error) {
	manifest := c.buildManifest(c.visibility.CurrentRole())
	payload, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(string(payload), false), nil
}

func (c *Core) toolSpawnSubAgent(ctx context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var params struct {
		Role   string `json:"role"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcp.TextResult(fmt.Sprintf("invalid arguments: %v", err), true), nil
	}
	manifest, err := c.SetRole(ctx, params.Role)
	if err != nil {
		return mcp.TextResult(fmt.Sprintf("could not hand off to role %q: %v", params.Role, err), true), nil
	}
	manifest.HandoffID = uuid.NewString()
	c.logger.Info("sub-agent handoff", "role", params.Role, "reason", params.Reason, "handoff_id", manifest.HandoffID)
	payload, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(string(payload), false), nil
}

func (c *Core) toolReloadBackends(ctx context.Context, _ json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := c.Reload(ctx); err != nil {
		return mcp.TextResult(fmt.Sprintf("reload failed: %v", err), true), nil
	}
	return mcp.TextResult("backends reloaded", false), nil
}
