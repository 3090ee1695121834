package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fenwick-labs/rolegate/internal/gwerrors"
	"github.com/fenwick-labs/rolegate/internal/mcp"
	"github.com/fenwick-labs/rolegate/internal/rbac"
)

// decodeSkillList decodes a list_skills tool result directly into
// rbac.SkillDefinition, the Role Store's own manifest-entry type, so no
// intermediate wire type has to be kept in sync with it.
func decodeSkillList(raw json.RawMessage) ([]rbac.SkillDefinition, error) {
	var wrapped struct {
		Skills []rbac.SkillDefinition `json:"skills"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Skills) > 0 {
		return wrapped.Skills, nil
	}
	var result struct {
		Content []mcp.ToolResultContent `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	for _, c := range result.Content {
		var direct []rbac.SkillDefinition
		if err := json.Unmarshal([]byte(c.Text), &direct); err == nil {
			return direct, nil
		}
		var inner struct {
			Skills []rbac.SkillDefinition `json:"skills"`
		}
		if err := json.Unmarshal([]byte(c.Text), &inner); err == nil {
			return inner.Skills, nil
		}
	}
	return nil, fmt.Errorf("list_skills result did not contain a recognizable skill list")
}

// ListTools returns the currently visible tool set, the value served to
// a client's tools/list request.
func (c *Core) ListTools() []mcp.ToolDescriptor {
	entries := c.visibility.VisibleTools()
	out := make([]mcp.ToolDescriptor, 0, len(entries))
	for _, e := range entries {
		t := e.Tool
		t.Name = e.PrefixedName
		out = append(out, t)
	}
	return out
}

// ListResources aggregates resources/list across connected backends,
// unfiltered: the visibility engine gates tools only.
func (c *Core) ListResources(ctx context.Context) []mcp.ResourceDescriptor {
	aggregated := c.router.ListResources(ctx)
	out := make([]mcp.ResourceDescriptor, 0, len(aggregated))
	for _, a := range aggregated {
		out = append(out, a.Resource)
	}
	return out
}

// CallTool dispatches a tools/call request. Every call, gateway-level
// tools included, is first checked against the Visibility Engine; a
// gateway-level tool is then handled locally, and everything else has its
// arguments validated against the tool's input schema and is routed to its
// owning backend.
func (c *Core) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	if err := c.visibility.CheckAccess(name); err != nil {
		c.metrics.ToolCallsDenied.Inc()
		return nil, gwerrors.New(gwerrors.KindNotVisible, err)
	}
	if handler, ok := c.gatewayToolHandler(name); ok {
		c.metrics.GatewayToolCalls.Inc()
		return handler(ctx, args)
	}
	if entry, ok := c.visibility.ToolEntry(name); ok {
		if err := c.schemas.validate(name, entry.Tool.InputSchema, args); err != nil {
			c.metrics.ToolCallsDenied.Inc()
			return nil, gwerrors.New(gwerrors.KindBackendError, err)
		}
	}
	c.metrics.BackendToolCalls.Inc()
	result, err := c.router.CallTool(ctx, name, args)
	if err != nil {
		return nil, classifyRouterError(err)
	}
	return result, nil
}

// ReadResource routes a resources/read request to its owning backend by
// URI scheme.
func (c *Core) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	result, err := c.router.ReadResource(ctx, uri)
	if err != nil {
		return nil, classifyRouterError(err)
	}
	return result, nil
}

// ListPrompts/GetPrompt delegate to a single backend named by
// targetBackend; prompts are direct-addressed passthrough, never
// aggregated or role-filtered.
func (c *Core) ListPrompts(ctx context.Context, targetBackend string) (*mcp.ListPromptsResult, error) {
	raw, err := c.router.RouteToBackend(ctx, targetBackend, "prompts/list", nil)
	if err != nil {
		return nil, classifyRouterError(err)
	}
	var result mcp.ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, gwerrors.New(gwerrors.KindBackendError, err)
	}
	return &result, nil
}

func (c *Core) GetPrompt(ctx context.Context, targetBackend, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	raw, err := c.router.RouteToBackend(ctx, targetBackend, "prompts/get", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, classifyRouterError(err)
	}
	var result mcp.GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, gwerrors.New(gwerrors.KindBackendError, err)
	}
	return &result, nil
}

func classifyRouterError(err error) error {
	switch {
	case errors.Is(err, mcp.ErrNoRoute), errors.Is(err, mcp.ErrNotConnected):
		return gwerrors.New(gwerrors.KindNoRoute, err)
	case errors.Is(err, mcp.ErrTimeout):
		return gwerrors.New(gwerrors.KindTimeout, err)
	case errors.Is(err, mcp.ErrHandshakeFailed):
		return gwerrors.New(gwerrors.KindHandshakeFailed, err)
	case errors.Is(err, mcp.ErrShutdown):
		return gwerrors.New(gwerrors.KindShutdown, err)
	default:
		return gwerrors.New(gwerrors.KindBackendError, err)
	}
}
