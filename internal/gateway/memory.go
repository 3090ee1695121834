package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fenwick-labs/rolegate/internal/mcp"
	"github.com/fenwick-labs/rolegate/internal/rbac"
)

// memoryStore is a deliberately simple in-process, role-scoped
// key/value store backing the save_memory/recall_memory/list_memories
// gateway tools. It is not persisted across restarts and does not
// perform any embedding or retrieval. The role's memory grant decides
// both access and the storage scope: per-role, shared per team, or global.
type memoryStore struct {
	mu     sync.Mutex
	byRole map[string]map[string]string
	team   map[string]map[string]string
	global map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		byRole: make(map[string]map[string]string),
		team:   make(map[string]map[string]string),
		global: make(map[string]string),
	}
}

func teamKey(roles []string) string {
	sorted := append([]string{}, roles...)
	sort.Strings(sorted)
	key := ""
	for _, r := range sorted {
		key += r + ","
	}
	return key
}

func (c *Core) toolSaveMemory(_ context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var params struct{ Key, Value string }
	if err := json.Unmarshal(args, &params); err != nil || params.Key == "" {
		return mcp.TextResult("save_memory requires a non-empty key", true), nil
	}
	role := c.visibility.CurrentRole()
	grant := c.roles.EffectiveMemoryGrant(role)
	c.memory.mu.Lock()
	scope := c.memoryScopeLocked(grant, role)
	scope[params.Key] = params.Value
	c.memory.mu.Unlock()
	return mcp.TextResult(fmt.Sprintf("saved %q", params.Key), false), nil
}

func (c *Core) toolRecallMemory(_ context.Context, args json.RawMessage) (*mcp.ToolCallResult, error) {
	var params struct{ Key string }
	if err := json.Unmarshal(args, &params); err != nil || params.Key == "" {
		return mcp.TextResult("recall_memory requires a non-empty key", true), nil
	}
	role := c.visibility.CurrentRole()
	grant := c.roles.EffectiveMemoryGrant(role)
	c.memory.mu.Lock()
	scope := c.memoryScopeLocked(grant, role)
	value, ok := scope[params.Key]
	c.memory.mu.Unlock()
	if !ok {
		return mcp.TextResult(fmt.Sprintf("no memory saved under %q", params.Key), true), nil
	}
	return mcp.TextResult(value, false), nil
}

func (c *Core) toolListMemories(_ context.Context, _ json.RawMessage) (*mcp.ToolCallResult, error) {
	role := c.visibility.CurrentRole()
	grant := c.roles.EffectiveMemoryGrant(role)
	c.memory.mu.Lock()
	scope := c.memoryScopeLocked(grant, role)
	keys := make([]string, 0, len(scope))
	for k := range scope {
		keys = append(keys, k)
	}
	c.memory.mu.Unlock()
	sort.Strings(keys)
	payload, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	return mcp.TextResult(string(payload), false), nil
}

// memoryScopeLocked must be called with c.memory.mu held.
func (c *Core) memoryScopeLocked(grant rbac.MemoryGrant, role string) map[string]string {
	switch grant.Policy {
	case rbac.MemoryAll:
		// "all" shares one scope across every role.
		return c.memory.global
	case rbac.MemoryTeam:
		key := teamKey(grant.TeamRoles)
		if c.memory.team[key] == nil {
			c.memory.team[key] = make(map[string]string)
		}
		return c.memory.team[key]
	default:
		if c.memory.byRole[role] == nil {
			c.memory.byRole[role] = make(map[string]string)
		}
		return c.memory.byRole[role]
	}
}
