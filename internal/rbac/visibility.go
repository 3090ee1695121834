package rbac

import (
	"fmt"
	"sort"
	"sync"
)

// RouterSourceBackend marks gateway-level (locally handled) tool entries,
// which keep their own bare name instead of a `backend__tool` prefix.
const RouterSourceBackend = "router"

// Diff is the set of prefixed names added and removed across a
// visibility rebuild.
type Diff struct {
	Added   []string
	Removed []string
}

func (d Diff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// Visibility is the Tool Visibility Engine (C4): given the full
// discovered tool set plus the active role and skills, it computes the
// currently visible subset and reports diffs across transitions.
type Visibility struct {
	store *Store

	mu           sync.RWMutex
	routerSource string
	allTools     map[string]ToolEntry
	visibleTools map[string]ToolEntry
	currentRole  string // "" means no role / unrestricted
	activeSkills []string
}

// NewVisibility creates a Visibility engine backed by store.
func NewVisibility(store *Store) *Visibility {
	return &Visibility{
		store:        store,
		routerSource: RouterSourceBackend,
		allTools:     make(map[string]ToolEntry),
		visibleTools: make(map[string]ToolEntry),
	}
}

// SetRouterSource replaces the source label that marks gateway-level
// entries, when the operator configures one other than the default.
func (v *Visibility) SetRouterSource(source string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if source != "" {
		v.routerSource = source
	}
}

// SetAllTools replaces the full discovered (plus gateway-level) tool set
// and rebuilds visibility under the current role/skills.
func (v *Visibility) SetAllTools(entries []ToolEntry) Diff {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allTools = make(map[string]ToolEntry, len(entries))
	for _, e := range entries {
		v.allTools[e.PrefixedName] = e
	}
	return v.rebuildLocked()
}

// SetCurrentRole switches the active role (or "" to clear it) and
// rebuilds visibility, returning the diff.
func (v *Visibility) SetCurrentRole(roleID string) Diff {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentRole = roleID
	return v.rebuildLocked()
}

// SetActiveSkills replaces the active-skill filter and rebuilds.
func (v *Visibility) SetActiveSkills(skills []string) Diff {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.activeSkills = append([]string{}, skills...)
	return v.rebuildLocked()
}

func (v *Visibility) rebuildLocked() Diff {
	prev := v.visibleTools
	next := make(map[string]ToolEntry, len(v.allTools))

	for name, entry := range v.allTools {
		entry.Visible, entry.Reason = v.evaluate(entry)
		v.allTools[name] = entry // keep denial reasons for CheckAccess messages
		if entry.Visible {
			next[name] = entry
		}
	}
	v.visibleTools = next

	var added, removed []string
	for name := range next {
		if _, ok := prev[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return Diff{Added: added, Removed: removed}
}

// evaluate runs the filtering pipeline for one entry, short-circuiting
// at the first denial: memory-tool rule, backend gate, role tool gate,
// then the active-skill gate.
func (v *Visibility) evaluate(entry ToolEntry) (visible bool, reason string) {
	unrestricted := v.currentRole == ""

	// Memory-tool rule: the three well-known names are gated purely by
	// the role's memory grant, independent of backend/role-tool gates.
	if IsMemoryTool(entry.Tool.Name) {
		grant := v.store.EffectiveMemoryGrant(v.currentRole)
		if grant.Policy == MemoryNone {
			return false, "memory_not_granted"
		}
		return true, "memory_granted:" + grant.Policy.String()
	}

	// 1. Backend gate.
	if !unrestricted && entry.SourceBackend != v.routerSource {
		if !v.store.IsBackendAllowed(v.currentRole, entry.SourceBackend) {
			return false, fmt.Sprintf("backend %q not allowed for role", entry.SourceBackend)
		}
	}

	// 2. Role tool gate.
	roleOK := unrestricted
	if !unrestricted {
		if !v.store.IsToolAllowed(v.currentRole, entry.PrefixedName) {
			return false, fmt.Sprintf("tool not permitted for role %q", v.currentRole)
		}
		roleOK = true
	}

	// 3. Skill gate (only when active-skill filtering is enabled).
	if len(v.activeSkills) > 0 {
		if !v.matchesActiveSkills(entry.PrefixedName) {
			return false, "not permitted by any active skill"
		}
		if roleOK {
			return true, "role_and_skill_permitted"
		}
		return true, "skill_permitted"
	}

	if roleOK {
		return true, "role_permitted"
	}
	return true, "unrestricted"
}

func (v *Visibility) matchesActiveSkills(prefixedName string) bool {
	for _, skillID := range v.activeSkills {
		for _, pattern := range v.store.SkillAllowedTools(skillID) {
			if pattern == "*" || matchPattern(pattern, prefixedName) {
				return true
			}
		}
	}
	return false
}

// CheckAccess fails with a role-descriptive message when name is not in
// the visible map.
func (v *Visibility) CheckAccess(prefixedName string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.visibleTools[prefixedName]; ok {
		return nil
	}
	if entry, ok := v.allTools[prefixedName]; ok {
		role := v.currentRole
		if role == "" {
			role = "(none)"
		}
		return fmt.Errorf("tool %q is not accessible for role '%s': %s", prefixedName, role, entry.Reason)
	}
	return fmt.Errorf("tool %q is not accessible for role '%s'", prefixedName, v.currentRole)
}

// VisibleTools returns a snapshot of the currently visible tool set.
func (v *Visibility) VisibleTools() []ToolEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]ToolEntry, 0, len(v.visibleTools))
	for _, e := range v.visibleTools {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrefixedName < out[j].PrefixedName })
	return out
}

// ToolEntry returns the visible entry for prefixedName, if any, so a
// caller can inspect its InputSchema before forwarding a call.
func (v *Visibility) ToolEntry(prefixedName string) (ToolEntry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.visibleTools[prefixedName]
	return e, ok
}

// CurrentRole returns the active role id ("" if none).
func (v *Visibility) CurrentRole() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currentRole
}
