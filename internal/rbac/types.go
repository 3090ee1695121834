// Package rbac implements the Role Store (C3) and Tool Visibility Engine
// (C4): role definitions derived from skill manifests, their inheritance
// chains, and the pipeline that computes which tools a given role and
// active-skill set may see.
package rbac

import "github.com/fenwick-labs/rolegate/internal/mcp"

// MemoryPolicy orders the privilege a role's memory grant carries.
// none < isolated < team < all.
type MemoryPolicy int

const (
	MemoryNone MemoryPolicy = iota
	MemoryIsolated
	MemoryTeam
	MemoryAll
)

func (p MemoryPolicy) String() string {
	switch p {
	case MemoryIsolated:
		return "isolated"
	case MemoryTeam:
		return "team"
	case MemoryAll:
		return "all"
	default:
		return "none"
	}
}

// ParseMemoryPolicy parses the manifest-facing string form.
func ParseMemoryPolicy(s string) MemoryPolicy {
	switch s {
	case "isolated":
		return MemoryIsolated
	case "team":
		return MemoryTeam
	case "all":
		return MemoryAll
	default:
		return MemoryNone
	}
}

// MemoryGrant is the memory privilege accumulated for a role.
type MemoryGrant struct {
	Policy    MemoryPolicy
	TeamRoles []string
}

// merge keeps the higher of two privileges, unioning TeamRoles only when
// both sides are MemoryTeam.
func (g MemoryGrant) merge(other MemoryGrant) MemoryGrant {
	if other.Policy > g.Policy {
		return other
	}
	if other.Policy == g.Policy && g.Policy == MemoryTeam {
		g.TeamRoles = unionStrings(g.TeamRoles, other.TeamRoles)
	}
	return g
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ToolPermissions is one level (role or parent) of allow/deny rules.
type ToolPermissions struct {
	Allow         []string
	Deny          []string
	AllowPatterns []string
	DenyPatterns  []string
}

// Role is a named access profile. Universal=true represents the "*"
// wildcard; AllowedBackends is then not consulted.
type Role struct {
	ID                string
	Name              string
	Description       string
	Inherits          string
	Universal         bool
	AllowedBackends   map[string]bool
	ToolPermissions   ToolPermissions
	SystemInstruction string
	MemoryGrant       MemoryGrant
	Skills            []string
	Active            bool
}

// SkillDefinition is the primary input to role derivation, consumed from
// a skill manifest (typically the result of a list_skills call to the
// skills backend).
type SkillDefinition struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName"`
	Description  string   `json:"description"`
	AllowedRoles []string `json:"allowedRoles"`
	AllowedTools []string `json:"allowedTools"`
	Grants       *Grants  `json:"grants,omitempty"`
}

// Grants is a skill's optional memory grant.
type Grants struct {
	Memory    string   `json:"memory"`
	TeamRoles []string `json:"teamRoles,omitempty"`
}

// ToolEntry is one discovered (or gateway-level) tool, uniquely keyed by
// PrefixedName.
type ToolEntry struct {
	Tool          mcp.ToolDescriptor
	SourceBackend string
	PrefixedName  string
	Visible       bool
	Reason        string
}

// Well-known memory tool names, exposed only when a role carries a
// non-none memory grant.
const (
	ToolSaveMemory   = "save_memory"
	ToolRecallMemory = "recall_memory"
	ToolListMemories = "list_memories"
)

// IsMemoryTool reports whether name (unprefixed) is one of the three
// well-known memory tool names.
func IsMemoryTool(name string) bool {
	return name == ToolSaveMemory || name == ToolRecallMemory || name == ToolListMemories
}
