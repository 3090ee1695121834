package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// RoleOverride lets operator-supplied config add fields skill manifests
// never carry (in particular inheritance) without changing the
// skill-driven derivation algorithm itself.
type RoleOverride struct {
	ID                string
	Inherits          string
	SystemInstruction string
}

// effectiveRole is the resolved (inheritance-walked) view of a role used
// to answer every query.
type effectiveRole struct {
	role        *Role
	universal   bool
	backends    map[string]bool
	permissions ToolPermissions
	memory      MemoryGrant
	skills      []string
	cyclic      bool
}

// Store is the Role Store (C3): holds role definitions derived from a
// skill manifest, resolves inheritance chains, and answers permission
// queries.
type Store struct {
	logger *slog.Logger

	mu        sync.RWMutex
	roles     map[string]*Role
	overrides map[string]RoleOverride
	groups    map[string][]string
	effective map[string]*effectiveRole

	skillTools map[string][]string // skill id -> allowedTools, for IsToolDefinedInAnySkill
}

// NewStore creates an empty Role Store.
func NewStore() *Store {
	return &Store{
		logger:     slog.Default().With("component", "role_store"),
		roles:      make(map[string]*Role),
		overrides:  make(map[string]RoleOverride),
		groups:     make(map[string][]string),
		effective:  make(map[string]*effectiveRole),
		skillTools: make(map[string][]string),
	}
}

// SetGroups installs the `group:<name>` expansion table used by the
// tool-group shorthand (a supplemental, off-by-default convenience).
func (s *Store) SetGroups(groups map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = groups
}

// SetOverrides installs role-level config overrides (inherits,
// systemInstruction) and re-resolves. Replaces the whole override set.
func (s *Store) SetOverrides(overrides []RoleOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = make(map[string]RoleOverride, len(overrides))
	for _, o := range overrides {
		s.overrides[o.ID] = o
	}
	s.resolveLocked()
}

// LoadManifest derives roles wholesale from a skill manifest: for each
// skill, for each non-"*" role id in allowedRoles, merge the skill's
// allowedTools, derived backend names, skill id, and memory grant into
// that role. A bare "*" tool pattern (or a "*__" backend wildcard)
// makes the role's allowed-backend set universal.
func (s *Store) LoadManifest(skills []SkillDefinition) error {
	roles := make(map[string]*Role)
	skillTools := make(map[string][]string, len(skills))

	for _, skill := range skills {
		skillTools[skill.ID] = skill.AllowedTools
		grant := MemoryGrant{}
		if skill.Grants != nil {
			grant = MemoryGrant{Policy: ParseMemoryPolicy(skill.Grants.Memory), TeamRoles: skill.Grants.TeamRoles}
		}

		for _, roleID := range skill.AllowedRoles {
			if roleID == "*" {
				s.logger.Warn("skill declares wildcard allowedRole, which is unsupported", "skill", skill.ID)
				continue
			}
			r, ok := roles[roleID]
			if !ok {
				r = &Role{
					ID:              roleID,
					Name:            roleID,
					AllowedBackends: make(map[string]bool),
				}
				roles[roleID] = r
			}
			r.ToolPermissions.AllowPatterns = append(r.ToolPermissions.AllowPatterns, expandGroupPatterns(s.groups, skill.AllowedTools)...)
			for _, toolPattern := range skill.AllowedTools {
				if backend, ok := backendNameFromPattern(toolPattern); ok {
					r.AllowedBackends[backend] = true
				} else if toolPattern == "*" || strings.HasPrefix(toolPattern, "*__") {
					r.Universal = true
				}
			}
			r.Skills = append(r.Skills, skill.ID)
			r.MemoryGrant = r.MemoryGrant.merge(grant)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = roles
	s.skillTools = skillTools
	s.resolveLocked()
	return nil
}

// backendNameFromPattern derives a backend name from a tool pattern: the
// token before the first "__". Patterns with no "__" (e.g. a bare "*")
// do not name a backend.
func backendNameFromPattern(pattern string) (string, bool) {
	for i := 0; i < len(pattern)-1; i++ {
		if pattern[i] == '_' && pattern[i+1] == '_' {
			name := pattern[:i]
			if name == "" || name == "*" {
				return "", false
			}
			return name, true
		}
	}
	return "", false
}

func expandGroupPatterns(groups map[string][]string, patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > len("group:") && p[:len("group:")] == "group:" {
			name := p[len("group:"):]
			out = append(out, groups[name]...)
			continue
		}
		out = append(out, p)
	}
	return out
}

// resolveLocked recomputes s.effective for every known role. Must be
// called with s.mu held.
func (s *Store) resolveLocked() {
	s.effective = make(map[string]*effectiveRole, len(s.roles))
	for id := range s.roles {
		s.effective[id] = s.resolveChain(id)
	}
}

func (s *Store) resolveChain(id string) *effectiveRole {
	visited := make(map[string]bool)
	var chain []*Role

	cur := id
	for cur != "" {
		if visited[cur] {
			s.logger.Warn("cyclic role inheritance detected; denying by default", "role", id, "at", cur)
			return &effectiveRole{role: s.roles[id], backends: map[string]bool{}, cyclic: true}
		}
		visited[cur] = true

		r, ok := s.roles[cur]
		if !ok {
			break
		}
		chain = append([]*Role{r}, chain...) // prepend, so chain ends up root..leaf

		next := r.Inherits
		if o, ok := s.overrides[cur]; ok && o.Inherits != "" {
			next = o.Inherits
		}
		cur = next
	}

	out := &effectiveRole{role: s.roles[id], backends: make(map[string]bool)}
	for _, r := range chain {
		if r.Universal {
			out.universal = true
		}
		for b := range r.AllowedBackends {
			out.backends[b] = true
		}
		out.permissions.Allow = append(out.permissions.Allow, r.ToolPermissions.Allow...)
		out.permissions.Deny = append(out.permissions.Deny, r.ToolPermissions.Deny...)
		out.permissions.AllowPatterns = append(out.permissions.AllowPatterns, r.ToolPermissions.AllowPatterns...)
		out.permissions.DenyPatterns = append(out.permissions.DenyPatterns, r.ToolPermissions.DenyPatterns...)
		out.memory = out.memory.merge(r.MemoryGrant)
		out.skills = unionStrings(out.skills, r.Skills)
	}
	return out
}

// GetRole returns the raw (unresolved) role definition.
func (s *Store) GetRole(id string) (*Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	return r, ok
}

// RoleIDs returns all known role ids, sorted.
func (s *Store) RoleIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.roles))
	for id := range s.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoleSummary describes one role for list_roles.
type RoleSummary struct {
	ID          string
	Name        string
	Description string
	Active      bool
}

// RolesList returns a summary of every role, flagging currentID active.
func (s *Store) RolesList(currentID string) []RoleSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.roles))
	for id := range s.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]RoleSummary, 0, len(ids))
	for _, id := range ids {
		r := s.roles[id]
		out = append(out, RoleSummary{ID: r.ID, Name: r.Name, Description: r.Description, Active: id == currentID})
	}
	return out
}

// IsBackendAllowed reports whether role may route to backend.
func (s *Store) IsBackendAllowed(roleID, backend string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	er, ok := s.effective[roleID]
	if !ok {
		return false
	}
	if er.universal {
		return true
	}
	return er.backends[backend]
}

// IsToolAllowed evaluates deny > deny-pattern > allow > allow-pattern >
// default-deny (or permissive default when the effective role carries no
// entries at all) for prefixedName.
func (s *Store) IsToolAllowed(roleID, prefixedName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	er, ok := s.effective[roleID]
	if !ok || er.cyclic {
		return false
	}
	p := er.permissions
	if contains(p.Deny, prefixedName) {
		return false
	}
	if matchAny(p.DenyPatterns, prefixedName) {
		return false
	}
	if contains(p.Allow, prefixedName) {
		return true
	}
	if matchAny(p.AllowPatterns, prefixedName) {
		return true
	}
	if len(p.Allow) == 0 && len(p.Deny) == 0 && len(p.AllowPatterns) == 0 && len(p.DenyPatterns) == 0 {
		return true
	}
	return false
}

// EffectiveMemoryGrant returns the highest memory privilege along role's
// inheritance chain.
func (s *Store) EffectiveMemoryGrant(roleID string) MemoryGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if er, ok := s.effective[roleID]; ok {
		return er.memory
	}
	return MemoryGrant{}
}

// EffectiveSkills returns the union of skills granted along role's chain.
func (s *Store) EffectiveSkills(roleID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if er, ok := s.effective[roleID]; ok {
		return er.skills
	}
	return nil
}

// SkillAllowedTools returns the raw allowedTools patterns a skill
// declared, used by the skill gate in the Tool Visibility Engine.
func (s *Store) SkillAllowedTools(skillID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skillTools[skillID]
}

// IsToolDefinedInAnySkill checks both literal membership and glob match
// against every skill's allowedTools, deciding whether a gateway-level
// tool should even be advertised. A bare "*" does not count; a skill
// must mention the tool explicitly.
func (s *Store) IsToolDefinedInAnySkill(toolName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, patterns := range s.skillTools {
		for _, p := range patterns {
			if p == "*" {
				continue
			}
			if p == toolName || matchPattern(p, toolName) {
				return true
			}
		}
	}
	return false
}

// SystemInstructionFor returns the operator-overridden system instruction
// for roleID, if one was configured; otherwise the role's own.
func (s *Store) SystemInstructionFor(roleID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.overrides[roleID]; ok && o.SystemInstruction != "" {
		return o.SystemInstruction
	}
	if r, ok := s.roles[roleID]; ok {
		return r.SystemInstruction
	}
	return ""
}

var errRoleNotFound = errors.New("role not found")

// RoleNotFoundError reports whether err denotes an unknown role id.
func RoleNotFoundError(roleID string) error {
	return fmt.Errorf("role %q: %w", roleID, errRoleNotFound)
}

// IsRoleNotFound reports whether err was produced by RoleNotFoundError.
func IsRoleNotFound(err error) bool {
	return errors.Is(err, errRoleNotFound)
}
