package rbac

import (
	"strings"
	"testing"

	"github.com/fenwick-labs/rolegate/internal/mcp"
)

func entry(backend, name string) ToolEntry {
	prefixed := name
	if backend != RouterSourceBackend {
		prefixed = mcp.Prefixed(backend, name)
	}
	return ToolEntry{
		Tool:          mcp.ToolDescriptor{Name: name},
		SourceBackend: backend,
		PrefixedName:  prefixed,
	}
}

func setup(t *testing.T) *Visibility {
	t.Helper()
	s := NewStore()
	if err := s.LoadManifest([]SkillDefinition{
		{ID: "fs", AllowedRoles: []string{"guest", "admin"}, AllowedTools: []string{"alpha__*"}},
		{ID: "admin-only", AllowedRoles: []string{"admin"}, AllowedTools: []string{"beta__*"}},
	}); err != nil {
		t.Fatal(err)
	}
	return NewVisibility(s)
}

func TestVisibilityBackendAndRoleGate(t *testing.T) {
	v := setup(t)
	v.SetAllTools([]ToolEntry{
		entry("alpha", "ping"),
		entry("beta", "ping"),
		entry("beta", "stat"),
	})
	// With no role active every tool was visible, so switching to guest
	// removes the beta tools and adds nothing.
	diff := v.SetCurrentRole("guest")
	if len(diff.Added) != 0 || len(diff.Removed) != 2 || diff.Removed[0] != "beta__ping" || diff.Removed[1] != "beta__stat" {
		t.Fatalf("guest diff = %+v, want Added [] Removed [beta__ping beta__stat]", diff)
	}

	diff = v.SetCurrentRole("admin")
	if len(diff.Added) != 2 {
		t.Fatalf("admin diff.Added = %v, want 2 entries", diff.Added)
	}
	if len(diff.Removed) != 0 {
		t.Fatalf("admin diff.Removed = %v, want none", diff.Removed)
	}
}

func TestVisibilitySetRoleTwiceIsIdempotent(t *testing.T) {
	v := setup(t)
	v.SetAllTools([]ToolEntry{entry("alpha", "ping"), entry("beta", "ping")})
	v.SetCurrentRole("guest")
	diff := v.SetCurrentRole("guest")
	if !diff.Empty() {
		t.Errorf("expected empty diff on repeated SetCurrentRole, got %+v", diff)
	}
}

func TestVisibilityDeniedAccessMentionsRole(t *testing.T) {
	v := setup(t)
	v.SetAllTools([]ToolEntry{entry("beta", "ping")})
	v.SetCurrentRole("guest")
	err := v.CheckAccess("beta__ping")
	if err == nil {
		t.Fatal("expected access to be denied")
	}
	if !strings.Contains(err.Error(), "'guest'") {
		t.Errorf("denial %q does not mention role 'guest'", err.Error())
	}
}

func TestVisibilityMemoryToolGate(t *testing.T) {
	s := NewStore()
	if err := s.LoadManifest([]SkillDefinition{
		{ID: "mem", AllowedRoles: []string{"admin"}, AllowedTools: []string{"alpha__*"}, Grants: &Grants{Memory: "all"}},
		{ID: "nomem", AllowedRoles: []string{"guest"}, AllowedTools: []string{"alpha__*"}},
	}); err != nil {
		t.Fatal(err)
	}
	v := NewVisibility(s)
	v.SetAllTools([]ToolEntry{
		entry(RouterSourceBackend, ToolSaveMemory),
		entry(RouterSourceBackend, ToolRecallMemory),
		entry(RouterSourceBackend, ToolListMemories),
	})

	v.SetCurrentRole("guest")
	if len(v.VisibleTools()) != 0 {
		t.Error("expected no memory tools visible for a none-grant role")
	}

	v.SetCurrentRole("admin")
	if len(v.VisibleTools()) != 3 {
		t.Errorf("expected all 3 memory tools visible for an all-grant role, got %d", len(v.VisibleTools()))
	}
}

func TestVisibilitySkillGate(t *testing.T) {
	v := setup(t)
	v.SetAllTools([]ToolEntry{entry("alpha", "ping"), entry("alpha", "other")})
	v.SetCurrentRole("admin")
	diff := v.SetActiveSkills([]string{"fs"})
	if len(diff.Removed) != 0 {
		t.Fatalf("expected no removals since fs allows alpha__*, got %v", diff.Removed)
	}
}

func TestVisibilitySetActiveSkillsIdempotent(t *testing.T) {
	v := setup(t)
	v.SetAllTools([]ToolEntry{entry("alpha", "ping")})
	v.SetCurrentRole("guest")
	v.SetActiveSkills([]string{"fs"})
	diff := v.SetActiveSkills([]string{"fs"})
	if !diff.Empty() {
		t.Errorf("expected empty diff on repeated SetActiveSkills, got %+v", diff)
	}
}
