package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
backends_file: backends.yaml
bogus_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRequiresBackendsFile(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
default_role: guest
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "backends_file") {
		t.Fatalf("expected backends_file error, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
backends_file: backends.yaml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SkillsBackend != "skills" {
		t.Errorf("SkillsBackend = %q, want skills", cfg.SkillsBackend)
	}
	if cfg.GatewayToolPrefix != "router" {
		t.Errorf("GatewayToolPrefix = %q, want router", cfg.GatewayToolPrefix)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
version: 999
backends_file: backends.yaml
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "newer than this build") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestLoadResolvesInclude(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte("default_role: guest\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mainPath := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(mainPath, []byte(`
$include: base.yaml
backends_file: backends.yaml
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultRole != "guest" {
		t.Errorf("DefaultRole = %q, want guest (from include)", cfg.DefaultRole)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("ROLEGATE_BACKENDS_FILE", "backends-from-env.yaml")
	path := writeConfig(t, "gateway.yaml", `
backends_file: ${ROLEGATE_BACKENDS_FILE}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendsFile != "backends-from-env.yaml" {
		t.Errorf("BackendsFile = %q, want backends-from-env.yaml", cfg.BackendsFile)
	}
}

func TestLoadBackendsFile(t *testing.T) {
	path := writeConfig(t, "backends.yaml", `
mcpServers:
  alpha:
    command: /usr/bin/alpha-server
    args: ["--stdio"]
    env:
      FOO: bar
`)
	doc, err := LoadBackendsFile(path)
	if err != nil {
		t.Fatalf("LoadBackendsFile() error = %v", err)
	}
	spec, ok := doc.MCPServers["alpha"]
	if !ok {
		t.Fatal("expected alpha backend entry")
	}
	if spec.Command != "/usr/bin/alpha-server" || len(spec.Args) != 1 || spec.Env["FOO"] != "bar" {
		t.Errorf("unexpected backend spec: %+v", spec)
	}
}

func TestLoadBackendsFileRejectsEmpty(t *testing.T) {
	path := writeConfig(t, "backends.yaml", `
mcpServers: {}
`)
	if _, err := LoadBackendsFile(path); err == nil {
		t.Fatal("expected error for empty mcpServers")
	}
}

func TestLoadRoleOverrides(t *testing.T) {
	path := writeConfig(t, "roles.yaml", `
roles:
  - id: admin
    inherits: guest
    systemInstruction: "You may use every tool."
`)
	doc, err := LoadRoleOverrides(path)
	if err != nil {
		t.Fatalf("LoadRoleOverrides() error = %v", err)
	}
	if len(doc.Roles) != 1 || doc.Roles[0].Inherits != "guest" {
		t.Errorf("unexpected role overrides: %+v", doc.Roles)
	}
}
