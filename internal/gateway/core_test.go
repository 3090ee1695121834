package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fenwick-labs/rolegate/internal/config"
)

// echoBackendScript replies to initialize/tools/list/tools/call with
// canned results, echoing back whatever id it was sent. tools/call on
// "list_skills" returns a single skill granting the guest role access
// to alpha__* tools plus an isolated memory grant, enough to exercise
// role bootstrapping and the memory-tool gate.
const echoBackendScript = `while IFS= read -r line; do
  id=$(echo "$line" | grep -o '"id":[0-9]*' | head -1 | cut -d: -f2)
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"echo","version":"0"}}}\n' "$id"
      ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"ping"},{"name":"list_skills"}]}}\n' "$id"
      ;;
    *'list_skills'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"skills":[{"id":"fs","allowedRoles":["guest"],"allowedTools":["alpha__*","list_roles"],"grants":{"memory":"isolated"}}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"pong"}]}}\n' "$id"
      ;;
  esac
done`

func testBackendsFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	// The echo backend is a script FILE, not an inline -c argument:
	// ServerConfig.Validate rejects shell metacharacters in args (see
	// mcp.TestServerConfigValidate), and the script below is full of
	// them ($(...), |, ;). A real backend config names a script or
	// binary on disk the same way.
	scriptPath := filepath.Join(dir, "echo.sh")
	if err := os.WriteFile(scriptPath, []byte(echoBackendScript), 0o755); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "backends.yaml")
	doc := "mcpServers:\n" +
		"  alpha:\n" +
		"    command: sh\n" +
		"    args:\n" +
		"      - \"" + scriptPath + "\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := config.Defaults()
	cfg.BackendsFile = testBackendsFile(t)
	cfg.SkillsBackend = "alpha"
	c := New(cfg, nil, nil)
	if err := c.RegisterBackendsFromFile(cfg.BackendsFile); err != nil {
		t.Fatalf("RegisterBackendsFromFile() error = %v", err)
	}
	return c
}

func TestCoreStartAllBootstrapsRoles(t *testing.T) {
	c := newTestCore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer c.Stop()

	ids := c.Roles().RoleIDs()
	if len(ids) != 1 || ids[0] != "guest" {
		t.Fatalf("RoleIDs() = %v, want [guest]", ids)
	}
}

func TestCoreSetRoleFiltersTools(t *testing.T) {
	c := newTestCore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer c.Stop()

	manifest, err := c.SetRole(ctx, "guest")
	if err != nil {
		t.Fatalf("SetRole() error = %v", err)
	}
	found := false
	for _, name := range manifest.AvailableTools {
		if name == "alpha__ping" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected alpha__ping visible for guest, got %v", manifest.AvailableTools)
	}
}

func TestCoreSetRoleUnknownFails(t *testing.T) {
	c := newTestCore(t)
	if _, err := c.SetRole(context.Background(), "nonexistent"); err == nil {
		t.Error("expected error activating an unknown role")
	}
}

func TestCoreGatewayToolsHandledLocally(t *testing.T) {
	c := newTestCore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer c.Stop()
	if _, err := c.SetRole(ctx, "guest"); err != nil {
		t.Fatalf("SetRole() error = %v", err)
	}

	result, err := c.CallTool(ctx, "list_roles", nil)
	if err != nil {
		t.Fatalf("CallTool(list_roles) error = %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected one content block, got %+v", result)
	}

	args, _ := json.Marshal(map[string]string{"key": "note", "value": "hello"})
	if _, err := c.CallTool(ctx, "save_memory", args); err != nil {
		t.Fatalf("CallTool(save_memory) error = %v", err)
	}
	recallArgs, _ := json.Marshal(map[string]string{"key": "note"})
	result, err = c.CallTool(ctx, "recall_memory", recallArgs)
	if err != nil {
		t.Fatalf("CallTool(recall_memory) error = %v", err)
	}
	if result.Content[0].Text != "hello" {
		t.Errorf("recall_memory = %q, want hello", result.Content[0].Text)
	}
}

func TestCoreCallToolDeniedForUnknownTool(t *testing.T) {
	c := newTestCore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	defer c.Stop()
	if _, err := c.SetRole(ctx, "guest"); err != nil {
		t.Fatalf("SetRole() error = %v", err)
	}
	if _, err := c.CallTool(ctx, "alpha__nonexistent_tool", nil); err == nil {
		t.Error("expected denial for a tool not advertised by any backend")
	}
}
