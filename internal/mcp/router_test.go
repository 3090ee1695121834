package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// echoBackendScript is a minimal shell "backend" that replies to
// initialize and tools/list with canned results, echoing back whatever id
// it was sent.
const echoBackendScript = `while IFS= read -r line; do
  id=$(echo "$line" | grep -o '"id":[0-9]*' | head -1 | cut -d: -f2)
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"echo","version":"0"}}}\n' "$id"
      ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"ping"}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"pong"}]}}\n' "$id"
      ;;
  esac
done`

// echoScriptPath writes echoBackendScript to a file and returns its path.
// ServerConfig.Validate rejects shell metacharacters in args (the script
// is full of them: $(...), |, ;), so the test backend runs it as a
// script file instead of an inline -c argument, the same way a real
// backend config names a script on disk.
func echoScriptPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echo.sh")
	if err := os.WriteFile(path, []byte(echoBackendScript), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func echoBackend(t *testing.T, id string) *ServerConfig {
	return &ServerConfig{
		ID:      id,
		Command: "sh",
		Args:    []string{echoScriptPath(t)},
		Timeout: 5 * time.Second,
	}
}

func TestRouterRegisterDuplicate(t *testing.T) {
	r := NewRouter(nil)
	cfg := echoBackend(t, "alpha")
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// Re-registering an unchanged config is a no-op, so a config reload
	// that re-reads the whole backends file doesn't disturb a running
	// backend.
	if err := r.Register(cfg); err != nil {
		t.Errorf("Register() with unchanged config = %v, want nil", err)
	}
	changed := *cfg
	changed.Args = []string{"other-script.sh"}
	if err := r.Register(&changed); err == nil {
		t.Error("expected error re-registering the same id with a different config")
	}
}

func TestRouterStartHandshakeAndCall(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(echoBackend(t, "alpha")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.Start(ctx, "alpha"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !r.Connected("alpha") {
		t.Fatal("expected alpha to be connected after handshake")
	}

	tools := r.ListTools(ctx)
	if len(tools) != 1 || tools[0].Tool.Name != "ping" || tools[0].Backend != "alpha" {
		t.Fatalf("ListTools() = %+v, want one alpha/ping entry", tools)
	}

	result, err := r.CallTool(ctx, "alpha__ping", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "pong" {
		t.Fatalf("CallTool() = %+v, want pong", result)
	}

	r.Stop()
	if r.Connected("alpha") {
		t.Error("expected alpha to be disconnected after Stop()")
	}
}

func TestRouterCallToolNoRoute(t *testing.T) {
	r := NewRouter(nil)
	if err := r.Register(echoBackend(t, "alpha")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	ctx := context.Background()
	if _, err := r.CallTool(ctx, "unknown__ping", nil); err == nil {
		t.Error("expected NoRoute error for unregistered backend prefix")
	}
	if _, err := r.CallTool(ctx, "alpha__ping", nil); err == nil {
		t.Error("expected NoRoute error for a registered but unstarted backend")
	}
}

func TestRouterStopIsIdempotent(t *testing.T) {
	r := NewRouter(nil)
	r.Stop()
	r.Stop()
}
