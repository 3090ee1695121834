package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fenwick-labs/rolegate/internal/config"
	"github.com/fenwick-labs/rolegate/internal/gateway"
	"github.com/fenwick-labs/rolegate/internal/mcp"
)

// serve runs one Serve pass over the given input lines against a Core
// with no backends started, returning the decoded response per line.
func serve(t *testing.T, input string) []mcp.Response {
	t.Helper()
	cfg := config.Defaults()
	core := gateway.New(cfg, nil, nil)
	s := NewServer(core, nil)

	var out bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var responses []mcp.Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp mcp.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("response line is not valid JSON: %q", line)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestServerInitialize(t *testing.T) {
	responses := serve(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatalf("decoding initialize result: %v", err)
	}
	if result.ServerInfo.Name != "rolegate" {
		t.Errorf("ServerInfo.Name = %q, want rolegate", result.ServerInfo.Name)
	}
}

func TestServerInitializedNotificationHasNoResponse(t *testing.T) {
	responses := serve(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
	if len(responses) != 0 {
		t.Fatalf("got %d responses to a notification, want 0", len(responses))
	}
}

func TestServerToolCallErrorsAreToolResults(t *testing.T) {
	// A denied or unroutable tools/call must come back as a result with
	// isError, never as a JSON-RPC error object.
	responses := serve(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"alpha__ping"}}`+"\n")
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].Error != nil {
		t.Fatalf("tools/call failure surfaced as JSON-RPC error: %v", responses[0].Error)
	}
	var result mcp.ToolCallResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatalf("decoding tool result: %v", err)
	}
	if !result.IsError {
		t.Error("expected isError on the tool result")
	}
	if len(result.Content) != 1 || !strings.Contains(result.Content[0].Text, "not accessible") {
		t.Errorf("unexpected error content: %+v", result.Content)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	responses := serve(t, `{"jsonrpc":"2.0","id":1,"method":"bogus/method"}`+"\n")
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != mcp.ErrCodeMethodNotFound {
		t.Errorf("expected method-not-found error, got %+v", responses[0].Error)
	}
}

func TestServerDropsNonJSONLines(t *testing.T) {
	input := "this is not json\n" + `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"
	responses := serve(t, input)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1 (garbage line dropped)", len(responses))
	}
}

func TestServerNotify(t *testing.T) {
	cfg := config.Defaults()
	core := gateway.New(cfg, nil, nil)
	s := NewServer(core, nil)

	var out bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(""), &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	s.Notify("notifications/tools/list_changed", nil)

	var notif mcp.Notification
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &notif); err != nil {
		t.Fatalf("notification is not valid JSON: %v", err)
	}
	if notif.Method != "notifications/tools/list_changed" {
		t.Errorf("Method = %q, want notifications/tools/list_changed", notif.Method)
	}
}
