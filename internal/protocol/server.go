// Package protocol implements the Protocol Edge (C6): a line-delimited
// JSON-RPC 2.0 server speaking the same wire protocol as a backend MCP
// server, over the gateway process's own stdin/stdout. It dispatches
// every request into the Router Core and relays outbound notifications
// (tools/list_changed) back to the client.
package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fenwick-labs/rolegate/internal/gateway"
	"github.com/fenwick-labs/rolegate/internal/gwerrors"
	"github.com/fenwick-labs/rolegate/internal/mcp"
)

// Server is the stdio-facing JSON-RPC edge in front of a gateway.Core.
type Server struct {
	core   *gateway.Core
	logger *slog.Logger

	out   io.Writer
	outMu sync.Mutex
}

// NewServer wires a Server to core. It does not subscribe to the core's
// notifications; the caller relays them by invoking Notify, which writes
// to the writer passed to Serve.
func NewServer(core *gateway.Core, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{core: core, logger: logger}
}

// Serve reads newline-delimited JSON-RPC requests from r and writes
// responses to w until r is exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.outMu.Lock()
	s.out = w
	s.outMu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			s.logger.Warn("dropping non-JSON line from client")
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		s.handleLine(ctx, raw)
	}
	return scanner.Err()
}

// Notify writes a JSON-RPC notification to the client. Safe to call
// from the gateway.Core's notification callback.
func (s *Server) Notify(method string, params any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out == nil {
		return
	}
	n := mcp.Notification{JSONRPC: "2.0", Method: method, Params: mustMarshal(params)}
	data, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("marshaling notification", "method", method, "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("writing notification", "method", method, "error", err)
	}
}

func (s *Server) handleLine(ctx context.Context, raw json.RawMessage) {
	var req mcp.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(nil, mcp.ErrCodeParseError, "invalid request: "+err.Error())
		return
	}
	if req.Method == "" {
		s.writeError(req.ID, mcp.ErrCodeInvalidRequest, "missing method")
		return
	}

	// Notifications (no id) from the client carry no response.
	if req.ID == nil && isClientNotification(req.Method) {
		return
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		code, msg := classifyError(err)
		s.writeError(req.ID, code, msg)
		return
	}
	s.writeResult(req.ID, result)
}

func isClientNotification(method string) bool {
	return method == "notifications/initialized" || method == "initialized"
}

func (s *Server) dispatch(ctx context.Context, req mcp.Request) (any, error) {
	switch req.Method {
	case "initialize":
		return mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			ServerInfo:      mcp.ServerInfo{Name: "rolegate", Version: "1.0"},
		}, nil
	case "tools/list":
		return mcp.ListToolsResult{Tools: s.core.ListTools()}, nil
	case "tools/call":
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("invalid tools/call params: %w", err)
		}
		result, err := s.core.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			// Every error reaching a caller from tools/call is a tool
			// result with isError, never a transport-level failure.
			return mcp.TextResult(err.Error(), true), nil
		}
		return result, nil
	case "resources/list":
		return mcp.ListResourcesResult{Resources: s.core.ListResources(ctx)}, nil
	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("invalid resources/read params: %w", err)
		}
		return s.core.ReadResource(ctx, params.URI)
	case "prompts/list":
		var params struct {
			TargetBackend string `json:"_target_backend"`
		}
		_ = json.Unmarshal(req.Params, &params)
		return s.core.ListPrompts(ctx, params.TargetBackend)
	case "prompts/get":
		var params struct {
			Name          string            `json:"name"`
			Arguments     map[string]string `json:"arguments"`
			TargetBackend string            `json:"_target_backend"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, fmt.Errorf("invalid prompts/get params: %w", err)
		}
		return s.core.GetPrompt(ctx, params.TargetBackend, params.Name, params.Arguments)
	default:
		return nil, &unknownMethodError{method: req.Method}
	}
}

type unknownMethodError struct{ method string }

func (e *unknownMethodError) Error() string { return fmt.Sprintf("method not found: %s", e.method) }

func classifyError(err error) (int, string) {
	if _, ok := err.(*unknownMethodError); ok {
		return mcp.ErrCodeMethodNotFound, err.Error()
	}
	if kind, ok := gwerrors.As(err); ok {
		switch kind {
		case gwerrors.KindNoRoute, gwerrors.KindNotVisible, gwerrors.KindRoleNotFound:
			return mcp.ErrCodeInvalidParams, err.Error()
		case gwerrors.KindTimeout:
			return mcp.ErrCodeInternalError, err.Error()
		default:
			return mcp.ErrCodeInternalError, err.Error()
		}
	}
	return mcp.ErrCodeInternalError, err.Error()
}

func (s *Server) writeResult(id any, result any) {
	resp := mcp.Response{JSONRPC: "2.0", ID: id, Result: mustMarshal(result)}
	s.writeResponse(resp)
}

func (s *Server) writeError(id any, code int, message string) {
	resp := mcp.Response{JSONRPC: "2.0", ID: id, Error: &mcp.RPCError{Code: code, Message: message}}
	s.writeResponse(resp)
}

func (s *Server) writeResponse(resp mcp.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshaling response", "error", err)
		return
	}
	data = append(data, '\n')
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out == nil {
		return
	}
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
