// Package jsonrpc holds the JSON-RPC 2.0 framing the stdio wrapper observes
// between an agent and its MCP tool server.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const MethodToolsCall = "tools/call"

// Request is a JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"` // nil for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Result is kept raw so the wrapper can
// pass it through to the handler without a decode round-trip.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) String() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ToolCallParams are the params of a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool { return r.ID == nil }

// ToolCall decodes the params of a tools/call request.
func (r *Request) ToolCall() (ToolCallParams, error) {
	var p ToolCallParams
	if r.Method != MethodToolsCall {
		return p, fmt.Errorf("jsonrpc: method %q is not %s", r.Method, MethodToolsCall)
	}
	if len(r.Params) == 0 {
		return p, fmt.Errorf("jsonrpc: tools/call without params")
	}
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return p, fmt.Errorf("jsonrpc: decode tools/call params: %w", err)
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}
	return p, nil
}

// IDString converts a request id (string or number) into a stable map key.
func IDString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64: // encoding/json decodes numbers as float64
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
