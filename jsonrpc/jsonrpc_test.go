package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestIDString(t *testing.T) {
	tests := []struct {
		id   any
		want string
	}{
		{"abc", "abc"},
		{float64(7), "7"},
		{float64(1.5), "1.5"},
		{42, "42"},
		{int64(9), "9"},
		{json.Number("12"), "12"},
	}
	for _, tt := range tests {
		if got := IDString(tt.id); got != tt.want {
			t.Errorf("IDString(%v) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestToolCall(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"mace_calc","arguments":{"formula":"MgO"}}}`
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatal(err)
	}
	if req.IsNotification() {
		t.Fatal("request with id reported as notification")
	}
	p, err := req.ToolCall()
	if err != nil {
		t.Fatalf("ToolCall: %v", err)
	}
	if p.Name != "mace_calc" || p.Arguments["formula"] != "MgO" {
		t.Errorf("params = %+v", p)
	}
	if IDString(req.ID) != "3" {
		t.Errorf("id = %q", IDString(req.ID))
	}
}

func TestToolCallErrors(t *testing.T) {
	cases := map[string]Request{
		"wrong method": {Method: "tools/list", Params: json.RawMessage(`{}`)},
		"no params":    {Method: MethodToolsCall},
		"bad params":   {Method: MethodToolsCall, Params: json.RawMessage(`[1,2]`)},
	}
	for name, req := range cases {
		if _, err := req.ToolCall(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	empty := Request{Method: MethodToolsCall, Params: json.RawMessage(`{"name":"x"}`)}
	p, err := empty.ToolCall()
	if err != nil || p.Arguments == nil {
		t.Errorf("missing arguments should decode to empty map: %+v %v", p, err)
	}
}

func TestNotification(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &req); err != nil {
		t.Fatal(err)
	}
	if !req.IsNotification() {
		t.Error("expected notification")
	}
}
