// Package wrapper runs an MCP tool server as a child process, proxies its
// stdio unchanged and feeds every tools/call exchange to a trace handler.
package wrapper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/jsonrpc"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
)

// maxLine bounds a single JSON-RPC frame. Structure generators can return
// large batches in one response.
const maxLine = 64 << 20

// Options configure one wrapped backend.
type Options struct {
	Command string
	Args    []string
	Env     map[string]string // applied over the current environment

	Handler *trace.Handler

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Run starts the backend and proxies until its stdout closes and it exits.
// A non-zero backend exit is returned as the exit code with a nil error;
// err is reserved for failures of the wrapper itself.
func Run(ctx context.Context, opts Options) (int, error) {
	if opts.Handler == nil {
		return 1, errors.New("wrapper: no trace handler")
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "wrapper", "command", opts.Command)

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	log.Debug("backend environment prepared", "variables", len(cmd.Env), "overrides", len(opts.Env))

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return 1, fmt.Errorf("stdin pipe for %q: %w", opts.Command, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return 1, fmt.Errorf("stdout pipe for %q: %w", opts.Command, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return 1, fmt.Errorf("stderr pipe for %q: %w", opts.Command, err)
	}
	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("start %q: %w", opts.Command, err)
	}
	log.Debug("backend started", "pid", cmd.Process.Pid)

	h := opts.Handler
	h.StartSession()
	p := &proxy{handler: h, requests: newRequestStore(), log: log}

	// agent stdin -> backend stdin. Requests are registered before they are
	// forwarded so a fast response always finds its call.
	go func() {
		defer stdinPipe.Close()
		scanner := bufio.NewScanner(opts.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			p.request(line)
			if _, err := stdinPipe.Write(frame(line)); err != nil {
				log.Warn("write to backend stdin", "error", err)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn("read wrapper stdin", "error", err)
		}
	}()

	var wg sync.WaitGroup

	// backend stdout -> agent stdout
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			if _, err := opts.Stdout.Write(frame(line)); err != nil {
				log.Warn("write to wrapper stdout", "error", err)
			}
			p.response(line)
		}
		if err := scanner.Err(); err != nil {
			log.Warn("read backend stdout", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(opts.Stderr, stderrPipe); err != nil {
			log.Debug("copy backend stderr", "error", err)
		}
	}()

	// The stdin goroutine ends only when the agent closes its side; the
	// session is over once the backend's output streams close.
	wg.Wait()
	err = cmd.Wait()

	if n := p.requests.Len(); n > 0 {
		log.Warn("backend exited with unanswered tool calls", "pending", n)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Warn("backend exited with non-zero status", "status", exitErr.ExitCode())
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("wait for %q: %w", opts.Command, err)
	}
	log.Debug("backend finished")
	return 0, nil
}

// frame copies a scanned line and restores its newline. Appending to the
// scanner's slice would overwrite buffered input.
func frame(line []byte) []byte {
	out := make([]byte, len(line)+1)
	copy(out, line)
	out[len(line)] = '\n'
	return out
}

func mergeEnv(base []string, overrides map[string]string) []string {
	envMap := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}
	for k, v := range overrides {
		envMap[k] = v
	}
	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

type proxy struct {
	handler  *trace.Handler
	requests *requestStore
	log      *slog.Logger
}

func (p *proxy) request(line []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		p.log.Debug("non-JSON line on stdin", "bytes", len(line))
		return
	}
	if req.IsNotification() || req.Method != jsonrpc.MethodToolsCall {
		return
	}
	params, err := req.ToolCall()
	if err != nil {
		p.log.Warn("unreadable tools/call request", "id", jsonrpc.IDString(req.ID), "error", err)
		return
	}
	// JSON-RPC ids are only unique among in-flight requests, so each call
	// gets its own id for the trace.
	callID := uuid.NewString()
	p.requests.Store(req.ID, callID, params.Name)
	p.handler.ToolStart(callID, params.Name, params.Arguments)
	p.log.Debug("tool call started", "id", jsonrpc.IDString(req.ID), "call_id", callID, "tool", params.Name)
}

func (p *proxy) response(line []byte) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		p.log.Debug("non-JSON line on backend stdout", "bytes", len(line))
		return
	}
	if resp.ID == nil {
		return
	}
	info, found := p.requests.Retrieve(resp.ID)
	if !found {
		// Responses to initialize, tools/list and the like land here.
		return
	}
	raw, toolErr := toolResult(resp)
	p.handler.ToolEnd(info.callID, raw, toolErr)
	p.log.Debug("tool call finished", "call_id", info.callID, "tool", info.tool, "duration", time.Since(info.startTime), "error", toolErr)
}

// toolResult picks the payload of a tools/call response: structured content
// when present, otherwise the whole result envelope. Protocol errors and
// results flagged isError become the tool error.
func toolResult(resp jsonrpc.Response) (any, string) {
	if resp.Error != nil {
		return nil, resp.Error.String()
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		var anyResult any
		if json.Unmarshal(resp.Result, &anyResult) == nil {
			return anyResult, ""
		}
		return string(resp.Result), ""
	}
	if isErr, _ := result["isError"].(bool); isErr {
		msg := contentText(result)
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, msg
	}
	if sc, ok := result["structuredContent"]; ok && sc != nil {
		return sc, ""
	}
	return result, ""
}

func contentText(result map[string]any) string {
	parts, _ := result["content"].([]any)
	var texts []string
	for _, part := range parts {
		m, ok := part.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := m["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

// --- Request store for correlating requests and responses ---

type requestInfo struct {
	callID    string
	tool      string
	startTime time.Time
}

type requestStore struct {
	mu    sync.Mutex
	store map[string]requestInfo // keyed by the JSON-RPC request id
}

func newRequestStore() *requestStore {
	return &requestStore{store: make(map[string]requestInfo)}
}

func (rs *requestStore) Store(id any, callID, tool string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.store[jsonrpc.IDString(id)] = requestInfo{callID: callID, tool: tool, startTime: time.Now()}
}

// Retrieve fetches and removes the request info for a response id.
func (rs *requestStore) Retrieve(id any) (requestInfo, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	key := jsonrpc.IDString(id)
	info, found := rs.store[key]
	if found {
		delete(rs.store, key)
	}
	return info, found
}

func (rs *requestStore) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.store)
}
