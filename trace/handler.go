// Package trace is the per-session audit handler. It consumes tool lifecycle
// events, resolves tool identities, extracts records, fills the value
// registry and produces an immutable session summary.
//
// Nothing in this package is allowed to fail the conversational turn:
// resolution, extraction and persistence problems are logged as warnings
// (to slog and to the session event log) and only degrade the invocation
// they concern.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/eventlog"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/extract"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/gate"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/identity"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/payload"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/registry"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

const (
	DefaultOutputDir       = "audit_sessions"
	DefaultAbandonTimeout  = 5 * time.Second
	DefaultPreviewMaxBytes = 4096
)

// State is the handler lifecycle.
type State int

const (
	StateIdle State = iota
	StateActive
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// ExtractFunc turns a decoded payload into records for a resolved tool.
type ExtractFunc func(payload.Payload, identity.Identity) ([]types.Record, error)

// Config holds everything a Handler needs. Zero values use the defaults.
type Config struct {
	OutputDir       string
	SessionID       string
	PersistRaw      bool
	AbandonTimeout  time.Duration
	Precision       int
	ToolPrecision   map[string]int
	EventBufferSize int
	PreviewMaxBytes int

	// ReadOnly keeps events in memory and skips persistence. Used by replay.
	ReadOnly bool

	Catalog *identity.Catalog
	Extract ExtractFunc
	Logger  *slog.Logger
	Now     func() time.Time
}

// Handler owns the state of one conversational run. Its methods are safe
// for concurrent use; invocations are keyed by call id, never by arrival
// order.
type Handler struct {
	cfg     Config
	log     *slog.Logger
	reg     *registry.Registry
	catalog identity.Catalog
	extract ExtractFunc

	mu          sync.Mutex
	state       State
	sessionID   string
	dir         string
	events      *eventlog.Logger
	raw         *rawWriter
	startedAt   time.Time
	endedAt     time.Time
	sessionEnd  bool
	invocations map[string]*types.ToolInvocation
	order       []string
	processing  map[string]bool
	orphans     int
	output      strings.Builder
	changed     chan struct{}

	finalized   chan struct{}
	summary     *types.SessionSummary
	summaryJSON []byte
	closed      bool
}

// New creates an idle handler. The session starts with the first event.
func New(cfg Config) *Handler {
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.AbandonTimeout <= 0 {
		cfg.AbandonTimeout = DefaultAbandonTimeout
	}
	if cfg.PreviewMaxBytes <= 0 {
		cfg.PreviewMaxBytes = DefaultPreviewMaxBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := identity.Default()
	if cfg.Catalog != nil {
		catalog = *cfg.Catalog
	}
	extractFn := cfg.Extract
	if extractFn == nil {
		x := extract.New()
		x.Now = cfg.Now
		extractFn = x.Extract
	}

	return &Handler{
		cfg:     cfg,
		log:     logger.With("component", "trace"),
		reg:     registry.New(registry.Options{Precision: cfg.Precision, ToolPrecision: cfg.ToolPrecision, Now: cfg.Now}),
		catalog: catalog,
		extract: extractFn,

		invocations: make(map[string]*types.ToolInvocation),
		processing:  make(map[string]bool),
		changed:     make(chan struct{}),
		finalized:   make(chan struct{}),
	}
}

func (h *Handler) now() time.Time {
	return h.cfg.Now().UTC()
}

func at(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

// Handle dispatches one lifecycle event. Annotation events are ignored.
func (h *Handler) Handle(evt types.Event) {
	ts := at(evt.Timestamp, h.now())
	p := evt.Payload
	switch evt.Type {
	case types.EventSessionStart:
		h.startSession(ts, false)
	case types.EventToolStart:
		args, _ := p[types.KeyArguments].(map[string]any)
		h.toolStart(ts, str(p, types.KeyCallID), str(p, types.KeyWrapperName), args)
	case types.EventToolEnd:
		h.toolEnd(ts, str(p, types.KeyCallID), p[types.KeyOutput], str(p, types.KeyError))
	case types.EventAssistantOutput:
		h.assistantOutput(ts, str(p, types.KeyContent))
	case types.EventSessionEnd:
		h.endSession(ts)
		if _, err := h.Finalize(context.Background()); err != nil {
			h.log.Warn("finalize after session_end", "error", err)
		}
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// StartSession moves the handler to Active. Later calls are warnings.
func (h *Handler) StartSession() {
	h.startSession(h.now(), false)
}

// ToolStart records the beginning of an invocation.
func (h *Handler) ToolStart(callID, wrapperName string, args map[string]any) {
	h.toolStart(h.now(), callID, wrapperName, args)
}

// ToolEnd completes an invocation. toolErr is the tool's own error message,
// empty on success.
func (h *Handler) ToolEnd(callID string, raw any, toolErr string) {
	h.toolEnd(h.now(), callID, raw, toolErr)
}

// AssistantOutput buffers streamed assistant content.
func (h *Handler) AssistantOutput(content string) {
	h.assistantOutput(h.now(), content)
}

// EndSession records session_end and finalizes.
func (h *Handler) EndSession(ctx context.Context) (types.SessionSummary, error) {
	h.endSession(h.now())
	return h.Finalize(ctx)
}

func (h *Handler) startSession(ts time.Time, implicit bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateIdle {
		h.warnLocked("duplicate session_start ignored")
		return
	}
	h.activateLocked(ts, implicit)
}

// activateLocked opens the session directory and event log.
func (h *Handler) activateLocked(ts time.Time, implicit bool) {
	h.sessionID = h.cfg.SessionID
	if h.sessionID == "" {
		h.sessionID = uuid.NewString()
	}
	h.dir = filepath.Join(h.cfg.OutputDir, h.sessionID)
	h.startedAt = ts
	h.state = StateActive

	opts := eventlog.Options{
		SessionID:  h.sessionID,
		BufferSize: h.cfg.EventBufferSize,
		Logger:     h.log,
		Now:        h.cfg.Now,
	}
	if h.cfg.ReadOnly {
		h.events = eventlog.New(&eventlog.MemorySink{}, opts)
	} else {
		if err := os.MkdirAll(h.dir, 0o755); err != nil {
			h.log.Warn("create session directory", "dir", h.dir, "error", err)
		}
		h.events = eventlog.Open(filepath.Join(h.dir, EventsFile), opts)
		if h.cfg.PersistRaw {
			h.raw = newRawWriter(filepath.Join(h.dir, RawDir), h.log)
		}
	}

	h.logLocked(types.EventSessionStart, map[string]any{
		"catalog_version": h.catalog.Version,
		"implicit":        implicit,
	})
	h.log.Info("audit session started", "session_id", h.sessionID, "dir", h.dir)
	if implicit {
		h.warnLocked("event received before session_start; session started implicitly")
	}
}

// ensureActiveLocked starts the session implicitly and reports whether the
// handler still accepts lifecycle events.
func (h *Handler) ensureActiveLocked(ts time.Time) bool {
	if h.state == StateIdle {
		h.activateLocked(ts, true)
	}
	return h.state == StateActive
}

func (h *Handler) toolStart(ts time.Time, callID, wrapperName string, args map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.ensureActiveLocked(ts) {
		h.warnLocked("tool_start after finalization ignored", types.KeyCallID, callID)
		return
	}
	if callID == "" {
		h.warnLocked("tool_start without call_id ignored", types.KeyWrapperName, wrapperName)
		return
	}
	if _, dup := h.invocations[callID]; dup {
		h.warnLocked("duplicate tool_start ignored", types.KeyCallID, callID)
		return
	}

	h.invocations[callID] = &types.ToolInvocation{
		CallID:      callID,
		WrapperName: wrapperName,
		Arguments:   args,
		StartedAt:   ts,
		Status:      types.StatusRunning,
		Records:     []types.Record{},
	}
	h.order = append(h.order, callID)
	h.logLocked(types.EventToolStart, map[string]any{
		types.KeyCallID:      callID,
		types.KeyWrapperName: wrapperName,
		types.KeyArguments:   args,
	})
}

func (h *Handler) toolEnd(ts time.Time, callID string, raw any, toolErr string) {
	h.mu.Lock()
	// Running invocations may still end while Finalize waits for them.
	if !h.ensureActiveLocked(ts) && h.state != StateFinalizing {
		h.warnLocked("tool_end after finalization ignored", types.KeyCallID, callID)
		h.mu.Unlock()
		return
	}
	inv, ok := h.invocations[callID]
	if !ok {
		h.orphans++
		h.warnLocked("tool_end without matching tool_start", types.KeyCallID, callID)
		h.mu.Unlock()
		return
	}
	if inv.Status != types.StatusRunning || h.processing[callID] {
		h.warnLocked("duplicate tool_end ignored", types.KeyCallID, callID)
		h.mu.Unlock()
		return
	}
	h.processing[callID] = true
	args := inv.Arguments
	h.logLocked(types.EventToolEnd, h.toolEndPayload(callID, raw, toolErr))
	raws := h.raw
	h.mu.Unlock()

	if raws != nil && raw != nil {
		raws.enqueue(callID, raw)
	}

	// Resolution and extraction are pure and run without the lock.
	p := payload.Decode(raw)
	id, resolved := h.resolve(callID, args, p)
	var records []types.Record
	if resolved && toolErr == "" {
		records = h.extractRecords(callID, p, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.processing, callID)
	defer h.signalLocked()

	if inv.Status != types.StatusRunning {
		// Finalize gave up on this invocation while it was being processed.
		h.warnLocked("tool_end completed after finalization; records discarded", types.KeyCallID, callID)
		return
	}

	ended := ts
	if ended.Before(inv.StartedAt) {
		ended = inv.StartedAt
	}
	dur := ended.Sub(inv.StartedAt).Milliseconds()
	inv.EndedAt = &ended
	inv.DurationMs = &dur
	inv.RawOutput = raw
	inv.Status = types.StatusCompleted
	if toolErr != "" {
		inv.Status = types.StatusFailed
		inv.ErrorDetails = toolErr
	}

	if !resolved {
		h.logLocked(types.EventToolResolved, map[string]any{
			types.KeyCallID: callID,
			"resolved":      false,
		})
		return
	}

	name := id.Name
	inv.ResolvedTool = &name
	inv.Catalog = id.CatalogVersion
	registered := 0
	for i := range records {
		records[i].CallID = callID
		if _, ok := h.reg.Register(records[i]); ok {
			registered++
		}
	}
	inv.Records = append(inv.Records, records...)
	h.logLocked(types.EventToolResolved, map[string]any{
		types.KeyCallID:   callID,
		"resolved":        true,
		"resolved_tool":   id.Name,
		"via":             id.Via,
		"catalog_version": id.CatalogVersion,
		"records":         len(records),
		"registered":      registered,
	})
}

func (h *Handler) toolEndPayload(callID string, raw any, toolErr string) map[string]any {
	data := map[string]any{types.KeyCallID: callID}
	if toolErr != "" {
		data[types.KeyError] = toolErr
	}
	if raw == nil {
		return data
	}
	b, err := json.Marshal(raw)
	if err != nil {
		data[types.KeyOutputTruncated] = true
		return data
	}
	if len(b) <= h.cfg.PreviewMaxBytes {
		data[types.KeyOutput] = json.RawMessage(b)
		return data
	}
	data[types.KeyOutputTruncated] = true
	data["output_bytes"] = len(b)
	return data
}

func (h *Handler) resolve(callID string, args map[string]any, p payload.Payload) (id identity.Identity, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			id, ok = identity.Identity{}, false
			h.warn("identity resolution panicked", types.KeyCallID, callID, "panic", fmt.Sprint(r))
		}
	}()
	id, ok = h.catalog.Resolve(args, p)
	if !ok {
		h.log.Debug("tool identity unresolved", types.KeyCallID, callID, "error", types.ErrIdentityUnresolved)
	}
	return id, ok
}

func (h *Handler) extractRecords(callID string, p payload.Payload, id identity.Identity) (records []types.Record) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err := fmt.Errorf("%w: %v", types.ErrExtraction, r)
			h.warn("record extraction failed", types.KeyCallID, callID, "error", err.Error())
		}
	}()
	records, err := h.extract(p, id)
	if err != nil {
		if !errors.Is(err, types.ErrExtraction) {
			err = fmt.Errorf("%w: %v", types.ErrExtraction, err)
		}
		h.warn("record extraction failed", types.KeyCallID, callID, "error", err.Error())
		return nil
	}
	return records
}

func (h *Handler) assistantOutput(ts time.Time, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ensureActiveLocked(ts) {
		h.warnLocked("assistant_output after finalization ignored")
		return
	}
	h.output.WriteString(content)
	h.logLocked(types.EventAssistantOutput, map[string]any{types.KeyContent: content})
}

func (h *Handler) endSession(ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ensureActiveLocked(ts) || h.sessionEnd {
		h.warnLocked("duplicate session_end ignored")
		return
	}
	h.sessionEnd = true
	h.endedAt = ts
	h.logLocked(types.EventSessionEnd, nil)
}

// logLocked appends to the session event log. Encoding problems are the
// only errors Log returns, and they are reported, not raised.
func (h *Handler) logLocked(t types.EventType, data map[string]any) {
	if h.events == nil {
		return
	}
	if err := h.events.Log(t, data); err != nil {
		h.log.Warn("event not logged", "type", t, "error", err)
	}
}

func (h *Handler) warnLocked(msg string, attrs ...any) {
	h.log.Warn(msg, attrs...)
	data := map[string]any{types.KeyMessage: msg}
	for i := 0; i+1 < len(attrs); i += 2 {
		if k, ok := attrs[i].(string); ok {
			data[k] = attrs[i+1]
		}
	}
	h.logLocked(types.EventWarning, data)
}

func (h *Handler) warn(msg string, attrs ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.warnLocked(msg, attrs...)
}

// signalLocked wakes anyone waiting for invocations to settle.
func (h *Handler) signalLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// Registry exposes the session's value registry to the render gate.
func (h *Handler) Registry() *registry.Registry {
	return h.reg
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SessionID returns the session id, empty while idle.
func (h *Handler) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// Dir returns the session output directory, empty while idle.
func (h *Handler) Dir() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dir
}

// Invocations returns copies of all invocations in start order.
func (h *Handler) Invocations() []types.ToolInvocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invocationsLocked()
}

func (h *Handler) invocationsLocked() []types.ToolInvocation {
	out := make([]types.ToolInvocation, 0, len(h.order))
	for _, id := range h.order {
		inv := *h.invocations[id]
		inv.Records = append([]types.Record(nil), inv.Records...)
		out = append(out, inv)
	}
	return out
}

// AssistantText returns the buffered assistant output.
func (h *Handler) AssistantText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output.String()
}

// Log appends an annotation event, e.g. a gate decision.
func (h *Handler) Log(t types.EventType, data map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.logLocked(t, data)
}

// NewGate returns a render gate over the session registry. Every decision
// is appended to the session log as a gate_decision event.
func (h *Handler) NewGate(mode gate.Mode) *gate.Gate {
	g := gate.New(h.reg, mode, h.log)
	g.OnDecision = func(d gate.Decision) {
		data := map[string]any{
			"verdict":  string(d.Verdict),
			"category": string(d.Category),
			"literal":  d.Claim.Literal,
			"value":    d.Claim.Value,
			"unit":     d.Claim.Unit,
			"reason":   d.Reason,
		}
		if d.NonComputational {
			data["non_computational"] = true
		}
		if d.Claim.Identifier != "" {
			data["identifier"] = d.Claim.Identifier
		}
		if d.Entry != nil {
			data["artifact_hash"] = d.Entry.ArtifactHash
			data["source_tool"] = d.Entry.SourceTool
		}
		h.Log(types.EventGateDecision, data)
	}
	return g
}

// Close finalizes if needed, then drains and closes the event log and the
// raw payload writer. It is safe to call more than once.
func (h *Handler) Close(ctx context.Context) error {
	if _, err := h.Finalize(ctx); err != nil {
		h.log.Warn("finalize on close", "error", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	events, raw := h.events, h.raw
	h.mu.Unlock()

	var errs []error
	if raw != nil {
		if err := raw.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if events != nil {
		if err := events.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
