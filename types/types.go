package types

import (
	"errors"
	"time"
)

// EventType identifies a lifecycle or annotation event in a session log.
type EventType string

const (
	EventSessionStart    EventType = "session_start"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventAssistantOutput EventType = "assistant_output"
	EventSessionEnd      EventType = "session_end"

	// Annotations appended by the handler itself. Replay ignores them.
	EventToolResolved EventType = "tool_resolved"
	EventWarning      EventType = "warning"
	EventGateDecision EventType = "gate_decision"
)

// IsLifecycle reports whether t is emitted by the orchestration layer
// rather than derived by the audit handler.
func (t EventType) IsLifecycle() bool {
	switch t {
	case EventSessionStart, EventToolStart, EventToolEnd, EventAssistantOutput, EventSessionEnd:
		return true
	}
	return false
}

// Event is one line of the append-only session log.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       int64          `json:"seq"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Payload keys shared by the orchestration adapters and the handler.
const (
	KeyCallID          = "call_id"
	KeyWrapperName     = "wrapper_name"
	KeyArguments       = "arguments"
	KeyOutput          = "output"
	KeyOutputTruncated = "output_truncated"
	KeyError           = "error"
	KeyContent         = "content"
	KeyMessage         = "message"
)

// InvocationStatus is the lifecycle state of a single tool invocation.
type InvocationStatus string

const (
	StatusRunning    InvocationStatus = "running"
	StatusCompleted  InvocationStatus = "completed"
	StatusFailed     InvocationStatus = "failed" // tool_end carried an error
	StatusIncomplete InvocationStatus = "incomplete"
)

// ToolInvocation is owned by the audit handler for its whole lifetime and
// keyed by CallID, never by arrival order.
type ToolInvocation struct {
	CallID       string           `json:"call_id"`
	WrapperName  string           `json:"wrapper_name"`
	Arguments    map[string]any   `json:"arguments,omitempty"`
	ResolvedTool *string          `json:"resolved_tool,omitempty"`
	Catalog      string           `json:"catalog_version,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
	DurationMs   *int64           `json:"duration_ms,omitempty"`
	RawOutput    any              `json:"-"`
	Status       InvocationStatus `json:"status"`
	ErrorDetails string           `json:"error_details,omitempty"`
	Records      []Record         `json:"records"`
}

// Record is a domain item pulled out of a tool output. Value is nil for
// identifier-only records (e.g. a generated structure with no energy yet).
type Record struct {
	Identifier  string    `json:"identifier"`
	Property    string    `json:"property,omitempty"`
	Value       *float64  `json:"value,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	SourceTool  string    `json:"source_tool"`
	CallID      string    `json:"call_id,omitempty"`
	Path        string    `json:"path"`
	ExtractedAt time.Time `json:"extracted_at"`
	RawContext  string    `json:"raw_context,omitempty"`
}

// HasValue reports whether the record carries a numeric value.
func (r Record) HasValue() bool {
	return r.Value != nil
}

// RegistryEntry is a deduplicated computed value.
type RegistryEntry struct {
	Value        float64   `json:"value"`
	Unit         string    `json:"unit"`
	SourceTool   string    `json:"source_tool"`
	ArtifactHash string    `json:"artifact_hash"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	Identifiers  []string  `json:"identifiers,omitempty"`
	Properties   []string  `json:"properties,omitempty"`
	Occurrences  int       `json:"occurrences"`
}

// ToolStats aggregates the invocations that went through one wrapper name.
type ToolStats struct {
	Invocations     int            `json:"invocations"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	Incomplete      int            `json:"incomplete"`
	Unresolved      int            `json:"unresolved"`
	Records         int            `json:"records"`
	TotalDurationMs int64          `json:"total_duration_ms"`
	ResolvedAs      map[string]int `json:"resolved_as,omitempty"`
}

// SessionSummary is computed once at finalization and never changes after.
type SessionSummary struct {
	SessionID             string               `json:"session_id"`
	StartedAt             time.Time            `json:"started_at"`
	EndedAt               time.Time            `json:"ended_at"`
	TotalTimeMs           int64                `json:"total_time_ms"`
	PerToolStats          map[string]ToolStats `json:"per_tool_stats"`
	RecordCount           int                  `json:"record_count"`
	UniqueIdentifiers     int                  `json:"unique_identifiers"`
	MaterialsFound        int                  `json:"materials_found"`
	WithEnergy            int                  `json:"with_energy"`
	RegistryEntries       int                  `json:"registry_entries"`
	UnresolvedInvocations int                  `json:"unresolved_invocations"`
	IncompleteInvocations []string             `json:"incomplete_invocations"`
	OrphanToolEnds        int                  `json:"orphan_tool_ends"`
	EventsDropped         int64                `json:"events_dropped"`
	Complete              bool                 `json:"complete"`
	OutputDir             string               `json:"output_dir"`
}

// Error taxonomy. Only ErrGateMiss is ever visible to the end user, and only
// as a redaction.
var (
	ErrIdentityUnresolved = errors.New("tool identity unresolved")
	ErrExtraction         = errors.New("record extraction failed")
	ErrPersistence        = errors.New("audit persistence failed")
	ErrGateMiss           = errors.New("claim has no matching registry entry")
)
