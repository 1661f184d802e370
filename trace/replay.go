package trace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/eventlog"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

// Replay rebuilds a handler from a session directory's event log. Outputs
// that were too large for the log are read back from raw/ when present.
// The returned handler is finalized and read-only: nothing in dir changes.
// Close it when done.
func Replay(ctx context.Context, dir string, cfg Config) (*Handler, eventlog.ReplayResult, error) {
	dir = filepath.Clean(dir)
	cfg.ReadOnly = true
	cfg.OutputDir = filepath.Dir(dir)
	cfg.SessionID = filepath.Base(dir)
	// The log is complete; an invocation without tool_end will never end.
	cfg.AbandonTimeout = time.Millisecond
	h := New(cfg)

	res, err := eventlog.ReplayFile(filepath.Join(dir, EventsFile), func(evt types.Event) error {
		if !evt.Type.IsLifecycle() {
			return nil
		}
		if evt.Type == types.EventToolEnd {
			if truncated, _ := evt.Payload[types.KeyOutputTruncated].(bool); truncated {
				evt = withRawOutput(evt, dir)
			}
		}
		if evt.Type == types.EventSessionEnd {
			// Finalize below, once every event is in.
			h.endSession(at(evt.Timestamp, h.now()))
			return nil
		}
		h.Handle(evt)
		return ctx.Err()
	})
	if err != nil {
		return nil, res, fmt.Errorf("replay %s: %w", dir, err)
	}
	if _, err := h.Finalize(ctx); err != nil {
		return nil, res, err
	}
	return h, res, nil
}

func withRawOutput(evt types.Event, dir string) types.Event {
	callID, _ := evt.Payload[types.KeyCallID].(string)
	b, err := os.ReadFile(RawPath(filepath.Join(dir, RawDir), callID))
	if err != nil {
		return evt
	}
	p := make(map[string]any, len(evt.Payload)+1)
	for k, v := range evt.Payload {
		p[k] = v
	}
	p[types.KeyOutput] = string(b)
	evt.Payload = p
	return evt
}
