package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

const maxLineBytes = 10 * 1024 * 1024

// ReplayResult reports how much of a log was readable.
type ReplayResult struct {
	Events  int
	Skipped int
}

// Replay decodes events line by line in file order and hands each to fn.
// Lines that are not valid events (a torn final write, say) are skipped and
// counted. A non-nil error from fn stops the replay.
func Replay(r io.Reader, fn func(types.Event) error) (ReplayResult, error) {
	var res ReplayResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal(line, &evt); err != nil || evt.Type == "" {
			res.Skipped++
			continue
		}
		res.Events++
		if err := fn(evt); err != nil {
			return res, err
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read event log: %w", err)
	}
	return res, nil
}

// ReplayFile is Replay over the file at path.
func ReplayFile(path string, fn func(types.Event) error) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return Replay(f, fn)
}

// ReadAll loads every readable event from path.
func ReadAll(path string) ([]types.Event, error) {
	var events []types.Event
	_, err := ReplayFile(path, func(e types.Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}
