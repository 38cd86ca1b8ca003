// Package history records stream lifecycle notifications for the
// conversation log. The session manager notifies it of start/append/end; the
// storage format here (append-only JSONL) is this package's own concern.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avreli/modelhost/pkg/session"
)

// entry is one line in the history log.
type entry struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"` // started | fragment | ended
	SessionID string    `json:"session_id"`
	Prompt    string    `json:"prompt,omitempty"`
	Fragment  string    `json:"fragment,omitempty"`
	Status    string    `json:"status,omitempty"`
	Output    string    `json:"output,omitempty"`
}

// Recorder appends stream events to a JSONL file. It implements the session
// manager's Sink interface.
type Recorder struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewRecorder opens (or creates) the history file at path for appending.
func NewRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	return &Recorder{f: f, enc: json.NewEncoder(f)}, nil
}

// StreamStarted records the start of a generation stream.
func (r *Recorder) StreamStarted(sessionID, prompt string) {
	r.write(entry{Kind: "started", SessionID: sessionID, Prompt: prompt})
}

// FragmentAppended records one output fragment.
func (r *Recorder) FragmentAppended(sessionID, fragment string) {
	r.write(entry{Kind: "fragment", SessionID: sessionID, Fragment: fragment})
}

// StreamEnded records the terminal outcome with the full accumulated output.
func (r *Recorder) StreamEnded(sessionID string, status session.Status, output string) {
	r.write(entry{Kind: "ended", SessionID: sessionID, Status: string(status), Output: output})
}

func (r *Recorder) write(e entry) {
	e.Time = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	// History is advisory; a write failure must not disturb the stream.
	_ = r.enc.Encode(e)
}

// Close flushes and closes the history file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
