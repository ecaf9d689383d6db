package completion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionLogger appends a turn (human then assistant) to a session's JSONL
// log. Implemented by *FileSessionLogger; tests may substitute a fake.
type SessionLogger interface {
	LogTurn(sessionID, humanText, assistantText string) error
}

// turnLine is one JSONL record.
type turnLine struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// FileSessionLogger appends turns to <dir>/<session_id>.jsonl and
// maintains a latest.jsonl symlink pointing at the most recently written
// session log.
type FileSessionLogger struct {
	mu  sync.Mutex
	dir string
}

// NewFileSessionLogger creates a logger writing under dir, creating it if
// necessary.
func NewFileSessionLogger(dir string) (*FileSessionLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("completion: create session log dir %s: %w", dir, err)
	}
	return &FileSessionLogger{dir: dir}, nil
}

// LogTurn appends two JSONL lines (human then assistant) to the session's
// log file and repoints latest.jsonl at it.
func (l *FileSessionLogger) LogTurn(sessionID, humanText, assistantText string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("completion: open session log %s: %w", path, err)
	}
	defer f.Close()

	now := time.Now().UTC()
	for _, line := range []turnLine{
		{Role: "human", Text: humanText, Timestamp: now},
		{Role: "assistant", Text: assistantText, Timestamp: now},
	} {
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("completion: marshal turn: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("completion: write turn: %w", err)
		}
	}

	latest := filepath.Join(l.dir, "latest.jsonl")
	_ = os.Remove(latest)
	if err := os.Symlink(sessionID+".jsonl", latest); err != nil {
		return fmt.Errorf("completion: update latest.jsonl symlink: %w", err)
	}
	return nil
}
