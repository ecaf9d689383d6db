package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ksi-project/ksid/internal/envelope"
)

// EventLog appends every published event to a JSONL file, the bus's
// durable diagnostics trail. Always routed through the configured log
// directory; a nil *EventLog is a valid no-op.
type EventLog struct {
	mu   sync.Mutex
	path string
}

// NewEventLog creates a log appending to path, creating parent
// directories as needed.
func NewEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bus: create event log dir: %w", err)
	}
	return &EventLog{path: path}, nil
}

func (l *EventLog) append(evt envelope.Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("bus: open event log: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("bus: write event: %w", err)
	}
	return nil
}

// SetEventLog installs the JSONL event log. Call before the bus carries
// traffic; append failures are silently dropped thereafter (diagnostics
// must never fail delivery).
func (b *Bus) SetEventLog(log *EventLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventLog = log
}
