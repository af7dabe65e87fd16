package sink

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/foresail/pbbes/pkg/transport"
)

// WireLog records every serial exchange, one line per write or read,
// for post-hoc protocol diagnosis. Timed-out reads appear as a
// "<timeout>" marker so gaps in the exchange are visible.
type WireLog struct {
	mu   sync.Mutex
	file *os.File
}

var _ transport.Recorder = (*WireLog)(nil)

// NewWireLog opens (truncates) the wire log file.
func NewWireLog(path string) (*WireLog, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create wire log: %w", err)
	}
	return &WireLog{file: file}, nil
}

// Record writes one exchange entry. Never fails loudly: wire logging is
// diagnostic and must not disturb the session.
func (w *WireLog) Record(dir transport.Direction, data []byte, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	text := string(data)
	if len(data) == 0 && dir == transport.Received {
		text = "<timeout>"
	}
	fmt.Fprintf(w.file, "%s %s %s\n",
		at.Format("15:04:05.000"),
		dir,
		trimTerminator(text),
	)
}

// Close closes the wire log file.
func (w *WireLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close wire log: %w", err)
	}
	return nil
}

func trimTerminator(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
