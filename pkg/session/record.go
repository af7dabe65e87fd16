package session

import (
	"sync"
	"time"

	"github.com/foresail/pbbes/pkg/protocol"
)

// MeasurementRecord is an immutable snapshot written to the measurement
// sink: one record per resolved poll, never per retry. Commands lists the
// state-altering wire commands issued since the previous record, so rows
// following an operator change can be told apart afterwards.
type MeasurementRecord struct {
	Timestamp time.Time
	Fields    protocol.Measurement
	Duty      [4]int
	Commands  string
}

// DefaultHistorySize is how many recent records the engine retains for
// display snapshots.
const DefaultHistorySize = 19

// History is a fixed-capacity ring of the most recent measurement
// records. Safe for concurrent use; the engine appends, readers copy.
type History struct {
	mu  sync.RWMutex
	buf []MeasurementRecord
	max int
}

// NewHistory creates a history retaining up to n records.
func NewHistory(n int) *History {
	if n <= 0 {
		n = DefaultHistorySize
	}
	return &History{buf: make([]MeasurementRecord, 0, n), max: n}
}

// Add appends a record, evicting the oldest when full.
func (h *History) Add(r MeasurementRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == h.max {
		copy(h.buf, h.buf[1:])
		h.buf = h.buf[:len(h.buf)-1]
	}
	h.buf = append(h.buf, r)
}

// Recent returns the retained records, oldest first.
func (h *History) Recent() []MeasurementRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MeasurementRecord, len(h.buf))
	copy(out, h.buf)
	return out
}

// Latest returns the newest record, if any.
func (h *History) Latest() (MeasurementRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.buf) == 0 {
		return MeasurementRecord{}, false
	}
	return h.buf[len(h.buf)-1], true
}
