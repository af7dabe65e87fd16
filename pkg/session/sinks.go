package session

import (
	"errors"
	"time"

	"github.com/foresail/pbbes/pkg/protocol"
)

var (
	// ErrNotReady rejects an operator command whose session phase
	// disallows it. The transport is never touched.
	ErrNotReady = errors.New("session: not ready")
	// ErrProtocolFailure marks a request that exhausted its retries or
	// was rejected by the board. The session continues.
	ErrProtocolFailure = errors.New("session: protocol failure")
	// ErrConfigInvalid rejects an out-of-range or unsupported operator
	// command before any wire interaction.
	ErrConfigInvalid = errors.New("session: invalid command")
)

// PendingRequest is the single in-flight command. At most one instance
// exists at any time, owned exclusively by the engine goroutine.
type PendingRequest struct {
	Seq      uint64
	Command  protocol.Command
	IssuedAt time.Time
	Attempt  int
}

// MeasurementSink receives one record per resolved poll.
type MeasurementSink interface {
	Append(MeasurementRecord) error
	Flush() error
}

// Notifier receives session events for display. Implementations must not
// block; they are called from the engine goroutine.
type Notifier interface {
	PhaseChanged(Phase)
	Measured(MeasurementRecord)
	RequestFailed(cmd protocol.Command, attempts int, err error)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) PhaseChanged(Phase)                                          {}
func (NopNotifier) Measured(MeasurementRecord)                                  {}
func (NopNotifier) RequestFailed(cmd protocol.Command, attempts int, err error) {}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Append(MeasurementRecord) error { return nil }
func (NopSink) Flush() error                   { return nil }
