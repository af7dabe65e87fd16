package session

import (
	"fmt"
	"time"
)

// Phase is the session lifecycle phase. Transitions are strictly
// Startup -> Calibrating -> Running -> ShuttingDown; no phase is skipped.
type Phase int

const (
	// Startup is the initial phase before the engine runs.
	Startup Phase = iota
	// Calibrating holds until two zero-level calibrations succeed.
	Calibrating
	// Running is normal operation: periodic polls plus operator overrides.
	Running
	// ShuttingDown is terminal, entered on cancellation or fatal failure.
	ShuttingDown
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Startup:
		return "startup"
	case Calibrating:
		return "calibrating"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the session state snapshot. The engine goroutine is the only
// writer; everyone else receives copies via Engine.Snapshot.
type State struct {
	Phase        Phase
	ChannelDuty  [4]int // last acknowledged duty per PWM channel
	PollInterval time.Duration
	Calibrations int // successful zero-level calibrations this session
}
