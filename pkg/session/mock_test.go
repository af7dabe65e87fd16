package session

import (
	"strings"
	"sync"
	"time"

	"github.com/foresail/pbbes/pkg/protocol"
	"github.com/foresail/pbbes/pkg/transport"
)

// measLine is a plausible MEAS99 payload for scripted replies.
const measLine = "200 201 202 203 2048 2049 12 0 0 0 10 11 -12 13 38 4 45 3 3290"

// scriptedTransport replies to every frame through a handler function.
// A nil reply simulates a device that never answers (read timeout). It
// also verifies the single in-flight request invariant: a frame written
// while a previous exchange is unresolved sets overlapped.
type scriptedTransport struct {
	mu         sync.Mutex
	handler    func(frame string) []string
	frames     []string
	queue      []string
	inFlight   bool
	overlapped bool
	writeErr   error
	closed     bool
}

func newScripted(handler func(frame string) []string) *scriptedTransport {
	if handler == nil {
		handler = ackAll
	}
	return &scriptedTransport{handler: handler}
}

// ackAll answers every command the way a healthy board would.
func ackAll(frame string) []string {
	switch {
	case frame == "RRR":
		return []string{"Zero levels are to be calibrated.", "6\t19\t36\t-7\t296", "OK"}
	case frame == "MEAS99?":
		return []string{measLine, "OK"}
	case frame == "VERS?":
		return []string{"scripted board 1.0", "OK"}
	case strings.HasPrefix(frame, "PWM") && strings.HasSuffix(frame, "?"):
		return []string{"025", "OK"}
	case strings.HasPrefix(frame, "PWM") && len(frame) == 8:
		return []string{frame[5:], "OK"}
	default:
		return []string{"ERROR"}
	}
}

func (s *scriptedTransport) WriteFrame(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	if s.inFlight {
		s.overlapped = true
	}
	frame := strings.TrimRight(string(p), "\r\n")
	s.frames = append(s.frames, frame)
	handler := s.handler
	s.mu.Unlock()

	// The handler runs unlocked so it may block to simulate a slow board.
	lines := handler(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(lines) > 0 {
		s.queue = append(s.queue, lines...)
		s.inFlight = true
	}
	return nil
}

func (s *scriptedTransport) ReadLine(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	if len(s.queue) == 0 {
		return nil, transport.ErrTimeout
	}
	line := s.queue[0]
	s.queue = s.queue[1:]
	if line == "OK" || line == "ERROR" {
		s.inFlight = false
	}
	return []byte(line), nil
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// sentFrames returns a copy of all frames written so far.
func (s *scriptedTransport) sentFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *scriptedTransport) overlapDetected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlapped
}

func (s *scriptedTransport) failWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// nopRecorder discards wire log entries.
type nopRecorder struct{}

func (nopRecorder) Record(transport.Direction, []byte, time.Time) {}

// stragglerTransport answers the first duty write only after the read
// deadline expires, so the stale echo sits buffered when the retry goes
// out. All other frames are answered promptly.
type stragglerTransport struct {
	mu     sync.Mutex
	frames []string
	queue  []string
	late   []string
	duties int
	drains int
}

func (s *stragglerTransport) WriteFrame(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := strings.TrimRight(string(p), "\r\n")
	s.frames = append(s.frames, frame)
	if strings.HasPrefix(frame, "PWM") && strings.Contains(frame, "S") {
		s.duties++
		if s.duties == 1 {
			// The board is still busy; this reply lands too late and
			// carries a value the command did not ask for.
			s.late = []string{"025", "OK"}
			return nil
		}
	}
	s.queue = append(s.queue, ackAll(frame)...)
	return nil
}

func (s *stragglerTransport) ReadLine(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		// The straggler arrives just as the deadline expires.
		s.queue = append(s.queue, s.late...)
		s.late = nil
		return nil, transport.ErrTimeout
	}
	line := s.queue[0]
	s.queue = s.queue[1:]
	return []byte(line), nil
}

func (s *stragglerTransport) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.drains++
}

func (s *stragglerTransport) Close() error { return nil }

func (s *stragglerTransport) sentFrames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *stragglerTransport) drainCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drains
}

// countFrames counts occurrences of a frame among those sent.
func countFrames(frames []string, frame string) int {
	n := 0
	for _, f := range frames {
		if f == frame {
			n++
		}
	}
	return n
}

// chanNotifier exposes engine events as channels for tests.
type chanNotifier struct {
	phases   chan Phase
	measured chan MeasurementRecord
	failed   chan error
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{
		phases:   make(chan Phase, 16),
		measured: make(chan MeasurementRecord, 64),
		failed:   make(chan error, 16),
	}
}

func (n *chanNotifier) PhaseChanged(p Phase) {
	select {
	case n.phases <- p:
	default:
	}
}

func (n *chanNotifier) Measured(rec MeasurementRecord) {
	select {
	case n.measured <- rec:
	default:
	}
}

func (n *chanNotifier) RequestFailed(cmd protocol.Command, attempts int, err error) {
	select {
	case n.failed <- err:
	default:
	}
}

// countingSink counts appended records and flushes.
type countingSink struct {
	mu      sync.Mutex
	records []MeasurementRecord
	flushes int
}

func (c *countingSink) Append(rec MeasurementRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *countingSink) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *countingSink) flushed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes > 0
}
