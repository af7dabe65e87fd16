package transport

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by ReadLine when no complete line arrives
	// before the deadline.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrClosed is returned when the transport has been closed or the
	// underlying link is lost. Unrecoverable.
	ErrClosed = errors.New("transport: closed")
)

// Transport owns the half-duplex byte stream to the bias board.
// Exactly one goroutine may use it at a time; the session engine is that
// goroutine.
type Transport interface {
	// WriteFrame writes one terminator-delimited frame.
	WriteFrame(p []byte) error
	// ReadLine returns the next terminator-delimited line without the
	// terminator, or ErrTimeout if none arrives within the timeout.
	ReadLine(timeout time.Duration) ([]byte, error)
	Close() error
}

// Direction labels a wire log entry.
type Direction int

const (
	// Sent marks bytes written to the board.
	Sent Direction = iota
	// Received marks bytes read from the board.
	Received
)

// String returns the conventional wire log direction tag.
func (d Direction) String() string {
	if d == Sent {
		return "TX"
	}
	return "RX"
}

// Recorder receives every wire exchange for post-hoc diagnosis.
type Recorder interface {
	Record(dir Direction, data []byte, at time.Time)
}

// WithLog wraps a transport so that every write and every read, including
// ones that time out, is passed to the recorder.
func WithLog(inner Transport, rec Recorder) Transport {
	return &logged{inner: inner, rec: rec}
}

type logged struct {
	inner Transport
	rec   Recorder
}

func (l *logged) WriteFrame(p []byte) error {
	l.rec.Record(Sent, p, time.Now())
	return l.inner.WriteFrame(p)
}

func (l *logged) ReadLine(timeout time.Duration) ([]byte, error) {
	line, err := l.inner.ReadLine(timeout)
	switch {
	case err == nil:
		l.rec.Record(Received, line, time.Now())
	case errors.Is(err, ErrTimeout):
		// Empty data marks an expired read deadline in the wire log.
		l.rec.Record(Received, nil, time.Now())
	}
	return line, err
}

// Drain forwards the post-timeout input flush to the inner transport,
// so wrapping a transport in a wire log does not hide its flush path.
func (l *logged) Drain() {
	if d, ok := l.inner.(interface{ Drain() }); ok {
		d.Drain()
	}
}

func (l *logged) Close() error {
	return l.inner.Close()
}
