// Package session implements the bias board session engine: a single
// control loop that merges the poll timer, operator commands and the
// serial request/response protocol into one strictly ordered command
// stream, so the half-duplex link never carries overlapping requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foresail/pbbes/pkg/protocol"
	"github.com/foresail/pbbes/pkg/transport"
)

// calibrationCount is how many successful zero-level calibrations are
// required before polling may begin.
const calibrationCount = 2

// opQueueSize buffers operator commands between the UI goroutine and the
// engine. Operator input is never dropped while the session runs.
const opQueueSize = 16

// Options configures the engine.
type Options struct {
	PollInterval     time.Duration // cadence of measurement polls
	ResponseTimeout  time.Duration // deadline for a normal exchange
	CalibrateTimeout time.Duration // deadline for a calibration exchange
	Retries          int           // retries after the first attempt
	SyncDutyOnStart  bool          // read back PWM duties once Running
	HistorySize      int           // recent records retained for display
}

// ensureDefaults fills zero values with usable defaults.
func (o *Options) ensureDefaults() {
	if o.PollInterval == 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = time.Second
	}
	if o.CalibrateTimeout == 0 {
		o.CalibrateTimeout = 30 * time.Second
	}
	if o.Retries == 0 {
		o.Retries = 2
	}
}

// Engine is the session scheduler. It exclusively owns the transport and
// the session state; Run is its single control loop. Submit and Snapshot
// are safe to call from other goroutines.
type Engine struct {
	tr     transport.Transport
	sink   MeasurementSink
	notify Notifier
	log    zerolog.Logger
	opt    Options

	mu sync.RWMutex
	st State

	ops     chan protocol.Command
	done    chan struct{}
	history *History

	// Engine-goroutine only.
	seq       uint64
	pending   *PendingRequest
	timer     *time.Timer
	cmdsSince []string
}

// New creates an engine owning the given transport. A nil sink or
// notifier is replaced with a no-op implementation.
func New(tr transport.Transport, sink MeasurementSink, notify Notifier, log zerolog.Logger, opt Options) *Engine {
	opt.ensureDefaults()
	if sink == nil {
		sink = NopSink{}
	}
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Engine{
		tr:     tr,
		sink:   sink,
		notify: notify,
		log:    log.With().Str("component", "session").Logger(),
		opt:    opt,
		st: State{
			Phase:        Startup,
			PollInterval: opt.PollInterval,
		},
		ops:     make(chan protocol.Command, opQueueSize),
		done:    make(chan struct{}),
		history: NewHistory(opt.HistorySize),
	}
}

// Snapshot returns a copy of the current session state.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st
}

// History returns the recent measurement records buffer.
func (e *Engine) History() *History {
	return e.history
}

// Submit queues an operator command. It validates ranges and session
// phase immediately: a rejected command never reaches the transport.
func (e *Engine) Submit(cmd protocol.Command) error {
	if cmd.Kind != protocol.KindSetDuty && cmd.Kind != protocol.KindSetInterval {
		return fmt.Errorf("%s is not an operator command: %w", cmd.Kind, ErrConfigInvalid)
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrConfigInvalid)
	}
	if ph := e.Snapshot().Phase; ph != Running {
		return fmt.Errorf("session is %s: %w", ph, ErrNotReady)
	}
	select {
	case <-e.done:
		return fmt.Errorf("session closed: %w", ErrNotReady)
	default:
	}
	select {
	case e.ops <- cmd:
	case <-e.done:
		return fmt.Errorf("session closed: %w", ErrNotReady)
	}
	// The engine may have stopped between the phase check and the
	// enqueue; a command parked in the queue of a stopped engine is
	// never served and must not be reported as accepted.
	select {
	case <-e.done:
		return fmt.Errorf("session closed: %w", ErrNotReady)
	default:
		return nil
	}
}

// Run executes the session until the context is cancelled or the
// transport fails fatally. It calibrates twice, transitions to Running
// and then serves the merged intake of timer ticks and operator commands,
// with operator commands taking priority over a due poll.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.setPhase(Calibrating)
	for i := 1; i <= calibrationCount; i++ {
		if err := ctx.Err(); err != nil {
			return e.shutdown(nil)
		}
		resp, err := e.dispatch(ctx, protocol.Calibrate(), e.opt.CalibrateTimeout)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return e.shutdown(nil)
		}
		if err != nil {
			// Startup cannot proceed on an uncalibrated board.
			return e.shutdown(fmt.Errorf("calibration %d/%d: %w", i, calibrationCount, err))
		}
		e.mu.Lock()
		e.st.Calibrations++
		e.mu.Unlock()
		e.log.Info().
			Int("calibration", i).
			Str("zero_levels", resp.Text).
			Msg("calibration complete")
	}

	e.setPhase(Running)
	if e.opt.SyncDutyOnStart {
		if err := e.syncDuty(ctx); err != nil {
			return e.shutdown(err)
		}
	}

	e.timer = time.NewTimer(e.interval())
	defer e.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(nil)

		case cmd := <-e.ops:
			if err := e.handleOperator(ctx, cmd); err != nil {
				return e.shutdown(err)
			}

		case <-e.timer.C:
			// Operator commands pending at the tick are served first;
			// the due poll is deferred, never dropped.
			if err := e.drainOperator(ctx); err != nil {
				return e.shutdown(err)
			}
			if ctx.Err() != nil {
				return e.shutdown(nil)
			}
			if err := e.handlePoll(ctx); err != nil {
				return e.shutdown(err)
			}
			// Rearmed only after the poll resolved or failed, so at most
			// one poll is ever pending.
			e.timer.Reset(e.interval())
		}
	}
}

// drainOperator serves all queued operator commands without blocking.
func (e *Engine) drainOperator(ctx context.Context) error {
	for {
		select {
		case cmd := <-e.ops:
			if err := e.handleOperator(ctx, cmd); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// handleOperator serves one operator command. A protocol failure is
// surfaced and the session continues; only transport loss is returned.
func (e *Engine) handleOperator(ctx context.Context, cmd protocol.Command) error {
	switch cmd.Kind {
	case protocol.KindSetInterval:
		d := time.Duration(cmd.Seconds) * time.Second
		e.mu.Lock()
		e.st.PollInterval = d
		e.mu.Unlock()
		// Takes effect on the next tick: the running timer is rearmed to
		// fire the new interval from now.
		e.rearm(d)
		e.log.Info().Dur("interval", d).Msg("poll interval changed")
		return nil

	case protocol.KindSetDuty:
		resp, err := e.dispatch(ctx, cmd, e.opt.ResponseTimeout)
		if err != nil {
			return e.resolveFailure(cmd, err)
		}
		// Duty mirrors the acknowledged value only; a failed SetDuty
		// leaves the prior value authoritative.
		e.mu.Lock()
		e.st.ChannelDuty[cmd.Channel-1] = resp.Value
		e.mu.Unlock()
		e.cmdsSince = append(e.cmdsSince, cmd.String())
		e.log.Info().Int("channel", cmd.Channel).Int("duty", resp.Value).Msg("duty changed")
		return nil

	default:
		// Submit filters kinds; anything else is a programming error.
		e.log.Error().Stringer("command", cmd.Kind).Msg("unexpected operator command")
		return nil
	}
}

// handlePoll performs one measurement exchange and emits the record.
func (e *Engine) handlePoll(ctx context.Context) error {
	resp, err := e.dispatch(ctx, protocol.Poll(), e.opt.ResponseTimeout)
	if err != nil {
		return e.resolveFailure(protocol.Poll(), err)
	}

	rec := MeasurementRecord{
		Timestamp: resp.Timestamp,
		Fields:    resp.Fields,
		Duty:      e.Snapshot().ChannelDuty,
		Commands:  strings.Join(e.cmdsSince, ","),
	}
	e.cmdsSince = e.cmdsSince[:0]

	e.history.Add(rec)
	if err := e.sink.Append(rec); err != nil {
		e.log.Error().Err(err).Msg("measurement sink append failed")
	}
	e.notify.Measured(rec)
	return nil
}

// syncDuty reads back the duty value of every PWM channel so the session
// state reflects the board's power-on values. Per-channel failures are
// surfaced but not fatal.
func (e *Engine) syncDuty(ctx context.Context) error {
	for ch := protocol.MinChannel; ch <= protocol.MaxChannel; ch++ {
		cmd := protocol.GetDuty(ch)
		resp, err := e.dispatch(ctx, cmd, e.opt.ResponseTimeout)
		if err != nil {
			if err := e.resolveFailure(cmd, err); err != nil {
				return err
			}
			continue
		}
		e.mu.Lock()
		e.st.ChannelDuty[ch-1] = resp.Value
		e.mu.Unlock()
	}
	return nil
}

// dispatch performs one command exchange with the retry policy applied:
// timeout and malformed responses are retried with the same frame, an
// explicit ERROR reply is not (the board understood and rejected the
// frame, an identical retry cannot help). Returns ErrProtocolFailure
// after exhaustion; transport loss and context cancellation pass through.
func (e *Engine) dispatch(ctx context.Context, cmd protocol.Command, timeout time.Duration) (protocol.Response, error) {
	frame, err := protocol.Encode(cmd)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("%v: %w", err, ErrConfigInvalid)
	}

	attempts := 1 + e.opt.Retries
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return protocol.Response{}, err
		}

		e.seq++
		pr := PendingRequest{Seq: e.seq, Command: cmd, IssuedAt: time.Now(), Attempt: attempt}
		e.pending = &pr
		e.log.Debug().
			Uint64("seq", pr.Seq).
			Stringer("command", cmd).
			Int("attempt", attempt).
			Msg("dispatching")

		if err := e.tr.WriteFrame(frame); err != nil {
			e.pending = nil
			return protocol.Response{}, fmt.Errorf("write %s: %w", cmd, err)
		}
		resp, err := readExchange(e.tr, cmd, timeout)
		e.pending = nil
		if err != nil {
			return protocol.Response{}, fmt.Errorf("read %s: %w", cmd, err)
		}

		switch resp.Kind {
		case protocol.KindTimeout, protocol.KindMalformed:
			e.log.Warn().
				Uint64("seq", pr.Seq).
				Stringer("command", cmd).
				Int("attempt", attempt).
				Stringer("response", resp.Kind).
				Str("raw", resp.Raw).
				Msg("exchange failed")
			// A late straggler reply must not be matched to the next
			// request.
			if d, ok := e.tr.(interface{ Drain() }); ok {
				d.Drain()
			}
		case protocol.KindDeviceError:
			return protocol.Response{}, fmt.Errorf("%s attempt %d: device replied ERROR: %w", cmd, attempt, ErrProtocolFailure)
		default:
			return resp, nil
		}
	}
	return protocol.Response{}, fmt.Errorf("%s: %d attempts exhausted: %w", cmd, attempts, ErrProtocolFailure)
}

// resolveFailure classifies a dispatch error: protocol failures are
// logged and surfaced, cancellation is quiet, anything else is fatal.
func (e *Engine) resolveFailure(cmd protocol.Command, err error) error {
	switch {
	case errors.Is(err, ErrProtocolFailure):
		e.log.Error().Err(err).Stringer("command", cmd).Msg("request failed")
		e.notify.RequestFailed(cmd, 1+e.opt.Retries, err)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return err
	}
}

// rearm resets the poll timer to fire after d, draining a pending fire.
func (e *Engine) rearm(d time.Duration) {
	if e.timer == nil {
		return
	}
	if !e.timer.Stop() {
		select {
		case <-e.timer.C:
		default:
		}
	}
	e.timer.Reset(d)
}

func (e *Engine) interval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.PollInterval
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	old := e.st.Phase
	e.st.Phase = p
	e.mu.Unlock()
	e.log.Info().Stringer("from", old).Stringer("to", p).Msg("phase transition")
	e.notify.PhaseChanged(p)
}

// shutdown flushes the sinks and exits the session. err is the fatal
// cause, or nil for a clean cancellation.
func (e *Engine) shutdown(err error) error {
	e.setPhase(ShuttingDown)
	if ferr := e.sink.Flush(); ferr != nil {
		e.log.Error().Err(ferr).Msg("measurement sink flush failed")
	}
	if err != nil {
		e.log.Error().Err(err).Msg("session terminated")
		return err
	}
	e.log.Info().Msg("session closed")
	return nil
}

// readExchange reads response lines until the board terminates the
// exchange with OK or ERROR, or the deadline expires. Payload lines are
// decoded against the command's expected shape.
func readExchange(tr transport.Transport, cmd protocol.Command, timeout time.Duration) (protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	var payload []string
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Timeout(), nil
		}
		line, err := tr.ReadLine(remaining)
		if errors.Is(err, transport.ErrTimeout) {
			return protocol.Timeout(), nil
		}
		if err != nil {
			return protocol.Response{}, err
		}
		s := string(line)
		if terminal, ok := protocol.IsStatus(s); terminal {
			if !ok {
				return protocol.DeviceError(time.Now()), nil
			}
			return protocol.Decode(cmd, payload, time.Now()), nil
		}
		payload = append(payload, s)
	}
}

// Probe issues a firmware identification exchange before the engine
// takes ownership of the transport. Used at startup to verify
// connectivity and to label the measurement file.
func Probe(tr transport.Transport, timeout time.Duration) (string, error) {
	cmd := protocol.Version()
	frame, err := protocol.Encode(cmd)
	if err != nil {
		return "", err
	}
	if err := tr.WriteFrame(frame); err != nil {
		return "", fmt.Errorf("write %s: %w", cmd, err)
	}
	resp, err := readExchange(tr, cmd, timeout)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", cmd, err)
	}
	if resp.Kind != protocol.KindAck {
		return "", fmt.Errorf("%s: unexpected %s reply: %w", cmd, resp.Kind, ErrProtocolFailure)
	}
	return resp.Text, nil
}
