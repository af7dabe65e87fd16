package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foresail/pbbes/pkg/protocol"
)

// TestEngine_GracefulShutdown tests that cancellation stops the engine
// cleanly: the sink is flushed, the phase is terminal and later operator
// submissions are rejected instead of blocking.
func TestEngine_GracefulShutdown(t *testing.T) {
	tr := newScripted(nil)
	sink := &countingSink{}
	notify := newChanNotifier()
	e := New(tr, sink, notify, zerolog.Nop(), Options{
		PollInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Let the session do some work first.
	select {
	case <-notify.measured:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a measurement")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop within timeout")
	}

	assert.Equal(t, ShuttingDown, e.Snapshot().Phase)
	assert.True(t, sink.flushed(), "sink should be flushed on shutdown")

	// The engine is gone; a submission must fail, not hang.
	err := e.Submit(protocol.SetDuty(1, 10))
	assert.ErrorIs(t, err, ErrNotReady)
}

// TestEngine_CancelDuringCalibration tests that cancellation between
// the two startup calibrations exits without an error.
func TestEngine_CancelDuringCalibration(t *testing.T) {
	gate := make(chan struct{})
	calibrations := 0
	tr := newScripted(nil)
	tr.handler = func(frame string) []string {
		if frame == "RRR" {
			calibrations++
			if calibrations == 1 {
				<-gate
			}
		}
		return ackAll(frame)
	}
	e := New(tr, nil, nil, zerolog.Nop(), Options{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()
	close(gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop within timeout")
	}
	assert.Equal(t, ShuttingDown, e.Snapshot().Phase)
}
