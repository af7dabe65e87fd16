// Package emulator provides an in-process bias board implementing the
// transport contract. It answers the same command set as the real
// firmware and is used for development without hardware and for tests.
package emulator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/foresail/pbbes/pkg/config"
	"github.com/foresail/pbbes/pkg/transport"
)

// lineQueueSize bounds the pending response line queue.
const lineQueueSize = 256

// Board emulates the bias board behind the Transport interface.
type Board struct {
	cfg config.MockConfig

	mu    sync.Mutex
	pwm   [5]int // channels 1..4; index 0 unused
	start time.Time

	lines  chan []byte
	done   chan struct{}
	closed bool
}

var _ transport.Transport = (*Board)(nil)

// New creates an emulated board. A nil cfg uses defaults.
func New(cfg *config.MockConfig) *Board {
	if cfg == nil {
		cfg = &config.Default().Mock
	}
	return &Board{
		cfg: *cfg,
		// Power-on duty values from the board firmware.
		pwm:   [5]int{0, 25, 25, 25, 35},
		start: time.Now(),
		lines: make(chan []byte, lineQueueSize),
		done:  make(chan struct{}),
	}
}

// WriteFrame accepts one command frame and queues the reply lines.
func (b *Board) WriteFrame(p []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	b.mu.Unlock()

	cmd := strings.TrimRight(string(p), "\r\n")
	switch {
	case cmd == "VERS?":
		b.push(b.cfg.Version, "OK")
	case cmd == "MEAS99?":
		b.push(b.measurementLine(), "OK")
	case cmd == "RRR":
		b.calibrate()
	case strings.HasPrefix(cmd, "PWM") && strings.HasSuffix(cmd, "?") && len(cmd) == 5:
		b.pwmQuery(cmd)
	case strings.HasPrefix(cmd, "PWM") && len(cmd) == 8 && cmd[4] == 'S':
		b.pwmSet(cmd)
	default:
		b.push("ERROR")
	}
	return nil
}

// ReadLine returns the next queued reply line or times out.
func (b *Board) ReadLine(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line := <-b.lines:
		return line, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-b.done:
		return nil, transport.ErrClosed
	}
}

// Close shuts the emulated board down.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

// Duty returns the current duty value of a channel. Test helper.
func (b *Board) Duty(channel int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if channel < 1 || channel > 4 {
		return -1
	}
	return b.pwm[channel]
}

func (b *Board) push(lines ...string) {
	for _, l := range lines {
		select {
		case b.lines <- []byte(l):
		case <-b.done:
			return
		default:
			// Queue full; the real board would overrun its UART too.
			return
		}
	}
}

func (b *Board) pwmQuery(cmd string) {
	n, err := strconv.Atoi(cmd[3:4])
	if err != nil || n < 1 || n > 4 {
		b.push("ERROR")
		return
	}
	b.mu.Lock()
	v := b.pwm[n]
	b.mu.Unlock()
	b.push(fmt.Sprintf("%03d", v), "OK")
}

func (b *Board) pwmSet(cmd string) {
	n, err := strconv.Atoi(cmd[3:4])
	if err != nil || n < 1 || n > 4 {
		b.push("ERROR")
		return
	}
	x, err := strconv.Atoi(cmd[5:8])
	if err != nil || x < 0 {
		b.push("ERROR")
		return
	}
	b.mu.Lock()
	b.pwm[n] = x
	b.mu.Unlock()
	b.push(fmt.Sprintf("%03d", x), "OK")
}

// calibrate emits the RRR progress output: an announcement, discharge
// progress dots, the measured zero levels and the terminating OK.
func (b *Board) calibrate() {
	emit := func() {
		b.push("Zero levels are to be calibrated.")
		var dots strings.Builder
		dots.WriteString("Shutting down, please wait")
		for i := 0; i < b.cfg.DischargeDots; i++ {
			if b.cfg.DotInterval > 0 {
				select {
				case <-time.After(b.cfg.DotInterval):
				case <-b.done:
					return
				}
			}
			dots.WriteByte('.')
		}
		b.push(dots.String())
		b.push(fmt.Sprintf("%d\t%d\t%d\t%d\t%d",
			b.zeroLevel(6), b.zeroLevel(19), b.zeroLevel(36), b.zeroLevel(-7), b.zeroLevel(296)))
		b.push("OK")
	}
	if b.cfg.DotInterval > 0 {
		go emit()
		return
	}
	emit()
}

// measurementLine synthesizes a MEAS99 reply with slow drift and noise
// around plausible operating points.
func (b *Board) measurementLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	biasV := [4]int{}
	for i := range biasV {
		// Bias voltage tracks the channel duty setpoint.
		biasV[i] = clamp(b.reading(float32(b.pwm[i+1])*8, 7*float32(i+1)), 0, 999)
	}
	fet1 := clamp(b.reading(2200, 100), 0, 9999)
	fet2 := clamp(b.reading(2300, 130), 0, 9999)
	supply := clamp(b.reading(40, 170), -99, 99)
	biasMA := [4]int{}
	for i := range biasMA {
		biasMA[i] = clamp(b.reading(12, 210+30*float32(i)), -99, 99)
	}
	tempConv := clamp(b.reading(38, 310), 0, 99)
	amp1 := clamp(b.reading(4, 350), -99, 99)
	tempBias := clamp(b.reading(45, 410), 0, 99)
	amp2 := clamp(b.reading(3, 470), -99, 99)
	analog := clamp(b.reading(3290, 530), 0, 3400)

	return fmt.Sprintf(
		"%03d %03d %03d %03d %04d %04d %d 0 0 0 %d %d %d %d %02d %d %02d %d %04d",
		biasV[0], biasV[1], biasV[2], biasV[3],
		fet1, fet2, supply,
		biasMA[0], biasMA[1], biasMA[2], biasMA[3],
		tempConv, amp1, tempBias, amp2, analog,
	)
}

// reading produces a deterministic pseudo-random value around base.
// phase decorrelates the channels from each other.
func (b *Board) reading(base, phase float32) int {
	t := float32(time.Since(b.start).Seconds())
	v := base +
		b.cfg.Drift*math32.Sin(t/37+phase) +
		b.cfg.Noise*math32.Sin(t*131+phase*3)
	return int(math32.Round(v))
}

func (b *Board) zeroLevel(base int) int {
	return base + b.reading(0, float32(base))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
