package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Terminator ends every wire frame and every response line.
const Terminator = '\n'

// Response status lines.
const (
	statusOK    = "OK"
	statusError = "ERROR"
)

// ResponseKind identifies the response variant.
type ResponseKind int

const (
	// KindAck is a well-formed acknowledgement, optionally echoing a value.
	KindAck ResponseKind = iota
	// KindMeasurement is a parsed MEAS99 reading set.
	KindMeasurement
	// KindMalformed is an unparsable or out-of-range response.
	KindMalformed
	// KindTimeout is synthesized when the response deadline expires.
	KindTimeout
	// KindDeviceError is the board's explicit 'ERROR' reply.
	KindDeviceError
)

// String returns a short human readable response kind name.
func (k ResponseKind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindMeasurement:
		return "measurement"
	case KindMalformed:
		return "malformed"
	case KindTimeout:
		return "timeout"
	case KindDeviceError:
		return "device-error"
	default:
		return fmt.Sprintf("response(%d)", int(k))
	}
}

// Response is a decoded bias board reply.
type Response struct {
	Kind      ResponseKind
	Value     int         // echoed duty for SetDuty/GetDuty acks
	Text      string      // version string, calibration zero levels
	Fields    Measurement // populated for KindMeasurement
	Raw       string      // offending payload for KindMalformed
	Timestamp time.Time
}

// Timeout returns the synthetic response for an expired deadline.
func Timeout() Response {
	return Response{Kind: KindTimeout, Timestamp: time.Now()}
}

// Encode produces the terminator-delimited ASCII frame for a command.
// SetInterval has no wire representation and returns an error.
func Encode(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Kind, err)
	}
	switch c.Kind {
	case KindCalibrate:
		return []byte("RRR\n"), nil
	case KindPoll:
		return []byte("MEAS99?\n"), nil
	case KindSetDuty:
		return []byte(fmt.Sprintf("PWM%dS%03d\n", c.Channel, c.Duty)), nil
	case KindGetDuty:
		return []byte(fmt.Sprintf("PWM%d?\n", c.Channel)), nil
	case KindVersion:
		return []byte("VERS?\n"), nil
	case KindSetInterval:
		return nil, fmt.Errorf("%s has no wire frame", c.Kind)
	default:
		return nil, fmt.Errorf("unknown command kind %d", int(c.Kind))
	}
}

// IsStatus reports whether a response line terminates the exchange and
// whether it signals success. Non-status lines are payload.
func IsStatus(line string) (terminal, ok bool) {
	switch strings.TrimSpace(line) {
	case statusOK:
		return true, true
	case statusError:
		return true, false
	}
	return false, false
}

// Decode interprets the payload lines of a completed exchange for the
// command that initiated it. It never panics; anything the board sends
// that does not match the command's expected shape yields KindMalformed.
func Decode(c Command, payload []string, at time.Time) Response {
	switch c.Kind {
	case KindCalibrate:
		// Payload is free-text progress plus the zero-levels line; only
		// the terminating OK matters. Keep the last line for the log.
		var levels string
		if len(payload) > 0 {
			levels = strings.TrimSpace(payload[len(payload)-1])
		}
		return Response{Kind: KindAck, Text: levels, Timestamp: at}

	case KindPoll:
		if len(payload) == 0 {
			return malformed("", at)
		}
		m, err := parseMeasurement(payload[len(payload)-1])
		if err != nil {
			return malformed(strings.Join(payload, "\n"), at)
		}
		return Response{Kind: KindMeasurement, Fields: m, Timestamp: at}

	case KindSetDuty, KindGetDuty:
		if len(payload) != 1 {
			return malformed(strings.Join(payload, "\n"), at)
		}
		v, err := strconv.Atoi(strings.TrimSpace(payload[0]))
		if err != nil || v < 0 || v > MaxDuty {
			return malformed(payload[0], at)
		}
		return Response{Kind: KindAck, Value: v, Timestamp: at}

	case KindVersion:
		if len(payload) != 1 || strings.TrimSpace(payload[0]) == "" {
			return malformed(strings.Join(payload, "\n"), at)
		}
		return Response{Kind: KindAck, Text: strings.TrimSpace(payload[0]), Timestamp: at}

	default:
		return malformed(strings.Join(payload, "\n"), at)
	}
}

// DeviceError returns the response for the board's explicit ERROR reply.
func DeviceError(at time.Time) Response {
	return Response{Kind: KindDeviceError, Timestamp: at}
}

func malformed(raw string, at time.Time) Response {
	return Response{Kind: KindMalformed, Raw: raw, Timestamp: at}
}
