package protocol

import "fmt"

// CommandKind identifies the bias board command variant.
type CommandKind int

const (
	// KindCalibrate is the startup-only zero-level calibration ('RRR').
	KindCalibrate CommandKind = iota
	// KindPoll requests the full measurement set ('MEAS99?').
	KindPoll
	// KindSetDuty sets a PWM channel duty cycle ('PWMnSxxx').
	KindSetDuty
	// KindGetDuty reads back a PWM channel duty cycle ('PWMn?').
	KindGetDuty
	// KindSetInterval changes the polling interval. Local only, never
	// reaches the wire.
	KindSetInterval
	// KindVersion queries the firmware identification ('VERS?').
	KindVersion
)

// String returns a short human readable command kind name.
func (k CommandKind) String() string {
	switch k {
	case KindCalibrate:
		return "calibrate"
	case KindPoll:
		return "poll"
	case KindSetDuty:
		return "set-duty"
	case KindGetDuty:
		return "get-duty"
	case KindSetInterval:
		return "set-interval"
	case KindVersion:
		return "version"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

const (
	// MinChannel and MaxChannel bound the PWM channel selector.
	MinChannel = 1
	MaxChannel = 4
	// MaxDuty is the largest accepted duty cycle value in percent.
	MaxDuty = 100
	// MinIntervalSeconds and MaxIntervalSeconds bound the polling interval.
	MinIntervalSeconds = 1
	MaxIntervalSeconds = 999
)

// Command is a single bias board command. Immutable once constructed;
// use the constructor functions below.
type Command struct {
	Kind    CommandKind
	Channel int // PWM channel for SetDuty/GetDuty (1..4)
	Duty    int // duty cycle for SetDuty (0..100)
	Seconds int // polling interval for SetInterval (1..999)
}

// Calibrate returns the zero-level calibration command.
func Calibrate() Command {
	return Command{Kind: KindCalibrate}
}

// Poll returns the full measurement request command.
func Poll() Command {
	return Command{Kind: KindPoll}
}

// SetDuty returns a command setting the duty cycle of one PWM channel.
func SetDuty(channel, duty int) Command {
	return Command{Kind: KindSetDuty, Channel: channel, Duty: duty}
}

// GetDuty returns a command reading back one PWM channel duty cycle.
func GetDuty(channel int) Command {
	return Command{Kind: KindGetDuty, Channel: channel}
}

// SetInterval returns a command changing the polling interval.
func SetInterval(seconds int) Command {
	return Command{Kind: KindSetInterval, Seconds: seconds}
}

// Version returns the firmware identification query command.
func Version() Command {
	return Command{Kind: KindVersion}
}

// Validate checks command fields against the documented ranges.
func (c Command) Validate() error {
	switch c.Kind {
	case KindSetDuty:
		if c.Channel < MinChannel || c.Channel > MaxChannel {
			return fmt.Errorf("channel out of range: %d (valid %d..%d)", c.Channel, MinChannel, MaxChannel)
		}
		if c.Duty < 0 || c.Duty > MaxDuty {
			return fmt.Errorf("duty out of range: %d (valid 0..%d)", c.Duty, MaxDuty)
		}
	case KindGetDuty:
		if c.Channel < MinChannel || c.Channel > MaxChannel {
			return fmt.Errorf("channel out of range: %d (valid %d..%d)", c.Channel, MinChannel, MaxChannel)
		}
	case KindSetInterval:
		if c.Seconds < MinIntervalSeconds || c.Seconds > MaxIntervalSeconds {
			return fmt.Errorf("interval out of range: %d (valid %d..%d)", c.Seconds, MinIntervalSeconds, MaxIntervalSeconds)
		}
	}
	return nil
}

// String renders the command for logs and the CSV commands column.
func (c Command) String() string {
	switch c.Kind {
	case KindSetDuty:
		return fmt.Sprintf("PWM%dS%03d", c.Channel, c.Duty)
	case KindGetDuty:
		return fmt.Sprintf("PWM%d?", c.Channel)
	case KindSetInterval:
		return fmt.Sprintf("IVAL%d", c.Seconds)
	case KindCalibrate:
		return "RRR"
	case KindPoll:
		return "MEAS99?"
	case KindVersion:
		return "VERS?"
	default:
		return c.Kind.String()
	}
}
