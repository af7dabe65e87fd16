// Command pbbes runs an interactive measurement session against the
// bias board: it calibrates the board, polls measurements on a timer,
// accepts operator overrides from the keyboard and persists every
// measurement and every wire exchange.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/foresail/pbbes/pkg/config"
	"github.com/foresail/pbbes/pkg/emulator"
	"github.com/foresail/pbbes/pkg/protocol"
	"github.com/foresail/pbbes/pkg/session"
	"github.com/foresail/pbbes/pkg/sink"
	"github.com/foresail/pbbes/pkg/transport"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		device     = flag.String("d", "", "serial port device (default from config)")
		logLevel   = flag.String("l", "", "log level: DEBUG, INFO, WARNING, ERROR, CRITICAL")
		intervalS  = flag.Int("i", 0, "measurement interval in seconds (1..999)")
		configFile = flag.String("c", "pbbes.yaml", "configuration file")
		mock       = flag.Bool("m", false, "use the built-in bias board emulator")
		label      = flag.String("label", "", "session note stored in the CSV header")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *device != "" {
		cfg.Serial.Device = *device
	}
	if *logLevel != "" {
		cfg.Log.Level = strings.ToUpper(*logLevel)
	}
	if *intervalS != 0 {
		cfg.Session.PollInterval = time.Duration(*intervalS) * time.Second
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	log, logFile, err := openLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log: %v\n", err)
		return 1
	}
	defer logFile.Close()
	log.Info().Str("version", version).Dur("interval", cfg.Session.PollInterval).Msg("program execution started")

	wire, err := sink.NewWireLog(cfg.Output.WireLog)
	if err != nil {
		log.Error().Err(err).Msg("wire log setup failed")
		fmt.Fprintf(os.Stderr, "wire log: %v\n", err)
		return 1
	}
	defer wire.Close()

	tr, err := openTransport(cfg, *mock)
	if err != nil {
		log.Error().Err(err).Str("device", cfg.Serial.Device).Msg("unable to open serial device")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if ports, perr := transport.ListPorts(); perr == nil && len(ports) > 0 {
			fmt.Fprintln(os.Stderr, "Available serial ports:")
			for _, p := range ports {
				fmt.Fprintf(os.Stderr, "    %s\n", p.Name)
			}
		}
		fmt.Fprintln(os.Stderr, "To allow non-root user access to serial device:")
		fmt.Fprintln(os.Stderr, "    sudo usermod -a -G dialout $USER")
		return 1
	}
	defer tr.Close()
	tr = transport.WithLog(tr, wire)

	// Connectivity test before anything else touches the board.
	firmware, err := session.Probe(tr, cfg.Session.ResponseTimeout)
	if err != nil {
		log.Error().Err(err).Msg("communication test failed")
		fmt.Fprintf(os.Stderr, "unsuccessful communication test on '%s': %v\n", cfg.Serial.Device, err)
		return 1
	}
	log.Info().Str("device", cfg.Serial.Device).Str("firmware", firmware).Msg("bias board connected")
	fmt.Printf("Connected: %s (%s)\n", cfg.Serial.Device, firmware)

	note := *label
	if note == "" {
		note = promptLabel()
	}

	csvSink, err := sink.NewCSV(cfg.Output.Dir, note, firmware, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("measurement file setup failed")
		fmt.Fprintf(os.Stderr, "measurement file: %v\n", err)
		return 1
	}
	defer csvSink.Close()
	fmt.Printf("Recording to %s\n", csvSink.Name())

	engine := session.New(tr, csvSink, consoleNotifier{}, log, session.Options{
		PollInterval:     cfg.Session.PollInterval,
		ResponseTimeout:  cfg.Session.ResponseTimeout,
		CalibrateTimeout: cfg.Session.CalibrateTimeout,
		Retries:          cfg.Session.Retries,
		SyncDutyOnStart:  true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go console(ctx, stop, engine)

	if err := engine.Run(ctx); err != nil {
		log.Error().Err(err).Msg("abnormal program termination")
		fmt.Fprintf(os.Stderr, "Abnormal program termination! See %s for details.\n", cfg.Log.File)
		return 1
	}
	fmt.Println("Program terminated normally.")
	return 0
}

// openLogger sets up the leveled session log file.
func openLogger(cfg config.LogConfig) (zerolog.Logger, *os.File, error) {
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	var level zerolog.Level
	switch cfg.Level {
	case "DEBUG":
		level = zerolog.DebugLevel
	case "INFO":
		level = zerolog.InfoLevel
	case "WARNING":
		level = zerolog.WarnLevel
	case "ERROR":
		level = zerolog.ErrorLevel
	case "CRITICAL":
		level = zerolog.FatalLevel
	default:
		file.Close()
		return zerolog.Logger{}, nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	log := zerolog.New(file).Level(level).With().Timestamp().Logger()
	return log, file, nil
}

// openTransport opens either the real serial port or the emulator.
func openTransport(cfg *config.Config, mock bool) (transport.Transport, error) {
	if mock {
		return emulator.New(&cfg.Mock), nil
	}
	serial := transport.NewSerial(cfg.Serial.Device, cfg.Serial.BaudRate)
	if err := serial.Open(); err != nil {
		return nil, err
	}
	return serial, nil
}

// promptLabel asks the operator for the free-form session note.
func promptLabel() string {
	fmt.Println("Enter label/note for the session (max 80 characters):")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

// console reads operator commands from stdin, one per line:
//
//	p<n> <duty>   set PWM channel n duty cycle (for example "p2 75")
//	i <seconds>   change the polling interval
//	q             quit
//
// Key bindings and screen layout beyond this are left to a real terminal
// front end.
func console(ctx context.Context, stop func(), engine *session.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := consoleCommand(line, stop, engine); err != nil {
			fmt.Printf("rejected: %v\n", err)
		}
	}
}

func consoleCommand(line string, stop func(), engine *session.Engine) error {
	fields := strings.Fields(line)
	switch {
	case fields[0] == "q" || fields[0] == "quit":
		stop()
		return nil

	case fields[0] == "i" && len(fields) == 2:
		seconds, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("interval must be a number: %q", fields[1])
		}
		return engine.Submit(protocol.SetInterval(seconds))

	case strings.HasPrefix(fields[0], "p") && len(fields) == 2:
		channel, err := strconv.Atoi(fields[0][1:])
		if err != nil {
			return fmt.Errorf("channel must be a number: %q", fields[0][1:])
		}
		duty, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("duty must be a number: %q", fields[1])
		}
		return engine.Submit(protocol.SetDuty(channel, duty))

	default:
		return fmt.Errorf("unknown command %q (try 'p2 75', 'i 5' or 'q')", line)
	}
}

// consoleNotifier prints session events to the terminal.
type consoleNotifier struct{}

func (consoleNotifier) PhaseChanged(p session.Phase) {
	fmt.Printf("session: %s\n", p)
}

func (consoleNotifier) Measured(rec session.MeasurementRecord) {
	m := rec.Fields
	fmt.Printf("%s  I=%dmA  U=[%d %d %d %d]V  T=[%d %d]C\n",
		rec.Timestamp.Format("15:04:05"),
		m.SupplyCurrent,
		m.BiasVolts[0], m.BiasVolts[1], m.BiasVolts[2], m.BiasVolts[3],
		m.ConverterTemp, m.BiasTemp,
	)
}

func (consoleNotifier) RequestFailed(cmd protocol.Command, attempts int, err error) {
	fmt.Printf("%s failed after %d attempts: %v\n", cmd, attempts, err)
}
