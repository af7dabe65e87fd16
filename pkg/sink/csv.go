// Package sink provides the measurement and wire log sinks the session
// engine writes to.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/foresail/pbbes/pkg/session"
)

// timestampLayout names the CSV file and stamps the meta header.
const timestampLayout = "2006-01-02 15.04.05"

// csvHeader is the data header row. Column order matches the terminal
// display: time, supply current, bias voltages, bias currents, MOSFET
// voltages, analog supply, temperatures, duty setpoints, commands.
var csvHeader = []string{
	"Datetime",
	"Total bias generators supply current (mA)",
	"Bias voltage Tube 1 Detector 1 (V)",
	"Bias voltage Tube 1 Detector 2 (V)",
	"Bias voltage Tube 2 Detector 1 (V)",
	"Bias voltage Tube 2 Detector 2 (V)",
	"Bias generator supply current Tube 1 Detector 1 (mA)",
	"Bias generator supply current Tube 1 Detector 2 (mA)",
	"Bias generator supply current Tube 2 Detector 1 (mA)",
	"Bias generator supply current Tube 2 Detector 2 (mA)",
	"Radiation sensing MOSFET 1 drain voltage (mV)",
	"Radiation sensing MOSFET 2 drain voltage (mV)",
	"Analog supply voltage (mV)",
	"Supply voltage converter temperature (C)",
	"Bias (high voltage) converter temperature (C)",
	"PWM1 duty (%)",
	"PWM2 duty (%)",
	"PWM3 duty (%)",
	"PWM4 duty (%)",
	"Commands",
}

// CSV writes one row per resolved poll into a session-timestamped file.
type CSV struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

var _ session.MeasurementSink = (*CSV)(nil)

// NewCSV creates the measurement file in dir, named by the session start
// time, and writes the meta and data headers. label is the operator's
// free-form session note; firmware is the board identification string.
func NewCSV(dir, label, firmware string, started time.Time) (*CSV, error) {
	name := filepath.Join(dir, started.Format(timestampLayout)+".csv")
	file, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create measurement file: %w", err)
	}

	w := csv.NewWriter(file)
	meta := [][]string{
		{"Started", started.Format(timestampLayout)},
		{"Label", label},
		{"Firmware", firmware},
		csvHeader,
	}
	for _, row := range meta {
		if err := w.Write(row); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write CSV header: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	return &CSV{file: file, w: w}, nil
}

// Name returns the measurement file path.
func (c *CSV) Name() string {
	return c.file.Name()
}

// Append writes one measurement record row.
func (c *CSV) Append(rec session.MeasurementRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := rec.Fields
	row := []string{
		rec.Timestamp.Format("2006-01-02 15:04:05"),
		strconv.Itoa(m.SupplyCurrent),
		strconv.Itoa(m.BiasVolts[0]),
		strconv.Itoa(m.BiasVolts[1]),
		strconv.Itoa(m.BiasVolts[2]),
		strconv.Itoa(m.BiasVolts[3]),
		strconv.Itoa(m.BiasCurrent[0]),
		strconv.Itoa(m.BiasCurrent[1]),
		strconv.Itoa(m.BiasCurrent[2]),
		strconv.Itoa(m.BiasCurrent[3]),
		strconv.Itoa(m.MosfetMV[0]),
		strconv.Itoa(m.MosfetMV[1]),
		strconv.Itoa(m.AnalogMV),
		strconv.Itoa(m.ConverterTemp),
		strconv.Itoa(m.BiasTemp),
		strconv.Itoa(rec.Duty[0]),
		strconv.Itoa(rec.Duty[1]),
		strconv.Itoa(rec.Duty[2]),
		strconv.Itoa(rec.Duty[3]),
		rec.Commands,
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	return nil
}

// Flush forces buffered rows to disk.
func (c *CSV) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// Close flushes and closes the measurement file.
func (c *CSV) Close() error {
	if err := c.Flush(); err != nil {
		c.file.Close()
		return err
	}
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("failed to close measurement file: %w", err)
	}
	return nil
}
