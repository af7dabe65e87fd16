package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// measFieldCount is the number of integers the board returns for MEAS99?.
const measFieldCount = 19

// Measurement holds one full MEAS99 reading set, mapped from the raw
// 19-field wire line to named physical channels.
type Measurement struct {
	BiasVolts     [4]int // 0..3: bias voltage T1D1, T1D2, T2D1, T2D2 (V)
	MosfetMV      [2]int // 4..5: radiation sensing MOSFET drain voltage (mV)
	SupplyCurrent int    // 6: total bias generator supply current (mA)
	BiasCurrent   [4]int // 10..13: bias generator supply current per detector (mA)
	ConverterTemp int    // 14: supply voltage converter temperature (C)
	AmpAD8236     int    // 15: AD8236 amplifier current (mA)
	BiasTemp      int    // 16: bias high voltage converter temperature (C)
	AmpOP481      int    // 17: OP481 amplifier current (mA)
	AnalogMV      int    // 18: analog supply voltage (mV)
}

// parseMeasurement parses a MEAS99 payload line. The board pads fields
// to fixed width but the parser only requires whitespace separation.
// Any value outside its documented range is a parse failure; the codec
// does not trust the wire.
func parseMeasurement(line string) (Measurement, error) {
	parts := strings.Fields(line)
	if len(parts) != measFieldCount {
		return Measurement{}, fmt.Errorf("expected %d fields, got %d", measFieldCount, len(parts))
	}

	vals := make([]int, measFieldCount)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Measurement{}, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i] = v
	}

	var m Measurement
	for i := 0; i < 4; i++ {
		if vals[i] < 0 || vals[i] > 999 {
			return Measurement{}, fmt.Errorf("bias voltage %d out of range: %d", i, vals[i])
		}
		m.BiasVolts[i] = vals[i]
	}
	for i := 0; i < 2; i++ {
		if vals[4+i] < 0 || vals[4+i] > 9999 {
			return Measurement{}, fmt.Errorf("mosfet voltage %d out of range: %d", i, vals[4+i])
		}
		m.MosfetMV[i] = vals[4+i]
	}
	if vals[6] < -99 || vals[6] > 99 {
		return Measurement{}, fmt.Errorf("supply current out of range: %d", vals[6])
	}
	m.SupplyCurrent = vals[6]
	// Fields 7..9 are reserved and always zero on current firmware.
	for i := 0; i < 4; i++ {
		if vals[10+i] < -99 || vals[10+i] > 99 {
			return Measurement{}, fmt.Errorf("bias current %d out of range: %d", i, vals[10+i])
		}
		m.BiasCurrent[i] = vals[10+i]
	}
	if vals[14] < 0 || vals[14] > 99 {
		return Measurement{}, fmt.Errorf("converter temperature out of range: %d", vals[14])
	}
	m.ConverterTemp = vals[14]
	if vals[15] < -99 || vals[15] > 99 {
		return Measurement{}, fmt.Errorf("AD8236 current out of range: %d", vals[15])
	}
	m.AmpAD8236 = vals[15]
	if vals[16] < 0 || vals[16] > 99 {
		return Measurement{}, fmt.Errorf("bias converter temperature out of range: %d", vals[16])
	}
	m.BiasTemp = vals[16]
	if vals[17] < -99 || vals[17] > 99 {
		return Measurement{}, fmt.Errorf("OP481 current out of range: %d", vals[17])
	}
	m.AmpOP481 = vals[17]
	if vals[18] < 0 || vals[18] > 9999 {
		return Measurement{}, fmt.Errorf("analog supply voltage out of range: %d", vals[18])
	}
	m.AnalogMV = vals[18]

	return m, nil
}
