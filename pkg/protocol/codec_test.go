package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		want    string
		wantErr bool
	}{
		{name: "calibrate", cmd: Calibrate(), want: "RRR\n"},
		{name: "poll", cmd: Poll(), want: "MEAS99?\n"},
		{name: "version", cmd: Version(), want: "VERS?\n"},
		{name: "set duty", cmd: SetDuty(2, 75), want: "PWM2S075\n"},
		{name: "set duty zero padded", cmd: SetDuty(4, 5), want: "PWM4S005\n"},
		{name: "set duty max", cmd: SetDuty(1, 100), want: "PWM1S100\n"},
		{name: "get duty", cmd: GetDuty(3), want: "PWM3?\n"},
		{name: "set interval has no frame", cmd: SetInterval(5), wantErr: true},
		{name: "channel too low", cmd: SetDuty(0, 50), wantErr: true},
		{name: "channel too high", cmd: SetDuty(5, 50), wantErr: true},
		{name: "duty negative", cmd: SetDuty(1, -1), wantErr: true},
		{name: "duty too high", cmd: SetDuty(1, 101), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.cmd)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCommandValidate(t *testing.T) {
	assert.NoError(t, SetInterval(1).Validate())
	assert.NoError(t, SetInterval(999).Validate())
	assert.Error(t, SetInterval(0).Validate())
	assert.Error(t, SetInterval(1000).Validate())
	assert.NoError(t, Calibrate().Validate())
	assert.NoError(t, Poll().Validate())
}

func TestIsStatus(t *testing.T) {
	terminal, ok := IsStatus("OK")
	assert.True(t, terminal)
	assert.True(t, ok)

	terminal, ok = IsStatus("ERROR")
	assert.True(t, terminal)
	assert.False(t, ok)

	terminal, _ = IsStatus("075")
	assert.False(t, terminal)

	// Carriage return from the board's line endings is tolerated.
	terminal, ok = IsStatus("OK\r")
	assert.True(t, terminal)
	assert.True(t, ok)
}

func TestDecodeDuty(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		cmd     Command
		payload []string
		want    ResponseKind
		value   int
	}{
		{name: "set duty echo", cmd: SetDuty(2, 75), payload: []string{"075"}, want: KindAck, value: 75},
		{name: "get duty", cmd: GetDuty(1), payload: []string{"025"}, want: KindAck, value: 25},
		{name: "no payload", cmd: SetDuty(2, 75), payload: nil, want: KindMalformed},
		{name: "extra payload", cmd: SetDuty(2, 75), payload: []string{"075", "076"}, want: KindMalformed},
		{name: "non-numeric", cmd: SetDuty(2, 75), payload: []string{"abc"}, want: KindMalformed},
		{name: "out of range", cmd: GetDuty(2), payload: []string{"250"}, want: KindMalformed},
		{name: "negative", cmd: GetDuty(2), payload: []string{"-5"}, want: KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.cmd, tt.payload, now)
			assert.Equal(t, tt.want, got.Kind)
			if tt.want == KindAck {
				assert.Equal(t, tt.value, got.Value)
			}
		})
	}
}

func TestDecodeCalibration(t *testing.T) {
	got := Decode(Calibrate(), []string{
		"Zero levels are to be calibrated.",
		"Shutting down, please wait..........",
		"6\t19\t36\t-7\t296",
	}, time.Now())
	assert.Equal(t, KindAck, got.Kind)
	assert.Equal(t, "6\t19\t36\t-7\t296", got.Text)

	// A calibration that produced no payload still resolved with OK.
	got = Decode(Calibrate(), nil, time.Now())
	assert.Equal(t, KindAck, got.Kind)
}

func TestDecodeVersion(t *testing.T) {
	got := Decode(Version(), []string{"pbb firmware 0.5a"}, time.Now())
	assert.Equal(t, KindAck, got.Kind)
	assert.Equal(t, "pbb firmware 0.5a", got.Text)

	got = Decode(Version(), nil, time.Now())
	assert.Equal(t, KindMalformed, got.Kind)
}

func TestDecodeMeasurement(t *testing.T) {
	line := "200 201 202 203 2048 2049 12 0 0 0 10 11 -12 13 38 4 45 3 3290"

	got := Decode(Poll(), []string{line}, time.Now())
	require.Equal(t, KindMeasurement, got.Kind)
	m := got.Fields
	assert.Equal(t, [4]int{200, 201, 202, 203}, m.BiasVolts)
	assert.Equal(t, [2]int{2048, 2049}, m.MosfetMV)
	assert.Equal(t, 12, m.SupplyCurrent)
	assert.Equal(t, [4]int{10, 11, -12, 13}, m.BiasCurrent)
	assert.Equal(t, 38, m.ConverterTemp)
	assert.Equal(t, 4, m.AmpAD8236)
	assert.Equal(t, 45, m.BiasTemp)
	assert.Equal(t, 3, m.AmpOP481)
	assert.Equal(t, 3290, m.AnalogMV)
}

func TestParseMeasurement(t *testing.T) {
	valid := "200 201 202 203 2048 2049 12 0 0 0 10 11 -12 13 38 4 45 3 3290"

	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{name: "valid", line: valid},
		{name: "too few fields", line: "200 201 202", wantErr: true},
		{name: "too many fields", line: valid + " 7", wantErr: true},
		{name: "non-numeric field", line: "abc 201 202 203 2048 2049 12 0 0 0 10 11 -12 13 38 4 45 3 3290", wantErr: true},
		{name: "bias voltage out of range", line: "1000 201 202 203 2048 2049 12 0 0 0 10 11 -12 13 38 4 45 3 3290", wantErr: true},
		{name: "mosfet out of range", line: "200 201 202 203 10000 2049 12 0 0 0 10 11 -12 13 38 4 45 3 3290", wantErr: true},
		{name: "supply current out of range", line: "200 201 202 203 2048 2049 150 0 0 0 10 11 -12 13 38 4 45 3 3290", wantErr: true},
		{name: "temperature out of range", line: "200 201 202 203 2048 2049 12 0 0 0 10 11 -12 13 120 4 45 3 3290", wantErr: true},
		{name: "analog voltage out of range", line: "200 201 202 203 2048 2049 12 0 0 0 10 11 -12 13 38 4 45 3 10000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseMeasurement(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
