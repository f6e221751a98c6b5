package module_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/antoine510/solar-mgr/pkg/module"
	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus/solarbustest"
)

func newBus(t *testing.T) (*solarbustest.Transport, *solarbus.Dispatcher, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	tr := solarbustest.NewTransport(fc, 9600)
	link, err := solarbus.NewLink(tr, 9600,
		solarbus.WithRetryBaudRates(solarbusruntime.DefaultRetryBaudRates),
		solarbus.WithClock(fc))
	require.NoError(t, err)
	return tr, solarbus.NewDispatcher(link), fc
}

func int32Bytes(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func TestCheckOnline(t *testing.T) {
	tests := []struct {
		name    string
		crc     bool
		replies []solarbustest.Reply
		want    bool
	}{
		{name: "sentinel", replies: []solarbustest.Reply{solarbustest.Answer([]byte{0x42}, false)}, want: true},
		{name: "sentinel with crc", crc: true, replies: []solarbustest.Reply{solarbustest.Answer([]byte{0x42}, true)}, want: true},
		{name: "wrong sentinel", replies: []solarbustest.Reply{solarbustest.Answer([]byte{0x41}, false)}, want: false},
		{name: "wrong length", replies: []solarbustest.Reply{
			{Data: []byte{0x42, 0x42}}, {Data: []byte{0x42, 0x42}}, {Data: []byte{0x42, 0x42}},
			{Data: []byte{0x42, 0x42}}, {Data: []byte{0x42, 0x42}},
		}, want: false},
		{name: "silent", want: false},
		{name: "hard error", replies: []solarbustest.Reply{{Err: solarbusruntime.ErrWrite}}, want: false},
		{name: "answers on retry", crc: true, replies: []solarbustest.Reply{solarbustest.Silence(), solarbustest.Corrupted([]byte{0x42}), solarbustest.Answer([]byte{0x42}, true)}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, d, _ := newBus(t)
			tr.Script(tt.replies...)
			s := module.NewCurrentSensor(d, "producers", 0x65, tt.crc, module.DefaultRetries, module.Calibration{ScaleFactor: 1})
			assert.Equal(t, module.StatusUnknown, s.Info().Status)

			assert.Equal(t, tt.want, s.CheckOnline(context.Background()))
			assert.Equal(t, []byte{0x4f, 0xc7, 0x65, 0x00}, tr.Writes()[0])
			if tt.want {
				assert.Equal(t, module.StatusOnline, s.Info().Status)
			} else {
				assert.Equal(t, module.StatusOffline, s.Info().Status)
			}
			assert.False(t, s.Info().LastCheck.IsZero())
		})
	}
}

func TestCheckOnlineRetries(t *testing.T) {
	tr, d, fc := newBus(t)
	m := module.NewMPPT(d, "roof", 0x10, false, 0)
	start := fc.Now()
	assert.False(t, m.CheckOnline(context.Background()))
	assert.Len(t, tr.Writes(), module.OnlineRetries+1)
	assert.Equal(t, 5*100*time.Millisecond+4*250*time.Millisecond, fc.Since(start))
}

func TestGetCurrent(t *testing.T) {
	tests := []struct {
		name    string
		raw     int32
		cal     module.Calibration
		want    int
		wantErr error
	}{
		{name: "identity", raw: -15, cal: module.Calibration{ScaleFactor: 1}, want: -15},
		{name: "producers default", raw: 1200, cal: module.Calibration{ScaleFactor: -1, Offset: 8}, want: -1192},
		{name: "consumers default", raw: -3000, cal: module.Calibration{ScaleFactor: -1, Offset: -15}, want: 2985},
		{name: "truncates", raw: 7, cal: module.Calibration{ScaleFactor: 0.5}, want: 3},
		{name: "upper bound", raw: 100000, cal: module.Calibration{ScaleFactor: 1}, want: 100000},
		{name: "lower bound", raw: -100000, cal: module.Calibration{ScaleFactor: 1}, want: -100000},
		{name: "too high", raw: 100001, cal: module.Calibration{ScaleFactor: 1}, wantErr: solarbusruntime.ErrInvalidValue},
		{name: "too low after offset", raw: -100000, cal: module.Calibration{ScaleFactor: 1, Offset: -1}, wantErr: solarbusruntime.ErrInvalidValue},
		{name: "fraction above bound", raw: 200001, cal: module.Calibration{ScaleFactor: 0.5}, wantErr: solarbusruntime.ErrInvalidValue},
		{name: "fraction below bound", raw: -200001, cal: module.Calibration{ScaleFactor: 0.5}, wantErr: solarbusruntime.ErrInvalidValue},
		{name: "fraction within bound", raw: 199999, cal: module.Calibration{ScaleFactor: 0.5}, want: 99999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, d, _ := newBus(t)
			tr.Script(solarbustest.Answer(int32Bytes(tt.raw), true))
			s := module.NewCurrentSensor(d, "consumers", 0x66, true, module.DefaultRetries, tt.cal)

			got, err := s.GetCurrent(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Len(t, tr.Writes(), 1, "invalid values are not retried")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, [][]byte{{0x4f, 0xc7, 0x66, 0x01}}, tr.Writes())
		})
	}
}

func TestGetCurrentNoResponse(t *testing.T) {
	tr, d, _ := newBus(t)
	s := module.NewCurrentSensor(d, "consumers", 0x66, false, 2, module.Calibration{ScaleFactor: 1})
	_, err := s.GetCurrent(context.Background())
	assert.ErrorIs(t, err, solarbusruntime.ErrNoResponse)
	assert.Len(t, tr.Writes(), 3)
	assert.Equal(t, module.StatusOffline, s.Info().Status)
}

func TestGetCurrentLinkFailure(t *testing.T) {
	tr, d, _ := newBus(t)
	tr.Script(solarbustest.Reply{Err: solarbusruntime.ErrRead})
	s := module.NewCurrentSensor(d, "consumers", 0x66, false, module.DefaultRetries, module.Calibration{ScaleFactor: 1})
	_, err := s.GetCurrent(context.Background())
	assert.ErrorIs(t, err, solarbusruntime.ErrRead)
	assert.Len(t, tr.Writes(), 1)
	assert.Equal(t, module.StatusUnknown, s.Info().Status)
}

func TestSetCalibration(t *testing.T) {
	tr, d, _ := newBus(t)
	s := module.NewCurrentSensor(d, "consumers", 0x66, false, 0, module.Calibration{ScaleFactor: 1})
	s.SetCalibration(module.Calibration{ScaleFactor: 2, Offset: 1})
	assert.Equal(t, module.Calibration{ScaleFactor: 2, Offset: 1}, s.Calibration())

	tr.Script(solarbustest.Answer(int32Bytes(10), false))
	got, err := s.GetCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 21, got)

	assert.ErrorIs(t, s.Do(context.Background(), module.Action{Name: module.ActionEnableOutput}), module.ErrUnsupportedAction)
}

func TestMPPTGetData(t *testing.T) {
	tr, d, _ := newBus(t)
	tr.AddModule(&solarbustest.Module{
		Address: 0x10,
		CRC:     true,
		Handle: func(command byte, params []byte) []byte {
			if command != module.CommandReadAll {
				return nil
			}
			return []byte{0x88, 0x13, 0x8c, 0x00, 0xf4, 0x01, 0x30, 0x75}
		},
	})
	m := module.NewMPPT(d, "roof", 0x10, true, module.DefaultMPPTDataRetries)

	data, err := m.GetData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, module.MPPTData{InputCentivolts: 5000, OutputDecivolts: 140, OutputCentiamps: 500, OutputEnergyJoule: 30000}, data)
	assert.InDelta(t, 50.0, data.InputVoltage(), 1e-9)
	assert.InDelta(t, 14.0, data.OutputVoltage(), 1e-9)
	assert.InDelta(t, 5.0, data.OutputCurrent(), 1e-9)
	assert.InDelta(t, 500.0, data.AveragePower(time.Minute), 1e-9)
	assert.Equal(t, 0.0, data.AveragePower(0))

	reading, err := m.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 500.0, reading["power"], 1e-9)
}

func TestMPPTGetDataRetriesOnce(t *testing.T) {
	tr, d, _ := newBus(t)
	m := module.NewMPPT(d, "roof", 0x10, false, module.DefaultMPPTDataRetries)
	_, err := m.GetData(context.Background())
	assert.ErrorIs(t, err, solarbusruntime.ErrNoResponse)
	assert.Len(t, tr.Writes(), 2)
}

func TestMPPTCommands(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		action module.Action
		want   []byte
	}{
		{name: "manual", action: module.Action{Name: module.ActionManualPowerPoint, Value: 17.5}, want: []byte{0x4f, 0xc7, 0x10, 0x02, 0xaf, 0x00}},
		{name: "automatic", action: module.Action{Name: module.ActionAutomaticPowerPoint}, want: []byte{0x4f, 0xc7, 0x10, 0x03}},
		{name: "enable", action: module.Action{Name: module.ActionEnableOutput}, want: []byte{0x4f, 0xc7, 0x10, 0x04}},
		{name: "disable", action: module.Action{Name: module.ActionDisableOutput}, want: []byte{0x4f, 0xc7, 0x10, 0x05}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, d, _ := newBus(t)
			m := module.NewMPPT(d, "roof", 0x10, false, 1)
			require.NoError(t, m.Do(ctx, tt.action))
			assert.Equal(t, [][]byte{tt.want}, tr.Writes())
			var reads int
			for _, op := range tr.Ops() {
				if op.Kind == "read" {
					reads++
				}
			}
			assert.Zero(t, reads)
		})
	}

	_, d, _ := newBus(t)
	m := module.NewMPPT(d, "roof", 0x10, false, 1)
	assert.ErrorIs(t, m.Do(ctx, module.Action{Name: module.ActionManualPowerPoint, Value: -1}), module.ErrActionValue)
	assert.ErrorIs(t, m.Do(ctx, module.Action{Name: module.ActionManualPowerPoint, Value: 7000}), module.ErrActionValue)
	assert.ErrorIs(t, m.Do(ctx, module.Action{Name: "reboot"}), module.ErrUnsupportedAction)
}
