package collector_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/antoine510/solar-mgr/pkg/collector"
	"github.com/antoine510/solar-mgr/pkg/module"
	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus/solarbustest"
	"github.com/antoine510/solar-mgr/pkg/telemetry"
)

type recordingSink struct {
	mu     sync.Mutex
	writes [][]telemetry.Measurement
	err    error
}

func (s *recordingSink) Write(_ context.Context, ms ...telemetry.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, ms)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) Writes() [][]telemetry.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]telemetry.Measurement(nil), s.writes...)
}

func currentModule(address byte, raw int32) *solarbustest.Module {
	return &solarbustest.Module{
		Address: address,
		Handle: func(command byte, _ []byte) []byte {
			switch command {
			case solarbusruntime.CommandOnline:
				return []byte{solarbusruntime.OnlineSentinel}
			case module.CommandReadCurrent:
				b := make([]byte, 4)
				binary.LittleEndian.PutUint32(b, uint32(raw))
				return b
			}
			return nil
		},
	}
}

func mpptModule(address byte, data module.MPPTData) *solarbustest.Module {
	return &solarbustest.Module{
		Address: address,
		CRC:     true,
		Handle: func(command byte, _ []byte) []byte {
			switch command {
			case solarbusruntime.CommandOnline:
				return []byte{solarbusruntime.OnlineSentinel}
			case module.CommandReadAll:
				b := make([]byte, 8)
				binary.LittleEndian.PutUint16(b[0:], data.InputCentivolts)
				binary.LittleEndian.PutUint16(b[2:], data.OutputDecivolts)
				binary.LittleEndian.PutUint16(b[4:], data.OutputCentiamps)
				binary.LittleEndian.PutUint16(b[6:], data.OutputEnergyJoule)
				return b
			}
			return nil
		},
	}
}

type fixture struct {
	clock     *testingclock.FakeClock
	transport *solarbustest.Transport
	registry  *module.Registry
	sink      *recordingSink
	collector *collector.Collector
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	fc := testingclock.NewFakeClock(start)
	tr := solarbustest.NewTransport(fc, 9600)
	link, err := solarbus.NewLink(tr, 9600,
		solarbus.WithRetryBaudRates(solarbusruntime.DefaultRetryBaudRates),
		solarbus.WithClock(fc))
	require.NoError(t, err)
	d := solarbus.NewDispatcher(link)

	reg := module.NewRegistry()
	require.NoError(t, reg.Add(module.NewCurrentSensor(d, "producers", 0x65, false, module.DefaultRetries, module.Calibration{ScaleFactor: -1, Offset: 8})))
	require.NoError(t, reg.Add(module.NewCurrentSensor(d, "consumers", 0x66, false, module.DefaultRetries, module.Calibration{ScaleFactor: -1, Offset: -15})))
	require.NoError(t, reg.Add(module.NewMPPT(d, "roof", 0x10, true, module.DefaultMPPTDataRetries)))

	sink := &recordingSink{}
	return &fixture{
		clock:     fc,
		transport: tr,
		registry:  reg,
		sink:      sink,
		collector: collector.NewCollector(reg, sink, collector.WithClock(fc)),
	}
}

var start = time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)

func TestPollOnce(t *testing.T) {
	f := newFixture(t, start)
	f.transport.AddModule(currentModule(0x65, 1200))
	f.transport.AddModule(currentModule(0x66, -3000))
	f.transport.AddModule(mpptModule(0x10, module.MPPTData{InputCentivolts: 5000, OutputDecivolts: 140, OutputCentiamps: 500, OutputEnergyJoule: 600}))

	got, err := f.collector.PollOnce(context.Background())
	require.NoError(t, err)

	want := []telemetry.Measurement{
		{
			Name:   "MPPT16",
			Bucket: collector.DefaultSolarBucket,
			Fields: map[string]interface{}{"vin": 50.0, "vout": 14.0, "iout": 5.0, "power": 10.0},
			Time:   start,
		},
		{
			Name:   collector.CurrentsMeasurement,
			Bucket: collector.DefaultBatteryBucket,
			Fields: map[string]interface{}{"producers": -1.192, "consumers": 2.985},
			Time:   start,
		},
	}
	assert.Equal(t, want, got)
	require.Len(t, f.sink.Writes(), 1)
	assert.Equal(t, want, f.sink.Writes()[0])

	status := f.collector.Status()
	assert.Equal(t, start, status.LastPoll)
	assert.Equal(t, 2, status.Measurements)
	assert.Empty(t, status.Errors)
}

func TestPollOnceOmitsFailedModules(t *testing.T) {
	f := newFixture(t, start)
	// consumers reads beyond the plausible range, the MPPT is not on the bus
	f.transport.AddModule(currentModule(0x65, 1200))
	f.transport.AddModule(currentModule(0x66, -200000))

	got, err := f.collector.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]interface{}{"producers": -1.192}, got[0].Fields)

	status := f.collector.Status()
	assert.Len(t, status.Errors, 2)
}

func TestPollOnceSendsNothingWithoutData(t *testing.T) {
	f := newFixture(t, start)

	got, err := f.collector.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, f.sink.Writes())
	assert.Len(t, f.collector.Status().Errors, 3)
}

func TestPollOnceSinkError(t *testing.T) {
	f := newFixture(t, start)
	f.transport.AddModule(currentModule(0x65, 1200))
	f.sink.err = errors.New("influxdb down")

	_, err := f.collector.PollOnce(context.Background())
	assert.EqualError(t, err, "influxdb down")
	assert.Equal(t, "influxdb down", f.collector.Status().SinkError)
}

func TestNextBoundary(t *testing.T) {
	tests := []struct {
		now    time.Time
		period time.Duration
		want   time.Time
	}{
		{now: start, period: time.Minute, want: time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)},
		{now: time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC), period: time.Minute, want: time.Date(2024, 6, 1, 12, 2, 0, 0, time.UTC)},
		{now: time.Date(2024, 6, 1, 12, 7, 59, 999, time.UTC), period: 5 * time.Minute, want: time.Date(2024, 6, 1, 12, 10, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, collector.NextBoundary(tt.now, tt.period))
	}
}

func TestRunPollsOnBoundaries(t *testing.T) {
	f := newFixture(t, start)
	f.transport.AddModule(currentModule(0x65, 1200))
	f.transport.AddModule(currentModule(0x66, -3000))
	f.transport.AddModule(mpptModule(0x10, module.MPPTData{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- f.collector.Run(ctx)
	}()

	boundary := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
	assert.Empty(t, f.sink.Writes())
	assert.Equal(t, module.StatusOnline, f.registry.Infos()[0].Status)

	f.clock.SetTime(boundary)
	require.Eventually(t, func() bool { return len(f.sink.Writes()) == 1 }, time.Second, time.Millisecond)
	for _, m := range f.sink.Writes()[0] {
		assert.Equal(t, boundary, m.Time)
	}

	require.Eventually(t, f.clock.HasWaiters, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, f.sink.Writes(), 1)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, start)
	f.transport.AddModule(currentModule(0x65, 1200))

	router := gin.New()
	collector.InstallHandler(router.Group("/api/v1"), f.collector)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/collector/poll", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/collector", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status collector.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Measurements)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/collector/probe", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var online map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &online))
	assert.Equal(t, map[string]bool{"producers": true, "consumers": false, "roof": false}, online)

	f.sink.err = errors.New("influxdb down")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/collector/poll", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
