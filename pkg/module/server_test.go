package module_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/antoine510/solar-mgr/pkg/module"
	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
	"github.com/antoine510/solar-mgr/pkg/protocol/solarbus/solarbustest"
	"github.com/antoine510/solar-mgr/pkg/storage"
)

type apiFixture struct {
	transport *solarbustest.Transport
	registry  *module.Registry
	store     *storage.FsClient
	router    *gin.Engine
}

func newAPIFixture(t *testing.T, opts ...module.HandlerOption) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tr, d, _ := newBus(t)
	tr.AddModule(&solarbustest.Module{
		Address: 0x65,
		Handle: func(command byte, _ []byte) []byte {
			switch command {
			case solarbusruntime.CommandOnline:
				return []byte{solarbusruntime.OnlineSentinel}
			case module.CommandReadCurrent:
				return int32Bytes(1200)
			}
			return nil
		},
	})

	reg := module.NewRegistry()
	require.NoError(t, reg.Add(module.NewCurrentSensor(d, "producers", 0x65, false, module.DefaultRetries, module.Calibration{ScaleFactor: -1, Offset: 8})))
	require.NoError(t, reg.Add(module.NewMPPT(d, "roof", 0x10, false, module.DefaultMPPTDataRetries)))

	store, err := storage.NewFsClient(t.TempDir(), storage.Calibrations)
	require.NoError(t, err)

	router := gin.New()
	module.InstallHandler(router.Group("/api/v1"), reg, append([]module.HandlerOption{module.WithStore(store)}, opts...)...)
	return &apiFixture{transport: tr, registry: reg, store: store, router: router}
}

func (f *apiFixture) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func errorCodes(t *testing.T, w *httptest.ResponseRecorder) []int {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	var codes []int
	for _, e := range body.Errors {
		codes = append(codes, e.Code)
	}
	return codes
}

func TestListModules(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/modules", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all module.ResponseModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all.Modules, 2)
	assert.Equal(t, "producers", all.Modules[0].Name)
	assert.Equal(t, &module.Calibration{ScaleFactor: -1, Offset: 8}, all.Modules[0].Calibration)
	assert.Equal(t, module.StatusUnknown, all.Modules[0].Status)
	assert.Nil(t, all.Modules[1].Calibration)

	w = f.do(http.MethodGet, "/api/v1/modules?kind=mppt", "", "")
	var mppts module.ResponseModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mppts))
	require.Len(t, mppts.Modules, 1)
	assert.Equal(t, byte(0x10), mppts.Modules[0].Address)

	w = f.do(http.MethodGet, "/api/v1/modules?refresh=true&status=online", "", "")
	var online module.ResponseModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &online))
	require.Len(t, online.Modules, 1)
	assert.Equal(t, "producers", online.Modules[0].Name)
}

func TestGetModule(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/modules/roof", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v module.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, module.KindMPPT, v.Kind)

	w = f.do(http.MethodGet, "/api/v1/modules/garage", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, []int{10004}, errorCodes(t, w))
}

func TestCheckModuleOnline(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/modules/producers/online", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got module.OnlineResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, module.OnlineResponse{Name: "producers", Online: true}, got)

	w = f.do(http.MethodGet, "/api/v1/modules/roof/online", "", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.Online)
}

func TestReadModule(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/v1/modules/producers/reading", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got module.ReadingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, -1192.0, got.Reading["current_mA"])

	w = f.do(http.MethodGet, "/api/v1/modules/roof/reading", "", "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, []int{10007}, errorCodes(t, w))
}

func TestReadModuleBusFailure(t *testing.T) {
	for _, err := range []error{solarbusruntime.ErrRead, solarbusruntime.ErrWrite, solarbusruntime.ErrConfig} {
		f := newAPIFixture(t)
		f.transport.Script(solarbustest.Reply{Err: err})

		w := f.do(http.MethodGet, "/api/v1/modules/producers/reading", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, err.Error())
		assert.Equal(t, []int{10009}, errorCodes(t, w))
	}
}

func TestDoModuleActions(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPut, "/api/v1/modules/roof/action", "application/json",
		`[{"name":"manualPowerPoint","value":"14.2"},{"name":"enableOutput"}]`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, [][]byte{
		{0x4f, 0xc7, 0x10, 0x02, 0x8e, 0x00},
		{0x4f, 0xc7, 0x10, 0x04},
	}, f.transport.Writes())

	tests := []struct {
		name  string
		path  string
		body  string
		code  int
		codes []int
	}{
		{name: "single object", path: "/api/v1/modules/roof/action", body: `{"name":"disableOutput"}`, code: http.StatusAccepted},
		{name: "unknown module", path: "/api/v1/modules/garage/action", body: `{"name":"disableOutput"}`, code: http.StatusNotFound, codes: []int{10004}},
		{name: "malformed", path: "/api/v1/modules/roof/action", body: `{"name":`, code: http.StatusBadRequest, codes: []int{10001}},
		{name: "unknown field", path: "/api/v1/modules/roof/action", body: `{"name":"enableOutput","force":true}`, code: http.StatusBadRequest, codes: []int{10002}},
		{name: "not for current sensors", path: "/api/v1/modules/producers/action", body: `{"name":"enableOutput"}`, code: http.StatusBadRequest, codes: []int{10005}},
		{name: "out of range", path: "/api/v1/modules/roof/action", body: `{"name":"manualPowerPoint","value":-1}`, code: http.StatusBadRequest, codes: []int{10006}},
		{name: "empty list", path: "/api/v1/modules/roof/action", body: `[]`, code: http.StatusBadRequest, codes: []int{10005}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPut, tt.path, "application/json", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			if tt.codes != nil {
				assert.Equal(t, tt.codes, errorCodes(t, w))
			}
		})
	}
}

func TestDoModuleActionsRateLimited(t *testing.T) {
	f := newAPIFixture(t, module.WithActionLimiter(rate.NewLimiter(rate.Every(time.Minute), 1)))

	w := f.do(http.MethodPut, "/api/v1/modules/roof/action", "application/json", `{"name":"enableOutput"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(http.MethodPut, "/api/v1/modules/roof/action", "application/json", `{"name":"disableOutput"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, []int{10010}, errorCodes(t, w))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, f.transport.Writes(), 1)
}

func TestPatchModuleCalibration(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPatch, "/api/v1/modules/producers", "application/merge-patch+json", `{"offset":6}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var v module.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, &module.Calibration{ScaleFactor: -1, Offset: 6}, v.Calibration)

	w = f.do(http.MethodPatch, "/api/v1/modules/producers", "application/json-patch+json",
		`[{"op":"replace","path":"/scaleFactor","value":-1.02}]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	restored := module.NewRegistry()
	_, d, _ := newBus(t)
	sensor := module.NewCurrentSensor(d, "producers", 0x65, false, module.DefaultRetries, module.Calibration{ScaleFactor: -1, Offset: 8})
	require.NoError(t, restored.Add(sensor))
	module.LoadCalibrations(restored, f.store)
	assert.Equal(t, module.Calibration{ScaleFactor: -1.02, Offset: 6}, sensor.Calibration())

	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		code        int
	}{
		{name: "unsupported media type", path: "/api/v1/modules/producers", contentType: "application/json", body: `{"offset":1}`, code: http.StatusUnsupportedMediaType},
		{name: "mppt has no calibration", path: "/api/v1/modules/roof", contentType: "application/merge-patch+json", body: `{"offset":1}`, code: http.StatusBadRequest},
		{name: "unknown module", path: "/api/v1/modules/garage", contentType: "application/merge-patch+json", body: `{"offset":1}`, code: http.StatusNotFound},
		{name: "zero scale factor", path: "/api/v1/modules/producers", contentType: "application/merge-patch+json", body: `{"scaleFactor":0}`, code: http.StatusBadRequest},
		{name: "unknown field", path: "/api/v1/modules/producers", contentType: "application/merge-patch+json", body: `{"gain":2}`, code: http.StatusBadRequest},
		{name: "bad json patch", path: "/api/v1/modules/producers", contentType: "application/json-patch+json", body: `{"op":"replace"}`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPatch, tt.path, tt.contentType, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	got, err := f.registry.Get("producers")
	require.NoError(t, err)
	assert.Equal(t, module.Calibration{ScaleFactor: -1.02, Offset: 6}, got.(*module.CurrentSensor).Calibration())
}
