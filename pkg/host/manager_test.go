package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/antoine510/solar-mgr/pkg/storage"
)

func TestInitKeepsGatewayIdentity(t *testing.T) {
	store, err := storage.NewFsClient(t.TempDir(), storage.Gateway)
	require.NoError(t, err)
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	first := NewHostManager(store, WithClock(testingclock.NewFakeClock(created)))
	first.Init("microtonome")
	meta := first.GetGatewayMeta()
	assert.Len(t, meta.ID, 32)
	assert.Equal(t, "microtonome", meta.Name)
	assert.Equal(t, created, meta.Created)

	second := NewHostManager(store)
	second.Init("renamed")
	assert.Equal(t, meta.ID, second.GetGatewayMeta().ID)
	assert.Equal(t, "microtonome", second.GetGatewayMeta().Name)
}

func TestSnapshot(t *testing.T) {
	store, err := storage.NewFsClient(t.TempDir(), storage.Gateway)
	require.NoError(t, err)
	mgr := NewHostManager(store, WithDiskPaths(t.TempDir()))
	mgr.Init("microtonome")

	rm := mgr.Snapshot(context.Background())
	require.NotNil(t, rm.Cpus)
	assert.Greater(t, rm.Cpus.Count, 0)
	require.NotNil(t, rm.Mem)
	assert.Greater(t, rm.Mem.Total, uint64(0))
	require.Len(t, rm.Disks, 1)
	assert.Greater(t, rm.Disks[0].Total, uint64(0))
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := storage.NewFsClient(t.TempDir(), storage.Gateway)
	require.NoError(t, err)
	mgr := NewHostManager(store)
	mgr.Init("microtonome")

	router := gin.New()
	InstallHandler(router.Group("/api/v1"), mgr)

	for _, path := range []string{"/api/v1/host", "/api/v1/host/cpu", "/api/v1/host/mem", "/api/v1/host/disk"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/host/gateway", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var meta GatewayMeta
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, mgr.GetGatewayMeta().ID, meta.ID)
}
