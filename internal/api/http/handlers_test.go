package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betrusted-io/xous-hosted/internal/infrastructure/monitoring"
	"github.com/betrusted-io/xous-hosted/internal/susres"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// Prometheus collectors register globally, so the test binary shares
// one metrics instance.
var (
	metricsOnce sync.Once
	testMetrics *monitoring.Metrics
)

func sharedMetrics() *monitoring.Metrics {
	metricsOnce.Do(func() { testMetrics = monitoring.NewMetrics() })
	return testMetrics
}

func newTestRouter(t *testing.T, withSusres bool) (*gin.Engine, *syscall.Kernel) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	k := syscall.NewKernel(64, nil)
	var coordinator *susres.Coordinator
	if withSusres {
		var err error
		coordinator, err = susres.New(k, nil, time.Second)
		require.NoError(t, err)
		go coordinator.Run()
		t.Cleanup(func() { _ = coordinator.Close() })
	}

	h := NewHandlers(k, coordinator, sharedMetrics(), nil)
	r := gin.New()
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/processes", h.ListProcesses)
	r.GET("/processes/:pid", h.GetProcess)
	r.GET("/servers", h.ListServers)
	r.GET("/scheduler/stats", h.SchedulerStats)
	r.GET("/memory", h.MemoryStats)
	r.GET("/metrics/json", h.MetricsJSON)
	r.GET("/susres", h.SusresStatus)
	r.POST("/susres/suspend", h.Suspend)
	r.POST("/susres/resume", h.Resume)
	return r, k
}

func get(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, false)
	w := get(r, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["processes"], "only init is running")
	assert.Equal(t, float64(64), body["pages"])
}

func TestListProcesses(t *testing.T) {
	r, k := newTestRouter(t, false)
	_, err := k.CreateProcess(1, "shell", 0x1000, 0x2_0000)
	require.NoError(t, err)

	w := get(r, http.MethodGet, "/processes")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Processes []map[string]interface{} `json:"processes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Processes, 2)
	assert.Equal(t, "shell", body.Processes[1]["name"])
}

func TestGetProcess(t *testing.T) {
	r, k := newTestRouter(t, false)
	pid, err := k.CreateProcess(1, "shell", 0x1000, 0x2_0000)
	require.NoError(t, err)

	w := get(r, http.MethodGet, "/processes/"+strconv.Itoa(int(pid)))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "shell", body["name"])
	assert.Equal(t, float64(1), body["ppid"])

	assert.Equal(t, http.StatusNotFound, get(r, http.MethodGet, "/processes/42").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, http.MethodGet, "/processes/shell").Code)
}

func TestListServersOmitsSIDs(t *testing.T) {
	r, k := newTestRouter(t, false)
	pid, err := k.CreateProcess(1, "svc", 0x1000, 0x2_0000)
	require.NoError(t, err)
	_, err = k.CreateServer(pid)
	require.NoError(t, err)

	w := get(r, http.MethodGet, "/servers")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Servers []map[string]interface{} `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Servers, 1)
	assert.NotContains(t, body.Servers[0], "sid")
	assert.Equal(t, float64(pid), body.Servers[0]["owner"])
}

func TestSchedulerStats(t *testing.T) {
	r, _ := newTestRouter(t, false)
	w := get(r, http.MethodGet, "/scheduler/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "switches")
	assert.Contains(t, body, "idles")
}

func TestMemoryStats(t *testing.T) {
	r, k := newTestRouter(t, false)
	pid, err := k.CreateProcess(1, "hog", 0x1000, 0x2_0000)
	require.NoError(t, err)
	_, err = k.MapMemory(pid, 0, 0, 2*xous.PageSize, xous.MemFlagRead|xous.MemFlagWrite)
	require.NoError(t, err)

	w := get(r, http.MethodGet, "/memory")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]float64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(62), body["pages_free"])
	assert.Equal(t, float64(2), body["pages_used"])
}

func TestSusresUnavailable(t *testing.T) {
	r, _ := newTestRouter(t, false)
	for _, c := range []struct {
		method, path string
	}{
		{http.MethodGet, "/susres"},
		{http.MethodPost, "/susres/suspend"},
		{http.MethodPost, "/susres/resume"},
	} {
		w := get(r, c.method, c.path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, c.path)
	}
}

func TestSuspendWithoutLastSubscriber(t *testing.T) {
	r, _ := newTestRouter(t, true)
	w := get(r, http.MethodPost, "/susres/suspend")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSusresStatus(t *testing.T) {
	r, _ := newTestRouter(t, true)
	w := get(r, http.MethodGet, "/susres")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["suspending"])
	assert.Equal(t, true, body["clean"])
}

func TestMetricsJSON(t *testing.T) {
	r, _ := newTestRouter(t, false)
	w := get(r, http.MethodGet, "/metrics/json")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "requests")
	assert.Contains(t, body, "syscalls")
}
