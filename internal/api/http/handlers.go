// Package http is the kernel's diagnostic REST surface: process and
// server tables, scheduler state, memory counters, and the suspend
// controls.
package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/betrusted-io/xous-hosted/internal/infrastructure/monitoring"
	"github.com/betrusted-io/xous-hosted/internal/susres"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
)

// Handlers bundles the dependencies the REST endpoints read from.
type Handlers struct {
	kernel  *syscall.Kernel
	susres  *susres.Coordinator
	metrics *monitoring.Metrics
	log     *zap.Logger
	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(k *syscall.Kernel, sr *susres.Coordinator, m *monitoring.Metrics, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{kernel: k, susres: sr, metrics: m, log: log, started: time.Now()}
}

// Root identifies the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "xous-hosted-kernel",
		"status":  "running",
	})
}

// Health reports liveness plus coarse table occupancy.
func (h *Handlers) Health(c *gin.Context) {
	snap := h.kernel.Stats()
	free, total := h.kernel.MemStats()
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"uptime":     time.Since(h.started).String(),
		"processes":  len(snap.Processes),
		"servers":    len(snap.Servers),
		"pages_free": free,
		"pages":      total,
	})
}

// ListProcesses dumps the process table.
func (h *Handlers) ListProcesses(c *gin.Context) {
	snap := h.kernel.Stats()
	c.JSON(http.StatusOK, gin.H{"processes": snap.Processes})
}

// GetProcess reports a single process by PID.
func (h *Handlers) GetProcess(c *gin.Context) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
		return
	}
	snap := h.kernel.Stats()
	for _, p := range snap.Processes {
		if uint64(p.PID) == pid {
			c.JSON(http.StatusOK, p)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "process not found"})
}

// ListServers dumps the server table. SIDs are capabilities and are
// never included.
func (h *Handlers) ListServers(c *gin.Context) {
	snap := h.kernel.Stats()
	c.JSON(http.StatusOK, gin.H{"servers": snap.Servers})
}

// SchedulerStats reports round-robin counters.
func (h *Handlers) SchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.kernel.Scheduler().Snapshot())
}

// MemoryStats reports page pool occupancy.
func (h *Handlers) MemoryStats(c *gin.Context) {
	free, total := h.kernel.MemStats()
	if h.metrics != nil {
		h.metrics.SetPagesFree(free)
	}
	c.JSON(http.StatusOK, gin.H{
		"pages_free": free,
		"pages_used": total - free,
		"pages":      total,
	})
}

// MetricsJSON reports the aggregated counters as JSON, complementing
// the Prometheus exposition endpoint.
func (h *Handlers) MetricsJSON(c *gin.Context) {
	snap := h.metrics.GetSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"requests":         snap.TotalRequests,
		"errors":           snap.TotalErrors,
		"syscalls":         snap.TotalSyscalls,
		"sends":            snap.TotalSends,
		"avg_request_secs": h.metrics.AvgRequestDuration(),
	})
}

// Suspend drives an ordered suspend. It fails fast when no Last
// subscriber is registered.
func (h *Handlers) Suspend(c *gin.Context) {
	if h.susres == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "suspend coordinator not running"})
		return
	}
	if err := h.susres.Suspend(); err != nil {
		h.log.Warn("suspend rejected", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clean": h.susres.WasSuspendClean()})
}

// Resume releases the suspend gate.
func (h *Handlers) Resume(c *gin.Context) {
	if h.susres == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "suspend coordinator not running"})
		return
	}
	h.susres.Resume()
	c.JSON(http.StatusOK, gin.H{"suspending": h.susres.SuspendingNow()})
}

// SusresStatus reports the suspend gate and the last suspend outcome.
func (h *Handlers) SusresStatus(c *gin.Context) {
	if h.susres == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "suspend coordinator not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"suspending": h.susres.SuspendingNow(),
		"clean":      h.susres.WasSuspendClean(),
	})
}
