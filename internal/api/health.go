package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/accent-engine/internal/fetch"
	"github.com/snarg/accent-engine/internal/ingest"
)

// DBChecker reports database liveness.
type DBChecker interface {
	HealthCheck(ctx context.Context) error
}

// WatcherStatus exposes the drop-directory watcher snapshot.
type WatcherStatus interface {
	Status() ingest.StatusData
}

type HealthResponse struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Checks        map[string]string  `json:"checks"`
	Binaries      []fetch.Status     `json:"binaries"`
	Queue         QueueStats         `json:"queue"`
	Watcher       *ingest.StatusData `json:"watcher,omitempty"`
}

type QueueStats struct {
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type HealthHandler struct {
	db         DBChecker
	queue      Queue
	watcher    WatcherStatus // nil when no drop dir is configured
	configured func() bool
	version    string
	startTime  time.Time
}

func NewHealthHandler(db DBChecker, queue Queue, watcher WatcherStatus, configured func() bool, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:         db,
		queue:      queue,
		watcher:    watcher,
		configured: configured,
		version:    version,
		startTime:  startTime,
	}
}

// ServeHTTP reports overall service health. The database is the only hard
// dependency: a missing external binary or analyzer key degrades rather
// than fails, since queued runs and reads still work.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.configured() {
		checks["analyzer"] = "ok"
	} else {
		checks["analyzer"] = "not_configured"
		if status == "healthy" {
			status = "degraded"
		}
	}

	binaries := fetch.CheckBinaries(fetch.DefaultRequirements())
	for _, b := range binaries {
		if !b.Available && !b.Optional && status == "healthy" {
			status = "degraded"
		}
	}

	queued, completed, failed := h.queue.Stats()

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		Binaries:      binaries,
		Queue:         QueueStats{Queued: queued, Completed: completed, Failed: failed},
	}
	if h.watcher != nil {
		ws := h.watcher.Status()
		resp.Watcher = &ws
		checks["watcher"] = ws.Status
	}

	WriteJSON(w, httpStatus, resp)
}
