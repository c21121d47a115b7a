package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/version"
)

// systemHandlers serves the unauthenticated health and monitoring surface.
type systemHandlers struct {
	databases []*database.DB
	startedAt time.Time
	log       zerolog.Logger
}

func newSystemHandlers(databases []*database.DB, log zerolog.Logger) *systemHandlers {
	return &systemHandlers{
		databases: databases,
		startedAt: time.Now(),
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// handleHealth answers liveness probes. Each database gets a ping.
func (h *systemHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := make(map[string]string, len(h.databases))
	for _, db := range h.databases {
		if err := db.Conn().PingContext(r.Context()); err != nil {
			checks[db.Name()] = err.Error()
			status = "degraded"
			continue
		}
		checks[db.Name()] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeRaw(w, code, map[string]interface{}{
		"status":    status,
		"version":   version.Version,
		"databases": checks,
	})
}

// handleStatus reports process and host statistics.
func (h *systemHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	// 100ms sample keeps the endpoint responsive for dashboard polling.
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU percentage")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	ramPercent := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		ramPercent = memStat.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory statistics")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	writeRaw(w, http.StatusOK, map[string]interface{}{
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"cpu_percent":    cpuAvg,
		"ram_percent":    ramPercent,
		"goroutines":     runtime.NumGoroutine(),
		"heap_mb":        float64(ms.HeapAlloc) / 1024 / 1024,
	})
}

// handleDatabases reports per-database file and page statistics.
func (h *systemHandlers) handleDatabases(w http.ResponseWriter, r *http.Request) {
	type dbStatus struct {
		Name          string  `json:"name"`
		SizeMB        float64 `json:"size_mb"`
		WALSizeMB     float64 `json:"wal_size_mb"`
		PageCount     int64   `json:"page_count"`
		FreelistCount int64   `json:"freelist_count"`
	}

	statuses := make([]dbStatus, 0, len(h.databases))
	for _, db := range h.databases {
		stats, err := db.GetStats()
		if err != nil {
			h.log.Error().Err(err).Str("database", db.Name()).Msg("Failed to read database stats")
			statuses = append(statuses, dbStatus{Name: db.Name()})
			continue
		}
		statuses = append(statuses, dbStatus{
			Name:          db.Name(),
			SizeMB:        float64(stats.SizeBytes) / 1024 / 1024,
			WALSizeMB:     float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount:     stats.PageCount,
			FreelistCount: stats.FreelistCount,
		})
	}

	writeRaw(w, http.StatusOK, map[string]interface{}{"databases": statuses})
}

// writeRaw writes JSON without the data/metadata envelope; the monitoring
// surface is consumed by probes, not the client app.
func writeRaw(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
