package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/okastakis/skopos/internal/domain"
)

const defaultListLimit = 50

// handleHealth reports liveness and database reachability.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.HealthCheck(ctx); err != nil {
		s.log.Error().Err(err).Msg("Health check failed")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports the engine phase, trading day and pipeline counts.
// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	phase, day, active := s.engine.Status()

	counts, err := s.theses.CountByStatus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	open, err := s.positions.GetOpen()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if active == nil {
		active = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"phase":          phase,
		"trading_day":    day,
		"active_symbols": active,
		"thesis_counts":  counts,
		"open_positions": len(open),
	})
}

// handleRisk reports the governor's current accounting state.
// GET /api/risk
func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	state := s.risk.Snapshot()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":          state,
		"breaker_active": state.BreakerActive(time.Now()),
	})
}

// handleTheses lists recent theses, optionally filtered by status.
// GET /api/theses?status=ACTIVE&limit=20
func (s *Server) handleTheses(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultListLimit)

	var (
		theses []domain.TradeThesis
		err    error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		theses, err = s.theses.GetByStatus(domain.ThesisStatus(status), limit)
	} else {
		theses, err = s.theses.GetRecent(limit)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if theses == nil {
		theses = []domain.TradeThesis{}
	}
	s.writeJSON(w, http.StatusOK, theses)
}

// handleThesisByID returns a single thesis.
// GET /api/theses/{id}
func (s *Server) handleThesisByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	th, err := s.theses.GetByID(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if th == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "thesis not found"})
		return
	}

	s.writeJSON(w, http.StatusOK, th)
}

// handlePositions lists positions, open by default.
// GET /api/positions?scope=recent
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	var (
		list []domain.Position
		err  error
	)
	if r.URL.Query().Get("scope") == "recent" {
		list, err = s.positions.GetRecent(queryLimit(r, defaultListLimit))
	} else {
		list, err = s.positions.GetOpen()
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if list == nil {
		list = []domain.Position{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleEvents lists recent market events.
// GET /api/events?limit=20
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	list, err := s.events.GetRecent(queryLimit(r, defaultListLimit))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if list == nil {
		list = []domain.MarketEvent{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleSystem reports host and database resource usage.
// GET /api/system
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := systemStats()

	response := map[string]any{
		"cpu_percent": cpuPct,
		"ram_percent": memPct,
	}

	if stats, err := s.db.GetStats(); err == nil {
		response["database"] = map[string]any{
			"name":       s.db.Name(),
			"size_bytes": stats.SizeBytes,
			"wal_bytes":  stats.WALSizeBytes,
		}
	}

	var fsStat syscall.Statfs_t
	if err := syscall.Statfs(s.dataDir, &fsStat); err == nil {
		total := fsStat.Blocks * uint64(fsStat.Bsize)
		free := fsStat.Bavail * uint64(fsStat.Bsize)
		response["disk"] = map[string]any{
			"total_bytes": total,
			"free_bytes":  free,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// systemStats samples CPU and RAM usage. The short CPU interval keeps the
// endpoint responsive for pollers.
func systemStats() (float64, float64) {
	cpuAvg := 0.0
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		return cpuAvg, 0
	}

	return cpuAvg, memStat.UsedPercent
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Error().Err(err).Msg("Request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 500 {
		return fallback
	}
	return n
}
