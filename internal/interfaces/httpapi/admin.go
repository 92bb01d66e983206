package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"signalpipe/internal/domain/model"
)

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Pause()
	log.Warn().Msg("signal processing paused by operator")
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Resume()
	log.Info().Msg("signal processing resumed by operator")
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleWalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.wal.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.retry.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRetryReplay re-arms one dead-lettered retry item.
// Route: POST /admin/retry/{id}/replay
func (s *Server) handleRetryReplay(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/retry/")
	idStr, ok := strings.CutSuffix(rest, "/replay")
	if !ok {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, model.Rejectf(model.CodeValidation, "invalid retry id %q", idStr))
		return
	}

	if err := s.pipeline.ReplayRetry(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Int64("retry_id", id).Msg("dead-lettered item replayed by operator")
	writeJSON(w, http.StatusOK, map[string]any{"replayed": id})
}

func (s *Server) handleWalPurge(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.wal.PurgeBefore(r.Context(), cutoff)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n, "cutoff": cutoff})
}

func (s *Server) handleRetryPurge(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.retry.Purge(r.Context(), cutoff)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n, "cutoff": cutoff})
}

// parseCutoff reads ?older_than_hours=N, defaulting to 168 (one week).
func parseCutoff(r *http.Request) (time.Time, error) {
	hours := 168
	if v := r.URL.Query().Get("older_than_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return time.Time{}, model.Rejectf(model.CodeValidation, "invalid older_than_hours %q", v)
		}
		hours = n
	}
	return time.Now().Add(-time.Duration(hours) * time.Hour), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := model.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case model.CodeValidation:
		status = http.StatusBadRequest
	case model.CodeStoreError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error_code": code, "message": err.Error()})
}
