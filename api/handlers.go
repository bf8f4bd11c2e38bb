package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/adapter"
	"github.com/isdmx/runbox/governor"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/sandbox"
)

// executeRequest is the body of POST /api/execute
type executeRequest struct {
	Language string         `json:"language"`
	Code     string         `json:"code"`
	Stdin    string         `json:"stdin,omitempty"`
	Limits   *limitsRequest `json:"limits,omitempty"`
}

// limitsRequest carries per-request limits. Omitted fields keep their
// deployment default.
type limitsRequest struct {
	CPUTimeMs          int64 `json:"cpu_time_ms,omitempty"`
	MemoryMB           int64 `json:"memory_mb,omitempty"`
	WallClockTimeoutMs int64 `json:"wall_clock_timeout_ms,omitempty"`
	MaxOutputBytes     int64 `json:"max_output_bytes,omitempty"`
}

// limits merges l over defaults
func (l *limitsRequest) limits(defaults governor.Limits) (*governor.Limits, error) {
	if l == nil {
		return nil, nil
	}
	if l.CPUTimeMs < 0 || l.MemoryMB < 0 || l.WallClockTimeoutMs < 0 || l.MaxOutputBytes < 0 {
		return nil, errors.New("limits must not be negative")
	}

	out := defaults
	if l.CPUTimeMs > 0 {
		out.CPUTime = time.Duration(l.CPUTimeMs) * time.Millisecond
	}
	if l.MemoryMB > 0 {
		out.MemoryBytes = l.MemoryMB * governor.MiB
	}
	if l.WallClockTimeoutMs > 0 {
		out.WallClockTimeout = time.Duration(l.WallClockTimeoutMs) * time.Millisecond
	}
	if l.MaxOutputBytes > 0 {
		out.MaxOutputBytes = l.MaxOutputBytes
	}
	return &out, nil
}

// healthResponse is the body of GET /healthz
type healthResponse struct {
	Status string `json:"status"`
	orchestrator.Stats
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Language == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}

	limits, err := req.Limits.limits(s.defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.exec.Execute(r.Context(), sandbox.Submission{
		LanguageID: req.Language,
		SourceText: req.Code,
		Stdin:      req.Stdin,
		Limits:     limits,
	})
	switch {
	case errors.Is(err, adapter.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, orchestrator.ErrCapacity):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		s.logger.Error("execute failed", zap.String("language", req.Language), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Languages())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Stats: s.exec.Stats()})
}
