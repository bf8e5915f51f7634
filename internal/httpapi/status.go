package httpapi

import (
	"net/http"
	"strings"

	"github.com/ashenforge/fleetd/internal/activerun"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runs := s.active.Snapshot()
	resp := StatusResponse{
		ActiveRuns: make([]ActiveRunStatus, 0, len(runs)),
		QueueDepth: len(runs),
	}
	for _, run := range runs {
		resp.ActiveRuns = append(resp.ActiveRuns, toActiveRunStatus(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toActiveRunStatus(run *activerun.Run) ActiveRunStatus {
	return ActiveRunStatus{
		ID:            run.LogID,
		Package:       run.QueueItem.Package,
		Suite:         run.QueueItem.Suite,
		Worker:        run.Worker,
		StartTime:     run.StartTime,
		LastKeepalive: run.LastKeepalive(),
		LogFilenames:  run.LogNames(),
		KillRequested: run.KillRequested(),
	}
}

func (s *Server) handleLogList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.active.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ReasonResponse{Reason: "unknown active run"})
		return
	}
	writeJSON(w, http.StatusOK, run.LogNames())
}

func (s *Server) handleLogFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	file := chi.URLParam(r, "file")
	run, ok := s.active.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ReasonResponse{Reason: "unknown active run"})
		return
	}
	data, ok := run.LogBytes(file)
	if !ok {
		writeJSON(w, http.StatusNotFound, ReasonResponse{Reason: "unknown log file"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	run, ok := s.active.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, ReasonResponse{Reason: "unknown active run"})
		return
	}
	run.RequestKill()
	writeJSON(w, http.StatusOK, toActiveRunStatus(run))
}
