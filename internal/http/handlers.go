package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go-mirror/internal/audit"
	"go-mirror/internal/model"
	"go-mirror/internal/pipeline"
	"go-mirror/internal/store"
)

const defaultLimit = 100

type statusResponse struct {
	Running bool                                        `json:"running"`
	Status  *pipeline.Status                            `json:"status,omitempty"`
	History map[model.StageName]map[model.JobStatus]int `json:"history"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.service.Status()
	resp := statusResponse{History: s.service.JobCounts()}
	if ok {
		resp.Running = !st.Idle && !st.ShutDown
		resp.Status = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter := store.JobFilter{
		Stage:  model.StageName(q.Get("stage")),
		Status: model.JobStatus(q.Get("status")),
		URL:    q.Get("url"),
		Limit:  limit,
	}

	jobs := s.service.ListJobs(filter)
	if jobs == nil {
		jobs = []model.JobSnapshot{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	job, err := s.service.GetJob(id)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFailedURLs(w http.ResponseWriter, r *http.Request) {
	urls := s.service.FailedURLs()
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.service.ClearHistory()})
}

func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	entries, err := s.service.AuditEntries(r.Context(), audit.Filter{
		Stage: q.Get("stage"),
		Level: q.Get("level"),
		URL:   q.Get("url"),
		JobID: q.Get("job"),
		Limit: limit,
	})
	if err != nil {
		writeAuditError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleURLStatus(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	st, err := s.service.URLStatus(r.Context(), url)
	if err != nil {
		writeAuditError(w, err)
		return
	}
	if st == nil {
		http.Error(w, "url not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeAuditError(w http.ResponseWriter, err error) {
	if errors.Is(err, audit.ErrDisabled) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// parseLimit defaults to defaultLimit and writes a 400 on a bad value.
func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
