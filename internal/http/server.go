package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go-mirror/internal/audit"
	"go-mirror/internal/model"
	"go-mirror/internal/pipeline"
	"go-mirror/internal/store"
)

// Service is what the status server exposes. Only ClearHistory mutates, and
// only the job history.
type Service interface {
	Status() (pipeline.Status, bool)
	GetJob(id string) (model.JobSnapshot, error)
	ListJobs(f store.JobFilter) []model.JobSnapshot
	JobCounts() map[model.StageName]map[model.JobStatus]int
	FailedURLs() []string
	ClearHistory() int
	AuditEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	URLStatus(ctx context.Context, url string) (*audit.URLStatus, error)
}

type Server struct {
	router  *http.ServeMux
	service Service

	mu  sync.Mutex
	srv *http.Server
}

func NewServer(svc Service) *Server {
	server := &Server{
		router:  http.NewServeMux(),
		service: svc,
	}
	server.router.HandleFunc("GET /status", server.handleStatus)
	server.router.HandleFunc("GET /jobs", server.handleListJobs)
	server.router.HandleFunc("DELETE /jobs", server.handleClearHistory)
	server.router.HandleFunc("GET /jobs/failed", server.handleFailedURLs)
	server.router.HandleFunc("GET /jobs/{id}", server.handleGetJob)
	server.router.HandleFunc("GET /audit", server.handleAuditEntries)
	server.router.HandleFunc("GET /audit/status", server.handleURLStatus)
	return server
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
