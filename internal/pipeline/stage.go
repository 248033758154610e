package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"go-mirror/internal/model"
)

var ErrStageClosed = errors.New("stage is closed")

type StageOptions struct {
	MaxConcurrent int
}

type StageStats struct {
	Name          model.StageName  `json:"name"`
	MaxConcurrent int              `json:"maxConcurrent"`
	Pending       int              `json:"pending"`
	InProgress    int              `json:"inProgress"`
	Completed     int64            `json:"completed"`
	Failed        int64            `json:"failed"`
	Signals       map[string]int64 `json:"signals,omitempty"`
}

// observer is notified when jobs enter and leave a stage. jobAdded runs
// before the job can be admitted, jobFinished after it reached a terminal
// status.
type observer interface {
	jobAdded(job *model.Job)
	jobFinished(job *model.Job)
}

// Stage runs an ordered processor chain over its jobs with at most
// MaxConcurrent jobs in progress. Jobs beyond that wait in a FIFO list.
type Stage struct {
	name       model.StageName
	max        int
	gate       *semaphore.Weighted
	processors []Processor
	logger     *slog.Logger
	obs        observer
	ctx        context.Context

	mu        sync.Mutex
	pending   []*model.Job
	active    map[string]*model.Job
	closed    bool
	completed int64
	failed    int64
	signals   map[string]int64
	wg        sync.WaitGroup
}

func newStage(name model.StageName, opts StageOptions, logger *slog.Logger, obs observer) *Stage {
	max := opts.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	return &Stage{
		name:    name,
		max:     max,
		gate:    semaphore.NewWeighted(int64(max)),
		logger:  logger.With("stage", string(name)),
		obs:     obs,
		ctx:     context.Background(),
		active:  make(map[string]*model.Job),
		signals: make(map[string]int64),
	}
}

func (s *Stage) Name() model.StageName { return s.name }

// Use appends a processor to the chain. Register processors before the first
// job is added.
func (s *Stage) Use(p Processor) *Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors = append(s.processors, p)
	return s
}

func (s *Stage) UseFunc(f func(ctx context.Context, job *model.Job) Outcome) *Stage {
	return s.Use(ProcessorFunc(f))
}

// AddJob queues a new job and admits it immediately if the stage has
// capacity.
func (s *Stage) AddJob(parentID string, payload model.Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload for %s", ErrPayloadMismatch, s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("%w: %s", ErrStageClosed, s.name)
	}

	job := model.NewJob(uuid.New().String(), parentID, s.name, payload)
	s.pending = append(s.pending, job)
	if s.obs != nil {
		s.obs.jobAdded(job)
	}
	s.logger.Debug("job queued", "job_id", job.ID, "parent_id", parentID, "url", payload.Subject())

	s.admitLocked()
	return job.ID, nil
}

func (s *Stage) admitLocked() {
	for len(s.pending) > 0 && !s.closed && s.gate.TryAcquire(1) {
		job := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.active[job.ID] = job

		s.wg.Add(1)
		go s.run(job)
	}
}

func (s *Stage) run(job *model.Job) {
	defer s.wg.Done()

	job.Start()
	out := s.execute(job)

	var (
		status = model.JobStatusCompleted
		reason = out.reason
		err    error
		signal error
	)
	if out.kind == failOutcome {
		if signal = Signal(out.err); signal != nil {
			reason = out.err.Error()
		} else {
			status = model.JobStatusFailed
			err = out.err
		}
	}
	if p, ok := job.Payload().(model.Sanitizer); ok {
		job.SetPayload(p.Sanitize())
	}
	job.Finish(status, reason, err)

	url := ""
	if p := job.Payload(); p != nil {
		url = p.Subject()
	}
	switch {
	case err != nil:
		s.logger.Warn("job failed", "job_id", job.ID, "url", url, "error", err)
	case signal != nil:
		s.logger.Debug("job stopped", "job_id", job.ID, "url", url, "signal", signal.Error())
	default:
		s.logger.Debug("job completed", "job_id", job.ID, "url", url, "reason", reason)
	}

	s.mu.Lock()
	delete(s.active, job.ID)
	if status == model.JobStatusFailed {
		s.failed++
	} else {
		s.completed++
	}
	if signal != nil {
		s.signals[signal.Error()]++
	}
	s.mu.Unlock()

	s.gate.Release(1)
	if s.obs != nil {
		s.obs.jobFinished(job)
	}

	s.mu.Lock()
	s.admitLocked()
	s.mu.Unlock()
}

func (s *Stage) execute(job *model.Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("processor panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			out = Fail(fmt.Errorf("processor panic: %v", r))
		}
	}()

	s.mu.Lock()
	chain := s.processors
	s.mu.Unlock()

	for _, p := range chain {
		o := p.Process(s.ctx, job)
		if o.kind != continueOutcome {
			return o
		}
		if o.payload != nil {
			job.SetPayload(o.payload)
		}
	}
	return Complete("")
}

// close stops admission and hands back the jobs that never started.
func (s *Stage) close() []*model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	dropped := s.pending
	s.pending = nil
	return dropped
}

// drain waits for in-progress jobs.
func (s *Stage) drain() {
	s.wg.Wait()
}

func (s *Stage) Stats() StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StageStats{
		Name:          s.name,
		MaxConcurrent: s.max,
		Pending:       len(s.pending),
		InProgress:    len(s.active),
		Completed:     s.completed,
		Failed:        s.failed,
		Signals:       make(map[string]int64, len(s.signals)),
	}
	for k, v := range s.signals {
		st.Signals[k] = v
	}
	return st
}

// Job looks up a queued or in-progress job.
func (s *Stage) Job(id string) (*model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.active[id]; ok {
		return job, true
	}
	for _, job := range s.pending {
		if job.ID == id {
			return job, true
		}
	}
	return nil, false
}

// Jobs returns snapshots of queued and in-progress jobs.
func (s *Stage) Jobs() []model.JobSnapshot {
	s.mu.Lock()
	jobs := make([]*model.Job, 0, len(s.active)+len(s.pending))
	for _, j := range s.active {
		jobs = append(jobs, j)
	}
	jobs = append(jobs, s.pending...)
	s.mu.Unlock()

	out := make([]model.JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out
}
