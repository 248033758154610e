// Package pipeline runs jobs through named stages. Each stage applies an
// ordered chain of processors to its jobs and bounds how many run at once.
// The Driver wires stages together and reports when no job is left queued or
// in progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go-mirror/internal/model"
)

var (
	ErrUnknownStage    = errors.New("unknown stage")
	ErrDuplicateStage  = errors.New("stage already registered")
	ErrPayloadMismatch = errors.New("payload does not match stage")
	ErrShutdown        = errors.New("driver is shut down")
)

// History receives every job that reached a terminal status.
type History interface {
	Record(job model.JobSnapshot)
}

// AuditSink receives job lifecycle events for persistent diagnostics.
type AuditSink interface {
	Log(stage, level, message, url, jobID string, details map[string]any)
	RecordStatus(job model.JobSnapshot)
}

type Option func(*Driver)

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithHistory(h History) Option {
	return func(d *Driver) { d.history = h }
}

func WithAudit(a AuditSink) Option {
	return func(d *Driver) { d.audit = a }
}

type Status struct {
	Outstanding int          `json:"outstanding"`
	Abandoned   int          `json:"abandoned"`
	Completed   int64        `json:"completed"`
	Failed      int64        `json:"failed"`
	Idle        bool         `json:"idle"`
	ShutDown    bool         `json:"shutDown"`
	Stages      []StageStats `json:"stages"`
}

type Driver struct {
	logger  *slog.Logger
	history History
	audit   AuditSink

	mu          sync.Mutex
	stages      map[model.StageName]*Stage
	order       []model.StageName
	outstanding int
	abandoned   int
	idle        chan struct{}
	shutdown    bool
}

func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		logger: slog.Default(),
		stages: make(map[model.StageName]*Stage),
		idle:   make(chan struct{}),
	}
	close(d.idle)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddStage registers a stage. Processors are attached with Stage.Use.
func (d *Driver) AddStage(name model.StageName, opts StageOptions) (*Stage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.stages[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, name)
	}
	s := newStage(name, opts, d.logger, d)
	d.stages[name] = s
	d.order = append(d.order, name)
	return s, nil
}

func (d *Driver) Stage(name model.StageName) (*Stage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stages[name]
	return s, ok
}

// Submit seeds a root job into a stage.
func (d *Driver) Submit(target model.StageName, payload model.Payload) (string, error) {
	return d.Dispatch(target, nil, payload)
}

// Dispatch creates a job in the target stage on behalf of parent. The payload
// kind must match the target, and sanitizable payloads lose their bulky
// fields before they are stored on the new job.
func (d *Driver) Dispatch(target model.StageName, parent *model.Job, payload model.Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload for %s", ErrPayloadMismatch, target)
	}
	if payload.Kind() != target {
		return "", fmt.Errorf("%w: %s payload sent to %s", ErrPayloadMismatch, payload.Kind(), target)
	}

	d.mu.Lock()
	stage, ok := d.stages[target]
	down := d.shutdown
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, target)
	}
	if down {
		return "", ErrShutdown
	}

	if s, ok := payload.(model.Sanitizer); ok {
		payload = s.Sanitize()
	}
	parentID := ""
	if parent != nil {
		parentID = parent.ID
	}
	return stage.AddJob(parentID, payload)
}

func (d *Driver) jobAdded(job *model.Job) {
	d.mu.Lock()
	if d.outstanding == 0 {
		d.idle = make(chan struct{})
	}
	d.outstanding++
	d.mu.Unlock()

	if d.audit != nil {
		d.audit.Log(string(job.Stage), "info", "job queued", job.Payload().Subject(), job.ID, map[string]any{
			"parentId": job.ParentID,
		})
	}
}

func (d *Driver) jobFinished(job *model.Job) {
	snap := job.Snapshot()
	if d.history != nil {
		d.history.Record(snap)
	}
	if d.audit != nil {
		level := "info"
		msg := "job completed"
		details := map[string]any{}
		if snap.Status == model.JobStatusFailed {
			level = "error"
			msg = "job failed"
			details["error"] = snap.Error
		}
		if snap.Reason != "" {
			details["reason"] = snap.Reason
		}
		d.audit.Log(string(snap.Stage), level, msg, snap.URL, snap.ID, details)
		d.audit.RecordStatus(snap)
	}

	d.mu.Lock()
	d.settleLocked(1)
	d.mu.Unlock()
}

func (d *Driver) settleLocked(n int) {
	d.outstanding -= n
	if d.outstanding <= 0 {
		d.outstanding = 0
		select {
		case <-d.idle:
		default:
			close(d.idle)
		}
	}
}

// Wait blocks until no job is queued or in progress in any stage.
func (d *Driver) Wait(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.outstanding == 0 {
			d.mu.Unlock()
			return nil
		}
		idle := d.idle
		d.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops admitting jobs and waits for in-progress jobs to finish.
// Jobs still queued are left untouched and no longer count as outstanding.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shutdown = true
	stages := d.orderedLocked()
	d.mu.Unlock()

	dropped := 0
	for _, s := range stages {
		dropped += len(s.close())
	}
	if dropped > 0 {
		d.logger.Info("shutdown left jobs queued", "count", dropped)
	}

	d.mu.Lock()
	d.abandoned += dropped
	d.settleLocked(dropped)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, s := range stages {
			s.drain()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run waits for the pipeline to go idle. If ctx ends first the driver is
// shut down and in-progress jobs are drained before returning ctx's error.
func (d *Driver) Run(ctx context.Context) error {
	err := d.Wait(ctx)
	if err == nil {
		return nil
	}
	d.logger.Warn("pipeline interrupted, draining in-progress jobs", "error", err)
	if serr := d.Shutdown(context.Background()); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

func (d *Driver) orderedLocked() []*Stage {
	out := make([]*Stage, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.stages[name])
	}
	return out
}

func (d *Driver) Status() Status {
	d.mu.Lock()
	st := Status{
		Outstanding: d.outstanding,
		Abandoned:   d.abandoned,
		Idle:        d.outstanding == 0,
		ShutDown:    d.shutdown,
	}
	stages := d.orderedLocked()
	d.mu.Unlock()

	for _, s := range stages {
		ss := s.Stats()
		st.Completed += ss.Completed
		st.Failed += ss.Failed
		st.Stages = append(st.Stages, ss)
	}
	return st
}

// Job looks up a queued or in-progress job in any stage.
func (d *Driver) Job(id string) (model.JobSnapshot, bool) {
	d.mu.Lock()
	stages := d.orderedLocked()
	d.mu.Unlock()

	for _, s := range stages {
		if job, ok := s.Job(id); ok {
			return job.Snapshot(), true
		}
	}
	return model.JobSnapshot{}, false
}

// Live returns snapshots of every queued or in-progress job.
func (d *Driver) Live() []model.JobSnapshot {
	d.mu.Lock()
	stages := d.orderedLocked()
	d.mu.Unlock()

	var out []model.JobSnapshot
	for _, s := range stages {
		out = append(out, s.Jobs()...)
	}
	return out
}
