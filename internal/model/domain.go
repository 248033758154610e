package model

import (
	"sync"
	"time"
)

type StageName string

const (
	StageRequest StageName = "request"
	StageFetch   StageName = "fetch"
	StageParse   StageName = "parse"
	StageWrite   StageName = "write"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in-progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type LogEntry struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Job is one unit of work in one stage. ID, ParentID, Stage and CreatedAt
// never change; everything else is guarded by mu because the status server
// may read a job while its processor chain is still running.
type Job struct {
	ID        string
	ParentID  string
	Stage     StageName
	CreatedAt time.Time

	mu         sync.Mutex
	payload    Payload
	status     JobStatus
	reason     string
	err        string
	startedAt  time.Time
	finishedAt time.Time
	logs       []LogEntry
}

func NewJob(id, parentID string, stage StageName, payload Payload) *Job {
	return &Job{
		ID:        id,
		ParentID:  parentID,
		Stage:     stage,
		CreatedAt: time.Now(),
		payload:   payload,
		status:    JobStatusQueued,
	}
}

func (j *Job) Payload() Payload {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.payload
}

func (j *Job) SetPayload(p Payload) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.payload = p
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Logf appends a diagnostic entry.
func (j *Job) Logf(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs = append(j.logs, LogEntry{Time: time.Now(), Text: sprintf(format, args...)})
}

func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobStatusQueued {
		return
	}
	j.status = JobStatusInProgress
	j.startedAt = time.Now()
}

// Finish moves the job into a terminal status. It reports false if the job
// already was terminal.
func (j *Job) Finish(status JobStatus, reason string, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() || !status.Terminal() {
		return false
	}
	j.status = status
	j.reason = reason
	if err != nil {
		j.err = err.Error()
		j.logs = append(j.logs, LogEntry{Time: time.Now(), Text: err.Error()})
	}
	j.finishedAt = time.Now()
	return true
}

type JobSnapshot struct {
	ID         string     `json:"id"`
	ParentID   string     `json:"parentId,omitempty"`
	Stage      StageName  `json:"stage"`
	URL        string     `json:"url"`
	Payload    Payload    `json:"payload"`
	Status     JobStatus  `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Logs       []LogEntry `json:"logs,omitempty"`
}

func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := JobSnapshot{
		ID:        j.ID,
		ParentID:  j.ParentID,
		Stage:     j.Stage,
		Payload:   j.payload,
		Status:    j.status,
		Reason:    j.reason,
		Error:     j.err,
		CreatedAt: j.CreatedAt,
		Logs:      append([]LogEntry(nil), j.logs...),
	}
	if j.payload != nil {
		s.URL = j.payload.Subject()
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}
