package store

import (
	"errors"
	"sort"
	"sync"

	"go-mirror/internal/model"
)

var ErrJobNotFound = errors.New("job not found")

const DefaultCapacity = 10000

type JobFilter struct {
	Stage  model.StageName
	Status model.JobStatus
	URL    string
	Limit  int
}

func (f JobFilter) Match(j *model.JobSnapshot) bool {
	return (f.Stage == "" || j.Stage == f.Stage) &&
		(f.Status == "" || j.Status == f.Status) &&
		(f.URL == "" || j.URL == f.URL)
}

// JobStore keeps finished jobs in memory. Once capacity is reached the
// oldest jobs are evicted.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]*model.JobSnapshot
	order    []string
	capacity int
}

func NewJobStore(capacity int) *JobStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &JobStore{
		jobs:     make(map[string]*model.JobSnapshot),
		capacity: capacity,
	}
}

func (s *JobStore) Record(job model.JobSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = &job

	for len(s.order) > s.capacity {
		delete(s.jobs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *JobStore) GetJob(id string) (model.JobSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return model.JobSnapshot{}, ErrJobNotFound
	}
	return *job, nil
}

// ListJobs returns matching jobs, most recently finished first.
func (s *JobStore) ListJobs(f JobFilter) []model.JobSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.JobSnapshot
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if !f.Match(job) {
			continue
		}
		out = append(out, *job)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Counts tallies jobs by stage and status.
func (s *JobStore) Counts() map[model.StageName]map[model.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.StageName]map[model.JobStatus]int)
	for _, job := range s.jobs {
		if out[job.Stage] == nil {
			out[job.Stage] = make(map[model.JobStatus]int)
		}
		out[job.Stage][job.Status]++
	}
	return out
}

// Failed returns the URLs whose jobs failed, sorted.
func (s *JobStore) Failed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var urls []string
	for _, job := range s.jobs {
		if job.Status == model.JobStatusFailed && job.URL != "" && !seen[job.URL] {
			seen[job.URL] = true
			urls = append(urls, job.URL)
		}
	}
	sort.Strings(urls)
	return urls
}

func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Clear drops the whole history and returns how many jobs it held.
func (s *JobStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.order)
	s.jobs = make(map[string]*model.JobSnapshot)
	s.order = nil
	return n
}
