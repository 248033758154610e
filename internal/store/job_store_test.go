package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-mirror/internal/model"
	"go-mirror/internal/pipeline"
)

var _ pipeline.History = (*JobStore)(nil)

func snap(id string, stage model.StageName, status model.JobStatus, url string) model.JobSnapshot {
	return model.JobSnapshot{ID: id, Stage: stage, Status: status, URL: url}
}

func TestRecordAndGet(t *testing.T) {
	s := NewJobStore(0)
	s.Record(snap("a", model.StageFetch, model.JobStatusCompleted, "https://example.com/"))

	job, err := s.GetJob("a")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", job.URL)

	_, err = s.GetJob("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	s.Record(snap("a", model.StageFetch, model.JobStatusFailed, "https://example.com/"))
	assert.Equal(t, 1, s.Len())
	job, _ = s.GetJob("a")
	assert.Equal(t, model.JobStatusFailed, job.Status)
}

func TestListJobsFiltersNewestFirst(t *testing.T) {
	s := NewJobStore(0)
	s.Record(snap("1", model.StageFetch, model.JobStatusCompleted, "https://example.com/a"))
	s.Record(snap("2", model.StageFetch, model.JobStatusFailed, "https://example.com/b"))
	s.Record(snap("3", model.StageWrite, model.JobStatusCompleted, "https://example.com/a"))
	s.Record(snap("4", model.StageFetch, model.JobStatusCompleted, "https://example.com/c"))

	ids := func(jobs []model.JobSnapshot) []string {
		var out []string
		for _, j := range jobs {
			out = append(out, j.ID)
		}
		return out
	}

	assert.Equal(t, []string{"4", "3", "2", "1"}, ids(s.ListJobs(JobFilter{})))
	assert.Equal(t, []string{"4", "1"}, ids(s.ListJobs(JobFilter{Stage: model.StageFetch, Status: model.JobStatusCompleted})))
	assert.Equal(t, []string{"3"}, ids(s.ListJobs(JobFilter{URL: "https://example.com/a", Limit: 1})))

	counts := s.Counts()
	assert.Equal(t, 2, counts[model.StageFetch][model.JobStatusCompleted])
	assert.Equal(t, 1, counts[model.StageFetch][model.JobStatusFailed])
	assert.Equal(t, []string{"https://example.com/b"}, s.Failed())
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := NewJobStore(2)
	s.Record(snap("1", model.StageFetch, model.JobStatusCompleted, ""))
	s.Record(snap("2", model.StageFetch, model.JobStatusCompleted, ""))
	s.Record(snap("3", model.StageFetch, model.JobStatusCompleted, ""))

	assert.Equal(t, 2, s.Len())
	_, err := s.GetJob("1")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Equal(t, 2, s.Clear())
	assert.Zero(t, s.Len())
	assert.Empty(t, s.ListJobs(JobFilter{}))
}
