package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-mirror/internal/audit"
	"go-mirror/internal/model"
	"go-mirror/internal/pipeline"
	"go-mirror/internal/store"
)

type fakeService struct {
	status  pipeline.Status
	running bool
	history *store.JobStore

	auditOff    bool
	entries     []audit.Entry
	urls        map[string]*audit.URLStatus
	auditFilter audit.Filter
}

func (f *fakeService) Status() (pipeline.Status, bool) { return f.status, f.running }

func (f *fakeService) GetJob(id string) (model.JobSnapshot, error) { return f.history.GetJob(id) }

func (f *fakeService) ListJobs(filter store.JobFilter) []model.JobSnapshot {
	return f.history.ListJobs(filter)
}

func (f *fakeService) JobCounts() map[model.StageName]map[model.JobStatus]int {
	return f.history.Counts()
}

func (f *fakeService) FailedURLs() []string { return f.history.Failed() }

func (f *fakeService) ClearHistory() int { return f.history.Clear() }

func (f *fakeService) AuditEntries(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	if f.auditOff {
		return nil, audit.ErrDisabled
	}
	f.auditFilter = filter
	var out []audit.Entry
	for _, e := range f.entries {
		if filter.Stage == "" || e.Stage == filter.Stage {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeService) URLStatus(ctx context.Context, url string) (*audit.URLStatus, error) {
	if f.auditOff {
		return nil, audit.ErrDisabled
	}
	return f.urls[url], nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeService) {
	t.Helper()
	svc := &fakeService{
		history: store.NewJobStore(0),
		entries: []audit.Entry{
			{ID: 2, Stage: "fetch", Level: "error", Message: "job failed", URL: "https://example.com/x", JobID: "j2"},
			{ID: 1, Stage: "request", Level: "info", Message: "job queued", URL: "https://example.com/"},
		},
		urls: map[string]*audit.URLStatus{
			"https://example.com/x": {URL: "https://example.com/x", Stage: "fetch", Status: "failed", Error: "http_404"},
		},
	}
	svc.history.Record(model.JobSnapshot{ID: "j1", Stage: model.StageFetch, Status: model.JobStatusCompleted, URL: "https://example.com/", Payload: model.FetchPayload{URL: "https://example.com/", Key: "https://example.com/"}})
	svc.history.Record(model.JobSnapshot{ID: "j2", Stage: model.StageFetch, Status: model.JobStatusFailed, URL: "https://example.com/x", Error: "http_404"})
	svc.history.Record(model.JobSnapshot{ID: "j3", Stage: model.StageWrite, Status: model.JobStatusCompleted, URL: "https://example.com/"})

	ts := httptest.NewServer(NewServer(svc).Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHandleStatus(t *testing.T) {
	ts, svc := newTestServer(t)

	var body map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/status", &body))
	assert.Equal(t, false, body["running"])
	assert.NotContains(t, body, "status")
	history := body["history"].(map[string]any)
	assert.EqualValues(t, 1, history["fetch"].(map[string]any)["failed"])
	assert.EqualValues(t, 1, history["write"].(map[string]any)["completed"])

	svc.running = true
	svc.status = pipeline.Status{Outstanding: 3, Stages: []pipeline.StageStats{{Name: model.StageFetch, MaxConcurrent: 4, Pending: 2, InProgress: 1}}}
	body = nil
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/status", &body))
	assert.Equal(t, true, body["running"])
	status := body["status"].(map[string]any)
	assert.EqualValues(t, 3, status["outstanding"])
}

func TestHandleListJobs(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"j3", "j2", "j1"}},
		{"by stage", "?stage=fetch", []string{"j2", "j1"}},
		{"by status", "?status=failed", []string{"j2"}},
		{"limited", "?limit=1", []string{"j3"}},
		{"no match", "?stage=parse", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var jobs []map[string]any
			require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/jobs"+tc.query, &jobs))
			ids := []string{}
			for _, j := range jobs {
				ids = append(ids, j["id"].(string))
			}
			assert.Equal(t, tc.want, ids)
		})
	}

	resp, err := http.Get(ts.URL + "/jobs?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleGetJob(t *testing.T) {
	ts, _ := newTestServer(t)

	var job map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/jobs/j1", &job))
	assert.Equal(t, "fetch", job["stage"])
	assert.Equal(t, "https://example.com/", job["payload"].(map[string]any)["key"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/jobs/nope", nil))

	resp, err := http.Post(ts.URL+"/jobs/j1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleFailedURLs(t *testing.T) {
	ts, _ := newTestServer(t)

	var urls []string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/jobs/failed", &urls))
	assert.Equal(t, []string{"https://example.com/x"}, urls)
}

func TestHandleClearHistory(t *testing.T) {
	ts, svc := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body["cleared"])
	assert.Zero(t, svc.history.Len())

	var urls []string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/jobs/failed", &urls))
	assert.Empty(t, urls)
}

func TestHandleAuditEntries(t *testing.T) {
	ts, svc := newTestServer(t)

	var entries []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/audit?stage=fetch&level=error&job=j2&limit=5", &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "job failed", entries[0]["message"])
	assert.Equal(t, audit.Filter{Stage: "fetch", Level: "error", JobID: "j2", Limit: 5}, svc.auditFilter)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/audit", &entries))
	assert.Len(t, entries, 2)
	assert.Equal(t, 100, svc.auditFilter.Limit)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/audit?limit=-1", nil))

	svc.auditOff = true
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/audit", nil))
}

func TestHandleURLStatus(t *testing.T) {
	ts, svc := newTestServer(t)

	var st map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/audit/status?url=https://example.com/x", &st))
	assert.Equal(t, "failed", st["status"])
	assert.Equal(t, "http_404", st["error"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/audit/status?url=https://example.com/none", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/audit/status", nil))

	svc.auditOff = true
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/audit/status?url=https://example.com/x", nil))
}
