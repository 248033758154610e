package audit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-mirror/internal/model"
	"go-mirror/internal/pipeline"
)

var _ pipeline.AuditSink = (*SQLite)(nil)
var _ pipeline.AuditSink = Nop{}

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogAndQuery(t *testing.T) {
	s := openTemp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Log("fetch", "info", "job queued", "https://example.com/", "job-1", map[string]any{"parentId": "job-0"})
	s.Log("fetch", "error", "job failed", "https://example.com/missing", "job-2", map[string]any{"error": "http_404"})
	s.Log("write", "info", "job completed", "https://example.com/", "job-3", nil)
	require.NoError(t, s.Flush(ctx))

	all, err := s.Entries(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "job-3", all[0].JobID)
	assert.Nil(t, all[0].Details)

	failed, err := s.Entries(ctx, Filter{Stage: "fetch", Level: "error"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "https://example.com/missing", failed[0].URL)
	assert.Equal(t, "http_404", failed[0].Details["error"])
	assert.False(t, failed[0].Timestamp.IsZero())

	limited, err := s.Entries(ctx, Filter{URL: "https://example.com/", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "write", limited[0].Stage)
}

func TestRecordStatusKeepsLatest(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	s.RecordStatus(model.JobSnapshot{URL: "https://example.com/a", Stage: model.StageFetch, Status: model.JobStatusFailed, Error: "boom"})
	s.RecordStatus(model.JobSnapshot{URL: "https://example.com/a", Stage: model.StageWrite, Status: model.JobStatusCompleted, Reason: "wrote example.com/a.html"})
	s.RecordStatus(model.JobSnapshot{Stage: model.StageWrite, Status: model.JobStatusCompleted})
	require.NoError(t, s.Flush(ctx))

	st, err := s.Status(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "write", st.Stage)
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, "wrote example.com/a.html", st.Reason)
	assert.Empty(t, st.Error)

	missing, err := s.Status(ctx, "https://example.com/none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCloseFlushesAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(context.Background(), path, nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		s.Log("request", "info", "job queued", "https://example.com/", "", nil)
	}
	require.NoError(t, s.Close())
	s.Log("request", "info", "after close", "", "", nil)
	assert.ErrorIs(t, s.Flush(context.Background()), ErrClosed)

	reopened, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Entries(context.Background(), Filter{Stage: "request"})
	require.NoError(t, err)
	assert.Len(t, entries, 50)
	assert.Zero(t, s.Dropped())
}

func TestFlushRacingClose(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < cap(errs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Log("fetch", "info", "job queued", "https://example.com/", "", nil)
			errs <- s.Flush(ctx)
		}()
	}
	require.NoError(t, s.Close())
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	assert.Error(t, err)
}
