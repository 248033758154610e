package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-mirror/internal/model"
)

type recordingHistory struct {
	mu   sync.Mutex
	jobs []model.JobSnapshot
}

func (h *recordingHistory) Record(job model.JobSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job)
}

func (h *recordingHistory) byURL(url string) (model.JobSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, j := range h.jobs {
		if j.URL == url {
			return j, true
		}
	}
	return model.JobSnapshot{}, false
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func req(url string) model.RequestPayload { return model.RequestPayload{URL: url} }

func TestStageAdmitsInFIFOOrderWithinBound(t *testing.T) {
	d := NewDriver()
	stage, err := d.AddStage(model.StageRequest, StageOptions{MaxConcurrent: 2})
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		started []string
		running atomic.Int32
		peak    atomic.Int32
	)
	release := make(chan struct{})
	stage.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		started = append(started, job.Payload().Subject())
		mu.Unlock()
		<-release
		running.Add(-1)
		return Continue()
	})

	for i := 0; i < 6; i++ {
		_, err := d.Submit(model.StageRequest, req(fmt.Sprintf("u%d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	st := stage.Stats()
	assert.Equal(t, 4, st.Pending)
	assert.Equal(t, 2, st.InProgress)

	close(release)
	require.NoError(t, d.Wait(waitCtx(t)))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, started, 6)
	assert.ElementsMatch(t, []string{"u0", "u1"}, started[:2])
	assert.ElementsMatch(t, []string{"u2", "u3", "u4", "u5"}, started[2:])

	st = stage.Stats()
	assert.Equal(t, int64(6), st.Completed)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.InProgress)
}

func TestSerialStageKeepsSubmissionOrder(t *testing.T) {
	d := NewDriver()
	stage, err := d.AddStage(model.StageRequest, StageOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	gate := make(chan struct{})
	stage.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		<-gate
		mu.Lock()
		order = append(order, job.Payload().Subject())
		mu.Unlock()
		return Continue()
	})

	for _, u := range []string{"a", "b", "c", "d"} {
		_, err := d.Submit(model.StageRequest, req(u))
		require.NoError(t, err)
	}
	close(gate)
	require.NoError(t, d.Wait(waitCtx(t)))
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestProcessorChainOutcomes(t *testing.T) {
	h := &recordingHistory{}
	d := NewDriver(WithHistory(h))
	stage, err := d.AddStage(model.StageRequest, StageOptions{MaxConcurrent: 4})
	require.NoError(t, err)

	var tailRuns atomic.Int32
	stage.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		switch job.Payload().Subject() {
		case "dup":
			return Fail(ErrAlreadyProcessed)
		case "rejected":
			return Fail(fmt.Errorf("%w: outside domain", ErrValidationRejected))
		case "broken":
			return Fail(errors.New("boom"))
		case "done":
			return Complete("nothing to do")
		case "panic":
			panic("bad input")
		}
		return ContinueWith(req(job.Payload().Subject() + "!"))
	})
	stage.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		tailRuns.Add(1)
		return Continue()
	})

	for _, u := range []string{"dup", "rejected", "broken", "done", "panic", "ok"} {
		_, err := d.Submit(model.StageRequest, req(u))
		require.NoError(t, err)
	}
	require.NoError(t, d.Wait(waitCtx(t)))

	assert.Equal(t, int32(1), tailRuns.Load())

	dup, ok := h.byURL("dup")
	require.True(t, ok)
	assert.Equal(t, model.JobStatusCompleted, dup.Status)
	assert.Equal(t, "already processed", dup.Reason)
	assert.Empty(t, dup.Error)

	rejected, _ := h.byURL("rejected")
	assert.Equal(t, model.JobStatusCompleted, rejected.Status)
	assert.Contains(t, rejected.Reason, "outside domain")

	broken, _ := h.byURL("broken")
	assert.Equal(t, model.JobStatusFailed, broken.Status)
	assert.Equal(t, "boom", broken.Error)
	require.NotEmpty(t, broken.Logs)
	assert.Equal(t, "boom", broken.Logs[len(broken.Logs)-1].Text)

	done, _ := h.byURL("done")
	assert.Equal(t, "nothing to do", done.Reason)

	panicked, _ := h.byURL("panic")
	assert.Equal(t, model.JobStatusFailed, panicked.Status)
	assert.Contains(t, panicked.Error, "bad input")

	ok2, found := h.byURL("ok!")
	require.True(t, found)
	assert.Equal(t, model.JobStatusCompleted, ok2.Status)

	st := stage.Stats()
	assert.Equal(t, int64(4), st.Completed)
	assert.Equal(t, int64(2), st.Failed)
	assert.Equal(t, int64(1), st.Signals["already processed"])
	assert.Equal(t, int64(1), st.Signals["validation rejected"])
}

func TestWaitCoversDescendants(t *testing.T) {
	h := &recordingHistory{}
	d := NewDriver(WithHistory(h))
	request, err := d.AddStage(model.StageRequest, StageOptions{MaxConcurrent: 2})
	require.NoError(t, err)
	fetch, err := d.AddStage(model.StageFetch, StageOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	var fetched atomic.Int32
	request.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		p := job.Payload().(model.RequestPayload)
		if _, err := d.Dispatch(model.StageFetch, job, p.ToFetch(p.URL)); err != nil {
			return Fail(err)
		}
		return Continue()
	})
	fetch.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		time.Sleep(10 * time.Millisecond)
		p := job.Payload().(model.FetchPayload)
		if fetched.Add(1) < 5 {
			if _, err := d.Dispatch(model.StageRequest, job, p.Redirect(p.URL+"/next")); err != nil {
				return Fail(err)
			}
		}
		return Continue()
	})

	_, err = d.Submit(model.StageRequest, req("http://x"))
	require.NoError(t, err)
	require.NoError(t, d.Wait(waitCtx(t)))

	assert.Equal(t, int32(5), fetched.Load())
	st := d.Status()
	assert.True(t, st.Idle)
	assert.Equal(t, int64(10), st.Completed)

	child, ok := h.byURL("http://x/next")
	require.True(t, ok)
	assert.NotEmpty(t, child.ParentID)
	assert.Equal(t, 1, child.Payload.(model.RequestPayload).RedirectCount)
}

func TestDispatchChecksPayload(t *testing.T) {
	d := NewDriver()
	_, err := d.AddStage(model.StageWrite, StageOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	_, err = d.AddStage(model.StageWrite, StageOptions{})
	assert.ErrorIs(t, err, ErrDuplicateStage)

	_, err = d.Dispatch(model.StageWrite, nil, req("x"))
	assert.ErrorIs(t, err, ErrPayloadMismatch)

	_, err = d.Dispatch(model.StageParse, nil, model.ParsePayload{URL: "x"})
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestDispatchSanitizesPayload(t *testing.T) {
	d := NewDriver()
	stage, err := d.AddStage(model.StageWrite, StageOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	hold := make(chan struct{})
	stage.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		<-hold
		return Continue()
	})

	id, err := d.Dispatch(model.StageWrite, nil, model.WritePayload{URL: "x", Body: []byte("data"), MIMEType: "text/html"})
	require.NoError(t, err)

	snap, ok := d.Job(id)
	require.True(t, ok)
	wp := snap.Payload.(model.WritePayload)
	assert.Nil(t, wp.Body)
	assert.Empty(t, wp.MIMEType)

	close(hold)
	require.NoError(t, d.Wait(waitCtx(t)))
	_, ok = d.Job(id)
	assert.False(t, ok)
}

func TestShutdownDrainsInProgressAndKeepsQueued(t *testing.T) {
	d := NewDriver()
	stage, err := d.AddStage(model.StageRequest, StageOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	stage.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		if runs.Add(1) == 1 {
			close(entered)
			<-release
		}
		return Continue()
	})

	for _, u := range []string{"a", "b", "c"} {
		_, err := d.Submit(model.StageRequest, req(u))
		require.NoError(t, err)
	}
	<-entered

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- d.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before the in-progress job finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-shutdownDone)

	assert.Equal(t, int32(1), runs.Load())
	require.NoError(t, d.Wait(waitCtx(t)))

	st := d.Status()
	assert.Equal(t, 2, st.Abandoned)
	assert.True(t, st.ShutDown)

	_, err = d.Submit(model.StageRequest, req("late"))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	d := NewDriver()
	stage, err := d.AddStage(model.StageRequest, StageOptions{MaxConcurrent: 1})
	require.NoError(t, err)

	stage.UseFunc(func(ctx context.Context, job *model.Job) Outcome {
		time.Sleep(30 * time.Millisecond)
		return Continue()
	})
	for i := 0; i < 10; i++ {
		_, err := d.Submit(model.StageRequest, req(fmt.Sprintf("u%d", i)))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	err = d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st := d.Status()
	assert.True(t, st.ShutDown)
	assert.Zero(t, st.Stages[0].InProgress)
	assert.Positive(t, st.Abandoned)
}
