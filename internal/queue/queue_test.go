package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidforge-engine/internal/database"
	"bidforge-engine/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testConfig() Config {
	return Config{
		Name:          "test",
		Concurrency:   1,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    10 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		ShutdownGrace: time.Second,
	}
}

func waitFor(t *testing.T, q *Queue, id string, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		job = q.GetJob(id)
		return job != nil && job.Status == want
	}, 3*time.Second, 2*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	base, max := 100*time.Millisecond, 5*time.Second
	prev := time.Duration(0)
	for k := 1; k <= 40; k++ {
		d := Backoff(k, base, max)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", k)
		assert.LessOrEqual(t, d, max)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, Backoff(1, base, max))
	assert.Equal(t, 200*time.Millisecond, Backoff(2, base, max))
	assert.Equal(t, 400*time.Millisecond, Backoff(3, base, max))
	assert.Equal(t, max, Backoff(40, base, max))
}

func TestQueue_PriorityPrecedence(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	var (
		mu    sync.Mutex
		order []string
	)
	require.NoError(t, q.AddProcessor(models.JobTypeRFPAnalysis, func(_ context.Context, job *models.Job, _ Progress) (any, error) {
		mu.Lock()
		order = append(order, job.Metadata["name"])
		mu.Unlock()
		return nil, nil
	}))

	ctx := context.Background()
	add := func(name string, p models.Priority) string {
		id, err := q.Add(ctx, models.JobTypeRFPAnalysis, map[string]string{}, Options{Priority: p, Metadata: map[string]string{"name": name}})
		require.NoError(t, err)
		return id
	}
	add("A", models.PriorityLow)
	add("B", models.PriorityCritical)
	add("C", models.PriorityNormal)

	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"B", "C", "A"}, order)
}

func TestQueue_TransientTwiceThenSuccess(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	var calls atomic.Int32
	require.NoError(t, q.AddProcessor(models.JobTypeDocumentProcessing, func(_ context.Context, _ *models.Job, progress Progress) (any, error) {
		n := calls.Add(1)
		if n < 3 {
			return nil, models.Transient(errors.New("provider 503"))
		}
		progress(50, "embedding")
		return map[string]int{"chunks": 4}, nil
	}))

	var retries atomic.Int32
	q.OnEvent(func(ev models.JobEvent) {
		if ev.Type == models.JobEventRetry {
			retries.Add(1)
		}
		assert.LessOrEqual(t, ev.Job.Attempts, ev.Job.MaxAttempts)
	})

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	id, err := q.Add(ctx, models.JobTypeDocumentProcessing, map[string]string{"document_id": "d1"}, Options{Priority: models.PriorityHigh})
	require.NoError(t, err)

	job := waitFor(t, q, id, models.StatusCompleted)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, int32(2), retries.Load())
	assert.JSONEq(t, `{"chunks":4}`, string(job.Result))
	assert.Equal(t, 100, job.ProgressPercent)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, int64(2), q.Stats().Retries)
}

func TestQueue_ExhaustedAttemptsFail(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	require.NoError(t, q.AddProcessor(models.JobTypeEmailNotification, func(context.Context, *models.Job, Progress) (any, error) {
		return nil, errors.New("smtp down")
	}))

	var failed atomic.Int32
	q.OnEvent(func(ev models.JobEvent) {
		if ev.Type == models.JobEventFailed {
			failed.Add(1)
		}
	})

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	id, err := q.Add(ctx, models.JobTypeEmailNotification, nil, Options{})
	require.NoError(t, err)

	job := waitFor(t, q, id, models.StatusFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, models.KindTransient, job.ErrorKind)
	assert.Contains(t, job.ErrorMessage, "smtp down")
	assert.Eventually(t, func() bool { return failed.Load() == 1 }, time.Second, 2*time.Millisecond)
}

func TestQueue_ValidationErrorNotRetried(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	require.NoError(t, q.AddProcessor(models.JobTypeSketchAnalysis, func(context.Context, *models.Job, Progress) (any, error) {
		return nil, models.Validation("sketch has no pages")
	}))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	id, err := q.Add(ctx, models.JobTypeSketchAnalysis, nil, Options{})
	require.NoError(t, err)

	job := waitFor(t, q, id, models.StatusFailed)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.KindValidation, job.ErrorKind)
}

func TestQueue_ProcessorCancellationEndsCancelled(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	require.NoError(t, q.AddProcessor(models.JobTypeAgentWorkflow, func(context.Context, *models.Job, Progress) (any, error) {
		return nil, models.Cancelled("workflow proj-1")
	}))
	var cancelled atomic.Int32
	q.OnEvent(func(ev models.JobEvent) {
		if ev.Type == models.JobEventCancelled {
			cancelled.Add(1)
		}
	})

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	id, err := q.Add(ctx, models.JobTypeAgentWorkflow, nil, Options{})
	require.NoError(t, err)

	job := waitFor(t, q, id, models.StatusCancelled)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.KindCancelled, job.ErrorKind)
	assert.NotNil(t, job.CompletedAt)
	assert.Eventually(t, func() bool { return cancelled.Load() == 1 }, time.Second, 2*time.Millisecond)

	st := q.Stats()
	assert.Equal(t, int64(0), st.Failed)
	assert.Equal(t, int64(1), st.Cancelled)
}

func TestQueue_MissingProcessorFailsImmediately(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	id, err := q.Add(ctx, models.JobTypeCacheWarmup, nil, Options{})
	require.NoError(t, err)
	job := waitFor(t, q, id, models.StatusFailed)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.KindValidation, job.ErrorKind)
}

func TestQueue_PanicIsRecoveredAsTransient(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	var calls atomic.Int32
	require.NoError(t, q.AddProcessor(models.JobTypeRFPAnalysis, func(context.Context, *models.Job, Progress) (any, error) {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return "ok", nil
	}))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	id, err := q.Add(ctx, models.JobTypeRFPAnalysis, nil, Options{})
	require.NoError(t, err)
	job := waitFor(t, q, id, models.StatusCompleted)
	assert.Equal(t, 2, job.Attempts)
}

func TestQueue_JobTimeoutIsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	q := New(cfg, testLogger(), nil)
	require.NoError(t, q.AddProcessor(models.JobTypeBidGeneration, func(ctx context.Context, _ *models.Job, _ Progress) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	id, err := q.Add(ctx, models.JobTypeBidGeneration, nil, Options{})
	require.NoError(t, err)
	job := waitFor(t, q, id, models.StatusFailed)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, models.KindTimeout, job.ErrorKind)
}

func TestQueue_CancelRunningJobDiscardsResult(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.AddProcessor(models.JobTypeAgentWorkflow, func(ctx context.Context, _ *models.Job, _ Progress) (any, error) {
		close(started)
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		<-release
		return "late result", nil
	}))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	id, err := q.Add(ctx, models.JobTypeAgentWorkflow, nil, Options{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("processor never started")
	}
	assert.True(t, q.CancelJob(id))
	assert.False(t, q.CancelJob(id), "already terminal")
	close(release)

	time.Sleep(30 * time.Millisecond)
	job := q.GetJob(id)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Empty(t, job.Result)
}

func TestQueue_CancelQueuedJobNeverRuns(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	var ran atomic.Bool
	require.NoError(t, q.AddProcessor(models.JobTypeWebhookNotification, func(context.Context, *models.Job, Progress) (any, error) {
		ran.Store(true)
		return nil, nil
	}))

	ctx := context.Background()
	id, err := q.Add(ctx, models.JobTypeWebhookNotification, nil, Options{})
	require.NoError(t, err)
	assert.True(t, q.CancelJob(id))

	require.NoError(t, q.Start(ctx))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, q.Stop(ctx))

	assert.False(t, ran.Load())
	assert.Equal(t, int64(1), q.Stats().Cancelled)
}

func TestQueue_DuplicateProcessorRejected(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	fn := func(context.Context, *models.Job, Progress) (any, error) { return nil, nil }
	require.NoError(t, q.AddProcessor(models.JobTypeRFPAnalysis, fn))
	err := q.AddProcessor(models.JobTypeRFPAnalysis, fn)
	assert.ErrorIs(t, err, models.ErrDuplicateProcessor)
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 3
	q := New(cfg, testLogger(), nil)

	var active, peak atomic.Int32
	require.NoError(t, q.AddProcessor(models.JobTypeDocumentEmbedding, func(context.Context, *models.Job, Progress) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}))

	ctx := context.Background()
	var ids []string
	for i := 0; i < 9; i++ {
		id, err := q.Add(ctx, models.JobTypeDocumentEmbedding, nil, Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, q.Start(ctx))
	defer q.Stop(ctx)

	for _, id := range ids {
		waitFor(t, q, id, models.StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestQueue_GetJobsFilterAndCleanup(t *testing.T) {
	q := New(testConfig(), testLogger(), nil)
	ctx := context.Background()
	base := time.Now()
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	a, _ := q.Add(ctx, models.JobTypeRFPAnalysis, nil, Options{UserID: "u1", ProjectID: "p1"})
	b, _ := q.Add(ctx, models.JobTypeRFPAnalysis, nil, Options{UserID: "u1", ProjectID: "p2"})
	c, _ := q.Add(ctx, models.JobTypeRFPAnalysis, nil, Options{UserID: "u2", ProjectID: "p1"})

	jobs := q.GetJobs(models.JobFilter{UserID: "u1"})
	require.Len(t, jobs, 2)
	assert.Equal(t, b, jobs[0].ID, "newest first")
	assert.Equal(t, a, jobs[1].ID)
	assert.Len(t, q.GetJobs(models.JobFilter{ProjectID: "p1", Limit: 1}), 1)

	require.True(t, q.CancelJob(a))
	require.True(t, q.CancelJob(b))

	assert.Zero(t, q.Cleanup(ctx, time.Hour), "nothing old enough yet")
	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 2, q.Cleanup(ctx, time.Hour), "only terminal jobs are purged")
	assert.Nil(t, q.GetJob(a))
	assert.NotNil(t, q.GetJob(c))
}

func TestQueue_RestoresPersistedJobs(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer db.Close()

	first := New(testConfig(), testLogger(), db)
	id, err := first.Add(ctx, models.JobTypeDocumentProcessing, map[string]string{"document_id": "d9"}, Options{ProjectID: "p1"})
	require.NoError(t, err)

	// a second process sharing the store picks the job up on start
	second := New(testConfig(), testLogger(), db)
	done := make(chan string, 1)
	require.NoError(t, second.AddProcessor(models.JobTypeDocumentProcessing, func(_ context.Context, job *models.Job, _ Progress) (any, error) {
		var p struct {
			DocumentID string `json:"document_id"`
		}
		require.NoError(t, job.DecodePayload(&p))
		done <- p.DocumentID
		return nil, nil
	}))
	require.NoError(t, second.Start(ctx))
	defer second.Stop(ctx)

	select {
	case got := <-done:
		assert.Equal(t, "d9", got)
	case <-time.After(2 * time.Second):
		t.Fatal("restored job never ran")
	}
	waitFor(t, second, id, models.StatusCompleted)

	stored, err := db.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

func TestQueue_IdempotencyKeyDeduplicatesAndPersists(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer db.Close()

	q := New(testConfig(), testLogger(), db)
	id, err := q.Add(ctx, models.JobTypeBidGeneration, nil, Options{IdempotencyKey: "bid-1", MaxAttempts: 5})
	require.NoError(t, err)
	again, err := q.Add(ctx, models.JobTypeBidGeneration, nil, Options{IdempotencyKey: "bid-1"})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, q.GetJobs(models.JobFilter{}), 1)
	assert.Equal(t, id, q.FindByIdempotencyKey("bid-1").ID)
	assert.Nil(t, q.FindByIdempotencyKey("bid-2"))

	stored, err := db.GetJobByIdempotencyKey(ctx, "bid-1")
	require.NoError(t, err)
	assert.Equal(t, id, stored.ID)
	assert.Equal(t, 5, stored.MaxAttempts)
}

func TestQueue_StopAbandonsAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond
	q := New(cfg, testLogger(), nil)
	started := make(chan struct{})
	require.NoError(t, q.AddProcessor(models.JobTypeBidGeneration, func(ctx context.Context, _ *models.Job, _ Progress) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	id, err := q.Add(ctx, models.JobTypeBidGeneration, nil, Options{})
	require.NoError(t, err)
	<-started

	begin := time.Now()
	require.NoError(t, q.Stop(ctx))
	assert.Less(t, time.Since(begin), time.Second)

	waitFor(t, q, id, models.StatusQueued)
}
