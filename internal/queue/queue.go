// Package queue runs one named stream of jobs: priority dequeue, bounded
// parallel execution, retry with exponential backoff and cooperative
// cancellation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"bidforge-engine/internal/models"
)

// Progress lets a processor report completion percent and the current step
type Progress func(percent int, step string)

// Processor handles one job type. The returned value is stored as the job
// result. ctx is cancelled when the job is cancelled, times out or the queue
// abandons it on shutdown.
type Processor func(ctx context.Context, job *models.Job, progress Progress) (any, error)

// Store persists job state across restarts
type Store interface {
	SaveJob(ctx context.Context, job *models.Job) error
	LoadJobs(ctx context.Context, queue string, statuses ...models.JobStatus) ([]models.Job, error)
	DeleteJobs(ctx context.Context, ids []string) error
}

// Options are per-job submission settings
type Options struct {
	Priority    models.Priority
	UserID      string
	ProjectID   string
	Metadata    map[string]string
	MaxAttempts int
	TraceID     string

	// IdempotencyKey makes a resubmission return the original job
	IdempotencyKey string
}

// Queue is an in-process priority job queue with its own dequeue loop
type Queue struct {
	cfg    Config
	logger *slog.Logger
	store  Store
	tracer trace.Tracer
	now    func() time.Time

	mu         sync.Mutex
	jobs       map[string]*models.Job
	pending    [4][]string // by priority rank, FIFO
	running    map[string]context.CancelFunc
	processors map[models.JobType]Processor
	listeners  []func(models.JobEvent)
	retries    int64

	sem  *semaphore.Weighted
	wake chan struct{}
	wg   sync.WaitGroup

	started  bool
	stopping bool
	stopLoop context.CancelFunc
	abandon  context.CancelFunc
	workCtx  context.Context
	loopDone chan struct{}
}

// New creates a queue. store may be nil for a purely in-memory queue.
func New(cfg Config, logger *slog.Logger, store Store) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:        cfg,
		logger:     logger.With("queue", cfg.Name),
		store:      store,
		tracer:     otel.Tracer("bidforge/queue"),
		now:        time.Now,
		jobs:       make(map[string]*models.Job),
		running:    make(map[string]context.CancelFunc),
		processors: make(map[models.JobType]Processor),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		wake:       make(chan struct{}, 1),
	}
}

// Name returns the queue name
func (q *Queue) Name() string { return q.cfg.Name }

// AddProcessor registers the handler for a job type. Each type has exactly one.
func (q *Queue) AddProcessor(jobType models.JobType, fn Processor) error {
	if fn == nil {
		return models.Validation("nil processor for " + string(jobType))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.processors[jobType]; exists {
		return fmt.Errorf("%w: %s on queue %s", models.ErrDuplicateProcessor, jobType, q.cfg.Name)
	}
	q.processors[jobType] = fn
	return nil
}

// OnEvent registers a listener for job lifecycle events. Listeners run
// synchronously on the transitioning goroutine and must not block.
func (q *Queue) OnEvent(fn func(models.JobEvent)) {
	q.mu.Lock()
	q.listeners = append(q.listeners, fn)
	q.mu.Unlock()
}

// Add enqueues a job and returns its id. It never waits on processing.
func (q *Queue) Add(ctx context.Context, jobType models.JobType, payload any, opts Options) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", models.Validation("payload is not JSON serialisable: " + err.Error())
	}
	priority := opts.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return "", models.Validation("unknown priority " + string(priority))
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	now := q.now().UTC()
	job := &models.Job{
		ID:          uuid.NewString(),
		Queue:       q.cfg.Name,
		Type:        jobType,
		Payload:     raw,
		Priority:    priority,
		Status:      models.StatusQueued,
		MaxAttempts: maxAttempts,
		UserID:      opts.UserID,
		ProjectID:   opts.ProjectID,
		Metadata:    opts.Metadata,
		TraceID:     traceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	q.mu.Lock()
	if opts.IdempotencyKey != "" {
		if existing := q.byKeyLocked(opts.IdempotencyKey); existing != nil {
			q.mu.Unlock()
			q.logger.Info("duplicate submission", "job_id", existing.ID, "idempotency_key", opts.IdempotencyKey)
			return existing.ID, nil
		}
		job.IdempotencyKey = opts.IdempotencyKey
	}
	q.jobs[job.ID] = job
	q.pending[priority.Rank()] = append(q.pending[priority.Rank()], job.ID)
	snap := job.Clone()
	q.mu.Unlock()

	q.persist(ctx, snap)
	q.logger.Info("job enqueued", "job_id", job.ID, "trace_id", traceID, "type", jobType, "priority", priority)
	q.emit(models.JobEvent{Type: models.JobEventEnqueued, Job: snap, At: now})
	q.signal()
	return job.ID, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("invalid raw JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("invalid raw JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	}
	return json.Marshal(payload)
}

// GetJob returns a snapshot of the job, or nil when unknown to this queue
func (q *Queue) GetJob(id string) *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id].Clone()
}

// FindByIdempotencyKey returns the job submitted under key, or nil
func (q *Queue) FindByIdempotencyKey(key string) *models.Job {
	if key == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byKeyLocked(key).Clone()
}

func (q *Queue) byKeyLocked(key string) *models.Job {
	for _, j := range q.jobs {
		if j.IdempotencyKey == key {
			return j
		}
	}
	return nil
}

// GetJobs returns matching jobs, newest first
func (q *Queue) GetJobs(filter models.JobFilter) []*models.Job {
	q.mu.Lock()
	out := make([]*models.Job, 0)
	for _, j := range q.jobs {
		if filter.Match(j) {
			out = append(out, j.Clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// CancelJob marks a queued or processing job cancelled. A running processor
// sees its context cancelled; its eventual result is discarded.
func (q *Queue) CancelJob(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	now := q.now().UTC()
	job.Status = models.StatusCancelled
	job.ErrorKind = models.KindCancelled
	job.NextRunAt = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	if cancel, running := q.running[id]; running {
		cancel()
	}
	snap := job.Clone()
	q.mu.Unlock()

	q.persist(context.Background(), snap)
	q.logger.Info("job cancelled", "job_id", id, "trace_id", snap.TraceID, "attempt", snap.Attempts)
	q.emit(models.JobEvent{Type: models.JobEventCancelled, Job: snap, At: now})
	return true
}

// Stats counts jobs per state. Delayed is the subset of queued jobs waiting
// out a retry backoff.
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	st := models.QueueStats{Retries: q.retries}
	for _, j := range q.jobs {
		switch j.Status {
		case models.StatusQueued:
			st.Queued++
			if j.NextRunAt != nil && j.NextRunAt.After(now) {
				st.Delayed++
			}
		case models.StatusProcessing:
			st.Processing++
		case models.StatusCompleted:
			st.Completed++
		case models.StatusFailed:
			st.Failed++
		case models.StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Start restores persisted work and begins the dequeue loop
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.stopping = false
	q.mu.Unlock()

	if err := q.restore(ctx); err != nil {
		q.logger.Warn("failed to restore jobs from store", "error", err)
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	workCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))

	q.mu.Lock()
	q.stopLoop = stopLoop
	q.abandon = abandon
	q.workCtx = workCtx
	q.loopDone = make(chan struct{})
	q.mu.Unlock()

	q.logger.Info("queue started", "concurrency", q.cfg.Concurrency)
	go q.loop(loopCtx)
	return nil
}

// Stop halts dispatching and waits for in-flight jobs. Jobs still running
// after the shutdown grace (or once ctx ends) are abandoned: their contexts
// are cancelled and Stop returns without waiting further.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	stopLoop, abandon, loopDone := q.stopLoop, q.abandon, q.loopDone
	q.mu.Unlock()

	stopLoop()
	<-loopDone

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(q.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		abandon()
		q.logger.Info("queue stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	q.mu.Lock()
	q.stopping = true
	inFlight := len(q.running)
	q.mu.Unlock()
	abandon()
	q.logger.Warn("queue stopped with abandoned jobs", "in_flight", inFlight)
	return nil
}

// Cleanup purges terminal jobs that finished before olderThan ago
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) int {
	cutoff := q.now().Add(-olderThan)
	q.mu.Lock()
	var ids []string
	for id, j := range q.jobs {
		if !j.Status.Terminal() {
			continue
		}
		finished := j.UpdatedAt
		if j.CompletedAt != nil {
			finished = *j.CompletedAt
		}
		if finished.Before(cutoff) {
			ids = append(ids, id)
			delete(q.jobs, id)
		}
	}
	q.mu.Unlock()

	if len(ids) > 0 && q.store != nil {
		if err := q.store.DeleteJobs(ctx, ids); err != nil {
			q.logger.Warn("failed to delete cleaned jobs from store", "count", len(ids), "error", err)
		}
	}
	if len(ids) > 0 {
		q.logger.Info("cleaned up jobs", "count", len(ids), "older_than", olderThan)
	}
	return len(ids)
}

func (q *Queue) restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	jobs, err := q.store.LoadJobs(ctx, q.cfg.Name, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	var restored, failed int
	for i := range jobs {
		job := jobs[i]
		if job.Status == models.StatusProcessing {
			// interrupted mid-attempt by a previous shutdown
			if job.Attempts >= job.MaxAttempts {
				job.Status = models.StatusFailed
				job.ErrorKind = models.KindTransient
				job.ErrorMessage = "interrupted on final attempt"
				job.CompletedAt = &now
				failed++
			} else {
				job.Status = models.StatusQueued
			}
			job.UpdatedAt = now
			q.persist(ctx, &job)
		}
		q.mu.Lock()
		if _, exists := q.jobs[job.ID]; !exists {
			j := job
			q.jobs[j.ID] = &j
			if j.Status == models.StatusQueued {
				q.pending[j.Priority.Rank()] = append(q.pending[j.Priority.Rank()], j.ID)
				restored++
			}
		}
		q.mu.Unlock()
	}
	if restored > 0 || failed > 0 {
		q.logger.Info("restored jobs from store", "requeued", restored, "failed", failed)
	}
	return nil
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.loopDone)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.dispatch()
		select {
		case <-ctx.Done():
			q.logger.Info("dequeue loop shutting down")
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts as many ready jobs as free worker slots allow
func (q *Queue) dispatch() {
	for {
		if !q.sem.TryAcquire(1) {
			return
		}
		job, jobCtx := q.next()
		if job == nil {
			q.sem.Release(1)
			return
		}
		q.wg.Add(1)
		go q.execute(jobCtx, job)
	}
}

// next pops the oldest ready job of the most urgent class and marks it
// processing. Stale ids (cancelled jobs) are dropped on the way.
func (q *Queue) next() (*models.Job, context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for rank := range q.pending {
		ids := q.pending[rank]
		for i := 0; i < len(ids); i++ {
			job, ok := q.jobs[ids[i]]
			if !ok || job.Status != models.StatusQueued {
				ids = append(ids[:i], ids[i+1:]...)
				i--
				continue
			}
			if job.NextRunAt != nil && job.NextRunAt.After(now) {
				continue
			}
			q.pending[rank] = append(ids[:i], ids[i+1:]...)

			started := now.UTC()
			job.Status = models.StatusProcessing
			job.Attempts++
			job.StartedAt = &started
			job.NextRunAt = nil
			job.UpdatedAt = started

			ctx, cancel := context.WithCancel(q.workCtx)
			if q.cfg.JobTimeout > 0 {
				var cancelTimeout context.CancelFunc
				ctx, cancelTimeout = context.WithTimeout(ctx, q.cfg.JobTimeout)
				parent := cancel
				cancel = func() { cancelTimeout(); parent() }
			}
			q.running[job.ID] = cancel
			return job.Clone(), ctx
		}
		q.pending[rank] = ids
	}
	return nil, nil
}

func (q *Queue) execute(ctx context.Context, job *models.Job) {
	defer q.wg.Done()
	defer q.signal()
	defer q.sem.Release(1)

	log := q.logger.With("job_id", job.ID, "trace_id", job.TraceID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	log.Info("job started", "type", job.Type)
	q.persist(ctx, job)
	q.emit(models.JobEvent{Type: models.JobEventStarted, Job: job, At: q.now().UTC()})

	ctx, span := q.tracer.Start(ctx, "queue.process_job", trace.WithAttributes(
		attribute.String("queue", q.cfg.Name),
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	q.mu.Lock()
	proc := q.processors[job.Type]
	q.mu.Unlock()

	var (
		result any
		err    error
	)
	if proc == nil {
		err = fmt.Errorf("%w: %s", models.ErrNoProcessor, job.Type)
	} else {
		result, err = q.invoke(ctx, proc, job)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = models.Timeout("job "+job.ID, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	q.finish(ctx, job.ID, result, err, log)
}

// invoke runs the processor, converting a panic into a transient error
func (q *Queue) invoke(ctx context.Context, proc Processor, job *models.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.Transient(fmt.Errorf("processor panic: %v", r))
		}
	}()
	return proc(ctx, job, q.progressFor(job.ID))
}

func (q *Queue) progressFor(id string) Progress {
	return func(percent int, step string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		q.mu.Lock()
		job, ok := q.jobs[id]
		if !ok || job.Status != models.StatusProcessing {
			q.mu.Unlock()
			return
		}
		job.ProgressPercent = percent
		job.CurrentStep = step
		job.UpdatedAt = q.now().UTC()
		snap := job.Clone()
		q.mu.Unlock()
		q.emit(models.JobEvent{Type: models.JobEventProgress, Job: snap, At: snap.UpdatedAt})
	}
}

func (q *Queue) finish(ctx context.Context, id string, result any, runErr error, log *slog.Logger) {
	persistCtx := context.WithoutCancel(ctx)
	now := q.now().UTC()

	q.mu.Lock()
	cancel := q.running[id]
	delete(q.running, id)
	job, ok := q.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		// cancelled (or cleaned up) while in flight: discard the outcome
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		log.Info("discarding result of cancelled job")
		return
	}
	if cancel != nil {
		cancel()
	}

	if runErr == nil {
		raw, err := marshalResult(result)
		if err != nil {
			runErr = models.Validation("result is not JSON serialisable: " + err.Error())
		} else {
			job.Status = models.StatusCompleted
			job.Result = raw
			job.ProgressPercent = 100
			job.ErrorMessage = ""
			job.ErrorKind = ""
			job.CompletedAt = &now
			job.UpdatedAt = now
			if job.StartedAt != nil {
				job.ProcessingTime = now.Sub(*job.StartedAt).Seconds()
			}
			snap := job.Clone()
			q.mu.Unlock()

			q.persist(persistCtx, snap)
			log.Info("job completed", "processing_time", snap.ProcessingTime)
			q.emit(models.JobEvent{Type: models.JobEventCompleted, Job: snap, At: now})
			return
		}
	}

	if q.stopping && errors.Is(runErr, context.Canceled) {
		// abandoned on shutdown; a restart picks it up again
		job.Status = models.StatusQueued
		job.UpdatedAt = now
		snap := job.Clone()
		q.mu.Unlock()
		q.persist(persistCtx, snap)
		log.Warn("job abandoned on shutdown")
		return
	}

	kind := models.KindOf(runErr)
	job.ErrorMessage = runErr.Error()
	job.ErrorKind = kind
	job.UpdatedAt = now

	if kind == models.KindCancelled {
		// stopped from inside, e.g. a workflow cancelled by key
		job.Status = models.StatusCancelled
		job.CompletedAt = &now
		if job.StartedAt != nil {
			job.ProcessingTime = now.Sub(*job.StartedAt).Seconds()
		}
		snap := job.Clone()
		q.mu.Unlock()

		q.persist(persistCtx, snap)
		log.Info("job cancelled by processor", "error", runErr)
		q.emit(models.JobEvent{Type: models.JobEventCancelled, Job: snap, Error: runErr.Error(), At: now})
		return
	}

	if models.IsRetryable(runErr) && job.Attempts < job.MaxAttempts {
		delay := Backoff(job.Attempts, q.cfg.BackoffBase, q.cfg.BackoffMax)
		runAt := now.Add(delay)
		job.Status = models.StatusQueued
		job.NextRunAt = &runAt
		q.pending[job.Priority.Rank()] = append(q.pending[job.Priority.Rank()], id)
		q.retries++
		snap := job.Clone()
		q.mu.Unlock()

		q.persist(persistCtx, snap)
		log.Warn("job retry scheduled", "delay", delay, "kind", kind, "error", runErr)
		q.emit(models.JobEvent{Type: models.JobEventRetry, Job: snap, Delay: delay, Error: runErr.Error(), At: now})
		time.AfterFunc(delay, q.signal)
		return
	}

	job.Status = models.StatusFailed
	job.CompletedAt = &now
	if job.StartedAt != nil {
		job.ProcessingTime = now.Sub(*job.StartedAt).Seconds()
	}
	snap := job.Clone()
	q.mu.Unlock()

	q.persist(persistCtx, snap)
	log.Error("job failed", "kind", kind, "error", runErr)
	q.emit(models.JobEvent{Type: models.JobEventFailed, Job: snap, Error: runErr.Error(), At: now})
}

func marshalResult(result any) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	}
	return json.Marshal(result)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) emit(ev models.JobEvent) {
	q.mu.Lock()
	listeners := append([]func(models.JobEvent){}, q.listeners...)
	q.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (q *Queue) persist(ctx context.Context, job *models.Job) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		q.logger.Warn("failed to persist job", "job_id", job.ID, "status", job.Status, "error", err)
	}
}
