// Package manager owns the set of named queues, routes job types to them and
// reports aggregate health.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bidforge-engine/internal/config"
	"bidforge-engine/internal/models"
	"bidforge-engine/internal/queue"
)

// Route binds one job type to the queue that runs it
type Route struct {
	Type  models.JobType
	Queue string
}

// DefaultRoutes sends every known job type to exactly one queue
var DefaultRoutes = []Route{
	{models.JobTypeBidGeneration, config.QueueGeneration},
	{models.JobTypeAgentWorkflow, config.QueueGeneration},
	{models.JobTypeRFPAnalysis, config.QueueAnalysis},
	{models.JobTypeSketchAnalysis, config.QueueAnalysis},
	{models.JobTypeDocumentProcessing, config.QueueDocuments},
	{models.JobTypeDocumentEmbedding, config.QueueDocuments},
	{models.JobTypeEmailNotification, config.QueueNotifications},
	{models.JobTypeWebhookNotification, config.QueueNotifications},
	{models.JobTypeCacheWarmup, config.QueueMaintenance},
}

// Manager is constructed once at process start and passed to consumers
type Manager struct {
	logger      *slog.Logger
	queues      map[string]*queue.Queue
	names       []string
	routes      map[models.JobType]string
	health      config.HealthConfig
	maintenance config.MaintenanceConfig

	keyMu    sync.Mutex
	keyStore IdempotencyStore
}

// IdempotencyStore finds jobs already purged from memory by their key
type IdempotencyStore interface {
	GetJobByIdempotencyKey(ctx context.Context, key string) (*models.Job, error)
}

// New validates routes against the queues: every known job type must map to
// exactly one managed queue.
func New(queues []*queue.Queue, routes []Route, health config.HealthConfig, maintenance config.MaintenanceConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := config.Default().Maintenance
	if maintenance.CleanupInterval <= 0 {
		maintenance.CleanupInterval = def.CleanupInterval
	}
	if maintenance.CleanupAge <= 0 {
		maintenance.CleanupAge = def.CleanupAge
	}
	if maintenance.WarmupInterval <= 0 {
		maintenance.WarmupInterval = def.WarmupInterval
	}
	m := &Manager{
		logger:      logger,
		queues:      make(map[string]*queue.Queue, len(queues)),
		routes:      make(map[models.JobType]string, len(routes)),
		health:      health,
		maintenance: maintenance,
	}
	for _, q := range queues {
		if _, dup := m.queues[q.Name()]; dup {
			return nil, fmt.Errorf("duplicate queue %q", q.Name())
		}
		m.queues[q.Name()] = q
		m.names = append(m.names, q.Name())
	}
	sort.Strings(m.names)

	var errs []error
	for _, r := range routes {
		if prev, dup := m.routes[r.Type]; dup {
			errs = append(errs, fmt.Errorf("job type %s routed twice (%s, %s)", r.Type, prev, r.Queue))
			continue
		}
		if _, ok := m.queues[r.Queue]; !ok {
			errs = append(errs, fmt.Errorf("job type %s routed to unknown queue %s", r.Type, r.Queue))
			continue
		}
		m.routes[r.Type] = r.Queue
	}
	for _, t := range models.AllJobTypes {
		if _, ok := m.routes[t]; !ok {
			errs = append(errs, fmt.Errorf("job type %s has no queue", t))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid routing table: %w", err)
	}
	return m, nil
}

// QueueFor resolves the queue a job type runs on
func (m *Manager) QueueFor(jobType models.JobType) (*queue.Queue, error) {
	name, ok := m.routes[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownJobType, jobType)
	}
	return m.queues[name], nil
}

// Queue returns a managed queue by name
func (m *Manager) Queue(name string) *queue.Queue { return m.queues[name] }

// RegisterProcessor installs fn on the queue owning jobType
func (m *Manager) RegisterProcessor(jobType models.JobType, fn queue.Processor) error {
	q, err := m.QueueFor(jobType)
	if err != nil {
		return err
	}
	return q.AddProcessor(jobType, fn)
}

// OnEvent subscribes fn to job events from every queue
func (m *Manager) OnEvent(fn func(models.JobEvent)) {
	for _, name := range m.names {
		m.queues[name].OnEvent(fn)
	}
}

// UseIdempotencyStore makes key lookups fall back to persisted jobs
func (m *Manager) UseIdempotencyStore(s IdempotencyStore) {
	m.keyMu.Lock()
	m.keyStore = s
	m.keyMu.Unlock()
}

// Submit enqueues a job on the queue its type routes to. A submission
// carrying an idempotency key already seen by any queue returns the id of
// the original job instead.
func (m *Manager) Submit(ctx context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error) {
	q, err := m.QueueFor(jobType)
	if err != nil {
		return "", err
	}
	if opts.IdempotencyKey == "" {
		return q.Add(ctx, jobType, payload, opts)
	}

	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	if existing := m.findByKeyLocked(ctx, opts.IdempotencyKey); existing != nil {
		m.logger.Info("duplicate submission", "job_id", existing.ID, "idempotency_key", opts.IdempotencyKey)
		return existing.ID, nil
	}
	return q.Add(ctx, jobType, payload, opts)
}

// FindByIdempotencyKey returns the job submitted under key, or nil
func (m *Manager) FindByIdempotencyKey(ctx context.Context, key string) *models.Job {
	if key == "" {
		return nil
	}
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	return m.findByKeyLocked(ctx, key)
}

func (m *Manager) findByKeyLocked(ctx context.Context, key string) *models.Job {
	for _, name := range m.names {
		if job := m.queues[name].FindByIdempotencyKey(key); job != nil {
			return job
		}
	}
	if m.keyStore == nil {
		return nil
	}
	job, err := m.keyStore.GetJobByIdempotencyKey(ctx, key)
	if err != nil {
		if !errors.Is(err, models.ErrJobNotFound) {
			m.logger.Warn("idempotency lookup failed", "idempotency_key", key, "error", err)
		}
		return nil
	}
	return job
}

func (m *Manager) submitIn(ctx context.Context, category []models.JobType, jobType models.JobType, payload any, opts queue.Options, defaultPriority models.Priority) (string, error) {
	allowed := false
	for _, t := range category {
		if t == jobType {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", models.Validation(fmt.Sprintf("job type %s is not valid here", jobType))
	}
	if opts.Priority == "" {
		opts.Priority = defaultPriority
	}
	return m.Submit(ctx, jobType, payload, opts)
}

// SubmitGeneration queues bid generation or a full agent workflow
func (m *Manager) SubmitGeneration(ctx context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error) {
	return m.submitIn(ctx, []models.JobType{models.JobTypeBidGeneration, models.JobTypeAgentWorkflow}, jobType, payload, opts, models.PriorityNormal)
}

func (m *Manager) SubmitAnalysis(ctx context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error) {
	return m.submitIn(ctx, []models.JobType{models.JobTypeRFPAnalysis, models.JobTypeSketchAnalysis}, jobType, payload, opts, models.PriorityNormal)
}

// SubmitDocumentProcessing defaults to high priority so uploads are usable quickly
func (m *Manager) SubmitDocumentProcessing(ctx context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error) {
	return m.submitIn(ctx, []models.JobType{models.JobTypeDocumentProcessing, models.JobTypeDocumentEmbedding}, jobType, payload, opts, models.PriorityHigh)
}

func (m *Manager) SubmitNotification(ctx context.Context, jobType models.JobType, payload any, opts queue.Options) (string, error) {
	return m.submitIn(ctx, []models.JobType{models.JobTypeEmailNotification, models.JobTypeWebhookNotification}, jobType, payload, opts, models.PriorityNormal)
}

// SubmitCacheWarmup defaults to low priority
func (m *Manager) SubmitCacheWarmup(ctx context.Context, payload any, opts queue.Options) (string, error) {
	return m.submitIn(ctx, []models.JobType{models.JobTypeCacheWarmup}, models.JobTypeCacheWarmup, payload, opts, models.PriorityLow)
}

// GetJobStatus finds a job in any managed queue
func (m *Manager) GetJobStatus(id string) (*models.Job, error) {
	for _, name := range m.names {
		if job := m.queues[name].GetJob(id); job != nil {
			return job, nil
		}
	}
	return nil, models.ErrJobNotFound
}

// CancelJob cancels a job in whichever queue holds it
func (m *Manager) CancelJob(id string) bool {
	for _, name := range m.names {
		q := m.queues[name]
		if q.GetJob(id) != nil {
			return q.CancelJob(id)
		}
	}
	return false
}

// GetUserJobs merges a user's jobs across queues, newest first
func (m *Manager) GetUserJobs(userID string, limit int) []*models.Job {
	return m.collect(models.JobFilter{UserID: userID, Limit: limit})
}

// GetProjectJobs merges a project's jobs across queues, newest first
func (m *Manager) GetProjectJobs(projectID string, limit int) []*models.Job {
	return m.collect(models.JobFilter{ProjectID: projectID, Limit: limit})
}

// GetJobs merges jobs matching filter across queues, newest first
func (m *Manager) GetJobs(filter models.JobFilter) []*models.Job {
	return m.collect(filter)
}

func (m *Manager) collect(filter models.JobFilter) []*models.Job {
	out := make([]*models.Job, 0)
	for _, name := range m.names {
		out = append(out, m.queues[name].GetJobs(filter)...)
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// GetHealthStatus rates every queue and reports the worst as overall
func (m *Manager) GetHealthStatus() models.HealthReport {
	report := models.HealthReport{
		Status: models.HealthHealthy,
		Queues: make(map[string]models.QueueHealth, len(m.names)),
	}
	for _, name := range m.names {
		stats := m.queues[name].Stats()
		status := m.rate(stats)
		report.Queues[name] = models.QueueHealth{Status: status, Stats: stats}
		report.Status = report.Status.Worse(status)
	}
	return report
}

func (m *Manager) rate(s models.QueueStats) models.HealthStatus {
	if s.Completed == 0 && s.Failed > m.health.UnhealthyFailures {
		return models.HealthUnhealthy
	}
	if float64(s.Failed) > m.health.FailureRatio*float64(s.Completed) && s.Failed > 0 {
		return models.HealthDegraded
	}
	if s.Queued+s.Processing > m.health.BacklogThreshold {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}

// Start runs every queue's dequeue loop
func (m *Manager) Start(ctx context.Context) error {
	for _, name := range m.names {
		if err := m.queues[name].Start(ctx); err != nil {
			return fmt.Errorf("start queue %s: %w", name, err)
		}
	}
	m.logger.Info("job manager started", "queues", m.names)
	return nil
}

// Stop drains all queues in parallel, each within its own shutdown grace
func (m *Manager) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range m.names {
		q := m.queues[name]
		g.Go(func() error { return q.Stop(ctx) })
	}
	err := g.Wait()
	m.logger.Info("job manager stopped")
	return err
}

// SchedulePeriodicMaintenance runs cleanup and cache warmup until ctx ends.
// Failures are logged and never stop the loop.
func (m *Manager) SchedulePeriodicMaintenance(ctx context.Context) {
	cleanup := time.NewTicker(m.maintenance.CleanupInterval)
	defer cleanup.Stop()
	warmup := time.NewTicker(m.maintenance.WarmupInterval)
	defer warmup.Stop()

	m.logger.Info("maintenance scheduler started",
		"cleanup_interval", m.maintenance.CleanupInterval, "warmup_interval", m.maintenance.WarmupInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance scheduler stopped")
			return
		case <-cleanup.C:
			m.safely("cleanup", func() { m.RunCleanup(ctx) })
		case <-warmup.C:
			m.safely("cache_warmup", func() {
				if _, err := m.SubmitCacheWarmup(ctx, map[string]string{"trigger": "scheduled"}, queue.Options{}); err != nil {
					m.logger.Error("failed to schedule cache warmup", "error", err)
				}
			})
		}
	}
}

// RunCleanup purges old terminal jobs from every queue
func (m *Manager) RunCleanup(ctx context.Context) int {
	total := 0
	for _, name := range m.names {
		total += m.queues[name].Cleanup(ctx, m.maintenance.CleanupAge)
	}
	m.logger.Info("maintenance cleanup finished", "removed", total)
	return total
}

func (m *Manager) safely(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("maintenance task panicked", "task", task, "panic", r)
		}
	}()
	fn()
}
