// Package processors holds the job handlers that turn queued work into
// orchestrator runs, model calls, embeddings and notifications.
package processors

import (
	"context"
	"fmt"
	"log/slog"

	"bidforge-engine/internal/cache"
	"bidforge-engine/internal/models"
	"bidforge-engine/internal/orchestrator"
	"bidforge-engine/internal/provider"
	"bidforge-engine/internal/queue"
	"bidforge-engine/internal/usage"
)

// Generator produces text from a prompt
type Generator interface {
	Complete(ctx context.Context, system, prompt string) (provider.Completion, error)
}

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DocumentProcessor extracts text from a stored document
type DocumentProcessor interface {
	Extract(ctx context.Context, documentID string) (string, error)
}

// JobLister is the read side of the job manager
type JobLister interface {
	GetJobs(filter models.JobFilter) []*models.Job
}

// Registrar accepts processors by job type
type Registrar interface {
	RegisterProcessor(jobType models.JobType, fn queue.Processor) error
}

// Deps are the collaborators the handlers need. Bus, Documents, Jobs and
// Limits may be nil.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          *orchestrator.Bus
	Generator    Generator
	Embedder     Embedder
	Documents    DocumentProcessor
	Notifier     Notifier
	Ledger       *usage.Ledger
	Limits       *usage.LimitChecker
	Cache        *cache.Cache
	Jobs         JobLister
	Logger       *slog.Logger
}

type Processors struct {
	Deps
}

func New(d Deps) *Processors {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Logger: d.Logger}
	}
	if d.Cache == nil {
		d.Cache = cache.New(nil, d.Logger)
	}
	if d.Ledger == nil {
		d.Ledger = usage.NewLedger(usage.NewMemoryStore(), d.Logger)
	}
	return &Processors{Deps: d}
}

// Handlers maps every job type to its processor
func (p *Processors) Handlers() map[models.JobType]queue.Processor {
	return map[models.JobType]queue.Processor{
		models.JobTypeBidGeneration:       p.BidGeneration,
		models.JobTypeAgentWorkflow:       p.AgentWorkflow,
		models.JobTypeRFPAnalysis:         p.RFPAnalysis,
		models.JobTypeSketchAnalysis:      p.SketchAnalysis,
		models.JobTypeDocumentProcessing:  p.DocumentProcessing,
		models.JobTypeDocumentEmbedding:   p.DocumentEmbedding,
		models.JobTypeEmailNotification:   p.EmailNotification,
		models.JobTypeWebhookNotification: p.WebhookNotification,
		models.JobTypeCacheWarmup:         p.CacheWarmup,
	}
}

// Register installs every handler
func (p *Processors) Register(r Registrar) error {
	for _, jobType := range models.AllJobTypes {
		fn, ok := p.Handlers()[jobType]
		if !ok {
			return fmt.Errorf("no handler for %s", jobType)
		}
		if err := r.RegisterProcessor(jobType, fn); err != nil {
			return fmt.Errorf("register %s: %w", jobType, err)
		}
	}
	return nil
}

func (p *Processors) logger(job *models.Job) *slog.Logger {
	return p.Logger.With("job_id", job.ID, "job_type", job.Type, "trace_id", job.TraceID)
}

func usageMetadata(job *models.Job, extra ...string) map[string]string {
	md := map[string]string{"job_id": job.ID}
	if job.ProjectID != "" {
		md["project_id"] = job.ProjectID
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if extra[i+1] != "" {
			md[extra[i]] = extra[i+1]
		}
	}
	return md
}

// checkLimit fails the job with a validation error when the company is at
// its plan limit. Errors reading the limit are returned as is so the job
// retries.
func (p *Processors) checkLimit(ctx context.Context, companyID string, limitType models.LimitType) error {
	if p.Limits == nil || companyID == "" {
		return nil
	}
	res, err := p.Limits.Check(ctx, companyID, limitType)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return models.Validation(res.Reason)
	}
	return nil
}

func (p *Processors) countLimit(ctx context.Context, log *slog.Logger, companyID string, limitType models.LimitType) {
	if p.Limits == nil || companyID == "" {
		return
	}
	if err := p.Limits.IncrementUsage(ctx, companyID, limitType, 1); err != nil {
		log.Error("failed to count limited usage", "company_id", companyID, "limit", limitType, "error", err)
	}
}
