package processors

import (
	"context"
	"fmt"

	"bidforge-engine/internal/models"
	"bidforge-engine/internal/orchestrator"
	"bidforge-engine/internal/queue"
)

// WorkflowPayload starts an orchestrated bid. WorkflowKey defaults to the
// job's project, then to the job id.
type WorkflowPayload struct {
	CompanyID   string         `json:"company_id"`
	WorkflowKey string         `json:"workflow_key,omitempty"`
	Request     map[string]any `json:"request"`
}

// BidGeneration runs the workflow against the company's bid limit
func (p *Processors) BidGeneration(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	return p.workflow(ctx, job, progress, true)
}

// AgentWorkflow runs the workflow without a bid limit
func (p *Processors) AgentWorkflow(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	return p.workflow(ctx, job, progress, false)
}

func (p *Processors) workflow(ctx context.Context, job *models.Job, progress queue.Progress, countsAsBid bool) (any, error) {
	if p.Orchestrator == nil {
		return nil, models.Validation("no orchestrator configured")
	}
	var payload WorkflowPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}
	log := p.logger(job)
	if countsAsBid {
		if err := p.checkLimit(ctx, payload.CompanyID, models.LimitBids); err != nil {
			return nil, err
		}
	}

	key := payload.WorkflowKey
	if key == "" {
		key = job.ProjectID
	}
	if key == "" {
		key = job.ID
	}
	request := payload.Request
	if request == nil {
		request = map[string]any{}
	}
	if job.ProjectID != "" {
		request["project_id"] = job.ProjectID
	}

	progress(5, "workflow started")
	stop := p.trackStages(key, progress)
	res, err := p.Orchestrator.Run(ctx, key, request)
	stop()
	if err != nil {
		return res, err
	}

	p.Ledger.Meter(ctx, payload.CompanyID, models.EventAIGeneration, 1, usageMetadata(job, "workflow_key", key))
	if countsAsBid {
		p.countLimit(ctx, log, payload.CompanyID, models.LimitBids)
	}
	if job.ProjectID != "" {
		p.Cache.InvalidateProject(ctx, job.ProjectID)
	}
	log.Info("workflow finished", "workflow_key", key, "low_confidence", len(res.LowConfidence), "skipped", len(res.Skipped))
	return res, nil
}

// trackStages maps completed stages onto job progress while the workflow runs
func (p *Processors) trackStages(key string, progress queue.Progress) func() {
	if p.Bus == nil {
		return func() {}
	}
	events, unsubscribe := p.Bus.Subscribe(key)
	done := make(chan struct{})
	go func() {
		defer close(done)
		completed := 0
		for ev := range events {
			if ev.Type != models.ProgressAgentComplete {
				continue
			}
			completed++
			progress(5+completed*90/len(orchestrator.Stages), fmt.Sprintf("%s complete", ev.AgentName))
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}
