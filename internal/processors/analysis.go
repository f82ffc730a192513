package processors

import (
	"context"
	"strings"

	"bidforge-engine/internal/models"
	"bidforge-engine/internal/queue"
)

const (
	rfpSystemPrompt = "You analyse requests for proposal for a construction contractor. Summarise scope, " +
		"deliverables, evaluation criteria, deadlines, bonding and insurance requirements, and red flags."
	sketchSystemPrompt = "You analyse construction sketches and site drawings. Describe the structure, " +
		"dimensions, materials and the trades and quantities needed to build it."
)

// AnalysisPayload names the document to analyse. Content is used as is when
// present, otherwise it is extracted from the document store.
type AnalysisPayload struct {
	CompanyID  string `json:"company_id"`
	DocumentID string `json:"document_id"`
	Content    string `json:"content,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

// AnalysisResult is stored as the job result and reused by cache warmup
type AnalysisResult struct {
	DocumentID string `json:"document_id"`
	Analysis   string `json:"analysis"`
	Tokens     int    `json:"tokens,omitempty"`
	Cached     bool   `json:"cached"`
}

func (p *Processors) RFPAnalysis(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	return p.analyse(ctx, job, progress, rfpSystemPrompt, models.EventRFPAnalysis, "")
}

func (p *Processors) SketchAnalysis(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	return p.analyse(ctx, job, progress, sketchSystemPrompt, models.EventSketchAnalysis, "vision")
}

func analysisQuery(jobType models.JobType, documentID string) string {
	return string(jobType) + ":" + documentID
}

func (p *Processors) analyse(ctx context.Context, job *models.Job, progress queue.Progress, system, eventType, model string) (any, error) {
	if p.Generator == nil {
		return nil, models.Validation("no generator configured")
	}
	var payload AnalysisPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, err
	}
	if payload.DocumentID == "" && payload.Content == "" && payload.ImageURL == "" {
		return nil, models.Validation("analysis needs a document_id, content or image_url")
	}

	query := analysisQuery(job.Type, payload.DocumentID)
	if job.ProjectID != "" && payload.DocumentID != "" {
		if cached, ok := p.Cache.GetContext(ctx, job.ProjectID, query); ok {
			progress(100, "served from cache")
			return AnalysisResult{DocumentID: payload.DocumentID, Analysis: cached, Cached: true}, nil
		}
	}

	var prompt strings.Builder
	if payload.DocumentID != "" || payload.Content != "" {
		progress(10, "loading document")
		content, err := p.documentText(ctx, payload.DocumentID, payload.Content)
		if err != nil {
			return nil, err
		}
		prompt.WriteString(content)
	}
	if payload.ImageURL != "" {
		prompt.WriteString("\n\nImage: " + payload.ImageURL)
	}

	progress(30, "analysing")
	completion, err := p.Generator.Complete(ctx, system, prompt.String())
	if err != nil {
		return nil, err
	}
	progress(90, "recording usage")
	p.Ledger.Meter(ctx, payload.CompanyID, eventType, 1, usageMetadata(job, "document_id", payload.DocumentID, "model", model))
	if job.ProjectID != "" && payload.DocumentID != "" {
		p.Cache.SetContext(ctx, job.ProjectID, query, completion.Content)
	}
	return AnalysisResult{DocumentID: payload.DocumentID, Analysis: completion.Content, Tokens: completion.Tokens}, nil
}

func (p *Processors) documentText(ctx context.Context, documentID, inline string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if p.Documents == nil {
		return "", models.Validation("document content missing and no document processor configured")
	}
	text, err := p.Documents.Extract(ctx, documentID)
	if err != nil {
		return "", err
	}
	return text, nil
}
