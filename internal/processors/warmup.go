package processors

import (
	"context"
	"encoding/json"

	"bidforge-engine/internal/models"
	"bidforge-engine/internal/queue"
)

// WarmupResult reports what a cache warmup re-primed
type WarmupResult struct {
	Trigger  string `json:"trigger,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Projects int    `json:"projects"`
	Entries  int    `json:"entries"`
}

// CacheWarmup re-primes project context entries from the results of
// completed analysis jobs, newest first, so the most recent analysis wins.
func (p *Processors) CacheWarmup(ctx context.Context, job *models.Job, progress queue.Progress) (any, error) {
	var payload struct {
		Trigger string `json:"trigger"`
	}
	if len(job.Payload) > 0 {
		if err := job.DecodePayload(&payload); err != nil {
			return nil, err
		}
	}
	res := WarmupResult{Trigger: payload.Trigger}
	if p.Jobs == nil || !p.Cache.Healthy(ctx) {
		res.Skipped = true
		return res, nil
	}

	var jobs []*models.Job
	for _, t := range []models.JobType{models.JobTypeRFPAnalysis, models.JobTypeSketchAnalysis} {
		jobs = append(jobs, p.Jobs.GetJobs(models.JobFilter{Type: t, Status: models.StatusCompleted})...)
	}

	seen := make(map[string]bool)
	projects := make(map[string]bool)
	for i, j := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if j.ProjectID == "" || len(j.Result) == 0 {
			continue
		}
		var result AnalysisResult
		if err := json.Unmarshal(j.Result, &result); err != nil || result.DocumentID == "" || result.Analysis == "" {
			continue
		}
		query := analysisQuery(j.Type, result.DocumentID)
		if seen[j.ProjectID+"\x00"+query] {
			continue
		}
		seen[j.ProjectID+"\x00"+query] = true
		if p.Cache.SetContext(ctx, j.ProjectID, query, result.Analysis) {
			res.Entries++
			projects[j.ProjectID] = true
		}
		progress((i+1)*100/len(jobs), "re-priming context")
	}
	res.Projects = len(projects)
	p.Logger.Info("cache warmup finished", "trigger", res.Trigger, "projects", res.Projects, "entries", res.Entries)
	return res, nil
}
