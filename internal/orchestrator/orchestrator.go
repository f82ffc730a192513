// Package orchestrator drives a bid through intake, analysis, decision,
// generation and review, re-running each stage with evaluator feedback until
// it is accepted or its iteration budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bidforge-engine/internal/config"
	"bidforge-engine/internal/models"
)

// Policy decides what happens when a stage exhausts its iterations
type Policy string

const (
	// PolicyProceed continues with the best-scoring artifact, flagged low confidence
	PolicyProceed Policy = "proceed"
	// PolicyAbort ends the workflow with a validation error
	PolicyAbort Policy = "abort"
)

type Config struct {
	MaxIterations   int
	WorkflowTimeout time.Duration
	StageTimeout    time.Duration
	Policy          Policy
}

func ConfigFrom(c config.OrchestratorConfig) Config {
	return Config{
		MaxIterations:   c.MaxIterations,
		WorkflowTimeout: c.WorkflowTimeout,
		StageTimeout:    c.StageTimeout,
		Policy:          Policy(c.ExhaustionPolicy),
	}
}

// Status is how a workflow ended
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Result summarises a finished workflow
type Result struct {
	WorkflowKey   string             `json:"workflowKey"`
	Status        Status             `json:"status"`
	Artifacts     map[Stage]Artifact `json:"artifacts"`
	LowConfidence []Stage            `json:"lowConfidence,omitempty"`
	Skipped       []Stage            `json:"skipped,omitempty"`
	Duration      time.Duration      `json:"duration"`
}

// Orchestrator runs keyed workflows; each key has at most one live run
type Orchestrator struct {
	cfg       Config
	agents    map[Stage]Agent
	evaluator Evaluator
	emitter   Emitter
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	key       string
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func New(cfg Config, agents map[Stage]Agent, evaluator Evaluator, emitter Emitter, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, s := range Stages {
		if agents[s] == nil {
			return nil, fmt.Errorf("no agent for stage %s", s)
		}
	}
	if evaluator == nil {
		evaluator = RuleEvaluator{Threshold: 70}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = 3 * time.Minute
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyProceed
	}
	if cfg.Policy != PolicyProceed && cfg.Policy != PolicyAbort {
		return nil, fmt.Errorf("unknown exhaustion policy %q", cfg.Policy)
	}
	return &Orchestrator{
		cfg:       cfg,
		agents:    agents,
		evaluator: evaluator,
		emitter:   emitter,
		logger:    logger,
		tracer:    otel.Tracer("bidforge/orchestrator"),
		now:       time.Now,
		active:    make(map[string]*run),
	}, nil
}

// Active reports whether a workflow is running for key
func (o *Orchestrator) Active(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[key]
	return ok
}

// Cancel flags the workflow for key. The running stage call is not
// interrupted; no further calls are issued once it returns.
func (o *Orchestrator) Cancel(key string) bool {
	o.mu.Lock()
	r, ok := o.active[key]
	o.mu.Unlock()
	if !ok {
		return false
	}
	if r.cancelled.CompareAndSwap(false, true) {
		o.logger.Info("workflow cancellation requested", "workflow_key", key)
		r.cancel()
	}
	return true
}

// Start launches the workflow in the background. It fails with
// ErrWorkflowActive when key already has a live run.
func (o *Orchestrator) Start(ctx context.Context, key string, request map[string]any) error {
	r, wctx, err := o.begin(context.WithoutCancel(ctx), key)
	if err != nil {
		return err
	}
	go func() {
		_, _ = o.execute(wctx, r, request)
	}()
	return nil
}

// Run executes the workflow for key and blocks until it ends. The returned
// error is nil only when the workflow completed.
func (o *Orchestrator) Run(ctx context.Context, key string, request map[string]any) (*Result, error) {
	r, wctx, err := o.begin(ctx, key)
	if err != nil {
		return nil, err
	}
	return o.execute(wctx, r, request)
}

func (o *Orchestrator) begin(ctx context.Context, key string) (*run, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[key]; busy {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrWorkflowActive, key)
	}
	wctx, cancel := context.WithCancel(ctx)
	r := &run{key: key, cancel: cancel}
	o.active[key] = r
	return r, wctx, nil
}

func (o *Orchestrator) finish(r *run) {
	r.cancel()
	o.mu.Lock()
	delete(o.active, r.key)
	o.mu.Unlock()
}

// errStopped carries a terminal condition detected between steps
type errStopped struct{ err error }

func (e errStopped) Error() string { return e.err.Error() }
func (e errStopped) Unwrap() error { return e.err }

func (o *Orchestrator) execute(ctx context.Context, r *run, request map[string]any) (*Result, error) {
	defer o.finish(r)

	ctx, timeoutCancel := context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
	defer timeoutCancel()

	ctx, span := o.tracer.Start(ctx, "orchestrator.workflow", trace.WithAttributes(
		attribute.String("workflow.key", r.key),
	))
	defer span.End()

	started := o.now()
	res := &Result{WorkflowKey: r.key, Artifacts: make(map[Stage]Artifact)}
	log := o.logger.With("workflow_key", r.key)
	log.Info("workflow started")

	err := o.stages(ctx, r, request, res)
	res.Duration = o.now().Sub(started)

	var stopped errStopped
	switch {
	case err == nil:
		res.Status = StatusCompleted
		data := map[string]any{
			"artifacts":  res.Artifacts,
			"durationMs": res.Duration.Milliseconds(),
		}
		if len(res.LowConfidence) > 0 {
			data["lowConfidenceStages"] = res.LowConfidence
		}
		msg := "workflow complete"
		if len(res.Skipped) > 0 {
			data["skippedStages"] = res.Skipped
			data["decision"] = "no_bid"
			msg = "workflow complete: decision is no bid"
		}
		o.emit(r.key, models.ProgressWorkflowComplete, "", 0, msg, data)
		log.Info("workflow completed", "duration", res.Duration, "low_confidence", res.LowConfidence)
		return res, nil

	case errors.As(err, &stopped) && models.KindOf(err) == models.KindCancelled:
		res.Status = StatusCancelled
		o.emit(r.key, models.ProgressWorkflowCancelled, "", 0, "workflow cancelled", nil)
		log.Info("workflow cancelled")
		return res, err
	}

	res.Status = StatusFailed
	kind := models.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.emit(r.key, models.ProgressError, "", 0, err.Error(), map[string]any{"kind": kind})
	log.Error("workflow failed", "kind", kind, "error", err)
	return res, err
}

// check runs before every step: cancellation wins over the workflow deadline
func (o *Orchestrator) check(ctx context.Context, r *run) error {
	if r.cancelled.Load() {
		return errStopped{models.Cancelled("workflow " + r.key)}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errStopped{models.Timeout("workflow "+r.key, fmt.Errorf("exceeded %s budget", o.cfg.WorkflowTimeout))}
	}
	if ctx.Err() != nil {
		return errStopped{models.Cancelled("workflow " + r.key)}
	}
	return nil
}

func (o *Orchestrator) stages(ctx context.Context, r *run, request map[string]any, res *Result) error {
	for i, stage := range Stages {
		art, low, err := o.stage(ctx, r, stage, request, res.Artifacts)
		if err != nil {
			return err
		}
		res.Artifacts[stage] = art
		if low {
			res.LowConfidence = append(res.LowConfidence, stage)
		}
		if stage == StageDecision && art.Data["decision"] == "no_bid" {
			res.Skipped = append(res.Skipped, Stages[i+1:]...)
			return nil
		}
	}
	return nil
}

// stage runs the evaluate/refine loop for one stage and returns the artifact
// to carry forward, plus whether it was accepted only by exhaustion.
func (o *Orchestrator) stage(ctx context.Context, r *run, stage Stage, request map[string]any, previous map[Stage]Artifact) (Artifact, bool, error) {
	var (
		best     *Artifact
		bestEval Evaluation
		feedback *Evaluation
	)
	agent := o.agents[stage]
	name := string(stage)

	for k := 1; k <= o.cfg.MaxIterations; k++ {
		if err := o.check(ctx, r); err != nil {
			return Artifact{}, false, err
		}
		o.emit(r.key, models.ProgressAgentStart, name, k, fmt.Sprintf("%s agent started", stage), nil)

		in := StageInput{
			WorkflowKey: r.key,
			Stage:       stage,
			Iteration:   k,
			Request:     request,
			Previous:    previous,
			Feedback:    feedback,
		}
		art, callErr := o.callAgent(ctx, agent, in)

		if err := o.check(ctx, r); err != nil {
			return Artifact{}, false, err
		}

		var ev Evaluation
		if callErr != nil {
			if models.KindOf(callErr) == models.KindValidation {
				return Artifact{}, false, fmt.Errorf("%s stage: %w", stage, callErr)
			}
			ev = Evaluation{
				Score:          0,
				Reasoning:      fmt.Sprintf("%s stage call failed", stage),
				CriticalIssues: []string{callErr.Error()},
			}
			o.logger.Warn("stage call failed", "workflow_key", r.key, "stage", stage, "iteration", k, "error", callErr)
		} else {
			o.emit(r.key, models.ProgressAgentOutput, name, k, fmt.Sprintf("%s agent produced output", stage), artifactData(art))
			if err := o.check(ctx, r); err != nil {
				return Artifact{}, false, err
			}
			ev = o.evaluate(ctx, stage, art)
			if err := o.check(ctx, r); err != nil {
				return Artifact{}, false, err
			}
			if best == nil || ev.Score > bestEval.Score {
				a := art
				best, bestEval = &a, ev
			}
		}
		o.emit(r.key, models.ProgressEvaluation, name, k, ev.Reasoning, evaluationData(ev))

		if ev.Accepted && callErr == nil {
			o.emit(r.key, models.ProgressAgentComplete, name, k, fmt.Sprintf("%s accepted", stage), artifactData(art))
			return art, false, nil
		}
		if k < o.cfg.MaxIterations {
			if err := o.check(ctx, r); err != nil {
				return Artifact{}, false, err
			}
			o.emit(r.key, models.ProgressRefinementRequest, name, k, ev.Feedback(), evaluationData(ev))
			e := ev
			feedback = &e
		}
	}

	if o.cfg.Policy == PolicyAbort {
		return Artifact{}, false, &models.Error{
			Kind: models.KindValidation,
			Op:   string(stage),
			Err:  fmt.Errorf("not accepted after %d iterations", o.cfg.MaxIterations),
		}
	}
	if best == nil {
		return Artifact{}, false, models.Transient(fmt.Errorf("%s stage produced no output in %d iterations", stage, o.cfg.MaxIterations))
	}
	data := artifactData(*best)
	data["lowConfidence"] = true
	data["score"] = bestEval.Score
	o.emit(r.key, models.ProgressAgentComplete, name, o.cfg.MaxIterations,
		fmt.Sprintf("%s proceeding with best attempt (low confidence)", stage), data)
	return *best, true, nil
}

func (o *Orchestrator) callAgent(ctx context.Context, agent Agent, in StageInput) (art Artifact, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.stage", trace.WithAttributes(
		attribute.String("stage", string(in.Stage)),
		attribute.Int("iteration", in.Iteration),
	))
	defer span.End()

	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = models.Transient(fmt.Errorf("agent panic: %v", rec))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	art, err = agent.Run(ctx, in)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = models.Timeout(string(in.Stage)+" stage call", err)
	}
	return art, err
}

// evaluate never fails: an evaluator error is a rejection
func (o *Orchestrator) evaluate(ctx context.Context, stage Stage, art Artifact) Evaluation {
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}
	ev, err := o.evaluator.Evaluate(ctx, stage, art)
	if err != nil {
		return Evaluation{
			Score:          0,
			Reasoning:      "evaluation failed",
			CriticalIssues: []string{err.Error()},
		}
	}
	return ev
}

func (o *Orchestrator) emit(key string, typ models.ProgressEventType, agent string, iteration int, msg string, data map[string]any) {
	if o.emitter == nil {
		return
	}
	o.emitter.Publish(models.ProgressEvent{
		Type:        typ,
		WorkflowKey: key,
		AgentName:   agent,
		Iteration:   iteration,
		Message:     msg,
		Data:        data,
		Timestamp:   o.now().UTC(),
	})
}

func artifactData(a Artifact) map[string]any {
	d := map[string]any{
		"content":    a.Content,
		"confidence": a.Confidence,
	}
	if len(a.Data) > 0 {
		d["data"] = a.Data
	}
	return d
}

func evaluationData(ev Evaluation) map[string]any {
	return map[string]any{
		"accepted":       ev.Accepted,
		"score":          ev.Score,
		"reasoning":      ev.Reasoning,
		"improvements":   ev.Improvements,
		"criticalIssues": ev.CriticalIssues,
	}
}
