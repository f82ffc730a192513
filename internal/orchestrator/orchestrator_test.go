package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidforge-engine/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder is an Emitter that keeps every event
type recorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (r *recorder) Publish(ev models.ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []models.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ProgressEvent(nil), r.events...)
}

func (r *recorder) count(typ models.ProgressEventType, agent string) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == typ && (agent == "" || ev.AgentName == agent) {
			n++
		}
	}
	return n
}

func echoAgents(confidence int) map[Stage]Agent {
	agents := make(map[Stage]Agent)
	for _, s := range Stages {
		stage := s
		agents[s] = AgentFunc(func(_ context.Context, in StageInput) (Artifact, error) {
			return Artifact{Content: string(stage) + " output", Confidence: confidence}, nil
		})
	}
	return agents
}

var (
	acceptAll = EvaluatorFunc(func(context.Context, Stage, Artifact) (Evaluation, error) {
		return Evaluation{Accepted: true, Score: 90, Reasoning: "good"}, nil
	})
	rejectAll = EvaluatorFunc(func(context.Context, Stage, Artifact) (Evaluation, error) {
		return Evaluation{Accepted: false, Score: 40, Reasoning: "too vague", Improvements: []string{"cite quantities"}}, nil
	})
)

func newOrchestrator(t *testing.T, cfg Config, agents map[Stage]Agent, eval Evaluator) (*Orchestrator, *recorder) {
	t.Helper()
	rec := &recorder{}
	o, err := New(cfg, agents, eval, rec, testLogger())
	require.NoError(t, err)
	return o, rec
}

func TestRun_FastPath(t *testing.T) {
	o, rec := newOrchestrator(t, Config{MaxIterations: 3}, echoAgents(90), acceptAll)

	res, err := o.Run(context.Background(), "project-1", map[string]any{"rfp": "school extension"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Artifacts, 5)
	assert.Empty(t, res.LowConfidence)

	events := rec.all()
	var completes []models.ProgressEvent
	for _, ev := range events {
		if ev.Type == models.ProgressAgentComplete {
			completes = append(completes, ev)
		}
		assert.Equal(t, "project-1", ev.WorkflowKey)
	}
	require.Len(t, completes, 5)
	for i, ev := range completes {
		assert.Equal(t, string(Stages[i]), ev.AgentName)
		assert.Equal(t, 1, ev.Iteration)
	}
	assert.Equal(t, models.ProgressWorkflowComplete, events[len(events)-1].Type)
	assert.Equal(t, 1, rec.count(models.ProgressWorkflowComplete, ""))
	assert.Zero(t, rec.count(models.ProgressRefinementRequest, ""))
	assert.False(t, o.Active("project-1"))
}

func TestRun_AlwaysRejectProceedsWithBestArtifact(t *testing.T) {
	o, rec := newOrchestrator(t, Config{MaxIterations: 3, Policy: PolicyProceed}, echoAgents(40), rejectAll)

	res, err := o.Run(context.Background(), "project-2", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, Stages, res.LowConfidence)

	for _, s := range Stages {
		assert.Equal(t, 3, rec.count(models.ProgressAgentStart, string(s)), "stage %s", s)
		assert.Equal(t, 3, rec.count(models.ProgressEvaluation, string(s)))
		assert.Equal(t, 2, rec.count(models.ProgressRefinementRequest, string(s)))
		assert.Equal(t, 1, rec.count(models.ProgressAgentComplete, string(s)))
	}
	for _, ev := range rec.all() {
		if ev.Type == models.ProgressAgentComplete {
			assert.Equal(t, true, ev.Data["lowConfidence"])
			assert.Equal(t, 3, ev.Iteration)
		}
	}
	assert.Equal(t, 1, rec.count(models.ProgressWorkflowComplete, ""))
}

func TestRun_AlwaysRejectAbortPolicy(t *testing.T) {
	o, rec := newOrchestrator(t, Config{MaxIterations: 3, Policy: PolicyAbort}, echoAgents(40), rejectAll)

	res, err := o.Run(context.Background(), "project-3", nil)
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
	assert.Equal(t, StatusFailed, res.Status)

	assert.Equal(t, 3, rec.count(models.ProgressAgentStart, string(StageIntake)))
	assert.Zero(t, rec.count(models.ProgressAgentStart, string(StageAnalysis)), "no stage after the failed one")
	assert.Zero(t, rec.count(models.ProgressWorkflowComplete, ""))

	events := rec.all()
	last := events[len(events)-1]
	assert.Equal(t, models.ProgressError, last.Type)
	assert.Equal(t, models.KindValidation, last.Data["kind"])
}

func TestRun_RefinementFeedsBackIntoAgent(t *testing.T) {
	agents := echoAgents(90)
	var feedback []*Evaluation
	agents[StageAnalysis] = AgentFunc(func(_ context.Context, in StageInput) (Artifact, error) {
		feedback = append(feedback, in.Feedback)
		if in.Iteration == 1 {
			return Artifact{Content: "draft", Confidence: 50}, nil
		}
		require.Contains(t, in.Previous, StageIntake)
		return Artifact{Content: "revised", Confidence: 85}, nil
	})
	o, rec := newOrchestrator(t, Config{MaxIterations: 3}, agents, RuleEvaluator{Threshold: 70})

	res, err := o.Run(context.Background(), "project-4", nil)
	require.NoError(t, err)
	assert.Equal(t, "revised", res.Artifacts[StageAnalysis].Content)

	require.Len(t, feedback, 2)
	assert.Nil(t, feedback[0])
	require.NotNil(t, feedback[1])
	assert.Equal(t, 50, feedback[1].Score)
	assert.Equal(t, 1, rec.count(models.ProgressRefinementRequest, string(StageAnalysis)))
}

func TestRun_StageErrorsEnterRefinementLoop(t *testing.T) {
	agents := echoAgents(90)
	calls := 0
	agents[StageGeneration] = AgentFunc(func(context.Context, StageInput) (Artifact, error) {
		calls++
		if calls == 1 {
			return Artifact{}, models.Transient(errors.New("rate limited"))
		}
		return Artifact{Content: "bid narrative", Confidence: 88}, nil
	})
	o, rec := newOrchestrator(t, Config{MaxIterations: 3}, agents, RuleEvaluator{Threshold: 70})

	_, err := o.Run(context.Background(), "project-5", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count(models.ProgressAgentStart, string(StageGeneration)))
	assert.Equal(t, 1, rec.count(models.ProgressAgentOutput, string(StageGeneration)))
	assert.Equal(t, 2, rec.count(models.ProgressEvaluation, string(StageGeneration)))
}

func TestRun_ValidationErrorAbortsWorkflow(t *testing.T) {
	agents := echoAgents(90)
	agents[StageIntake] = AgentFunc(func(context.Context, StageInput) (Artifact, error) {
		return Artifact{}, models.Validation("rfp document is unreadable")
	})
	o, rec := newOrchestrator(t, Config{MaxIterations: 3}, agents, acceptAll)

	_, err := o.Run(context.Background(), "project-6", nil)
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
	assert.Equal(t, 1, rec.count(models.ProgressAgentStart, ""))
	assert.Equal(t, 1, rec.count(models.ProgressError, ""))
}

func TestRun_CancelDuringAnalysisIterationTwo(t *testing.T) {
	agents := echoAgents(90)
	var o *Orchestrator
	agents[StageAnalysis] = AgentFunc(func(_ context.Context, in StageInput) (Artifact, error) {
		if in.Iteration == 2 {
			require.True(t, o.Cancel(in.WorkflowKey))
		}
		return Artifact{Content: "analysis", Confidence: 50}, nil
	})
	var rec *recorder
	o, rec = newOrchestrator(t, Config{MaxIterations: 3}, agents, RuleEvaluator{Threshold: 70})

	res, err := o.Run(context.Background(), "project-7", nil)
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.KindOf(err))
	assert.Equal(t, StatusCancelled, res.Status)

	events := rec.all()
	var idx int
	for i, ev := range events {
		if ev.Type == models.ProgressAgentStart && ev.AgentName == string(StageAnalysis) && ev.Iteration == 2 {
			idx = i
		}
	}
	require.NotZero(t, idx)
	after := events[idx+1:]
	require.Len(t, after, 1, "only the cancellation indication follows")
	assert.Equal(t, models.ProgressWorkflowCancelled, after[0].Type)
	assert.Zero(t, rec.count(models.ProgressWorkflowComplete, ""))
	assert.Zero(t, rec.count(models.ProgressError, ""))
	assert.False(t, o.Cancel("project-7"), "no longer active")
}

func TestRun_WorkflowTimeout(t *testing.T) {
	agents := echoAgents(90)
	agents[StageDecision] = AgentFunc(func(ctx context.Context, _ StageInput) (Artifact, error) {
		<-ctx.Done()
		return Artifact{}, ctx.Err()
	})
	o, rec := newOrchestrator(t, Config{MaxIterations: 3, WorkflowTimeout: 50 * time.Millisecond}, agents, acceptAll)

	begin := time.Now()
	res, err := o.Run(context.Background(), "project-8", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))
	assert.Equal(t, StatusFailed, res.Status)

	events := rec.all()
	last := events[len(events)-1]
	assert.Equal(t, models.ProgressError, last.Type)
	assert.Equal(t, models.KindTimeout, last.Data["kind"])
	assert.Equal(t, 1, rec.count(models.ProgressAgentStart, string(StageDecision)))
}

func TestRun_StageTimeoutIsRefined(t *testing.T) {
	agents := echoAgents(90)
	calls := 0
	agents[StageReview] = AgentFunc(func(ctx context.Context, _ StageInput) (Artifact, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return Artifact{}, ctx.Err()
		}
		return Artifact{Content: "reviewed", Confidence: 95}, nil
	})
	o, rec := newOrchestrator(t, Config{MaxIterations: 3, StageTimeout: 20 * time.Millisecond}, agents, acceptAll)

	_, err := o.Run(context.Background(), "project-9", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count(models.ProgressAgentStart, string(StageReview)))
	assert.Equal(t, 1, rec.count(models.ProgressRefinementRequest, string(StageReview)))
}

func TestRun_SecondRunForActiveKeyRejected(t *testing.T) {
	agents := echoAgents(90)
	entered := make(chan struct{})
	release := make(chan struct{})
	agents[StageIntake] = AgentFunc(func(_ context.Context, in StageInput) (Artifact, error) {
		if in.WorkflowKey == "project-10" {
			close(entered)
			<-release
		}
		return Artifact{Content: "intake", Confidence: 90}, nil
	})
	o, _ := newOrchestrator(t, Config{MaxIterations: 3}, agents, acceptAll)

	ctx := context.Background()
	require.NoError(t, o.Start(ctx, "project-10", nil))
	<-entered

	_, err := o.Run(ctx, "project-10", nil)
	assert.ErrorIs(t, err, models.ErrWorkflowActive)
	assert.ErrorIs(t, o.Start(ctx, "project-10", nil), models.ErrWorkflowActive)

	// other keys run independently
	res, err := o.Run(ctx, "project-11", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, o.Active("project-10"))

	close(release)
	assert.Eventually(t, func() bool { return !o.Active("project-10") }, 2*time.Second, 2*time.Millisecond)
}

func TestRun_NoBidSkipsRemainingStages(t *testing.T) {
	agents := echoAgents(90)
	agents[StageDecision] = AgentFunc(func(context.Context, StageInput) (Artifact, error) {
		return Artifact{Content: "outside our trade scope", Confidence: 92, Data: map[string]any{"decision": "no_bid"}}, nil
	})
	o, rec := newOrchestrator(t, Config{MaxIterations: 3}, agents, acceptAll)

	res, err := o.Run(context.Background(), "project-12", nil)
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageGeneration, StageReview}, res.Skipped)
	assert.Zero(t, rec.count(models.ProgressAgentStart, string(StageGeneration)))

	events := rec.all()
	last := events[len(events)-1]
	assert.Equal(t, models.ProgressWorkflowComplete, last.Type)
	assert.Equal(t, "no_bid", last.Data["decision"])
}

func TestRuleEvaluator(t *testing.T) {
	r := RuleEvaluator{Threshold: 70}
	ctx := context.Background()

	ev, err := r.Evaluate(ctx, StageReview, Artifact{Content: "ok", Confidence: 80})
	require.NoError(t, err)
	assert.True(t, ev.Accepted)

	ev, _ = r.Evaluate(ctx, StageReview, Artifact{Content: "ok", Confidence: 60})
	assert.False(t, ev.Accepted)
	assert.NotEmpty(t, ev.Improvements)

	ev, _ = r.Evaluate(ctx, StageReview, Artifact{Content: " ", Confidence: 99})
	assert.False(t, ev.Accepted)
	assert.Zero(t, ev.Score)

	ev, _ = r.Evaluate(ctx, StageReview, Artifact{Content: "ok", Confidence: 99, Data: map[string]any{"criticalIssues": []any{"missing insurance"}}})
	assert.False(t, ev.Accepted)
	assert.Equal(t, []string{"missing insurance"}, ev.CriticalIssues)
	assert.Contains(t, ev.Feedback(), "Critical: missing insurance")
}

func TestNew_RequiresEveryStage(t *testing.T) {
	agents := echoAgents(90)
	delete(agents, StageReview)
	_, err := New(Config{}, agents, nil, nil, testLogger())
	assert.ErrorContains(t, err, "review")

	_, err = New(Config{Policy: "retry"}, echoAgents(90), nil, nil, testLogger())
	assert.Error(t, err)
}

func TestBus_DeliversPerKeyAndDropsWhenFull(t *testing.T) {
	bus := NewBus(testLogger())
	bus.buffer = 2
	ch, unsub := bus.Subscribe("p1")
	other, unsubOther := bus.Subscribe("p2")
	defer unsubOther()

	for i := 0; i < 5; i++ {
		bus.Publish(models.ProgressEvent{Type: models.ProgressAgentStart, WorkflowKey: "p1", Iteration: i})
	}
	assert.Len(t, ch, 2)
	assert.Len(t, other, 0)
	assert.Equal(t, 0, (<-ch).Iteration)

	unsub()
	unsub()
	assert.Zero(t, bus.Subscribers("p1"))
	bus.Publish(models.ProgressEvent{WorkflowKey: "p1"})
}
