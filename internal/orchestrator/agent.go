package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

// Stage is one step of the bid workflow
type Stage string

const (
	StageIntake     Stage = "intake"
	StageAnalysis   Stage = "analysis"
	StageDecision   Stage = "decision"
	StageGeneration Stage = "generation"
	StageReview     Stage = "review"
)

// Stages in execution order
var Stages = []Stage{StageIntake, StageAnalysis, StageDecision, StageGeneration, StageReview}

// Artifact is what a stage produces. Confidence is self-reported, 0-100.
type Artifact struct {
	Content    string         `json:"content"`
	Data       map[string]any `json:"data,omitempty"`
	Confidence int            `json:"confidence"`
	Tokens     int            `json:"tokens,omitempty"`
}

// Evaluation is the verdict on one artifact
type Evaluation struct {
	Accepted       bool     `json:"accepted"`
	Score          int      `json:"score"`
	Reasoning      string   `json:"reasoning"`
	Improvements   []string `json:"improvements,omitempty"`
	CriticalIssues []string `json:"criticalIssues,omitempty"`
}

// Feedback renders the evaluation as refinement instructions
func (e Evaluation) Feedback() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Previous attempt scored %d/100. %s", e.Score, e.Reasoning)
	for _, issue := range e.CriticalIssues {
		fmt.Fprintf(&b, "\n- Critical: %s", issue)
	}
	for _, imp := range e.Improvements {
		fmt.Fprintf(&b, "\n- Improve: %s", imp)
	}
	return b.String()
}

// StageInput is handed to an agent on every iteration
type StageInput struct {
	WorkflowKey string
	Stage       Stage
	Iteration   int
	Request     map[string]any
	Previous    map[Stage]Artifact // accepted artifacts of earlier stages
	Feedback    *Evaluation        // nil on the first iteration
}

// Agent produces the artifact for one stage
type Agent interface {
	Run(ctx context.Context, in StageInput) (Artifact, error)
}

// AgentFunc adapts a function to Agent
type AgentFunc func(ctx context.Context, in StageInput) (Artifact, error)

func (f AgentFunc) Run(ctx context.Context, in StageInput) (Artifact, error) { return f(ctx, in) }

// Evaluator judges a stage artifact
type Evaluator interface {
	Evaluate(ctx context.Context, stage Stage, artifact Artifact) (Evaluation, error)
}

type EvaluatorFunc func(ctx context.Context, stage Stage, artifact Artifact) (Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, stage Stage, artifact Artifact) (Evaluation, error) {
	return f(ctx, stage, artifact)
}

// RuleEvaluator accepts non-empty artifacts at or above a confidence
// threshold that report no critical issues in Data["criticalIssues"].
type RuleEvaluator struct {
	Threshold int
}

func (r RuleEvaluator) Evaluate(_ context.Context, stage Stage, a Artifact) (Evaluation, error) {
	ev := Evaluation{Score: a.Confidence}
	if strings.TrimSpace(a.Content) == "" {
		ev.Score = 0
		ev.CriticalIssues = append(ev.CriticalIssues, "output is empty")
	}
	ev.CriticalIssues = append(ev.CriticalIssues, stringList(a.Data["criticalIssues"])...)
	if a.Confidence < r.Threshold {
		ev.Improvements = append(ev.Improvements,
			fmt.Sprintf("raise confidence from %d to at least %d by addressing gaps in the %s output", a.Confidence, r.Threshold, stage))
	}
	ev.Accepted = len(ev.CriticalIssues) == 0 && a.Confidence >= r.Threshold
	if ev.Accepted {
		ev.Reasoning = fmt.Sprintf("%s output meets the acceptance threshold", stage)
	} else {
		ev.Reasoning = fmt.Sprintf("%s output rejected", stage)
	}
	return ev, nil
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}
