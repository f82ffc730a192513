package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bidforge-engine/internal/orchestrator"
)

const responseFormat = `Respond with a single JSON object:
{"content": "<your output>", "confidence": <0-100>, "data": {<structured fields>}}
List blocking problems you could not resolve in data.criticalIssues.`

var instructions = map[orchestrator.Stage]string{
	orchestrator.StageIntake: "You are the intake agent for a construction contractor. Classify the request, " +
		"extract the project type, location, scope items, deadlines and any missing information.",
	orchestrator.StageAnalysis: "You are the analysis agent. Assess the scope, required trades, quantities, risks " +
		"and the contractor's fit for this project. Estimate a cost range.",
	orchestrator.StageDecision: "You are the bid decision agent. Decide whether the contractor should bid. " +
		`Set data.decision to "bid" or "no_bid" and explain the reasons in content.`,
	orchestrator.StageGeneration: "You are the proposal writer. Produce a complete bid proposal with scope of work, " +
		"line-item pricing, schedule, exclusions and terms.",
	orchestrator.StageReview: "You are the reviewer. Check the proposal for pricing errors, missing scope, " +
		"compliance gaps and tone. Return the corrected proposal.",
}

// Agent runs one workflow stage through the model
type Agent struct {
	client *Client
	stage  orchestrator.Stage
}

// Agents builds a model-backed agent for every stage
func Agents(client *Client) map[orchestrator.Stage]orchestrator.Agent {
	agents := make(map[orchestrator.Stage]orchestrator.Agent, len(orchestrator.Stages))
	for _, stage := range orchestrator.Stages {
		agents[stage] = &Agent{client: client, stage: stage}
	}
	return agents
}

func (a *Agent) Run(ctx context.Context, in orchestrator.StageInput) (orchestrator.Artifact, error) {
	completion, err := a.client.Complete(ctx, instructions[a.stage]+"\n\n"+responseFormat, Prompt(in))
	if err != nil {
		return orchestrator.Artifact{}, err
	}
	art := ParseArtifact(completion.Content)
	art.Tokens = completion.Tokens
	return art, nil
}

// Prompt renders the request, accepted upstream outputs and any refinement
// feedback for the stage.
func Prompt(in orchestrator.StageInput) string {
	var b strings.Builder
	request, _ := json.MarshalIndent(in.Request, "", "  ")
	fmt.Fprintf(&b, "Request:\n%s\n", request)
	for _, stage := range orchestrator.Stages {
		if stage == in.Stage {
			break
		}
		if prev, ok := in.Previous[stage]; ok {
			fmt.Fprintf(&b, "\n%s output:\n%s\n", stage, prev.Content)
		}
	}
	if in.Feedback != nil {
		fmt.Fprintf(&b, "\nThis is attempt %d. Address the reviewer feedback:\n%s\n", in.Iteration, in.Feedback.Feedback())
	}
	return b.String()
}

// ParseArtifact reads the JSON envelope out of a model response. Code fences
// are tolerated; anything unparseable becomes a zero-confidence artifact so
// the evaluator sends it back for refinement.
func ParseArtifact(raw string) orchestrator.Artifact {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}

	var envelope struct {
		Content    string         `json:"content"`
		Confidence int            `json:"confidence"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return orchestrator.Artifact{
			Content: raw,
			Data:    map[string]any{"criticalIssues": []string{"response was not the requested JSON object"}},
		}
	}
	return orchestrator.Artifact{
		Content:    envelope.Content,
		Data:       envelope.Data,
		Confidence: max(0, min(100, envelope.Confidence)),
	}
}
