package models

import "time"

// ProgressEventType names an orchestrator transition
type ProgressEventType string

const (
	ProgressConnected         ProgressEventType = "connected"
	ProgressAgentStart        ProgressEventType = "agent_start"
	ProgressAgentOutput       ProgressEventType = "agent_output"
	ProgressEvaluation        ProgressEventType = "evaluation"
	ProgressRefinementRequest ProgressEventType = "refinement_request"
	ProgressAgentComplete     ProgressEventType = "agent_complete"
	ProgressWorkflowComplete  ProgressEventType = "workflow_complete"
	ProgressWorkflowCancelled ProgressEventType = "workflow_cancelled"
	ProgressError             ProgressEventType = "error"
)

// Terminal reports whether the event ends a workflow's stream
func (t ProgressEventType) Terminal() bool {
	return t == ProgressWorkflowComplete || t == ProgressWorkflowCancelled || t == ProgressError
}

// ProgressEvent is one observable orchestrator transition
type ProgressEvent struct {
	Type        ProgressEventType `json:"type"`
	WorkflowKey string            `json:"workflowKey"`
	AgentName   string            `json:"agentName,omitempty"`
	Iteration   int               `json:"iteration,omitempty"`
	Message     string            `json:"message"`
	Data        map[string]any    `json:"data,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
