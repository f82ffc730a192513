package models

import (
	"encoding/json"
	"time"
)

// JobType tags the kind of work a job carries
type JobType string

// Known job types
const (
	JobTypeBidGeneration       JobType = "bid_generation"
	JobTypeAgentWorkflow       JobType = "agent_workflow"
	JobTypeRFPAnalysis         JobType = "rfp_analysis"
	JobTypeSketchAnalysis      JobType = "sketch_analysis"
	JobTypeDocumentProcessing  JobType = "document_processing"
	JobTypeDocumentEmbedding   JobType = "document_embedding"
	JobTypeEmailNotification   JobType = "email_notification"
	JobTypeWebhookNotification JobType = "webhook_notification"
	JobTypeCacheWarmup         JobType = "cache_warmup"
)

// AllJobTypes lists every job type the system knows how to route
var AllJobTypes = []JobType{
	JobTypeBidGeneration,
	JobTypeAgentWorkflow,
	JobTypeRFPAnalysis,
	JobTypeSketchAnalysis,
	JobTypeDocumentProcessing,
	JobTypeDocumentEmbedding,
	JobTypeEmailNotification,
	JobTypeWebhookNotification,
	JobTypeCacheWarmup,
}

// Priority is the dequeue precedence class of a job
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities in dequeue order
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns 0 for the most urgent class. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is one of the four priority classes
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job
type JobStatus string

// Status constants
const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job represents a unit of asynchronous work owned by a queue
type Job struct {
	ID              string            `json:"id"`
	Queue           string            `json:"queue"`
	Type            JobType           `json:"type"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Priority        Priority          `json:"priority"`
	Status          JobStatus         `json:"status"`
	Attempts        int               `json:"attempts"`
	MaxAttempts     int               `json:"max_attempts"`
	UserID          string            `json:"user_id,omitempty"`
	ProjectID       string            `json:"project_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TraceID         string            `json:"trace_id"`
	ProgressPercent int               `json:"progress_percent"`
	CurrentStep     string            `json:"current_step,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorKind       ErrorKind         `json:"error_kind,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	NextRunAt       *time.Time        `json:"next_run_at,omitempty"`
	ProcessingTime  float64           `json:"processing_time,omitempty"` // seconds
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
}

// Clone returns a deep copy safe to hand outside the owning queue
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.NextRunAt = cloneTime(j.NextRunAt)
	return &c
}

// DecodePayload unmarshals the job payload into v
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return Validation("job payload is empty")
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Validation("invalid payload for " + string(j.Type) + ": " + err.Error())
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// JobFilter narrows job listings. Zero fields match everything.
type JobFilter struct {
	UserID    string
	ProjectID string
	Status    JobStatus
	Type      JobType
	Limit     int
}

// Match reports whether job satisfies the filter (Limit is ignored)
func (f JobFilter) Match(job *Job) bool {
	if f.UserID != "" && job.UserID != f.UserID {
		return false
	}
	if f.ProjectID != "" && job.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Type != "" && job.Type != f.Type {
		return false
	}
	return true
}

// JobSubmitRequest represents a job submission request
type JobSubmitRequest struct {
	Type           JobType           `json:"type"`
	Payload        json.RawMessage   `json:"payload"`
	Priority       Priority          `json:"priority,omitempty"`
	UserID         string            `json:"user_id"`
	ProjectID      string            `json:"project_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
}

// JobEventType names a job lifecycle transition
type JobEventType string

const (
	JobEventEnqueued  JobEventType = "enqueued"
	JobEventStarted   JobEventType = "started"
	JobEventProgress  JobEventType = "progress"
	JobEventRetry     JobEventType = "retry"
	JobEventCompleted JobEventType = "completed"
	JobEventFailed    JobEventType = "failed"
	JobEventCancelled JobEventType = "cancelled"
)

// JobEvent is published by a queue on every job transition
type JobEvent struct {
	Type  JobEventType  `json:"type"`
	Job   *Job          `json:"job"`
	Delay time.Duration `json:"delay,omitempty"`
	Error string        `json:"error,omitempty"`
	At    time.Time     `json:"at"`
}
