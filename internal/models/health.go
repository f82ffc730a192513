package models

// QueueStats holds per-queue job counts
type QueueStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Delayed    int64 `json:"delayed"`
	Retries    int64 `json:"retries"`
}

// HealthStatus is ordered: healthy < degraded < unhealthy
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

func (h HealthStatus) severity() int {
	switch h {
	case HealthUnhealthy:
		return 2
	case HealthDegraded:
		return 1
	}
	return 0
}

// Worse returns the more severe of h and other
func (h HealthStatus) Worse(other HealthStatus) HealthStatus {
	if other.severity() > h.severity() {
		return other
	}
	return h
}

// QueueHealth is the health of one queue
type QueueHealth struct {
	Status HealthStatus `json:"status"`
	Stats  QueueStats   `json:"stats"`
}

// HealthReport is the health endpoint payload
type HealthReport struct {
	Status HealthStatus           `json:"status"`
	Queues map[string]QueueHealth `json:"queues"`
}
