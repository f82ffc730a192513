package queue

import (
	"time"

	"bidforge-engine/internal/config"
)

// Config tunes a single named queue
type Config struct {
	Name          string
	Concurrency   int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	PollInterval  time.Duration
	JobTimeout    time.Duration // 0 = no per-job deadline
	ShutdownGrace time.Duration
}

// ConfigFrom adapts the file/env configuration of one queue
func ConfigFrom(name string, qc config.QueueConfig) Config {
	return Config{
		Name:          name,
		Concurrency:   qc.Concurrency,
		MaxAttempts:   qc.MaxAttempts,
		BackoffBase:   qc.BackoffBase,
		BackoffMax:    qc.BackoffMax,
		PollInterval:  qc.PollInterval,
		JobTimeout:    qc.JobTimeout,
		ShutdownGrace: qc.ShutdownGrace,
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}
