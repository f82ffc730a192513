package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Queue names
const (
	QueueGeneration    = "ai-generation"
	QueueAnalysis      = "analysis"
	QueueDocuments     = "documents"
	QueueNotifications = "notifications"
	QueueMaintenance   = "maintenance"
)

// QueueNames lists every queue the engine runs
var QueueNames = []string{QueueGeneration, QueueAnalysis, QueueDocuments, QueueNotifications, QueueMaintenance}

type Config struct {
	Server       ServerConfig           `yaml:"server"`
	Database     DatabaseConfig         `yaml:"database"`
	Redis        RedisConfig            `yaml:"redis"`
	Queues       map[string]QueueConfig `yaml:"queues"`
	Orchestrator OrchestratorConfig     `yaml:"orchestrator"`
	Health       HealthConfig           `yaml:"health"`
	Maintenance  MaintenanceConfig      `yaml:"maintenance"`
	Provider     ProviderConfig         `yaml:"provider"`
	Tracing      TracingConfig          `yaml:"tracing"`
	LogLevel     string                 `yaml:"log_level"`
}

type ServerConfig struct {
	Addr                string   `yaml:"addr"`
	AllowedOrigins      []string `yaml:"allowed_origins"`
	SubmitRatePerMinute int      `yaml:"submit_rate_per_minute"`
	MaxRunningPerUser   int      `yaml:"max_running_per_user"` // 0 disables
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig tunes one named queue. Concurrency is explicit per queue.
type QueueConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type OrchestratorConfig struct {
	MaxIterations       int           `yaml:"max_iterations"`
	WorkflowTimeout     time.Duration `yaml:"workflow_timeout"`
	StageTimeout        time.Duration `yaml:"stage_timeout"`
	AcceptanceThreshold int           `yaml:"acceptance_threshold"`
	ExhaustionPolicy    string        `yaml:"exhaustion_policy"` // proceed | abort
}

type HealthConfig struct {
	FailureRatio      float64 `yaml:"failure_ratio"`
	BacklogThreshold  int64   `yaml:"backlog_threshold"`
	UnhealthyFailures int64   `yaml:"unhealthy_failures"`
}

type MaintenanceConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CleanupAge      time.Duration `yaml:"cleanup_age"`
	WarmupInterval  time.Duration `yaml:"warmup_interval"`
}

type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	// EmbeddingModel is sent to /embeddings; chat models are rejected there
	EmbeddingModel string `yaml:"embedding_model"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter"` // none | stdout
}

// Default returns a config that runs locally without external services
func Default() Config {
	q := func(concurrency int) QueueConfig {
		return QueueConfig{
			Concurrency:   concurrency,
			MaxAttempts:   3,
			BackoffBase:   2 * time.Second,
			BackoffMax:    5 * time.Minute,
			PollInterval:  2 * time.Second,
			JobTimeout:    10 * time.Minute,
			ShutdownGrace: 30 * time.Second,
		}
	}
	return Config{
		Server: ServerConfig{
			Addr:                ":8080",
			AllowedOrigins:      []string{"*"},
			SubmitRatePerMinute: 30,
			MaxRunningPerUser:   5,
		},
		Database: DatabaseConfig{Path: "./bidforge.db"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Queues: map[string]QueueConfig{
			QueueGeneration:    q(2),
			QueueAnalysis:      q(3),
			QueueDocuments:     q(4),
			QueueNotifications: q(5),
			QueueMaintenance:   q(1),
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:       3,
			WorkflowTimeout:     3 * time.Minute,
			StageTimeout:        60 * time.Second,
			AcceptanceThreshold: 70,
			ExhaustionPolicy:    "proceed",
		},
		Health: HealthConfig{
			FailureRatio:      0.10,
			BacklogThreshold:  100,
			UnhealthyFailures: 50,
		},
		Maintenance: MaintenanceConfig{
			CleanupInterval: time.Hour,
			CleanupAge:      24 * time.Hour,
			WarmupInterval:  6 * time.Hour,
		},
		Provider: ProviderConfig{
			BaseURL:        "http://localhost:11434/v1",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Tracing:  TracingConfig{Exporter: "none"},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies BIDFORGE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	cfg.fillQueueDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv loads the file named by BIDFORGE_CONFIG, if any
func FromEnv() (Config, error) {
	return Load(os.Getenv("BIDFORGE_CONFIG"))
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getenv("BIDFORGE_ADDR", cfg.Server.Addr)
	cfg.Server.SubmitRatePerMinute = getenvInt("BIDFORGE_SUBMIT_RATE", cfg.Server.SubmitRatePerMinute)
	cfg.Server.MaxRunningPerUser = getenvInt("BIDFORGE_MAX_RUNNING_PER_USER", cfg.Server.MaxRunningPerUser)
	if origins := os.Getenv("BIDFORGE_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	cfg.Database.Path = getenv("BIDFORGE_DB_PATH", cfg.Database.Path)
	cfg.Redis.Enabled = getenvBool("BIDFORGE_REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = getenv("BIDFORGE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenv("BIDFORGE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvInt("BIDFORGE_REDIS_DB", cfg.Redis.DB)
	cfg.Orchestrator.MaxIterations = getenvInt("BIDFORGE_MAX_ITERATIONS", cfg.Orchestrator.MaxIterations)
	cfg.Orchestrator.WorkflowTimeout = getenvDuration("BIDFORGE_WORKFLOW_TIMEOUT", cfg.Orchestrator.WorkflowTimeout)
	cfg.Orchestrator.StageTimeout = getenvDuration("BIDFORGE_STAGE_TIMEOUT", cfg.Orchestrator.StageTimeout)
	cfg.Orchestrator.ExhaustionPolicy = getenv("BIDFORGE_EXHAUSTION_POLICY", cfg.Orchestrator.ExhaustionPolicy)
	cfg.Provider.BaseURL = getenv("BIDFORGE_PROVIDER_URL", cfg.Provider.BaseURL)
	cfg.Provider.APIKey = getenv("BIDFORGE_PROVIDER_API_KEY", cfg.Provider.APIKey)
	cfg.Provider.Model = getenv("BIDFORGE_PROVIDER_MODEL", cfg.Provider.Model)
	cfg.Provider.EmbeddingModel = getenv("BIDFORGE_PROVIDER_EMBEDDING_MODEL", cfg.Provider.EmbeddingModel)
	cfg.Tracing.Exporter = getenv("BIDFORGE_OTEL_EXPORTER", cfg.Tracing.Exporter)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)

	for name, qc := range cfg.Queues {
		key := "BIDFORGE_QUEUE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_CONCURRENCY"
		qc.Concurrency = getenvInt(key, qc.Concurrency)
		cfg.Queues[name] = qc
	}
}

// fillQueueDefaults lets a YAML file set only the fields it cares about
func (c *Config) fillQueueDefaults() {
	def := Default().Queues[QueueAnalysis]
	for name, qc := range c.Queues {
		if qc.MaxAttempts <= 0 {
			qc.MaxAttempts = def.MaxAttempts
		}
		if qc.BackoffBase <= 0 {
			qc.BackoffBase = def.BackoffBase
		}
		if qc.BackoffMax <= 0 {
			qc.BackoffMax = def.BackoffMax
		}
		if qc.PollInterval <= 0 {
			qc.PollInterval = def.PollInterval
		}
		if qc.ShutdownGrace <= 0 {
			qc.ShutdownGrace = def.ShutdownGrace
		}
		c.Queues[name] = qc
	}
}

// Validate rejects configurations the engine cannot run with
func (c Config) Validate() error {
	var errs []error
	for _, name := range QueueNames {
		qc, ok := c.Queues[name]
		if !ok {
			errs = append(errs, fmt.Errorf("queue %q is not configured", name))
			continue
		}
		if qc.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("queue %q: concurrency must be positive", name))
		}
	}
	if c.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, errors.New("orchestrator.max_iterations must be positive"))
	}
	switch c.Orchestrator.ExhaustionPolicy {
	case "proceed", "abort":
	default:
		errs = append(errs, fmt.Errorf("orchestrator.exhaustion_policy %q must be proceed or abort", c.Orchestrator.ExhaustionPolicy))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Server.MaxRunningPerUser < 0 {
		errs = append(errs, errors.New("server.max_running_per_user must not be negative"))
	}
	if c.Maintenance.CleanupInterval <= 0 {
		errs = append(errs, errors.New("maintenance.cleanup_interval must be positive"))
	}
	if c.Maintenance.CleanupAge <= 0 {
		errs = append(errs, errors.New("maintenance.cleanup_age must be positive"))
	}
	if c.Maintenance.WarmupInterval <= 0 {
		errs = append(errs, errors.New("maintenance.warmup_interval must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
