// Package config loads runtime configuration from the environment,
// with a .env file picked up for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	TaskFile     string
	WorkspaceDir string
	AuditDBPath  string

	Tick           time.Duration
	StopGrace      time.Duration
	MaxDispatches  int64
	CommandTimeout time.Duration

	DefaultTimezone string
	RemoteSeedURL   string

	SandboxBackend string // "docker" or "local"

	LLMBaseURL       string
	LLMAPIKey        string
	LLMModel         string
	OperatorMaxSteps int
	AllowedBinaries  []string // extra binaries for the command policy

	WebhookURL   string
	WebhookToken string
}

// Load reads configuration from the environment. A missing .env file
// is fine; explicit environment variables always win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:         envOr("ORBIT_HTTP_ADDR", ":8080"),
		TaskFile:         envOr("ORBIT_TASK_FILE", "data/tasks.yaml"),
		WorkspaceDir:     envOr("ORBIT_WORKSPACE_DIR", "data/workspace"),
		AuditDBPath:      envOr("ORBIT_AUDIT_DB", "data/audit.duckdb"),
		Tick:             envDuration("ORBIT_TICK", time.Minute),
		StopGrace:        envDuration("ORBIT_STOP_GRACE", 10*time.Second),
		MaxDispatches:    int64(envInt("ORBIT_MAX_DISPATCHES", 10)),
		CommandTimeout:   envDuration("ORBIT_COMMAND_TIMEOUT", 2*time.Minute),
		DefaultTimezone:  envOr("ORBIT_TIMEZONE", "UTC"),
		RemoteSeedURL:    os.Getenv("ORBIT_REMOTE_SEED_URL"),
		SandboxBackend:   envOr("ORBIT_SANDBOX", "docker"),
		LLMBaseURL:       envOr("ORBIT_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:        os.Getenv("ORBIT_LLM_API_KEY"),
		LLMModel:         os.Getenv("ORBIT_LLM_MODEL"),
		OperatorMaxSteps: envInt("ORBIT_OPERATOR_MAX_STEPS", 12),
		WebhookURL:       os.Getenv("ORBIT_WEBHOOK_URL"),
		WebhookToken:     os.Getenv("ORBIT_WEBHOOK_TOKEN"),
	}
	if extra := os.Getenv("ORBIT_ALLOWED_BINARIES"); extra != "" {
		for _, b := range strings.Split(extra, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.AllowedBinaries = append(cfg.AllowedBinaries, b)
			}
		}
	}

	switch cfg.SandboxBackend {
	case "docker", "local":
	default:
		return nil, fmt.Errorf("ORBIT_SANDBOX must be \"docker\" or \"local\", got %q", cfg.SandboxBackend)
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("invalid ORBIT_TIMEZONE %q: %w", cfg.DefaultTimezone, err)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
