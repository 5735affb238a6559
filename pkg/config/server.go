package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds runtime configuration for the orchestrator.
type ServerConfig struct {
	Environment      string
	Addr             string
	ProxyAddr        string
	DataDir          string
	DatabasePath     string
	WorkspaceRoot    string
	DockerHost       string
	DockerEnabled    bool
	EnvEncryptionKey string
	AdminToken       string
	WebhookSecret    string
	DomainSuffix     string
	LogLevel         string

	PortRangeStart int
	PortRangeEnd   int

	CloneTimeout           time.Duration
	BuildTimeout           time.Duration
	StartTimeout           time.Duration
	HealthTimeout          time.Duration
	HealthInterval         time.Duration
	HealthSuccessThreshold int
	HealthFailureThreshold int
	DrainGrace             time.Duration

	SupervisorHealthInterval time.Duration
	SupervisorFailures       int
	SupervisorStopTimeout    time.Duration
	RestartBackoffBase       time.Duration
	RestartBackoffMax        time.Duration
	RestartStableAfter       time.Duration
	SampleInterval           time.Duration

	SleepSweepInterval time.Duration
	SleepDefaultAfter  time.Duration
	WakeTimeout        time.Duration
	ReconcileInterval  time.Duration
	LogRetention       time.Duration
	ShutdownTimeout    time.Duration

	NATSURL      string
	NATSEmbedded bool
	NATSPort     int
	NotifyURL    string
	NotifyToken  string

	envErr error
}

// LoadDotEnv loads the given .env files into the process environment without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadServerConfig constructs a ServerConfig from environment variables. Unparsable values
// fall back to their defaults and are reported by Validate.
func LoadServerConfig() ServerConfig {
	env := NewEnv()
	dataDir := env.String("DATA_DIR", "./data")
	cfg := ServerConfig{
		Environment:      env.String("APP_ENV", "development"),
		Addr:             env.String("API_ADDR", ":7070"),
		ProxyAddr:        env.String("PROXY_ADDR", ":8080"),
		DataDir:          dataDir,
		DatabasePath:     env.String("DATABASE_PATH", filepath.Join(dataDir, "sitekeeper.db")),
		WorkspaceRoot:    env.String("WORKSPACE_ROOT", filepath.Join(dataDir, "workspaces")),
		DockerHost:       env.String("DOCKER_HOST", ""),
		DockerEnabled:    env.Bool("DOCKER_ENABLED", true),
		EnvEncryptionKey: env.String("ENV_ENCRYPTION_KEY", ""),
		AdminToken:       env.String("ADMIN_TOKEN", ""),
		WebhookSecret:    env.String("GIT_WEBHOOK_SECRET", ""),
		DomainSuffix:     env.String("DOMAIN_SUFFIX", ".localhost"),
		LogLevel:         env.String("LOG_LEVEL", "info"),

		PortRangeStart: env.Int("PORT_RANGE_START", 20000),
		PortRangeEnd:   env.Int("PORT_RANGE_END", 29999),

		CloneTimeout:           env.Duration("CLONE_TIMEOUT_SECONDS", time.Second, 120),
		BuildTimeout:           env.Duration("BUILD_TIMEOUT_SECONDS", time.Second, 900),
		StartTimeout:           env.Duration("START_TIMEOUT_SECONDS", time.Second, 60),
		HealthTimeout:          env.Duration("HEALTH_TIMEOUT_SECONDS", time.Second, 60),
		HealthInterval:         env.Duration("HEALTH_INTERVAL_MS", time.Millisecond, 500),
		HealthSuccessThreshold: env.Int("HEALTH_SUCCESS_THRESHOLD", 2),
		HealthFailureThreshold: env.Int("HEALTH_FAILURE_THRESHOLD", 0),
		DrainGrace:             env.Duration("DRAIN_GRACE_SECONDS", time.Second, 10),

		SupervisorHealthInterval: env.Duration("SUPERVISOR_HEALTH_INTERVAL_SECONDS", time.Second, 10),
		SupervisorFailures:       env.Int("SUPERVISOR_FAILURE_THRESHOLD", 3),
		SupervisorStopTimeout:    env.Duration("SUPERVISOR_STOP_TIMEOUT_SECONDS", time.Second, 10),
		RestartBackoffBase:       env.Duration("RESTART_BACKOFF_BASE_MS", time.Millisecond, 1000),
		RestartBackoffMax:        env.Duration("RESTART_BACKOFF_MAX_SECONDS", time.Second, 60),
		RestartStableAfter:       env.Duration("RESTART_STABLE_SECONDS", time.Second, 120),
		SampleInterval:           env.Duration("SAMPLE_INTERVAL_SECONDS", time.Second, 15),

		SleepSweepInterval: env.Duration("SLEEP_SWEEP_SECONDS", time.Second, 60),
		SleepDefaultAfter:  env.Duration("SLEEP_DEFAULT_MINUTES", time.Minute, 30),
		WakeTimeout:        env.Duration("WAKE_TIMEOUT_SECONDS", time.Second, 30),
		ReconcileInterval:  env.Duration("RECONCILE_INTERVAL_SECONDS", time.Second, 30),
		LogRetention:       env.Duration("LOG_RETENTION_HOURS", time.Hour, 168),
		ShutdownTimeout:    env.Duration("SHUTDOWN_TIMEOUT_SECONDS", time.Second, 20),

		NATSURL:      env.String("NATS_URL", ""),
		NATSEmbedded: env.Bool("NATS_EMBEDDED", false),
		NATSPort:     env.Int("NATS_PORT", 4222),
		NotifyURL:    env.String("NOTIFY_URL", ""),
		NotifyToken:  env.String("NOTIFY_TOKEN", ""),
	}
	cfg.envErr = env.Err()
	return cfg
}

// Validate rejects configurations the server cannot start with.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.envErr != nil {
		errs = append(errs, c.envErr)
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd))
	}
	if c.HealthSuccessThreshold < 1 {
		errs = append(errs, errors.New("HEALTH_SUCCESS_THRESHOLD must be at least 1"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if c.Environment == "production" && c.AdminToken == "" {
		errs = append(errs, errors.New("ADMIN_TOKEN is required in production"))
	}
	return errors.Join(errs...)
}
