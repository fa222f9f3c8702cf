package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/expsync/go/internal/clocksync"
	"github.com/mcdev12/expsync/go/internal/connection"
	"github.com/mcdev12/expsync/go/internal/logqueue"
	"github.com/mcdev12/expsync/go/internal/progression"
	"github.com/mcdev12/expsync/go/internal/protocol"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

// Config is the client runner configuration. Zero values in the file keep
// the defaults.
type Config struct {
	Namespace string        `yaml:"namespace"`
	Role      protocol.Role `yaml:"role"`
	SessionID string        `yaml:"session_id"`
	LogLevel  string        `yaml:"log_level"`
	StorePath string        `yaml:"store_path"`

	Coordinator struct {
		WebSocketURL string `yaml:"websocket_url"`
		TimeURL      string `yaml:"time_url"`
		CollectorURL string `yaml:"collector_url"`
		HealthURL    string `yaml:"health_url"`
	} `yaml:"coordinator"`

	Redis struct {
		URL string        `yaml:"url"`
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Sequence struct {
		Path         string `yaml:"path"`
		ExperimentID string `yaml:"experiment_id"`
	} `yaml:"sequence"`

	Connection struct {
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	} `yaml:"connection"`

	ClockSync struct {
		ResyncInterval time.Duration `yaml:"resync_interval"`
	} `yaml:"clock_sync"`

	Progression struct {
		DedupWindow time.Duration `yaml:"dedup_window"`
	} `yaml:"progression"`

	Queue struct {
		MaxPending          int           `yaml:"max_pending"`
		FlushInterval       time.Duration `yaml:"flush_interval"`
		FlushAllTimeout     time.Duration `yaml:"flush_all_timeout"`
		MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	} `yaml:"queue"`
}

// Default returns a config for a viewer talking to a local coordinator
func Default() Config {
	var c Config
	c.Namespace = "expsync"
	c.Role = protocol.RoleViewer
	c.LogLevel = "info"
	c.StorePath = "expsync.db"
	c.Coordinator.WebSocketURL = "ws://localhost:8080/ws"
	c.Coordinator.TimeURL = "http://localhost:8080/api/time"
	c.Coordinator.CollectorURL = "http://localhost:8080/api/logs"
	c.Coordinator.HealthURL = "http://localhost:8080/health"
	c.Redis.TTL = 24 * time.Hour
	return c
}

// Load reads path (when non-empty) over the defaults and then applies
// EXPSYNC_* environment overrides
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Namespace = getEnv("EXPSYNC_NAMESPACE", c.Namespace)
	c.Role = protocol.Role(getEnv("EXPSYNC_ROLE", string(c.Role)))
	c.SessionID = getEnv("EXPSYNC_SESSION_ID", c.SessionID)
	c.LogLevel = getEnv("EXPSYNC_LOG_LEVEL", c.LogLevel)
	c.StorePath = getEnv("EXPSYNC_STORE_PATH", c.StorePath)
	c.Coordinator.WebSocketURL = getEnv("EXPSYNC_WEBSOCKET_URL", c.Coordinator.WebSocketURL)
	c.Coordinator.TimeURL = getEnv("EXPSYNC_TIME_URL", c.Coordinator.TimeURL)
	c.Coordinator.CollectorURL = getEnv("EXPSYNC_COLLECTOR_URL", c.Coordinator.CollectorURL)
	c.Coordinator.HealthURL = getEnv("EXPSYNC_HEALTH_URL", c.Coordinator.HealthURL)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Sequence.Path = getEnv("EXPSYNC_SEQUENCE_PATH", c.Sequence.Path)
	c.Sequence.ExperimentID = getEnv("EXPSYNC_EXPERIMENT_ID", c.Sequence.ExperimentID)
	c.Queue.MaxPending = getEnvAsInt("EXPSYNC_MAX_PENDING_LOGS", c.Queue.MaxPending)
}

// Validate checks the fields every component depends on
func (c Config) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, c.Role)
	}
	if c.Coordinator.WebSocketURL == "" {
		return fmt.Errorf("%w: coordinator.websocket_url is required", ErrInvalid)
	}
	if c.Coordinator.CollectorURL == "" {
		return fmt.Errorf("%w: coordinator.collector_url is required", ErrInvalid)
	}
	if c.StorePath == "" {
		return fmt.Errorf("%w: store_path is required", ErrInvalid)
	}
	return nil
}

// ConnectionConfig overlays the configured values on the manager defaults
func (c Config) ConnectionConfig() connection.Config {
	out := connection.DefaultConfig()
	setDuration(&out.HeartbeatInterval, c.Connection.HeartbeatInterval)
	setDuration(&out.HeartbeatTimeout, c.Connection.HeartbeatTimeout)
	setDuration(&out.ReconnectBaseDelay, c.Connection.ReconnectBaseDelay)
	setInt(&out.MaxReconnectAttempts, c.Connection.MaxReconnectAttempts)
	return out
}

func (c Config) ClockSyncConfig() clocksync.Config {
	out := clocksync.DefaultConfig()
	setDuration(&out.ResyncInterval, c.ClockSync.ResyncInterval)
	return out
}

func (c Config) ProgressionConfig() progression.Config {
	out := progression.DefaultConfig()
	setDuration(&out.DedupWindow, c.Progression.DedupWindow)
	return out
}

func (c Config) QueueConfig() logqueue.Config {
	out := logqueue.DefaultConfig()
	setInt(&out.MaxPending, c.Queue.MaxPending)
	setDuration(&out.FlushInterval, c.Queue.FlushInterval)
	setDuration(&out.FlushAllTimeout, c.Queue.FlushAllTimeout)
	setInt(&out.MaxRecoveryAttempts, c.Queue.MaxRecoveryAttempts)
	return out
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
