// Package config provides configuration loading, defaults, and validation
// for the herald router. Values come from a YAML file and HERALD_* environment
// variables, validated with struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components of the
// router: logging, storage, HTTP surfaces, platform access, routing policy,
// dispatch policy, and scheduled tasks.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Router    RouterConfig    `mapstructure:"router"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoggerConfig controls structured logging output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ServerConfig controls the inbound webhook and admin HTTP server.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

// PlatformConfig describes the chat platform the router speaks to.
type PlatformConfig struct {
	// PostMessageURL is the platform's "post message" endpoint.
	PostMessageURL string `mapstructure:"post_message_url" validate:"required,url"`
	// EventStreamURL optionally names a WebSocket event stream to consume in
	// addition to the webhook. Empty disables the stream.
	EventStreamURL string `mapstructure:"event_stream_url" validate:"omitempty,url"`
	// IdentityID selects the registry identity to speak as.
	IdentityID string `mapstructure:"identity_id" validate:"required"`
	// MaxReplyLength is the platform's message length limit; longer replies
	// are truncated with a visible marker.
	MaxReplyLength int           `mapstructure:"max_reply_length" validate:"min=32"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s"`
}

// RouterConfig controls event routing policy.
type RouterConfig struct {
	TriggerPrefix     string        `mapstructure:"trigger_prefix" validate:"required"`
	MentionMarker     string        `mapstructure:"mention_marker" validate:"required"`
	DedupWindow       time.Duration `mapstructure:"dedup_window" validate:"min=1m"`
	WorkerIdleTimeout time.Duration `mapstructure:"worker_idle_timeout" validate:"min=1s"`
	WorkerQueueSize   int           `mapstructure:"worker_queue_size" validate:"min=1"`
}

// DispatchConfig controls backend calls made by the dispatcher.
type DispatchConfig struct {
	CharacterServiceURL string        `mapstructure:"character_service_url" validate:"required,url"`
	SessionServiceURL   string        `mapstructure:"session_service_url" validate:"required,url"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"min=1s,max=2m"`
	// MaxRetries is the number of additional attempts after the first, for
	// retry-safe operations only.
	MaxRetries int `mapstructure:"max_retries" validate:"min=0,max=5"`
}

// TaskConfig enables and schedules one background task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig holds the configuration for all scheduled tasks, keyed by
// task name as registered in the task registry.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// LoadConfig reads configuration from the given YAML file (optional) and
// HERALD_* environment variables, applies defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("HERALD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing config file is fine, defaults plus env apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("database.path", "herald.db")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("platform.identity_id", "herald")
	v.SetDefault("platform.max_reply_length", 4096)
	v.SetDefault("platform.request_timeout", 10*time.Second)

	v.SetDefault("router.trigger_prefix", "/")
	v.SetDefault("router.mention_marker", "@")
	v.SetDefault("router.dedup_window", 10*time.Minute)
	v.SetDefault("router.worker_idle_timeout", 2*time.Minute)
	v.SetDefault("router.worker_queue_size", 32)

	v.SetDefault("dispatch.timeout", 5*time.Second)
	v.SetDefault("dispatch.max_retries", 2)

	v.SetDefault("scheduler.tasks", map[string]TaskConfig{
		"reconcile_bindings": {Enabled: true, Schedule: "0 */5 * * * *"},
		"sql_maintenance":    {Enabled: true, Schedule: "0 0 4 * * *"},
		"prune_dedup":        {Enabled: true, Schedule: "0 */10 * * * *"},
	})
}
