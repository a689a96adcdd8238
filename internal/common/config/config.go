// Package config provides configuration management for the control plane.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Spawner  SpawnerConfig  `mapstructure:"spawner"`
	Cron     CronConfig     `mapstructure:"cron"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration. When Host is empty
// the store falls back to SQLite at Path (or in-memory when Path is empty).
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
	Path     string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds the outbound event sink configuration.
type EventsConfig struct {
	SinkURL     string `mapstructure:"sinkUrl"`
	Enabled     bool   `mapstructure:"enabled"`
	Source      string `mapstructure:"source"`
	TimeoutSecs int    `mapstructure:"timeoutSecs"`
	MaxRetries  int    `mapstructure:"maxRetries"`
}

// SpawnerConfig holds session-worker spawner configuration.
type SpawnerConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Driver            string `mapstructure:"driver"` // knative, docker
	Namespace         string `mapstructure:"namespace"`
	TemplateConfigMap string `mapstructure:"templateConfigMap"`
	TemplatePath      string `mapstructure:"templatePath"` // local YAML file, dev only
	WorkerImage       string `mapstructure:"workerImage"`  // docker driver
	DockerNetwork     string `mapstructure:"dockerNetwork"`
}

// CronConfig holds cron scheduling configuration.
type CronConfig struct {
	Driver              string `mapstructure:"driver"` // app, knative, disabled
	InternalToken       string `mapstructure:"internalToken"`
	Namespace           string `mapstructure:"namespace"`
	AllowCrossNamespace bool   `mapstructure:"allowCrossNamespace"`
	CallbackBaseURL     string `mapstructure:"callbackBaseUrl"`
	TriggerImage        string `mapstructure:"triggerImage"`
}

// RoutingConfig holds the policy engine configuration snapshot.
type RoutingConfig struct {
	AutoModel           bool   `mapstructure:"autoModel"`
	ModelFast           string `mapstructure:"modelFast"`
	ModelBalanced       string `mapstructure:"modelBalanced"`
	ModelHeavy          string `mapstructure:"modelHeavy"`
	QuickMax            int    `mapstructure:"quickMax"`
	DeepMin             int    `mapstructure:"deepMin"`
	PersonalityAgents   string `mapstructure:"personalityAgents"` // JSON object
	PersonalityModels   string `mapstructure:"personalityModels"` // JSON object
	DefaultSubcallModel string `mapstructure:"defaultSubcallModel"`
	FallbackChain       string `mapstructure:"fallbackChain"` // comma-separated provider:model list
	ControllerFallback  bool   `mapstructure:"controllerFallback"`
}

// StreamConfig holds push-fabric tuning.
type StreamConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds
	BufferSize        int `mapstructure:"bufferSize"`
	LivenessTimeout   int `mapstructure:"livenessTimeout"`  // seconds
	ClaimGracePeriod  int `mapstructure:"claimGracePeriod"` // seconds
	ResweepInterval   int `mapstructure:"resweepInterval"`  // seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the outbound publish timeout as a time.Duration.
func (e *EventsConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (s *StreamConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// LivenessTimeoutDuration returns the liveness timeout as a time.Duration.
func (s *StreamConfig) LivenessTimeoutDuration() time.Duration {
	return time.Duration(s.LivenessTimeout) * time.Second
}

// ClaimGraceDuration returns the claim grace period as a time.Duration.
func (s *StreamConfig) ClaimGraceDuration() time.Duration {
	return time.Duration(s.ClaimGracePeriod) * time.Second
}

// ResweepIntervalDuration returns the re-advertisement sweep interval.
func (s *StreamConfig) ResweepIntervalDuration() time.Duration {
	return time.Duration(s.ResweepInterval) * time.Second
}

// PersonalityAgentMap decodes the personality->agent JSON map.
func (r *RoutingConfig) PersonalityAgentMap() map[string]string {
	return decodeJSONMap(r.PersonalityAgents)
}

// PersonalityModelMap decodes the personality->model JSON map.
func (r *RoutingConfig) PersonalityModelMap() map[string]string {
	return decodeJSONMap(r.PersonalityModels)
}

// FallbackModels returns the ordered fallback chain.
func (r *RoutingConfig) FallbackModels() []string {
	if r.FallbackChain == "" {
		return nil
	}
	parts := strings.Split(r.FallbackChain, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeJSONMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]string{}
	}
	return m
}

// detectDefaultLogFormat returns "json" in cluster/production environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means SQLite
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskplane")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskplane")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.path", "taskplane.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskplane-controlplane")
	v.SetDefault("nats.maxReconnects", 10)

	// Outbound events - disabled by default for local development
	v.SetDefault("events.sinkUrl", "")
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.source", "taskplane/controlplane")
	v.SetDefault("events.timeoutSecs", 10)
	v.SetDefault("events.maxRetries", 3)

	// Spawner defaults
	v.SetDefault("spawner.enabled", false)
	v.SetDefault("spawner.driver", "knative")
	v.SetDefault("spawner.namespace", "taskplane")
	v.SetDefault("spawner.templateConfigMap", "taskplane-worker-templates")
	v.SetDefault("spawner.templatePath", "")
	v.SetDefault("spawner.workerImage", "taskplane/session-worker:latest")
	v.SetDefault("spawner.dockerNetwork", "taskplane-network")

	// Cron defaults
	v.SetDefault("cron.driver", "disabled")
	v.SetDefault("cron.internalToken", "")
	v.SetDefault("cron.namespace", "taskplane")
	v.SetDefault("cron.allowCrossNamespace", false)
	v.SetDefault("cron.callbackBaseUrl", "http://taskplane-controlplane:8080")
	v.SetDefault("cron.triggerImage", "curlimages/curl:8.5.0")

	// Routing defaults
	v.SetDefault("routing.autoModel", false)
	v.SetDefault("routing.modelFast", "")
	v.SetDefault("routing.modelBalanced", "")
	v.SetDefault("routing.modelHeavy", "")
	v.SetDefault("routing.quickMax", 1)
	v.SetDefault("routing.deepMin", 6)
	v.SetDefault("routing.personalityAgents", "")
	v.SetDefault("routing.personalityModels", "")
	v.SetDefault("routing.defaultSubcallModel", "")
	v.SetDefault("routing.fallbackChain", "")
	v.SetDefault("routing.controllerFallback", false)

	// Stream defaults
	v.SetDefault("stream.heartbeatInterval", 20)
	v.SetDefault("stream.bufferSize", 64)
	v.SetDefault("stream.livenessTimeout", 60)
	v.SetDefault("stream.claimGracePeriod", 120)
	v.SetDefault("stream.resweepInterval", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix TASKPLANE_ with snake_case
// naming. Config file should be named config.yaml and placed in the current
// directory or /etc/taskplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys whose env var naming
	// differs from what AutomaticEnv derives.
	_ = v.BindEnv("events.sinkUrl", "TASKPLANE_EVENTS_SINK_URL")
	_ = v.BindEnv("spawner.templateConfigMap", "TASKPLANE_SPAWNER_TEMPLATE_CONFIGMAP")
	_ = v.BindEnv("cron.internalToken", "TASKPLANE_CRON_INTERNAL_TOKEN")
	_ = v.BindEnv("cron.allowCrossNamespace", "TASKPLANE_CRON_ALLOW_CROSS_NAMESPACE")
	_ = v.BindEnv("cron.callbackBaseUrl", "TASKPLANE_CRON_CALLBACK_BASE_URL")
	_ = v.BindEnv("routing.autoModel", "TASKPLANE_ROUTING_AUTO_MODEL")
	_ = v.BindEnv("routing.modelFast", "TASKPLANE_ROUTING_MODEL_FAST")
	_ = v.BindEnv("routing.modelBalanced", "TASKPLANE_ROUTING_MODEL_BALANCED")
	_ = v.BindEnv("routing.modelHeavy", "TASKPLANE_ROUTING_MODEL_HEAVY")
	_ = v.BindEnv("routing.personalityAgents", "TASKPLANE_ROUTING_PERSONALITY_AGENTS")
	_ = v.BindEnv("routing.personalityModels", "TASKPLANE_ROUTING_PERSONALITY_MODELS")
	_ = v.BindEnv("routing.defaultSubcallModel", "TASKPLANE_ROUTING_DEFAULT_SUBCALL_MODEL")
	_ = v.BindEnv("routing.fallbackChain", "TASKPLANE_ROUTING_FALLBACK_CHAIN")
	_ = v.BindEnv("routing.controllerFallback", "TASKPLANE_ROUTING_CONTROLLER_FALLBACK")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskplane/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Events.Enabled && cfg.Events.SinkURL == "" {
		errs = append(errs, "events.sinkUrl is required when events.enabled is true")
	}

	switch cfg.Spawner.Driver {
	case "knative", "docker":
	default:
		errs = append(errs, "spawner.driver must be one of: knative, docker")
	}

	switch cfg.Cron.Driver {
	case "app", "knative", "disabled":
	default:
		errs = append(errs, "cron.driver must be one of: app, knative, disabled")
	}
	if cfg.Cron.Driver == "knative" && cfg.Cron.InternalToken == "" {
		errs = append(errs, "cron.internalToken is required when cron.driver is knative")
	}

	if cfg.Routing.QuickMax >= cfg.Routing.DeepMin {
		errs = append(errs, "routing.quickMax must be less than routing.deepMin")
	}

	if cfg.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, "stream.heartbeatInterval must be positive")
	}
	if cfg.Stream.BufferSize <= 0 {
		errs = append(errs, "stream.bufferSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// UsePostgres reports whether a PostgreSQL host is configured.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}
