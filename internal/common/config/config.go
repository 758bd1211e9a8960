// Package config provides configuration management for the controlplane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the controlplane.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Health     HealthConfig     `mapstructure:"health"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Listener   ListenerConfig   `mapstructure:"listener"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the read-only admin HTTP surface configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration used by the lifecycle
// manager to provision TaskRuntime containers.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// RuntimeConfig controls TaskRuntime provisioning and scaling behavior.
type RuntimeConfig struct {
	Image                   string `mapstructure:"image"`
	MaxParallelRunsDefault  int    `mapstructure:"maxParallelRunsDefault"`
	IdleScaleDownSeconds    int    `mapstructure:"idleScaleDownSeconds"`
	MinWarmRuntimes         int    `mapstructure:"minWarmRuntimes"`
	ProvisionTimeoutSeconds int    `mapstructure:"provisionTimeoutSeconds"`
	RestartBackoffSeconds   int    `mapstructure:"restartBackoffSeconds"`
}

// HealthConfig controls the Health Supervisor's polling cadence,
// incident retention and remediation policy.
type HealthConfig struct {
	ProbeIntervalSeconds       int    `mapstructure:"probeIntervalSeconds"`
	IncidentBufferSize         int    `mapstructure:"incidentBufferSize"`
	UnhealthyThreshold         int    `mapstructure:"unhealthyThreshold"`
	HeartbeatStaleAfterSeconds int    `mapstructure:"heartbeatStaleAfterSeconds"`
	RestartLimit               int    `mapstructure:"restartLimit"`
	RemediationCooldownSeconds int    `mapstructure:"remediationCooldownSeconds"`
	UnhealthyAction            string  `mapstructure:"unhealthyAction"`
	ReadinessDegradeSeconds    int     `mapstructure:"readinessDegradeSeconds"`
	ReadinessBadRatio          float64 `mapstructure:"readinessBadRatio"`
}

// RetentionConfig controls the retention cleanup loop.
type RetentionConfig struct {
	SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"`
	RunRetentionDays     int `mapstructure:"runRetentionDays"`
	EventRetentionDays   int `mapstructure:"eventRetentionDays"`
	BatchSize            int `mapstructure:"batchSize"`

	CleanupProtectedDays   int   `mapstructure:"cleanupProtectedDays"`
	ExcludeOpenFindings    bool  `mapstructure:"excludeOpenFindings"`
	DBSoftLimitBytes       int64 `mapstructure:"dbSoftLimitBytes"`
	DBSoftLimitTargetBytes int64 `mapstructure:"dbSoftLimitTargetBytes"`
	VacuumMinDeletedRows   int   `mapstructure:"vacuumMinDeletedRows"`

	// MaxTasksDeletedPerTick caps total task deletions from size-pressure
	// relief in a single cleanup cycle, so a database far over its soft
	// limit is brought down gradually across several sweeps rather than in
	// one long-running cycle.
	MaxTasksDeletedPerTick int `mapstructure:"maxTasksDeletedPerTick"`
	// SizePressureBatchSize is the number of candidate tasks fetched and
	// deleted per iteration of the size-pressure loop.
	SizePressureBatchSize int `mapstructure:"sizePressureBatchSize"`
}

// RecoveryConfig controls the Recovery Service's startup and periodic
// sweep of orphaned runs, stale/zombie/overdue runs, and containers left
// behind by a prior process.
type RecoveryConfig struct {
	Enabled                   bool `mapstructure:"enabled"`
	IntervalSeconds           int  `mapstructure:"intervalSeconds"`
	StaleRunThresholdMinutes  int  `mapstructure:"staleRunThresholdMinutes"`
	ZombieRunThresholdMinutes int  `mapstructure:"zombieRunThresholdMinutes"`
	MaxRunAgeHours            int  `mapstructure:"maxRunAgeHours"`
}

// DispatcherConfig controls the run dispatcher and queue drainer.
type DispatcherConfig struct {
	PollIntervalMillis int `mapstructure:"pollIntervalMillis"`
	MaxInFlightPerTask int `mapstructure:"maxInFlightPerTask"`
}

// ListenerConfig controls the Runtime Event Listener's connection
// supervision and artifact assembly caps.
type ListenerConfig struct {
	ReconnectBackoffSeconds int   `mapstructure:"reconnectBackoffSeconds"`
	BackfillPageSize        int   `mapstructure:"backfillPageSize"`
	MaxArtifactBytes        int64 `mapstructure:"maxArtifactBytes"`
	MaxRunBytes             int64 `mapstructure:"maxRunBytes"`
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

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./controlplane.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskctl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskctl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "taskctl-cluster")
	v.SetDefault("nats.clientId", "taskctl-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "taskctl-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())

	v.SetDefault("runtime.image", "ghcr.io/taskctl/task-runtime:latest")
	v.SetDefault("runtime.maxParallelRunsDefault", 1)
	v.SetDefault("runtime.idleScaleDownSeconds", 600)
	v.SetDefault("runtime.minWarmRuntimes", 0)
	v.SetDefault("runtime.provisionTimeoutSeconds", 120)
	v.SetDefault("runtime.restartBackoffSeconds", 5)

	v.SetDefault("health.probeIntervalSeconds", 15)
	v.SetDefault("health.incidentBufferSize", 200)
	v.SetDefault("health.unhealthyThreshold", 3)
	v.SetDefault("health.heartbeatStaleAfterSeconds", 30)
	v.SetDefault("health.restartLimit", 3)
	v.SetDefault("health.remediationCooldownSeconds", 60)
	v.SetDefault("health.unhealthyAction", "restart")
	v.SetDefault("health.readinessDegradeSeconds", 30)
	v.SetDefault("health.readinessBadRatio", 0.5)

	v.SetDefault("retention.sweepIntervalSeconds", 3600)
	v.SetDefault("retention.runRetentionDays", 30)
	v.SetDefault("retention.eventRetentionDays", 30)
	v.SetDefault("retention.batchSize", 500)
	v.SetDefault("retention.cleanupProtectedDays", 7)
	v.SetDefault("retention.excludeOpenFindings", false)
	v.SetDefault("retention.dbSoftLimitBytes", int64(2<<30))
	v.SetDefault("retention.vacuumMinDeletedRows", 1000)
	v.SetDefault("retention.maxTasksDeletedPerTick", 100)
	v.SetDefault("retention.sizePressureBatchSize", 25)

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.intervalSeconds", 600)
	v.SetDefault("recovery.staleRunThresholdMinutes", 60)
	v.SetDefault("recovery.zombieRunThresholdMinutes", 240)
	v.SetDefault("recovery.maxRunAgeHours", 24)

	v.SetDefault("dispatcher.pollIntervalMillis", 500)
	v.SetDefault("dispatcher.maxInFlightPerTask", 1)

	v.SetDefault("listener.reconnectBackoffSeconds", 2)
	v.SetDefault("listener.backfillPageSize", 200)
	v.SetDefault("listener.maxArtifactBytes", 100*1024*1024)
	v.SetDefault("listener.maxRunBytes", 250*1024*1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "taskctl", "volumes")
	}
	return "/var/lib/taskctl/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKCTL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskctl/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "TASKCTL_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "TASKCTL_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskctl/")

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

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Retention.RunRetentionDays <= 0 {
		errs = append(errs, "retention.runRetentionDays must be positive")
	}
	if cfg.Health.IncidentBufferSize <= 0 {
		errs = append(errs, "health.incidentBufferSize must be positive")
	}
	validActions := map[string]bool{"restart": true, "recreate": true, "quarantine": true}
	if !validActions[strings.ToLower(cfg.Health.UnhealthyAction)] {
		errs = append(errs, "health.unhealthyAction must be one of: restart, recreate, quarantine")
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
