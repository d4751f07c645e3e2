// Package config provides configuration management for the fleet control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Events      EventsConfig      `mapstructure:"events"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Reservation ReservationConfig `mapstructure:"reservation"`
	Health      HealthConfig      `mapstructure:"health"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Restore     RestoreConfig     `mapstructure:"restore"`
	Machines    MachinesConfig    `mapstructure:"machines"`
	Envelope    EnvelopeConfig    `mapstructure:"envelope"`
	Sync        SyncConfig        `mapstructure:"sync"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig selects the durable store. Driver is "sqlite" or "postgres".
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

// EventsConfig selects the cross-process relay backend: "none", "nats" or "postgres".
type EventsConfig struct {
	Relay   string `mapstructure:"relay"`
	Channel string `mapstructure:"channel"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry settings. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// WorkerConfig identifies this process among its peers.
type WorkerConfig struct {
	InstanceID string `mapstructure:"instanceId"`
	// LeaseFactor multiplies a loop's interval to get its lease TTL.
	LeaseFactor int `mapstructure:"leaseFactor"`
	// RunLoops disables the background loops entirely when false (API-only workers).
	RunLoops bool `mapstructure:"runLoops"`
}

type ReservationConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	PoolTarget int           `mapstructure:"poolTarget"`
}

type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ProbeTimeout     time.Duration `mapstructure:"probeTimeout"`
	FailureThreshold int           `mapstructure:"failureThreshold"`
}

type SnapshotConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"maxRetries"`
	LockStaleAfter time.Duration `mapstructure:"lockStaleAfter"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// RestoreConfig bounds automatic error->idle restoration.
type RestoreConfig struct {
	MaxAgentAge    time.Duration `mapstructure:"maxAgentAge"`
	PerOwnerPerDay int           `mapstructure:"perOwnerPerDay"`
}

// MachinesConfig selects the machine driver: "http", "docker" or "sprites".
type MachinesConfig struct {
	Driver       string `mapstructure:"driver"`
	DockerHost   string `mapstructure:"dockerHost"`
	DockerAPI    string `mapstructure:"dockerApiVersion"`
	SnapshotRepo string `mapstructure:"snapshotRepo"`
	SpritesToken string `mapstructure:"spritesToken"`
	SnapshotCmd  string `mapstructure:"snapshotCommand"`
	AgentPort    int    `mapstructure:"agentPort"`
}

// EnvelopeConfig holds the age identity used to open agent replies and the
// recipient used to seal requests to agents.
type EnvelopeConfig struct {
	Identity  string        `mapstructure:"identity"`
	Recipient string        `mapstructure:"recipient"`
	MaxAge    time.Duration `mapstructure:"maxAge"`
}

type SyncConfig struct {
	PongWait   time.Duration `mapstructure:"pongWait"`
	SendBuffer int           `mapstructure:"sendBuffer"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ARIANA_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./ariana.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ariana")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "ariana")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("events.relay", "none")
	v.SetDefault("events.channel", "ariana_events")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ariana-worker")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "ariana")

	v.SetDefault("worker.instanceId", "")
	v.SetDefault("worker.leaseFactor", 3)
	v.SetDefault("worker.runLoops", true)

	v.SetDefault("reservation.interval", 2*time.Second)
	v.SetDefault("reservation.poolTarget", 5)

	v.SetDefault("health.interval", 10*time.Second)
	v.SetDefault("health.probeTimeout", 3*time.Second)
	v.SetDefault("health.failureThreshold", 3)

	v.SetDefault("snapshot.interval", 60*time.Second)
	v.SetDefault("snapshot.timeout", 5*time.Minute)
	v.SetDefault("snapshot.maxRetries", 5)
	v.SetDefault("snapshot.lockStaleAfter", 10*time.Minute)
	v.SetDefault("snapshot.concurrency", 4)

	v.SetDefault("restore.maxAgentAge", 48*time.Hour)
	v.SetDefault("restore.perOwnerPerDay", 1)

	v.SetDefault("machines.driver", "http")
	v.SetDefault("machines.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("machines.dockerApiVersion", "")
	v.SetDefault("machines.snapshotRepo", "ariana/snapshots")
	v.SetDefault("machines.spritesToken", "")
	v.SetDefault("machines.snapshotCommand", "ariana-snapshot")
	v.SetDefault("machines.agentPort", 8911)

	v.SetDefault("envelope.identity", "")
	v.SetDefault("envelope.recipient", "")
	v.SetDefault("envelope.maxAge", 5*time.Minute)

	v.SetDefault("sync.pongWait", 60*time.Second)
	v.SetDefault("sync.sendBuffer", 256)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads configuration, also searching configPath for config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARIANA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "ARIANA_TRACING_ENDPOINT")
	_ = v.BindEnv("machines.spritesToken", "SPRITES_TOKEN", "ARIANA_MACHINES_SPRITESTOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ariana/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for postgres")
		}
		if cfg.Database.User == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.user and database.dbName are required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Events.Relay {
	case "none":
	case "nats":
		if cfg.NATS.URL == "" {
			errs = append(errs, "nats.url is required when events.relay is nats")
		}
	case "postgres":
		if cfg.Database.Driver != "postgres" {
			errs = append(errs, "events.relay postgres requires database.driver postgres")
		}
	default:
		errs = append(errs, "events.relay must be one of: none, nats, postgres")
	}

	if cfg.Worker.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.Worker.InstanceID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if cfg.Worker.LeaseFactor < 2 {
		errs = append(errs, "worker.leaseFactor must be at least 2")
	}

	if cfg.Reservation.Interval <= 0 || cfg.Health.Interval <= 0 || cfg.Snapshot.Interval <= 0 {
		errs = append(errs, "loop intervals must be positive")
	}
	if cfg.Health.ProbeTimeout <= 0 {
		errs = append(errs, "health.probeTimeout must be positive")
	}
	if cfg.Health.FailureThreshold <= 0 {
		errs = append(errs, "health.failureThreshold must be positive")
	}
	if cfg.Snapshot.MaxRetries <= 0 {
		errs = append(errs, "snapshot.maxRetries must be positive")
	}
	if cfg.Snapshot.Concurrency <= 0 {
		cfg.Snapshot.Concurrency = 1
	}

	switch cfg.Machines.Driver {
	case "http", "docker":
	case "sprites":
		if cfg.Machines.SpritesToken == "" {
			errs = append(errs, "machines.spritesToken is required for the sprites driver")
		}
	default:
		errs = append(errs, "machines.driver must be one of: http, docker, sprites")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the postgres connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
