package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported values for DatabaseConfig.Driver.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body"`
}

// DatabaseConfig selects the driver and bounds connections and transactions.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
}

// LogConfig sets the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig enables the view cache when URL is set.
type RedisConfig struct {
	URL     string        `yaml:"url"`
	ViewTTL time.Duration `yaml:"view_ttl"`
}

// KafkaConfig enables event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20,
		},
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			URL:             "./contacts.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			TxTimeout:       5 * time.Second,
			LockTimeout:     2 * time.Second,
			MaxRetries:      3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			ViewTTL: time.Minute,
		},
		Kafka: KafkaConfig{
			Topic: "contact-events",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads .env files from envDir (if any), the optional YAML file at path, and
// finally applies environment overrides.
func Load(path, envDir string) (*Config, error) {
	if envDir != "" {
		envFiles, err := filepath.Glob(filepath.Join(envDir, "*.env"))
		if err != nil {
			return nil, fmt.Errorf("failed to list env files: %w", err)
		}
		if len(envFiles) > 0 {
			if err := godotenv.Load(envFiles...); err != nil {
				return nil, fmt.Errorf("failed to load env files: %w", err)
			}
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
		c.Database.Driver = DriverFromURL(v)
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Database.MaxRetries = n
		}
	}
	if v := os.Getenv("DATABASE_TX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Database.TxTimeout = d
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Database.TxTimeout <= 0 {
		return fmt.Errorf("database tx_timeout must be positive")
	}
	if c.Database.LockTimeout <= 0 {
		return fmt.Errorf("database lock_timeout must be positive")
	}
	if c.Database.MaxRetries < 0 {
		return fmt.Errorf("database max_retries must not be negative")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DriverFromURL picks postgres for postgres URLs and sqlite for anything else,
// which is treated as a file path.
func DriverFromURL(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
