package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PORT", "DATABASE_URL", "DATABASE_DRIVER", "DATABASE_MAX_RETRIES",
		"DATABASE_TX_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT", "REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC"} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "./contacts.db", cfg.Database.URL)
	assert.Equal(t, 5*time.Second, cfg.Database.TxTimeout)
	assert.Equal(t, 3, cfg.Database.MaxRetries)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := `
server:
  port: "9090"
database:
  driver: postgres
  url: postgres://u:p@localhost:5432/contacts?sslmode=disable
  tx_timeout: 3s
  max_retries: 5
log:
  level: debug
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: contacts
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 3*time.Second, cfg.Database.TxTimeout)
	assert.Equal(t, 5, cfg.Database.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	// untouched sections keep their defaults
	assert.Equal(t, 2*time.Second, cfg.Database.LockTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("DATABASE_URL", "postgresql://db/contacts")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgresql://db/contacts", cfg.Database.URL)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_DotEnvFiles(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("REDIS_URL")
	t.Cleanup(func() { os.Unsetenv("REDIS_URL") })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.env"), []byte("REDIS_URL=redis://cache:6379/0\n"), 0o600))

	cfg, err := Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":    func(c *Config) { c.Database.Driver = "mysql" },
		"empty url":         func(c *Config) { c.Database.URL = "" },
		"zero tx timeout":   func(c *Config) { c.Database.TxTimeout = 0 },
		"zero lock timeout": func(c *Config) { c.Database.LockTimeout = 0 },
		"negative retries":  func(c *Config) { c.Database.MaxRetries = -1 },
		"empty port":        func(c *Config) { c.Server.Port = "" },
		"brokers no topic":  func(c *Config) { c.Kafka.Brokers = []string{"k:9092"}; c.Kafka.Topic = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestDriverFromURL(t *testing.T) {
	assert.Equal(t, DriverPostgres, DriverFromURL("postgres://x"))
	assert.Equal(t, DriverPostgres, DriverFromURL("postgresql://x"))
	assert.Equal(t, DriverSQLite, DriverFromURL("./contacts.db"))
	assert.Equal(t, DriverSQLite, DriverFromURL("file:test.db?cache=shared"))
}
