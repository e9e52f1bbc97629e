package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[app]
httpAddr = ":9090"
baseURL = "https://ci.example.com"
sweepInterval = "45s"

[database]
driver = "mysql"
dsn = "kestrel:kestrel@tcp(db:3306)/kestrel?parseTime=true"

[kafka]
brokers = ["kafka-0:9092", "kafka-1:9092"]

[etcd]
enabled = true
endpoints = ["etcd:2379"]
dialTimeout = "2s"

[vault]
enabled = true
addr = "http://vault:8200"
token = "root"

[log]
level = "debug"
format = "json"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.App.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.App.SweepInterval)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, ":8084", cfg.App.MetricsAddr)
	assert.Equal(t, "kestreld", cfg.Kafka.ConsumerGroup)
	assert.Equal(t, "workflow-status", cfg.Kafka.TopicStatus)
	assert.False(t, cfg.Etcd.Enabled)
	assert.False(t, cfg.Vault.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.App.HTTPAddr)
	assert.Equal(t, "https://ci.example.com", cfg.App.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.App.SweepInterval)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, []string{"kafka-0:9092", "kafka-1:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Etcd.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Etcd.DialTimeout)
	assert.Equal(t, "http://vault:8200", cfg.Vault.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_DATABASE_DRIVER", "mysql")
	t.Setenv("KESTREL_DATABASE_DSN", "u:p@tcp(localhost:3306)/kestrel")
	t.Setenv("KESTREL_APP_HTTPADDR", ":7777")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, ":7777", cfg.App.HTTPAddr)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Database.Driver = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "unsupported database driver")

	cfg = base()
	cfg.Kafka.Brokers = nil
	assert.ErrorContains(t, cfg.Validate(), "kafka.brokers")

	cfg = base()
	cfg.Etcd.Enabled = true
	cfg.Etcd.Endpoints = nil
	assert.ErrorContains(t, cfg.Validate(), "etcd.endpoints")

	cfg = base()
	cfg.Vault.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "vault.addr")

	cfg = base()
	cfg.App.SweepInterval = 0
	assert.ErrorContains(t, cfg.Validate(), "sweepInterval")
}
