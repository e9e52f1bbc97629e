// Package config loads the daemon configuration from config.toml with
// KESTREL_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Vault     VaultConfig     `mapstructure:"vault"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type AppConfig struct {
	HTTPAddr      string        `mapstructure:"httpAddr"`
	MetricsAddr   string        `mapstructure:"metricsAddr"`
	BaseURL       string        `mapstructure:"baseURL"`
	SourceCache   string        `mapstructure:"sourceCache"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	ConsumerGroup      string   `mapstructure:"consumerGroup"`
	TopicInvocations   string   `mapstructure:"topicInvocations"`
	TopicCancellations string   `mapstructure:"topicCancellations"`
	TopicStatus        string   `mapstructure:"topicStatus"`
}

type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

type MongoConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
}

type GitHubConfig struct {
	APIBase string `mapstructure:"apiBase"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	Insecure     bool   `mapstructure:"insecure"`
	SentryDSN    string `mapstructure:"sentryDSN"`
}

// Load reads the config file at path, or config.toml from ./ and
// ./config when path is empty. A missing file is fine, defaults and
// KESTREL_ env vars cover everything.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.httpAddr", ":8080")
	v.SetDefault("app.metricsAddr", ":8084")
	v.SetDefault("app.baseURL", "")
	v.SetDefault("app.sourceCache", "")
	v.SetDefault("app.sweepInterval", "30s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "kestrel.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumerGroup", "kestreld")
	v.SetDefault("kafka.topicInvocations", "workflow-invocations")
	v.SetDefault("kafka.topicCancellations", "workflow-cancellations")
	v.SetDefault("kafka.topicStatus", "workflow-status")

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dialTimeout", "5s")

	v.SetDefault("mongo.enabled", false)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "kestrel")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.addr", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.mount", "secret")

	v.SetDefault("github.apiBase", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("telemetry.otlpEndpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sentryDSN", "")
}

// Validate catches config mistakes at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q (expected mysql|sqlite)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is empty")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is empty")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is empty")
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		return errors.New("etcd is enabled but etcd.endpoints is empty")
	}
	if c.Mongo.Enabled && c.Mongo.URI == "" {
		return errors.New("mongo is enabled but mongo.uri is empty")
	}
	if c.Vault.Enabled {
		if strings.TrimSpace(c.Vault.Addr) == "" {
			return errors.New("vault is enabled but vault.addr is empty")
		}
		if strings.TrimSpace(c.Vault.Token) == "" {
			return errors.New("vault is enabled but vault.token is empty")
		}
	}
	if c.App.SweepInterval <= 0 {
		return errors.New("app.sweepInterval must be positive")
	}
	return nil
}
