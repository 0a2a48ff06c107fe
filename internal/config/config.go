// Package config provides configuration loading for the control plane.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"environment"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MinConns int    `mapstructure:"min_conns"`
	MaxConns int    `mapstructure:"max_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration for the provisioning locks.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// MQTTConfig holds the lifecycle event broker configuration. An empty
// BrokerURL disables publishing.
type MQTTConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	QoS       int    `mapstructure:"qos"`
}

// ProvisionerConfig holds the infrastructure settings of the resource
// provisioner.
type ProvisionerConfig struct {
	BaseDomain            string        `mapstructure:"base_domain"`
	BucketPrefix          string        `mapstructure:"bucket_prefix"`
	SharedInstanceSize    string        `mapstructure:"shared_instance_size"`
	DedicatedInstanceSize string        `mapstructure:"dedicated_instance_size"`
	MaxTenantsPerInstance int           `mapstructure:"max_tenants_per_instance"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	ReadyTimeout          time.Duration `mapstructure:"ready_timeout"`
}

// AgentConfig holds the per-instance stack agent client settings.
type AgentConfig struct {
	AuthToken      string        `mapstructure:"auth_token"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
}

// LifecycleConfig holds the commercial lifecycle windows and sweep cadence.
type LifecycleConfig struct {
	TrialDuration time.Duration `mapstructure:"trial_duration"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TelemetryConfig holds OTel exporter settings.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	ExporterAddr string  `mapstructure:"exporter_addr"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Load reads configuration from an optional config file and PETALHOST_
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/petalhost")

	v.SetEnvPrefix("PETALHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets only arrive through the environment; bind them explicitly
	// because viper does not discover nested keys from env alone.
	v.BindEnv("database.password", "PETALHOST_DATABASE_PASSWORD")
	v.BindEnv("redis.password", "PETALHOST_REDIS_PASSWORD")
	v.BindEnv("mqtt.password", "PETALHOST_MQTT_PASSWORD")
	v.BindEnv("agent.auth_token", "PETALHOST_AGENT_AUTH_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "dev")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "petalhost")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conns", 20)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("mqtt.client_id", "petalhost-control-plane")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("provisioner.base_domain", "petalhost.app")
	v.SetDefault("provisioner.bucket_prefix", "ph-tenant-")
	v.SetDefault("provisioner.shared_instance_size", "m.large")
	v.SetDefault("provisioner.dedicated_instance_size", "m.medium")
	v.SetDefault("provisioner.max_tenants_per_instance", 10)
	v.SetDefault("provisioner.poll_interval", 5*time.Second)
	v.SetDefault("provisioner.ready_timeout", 5*time.Minute)

	v.SetDefault("agent.health_interval", 10*time.Second)
	v.SetDefault("agent.health_timeout", 5*time.Minute)

	v.SetDefault("lifecycle.trial_duration", 14*24*time.Hour)
	v.SetDefault("lifecycle.grace_period", 3*24*time.Hour)
	v.SetDefault("lifecycle.retention", 30*24*time.Hour)
	v.SetDefault("lifecycle.sweep_interval", time.Hour)

	v.SetDefault("telemetry.service_name", "petalhost-control-plane")
	v.SetDefault("telemetry.sample_rate", 1.0)
}
