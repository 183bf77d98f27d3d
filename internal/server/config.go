package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	DataDir      string        `mapstructure:"data_dir"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
	WSOrigins    []string      `mapstructure:"ws_origins"`
	TrustProxy   bool          `mapstructure:"trust_proxy"`
	DevMode      bool          `mapstructure:"dev_mode"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigFromViper reads the server section.
func ConfigFromViper(v *viper.Viper) Config {
	return Config{
		Host:         v.GetString("server.host"),
		Port:         v.GetInt("server.port"),
		DataDir:      v.GetString("server.data_dir"),
		ReadTimeout:  v.GetDuration("server.read_timeout"),
		WriteTimeout: v.GetDuration("server.write_timeout"),
		RateLimit:    v.GetFloat64("server.rate_limit"),
		RateBurst:    v.GetInt("server.rate_burst"),
		WSOrigins:    v.GetStringSlice("server.ws_origins"),
		TrustProxy:   v.GetBool("server.trust_proxy"),
		DevMode:      v.GetBool("server.dev_mode"),
	}
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.read_timeout", "15s")
	// Manual sync endpoints run a whole pass before answering.
	v.SetDefault("server.write_timeout", "15m")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.ws_origins", []string{})
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/wazuhsync.db")

	v.SetDefault("cooldown.backend", "memory")
	v.SetDefault("cooldown.redis.address", "localhost:6379")
	v.SetDefault("cooldown.redis.password", "")
	v.SetDefault("cooldown.redis.db", 0)
	v.SetDefault("cooldown.redis.key_prefix", "wazuhsync:cooldown:")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", "wazuhsync")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	// Plugin defaults
	v.SetDefault("plugins.vault.enabled", true)
	v.SetDefault("plugins.vault.passphrase", "")
	v.SetDefault("plugins.connection.enabled", true)
	v.SetDefault("plugins.connection.timeout", "30s")
	v.SetDefault("plugins.connection.connect_timeout", "10s")
	v.SetDefault("plugins.inventory.enabled", true)
	v.SetDefault("plugins.agents.enabled", true)
	v.SetDefault("plugins.agents.duplicate_policy", "fail")
	v.SetDefault("plugins.agents.deadline", "10m")
	v.SetDefault("plugins.findings.enabled", true)
	v.SetDefault("plugins.findings.page_size", 500)
	v.SetDefault("plugins.findings.page_interval", "100ms")
	v.SetDefault("plugins.findings.deadline", "10m")
	v.SetDefault("plugins.findings.alert_skew", "30s")
	v.SetDefault("plugins.findings.incremental", false)
	v.SetDefault("plugins.findings.vulnerability_index", "wazuh-states-vulnerabilities-*")
	v.SetDefault("plugins.findings.alert_index", "wazuh-alerts-*")
	v.SetDefault("plugins.findings.cooldown_window", "300s")
	v.SetDefault("plugins.scheduler.enabled", true)
	v.SetDefault("plugins.scheduler.tasks.syncagents.schedule", "@every 24h")
	v.SetDefault("plugins.scheduler.tasks.syncagents.enabled", true)
	v.SetDefault("plugins.scheduler.tasks.fetchfindings.schedule", "@every 1h")
	v.SetDefault("plugins.scheduler.tasks.fetchfindings.enabled", true)
	v.SetDefault("plugins.webhook.enabled", true)
	v.SetDefault("plugins.webhook.url", "")
	v.SetDefault("plugins.webhook.timeout", "10s")
	v.SetDefault("plugins.webhook.secret", "")
	v.SetDefault("plugins.webhook.only_failures", false)
	v.SetDefault("plugins.natsbridge.enabled", false)
	v.SetDefault("plugins.natsbridge.url", "nats://127.0.0.1:4222")
	v.SetDefault("plugins.natsbridge.subject_prefix", "wazuhsync")
	v.SetDefault("plugins.natsbridge.max_reconnects", 60)
	v.SetDefault("plugins.natsbridge.reconnect_wait", "2s")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("wazuhsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/wazuhsync")
	}

	// Environment variable support: WAZUHSYNC_SERVER_PORT=9090
	v.SetEnvPrefix("WAZUHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configPath == "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
