package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/kpopdotlink/broker-etrade/pkg/hostio"
	"github.com/kpopdotlink/broker-etrade/pkg/secrets"
)

type Config struct {
	ETrade  ETradeConfig  `mapstructure:"etrade"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Logging LoggingConfig `mapstructure:"logging"`
	GCP     GCPConfig     `mapstructure:"gcp"`
}

type ETradeConfig struct {
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	Sandbox        bool   `mapstructure:"sandbox"`

	// RequestsPerSec paces outbound calls before the broker's own
	// throttling kicks in. Zero disables pacing.
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`

	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RetryConfig bounds retries for transient failures. The broker does
// not mandate values; these are deliberately conservative.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RateLimitDelay    time.Duration `mapstructure:"rate_limit_delay"`
	RateLimitAttempts int           `mapstructure:"rate_limit_attempts"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Environment returns the API environment selected by the config.
func (c *Config) Environment() hostio.Environment {
	if c.ETrade.Sandbox {
		return hostio.EnvironmentSandbox
	}
	return hostio.EnvironmentProduction
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/broker-etrade")
	}

	v.SetEnvPrefix("ETRADE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Default to the sandbox environment; trading against production
	// must be an explicit choice.
	v.SetDefault("etrade.sandbox", true)
	v.SetDefault("etrade.requests_per_sec", 4.0)
	v.SetDefault("etrade.timeout_seconds", 30)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.rate_limit_delay", "15s")
	v.SetDefault("retry.rate_limit_attempts", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.consumer_key", names.ConsumerKey)
	v.SetDefault("gcp.secret_names.consumer_secret", names.ConsumerSecret)
	v.SetDefault("gcp.secret_names.access_token", names.AccessToken)
	v.SetDefault("gcp.secret_names.access_token_secret", names.AccessTokenSecret)
}

func overrideFromEnv(config *Config) {
	if key := os.Getenv("ETRADE_CONSUMER_KEY"); key != "" {
		config.ETrade.ConsumerKey = key
	}
	if secret := os.Getenv("ETRADE_CONSUMER_SECRET"); secret != "" {
		config.ETrade.ConsumerSecret = secret
	}
	if sandbox := os.Getenv("ETRADE_SANDBOX"); sandbox == "false" {
		config.ETrade.Sandbox = false
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = credFile
	}
}
