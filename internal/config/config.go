// Package config loads mqless's configuration from a TOML file and the
// MQLESS_-prefixed environment, mirroring hive/config.LoadConfig's viper
// wiring (spec.md §6, with the ambient additions from SPEC_FULL.md §6).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the broker needs to start.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	AWS    AWSConfig    `mapstructure:"aws"`
	Log    LogConfig    `mapstructure:"log"`
	Debug  DebugConfig  `mapstructure:"debug"`
}

// ServerConfig is the HTTP ingress listener (spec.md §6 "server").
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AWSConfig configures Lambda signing/invocation and IMDS bootstrap
// (spec.md §6 "aws"). Region/AccessKey/Secret left empty falls back to
// IMDS discovery (spec.md §4.2.1).
type AWSConfig struct {
	Region               string `mapstructure:"region"`
	AccessKey            string `mapstructure:"access_key"`
	Secret               string `mapstructure:"secret"`
	Endpoint             string `mapstructure:"endpoint"`
	Role                 string `mapstructure:"role"`
	LambdaTimeoutSeconds int    `mapstructure:"lambda_timeout_seconds"`
}

// HasStaticCredentials reports whether region/access_key/secret were all
// provided, i.e. IMDS bootstrap should be skipped (spec.md §4.2.1).
func (a AWSConfig) HasStaticCredentials() bool {
	return a.Region != "" && a.AccessKey != "" && a.Secret != ""
}

// LambdaTimeout converts LambdaTimeoutSeconds to a time.Duration. Returns
// 0 when unset so awsclient.New can apply its own default.
func (a AWSConfig) LambdaTimeout() time.Duration {
	if a.LambdaTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.LambdaTimeoutSeconds) * time.Second
}

// LogConfig controls slog output (SPEC_FULL.md §6 config surface additions).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DebugConfig gates the operational introspection endpoints
// (SPEC_FULL.md §4.4 "Operational introspection endpoint").
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

const envPrefix = "MQLESS"

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 34543)
	// Empty defaults register these keys with viper so that viper.Unmarshal
	// also picks up their MQLESS_ environment variables.
	viper.SetDefault("aws.region", "")
	viper.SetDefault("aws.access_key", "")
	viper.SetDefault("aws.secret", "")
	viper.SetDefault("aws.endpoint", "")
	viper.SetDefault("aws.role", "mqless-role")
	viper.SetDefault("aws.lambda_timeout_seconds", 30)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("debug.enabled", true)
}

// Load reads configPath (a TOML file, if non-empty and present), then
// layers MQLESS_-prefixed environment variables and any cobra flags
// already bound via viper.BindPFlag on top, matching
// hive/config.LoadConfig's file-then-env-then-flag precedence. Uses the
// package-level viper singleton so flag bindings made by cmd/mqless
// (before Load is called) are honored.
func Load(configPath string) (*Config, error) {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			viper.SetConfigFile(configPath)
			viper.SetConfigType("toml")
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: error reading %s: %w", configPath, err)
			}
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintf(os.Stderr, "Config file not found: %s, using environment variables and defaults\n", configPath)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: error unmarshaling: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces that static AWS credentials are all-or-nothing: a
// partially configured access_key/secret pair would otherwise silently
// fall through to IMDS bootstrap with a signer awsclient never builds,
// which fails much later and less clearly than at startup.
func (c *Config) Validate() error {
	hasAny := c.AWS.AccessKey != "" || c.AWS.Secret != ""
	hasAll := c.AWS.AccessKey != "" && c.AWS.Secret != "" && c.AWS.Region != ""
	if hasAny && !hasAll {
		return fmt.Errorf("config: aws.region, aws.access_key and aws.secret must be set together, or not at all (falls back to IMDS)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	return nil
}
