package config

// Package config provides a reusable loader for sphere wallet configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"sphere-wallet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a sphere wallet process. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Identity struct {
		SeedFile string `mapstructure:"seed_file" json:"seed_file" yaml:"seed_file"`
	} `mapstructure:"identity" json:"identity" yaml:"identity"`

	Aggregator struct {
		Endpoint       string `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
		PollIntervalMS int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
		MaxRetries     int    `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries"`
	} `mapstructure:"aggregator" json:"aggregator" yaml:"aggregator"`

	Transport struct {
		RelayURLs      []string `mapstructure:"relay_urls" json:"relay_urls" yaml:"relay_urls"`
		DialTimeoutMS  int      `mapstructure:"dial_timeout_ms" json:"dial_timeout_ms" yaml:"dial_timeout_ms"`
		QueryTimeoutMS int      `mapstructure:"query_timeout_ms" json:"query_timeout_ms" yaml:"query_timeout_ms"`
	} `mapstructure:"transport" json:"transport" yaml:"transport"`

	Remote struct {
		GatewayURL     string   `mapstructure:"gateway_url" json:"gateway_url" yaml:"gateway_url"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers" yaml:"bootstrap_peers"`
		DebounceMS     int      `mapstructure:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
	} `mapstructure:"remote" json:"remote" yaml:"remote"`

	Backoff struct {
		InitialIntervalMS int     `mapstructure:"initial_interval_ms" json:"initial_interval_ms" yaml:"initial_interval_ms"`
		MaxIntervalMS     int     `mapstructure:"max_interval_ms" json:"max_interval_ms" yaml:"max_interval_ms"`
		Multiplier        float64 `mapstructure:"multiplier" json:"multiplier" yaml:"multiplier"`
	} `mapstructure:"backoff" json:"backoff" yaml:"backoff"`

	Storage struct {
		LocalDir     string `mapstructure:"local_dir" json:"local_dir" yaml:"local_dir"`
		RegistryPath string `mapstructure:"registry_path" json:"registry_path" yaml:"registry_path"`
	} `mapstructure:"storage" json:"storage" yaml:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level" yaml:"level"`
		File  string `mapstructure:"file" json:"file" yaml:"file"`
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SPHERE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SPHERE_ENV", ""))
}
