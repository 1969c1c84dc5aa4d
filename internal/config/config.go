package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of one cell server process.
//
// Sources, highest precedence first: SANDLOCK_* environment variables,
// the YAML file, built-in defaults. Command-line flags are bound on top by
// the caller through Viper.
type Config struct {
	NodeID     string `mapstructure:"node_id" yaml:"node_id" validate:"required"`
	Cell       string `mapstructure:"cell" yaml:"cell" validate:"required,cellname"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required,hostname_port"`

	Etcd      EtcdConfig      `mapstructure:"etcd" yaml:"etcd"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	LockDelay LockDelayConfig `mapstructure:"lock_delay" yaml:"lock_delay"`

	// SessionGrace is how long a session outlives its dropped
	// notification stream.
	SessionGrace time.Duration `mapstructure:"session_grace" yaml:"session_grace" validate:"gte=0"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints" validate:"required,min=1,dive,required"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" validate:"gte=0"`
	// Namespace prefixes every key the server writes.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

type LogConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"required,oneof=zap localdisc"`
	Level   string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	// Dir receives <node_id>.log for the localdisc backend.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Console switches zap to its human-readable encoder.
	Console bool `mapstructure:"console" yaml:"console"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

type LockDelayConfig struct {
	// Default is the lease TTL in seconds for handles that name none.
	Default int64 `mapstructure:"default" yaml:"default" validate:"gte=1,lte=60"`
}

const EnvPrefix = "SANDLOCK"

// Load reads configuration from configPath (may be empty) and the
// environment, applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	return LoadWith(v, configPath)
}

// LoadWith is Load on a caller-owned Viper instance, so that flags bound
// with BindPFlag take part in resolution.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// SANDLOCK_ETCD_DIAL_TIMEOUT=3s overrides etcd.dial_timeout.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Plain ETCD_ENDPOINTS is honoured too, as etcd tooling exports it.
	_ = v.BindEnv("etcd.endpoints", EnvPrefix+"_ETCD_ENDPOINTS", "ETCD_ENDPOINTS")

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.AddConfigPath(".")
	v.SetConfigName("sandlock")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file %s: %w", configPath, err)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func splitList(list []string) []string {
	var out []string
	for _, item := range list {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sandlock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "sandlock")
}

// GetDefaultConfigPath returns where `config init` writes by default.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "sandlock.yaml")
}

// WriteDefault writes the default configuration as YAML to path. An
// existing file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
