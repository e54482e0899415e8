// Package config loads engine settings from an optional codeintel.json or
// codeintel.yaml in the database directory, with CODEINTEL_* environment
// overrides. Command-line flags are applied by the caller on top.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file's base name, without extension.
const FileName = "codeintel"

// Config is the engine configuration.
type Config struct {
	OOPMode            string        `json:"oop_mode" mapstructure:"oop_mode"`
	LogLevels          []string      `json:"log_levels" mapstructure:"log_levels"`
	LogFile            string        `json:"log_file" mapstructure:"log_file"`
	StageDelay         time.Duration `json:"stage_delay" mapstructure:"stage_delay"`
	CullInterval       time.Duration `json:"cull_interval" mapstructure:"cull_interval"`
	SaveInterval       time.Duration `json:"save_interval" mapstructure:"save_interval"`
	EvalTimeout        time.Duration `json:"eval_timeout" mapstructure:"eval_timeout"`
	MemoryLimit        uint64        `json:"memory_limit" mapstructure:"memory_limit"`
	ResetDBAsNecessary bool          `json:"reset_db_as_necessary" mapstructure:"reset_db_as_necessary"`
	ExtensionsDir      string        `json:"extensions_dir" mapstructure:"extensions_dir"`
	CacheSize          int           `json:"cache_size" mapstructure:"cache_size"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		OOPMode:            "pipe",
		LogLevels:          []string{"info"},
		StageDelay:         1500 * time.Millisecond,
		CullInterval:       300 * time.Second,
		SaveInterval:       6 * time.Second,
		EvalTimeout:        20 * time.Second,
		ResetDBAsNecessary: true,
		CacheSize:          500,
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("oop_mode", d.OOPMode)
	v.SetDefault("log_levels", d.LogLevels)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("stage_delay", d.StageDelay)
	v.SetDefault("cull_interval", d.CullInterval)
	v.SetDefault("save_interval", d.SaveInterval)
	v.SetDefault("eval_timeout", d.EvalTimeout)
	v.SetDefault("memory_limit", d.MemoryLimit)
	v.SetDefault("reset_db_as_necessary", d.ResetDBAsNecessary)
	v.SetDefault("extensions_dir", d.ExtensionsDir)
	v.SetDefault("cache_size", d.CacheSize)
}

// LoadConfig reads dir/codeintel.{json,yaml}. A missing file yields the
// defaults, still subject to environment overrides.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(FileName)
	v.AddConfigPath(dir)
	v.SetEnvPrefix("CODEINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", dir, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings a typo could make nonsensical.
func (c *Config) Validate() error {
	switch c.OOPMode {
	case "pipe", "tcp", "server":
	default:
		return &ConfigError{Field: "oop_mode", Message: fmt.Sprintf("unknown mode %q", c.OOPMode)}
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"stage_delay", c.StageDelay},
		{"cull_interval", c.CullInterval},
		{"save_interval", c.SaveInterval},
		{"eval_timeout", c.EvalTimeout},
	} {
		if f.d <= 0 {
			return &ConfigError{Field: f.name, Message: "must be positive"}
		}
	}
	return nil
}

// ConfigError is a rejected setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
