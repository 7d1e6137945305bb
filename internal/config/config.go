package config

import (
	"os"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	kilnerrors "github.com/alexisbeaulieu97/kiln/pkg/errors"
)

// Config carries tool-level defaults read from an optional YAML file
// (kiln.yml by default). Command-line flags override anything set here.
type Config struct {
	Threads                 int    `yaml:"threads" validate:"gte=0,lte=64"`
	ContinueOnError         bool   `yaml:"continue_on_error"`
	Verbose                 bool   `yaml:"verbose"`
	ThrottleOnHumanActivity bool   `yaml:"throttle_on_human_activity"`
	ThrottleInactivitySecs  int    `yaml:"throttle_inactivity_seconds" validate:"gte=0"`
	ThrottledThreadsAmount  int    `yaml:"throttled_threads" validate:"gte=0"`
	LogLevel                string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Threads:                runtime.NumCPU(),
		ThrottleInactivitySecs: 60,
		LogLevel:               "info",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, kilnerrors.NewParseError(path, err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, kilnerrors.NewParseError(path, err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, kilnerrors.NewValidationError("", "invalid configuration", err)
	}

	if cfg.Threads == 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}
