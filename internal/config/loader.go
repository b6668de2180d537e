package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var structValidate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "flowdeck"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/flowdeck.db"
	}
	if cfg.Cache.MaxMessages == 0 {
		cfg.Cache.MaxMessages = 200
	}
	if cfg.Flows.SaveDebounce == 0 {
		cfg.Flows.SaveDebounce = 400 * time.Millisecond
	}
	if cfg.Sessions.PoolCap == 0 {
		cfg.Sessions.PoolCap = 5
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if envVarPattern.MatchString(cfg.Server.Token) {
		matches := envVarPattern.FindStringSubmatch(cfg.Server.Token)
		if len(matches) > 1 {
			return fmt.Errorf("server.token: environment variable ${%s} is not set", matches[1])
		}
	}
	if err := structValidate.Struct(cfg); err != nil {
		return fmt.Errorf("config fields: %w", err)
	}
	if cfg.Flows.SaveDebounce < 0 {
		return fmt.Errorf("flows.save_debounce must not be negative")
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
