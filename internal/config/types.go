package config

import "time"

// Config represents the complete flowdeck configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Flows    FlowsConfig    `yaml:"flows"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServiceConfig defines core client settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// ServerConfig defines the connection to the flow server.
type ServerConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	Token   string `yaml:"token" validate:"required"`
	Agent   string `yaml:"agent"`
}

// CacheConfig defines the local transcript cache.
type CacheConfig struct {
	Path        string `yaml:"path"`
	MaxMessages int    `yaml:"max_messages" validate:"gte=0"`
}

// FlowsConfig defines flow persistence behavior.
type FlowsConfig struct {
	SaveDebounce time.Duration `yaml:"save_debounce" validate:"gte=0"`
}

// SessionsConfig defines the session pool behavior.
type SessionsConfig struct {
	PoolCap int `yaml:"pool_cap" validate:"gte=0"`
}
