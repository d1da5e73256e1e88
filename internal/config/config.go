package config

import "time"

// Config holds the settings used by lifecycle.NewFromEnv.
type Config struct {
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Signals  SignalsConfig  `mapstructure:"signals"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

// LogConfig controls the logger built by logger.Setup.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// SignalsConfig controls whether OS signals are forwarded to the failure policy.
type SignalsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ShutdownConfig controls behavior after the shutdown stage.
type ShutdownConfig struct {
	// DrainTimeout bounds how long to wait for abandoned tasks to finish once shutdown is done.
	// Zero disables waiting.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"gte=0"`
}
