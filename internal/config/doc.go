// Package config loads the Controller's own settings from environment variables and an optional
// YAML file, using viper, and validates them.
package config
