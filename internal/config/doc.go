// Package config handles configuration loading with environment variable substitution.
//
// Files ending in .toml are parsed as TOML; anything else as YAML. Both
// support ${VAR} interpolation and share the same keys, so durations are
// written as strings ("5s", "2m") in either format.
package config
