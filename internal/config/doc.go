// Package config loads engine configuration from JSON or YAML files with
// MSGBUS_* environment overlays.
package config
