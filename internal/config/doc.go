// Package config loads node configuration from YAML files and flag strings.
package config
