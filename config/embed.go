// Package config provides the embedded default configuration for Bulwark.
package config

import _ "embed"

// DefaultConfigYAML is the commented default configuration written by
// `bulwark config create`.
//
//go:embed bulwark.default.yaml
var DefaultConfigYAML []byte
