// Package config provides configuration loading and validation for the audio
// chunk service. Configuration is YAML; every key has a default, struct tags
// carry the per-field rules and Validate methods carry the cross-field ones.
package config
