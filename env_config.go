// env_config.go: environment variable expansion for loader configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// EnvConfigOptions controls ${VAR} and ${VAR:-default} expansion.
type EnvConfigOptions struct {
	// Prefix is tried before the bare variable name.
	Prefix string `json:"prefix" yaml:"prefix"`
	// FailOnMissing turns an unresolved variable into an error.
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`
	// ValidateValues rejects values with null bytes, control characters or excessive length.
	ValidateValues bool `json:"validate_values" yaml:"validate_values"`
	// Overrides win over inline defaults and Defaults.
	Overrides map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	// Defaults are used last.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// DefaultEnvConfigOptions returns the expansion options used by LoadConfigFromFile.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:         "MODLOADER_",
		ValidateValues: true,
		Overrides:      make(map[string]string),
		Defaults:       make(map[string]string),
	}
}

const maxEnvValueLength = 4096

var envVariablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables replaces every ${VAR} reference in input.
//
// Resolution order: prefixed environment variable, bare environment
// variable, Overrides, inline default, Defaults.
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if input == "" {
		return input, nil
	}
	var firstErr error
	result := envVariablePattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVariablePattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		inlineDefault := ""
		if len(sub) >= 4 {
			inlineDefault = sub[3]
		}
		expanded, err := expandVariable(sub[1], inlineDefault, options)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return expanded
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func expandVariable(name, inlineDefault string, options EnvConfigOptions) (string, error) {
	prefixed := options.Prefix + name
	if v := os.Getenv(prefixed); v != "" {
		return sanitizeEnvValue(v, options)
	}
	if v := os.Getenv(name); v != "" {
		return sanitizeEnvValue(v, options)
	}
	if v, ok := options.Overrides[name]; ok {
		return sanitizeEnvValue(v, options)
	}
	if inlineDefault != "" {
		return sanitizeEnvValue(inlineDefault, options)
	}
	if v, ok := options.Defaults[name]; ok {
		return sanitizeEnvValue(v, options)
	}
	if options.FailOnMissing {
		return "", NewConfigValidationError(
			fmt.Sprintf("required environment variable not found: %s (also tried %s)", name, prefixed), nil)
	}
	return "", nil
}

func sanitizeEnvValue(value string, options EnvConfigOptions) (string, error) {
	if !options.ValidateValues {
		return value, nil
	}
	if strings.Contains(value, "\x00") {
		return "", NewConfigValidationError("environment variable value contains null byte", nil)
	}
	if len(value) > maxEnvValueLength {
		return "", NewConfigValidationError(
			fmt.Sprintf("environment variable value too long: %d bytes (max %d)", len(value), maxEnvValueLength), nil)
	}
	for i, r := range value {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return "", NewConfigValidationError(
				fmt.Sprintf("environment variable contains control character at position %d", i), nil)
		}
	}
	return value, nil
}
