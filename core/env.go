package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment helpers. Configuration is environment-first: explicit options
// win, then environment variables, then defaults.

// GetEnvOrDefault returns the environment value or a default when unset.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvIntOrDefault parses an integer environment value, falling back to the
// default on absence or parse failure.
func GetEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvBoolOrDefault parses a boolean environment value ("true", "1", "yes"
// are true), falling back to the default on absence or parse failure.
func GetEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "":
		return defaultValue
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

// GetEnvDurationOrDefault parses a duration environment value. Plain integers
// are read as seconds so operators can write STEPFLOW_STEP_TIMEOUT=600 or
// STEPFLOW_STEP_TIMEOUT=10m interchangeably.
func GetEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
