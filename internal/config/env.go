// Package config reads typed LABSCHED_* settings from the environment,
// falling back to wired-in defaults. The .env file, if any, is applied
// through internal/env before the first read.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/testfarm/labsched/internal/env"
)

// lookup returns the trimmed value of key after the environment is resolved.
func lookup(key string) (string, bool) {
	_ = env.Ensure()
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns the variable's value, or fallback when unset or blank.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration parses the variable as a time.Duration ("10s", "5m", "24h").
// Unset or unparsable values yield fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Int parses the variable as a base-10 integer, or fallback.
func Int(key string, fallback int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool accepts 1/true/yes and 0/false/no, case-insensitive; anything else
// yields fallback.
func Bool(key string, fallback bool) bool {
	if val, ok := lookup(key); ok {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}
