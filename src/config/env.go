package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// getEnv returns the first non-empty environment variable among keys.
func getEnv(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}

// getEnvDefault is getEnv with a fallback value.
func getEnvDefault(def string, keys ...string) string {
	if val := getEnv(keys...); val != "" {
		return val
	}
	return def
}

// ParseBool accepts the usual truthy spellings: 1, true, yes, on,
// enabled (case-insensitive). Empty input yields the default.
func ParseBool(val string, def bool) bool {
	val = strings.ToLower(strings.TrimSpace(val))
	switch val {
	case "":
		return def
	case "1", "true", "yes", "on", "enabled":
		return true
	case "0", "false", "no", "off", "disabled":
		return false
	}
	return def
}

// ParseInt parses an integer with a default for empty or bad input.
func ParseInt(val string, def int) int {
	val = strings.TrimSpace(val)
	if val == "" {
		return def
	}
	if n, err := strconv.Atoi(val); err == nil {
		return n
	}
	return def
}

// ParseSeconds reads a duration expressed as a number of seconds
// (fractional allowed, matching settings like 0.1).
func ParseSeconds(val string, def time.Duration) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return def
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil && f >= 0 {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

// ParseList splits a comma-separated value, trimming blanks.
func ParseList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
