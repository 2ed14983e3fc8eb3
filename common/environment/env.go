// Package environment reads service configuration from environment variables.
//
// Every lookup first tries the COFFRE_-prefixed name and then the bare name,
// so a deployment can namespace its variables (COFFRE_REDIS_URL) while still
// honouring the conventional ones shared with sibling services (REDIS_URL).
// Missing required values are reported as errors; nothing here exits the
// process.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Prefix is tried before the bare variable name.
const Prefix = "COFFRE_"

func lookup(name string) string {
	if v := os.Getenv(Prefix + name); v != "" {
		return v
	}
	return os.Getenv(name)
}

// StringOr returns the variable's value, or defaultValue when unset or empty.
func StringOr(name, defaultValue string) string {
	if v := lookup(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the variable's value or an error naming it.
func RequiredString(name string) (string, error) {
	v := lookup(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q (or %q) is not set", name, Prefix+name)
	}
	return v, nil
}

// BoolOr parses the variable with strconv.ParseBool, falling back to
// defaultValue when unset or unparsable.
func BoolOr(name string, defaultValue bool) bool {
	b, err := strconv.ParseBool(lookup(name))
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the variable as a decimal integer, falling back to
// defaultValue when unset or unparsable.
func IntOr(name string, defaultValue int) int {
	n, err := strconv.Atoi(strings.TrimSpace(lookup(name)))
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the variable as a time.Duration ("5s", "2m"). A bare
// integer is read as seconds, which is how the polling knobs were historically
// configured.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(lookup(name))
	if v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
