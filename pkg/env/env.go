package env

import (
	"os"
	"strconv"
	"strings"
)

// Prefix namespaces every variable the services read.
const Prefix = "OXYGEN_"

// Get returns OXYGEN_<key>, then the bare key, then fallback. It serves the
// few settings read before config.Load runs.
func Get(key, fallback string) string {
	for _, name := range []string{Prefix + key, key} {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return fallback
}

// Bool parses Get as a boolean, returning fallback on absent or bad input.
func Bool(key string, fallback bool) bool {
	raw := Get(key, "")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
