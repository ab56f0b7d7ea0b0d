package instance

import (
	"os"
	"strings"
)

// GetID identifies the running process in logs and lock values. It prefers
// OXYGEN_INSTANCE_ID, then the platform dyno name, then the hostname.
func GetID() string {
	for _, key := range []string{"OXYGEN_INSTANCE_ID", "DYNO"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
