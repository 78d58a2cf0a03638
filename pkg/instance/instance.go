package instance

import "os"

// EnvInstanceID overrides the instance identifier used in logs.
const EnvInstanceID = "CHAINBILL_INSTANCE_ID"

// GetID returns the scheduler instance identifier: the env override, then
// the hostname, then a fixed default.
func GetID() string {
	if id := os.Getenv(EnvInstanceID); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "scheduler-0"
}
