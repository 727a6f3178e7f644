package server

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the server's runtime configuration, loaded from LIVELY_
// -prefixed environment variables with the defaults spec'd below.
type Config struct {
	Port               int
	BasePath           string
	HealthPath         string
	SnapshotDebounceMs int
	IdleEvictMs        int
	HeartbeatMs        int
}

// SnapshotDebounce is cfg.SnapshotDebounceMs as a time.Duration.
func (c Config) SnapshotDebounce() time.Duration {
	return time.Duration(c.SnapshotDebounceMs) * time.Millisecond
}

// IdleEvict is cfg.IdleEvictMs as a time.Duration.
func (c Config) IdleEvict() time.Duration {
	return time.Duration(c.IdleEvictMs) * time.Millisecond
}

// Heartbeat is cfg.HeartbeatMs as a time.Duration.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

// LoadConfig reads a Config out of v, applying defaults for any key left
// unset. v is expected to already have its env prefix (LIVELY_) and
// AutomaticEnv configured by the caller.
func LoadConfig(v *viper.Viper) Config {
	v.SetDefault("port", 8080)
	v.SetDefault("basePath", "/rooms")
	v.SetDefault("healthPath", "/health")
	v.SetDefault("snapshotDebounceMs", 2000)
	v.SetDefault("idleEvictMs", 60000)
	v.SetDefault("heartbeatMs", 20000)

	return Config{
		Port:               v.GetInt("port"),
		BasePath:           v.GetString("basePath"),
		HealthPath:         v.GetString("healthPath"),
		SnapshotDebounceMs: v.GetInt("snapshotDebounceMs"),
		IdleEvictMs:        v.GetInt("idleEvictMs"),
		HeartbeatMs:        v.GetInt("heartbeatMs"),
	}
}
