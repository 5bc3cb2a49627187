// Package config resolves gateway configuration from the environment.
package config

import (
	"os"
	"path/filepath"
)

// DataRoot returns the root directory for all gateway-owned files.
// It uses $MOBYCLAW_HOME if set, otherwise defaults to ~/.mobyclaw.
func DataRoot() string {
	if v := os.Getenv("MOBYCLAW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mobyclaw")
	}
	return filepath.Join(home, ".mobyclaw")
}

// DotenvPath returns the path to the gateway's .env file.
func DotenvPath() string {
	return filepath.Join(DataRoot(), ".env")
}

// SessionPath returns the path to the single shared session.json file.
func SessionPath() string {
	return filepath.Join(DataRoot(), "session.json")
}

// ChannelsPath returns the path to channels.json.
func ChannelsPath() string {
	return filepath.Join(DataRoot(), "channels.json")
}

// ShortTermMemoryPath returns the path to short-term-memory.json.
func ShortTermMemoryPath() string {
	return filepath.Join(DataRoot(), "short-term-memory.json")
}

// SchedulesDir returns the directory holding one subdirectory per schedule.
func SchedulesDir() string {
	return filepath.Join(DataRoot(), "schedules")
}

// InnerStatePath returns the path to state/inner.json.
func InnerStatePath() string {
	return filepath.Join(DataRoot(), "state", "inner.json")
}

// HeartbeatStatePath returns the path to state/heartbeat-state.json.
func HeartbeatStatePath() string {
	return filepath.Join(DataRoot(), "state", "heartbeat-state.json")
}

// SelfPath returns the path to SELF.md.
func SelfPath() string {
	return filepath.Join(DataRoot(), "SELF.md")
}

// ExplorationsDir returns the directory the agent authors exploration notes into.
func ExplorationsDir() string {
	return filepath.Join(DataRoot(), "explorations")
}
