package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Well-known setting keys consumed by the agent.
const (
	SettingRepositoryURL      = "repository_url"
	SettingRepositoryPassword = "repository_password"
	SettingRepositoryCacheDir = "repository_cache_dir"
	SettingSyncInterval       = "sync_interval_seconds"
	SettingSchedulerTick      = "scheduler_tick_seconds"
	SettingMissedRunGrace     = "missed_run_grace_seconds"
)

// Setting is a key/value configuration entry, scoped globally when DeviceID
// is nil or to a single device otherwise.
type Setting struct {
	ID        uuid.UUID  `json:"id"`
	DeviceID  *uuid.UUID `json:"device_id,omitempty"`
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Settings is a flat view of resolved settings, device scope already
// overriding global scope.
type Settings map[string]string

// ResolveSettings flattens a setting list into a map. Entries must be ordered
// global-first so that device-scoped values overwrite global ones.
func ResolveSettings(settings []*Setting) Settings {
	resolved := make(Settings, len(settings))
	for _, s := range settings {
		resolved[s.Key] = s.Value
	}
	return resolved
}

// String returns the value for key, or def when absent.
func (s Settings) String(key, def string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return def
}

// Seconds returns the value for key interpreted as a whole number of
// seconds, or def when absent or unparseable.
func (s Settings) Seconds(key string, def time.Duration) time.Duration {
	v, ok := s[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
