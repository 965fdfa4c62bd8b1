package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BackupJob defines what to back up for one device. Identity (ID, DeviceID,
// Name) is immutable; all other fields replace wholesale on update.
type BackupJob struct {
	ID              uuid.UUID         `json:"id"`
	DeviceID        uuid.UUID         `json:"device_id"`
	Name            string            `json:"name"`
	SourcePaths     []string          `json:"source_paths"`
	ExcludePatterns []string          `json:"exclude_patterns,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	ExtraArgs       []string          `json:"extra_args,omitempty"`
	Enabled         bool              `json:"enabled"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// IdentityTags returns the stable tags attached to every snapshot produced by
// this job, so that results remain attributable across re-runs.
func (j *BackupJob) IdentityTags() []string {
	return []string{
		fmt.Sprintf("backup:%s", j.ID),
		fmt.Sprintf("backup_name=%s", j.Name),
	}
}

// AllTags returns the job's user tags followed by its identity tags.
func (j *BackupJob) AllTags() []string {
	tags := make([]string, 0, len(j.Tags)+2)
	tags = append(tags, j.Tags...)
	return append(tags, j.IdentityTags()...)
}

// Equals reports whether two jobs carry identical definitions, timestamps
// excluded.
func (j *BackupJob) Equals(other *BackupJob) bool {
	return j.ID == other.ID &&
		j.DeviceID == other.DeviceID &&
		j.Name == other.Name &&
		j.Enabled == other.Enabled &&
		stringSlicesEqual(j.SourcePaths, other.SourcePaths) &&
		stringSlicesEqual(j.ExcludePatterns, other.ExcludePatterns) &&
		stringSlicesEqual(j.Tags, other.Tags) &&
		stringSlicesEqual(j.ExtraArgs, other.ExtraArgs) &&
		stringMapsEqual(j.Metadata, other.Metadata)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
