// Package models defines the core data types shared across the agent.
package models

import (
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Device represents the machine this agent instance manages.
type Device struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Platform   string     `json:"platform"`
	Hostname   string     `json:"hostname"`
	Enabled    bool       `json:"enabled"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewDevice creates a Device record for the local machine.
func NewDevice(name string) *Device {
	hostname, _ := os.Hostname()
	now := time.Now()
	return &Device{
		ID:        uuid.New(),
		Name:      name,
		Platform:  runtime.GOOS,
		Hostname:  hostname,
		Enabled:   true,
		CreatedAt: now,
	}
}

// Touch updates the device's last-seen timestamp.
func (d *Device) Touch() {
	now := time.Now()
	d.LastSeenAt = &now
}
