package relay

import (
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultBacklog        = 100
	DefaultTypingTimeout  = 3 * time.Second
	DefaultMaxUploadBytes = 100<<20 + 1<<20
)

// Config configures a Server. Zero fields take the package defaults.
type Config struct {
	// Backlog is how many recent messages a joining client receives.
	Backlog int
	// DataPath enables pebble persistence of room history. Empty keeps
	// history in memory.
	DataPath string
	// MediaDir holds uploaded files. Empty disables /upload.
	MediaDir string
	// PublicURL prefixes returned media URLs. Empty derives it from the
	// request.
	PublicURL string
	// UploadPreset, when set, must match the upload_preset form field.
	UploadPreset   string
	MaxUploadBytes int64
	TypingTimeout  time.Duration
	Clock          clock.Clock
}

func (c Config) withDefaults() Config {
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
