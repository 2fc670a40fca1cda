package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero;
// negative durations are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

type durationField struct {
	path string
	raw  string
}

func (c *Config) durationFields() []durationField {
	return []durationField{
		{"http.read_header_timeout", c.HTTP.ReadHeaderTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout},
		{"display.keep_alive", c.Display.KeepAlive},
		{"display.send_timeout", c.Display.SendTimeout},
		{"display.idle_timeout", c.Display.IdleTimeout},
		{"upstream.handshake_timeout", c.Upstream.HandshakeTimeout},
		{"upstream.telegram.poll_timeout", c.Upstream.Telegram.PollTimeout},
		{"dispatch.event_timeout", c.Dispatch.EventTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	}
}
