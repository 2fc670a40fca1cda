package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks bounds and duration syntax. It does not apply defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	for _, d := range c.durationFields() {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Display.MaxMessageSize < 0 {
		return fmt.Errorf("display.max_message_size must be >= 0")
	}
	if c.Upstream.QueueSize < 0 {
		return fmt.Errorf("upstream.queue_size must be >= 0")
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	if c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if c.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	if c.Dispatch.Burst < 0 {
		return fmt.Errorf("dispatch.burst must be >= 0")
	}

	if !c.Upstream.Telegram.Enabled && !c.Upstream.WSFeed.Enabled {
		return fmt.Errorf("upstream: enable at least one transport (telegram, wsfeed)")
	}
	if def := strings.TrimSpace(c.Upstream.DefaultTransport); def != "" {
		switch strings.ToLower(def) {
		case "telegram":
			if !c.Upstream.Telegram.Enabled {
				return fmt.Errorf("upstream.default_transport %q is not enabled", def)
			}
		case "wsfeed":
			if !c.Upstream.WSFeed.Enabled {
				return fmt.Errorf("upstream.default_transport %q is not enabled", def)
			}
		default:
			return fmt.Errorf("upstream.default_transport: unknown transport %q", def)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver)
	}

	if tz := strings.TrimSpace(c.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("report.timezone: invalid %q: %w", tz, err)
		}
	}
	if c.Report.Enabled && strings.TrimSpace(c.Report.Schedule) == "" {
		return fmt.Errorf("report.schedule is required when report.enabled is true")
	}
	return nil
}
