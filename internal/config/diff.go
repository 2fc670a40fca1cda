package config

import (
	"reflect"
	"sort"
	"strings"

	logx "alertbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (admin token, API URLs with keys) are
// reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.String("http.shutdown_timeout", strings.TrimSpace(newCfg.HTTP.ShutdownTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Display, newCfg.Display) {
		changed = append(changed, "display")
		attrs = append(attrs,
			logx.String("display.keep_alive", strings.TrimSpace(newCfg.Display.KeepAlive)),
			logx.String("display.send_timeout", strings.TrimSpace(newCfg.Display.SendTimeout)),
			logx.Int("display.allowed_origins", len(newCfg.Display.AllowedOrigins)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Upstream, newCfg.Upstream) {
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.String("upstream.default_transport", newCfg.Upstream.DefaultTransport),
			logx.Bool("upstream.telegram", newCfg.Upstream.Telegram.Enabled),
			logx.Bool("upstream.telegram_api_url_set", strings.TrimSpace(newCfg.Upstream.Telegram.APIURL) != ""),
			logx.Bool("upstream.wsfeed", newCfg.Upstream.WSFeed.Enabled),
			logx.Int("upstream.auto_connect", len(newCfg.Upstream.AutoConnect)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.Any("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.burst", newCfg.Dispatch.Burst),
			logx.String("dispatch.event_timeout", strings.TrimSpace(newCfg.Dispatch.EventTimeout)),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", strings.TrimSpace(newCfg.Report.Schedule)),
			logx.String("report.timezone", strings.TrimSpace(newCfg.Report.Timezone)),
		)
	}

	if oldCfg.Admin.Token != newCfg.Admin.Token {
		changed = append(changed, "admin")
		attrs = append(attrs, logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "http", "display", "upstream", "storage":
			out = append(out, s)
		}
	}
	return out
}
