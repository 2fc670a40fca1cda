package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "http": {"addr": "127.0.0.1:8080"},
  "logging": {"level": "debug", "console": true},
  "display": {"keep_alive": "20s", "allowed_origins": ["obs.example.com"]},
  "upstream": {"default_transport": "telegram", "telegram": {"enabled": true, "poll_timeout": "15s"}},
  "dispatch": {"workers": 4, "rate_per_sec": 2.5},
  "storage": {"driver": "sqlite", "path": "./data/alertbot.db", "busy_timeout": "2s"},
  "report": {"enabled": true, "schedule": "@every 5m"},
  "admin": {"token": "s3cret"}
}`

const sampleYAML = `
http:
  addr: "127.0.0.1:8080"
logging:
  level: debug
  console: true
display:
  keep_alive: 20s
  allowed_origins: [obs.example.com]
upstream:
  default_transport: telegram
  telegram:
    enabled: true
    poll_timeout: 15s
dispatch:
  workers: 4
  rate_per_sec: 2.5
storage:
  driver: sqlite
  path: ./data/alertbot.db
  busy_timeout: 2s
report:
  enabled: true
  schedule: "@every 5m"
admin:
  token: s3cret
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONAndYAMLAgree(t *testing.T) {
	j, err := NewManager(writeFile(t, "config.json", sampleJSON)).Load()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := NewManager(writeFile(t, "config.yaml", sampleYAML)).Load()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !reflect.DeepEqual(j, y) {
		t.Fatalf("json and yaml differ:\n%+v\n%+v", j, y)
	}
	if j.Dispatch.RatePerSec != 2.5 || j.Upstream.Telegram.PollTimeout != "15s" || j.Display.AllowedOrigins[0] != "obs.example.com" {
		t.Fatalf("decoded = %+v", j)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"telegram":{}}`)); err == nil {
		t.Fatalf("unknown section accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c, err := Decode("c.json", []byte(sampleJSON))
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("sample invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad duration", func(c *Config) { c.Display.KeepAlive = "soon" }, "display.keep_alive"},
		{"negative duration", func(c *Config) { c.Dispatch.EventTimeout = "-1s" }, "dispatch.event_timeout"},
		{"negative workers", func(c *Config) { c.Dispatch.Workers = -1 }, "dispatch.workers"},
		{"no transport", func(c *Config) { c.Upstream.Telegram.Enabled = false }, "at least one transport"},
		{"default not enabled", func(c *Config) { c.Upstream.DefaultTransport = "wsfeed" }, "not enabled"},
		{"unknown default", func(c *Config) { c.Upstream.DefaultTransport = "irc" }, "unknown transport"},
		{"storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"timezone", func(c *Config) { c.Report.Timezone = "Mars/Olympus" }, "report.timezone"},
		{"schedule", func(c *Config) { c.Report.Schedule = "" }, "report.schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", " 250ms ", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "abc", time.Second); err == nil {
		t.Fatalf("invalid accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg, _ := Decode("c.json", []byte(sampleJSON))
	if sections, _ := SummarizeConfigChange(oldCfg, newCfg); len(sections) != 0 {
		t.Fatalf("identical configs changed: %v", sections)
	}

	newCfg.Dispatch.RatePerSec = 10
	newCfg.Storage.Path = "./other.db"
	newCfg.Admin.Token = "rotated"
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(sections, []string{"admin", "dispatch", "storage"}) {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RestartRequired(sections); !reflect.DeepEqual(got, []string{"storage"}) {
		t.Fatalf("restart required = %v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.json", sampleJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error { return nil })
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is never published.
	if err := os.WriteFile(path, []byte(strings.Replace(sampleJSON, `"workers": 4`, `"workers": -4`, 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case c := <-sub:
		t.Fatalf("invalid config published: %+v", c.Dispatch)
	default:
	}

	if err := os.WriteFile(path, []byte(strings.Replace(sampleJSON, `"workers": 4`, `"workers": 6`, 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-sub:
		if c.Dispatch.Workers != 6 || m.Get().Dispatch.Workers != 6 {
			t.Fatalf("published workers = %d", c.Dispatch.Workers)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
}
