package app

import (
	"fmt"
	"strings"
	"time"

	"alertbot/internal/config"
	"alertbot/internal/dispatch"
	"alertbot/internal/display"
	"alertbot/internal/report"
	"alertbot/internal/storage"
	"alertbot/internal/upstream"
	"alertbot/internal/upstream/telegram"
	"alertbot/internal/upstream/wsfeed"
	logx "alertbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

type displayConfig struct {
	pool    display.Options
	handler display.HandlerConfig
}

func mapDisplayConfig(cfg *config.Config) (displayConfig, error) {
	dc := cfg.Display
	keepAlive, err := config.ParseDurationOrDefault("display.keep_alive", dc.KeepAlive, 30*time.Second)
	if err != nil {
		return displayConfig{}, err
	}
	send, err := config.ParseDurationOrDefault("display.send_timeout", dc.SendTimeout, 5*time.Second)
	if err != nil {
		return displayConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("display.idle_timeout", dc.IdleTimeout, 90*time.Second)
	if err != nil {
		return displayConfig{}, err
	}
	return displayConfig{
		pool: display.Options{SendTimeout: send},
		handler: display.HandlerConfig{
			KeepAlive:      keepAlive,
			WriteTimeout:   send,
			IdleTimeout:    idle,
			MaxMessageSize: dc.MaxMessageSize,
			AllowedOrigins: dc.AllowedOrigins,
		},
	}, nil
}

// buildTransports registers the enabled transports. The default is
// upstream.default_transport or the first enabled one.
func buildTransports(cfg *config.Config, log logx.Logger) (*upstream.Registry, error) {
	uc := cfg.Upstream
	var ts []upstream.Transport
	if uc.Telegram.Enabled {
		poll, err := config.ParseDurationOrDefault("upstream.telegram.poll_timeout", uc.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ts = append(ts, telegram.New(telegram.Config{PollTimeout: poll, APIURL: strings.TrimSpace(uc.Telegram.APIURL)}, log))
	}
	if uc.WSFeed.Enabled {
		ts = append(ts, wsfeed.New(wsfeed.Config{URL: strings.TrimSpace(uc.WSFeed.URL)}, log))
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("upstream: no transport enabled")
	}
	def := strings.TrimSpace(uc.DefaultTransport)
	if def == "" {
		def = ts[0].Name()
	}
	return upstream.NewRegistry(def, ts...), nil
}

func mapUpstreamConfig(cfg *config.Config) (upstream.Config, error) {
	hs, err := config.ParseDurationOrDefault("upstream.handshake_timeout", cfg.Upstream.HandshakeTimeout, 15*time.Second)
	if err != nil {
		return upstream.Config{}, err
	}
	return upstream.Config{HandshakeTimeout: hs, QueueSize: cfg.Upstream.QueueSize}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	timeout, err := config.ParseDurationOrDefault("dispatch.event_timeout", dc.EventTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:      dc.Workers,
		QueueSize:    dc.QueueSize,
		RatePerSec:   dc.RatePerSec,
		Burst:        dc.Burst,
		EventTimeout: timeout,
	}, nil
}

func mapReportConfig(cfg *config.Config) report.Config {
	return report.Config{
		Enabled:  cfg.Report.Enabled,
		Schedule: strings.TrimSpace(cfg.Report.Schedule),
		Timezone: strings.TrimSpace(cfg.Report.Timezone),
	}
}

type httpConfig struct {
	addr              string
	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
	shutdownTimeout   time.Duration
}

func mapHTTPConfig(cfg *config.Config) (httpConfig, error) {
	hc := cfg.HTTP
	out := httpConfig{addr: strings.TrimSpace(hc.Addr)}
	if out.addr == "" {
		out.addr = ":8080"
	}
	var err error
	if out.readHeaderTimeout, err = config.ParseDurationOrDefault("http.read_header_timeout", hc.ReadHeaderTimeout, 5*time.Second); err != nil {
		return httpConfig{}, err
	}
	if out.idleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 2*time.Minute); err != nil {
		return httpConfig{}, err
	}
	if out.shutdownTimeout, err = config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, 10*time.Second); err != nil {
		return httpConfig{}, err
	}
	return out, nil
}
