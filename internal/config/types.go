package config

// Config is the process configuration, loaded from JSON or YAML.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Hot-reloadable: logging, dispatch rate/burst/event_timeout, report.
// Everything else is read once at startup.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Display  DisplayConfig  `json:"display"`
	Upstream UpstreamConfig `json:"upstream"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Report   ReportConfig   `json:"report"`
	Admin    AdminConfig    `json:"admin"`
}

// HTTPConfig controls the listener serving overlays, admin and metrics.
//
// Defaults: addr ":8080", read_header_timeout "5s", idle_timeout "2m",
// shutdown_timeout "10s". WriteTimeout stays 0 because display sockets are
// long-lived.
type HTTPConfig struct {
	Addr              string `json:"addr"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DisplayConfig controls overlay websocket connections.
//
// Defaults: keep_alive "30s", send_timeout "5s", idle_timeout "90s",
// max_message_size 4096.
type DisplayConfig struct {
	KeepAlive      string `json:"keep_alive,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	MaxMessageSize int64  `json:"max_message_size,omitempty"`
	// AllowedOrigins restricts browser origins (full origin or host).
	// Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// UpstreamConfig controls tenant bot connections.
type UpstreamConfig struct {
	// DefaultTransport is used when a tenant's credentials don't name one.
	DefaultTransport string `json:"default_transport"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	// AutoConnect lists tenants connected at startup.
	AutoConnect []string `json:"auto_connect,omitempty"`

	Telegram TelegramUpstream `json:"telegram"`
	WSFeed   WSFeedUpstream   `json:"wsfeed"`
}

type TelegramUpstream struct {
	Enabled     bool   `json:"enabled"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
}

type WSFeedUpstream struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
}

// DispatchConfig controls the fan-out dispatcher.
//
// Defaults: workers 8, queue_size 128, rate_per_sec 0 (unlimited),
// event_timeout "10s".
type DispatchConfig struct {
	Workers      int     `json:"workers,omitempty"`
	QueueSize    int     `json:"queue_size,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	EventTimeout string  `json:"event_timeout,omitempty"`
}

// StorageConfig selects the alert catalog and credential store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/alertbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// ReportConfig controls the periodic fan-out snapshot log.
type ReportConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec (5 fields or descriptors like "@every 5m").
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// AdminConfig protects the admin routes.
type AdminConfig struct {
	// Token is compared against "Authorization: Bearer <token>". Empty
	// leaves admin routes open (bind http.addr to localhost then).
	Token string `json:"token,omitempty"`
}
