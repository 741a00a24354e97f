package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	env "github.com/Netflix/go-env"

	"github.com/petervdpas/friendrelay/internal/util"
)

// FileName is the config file looked up inside a relay data directory.
const FileName = "relay.json"

type Config struct {
	Server    Server    `json:"server"`
	Storage   Storage   `json:"storage"`
	Auth      Auth      `json:"auth"`
	Relay     Relay     `json:"relay"`
	Transport Transport `json:"transport"`
	Events    Events    `json:"events"`
	Log       Log       `json:"log"`
}

type Server struct {
	HTTPAddr string `json:"http_addr" env:"FRIENDRELAY_HTTP_ADDR"`

	// Password for /online.json and /logs.json (HTTP Basic Auth, user: "admin").
	// Empty means the admin endpoints are disabled (403).
	AdminPassword string `json:"admin_password" env:"FRIENDRELAY_ADMIN_PASSWORD"`

	// Origins allowed by CORS and by the websocket origin check.
	// A single "*" allows any origin.
	AllowedOrigins []string `json:"allowed_origins"`
}

type Storage struct {
	// SQLite database file, relative to the data directory.
	DBPath string `json:"db_path" env:"FRIENDRELAY_DB_PATH"`
}

type Auth struct {
	// HMAC secret for handshake tokens. Empty means a random secret is
	// generated on every start, which invalidates tokens across restarts.
	TokenSecret     string `json:"token_secret" env:"FRIENDRELAY_TOKEN_SECRET"`
	TokenTTLMinutes int    `json:"token_ttl_minutes" env:"FRIENDRELAY_TOKEN_TTL_MINUTES"`
}

type Relay struct {
	MaxMessageBytes int     `json:"max_message_bytes" env:"FRIENDRELAY_MAX_MESSAGE_BYTES"`
	EventsPerSecond float64 `json:"events_per_second" env:"FRIENDRELAY_EVENTS_PER_SECOND"`
	EventBurst      int     `json:"event_burst" env:"FRIENDRELAY_EVENT_BURST"`

	// Upper bound on messages returned by one conversation query.
	HistoryLimit int `json:"history_limit" env:"FRIENDRELAY_HISTORY_LIMIT"`
}

type Transport struct {
	SendBuffer          int   `json:"send_buffer"`
	WriteWaitSeconds    int   `json:"write_wait_seconds"`
	PongWaitSeconds     int   `json:"pong_wait_seconds"`
	PingIntervalSeconds int   `json:"ping_interval_seconds"`
	MaxFrameBytes       int64 `json:"max_frame_bytes"`
}

type Events struct {
	// NATS server URL. Empty disables activity publishing.
	NATSURL       string `json:"nats_url" env:"FRIENDRELAY_NATS_URL"`
	SubjectPrefix string `json:"subject_prefix" env:"FRIENDRELAY_NATS_SUBJECT_PREFIX"`
}

type Log struct {
	Level string `json:"level" env:"FRIENDRELAY_LOG_LEVEL"`

	// Per-subsystem overrides, e.g. {"transport": "debug"}.
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr:       "127.0.0.1:8000",
			AllowedOrigins: []string{"*"},
		},
		Storage: Storage{
			DBPath: "data/relay.db",
		},
		Auth: Auth{
			TokenTTLMinutes: 24 * 60,
		},
		Relay: Relay{
			MaxMessageBytes: 4096,
			EventsPerSecond: 20,
			EventBurst:      40,
			HistoryLimit:    500,
		},
		Transport: Transport{
			SendBuffer:          64,
			WriteWaitSeconds:    10,
			PongWaitSeconds:     60,
			PingIntervalSeconds: 25,
			MaxFrameBytes:       64 * 1024,
		},
		Events: Events{
			SubjectPrefix: "friendrelay",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	host, port, err := net.SplitHostPort(strings.TrimSpace(c.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("server.http_addr: %w", err)
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return errors.New("server.http_addr host must be an IP address or localhost")
	}
	if port == "" {
		return errors.New("server.http_addr port is required")
	}
	for _, o := range c.Server.AllowedOrigins {
		if o == "*" {
			continue
		}
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server.allowed_origins: invalid origin %q", o)
		}
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}

	// Auth
	if c.Auth.TokenTTLMinutes <= 0 {
		return errors.New("auth.token_ttl_minutes must be > 0")
	}
	if c.Auth.TokenSecret != "" && len(c.Auth.TokenSecret) < 16 {
		return errors.New("auth.token_secret must be at least 16 characters")
	}

	// Relay
	if c.Relay.MaxMessageBytes < 1 || c.Relay.MaxMessageBytes > 1<<20 {
		return errors.New("relay.max_message_bytes must be 1..1048576")
	}
	if c.Relay.EventsPerSecond <= 0 {
		return errors.New("relay.events_per_second must be > 0")
	}
	if c.Relay.EventBurst < 1 {
		return errors.New("relay.event_burst must be >= 1")
	}
	if c.Relay.HistoryLimit < 1 {
		return errors.New("relay.history_limit must be >= 1")
	}

	// Transport
	if c.Transport.SendBuffer < 1 {
		return errors.New("transport.send_buffer must be >= 1")
	}
	if c.Transport.WriteWaitSeconds <= 0 {
		return errors.New("transport.write_wait_seconds must be > 0")
	}
	if c.Transport.PongWaitSeconds <= 0 {
		return errors.New("transport.pong_wait_seconds must be > 0")
	}
	if c.Transport.PingIntervalSeconds <= 0 {
		return errors.New("transport.ping_interval_seconds must be > 0")
	}
	if c.Transport.PingIntervalSeconds >= c.Transport.PongWaitSeconds {
		return errors.New("transport.ping_interval_seconds must be < transport.pong_wait_seconds")
	}
	if c.Transport.MaxFrameBytes < int64(c.Relay.MaxMessageBytes) {
		return errors.New("transport.max_frame_bytes must be >= relay.max_message_bytes")
	}

	// Events
	if u := strings.TrimSpace(c.Events.NATSURL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("events.nats_url: invalid url %q", u)
		}
		if strings.TrimSpace(c.Events.SubjectPrefix) == "" {
			return errors.New("events.subject_prefix is required when events.nats_url is set")
		}
	}

	// Log
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	for name, lvl := range c.Log.Subsystems {
		if !validLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: unknown level %q", name, lvl)
		}
	}

	return nil
}

// Load reads the file, applies FRIENDRELAY_* environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without env overrides or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables on cfg. Unset variables leave the
// file value untouched.
func ApplyEnv(cfg *Config) error {
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
