// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/redact"
)

// Config holds all application configuration.
type Config struct {
	AgentURL        string
	Reconnect       ReconnectConfig
	Transport       TransportConfig
	Render          RenderConfig
	Log             LogConfig
	ConversationLog ConversationLogConfig
	Stub            StubConfig
}

// ReconnectConfig bounds reconnect attempts and the linear backoff step.
type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// TransportConfig tunes the WebSocket transport.
type TransportConfig struct {
	DialTimeout   time.Duration
	PingInterval  time.Duration // 0 disables keepalive pings
	SendQueueSize int
	ReadLimit     int64
}

// RenderConfig controls markdown rendering in the console.
type RenderConfig struct {
	Markdown bool
	WordWrap int
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// StubConfig configures the scripted agent server.
type StubConfig struct {
	Port          string
	ChunkDelay    time.Duration
	AnnounceTools bool
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := LoadUnvalidated()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadUnvalidated reads configuration from environment variables. Callers
// that apply overrides afterwards must call Validate themselves.
func LoadUnvalidated() *Config {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		AgentURL: getEnv("AGENT_URL", "ws://localhost:8000/ws/chat"),
		Reconnect: ReconnectConfig{
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		},
		Transport: TransportConfig{
			DialTimeout:   getEnvDuration("DIAL_TIMEOUT", 10*time.Second),
			PingInterval:  getEnvDuration("PING_INTERVAL", 30*time.Second),
			SendQueueSize: getEnvInt("SEND_QUEUE_SIZE", 16),
			ReadLimit:     int64(getEnvInt("READ_LIMIT_BYTES", 1<<20)),
		},
		Render: RenderConfig{
			Markdown: getEnvBool("RENDER_MARKDOWN", true),
			WordWrap: getEnvInt("WORD_WRAP", 80),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
		Stub: StubConfig{
			Port:          getEnv("STUB_PORT", "8000"),
			ChunkDelay:    getEnvDuration("STUB_CHUNK_DELAY", 30*time.Millisecond),
			AnnounceTools: getEnvBool("STUB_ANNOUNCE_TOOLS", true),
		},
	}
	return cfg
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.AgentURL == "" {
		return fmt.Errorf("AGENT_URL cannot be empty")
	}
	u, err := url.Parse(c.AgentURL)
	if err != nil {
		return fmt.Errorf("AGENT_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("AGENT_URL scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be > 0")
	}
	if c.Transport.DialTimeout <= 0 {
		return fmt.Errorf("DIAL_TIMEOUT must be > 0")
	}
	if c.Transport.PingInterval < 0 {
		return fmt.Errorf("PING_INTERVAL must be >= 0")
	}
	if c.Transport.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be > 0")
	}
	if c.Transport.ReadLimit <= 0 {
		return fmt.Errorf("READ_LIMIT_BYTES must be > 0")
	}
	if c.Render.WordWrap < 0 {
		return fmt.Errorf("WORD_WRAP must be >= 0")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.Stub.Port == "" {
		return fmt.Errorf("STUB_PORT cannot be empty")
	}
	if c.Stub.ChunkDelay < 0 {
		return fmt.Errorf("STUB_CHUNK_DELAY must be >= 0")
	}
	return nil
}

// SlogLevel parses Level into a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL is invalid: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger described by l. Credentials in
// attribute values are masked.
func (l LogConfig) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact.Attr}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("1.5s") or bare milliseconds ("1500").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
