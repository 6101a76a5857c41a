package chat

import (
	"os"
	"strconv"
	"strings"

	"github.com/andy6609/relaychat/internal/transport"
)

// Config holds the relay settings. Zero values are replaced by defaults in Sanitize.
type Config struct {
	Addr           string
	Admin          bool // lets clients stop the server with the shutdown token
	Framing        transport.Framing
	Dialect        string
	BufferSize     int
	OutboundQueue  int
	RegistryBuffer int
	AllowedOrigins []string
	MetricsAddr    string // empty disables /metrics
	WebSocketAddr  string // empty disables the websocket listener
	LogLevel       string
	LogFormat      string
}

func NewConfig() Config {
	return Config{
		Addr:           "127.0.0.1:12345",
		Framing:        transport.FramingRaw,
		Dialect:        ModernDialect.Name,
		BufferSize:     transport.DefaultBufferSize,
		OutboundQueue:  32,
		RegistryBuffer: 128,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// NewConfigFromEnv starts from defaults and applies CHAT_* variables. Values that
// fail to parse keep the default.
func NewConfigFromEnv() Config {
	cfg := NewConfig()

	if v := os.Getenv("CHAT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CHAT_ADMIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Admin = b
		}
	}
	if v := os.Getenv("CHAT_FRAMING"); v != "" {
		if f, err := transport.ParseFraming(v); err == nil {
			cfg.Framing = f
		}
	}
	if v := os.Getenv("CHAT_DIALECT"); v != "" {
		if d, err := DialectByName(v); err == nil {
			cfg.Dialect = d.Name
		}
	}
	if v := os.Getenv("CHAT_BUFFER_SIZE"); v != "" {
		cfg.BufferSize = parseIntValue(v, cfg.BufferSize)
	}
	if v := os.Getenv("CHAT_OUTBOUND_QUEUE"); v != "" {
		cfg.OutboundQueue = parseIntValue(v, cfg.OutboundQueue)
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("CHAT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CHAT_WS_ADDR"); v != "" {
		cfg.WebSocketAddr = v
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// Sanitize fills unset or invalid fields with defaults.
func (c Config) Sanitize() Config {
	def := NewConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if _, err := transport.ParseFraming(string(c.Framing)); err != nil {
		c.Framing = def.Framing
	}
	if _, err := DialectByName(c.Dialect); err != nil {
		c.Dialect = def.Dialect
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	if c.RegistryBuffer <= 0 {
		c.RegistryBuffer = def.RegistryBuffer
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
