package chat

import (
	"testing"

	"github.com/andy6609/relaychat/internal/transport"
)

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("CHAT_ADDR", "0.0.0.0:4000")
	t.Setenv("CHAT_ADMIN", "true")
	t.Setenv("CHAT_FRAMING", "line")
	t.Setenv("CHAT_DIALECT", "legacy")
	t.Setenv("CHAT_BUFFER_SIZE", "2048")
	t.Setenv("CHAT_OUTBOUND_QUEUE", "-3")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("CHAT_METRICS_ADDR", ":9090")

	cfg := NewConfigFromEnv()

	if cfg.Addr != "0.0.0.0:4000" || !cfg.Admin {
		t.Fatalf("addr/admin = %q/%v", cfg.Addr, cfg.Admin)
	}
	if cfg.Framing != transport.FramingLine || cfg.Dialect != "legacy" {
		t.Fatalf("framing/dialect = %q/%q", cfg.Framing, cfg.Dialect)
	}
	if cfg.BufferSize != 2048 {
		t.Fatalf("buffer = %d", cfg.BufferSize)
	}
	if cfg.OutboundQueue != NewConfig().OutboundQueue {
		t.Fatalf("invalid queue size not ignored: %d", cfg.OutboundQueue)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("origins = %q", cfg.AllowedOrigins)
	}
	if cfg.MetricsAddr != ":9090" || cfg.WebSocketAddr != "" {
		t.Fatalf("metrics/ws = %q/%q", cfg.MetricsAddr, cfg.WebSocketAddr)
	}
}

func TestNewConfigFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("CHAT_ADMIN", "maybe")
	t.Setenv("CHAT_FRAMING", "json")
	t.Setenv("CHAT_DIALECT", "klingon")

	cfg := NewConfigFromEnv()
	def := NewConfig()
	if cfg.Admin || cfg.Framing != def.Framing || cfg.Dialect != def.Dialect {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestConfig_Sanitize(t *testing.T) {
	cfg := Config{Framing: "bogus", Dialect: "bogus", BufferSize: -1}.Sanitize()
	def := NewConfig()
	if cfg.Addr != def.Addr || cfg.Framing != def.Framing || cfg.Dialect != def.Dialect {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.BufferSize != def.BufferSize || cfg.OutboundQueue != def.OutboundQueue || cfg.RegistryBuffer != def.RegistryBuffer {
		t.Fatalf("sizes = %+v", cfg)
	}
}

func TestDialectByName(t *testing.T) {
	if d, err := DialectByName(""); err != nil || d != ModernDialect {
		t.Fatalf("default dialect = %+v, %v", d, err)
	}
	if d, err := DialectByName("Legacy"); err != nil || d.Quit != "quit" {
		t.Fatalf("legacy dialect = %+v, %v", d, err)
	}
	if _, err := DialectByName("irc"); err == nil {
		t.Fatal("expected error")
	}
}
