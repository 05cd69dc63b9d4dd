package session

import (
	"strings"
	"testing"

	"github.com/golang-io/mqttcore/packet"
)

func TestDefaultClientIDHasExpectedPrefix(t *testing.T) {
	id := DefaultClientID()
	if !strings.HasPrefix(id, "mqtt-") {
		t.Fatalf("expected mqtt- prefix, got %q", id)
	}
	if len(id) <= len("mqtt-") {
		t.Fatalf("expected a non-empty suffix, got %q", id)
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	if cfg.Version != packet.VERSION311 {
		t.Fatalf("expected default version 3.1.1, got %x", cfg.Version)
	}
	if !cfg.AutoReconnect {
		t.Fatal("expected auto-reconnect enabled by default")
	}
	if cfg.ReceiveMaximum != 65535 {
		t.Fatalf("expected default receive maximum 65535, got %d", cfg.ReceiveMaximum)
	}
}

func TestWithVersionAcceptsStringOrByte(t *testing.T) {
	cfg := NewConfig(WithVersion("5.0.0"))
	if cfg.Version != packet.VERSION500 {
		t.Fatalf("expected v5.0.0, got %x", cfg.Version)
	}
	cfg2 := NewConfig(WithVersion(packet.VERSION500))
	if cfg2.Version != packet.VERSION500 {
		t.Fatalf("expected v5.0.0 from byte form, got %x", cfg2.Version)
	}
}

func TestWithOutboxLimits(t *testing.T) {
	cfg := NewConfig(WithOutboxLimits(0, 1024))
	if cfg.OutboxSizeCap != 1024 {
		t.Fatalf("expected size cap 1024, got %d", cfg.OutboxSizeCap)
	}
}
