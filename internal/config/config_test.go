package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_PORT", "DB_PATH", "TRANSPORT", "AUTH_TIMEOUT", "AUTO_ACCEPT_PEERS", "LOG_LEVEL", "SMS_CAPABLE", "LIST_DEFAULT_LIMIT"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.HTTPPort != 3025 || cfg.DBPath != "btmap.db" || cfg.Transport != TransportBluez {
		t.Errorf("Load() = %+v", cfg)
	}
	if cfg.AuthTimeout != 25*time.Second || cfg.WakeLockDelay != 10*time.Second {
		t.Errorf("timeouts = %v, %v", cfg.AuthTimeout, cfg.WakeLockDelay)
	}
	if cfg.ListLimit != 1024 {
		t.Errorf("ListLimit = %d", cfg.ListLimit)
	}
	if !cfg.SMSCapable || cfg.LogLevel != slog.LevelInfo || cfg.AutoAcceptPeers != nil {
		t.Errorf("Load() = %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", " 8080 ")
	t.Setenv("TRANSPORT", "TCP")
	t.Setenv("AUTH_TIMEOUT", "90s")
	t.Setenv("WAKE_LOCK_DELAY", "-1s")
	t.Setenv("SMS_CAPABLE", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("AUTO_ACCEPT_PEERS", "AA:BB:CC:DD:EE:FF, ,11:22:33:44:55:66")
	t.Setenv("RFCOMM_BASE_CHANNEL", "nope")
	t.Setenv("LIST_DEFAULT_LIMIT", "50")

	cfg := Load()
	if cfg.HTTPPort != 8080 || cfg.Transport != TransportTCP || cfg.SMSCapable {
		t.Errorf("Load() = %+v", cfg)
	}
	if cfg.AuthTimeout != 90*time.Second {
		t.Errorf("AuthTimeout = %v", cfg.AuthTimeout)
	}
	if cfg.WakeLockDelay != 10*time.Second {
		t.Errorf("negative WakeLockDelay not ignored: %v", cfg.WakeLockDelay)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.RFCOMMBaseChannel != 0 {
		t.Errorf("RFCOMMBaseChannel = %d", cfg.RFCOMMBaseChannel)
	}
	if cfg.ListLimit != 50 {
		t.Errorf("ListLimit = %d", cfg.ListLimit)
	}
	want := []string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66"}
	if diff := cmp.Diff(want, cfg.AutoAcceptPeers); diff != "" {
		t.Errorf("AutoAcceptPeers mismatch (-want +got):\n%s", diff)
	}
}
