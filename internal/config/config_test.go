package config

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EventSubject != "wchat.events" {
		t.Errorf("EventSubject = %q", cfg.EventSubject)
	}
	if cfg.InactivityTimeout != 5*time.Minute {
		t.Errorf("InactivityTimeout = %s, want 5m", cfg.InactivityTimeout)
	}
	if !cfg.InactivityResetOnTalk {
		t.Error("InactivityResetOnTalk should default to true")
	}
	if cfg.GreetingDelay != 500*time.Millisecond {
		t.Errorf("GreetingDelay = %s", cfg.GreetingDelay)
	}
	if cfg.ServerName == "" {
		t.Error("ServerName should fall back to the hostname")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("INACTIVITY_TIMEOUT", "90s")
	t.Setenv("INACTIVITY_RESET_ON_TALK", "false")
	t.Setenv("SERVER_NAME", "relay-7")
	t.Setenv("BOT_MAX_INFLIGHT", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InactivityTimeout != 90*time.Second || cfg.InactivityResetOnTalk {
		t.Errorf("inactivity = %s / %v", cfg.InactivityTimeout, cfg.InactivityResetOnTalk)
	}
	if cfg.ServerName != "relay-7" || cfg.BotMaxInFlight != 3 {
		t.Errorf("unexpected %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"bad duration", "BOT_TIMEOUT", "soon", "parse env:"},
		{"zero timeout", "INACTIVITY_TIMEOUT", "0s", "INACTIVITY_TIMEOUT"},
		{"no workers", "TIMER_WORKERS", "0", "TIMER_WORKERS"},
		{"bad level", "LOG_LEVEL", "chatty", "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "room", "r1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, `"room":"r1"`) {
		t.Errorf("expected JSON output, got %q", out)
	}
}
