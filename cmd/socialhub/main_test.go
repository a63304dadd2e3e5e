package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	for key, value := range map[string]string{
		"default.base_url":     "https://api.example.com/api/v1",
		"default.chat_url":     "wss://chat.example.com/ws",
		"default.notify_url":   "wss://notify.example.com/ws",
		"default.media_url":    "https://media.example.com/upload",
		"default.media_preset": "chat_uploads",
	} {
		if err := setConfigValue(cfg, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if cfg.Default.ChatURL != "wss://chat.example.com/ws" || cfg.Default.MediaPreset != "chat_uploads" {
		t.Errorf("unexpected config: %+v", cfg.Default)
	}

	for _, key := range []string{"base_url", "other.base_url", "default.token"} {
		t.Run(key, func(t *testing.T) {
			if err := setConfigValue(cfg, key, "x"); err == nil {
				t.Errorf("expected error for %q", key)
			}
		})
	}

	t.Run("url schemes", func(t *testing.T) {
		bad := map[string]string{
			"default.chat_url":  "https://chat.example.com/ws",
			"default.base_url":  "wss://api.example.com",
			"default.media_url": "not a url",
		}
		for key, value := range bad {
			if err := setConfigValue(cfg, key, value); err == nil {
				t.Errorf("%s accepted %q", key, value)
			}
		}
		if cfg.Default.ChatURL != "wss://chat.example.com/ws" {
			t.Errorf("rejected value was stored: %q", cfg.Default.ChatURL)
		}
		if err := setConfigValue(cfg, "default.base_url", "https://api.example.com/api/v1/"); err != nil {
			t.Fatal(err)
		}
		if cfg.Default.BaseURL != "https://api.example.com/api/v1" {
			t.Errorf("trailing slash kept: %q", cfg.Default.BaseURL)
		}
	})

	t.Run("unset", func(t *testing.T) {
		if err := setConfigValue(cfg, "default.chat_url", ""); err != nil {
			t.Fatal(err)
		}
		if cfg.Default.ChatURL != "" {
			t.Errorf("chat_url = %q", cfg.Default.ChatURL)
		}
	})
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SOCIALHUB_HOME", dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.Default.BaseURL != "" {
		t.Errorf("expected empty config, got %+v", cfg.Default)
	}

	cfg.Default.BaseURL = "http://localhost:8888/api/v1"
	cfg.Default.MediaURL = "https://media.example.com/upload"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %v", info.Mode().Perm())
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Default != cfg.Default {
		t.Errorf("reloaded %+v, want %+v", got.Default, cfg.Default)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[default\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(); err == nil {
		t.Error("expected parse error for a broken file")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.WarnLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("short"); got != "****" {
		t.Errorf("short token = %q", got)
	}
	if got := maskToken("eyJhbGciOiJIUzI1NiJ9.payload.signature"); got != "eyJhbGci...ture" {
		t.Errorf("long token = %q", got)
	}
}

func TestOfferNeverBlocks(t *testing.T) {
	ch := make(chan int, 2)
	send := offer(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			send(i)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("offer blocked on a full channel")
	}

	if got := <-ch; got != 0 {
		t.Errorf("first event = %d", got)
	}
	if got := <-ch; got != 1 {
		t.Errorf("second event = %d", got)
	}
}
