package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
server:
  port: "9090"
log:
  level: debug
scoring:
  quiz_base: 2000
game:
  round_seconds: 45
  countdown_seconds: 5
client:
  max_backoff: 4s
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Log.Level != "debug" || cfg.Game.RoundSeconds != 45 || cfg.Game.CountdownSeconds != 5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Scoring.QuizBase != 2000 || cfg.Scoring.FlashcardPoints != 500 {
		t.Fatalf("expected partial scoring override, got %+v", cfg.Scoring)
	}
	if cfg.Client.MaxRetries != 3 {
		t.Fatalf("expected default retries, got %d", cfg.Client.MaxRetries)
	}
	if d := TTLDuration(cfg.Client.MaxBackoff, time.Second); d != 4*time.Second {
		t.Fatalf("expected 4s backoff, got %s", d)
	}
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6379")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "cache:6379" || cfg.Server.Port != "8080" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestTTLDurationFallback(t *testing.T) {
	cases := map[string]time.Duration{
		"":      time.Minute,
		"bogus": time.Minute,
		"90s":   90 * time.Second,
	}
	for raw, want := range cases {
		if got := TTLDuration(raw, time.Minute); got != want {
			t.Fatalf("TTLDuration(%q) = %s, want %s", raw, got, want)
		}
	}
}
