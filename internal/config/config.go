package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"study-game-service/internal/scoring"
)

type Config struct {
	Server struct {
		Port            string `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
		PingInterval    string `yaml:"ping_interval"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Deck struct {
		TTL string `yaml:"ttl"`
	} `yaml:"deck"`
	// Game holds defaults for settings a host leaves unset.
	Game struct {
		MaxParticipants  int `yaml:"max_participants"`
		RoundSeconds     int `yaml:"round_seconds"`
		CountdownSeconds int `yaml:"countdown_seconds"`
	} `yaml:"game"`
	Scoring scoring.Rules `yaml:"scoring"`
	Client  struct {
		BaseURL           string `yaml:"base_url"`
		MaxRetries        int    `yaml:"max_retries"`
		ReconnectAttempts int    `yaml:"reconnect_attempts"`
		MaxBackoff        string `yaml:"max_backoff"`
	} `yaml:"client"`
}

// Default is the configuration used when no file is present.
func Default() Config {
	cfg := Config{}
	cfg.Server.Port = "8080"
	cfg.Log.Level = "info"
	cfg.Scoring = scoring.DefaultRules()
	cfg.Client.BaseURL = "http://localhost:8080"
	cfg.Client.MaxRetries = 3
	cfg.Client.ReconnectAttempts = 5
	cfg.Client.MaxBackoff = "8s"
	return cfg
}

// Load reads a .env file if one exists, then YAML config from path over the defaults.
// A missing config file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
