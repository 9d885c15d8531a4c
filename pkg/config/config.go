package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBPath       string
	CacheDBPath  string
	Addr         string
	PollInterval time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DBPath:       getenv("KOPERASI_DB_PATH", "koperasi.db"),
		CacheDBPath:  getenv("KOPERASI_CACHE_DB_PATH", "koperasi_cache.db"),
		Addr:         getenv("KOPERASI_ADDR", ":8080"),
		PollInterval: 5 * time.Second,
	}

	if v := os.Getenv("KOPERASI_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid KOPERASI_POLL_INTERVAL %q: %w", v, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("KOPERASI_POLL_INTERVAL must be positive, got %s", d)
		}
		cfg.PollInterval = d
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
