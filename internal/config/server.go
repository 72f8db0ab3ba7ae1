package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Server is the HTTP server configuration, read from the environment.
type Server struct {
	Port        string        // PORT, default 8080
	DatabaseURL string        // DATABASE_URL, empty means in-memory store
	RedisURL    string        // REDIS_URL, empty disables the cache
	CacheTTL    time.Duration // CACHE_TTL, default 30s
	LogLevel    slog.Level    // LOG_LEVEL, default info
}

// FromEnv reads the server configuration.
func FromEnv() (Server, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Server, error) {
	s := Server{Port: "8080", CacheTTL: 30 * time.Second, LogLevel: slog.LevelInfo}
	if v, ok := lookup("PORT"); ok && v != "" {
		s.Port = v
	}
	s.DatabaseURL, _ = lookup("DATABASE_URL")
	s.RedisURL, _ = lookup("REDIS_URL")
	if v, ok := lookup("CACHE_TTL"); ok && v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return s, fmt.Errorf("invalid CACHE_TTL: %w", err)
		}
		s.CacheTTL = ttl
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		level, err := ParseLevel(v)
		if err != nil {
			return s, err
		}
		s.LogLevel = level
	}
	return s, nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
