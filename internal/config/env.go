package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/FleetAgent/internal/env"
	"github.com/rs/zerolog/log"
)

var dotenvOnce sync.Once

// lookup returns the trimmed value of key; .env is loaded on first use.
func lookup(key string) (string, bool) {
	dotenvOnce.Do(func() { _ = env.Ensure() })
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// parsed keeps fallback when key is unset or does not parse.
func parsed[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := lookup(key)
	if !ok {
		return fallback
	}
	val, err := parse(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("value", raw).Msg("ignoring invalid environment value")
		return fallback
	}
	return val
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

func Duration(key string, fallback time.Duration) time.Duration {
	return parsed(key, fallback, time.ParseDuration)
}

func Int(key string, fallback int) int {
	return parsed(key, fallback, strconv.Atoi)
}

func Float(key string, fallback float64) float64 {
	return parsed(key, fallback, func(raw string) (float64, error) {
		return strconv.ParseFloat(raw, 64)
	})
}
