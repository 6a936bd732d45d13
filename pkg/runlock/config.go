package runlock

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls run serialization.
type Config struct {
	// Enabled turns locking on. When false, WithinTx opens a plain
	// transaction, relying on the scheduler to never start two runs.
	Enabled bool

	// MaxRetries bounds how often the lock-row strategy retries a held lock.
	MaxRetries int

	// RetryInterval is the wait between lock-row attempts.
	RetryInterval time.Duration

	// StaleAfter is the age after which a lock row is considered abandoned
	// by a crashed run and removed.
	StaleAfter time.Duration

	// Holder identifies this process in the lock row.
	Holder string
}

// DefaultConfig returns a Config with locking enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxRetries:    30,
		RetryInterval: time.Second,
		StaleAfter:    30 * time.Minute,
		Holder:        defaultHolder(),
	}
}

// ConfigFromEnv reads lock settings from the environment, falling back to
// defaults for unset or malformed values.
//
// Environment variables:
//   - CURATOR_RUN_LOCK_ENABLED: "true" or "false" (default: "true")
//   - CURATOR_RUN_LOCK_RETRIES: attempts (default: 30)
//   - CURATOR_RUN_LOCK_RETRY_INTERVAL: seconds (default: 1)
//   - CURATOR_RUN_LOCK_STALE_AFTER: seconds (default: 1800)
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("CURATOR_RUN_LOCK_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CURATOR_RUN_LOCK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("CURATOR_RUN_LOCK_RETRY_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.RetryInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CURATOR_RUN_LOCK_STALE_AFTER"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.StaleAfter = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

func defaultHolder() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return hostname + "/" + strconv.Itoa(os.Getpid())
}
