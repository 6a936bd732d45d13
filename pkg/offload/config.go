package offload

import (
	"os"
	"strconv"

	"github.com/figcuration/curator/pkg/runlock"
	"github.com/figcuration/curator/pkg/split"
)

// Config controls an offload run.
type Config struct {
	// Split is passed to the split assigner of every training set.
	Split split.Options

	// ConsumeStaging promotes consumed corrections in the work table so the
	// next run does not pick them up again.
	ConsumeStaging bool

	Lock runlock.Config
}

// DefaultConfig returns the default offload configuration.
func DefaultConfig() Config {
	return Config{
		Split:          split.DefaultOptions(),
		ConsumeStaging: true,
		Lock:           runlock.DefaultConfig(),
	}
}

// ConfigFromEnv loads config from environment variables.
// CURATOR_TEST_FRACTION, CURATOR_VAL_FRACTION, CURATOR_SPLIT_SEED,
// CURATOR_CONSUME_STAGING, plus the CURATOR_RUN_LOCK_* variables read by
// runlock.ConfigFromEnv.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Lock = runlock.ConfigFromEnv()

	if v := os.Getenv("CURATOR_TEST_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f < 1 {
			cfg.Split.TestFraction = f
		}
	}
	if v := os.Getenv("CURATOR_VAL_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f < 1 {
			cfg.Split.ValFraction = f
		}
	}
	if v := os.Getenv("CURATOR_SPLIT_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Split.Seed = n
		}
	}
	if v := os.Getenv("CURATOR_CONSUME_STAGING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ConsumeStaging = b
		}
	}
	return cfg
}
