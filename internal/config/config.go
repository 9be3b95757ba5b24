// Package config loads crashwatch's runtime configuration: the
// application identity, exception-handling policy, and output path
// named in spec §6. Two loading paths are supported, matching how
// `cmd/ipsw` and a daemonized service respectively prefer to be
// configured: `Load` populates a Config from the environment via
// struct tags (github.com/caarlos0/env/v8), while `cmd/crashwatch`
// binds the same fields to cobra flags through viper.
package config

import (
	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"

	"github.com/blacktop/crashwatch/internal/logwriter"
)

// Handling is the exception-handling policy from spec §6:
// `exception_handling` ∈ {none, uncaught-only, all}.
type Handling string

const (
	HandlingNone         Handling = "none"
	HandlingUncaughtOnly Handling = "uncaught-only"
	HandlingAll          Handling = "all"
)

// Valid reports whether h is one of the three recognized values.
func (h Handling) Valid() bool {
	switch h {
	case HandlingNone, HandlingUncaughtOnly, HandlingAll:
		return true
	default:
		return false
	}
}

// Config is the reporter's runtime configuration, per spec §6.
type Config struct {
	ApplicationIdentifier string   `env:"CRASHWATCH_APPLICATION_IDENTIFIER"`
	ApplicationVersion    string   `env:"CRASHWATCH_APPLICATION_VERSION"`
	ExceptionHandling     Handling `env:"CRASHWATCH_EXCEPTION_HANDLING" envDefault:"uncaught-only"`
	OutputPath            string   `env:"CRASHWATCH_OUTPUT_PATH" envDefault:"crash.log"`

	// PostCrashCallback, when set, is invoked with the exception record
	// before it is written, the same way a registered PLCrashReporter
	// post-crash callback is given the chance to inspect or augment the
	// report. It is not populated from the environment; callers wire it
	// in code.
	PostCrashCallback func(*logwriter.ExceptionRecord) `env:"-"`
}

// Load reads a Config from the process environment, the way a
// long-running service would be configured rather than through CLI
// flags (spec §6, "daemonized/non-CLI embedding").
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing crashwatch config from environment")
	}
	if !cfg.ExceptionHandling.Valid() {
		return Config{}, errors.Errorf("invalid exception_handling %q", cfg.ExceptionHandling)
	}
	return cfg, nil
}
