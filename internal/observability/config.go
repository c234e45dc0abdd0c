// Package observability is a small additive surface: an HTTP endpoint
// exposing liveness/readiness and Prometheus metrics for the daemon,
// entirely independent of the daemon's own config-file contract so it can
// be disabled without touching that contract at all.
package observability

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is sourced from the process environment, deliberately separate
// from the daemon's key=value file config, which never names environment
// variables as part of the core daemon's own contract.
type Config struct {
	Addr string `env:"OBSERVABILITY_ADDR" envDefault:"127.0.0.1:9090"`
}

// Enabled reports whether the observability surface should start at all;
// setting OBSERVABILITY_ADDR="" disables it outright.
func (c Config) Enabled() bool { return c.Addr != "" }

// LoadConfig reads the observability bootstrap config from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse observability env config: %w", err)
	}
	return cfg, nil
}
