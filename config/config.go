package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every knob the service assembly needs. Components receive
// plain values from it; nothing reads the environment after Load returns.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	JWTSecret   string `env:"JWT_SECRET,required"`

	// MatchLimit caps how many ranked candidates a match query returns when
	// the caller does not ask for fewer.
	MatchLimit int `env:"MATCH_LIMIT" envDefault:"20"`

	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	OfferTTL   time.Duration `env:"OFFER_TTL" envDefault:"6h"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.MatchLimit <= 0 {
		return Config{}, fmt.Errorf("config: MATCH_LIMIT must be positive")
	}
	return cfg, nil
}
