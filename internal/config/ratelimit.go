package config

import "time"

// RateLimitConfig drives the redis token bucket in front of seat selection.
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED" env-default:"true"`
	Capacity       int           `yaml:"capacity" env:"RATE_LIMIT_CAPACITY" env-default:"60"`
	RefillTokens   int           `yaml:"refill_tokens" env:"RATE_LIMIT_REFILL_TOKENS" env-default:"1"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"RATE_LIMIT_REFILL_INTERVAL" env-default:"1s"`
	TTL            time.Duration `yaml:"ttl" env:"RATE_LIMIT_TTL" env-default:"10m"`
	KeyStrategy    string        `yaml:"key_strategy" env:"RATE_LIMIT_KEY_STRATEGY" env-default:"buyer_event"`
	Prefix         string        `yaml:"prefix" env:"RATE_LIMIT_PREFIX" env-default:"rl"`
	Debug          bool          `yaml:"debug" env:"RATE_LIMIT_DEBUG" env-default:"false"`
}

func (c *RateLimitConfig) normalize() {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
}
