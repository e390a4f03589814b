package bridge

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hermes/internal/fees"
	"hermes/pkg/config"
)

type Config struct {
	FeeBasisPoints int
	Provider       string
	// NativeUGXRate converts the chain's native gas token to UGX for gas credit debits.
	NativeUGXRate decimal.Decimal
	// DefaultUGXPerUSD is served when the on-chain rate cannot be read.
	DefaultUGXPerUSD decimal.Decimal
	// ClaimTTL must exceed the chain tx timeout so a live mint is never taken over.
	ClaimTTL     time.Duration
	RateCacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		FeeBasisPoints:   150,
		Provider:         "mtn",
		NativeUGXRate:    decimal.NewFromInt(3700),
		DefaultUGXPerUSD: decimal.NewFromInt(3700),
		ClaimTTL:         15 * time.Minute,
		RateCacheTTL:     time.Minute,
	}
}

func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.FeeBasisPoints = config.GetEnvInt("PROVIDER_FEE_BPS", cfg.FeeBasisPoints)
	cfg.Provider = config.GetEnv("MOMO_PROVIDER", cfg.Provider)
	cfg.NativeUGXRate = envDecimal("NATIVE_TOKEN_UGX_RATE", cfg.NativeUGXRate)
	cfg.DefaultUGXPerUSD = envDecimal("DEFAULT_UGX_PER_USD", cfg.DefaultUGXPerUSD)
	cfg.ClaimTTL = config.GetEnvDuration("SETTLEMENT_CLAIM_TTL", cfg.ClaimTTL)
	cfg.RateCacheTTL = config.GetEnvDuration("RATE_CACHE_TTL", cfg.RateCacheTTL)
	if cfg.FeeBasisPoints < 0 || cfg.FeeBasisPoints > fees.MaxBasisPoints {
		cfg.FeeBasisPoints = DefaultConfig().FeeBasisPoints
	}
	return cfg
}

// Validate checks settings that depend on the chain relay. A claim that can go
// stale while a relayed mint is still waiting would let a second settler mint.
func (c Config) Validate(chainTxTimeout time.Duration) error {
	if c.ClaimTTL <= chainTxTimeout {
		return fmt.Errorf("SETTLEMENT_CLAIM_TTL (%s) must exceed CHAIN_TX_TIMEOUT (%s)", c.ClaimTTL, chainTxTimeout)
	}
	return nil
}

func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := config.GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || !v.IsPositive() {
		return fallback
	}
	return v
}
