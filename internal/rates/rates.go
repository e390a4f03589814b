// Package rates serves the UGX/USD exchange rate read from the bridge contract.
package rates

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"hermes/pkg/logging"
)

const cacheKey = "hermes:rates:ugx_per_usd"

// Sources a Rates value can come from.
const (
	SourceChain    = "chain"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Reader reads the on-chain UGX-per-USD rate.
type Reader interface {
	UGXPerUSD(ctx context.Context) (decimal.Decimal, error)
}

// Rates is the current quote. UGDX is pegged 1:1 to UGX.
type Rates struct {
	UGXPerUSD  decimal.Decimal
	USDPerUGX  decimal.Decimal
	UGDXPerUGX decimal.Decimal
	Source     string
}

func newRates(ugxPerUSD decimal.Decimal, source string) Rates {
	return Rates{
		UGXPerUSD:  ugxPerUSD,
		USDPerUGX:  decimal.NewFromInt(1).DivRound(ugxPerUSD, 12),
		UGDXPerUGX: decimal.NewFromInt(1),
		Source:     source,
	}
}

type Config struct {
	TTL      time.Duration
	Fallback decimal.Decimal
}

// Service caches the chain read in redis when available, else in process.
// Concurrent misses share one chain call.
type Service struct {
	reader   Reader
	redis    goredis.UniversalClient
	ttl      time.Duration
	fallback decimal.Decimal
	logger   logging.Logger
	sf       singleflight.Group

	mu        sync.Mutex
	local     decimal.Decimal
	localTill time.Time
	now       func() time.Time
}

// NewService builds the rate service. redis may be nil.
func NewService(reader Reader, redis goredis.UniversalClient, cfg Config, logger logging.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if !cfg.Fallback.IsPositive() {
		cfg.Fallback = decimal.NewFromInt(3700)
	}
	return &Service{
		reader:   reader,
		redis:    redis,
		ttl:      cfg.TTL,
		fallback: cfg.Fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Current never fails: read errors fall back to the configured default.
func (s *Service) Current(ctx context.Context) Rates {
	if v, ok := s.cached(ctx); ok {
		return newRates(v, SourceCache)
	}

	res, err, _ := s.sf.Do(cacheKey, func() (interface{}, error) {
		v, err := s.reader.UGXPerUSD(ctx)
		if err != nil {
			return nil, err
		}
		if !v.IsPositive() {
			return nil, errors.New("non-positive on-chain rate")
		}
		s.store(ctx, v)
		return v, nil
	})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read on-chain rate, using fallback")
		return newRates(s.fallback, SourceFallback)
	}
	return newRates(res.(decimal.Decimal), SourceChain)
}

func (s *Service) cached(ctx context.Context) (decimal.Decimal, bool) {
	if s.redis != nil {
		raw, err := s.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			if v, err := decimal.NewFromString(raw); err == nil && v.IsPositive() {
				return v, true
			}
		} else if !errors.Is(err, goredis.Nil) {
			s.logger.WithError(err).Debug("Rate cache read failed")
		}
		return decimal.Zero, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local.IsPositive() && s.now().Before(s.localTill) {
		return s.local, true
	}
	return decimal.Zero, false
}

func (s *Service) store(ctx context.Context, v decimal.Decimal) {
	if s.redis != nil {
		if err := s.redis.Set(ctx, cacheKey, v.String(), s.ttl).Err(); err != nil {
			s.logger.WithError(err).Debug("Rate cache write failed")
		}
		return
	}
	s.mu.Lock()
	s.local = v
	s.localTill = s.now().Add(s.ttl)
	s.mu.Unlock()
}
