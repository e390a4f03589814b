// Package bridge orchestrates UGX <-> UGDX movements: it pairs every
// mobile-money job with a ledger transaction, drives the chain side and owns
// every terminal transition of both records.
package bridge

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hermes/internal/chain"
	"hermes/internal/events"
	"hermes/internal/gascredit"
	"hermes/internal/ledger"
	"hermes/internal/momo"
	"hermes/internal/rates"
	"hermes/pkg/logging"
)

// Settlement sources, used in logs and metrics.
const (
	SourceAdmin    = "admin"
	SourceWebhook  = "webhook"
	SourceObserver = "observer"
	SourceFlow     = "flow"
)

// RateSource serves the current exchange rates.
type RateSource interface {
	Current(ctx context.Context) rates.Rates
}

type Deps struct {
	Store     ledger.Store
	Relay     chain.Relay
	Gateway   momo.Gateway
	GasCredit gascredit.Debiter
	Rates     RateSource
	Events    events.Publisher
	Metrics   *Metrics
	Logger    logging.Logger
}

type Service struct {
	cfg       Config
	store     ledger.Store
	relay     chain.Relay
	gateway   momo.Gateway
	gasCredit gascredit.Debiter
	rates     RateSource
	events    events.Publisher
	metrics   *Metrics
	logger    logging.Logger

	relayed settlementStrategy
	self    settlementStrategy
}

func New(cfg Config, deps Deps) *Service {
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultConfig().ClaimTTL
	}
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		relay:     deps.Relay,
		gateway:   deps.Gateway,
		gasCredit: deps.GasCredit,
		rates:     deps.Rates,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
	s.relayed = &relayedBurn{svc: s}
	s.self = &selfBurn{logger: deps.Logger}
	return s
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) loadUser(ctx context.Context, userID string) (*ledger.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, newError(KindNotFound, "User not found", err)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// checkBalance rejects amounts above the wallet's on-chain UGDX balance. Users
// without a wallet are not checked.
func (s *Service) checkBalance(ctx context.Context, user *ledger.User, amount decimal.Decimal) error {
	if !user.HasWallet() {
		return nil
	}
	balance, err := s.relay.BalanceOf(ctx, user.WalletAddress)
	if err != nil {
		return externalError("Failed to read on-chain balance", err)
	}
	if balance.LessThan(amount) {
		return newError(KindValidation, "Insufficient UGDX balance", ErrInsufficientBalance)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, tx *ledger.Transaction, reason string) {
	evt := events.FromTransaction(eventType, tx)
	evt.Reason = reason
	s.events.Publish(ctx, evt)
}

func newClaimToken() string { return uuid.NewString() }
