package bridge

import (
	"context"

	"hermes/internal/ledger"
	"hermes/internal/rates"
)

// History returns the user's transactions newest first, each with its job.
func (s *Service) History(ctx context.Context, userID string) ([]ledger.Transaction, error) {
	txs, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	return txs, nil
}

// Rates never fails; see rates.Service.
func (s *Service) Rates(ctx context.Context) rates.Rates {
	return s.rates.Current(ctx)
}
