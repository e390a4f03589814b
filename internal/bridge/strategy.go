package bridge

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"hermes/internal/chain"
	"hermes/internal/ledger"
	"hermes/pkg/logging"
)

// payoutKind is what follows the burn.
type payoutKind int

const (
	payoutWithdraw payoutKind = iota
	payoutSendPhone
	payoutNone
)

type burnRequest struct {
	User      *ledger.User
	Tx        *ledger.Transaction
	Amount    decimal.Decimal
	Signature []byte
	Payout    payoutKind
}

// settlementStrategy is the role-specific burn step shared by withdraw and
// both send flows.
type settlementStrategy interface {
	name() string
	// validate runs before any ledger row is created.
	validate(user *ledger.User, signature []byte) error
	// burn returns the burn receipt (nil when the user burns on their own) and
	// whether the mobile-money payout may be issued now. A *chain.PendingError
	// means the burn left the relay and may still be mined.
	burn(ctx context.Context, req burnRequest) (*chain.Receipt, bool, error)
}

func (s *Service) strategyFor(user *ledger.User) settlementStrategy {
	if user.IsAdvanced() {
		return s.self
	}
	return s.relayed
}

// relayedBurn submits the user's signed burnForWithdrawal through the
// forwarder and waits for it to be mined.
type relayedBurn struct {
	svc *Service
}

func (r *relayedBurn) name() string { return "relayed" }

func (r *relayedBurn) validate(user *ledger.User, signature []byte) error {
	if len(signature) == 0 {
		return validationError("Meta-transaction signature required for gasless burn")
	}
	if !user.HasWallet() {
		return preconditionError("No wallet address linked. A wallet is required to burn UGDX.")
	}
	if _, err := chain.ParseAddress(user.WalletAddress); err != nil {
		return preconditionError("Linked wallet address is invalid")
	}
	return nil
}

func (r *relayedBurn) burn(ctx context.Context, req burnRequest) (*chain.Receipt, bool, error) {
	data, err := chain.BurnCallData(req.Amount)
	if err != nil {
		return nil, false, err
	}
	signer := common.HexToAddress(req.User.WalletAddress)

	nonce, err := r.svc.relay.Nonce(ctx, signer)
	if err != nil {
		return nil, false, fmt.Errorf("forwarder nonce: %w", err)
	}
	receipt, err := r.svc.relay.ExecuteMeta(ctx, chain.MetaTx{
		Data:      data,
		Signer:    signer,
		Nonce:     nonce,
		Signature: req.Signature,
	})
	if err != nil {
		return receipt, false, err
	}
	ctx = context.WithoutCancel(ctx)

	log := r.svc.logger.WithFields(logging.Fields{
		"transaction_id": req.Tx.ID,
		"user_id":        req.User.ID,
		"tx_hash":        receipt.TxHash,
	})
	log.Info("UGDX burn meta-transaction mined")

	// The burn is final from here on; bookkeeping failures are logged, not returned.
	recorded := true
	if err := r.svc.store.RecordTxHash(ctx, req.Tx.ID, receipt.TxHash); err != nil {
		log.WithError(err).Error("Failed to record burn hash; payout waits for the observed burn")
		recorded = false
	} else {
		req.Tx.TxHash = receipt.TxHash
	}

	note := "Send tx " + receipt.TxHash
	if req.Tx.Type == ledger.TxRedeem {
		note = "Redeem tx " + receipt.TxHash
	}
	if r.svc.gasCredit != nil {
		if debit, err := r.svc.gasCredit.Debit(ctx, req.User.ID, receipt, note); err != nil {
			log.WithError(err).Error("Failed to debit gas credit")
		} else {
			log.WithFields(logging.Fields{
				"gas_cost_ugx":  debit.Cost.String(),
				"gas_remaining": debit.Remaining.String(),
			}).Debug("Gas credit debited")
		}
	}

	// An unrecorded hash means the payout follows ReportBurn instead.
	return receipt, recorded && req.Payout != payoutNone, nil
}

// selfBurn trusts an advanced user to burn on their own. Withdrawals still pay
// out immediately; send-to-phone waits for the burn observer.
type selfBurn struct {
	logger logging.Logger
}

func (s *selfBurn) name() string { return "self" }

func (s *selfBurn) validate(*ledger.User, []byte) error { return nil }

func (s *selfBurn) burn(_ context.Context, req burnRequest) (*chain.Receipt, bool, error) {
	log := s.logger.WithFields(logging.Fields{
		"transaction_id": req.Tx.ID,
		"user_id":        req.User.ID,
		"amount_ugdx":    req.Amount.String(),
	})
	switch req.Payout {
	case payoutWithdraw:
		log.Info("Advanced user initiated a withdrawal; awaiting on-chain burn confirmation")
		return nil, true, nil
	case payoutSendPhone:
		log.Info("Advanced user will burn on-chain for send-to-phone; payout deferred until burn is observed")
	default:
		log.Info("Advanced user will burn on-chain for send-to-address; awaiting burn event")
	}
	return nil, false, nil
}
