package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"hermes/internal/chain"
	"hermes/internal/events"
	"hermes/internal/ledger"
	"hermes/internal/momo"
	"hermes/pkg/logging"
)

// Confirmation is the result of a successful collection settlement.
type Confirmation struct {
	JobID         string
	TransactionID string
	ProviderRef   string
	TxHash        string
	UGDXMinted    decimal.Decimal
}

type Rejection struct {
	JobID         string
	TransactionID string
	Reason        string
}

// settle applies a claimed settlement and publishes the outcome.
func (s *Service) settle(ctx context.Context, source string, st ledger.Settlement, reason string) (*ledger.Transaction, error) {
	tx, err := s.store.SettleJob(ctx, st)
	if err != nil {
		s.metrics.settlement(source, "error")
		return nil, err
	}
	if st.Success {
		s.metrics.settlement(source, "success")
		s.publish(ctx, events.TypeCompleted, tx, "")
	} else {
		s.metrics.settlement(source, "fail")
		s.publish(ctx, events.TypeFailed, tx, reason)
	}
	return tx, nil
}

// failJob claims and fails a job from inside a flow. Errors are logged; the
// caller is already returning a failure.
func (s *Service) failJob(ctx context.Context, jobID, source, reason string) {
	log := s.logger.WithFields(logging.Fields{"job_id": jobID, "source": source})
	token := newClaimToken()
	if err := s.store.ClaimJob(ctx, jobID, token, s.cfg.ClaimTTL); err != nil {
		log.WithError(err).Warn("Could not claim job to mark it failed")
		return
	}
	if _, err := s.settle(ctx, source, ledger.Settlement{JobID: jobID, ClaimToken: token, Success: false}, reason); err != nil {
		log.WithError(err).Error("Failed to mark job failed")
		_ = s.store.ReleaseClaim(ctx, jobID, token)
	}
}

// ConfirmCollection mints the net UGDX for a pending COLLECT job and settles
// it. Only one caller can hold the claim, so a racing confirm, reject or
// webhook gets a conflict and never mints twice.
func (s *Service) ConfirmCollection(ctx context.Context, jobID, providerRef, source string) (*Confirmation, error) {
	detail, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, ledgerError("Job", err)
	}
	if detail.Job.Status != ledger.JobPending {
		return nil, ledgerError("Job", &ledger.SettledError{Status: string(detail.Job.Status)})
	}
	if detail.Job.Type != ledger.JobCollect {
		return nil, newError(KindConflict, "Only pending COLLECT jobs can be confirmed", nil)
	}
	if !detail.User.HasWallet() {
		return nil, preconditionError("User has no wallet address to receive UGDX")
	}

	token := newClaimToken()
	if err := s.store.ClaimJob(ctx, jobID, token, s.cfg.ClaimTTL); err != nil {
		return nil, ledgerError("Job", err)
	}

	log := s.logger.WithFields(logging.Fields{
		"job_id":         jobID,
		"transaction_id": detail.Transaction.ID,
		"user_id":        detail.User.ID,
		"source":         source,
	})
	if detail.Transaction.TxHash != "" {
		return s.resumeMint(ctx, detail, token, providerRef, source, log)
	}
	amount := detail.Transaction.UGDXAmount

	receipt, err := s.relay.Mint(ctx, detail.User.WalletAddress, amount)
	// The chain call happened; recording its outcome must not depend on the caller staying.
	ctx = context.WithoutCancel(ctx)
	if errors.Is(err, chain.ErrPendingConfirmation) {
		return nil, s.holdMint(ctx, jobID, detail.Transaction.ID, token, chain.PendingHash(err), err, log)
	}
	if err != nil {
		log.WithError(err).Error("UGDX mint failed")
		st := ledger.Settlement{JobID: jobID, ClaimToken: token, Success: false, ProviderRef: providerRef}
		if _, serr := s.settle(ctx, source, st, "mint failed"); serr != nil {
			log.WithError(serr).Error("Failed to mark job failed after mint error")
			_ = s.store.ReleaseClaim(ctx, jobID, token)
		}
		return nil, externalError("Mint transaction failed", err)
	}
	return s.finishMint(ctx, detail, token, providerRef, source, receipt, log)
}

// holdMint parks a job whose mint left the relay without an observed
// receipt. The hash is recorded so a later confirm resumes from it instead of
// minting again; if it cannot be recorded the claim is kept.
func (s *Service) holdMint(ctx context.Context, jobID, transactionID, token, txHash string, cause error, log logging.Entry) error {
	log = log.WithField("tx_hash", txHash)
	if err := s.store.RecordTxHash(ctx, transactionID, txHash); err != nil {
		log.WithError(err).Error("Mint not confirmed and hash not recorded; claim kept for manual reconciliation")
		return externalError("Mint transaction not confirmed", cause)
	}
	_ = s.store.ReleaseClaim(ctx, jobID, token)
	log.WithError(cause).Warn("Mint not confirmed yet; job left pending, confirm again to resume")
	return externalError("Mint transaction not confirmed", cause)
}

// resumeMint settles a job from the mint it already broadcast.
func (s *Service) resumeMint(ctx context.Context, detail *ledger.JobDetail, token, providerRef, source string, log logging.Entry) (*Confirmation, error) {
	jobID, txHash := detail.Job.ID, detail.Transaction.TxHash
	log = log.WithField("tx_hash", txHash)

	receipt, err := s.relay.Receipt(ctx, txHash)
	if errors.Is(err, chain.ErrReceiptNotFound) {
		_ = s.store.ReleaseClaim(ctx, jobID, token)
		return nil, newError(KindConflict, "Mint transaction "+txHash+" is not mined yet", err)
	}
	if err != nil {
		_ = s.store.ReleaseClaim(ctx, jobID, token)
		return nil, externalError("Failed to read mint receipt", err)
	}
	if !receipt.Success {
		log.Error("Earlier mint reverted on chain")
		st := ledger.Settlement{JobID: jobID, ClaimToken: token, Success: false, ProviderRef: providerRef}
		if _, serr := s.settle(ctx, source, st, "mint reverted"); serr != nil {
			_ = s.store.ReleaseClaim(ctx, jobID, token)
			return nil, ledgerError("Job", serr)
		}
		return nil, externalError("Mint transaction failed", fmt.Errorf("%s: %w", txHash, chain.ErrReverted))
	}
	log.Info("Resuming settlement from mined mint")
	return s.finishMint(ctx, detail, token, providerRef, source, receipt, log)
}

func (s *Service) finishMint(ctx context.Context, detail *ledger.JobDetail, token, providerRef, source string, receipt *chain.Receipt, log logging.Entry) (*Confirmation, error) {
	jobID, amount := detail.Job.ID, detail.Transaction.UGDXAmount
	if providerRef == "" {
		providerRef = fmt.Sprintf("MANUAL_%d", time.Now().UnixMilli())
	}
	st := ledger.Settlement{JobID: jobID, ClaimToken: token, Success: true, ProviderRef: providerRef, TxHash: receipt.TxHash}
	if _, err := s.settle(ctx, source, st, ""); err != nil {
		// Tokens are minted; keep the claim so nobody mints again before this is fixed by hand.
		log.WithError(err).WithField("tx_hash", receipt.TxHash).Error("UGDX minted but settlement failed; manual reconciliation required")
		return nil, fmt.Errorf("settle minted job %s: %w", jobID, err)
	}

	log.WithFields(logging.Fields{
		"tx_hash":     receipt.TxHash,
		"ugdx_minted": amount.String(),
	}).Info("Collection confirmed and UGDX minted")

	return &Confirmation{
		JobID:         jobID,
		TransactionID: detail.Transaction.ID,
		ProviderRef:   providerRef,
		TxHash:        receipt.TxHash,
		UGDXMinted:    amount,
	}, nil
}

// RejectJob fails a pending job without touching the chain.
func (s *Service) RejectJob(ctx context.Context, jobID, reason, source string) (*Rejection, error) {
	detail, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, ledgerError("Job", err)
	}
	if detail.Job.Status != ledger.JobPending {
		return nil, ledgerError("Job", &ledger.SettledError{Status: string(detail.Job.Status)})
	}

	token := newClaimToken()
	if err := s.store.ClaimJob(ctx, jobID, token, s.cfg.ClaimTTL); err != nil {
		return nil, ledgerError("Job", err)
	}
	if _, err := s.settle(ctx, source, ledger.Settlement{JobID: jobID, ClaimToken: token, Success: false}, reason); err != nil {
		_ = s.store.ReleaseClaim(ctx, jobID, token)
		return nil, ledgerError("Job", err)
	}

	s.logger.WithFields(logging.Fields{
		"job_id": jobID,
		"source": source,
		"reason": reason,
	}).Info("Job rejected")
	return &Rejection{JobID: jobID, TransactionID: detail.Transaction.ID, Reason: reason}, nil
}

// completeDisbursement settles a DISBURSE job from the provider's outcome.
func (s *Service) completeDisbursement(ctx context.Context, detail *ledger.JobDetail, cb *momo.Callback) error {
	token := newClaimToken()
	if err := s.store.ClaimJob(ctx, detail.Job.ID, token, s.cfg.ClaimTTL); err != nil {
		return ledgerError("Job", err)
	}
	success := cb.Succeeded()
	st := ledger.Settlement{JobID: detail.Job.ID, ClaimToken: token, Success: success, ProviderRef: cb.ProviderTransactionID}
	tx, err := s.settle(ctx, SourceWebhook, st, cb.Reason)
	if err != nil {
		_ = s.store.ReleaseClaim(ctx, detail.Job.ID, token)
		return ledgerError("Job", err)
	}
	if !success && tx.TxHash != "" {
		s.logger.WithFields(logging.Fields{
			"job_id":         detail.Job.ID,
			"transaction_id": tx.ID,
			"tx_hash":        tx.TxHash,
			"reason":         cb.Reason,
		}).Error("Payout failed after UGDX was burned; refund required")
		s.publish(ctx, events.TypePayoutFailedAfterBurn, tx, cb.Reason)
	}
	return nil
}

// HandleCallback applies a verified gateway callback. Callbacks for jobs that
// are already terminal are acknowledged without change.
func (s *Service) HandleCallback(ctx context.Context, cb *momo.Callback) (err error) {
	defer func() { s.metrics.flow(FlowProviderEvent, outcome(err)) }()

	log := s.logger.WithFields(logging.Fields{
		"job_id":          cb.Reference,
		"provider_status": cb.Status,
		"provider_ref":    cb.ProviderTransactionID,
	})
	if !cb.Terminal() {
		log.Debug("Ignoring interim provider callback")
		return nil
	}

	detail, err := s.store.GetJob(ctx, cb.Reference)
	if err != nil {
		return ledgerError("Job", err)
	}
	if detail.Job.Status.Terminal() {
		log.WithField("status", detail.Job.Status).Info("Duplicate provider callback for settled job")
		return nil
	}

	switch detail.Job.Type {
	case ledger.JobCollect:
		if cb.Succeeded() {
			_, err = s.ConfirmCollection(ctx, detail.Job.ID, cb.ProviderTransactionID, SourceWebhook)
		} else {
			_, err = s.RejectJob(ctx, detail.Job.ID, cb.Reason, SourceWebhook)
		}
	case ledger.JobDisburse:
		err = s.completeDisbursement(ctx, detail, cb)
	default:
		return fmt.Errorf("job %s has unknown type %q", detail.Job.ID, detail.Job.Type)
	}

	if errors.Is(err, ledger.ErrAlreadySettled) {
		log.Info("Provider callback lost the settlement race; already settled")
		return nil
	}
	return err
}

// BurnReport is the outcome of an observed user burn.
type BurnReport struct {
	TransactionID string
	TxHash        string
	Status        ledger.TxStatus
	PayoutIssued  bool
}

// ReportBurn records a burn observed on chain. The receipt must burn exactly
// the transaction's UGDX from the owner's wallet, and a hash settles at most
// one transaction. A deferred send-to-phone payout is issued here; a job-less
// send is completed.
func (s *Service) ReportBurn(ctx context.Context, transactionID, txHash string) (res *BurnReport, err error) {
	defer func() { s.metrics.flow(FlowBurnReport, outcome(err)) }()

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, ledgerError("Transaction", err)
	}
	if tx.Status != ledger.TxPending {
		return nil, ledgerError("Transaction", &ledger.SettledError{Status: string(tx.Status)})
	}
	if tx.Type == ledger.TxMint {
		return nil, validationError("Mint transactions have no burn")
	}
	user, err := s.loadUser(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	wallet, err := chain.ParseAddress(user.WalletAddress)
	if err != nil {
		return nil, preconditionError("Transaction owner has no valid wallet address")
	}

	receipt, err := s.relay.Receipt(ctx, txHash)
	if errors.Is(err, chain.ErrReceiptNotFound) {
		return nil, preconditionError("Burn transaction is not mined yet")
	}
	if err != nil {
		return nil, externalError("Failed to read burn receipt", err)
	}

	log := s.logger.WithFields(logging.Fields{
		"transaction_id": tx.ID,
		"tx_hash":        receipt.TxHash,
		"user_id":        user.ID,
	})

	if tx.TxHash != "" && !strings.EqualFold(tx.TxHash, receipt.TxHash) {
		return nil, ledgerError("Transaction", ledger.ErrHashRecorded)
	}
	if !receipt.Success {
		return s.burnReverted(ctx, tx, user, wallet, receipt, log)
	}
	if !receipt.BurnedBy(wallet, tx.UGDXAmount) {
		log.WithField("amount_ugdx", tx.UGDXAmount.String()).Warn("Reported transaction does not burn the expected amount from the owner's wallet")
		return nil, validationError(fmt.Sprintf("Transaction %s does not burn %s UGDX from the owner's wallet", receipt.TxHash, tx.UGDXAmount))
	}

	if tx.JobID == "" {
		if err := s.store.CompleteTransaction(ctx, tx.ID, receipt.TxHash); err != nil {
			return nil, ledgerError("Transaction", err)
		}
		tx.Status, tx.TxHash = ledger.TxCompleted, receipt.TxHash
		s.publish(ctx, events.TypeCompleted, tx, "")
		log.Info("On-chain send completed from observed burn")
		return &BurnReport{TransactionID: tx.ID, TxHash: receipt.TxHash, Status: ledger.TxCompleted}, nil
	}

	// RecordTxHash succeeds once per transaction and once per hash, which
	// gates the payout below.
	if err := s.store.RecordTxHash(ctx, tx.ID, receipt.TxHash); err != nil {
		return nil, ledgerError("Transaction", err)
	}
	tx.TxHash = receipt.TxHash
	report := &BurnReport{TransactionID: tx.ID, TxHash: receipt.TxHash, Status: ledger.TxPending}

	detail, err := s.store.GetJob(ctx, tx.JobID)
	if err != nil {
		return nil, ledgerError("Job", err)
	}
	if detail.Job.Status == ledger.JobPending && payoutAwaitsBurn(user, tx.Type) {
		if err := s.initiatePayout(ctx, &detail.Job, tx); err != nil {
			return nil, err
		}
		report.PayoutIssued = true
		log.Info("Deferred payout issued after observed burn")
	} else {
		log.Info("Observed burn recorded")
	}
	return report, nil
}

// payoutAwaitsBurn reports whether a job-paired transaction whose burn hash
// was not yet recorded still owes its payout. Advanced withdrawals pay out
// up front; every other payout follows the recorded burn.
func payoutAwaitsBurn(user *ledger.User, txType ledger.TxType) bool {
	return !(user.IsAdvanced() && txType == ledger.TxRedeem)
}

// burnReverted fails a transaction whose owner's own burn reverted. Relayed
// burns revert synchronously in the flow, so only the owner's wallet may be the
// sender here.
func (s *Service) burnReverted(ctx context.Context, tx *ledger.Transaction, user *ledger.User, wallet common.Address, receipt *chain.Receipt, log logging.Entry) (*BurnReport, error) {
	if receipt.From != wallet {
		log.WithField("sender", receipt.From.Hex()).Warn("Reverted transaction was not sent by the owner's wallet")
		return nil, validationError(fmt.Sprintf("Transaction %s was not sent by the owner's wallet", receipt.TxHash))
	}
	if tx.JobID != "" && !payoutAwaitsBurn(user, tx.Type) {
		log.Error("Burn reverted after the payout was issued; left pending for manual review")
		return nil, newError(KindConflict, "Payout already issued; reverted burn needs manual review", nil)
	}

	log.Warn("Reported burn reverted on chain")
	if tx.JobID != "" {
		s.failJob(ctx, tx.JobID, SourceObserver, "burn reverted")
	} else if err := s.store.FailTransaction(ctx, tx.ID); err != nil {
		return nil, ledgerError("Transaction", err)
	} else {
		tx.Status = ledger.TxFailed
		s.publish(ctx, events.TypeFailed, tx, "burn reverted")
	}
	return &BurnReport{TransactionID: tx.ID, TxHash: receipt.TxHash, Status: ledger.TxFailed}, nil
}
