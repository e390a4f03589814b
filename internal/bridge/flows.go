package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"hermes/internal/chain"
	"hermes/internal/events"
	"hermes/internal/fees"
	"hermes/internal/ledger"
	"hermes/pkg/logging"
)

// Flow names used in metrics.
const (
	FlowDeposit       = "deposit"
	FlowWithdraw      = "withdraw"
	FlowSendPhone     = "send_phone"
	FlowSendAddress   = "send_address"
	FlowBurnReport    = "burn_report"
	FlowProviderEvent = "webhook"
)

type DepositResult struct {
	TransactionID string
	JobID         string
	NetUGDX       decimal.Decimal
	FeeUGX        decimal.Decimal
}

// PayoutResult is returned by withdraw and send-to-phone.
type PayoutResult struct {
	TransactionID string
	JobID         string
	NetUGX        decimal.Decimal
	FeeUGX        decimal.Decimal
	TxHash        string
	// PayoutDeferred is set when the payout waits for an observed burn.
	PayoutDeferred bool
}

type AddressSendResult struct {
	TransactionID string
	TxHash        string
}

type WithdrawRequest struct {
	UserID    string
	Amount    decimal.Decimal
	Phone     string
	Signature []byte
}

// SendRequest targets exactly one of Phone or ToAddress.
type SendRequest struct {
	UserID    string
	Amount    decimal.Decimal
	Phone     string
	ToAddress string
	Signature []byte
}

func (s *Service) split(amount decimal.Decimal) (fees.Split, error) {
	if err := fees.ValidateAmount(amount); err != nil {
		return fees.Split{}, newError(KindValidation, "Amount must be greater than 0 with at most 2 decimals", err)
	}
	split, err := fees.Apply(amount, s.cfg.FeeBasisPoints)
	if err != nil {
		return fees.Split{}, newError(KindValidation, "Invalid amount", err)
	}
	return split, nil
}

// Deposit records a pending collection and asks the gateway to debit the
// user's phone. UGDX is minted when the collection is confirmed.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (res *DepositResult, err error) {
	defer func() { s.metrics.flow(FlowDeposit, outcome(err)) }()

	split, err := s.split(amount)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.HasWallet() {
		return nil, preconditionError("No wallet address linked. Please add a crypto wallet address to receive UGDX.")
	}
	if strings.TrimSpace(user.Phone) == "" {
		return nil, preconditionError("No phone number on file for mobile money collection")
	}

	job := &ledger.Job{
		UserID:   user.ID,
		Type:     ledger.JobCollect,
		Amount:   split.Gross,
		Phone:    user.Phone,
		Provider: s.cfg.Provider,
	}
	tx := &ledger.Transaction{
		UserID:     user.ID,
		Type:       ledger.TxMint,
		AmountUGX:  split.Gross,
		UGDXAmount: split.Net,
		FeeUGX:     split.Fee,
	}
	if err := s.store.CreateJobWithTransaction(ctx, job, tx); err != nil {
		return nil, fmt.Errorf("create deposit: %w", err)
	}
	s.publish(ctx, events.TypeInitiated, tx, "")

	log := s.logger.WithFields(logging.Fields{
		"job_id":         job.ID,
		"transaction_id": tx.ID,
		"user_id":        user.ID,
		"amount_ugx":     split.Gross.String(),
	})
	result, err := s.gateway.InitiateCollection(ctx, job.ID, user.Phone, split.Gross)
	if err != nil {
		log.WithError(err).Error("Mobile money collection initiation failed; job left pending")
		return nil, externalError("Failed to initiate mobile money collection", err)
	}
	log.WithField("provider_status", result.Status).Info("Initiated UGX collection")

	return &DepositResult{
		TransactionID: tx.ID,
		JobID:         job.ID,
		NetUGDX:       split.Net,
		FeeUGX:        split.Fee,
	}, nil
}

// Withdraw burns UGDX and pays the net UGX out to a phone.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (res *PayoutResult, err error) {
	defer func() { s.metrics.flow(FlowWithdraw, outcome(err)) }()
	return s.disburse(ctx, ledger.TxRedeem, payoutWithdraw, req.UserID, req.Amount, req.Phone, req.Signature)
}

// Send dispatches to SendToPhone or SendToAddress.
func (s *Service) Send(ctx context.Context, req SendRequest) (*PayoutResult, *AddressSendResult, error) {
	phone, addr := strings.TrimSpace(req.Phone), strings.TrimSpace(req.ToAddress)
	switch {
	case phone != "" && addr != "":
		return nil, nil, validationError("Specify either toAddress or phone, not both")
	case phone != "":
		res, err := s.SendToPhone(ctx, req)
		return res, nil, err
	case addr != "":
		res, err := s.SendToAddress(ctx, req)
		return nil, res, err
	}
	return nil, nil, validationError("Invalid request. Specify a toAddress or phone.")
}

// SendToPhone burns UGDX and pays the net UGX to another phone. Advanced users
// burn on their own and the payout waits for ReportBurn.
func (s *Service) SendToPhone(ctx context.Context, req SendRequest) (res *PayoutResult, err error) {
	defer func() { s.metrics.flow(FlowSendPhone, outcome(err)) }()
	if strings.TrimSpace(req.Phone) == "" {
		return nil, validationError("Destination phone is required")
	}
	return s.disburse(ctx, ledger.TxSend, payoutSendPhone, req.UserID, req.Amount, req.Phone, req.Signature)
}

func (s *Service) disburse(ctx context.Context, txType ledger.TxType, kind payoutKind, userID string, amount decimal.Decimal, phone string, signature []byte) (*PayoutResult, error) {
	split, err := s.split(amount)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	strategy := s.strategyFor(user)
	if err := strategy.validate(user, signature); err != nil {
		return nil, err
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		phone = user.Phone
	}
	if phone == "" {
		return nil, validationError("Destination phone is required")
	}
	if err := s.checkBalance(ctx, user, split.Gross); err != nil {
		return nil, err
	}

	// 1 UGDX = 1 UGX, so the net token amount is the UGX paid out.
	job := &ledger.Job{
		UserID:   user.ID,
		Type:     ledger.JobDisburse,
		Amount:   split.Net,
		Phone:    phone,
		Provider: s.cfg.Provider,
	}
	tx := &ledger.Transaction{
		UserID:     user.ID,
		Type:       txType,
		AmountUGX:  split.Net,
		UGDXAmount: split.Gross,
		FeeUGX:     split.Fee,
		ToPhone:    phone,
	}
	if err := s.store.CreateJobWithTransaction(ctx, job, tx); err != nil {
		return nil, fmt.Errorf("create %s: %w", strings.ToLower(string(txType)), err)
	}
	s.publish(ctx, events.TypeInitiated, tx, "")

	log := s.logger.WithFields(logging.Fields{
		"job_id":         job.ID,
		"transaction_id": tx.ID,
		"user_id":        user.ID,
		"strategy":       strategy.name(),
	})

	receipt, payoutNow, err := strategy.burn(ctx, burnRequest{
		User:      user,
		Tx:        tx,
		Amount:    split.Gross,
		Signature: signature,
		Payout:    kind,
	})
	ctx = context.WithoutCancel(ctx)
	if errors.Is(err, chain.ErrPendingConfirmation) {
		// The burn may still land; the payout waits for it to be reported.
		log.WithError(err).Warn("Burn broadcast but not confirmed; payout waits for the observed burn")
		return &PayoutResult{
			TransactionID:  tx.ID,
			JobID:          job.ID,
			NetUGX:         split.Net,
			FeeUGX:         split.Fee,
			TxHash:         chain.PendingHash(err),
			PayoutDeferred: true,
		}, nil
	}
	if err != nil {
		log.WithError(err).Error("Meta-transaction burn failed")
		s.failJob(ctx, job.ID, SourceFlow, "burn failed")
		return nil, externalError("Failed to execute token burn transaction", err)
	}

	result := &PayoutResult{
		TransactionID:  tx.ID,
		JobID:          job.ID,
		NetUGX:         split.Net,
		FeeUGX:         split.Fee,
		PayoutDeferred: !payoutNow,
	}
	if receipt != nil {
		result.TxHash = receipt.TxHash
	}
	if !payoutNow {
		return result, nil
	}
	if err := s.initiatePayout(ctx, job, tx); err != nil {
		return nil, err
	}
	return result, nil
}

// initiatePayout asks the gateway to disburse. A failure leaves the job
// pending for an admin to resolve.
func (s *Service) initiatePayout(ctx context.Context, job *ledger.Job, tx *ledger.Transaction) error {
	log := s.logger.WithFields(logging.Fields{
		"job_id":         job.ID,
		"transaction_id": tx.ID,
		"amount_ugx":     job.Amount.String(),
	})
	result, err := s.gateway.InitiateDisbursement(ctx, job.ID, job.Phone, job.Amount)
	if err != nil {
		if tx.TxHash != "" {
			log.WithError(err).WithField("tx_hash", tx.TxHash).Error("Payout initiation failed after burn; job left pending")
			s.publish(ctx, events.TypePayoutFailedAfterBurn, tx, err.Error())
		} else {
			log.WithError(err).Error("Payout initiation failed; job left pending")
		}
		return externalError("Failed to initiate mobile money payout", err)
	}
	log.WithField("provider_status", result.Status).Info("Mobile money payout requested")
	return nil
}

// SendToAddress burns UGDX for an on-chain send. There is no mobile-money leg;
// the transaction stays PENDING with its hash until the chain confirms it.
func (s *Service) SendToAddress(ctx context.Context, req SendRequest) (res *AddressSendResult, err error) {
	defer func() { s.metrics.flow(FlowSendAddress, outcome(err)) }()

	if err := fees.ValidateAmount(req.Amount); err != nil {
		return nil, newError(KindValidation, "Amount must be greater than 0 with at most 2 decimals", err)
	}
	to, err := chain.ParseAddress(strings.TrimSpace(req.ToAddress))
	if err != nil {
		return nil, validationError("Destination address is invalid")
	}
	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	strategy := s.strategyFor(user)
	if err := strategy.validate(user, req.Signature); err != nil {
		return nil, err
	}
	if err := s.checkBalance(ctx, user, req.Amount); err != nil {
		return nil, err
	}

	tx := &ledger.Transaction{
		UserID:     user.ID,
		Type:       ledger.TxSend,
		AmountUGX:  decimal.Zero,
		UGDXAmount: req.Amount,
		FeeUGX:     decimal.Zero,
		ToAddress:  to.Hex(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create send: %w", err)
	}
	s.publish(ctx, events.TypeInitiated, tx, "")

	receipt, _, err := strategy.burn(ctx, burnRequest{
		User:      user,
		Tx:        tx,
		Amount:    req.Amount,
		Signature: req.Signature,
		Payout:    payoutNone,
	})
	ctx = context.WithoutCancel(ctx)
	if hash := chain.PendingHash(err); hash != "" {
		// Recording the hash hands the send to the reconciler.
		log := s.logger.WithFields(logging.Fields{"transaction_id": tx.ID, "tx_hash": hash})
		if rerr := s.store.RecordTxHash(ctx, tx.ID, hash); rerr != nil {
			log.WithError(rerr).Error("Send burn not confirmed and hash not recorded; manual reconciliation required")
		} else {
			log.WithError(err).Warn("Send burn broadcast but not confirmed; left for the reconciler")
		}
		return &AddressSendResult{TransactionID: tx.ID, TxHash: hash}, nil
	}
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"transaction_id": tx.ID,
			"user_id":        user.ID,
		}).WithError(err).Error("Meta-transaction burn for send failed")
		if ferr := s.store.FailTransaction(ctx, tx.ID); ferr != nil {
			s.logger.WithError(ferr).WithField("transaction_id", tx.ID).Error("Failed to mark send as failed")
		} else {
			tx.Status = ledger.TxFailed
			s.publish(ctx, events.TypeFailed, tx, "burn failed")
		}
		return nil, externalError("Failed to burn tokens for send", err)
	}

	res = &AddressSendResult{TransactionID: tx.ID}
	if receipt != nil {
		res.TxHash = receipt.TxHash
	}
	return res, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return KindOf(err).String()
}
