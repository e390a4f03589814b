// Package reconciler settles job-less on-chain sends from their burn receipts.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hermes/internal/chain"
	"hermes/internal/events"
	"hermes/internal/ledger"
	"hermes/pkg/config"
	"hermes/pkg/logging"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultConfirmations = 3
	DefaultBatchSize     = 50
)

// Store is the ledger subset the reconciler touches.
type Store interface {
	ListUnconfirmedSends(ctx context.Context, limit int) ([]ledger.Transaction, error)
	CompleteTransaction(ctx context.Context, transactionID, txHash string) error
	FailTransaction(ctx context.Context, transactionID string) error
}

// ReceiptSource reads receipts and the chain head.
type ReceiptSource interface {
	Receipt(ctx context.Context, txHash string) (*chain.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	Interval      time.Duration
	Confirmations uint64
	BatchSize     int
	// Outcomes counts reconciled sends by outcome label.
	Outcomes *prometheus.CounterVec
}

// ConfigFromEnv reads RECONCILER_INTERVAL and RECONCILER_CONFIRMATIONS. A
// negative confirmation count falls back to the default.
func ConfigFromEnv() Config {
	confirmations := config.GetEnvInt("RECONCILER_CONFIRMATIONS", DefaultConfirmations)
	if confirmations < 0 {
		confirmations = DefaultConfirmations
	}
	return Config{
		Interval:      config.GetEnvDuration("RECONCILER_INTERVAL", DefaultInterval),
		Confirmations: uint64(confirmations),
	}
}

// Summary describes one reconciliation pass.
type Summary struct {
	Checked   int
	Completed int
	Failed    int
	Waiting   int
}

// SendReconciler watches PENDING sends to chain addresses that already carry
// a burn hash. A send without a receipt waits indefinitely.
type SendReconciler struct {
	store    Store
	chain    ReceiptSource
	events   events.Publisher
	cfg      Config
	logger   logging.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(store Store, source ReceiptSource, publisher events.Publisher, cfg Config, logger logging.Logger) *SendReconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &SendReconciler{
		store:  store,
		chain:  source,
		events: publisher,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start runs the reconciliation loop until ctx is cancelled or Stop is called.
func (r *SendReconciler) Start(ctx context.Context) {
	r.logger.WithField("interval", r.cfg.Interval.String()).Info("Starting send reconciler")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Send reconciler stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info("Send reconciler stopping")
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

func (r *SendReconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// ReconcileOnce checks one batch of unconfirmed sends.
func (r *SendReconciler) ReconcileOnce(ctx context.Context) Summary {
	var sum Summary
	sends, err := r.store.ListUnconfirmedSends(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list unconfirmed sends")
		return sum
	}
	if len(sends) == 0 {
		return sum
	}
	r.logger.WithField("count", len(sends)).Debug("Reconciling unconfirmed sends")

	var head uint64
	for i := range sends {
		tx := &sends[i]
		sum.Checked++
		switch r.reconcile(ctx, tx, &head) {
		case ledger.TxCompleted:
			sum.Completed++
		case ledger.TxFailed:
			sum.Failed++
		default:
			sum.Waiting++
		}
	}
	return sum
}

func (r *SendReconciler) reconcile(ctx context.Context, tx *ledger.Transaction, head *uint64) ledger.TxStatus {
	log := r.logger.WithFields(logging.Fields{
		"transaction_id": tx.ID,
		"tx_hash":        tx.TxHash,
		"user_id":        tx.UserID,
	})

	receipt, err := r.chain.Receipt(ctx, tx.TxHash)
	if errors.Is(err, chain.ErrReceiptNotFound) {
		r.count("waiting")
		return ledger.TxPending
	}
	if err != nil {
		log.WithError(err).Warn("Failed to get burn receipt")
		r.count("error")
		return ledger.TxPending
	}

	if !receipt.Success {
		if err := r.store.FailTransaction(ctx, tx.ID); err != nil {
			log.WithError(err).Error("Failed to mark reverted send failed")
			return ledger.TxPending
		}
		tx.Status = ledger.TxFailed
		r.events.Publish(ctx, events.FromTransaction(events.TypeFailed, tx))
		r.count("failed")
		log.Error("Send burn reverted on-chain")
		return ledger.TxFailed
	}

	if *head == 0 {
		n, err := r.chain.BlockNumber(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to determine confirmation depth")
			return ledger.TxPending
		}
		*head = n
	}
	if !hasConfirmations(*head, receipt.BlockNumber, r.cfg.Confirmations) {
		r.count("waiting")
		return ledger.TxPending
	}

	if err := r.store.CompleteTransaction(ctx, tx.ID, receipt.TxHash); err != nil {
		log.WithError(err).Error("Failed to complete confirmed send")
		return ledger.TxPending
	}
	tx.Status = ledger.TxCompleted
	r.events.Publish(ctx, events.FromTransaction(events.TypeCompleted, tx))
	r.count("completed")
	log.WithField("block_number", receipt.BlockNumber).Info("Send confirmed on-chain")
	return ledger.TxCompleted
}

func hasConfirmations(head, block, required uint64) bool {
	if block == 0 || head < block {
		return false
	}
	return head-block >= required
}

func (r *SendReconciler) count(outcome string) {
	if r.cfg.Outcomes != nil {
		r.cfg.Outcomes.WithLabelValues(outcome).Inc()
	}
}
