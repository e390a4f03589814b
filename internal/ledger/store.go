package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAlreadySettled matches any *SettledError.
	ErrAlreadySettled = errors.New("already settled")
	// ErrSettlementInProgress means another caller holds a live claim on the job.
	ErrSettlementInProgress = errors.New("settlement already in progress")
	// ErrClaimLost means the job is still pending but the caller's claim was taken over.
	ErrClaimLost = errors.New("settlement claim lost")
	// ErrHashRecorded means the transaction already carries a chain hash.
	ErrHashRecorded = errors.New("transaction hash already recorded")
	// ErrHashInUse means another transaction already carries the chain hash.
	ErrHashInUse = errors.New("chain hash already used by another transaction")
)

// SettledError reports the terminal status a job or transaction already holds.
type SettledError struct {
	Status string
}

func (e *SettledError) Error() string {
	return fmt.Sprintf("already %s", strings.ToLower(e.Status))
}

func (e *SettledError) Is(target error) bool { return target == ErrAlreadySettled }

// Store is the ledger contract used by the orchestrator. Job and transaction
// status only change through SettleJob, CompleteTransaction and FailTransaction,
// each of which is conditioned on the row still being PENDING.
type Store interface {
	GetUser(ctx context.Context, userID string) (*User, error)

	// CreateJobWithTransaction inserts both rows in one unit of work and
	// links the transaction to the job. IDs and timestamps are assigned when empty.
	CreateJobWithTransaction(ctx context.Context, job *Job, tx *Transaction) error
	// CreateTransaction inserts a transaction with no job.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	// RecordTxHash sets the chain hash once on a PENDING transaction. A hash
	// belongs to at most one transaction across every write path.
	RecordTxHash(ctx context.Context, transactionID, txHash string) error

	GetJob(ctx context.Context, jobID string) (*JobDetail, error)
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)
	ListPendingCollections(ctx context.Context) ([]JobDetail, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]JobDetail, int, error)
	ListTransactions(ctx context.Context, userID string) ([]Transaction, error)
	ListUnconfirmedSends(ctx context.Context, limit int) ([]Transaction, error)

	// ClaimJob reserves a PENDING job for one settler. A claim older than ttl
	// may be taken over.
	ClaimJob(ctx context.Context, jobID, token string, ttl time.Duration) error
	ReleaseClaim(ctx context.Context, jobID, token string) error
	// SettleJob moves the job and its transaction to terminal states together.
	// On success it also books the provider fee.
	SettleJob(ctx context.Context, s Settlement) (*Transaction, error)

	CompleteTransaction(ctx context.Context, transactionID, txHash string) error
	FailTransaction(ctx context.Context, transactionID string) error

	FeeSummary(ctx context.Context) ([]FeeTotal, error)
	RecentFees(ctx context.Context, limit int) ([]FeeRecord, error)
}
