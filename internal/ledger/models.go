// Package ledger persists the paired mobile-money jobs and on-chain
// transactions and guards their terminal transitions.
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleStandard Role = "USER"
	RoleAdvanced Role = "ADVANCED"
)

type JobType string

const (
	JobCollect  JobType = "COLLECT"
	JobDisburse JobType = "DISBURSE"
)

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobSuccess JobStatus = "SUCCESS"
	JobFail    JobStatus = "FAIL"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool { return s == JobSuccess || s == JobFail }

type TxType string

const (
	TxMint   TxType = "MINT"
	TxRedeem TxType = "REDEEM"
	TxSend   TxType = "SEND"
)

type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
)

// User is owned by the account service; the bridge reads it and debits gas credit.
type User struct {
	ID            string
	Email         string
	Phone         string
	WalletAddress string
	Role          Role
	UGDXCredit    decimal.Decimal
	GasCredit     decimal.Decimal
	CreatedAt     time.Time
}

func (u *User) HasWallet() bool { return strings.TrimSpace(u.WalletAddress) != "" }

func (u *User) IsAdvanced() bool { return u.Role == RoleAdvanced }

// Job is one mobile-money collection or disbursement.
type Job struct {
	ID        string
	UserID    string
	Type      JobType
	Amount    decimal.Decimal
	Phone     string
	Provider  string
	Status    JobStatus
	TransID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is the user-facing record of a mint, redeem or send. JobID is
// empty for a send to a chain address.
type Transaction struct {
	ID         string
	UserID     string
	JobID      string
	Type       TxType
	Status     TxStatus
	AmountUGX  decimal.Decimal
	UGDXAmount decimal.Decimal
	FeeUGX     decimal.Decimal
	TxHash     string
	ToPhone    string
	ToAddress  string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Job is populated by history queries.
	Job *Job
}

// JobDetail is a job joined with its owner and paired transaction.
type JobDetail struct {
	Job         Job
	User        User
	Transaction Transaction
}

// Settlement describes a terminal transition of a job and its transaction.
type Settlement struct {
	JobID      string
	ClaimToken string
	Success    bool
	// ProviderRef is stored as the job's trans_id when non-empty.
	ProviderRef string
	// TxHash is stored on the transaction when non-empty.
	TxHash string
}

// JobFilter selects jobs for the admin payment history.
type JobFilter struct {
	Status JobStatus
	Type   JobType
	Limit  int
	Offset int
}

type FeeTotal struct {
	FeeType string
	Total   decimal.Decimal
	Count   int
}

type FeeRecord struct {
	ID            int64
	UserID        string
	UserEmail     string
	TransactionID string
	FeeType       string
	AmountUGX     decimal.Decimal
	CreatedAt     time.Time
}

// FeeType names the fee_collections row written when a transaction of type t completes.
func FeeType(t TxType) string {
	return "PROVIDER_FEE_" + string(t)
}

func jobStatusFor(success bool) JobStatus {
	if success {
		return JobSuccess
	}
	return JobFail
}

func txStatusFor(success bool) TxStatus {
	if success {
		return TxCompleted
	}
	return TxFailed
}
