// Package admin implements the operator surface: manual settlement of
// pending deposits, payment history and treasury views.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hermes/internal/bridge"
	"hermes/internal/chain"
	"hermes/internal/ledger"
	"hermes/pkg/api/common"
	"hermes/pkg/logging"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
	RecentFeeLimit      = 10
	DefaultRejectReason = "No reason provided"
)

// Settler performs the guarded terminal transitions.
type Settler interface {
	ConfirmCollection(ctx context.Context, jobID, providerRef, source string) (*bridge.Confirmation, error)
	RejectJob(ctx context.Context, jobID, reason, source string) (*bridge.Rejection, error)
}

type Store interface {
	GetUser(ctx context.Context, userID string) (*ledger.User, error)
	ListPendingCollections(ctx context.Context) ([]ledger.JobDetail, error)
	ListJobs(ctx context.Context, filter ledger.JobFilter) ([]ledger.JobDetail, int, error)
	FeeSummary(ctx context.Context) ([]ledger.FeeTotal, error)
	RecentFees(ctx context.Context, limit int) ([]ledger.FeeRecord, error)
}

type TokenBalances interface {
	BalanceOf(ctx context.Context, owner string) (decimal.Decimal, error)
}

// WalletStatus exposes the last relay wallet reading, if any.
type WalletStatus interface {
	Balance() (chain.WalletBalance, bool)
}

type Service struct {
	settler Settler
	store   Store
	tokens  TokenBalances
	wallet  WalletStatus
	logger  logging.Logger
}

// NewService wires the admin surface. wallet may be nil.
func NewService(settler Settler, store Store, tokens TokenBalances, wallet WalletStatus, logger logging.Logger) *Service {
	return &Service{settler: settler, store: store, tokens: tokens, wallet: wallet, logger: logger}
}

type PendingPayment struct {
	JobID         string          `json:"jobId"`
	TransactionID string          `json:"transactionId"`
	UserEmail     string          `json:"userEmail"`
	UserPhone     string          `json:"userPhone"`
	WalletAddress string          `json:"walletAddress"`
	Amount        decimal.Decimal `json:"amount"`
	UGDXAmount    decimal.Decimal `json:"ugdxAmount"`
	Provider      string          `json:"provider"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ListPending returns pending deposits newest first.
func (s *Service) ListPending(ctx context.Context) ([]PendingPayment, error) {
	jobs, err := s.store.ListPendingCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending collections: %w", err)
	}
	out := make([]PendingPayment, 0, len(jobs))
	for _, d := range jobs {
		out = append(out, PendingPayment{
			JobID:         d.Job.ID,
			TransactionID: d.Transaction.ID,
			UserEmail:     d.User.Email,
			UserPhone:     d.User.Phone,
			WalletAddress: d.User.WalletAddress,
			Amount:        d.Job.Amount,
			UGDXAmount:    d.Transaction.UGDXAmount,
			Provider:      d.Job.Provider,
			Status:        string(d.Job.Status),
			CreatedAt:     d.Job.CreatedAt,
		})
	}
	return out, nil
}

// Confirm settles a pending deposit as paid and mints the net UGDX.
func (s *Service) Confirm(ctx context.Context, jobID, providerRef, notes, actor string) (*bridge.Confirmation, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, &bridge.Error{Kind: bridge.KindValidation, Message: "Job ID is required"}
	}
	conf, err := s.settler.ConfirmCollection(ctx, jobID, strings.TrimSpace(providerRef), bridge.SourceAdmin)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logging.Fields{
		"job_id":       jobID,
		"actor":        actorOrSystem(actor),
		"notes":        notes,
		"tx_hash":      conf.TxHash,
		"provider_ref": conf.ProviderRef,
	}).Info("Admin confirmed payment")
	return conf, nil
}

func (s *Service) Reject(ctx context.Context, jobID, reason, actor string) (*bridge.Rejection, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, &bridge.Error{Kind: bridge.KindValidation, Message: "Job ID is required"}
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultRejectReason
	}
	rej, err := s.settler.RejectJob(ctx, jobID, reason, bridge.SourceAdmin)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logging.Fields{
		"job_id": jobID,
		"actor":  actorOrSystem(actor),
		"reason": reason,
	}).Info("Admin rejected payment")
	return rej, nil
}

type HistoryQuery struct {
	Status string
	Limit  int
	Offset int
}

type Payment struct {
	JobID       string             `json:"jobId"`
	Type        ledger.JobType     `json:"type"`
	Status      ledger.JobStatus   `json:"status"`
	Amount      decimal.Decimal    `json:"amount"`
	Phone       string             `json:"phone"`
	Provider    string             `json:"provider"`
	ProviderRef string             `json:"providerRef,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	User        PaymentUser        `json:"user"`
	Transaction PaymentTransaction `json:"transaction"`
}

type PaymentUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type PaymentTransaction struct {
	ID         string          `json:"id"`
	Type       ledger.TxType   `json:"type"`
	Status     ledger.TxStatus `json:"status"`
	UGDXAmount decimal.Decimal `json:"ugdxAmount"`
	FeeUGX     decimal.Decimal `json:"feeUgx"`
	TxHash     string          `json:"txHash,omitempty"`
}

type HistoryPage struct {
	Payments   []Payment         `json:"payments"`
	Pagination common.Pagination `json:"pagination"`
}

// PaymentHistory lists jobs newest first, optionally filtered by status.
func (s *Service) PaymentHistory(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	status := ledger.JobStatus(strings.ToUpper(strings.TrimSpace(q.Status)))
	switch status {
	case "", ledger.JobPending, ledger.JobSuccess, ledger.JobFail:
	default:
		return nil, &bridge.Error{Kind: bridge.KindValidation, Message: fmt.Sprintf("Unknown status %q", q.Status)}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	jobs, total, err := s.store.ListJobs(ctx, ledger.JobFilter{Status: status, Limit: q.Limit, Offset: q.Offset})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	page := &HistoryPage{
		Payments:   make([]Payment, 0, len(jobs)),
		Pagination: common.NewPagination(total, q.Limit, q.Offset),
	}
	for _, d := range jobs {
		page.Payments = append(page.Payments, Payment{
			JobID:       d.Job.ID,
			Type:        d.Job.Type,
			Status:      d.Job.Status,
			Amount:      d.Job.Amount,
			Phone:       d.Job.Phone,
			Provider:    d.Job.Provider,
			ProviderRef: d.Job.TransID,
			CreatedAt:   d.Job.CreatedAt,
			User:        PaymentUser{ID: d.User.ID, Email: d.User.Email, Phone: d.User.Phone},
			Transaction: PaymentTransaction{
				ID:         d.Transaction.ID,
				Type:       d.Transaction.Type,
				Status:     d.Transaction.Status,
				UGDXAmount: d.Transaction.UGDXAmount,
				FeeUGX:     d.Transaction.FeeUGX,
				TxHash:     d.Transaction.TxHash,
			},
		})
	}
	return page, nil
}

type FeeSummary struct {
	FeeType string          `json:"feeType"`
	Total   decimal.Decimal `json:"total"`
	Count   int             `json:"count"`
}

type RecentFee struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"userId"`
	UserEmail     string          `json:"userEmail"`
	TransactionID string          `json:"transactionId"`
	FeeType       string          `json:"feeType"`
	AmountUGX     decimal.Decimal `json:"amountUgx"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type TreasuryOverview struct {
	FeeSummary  []FeeSummary         `json:"feeSummary"`
	RecentFees  []RecentFee          `json:"recentFees"`
	TotalFees   decimal.Decimal      `json:"totalFeesUgx"`
	RelayWallet *chain.WalletBalance `json:"relayWallet,omitempty"`
}

func (s *Service) Treasury(ctx context.Context) (*TreasuryOverview, error) {
	totals, err := s.store.FeeSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("fee summary: %w", err)
	}
	recent, err := s.store.RecentFees(ctx, RecentFeeLimit)
	if err != nil {
		return nil, fmt.Errorf("recent fees: %w", err)
	}

	out := &TreasuryOverview{
		FeeSummary: make([]FeeSummary, 0, len(totals)),
		RecentFees: make([]RecentFee, 0, len(recent)),
		TotalFees:  decimal.Zero,
	}
	for _, t := range totals {
		out.FeeSummary = append(out.FeeSummary, FeeSummary{FeeType: t.FeeType, Total: t.Total, Count: t.Count})
		out.TotalFees = out.TotalFees.Add(t.Total)
	}
	for _, f := range recent {
		out.RecentFees = append(out.RecentFees, RecentFee{
			ID:            f.ID,
			UserID:        f.UserID,
			UserEmail:     f.UserEmail,
			TransactionID: f.TransactionID,
			FeeType:       f.FeeType,
			AmountUGX:     f.AmountUGX,
			CreatedAt:     f.CreatedAt,
		})
	}
	if s.wallet != nil {
		if wb, ok := s.wallet.Balance(); ok {
			out.RelayWallet = &wb
		}
	}
	return out, nil
}

type UserBalance struct {
	UserID          string          `json:"userId"`
	Email           string          `json:"email"`
	Role            ledger.Role     `json:"role"`
	WalletAddress   string          `json:"walletAddress,omitempty"`
	OnChainBalance  decimal.Decimal `json:"onChainBalance"`
	OffChainBalance decimal.Decimal `json:"offChainBalance"`
	GasCredit       decimal.Decimal `json:"gasCredit"`
	Message         string          `json:"message,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// UserBalance reads the user's UGDX on chain alongside the off-chain credits.
func (s *Service) UserBalance(ctx context.Context, userID string) (*UserBalance, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, &bridge.Error{Kind: bridge.KindNotFound, Message: "User not found", Err: err}
		}
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}

	out := &UserBalance{
		UserID:          user.ID,
		Email:           user.Email,
		Role:            user.Role,
		OnChainBalance:  decimal.Zero,
		OffChainBalance: user.UGDXCredit,
		GasCredit:       user.GasCredit,
		Timestamp:       time.Now().UTC(),
	}
	if !user.HasWallet() {
		out.Message = "User has no wallet address"
		return out, nil
	}
	out.WalletAddress = user.WalletAddress

	bal, err := s.tokens.BalanceOf(ctx, user.WalletAddress)
	if err != nil {
		return nil, &bridge.Error{Kind: bridge.KindExternal, Message: "Failed to query user balance", Err: err}
	}
	out.OnChainBalance = bal
	s.logger.WithFields(logging.Fields{
		"user_id":   user.ID,
		"on_chain":  bal.String(),
		"off_chain": user.UGDXCredit.String(),
	}).Info("Admin balance query")
	return out, nil
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "SYSTEM"
	}
	return actor
}
