// Package gascredit debits users' prepaid gas allowance for relayed meta-transactions.
package gascredit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"hermes/internal/chain"
)

// DripUse is the gas_drips type for a debit.
const DripUse = "USE"

// CreditScale is the number of decimals kept on a stored gas credit.
const CreditScale = 6

var ErrUserNotFound = errors.New("user not found")

// Debit is the outcome of one gas credit deduction.
type Debit struct {
	UserID    string
	Cost      decimal.Decimal
	Previous  decimal.Decimal
	Remaining decimal.Decimal
	Note      string
}

// Debiter charges a user for the gas a receipt consumed.
type Debiter interface {
	Debit(ctx context.Context, userID string, receipt *chain.Receipt, note string) (*Debit, error)
}

// CostUGX converts the receipt's native gas cost to UGX at nativeRate.
func CostUGX(receipt *chain.Receipt, nativeRate decimal.Decimal) decimal.Decimal {
	return receipt.NativeCost().Mul(nativeRate).Round(CreditScale)
}

// Remaining subtracts cost from credit, flooring at zero.
func Remaining(credit, cost decimal.Decimal) decimal.Decimal {
	left := credit.Sub(cost)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left.Round(CreditScale)
}

// PostgresLedger stores gas credit on users.gas_credit and appends gas_drips rows.
type PostgresLedger struct {
	db         *sql.DB
	nativeRate decimal.Decimal
	debited    prometheus.Counter
	now        func() time.Time
}

func NewPostgresLedger(db *sql.DB, nativeRate decimal.Decimal) *PostgresLedger {
	return &PostgresLedger{db: db, nativeRate: nativeRate, now: func() time.Time { return time.Now().UTC() }}
}

// WithDebitCounter adds every debited UGX amount to c.
func (l *PostgresLedger) WithDebitCounter(c prometheus.Counter) *PostgresLedger {
	l.debited = c
	return l
}

func (l *PostgresLedger) Debit(ctx context.Context, userID string, receipt *chain.Receipt, note string) (*Debit, error) {
	cost := CostUGX(receipt, l.nativeRate)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin gas debit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var credit decimal.Decimal
	err = tx.QueryRowContext(ctx, `SELECT gas_credit FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&credit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read gas credit: %w", err)
	}

	remaining := Remaining(credit, cost)
	if _, err := tx.ExecContext(ctx, `UPDATE users SET gas_credit = $2 WHERE id = $1`, userID, remaining); err != nil {
		return nil, fmt.Errorf("update gas credit: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gas_drips (user_id, amount, type, note, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, cost, DripUse, note, l.now()); err != nil {
		return nil, fmt.Errorf("insert gas drip: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit gas debit: %w", err)
	}

	if l.debited != nil {
		l.debited.Add(cost.InexactFloat64())
	}
	return &Debit{UserID: userID, Cost: cost, Previous: credit, Remaining: remaining, Note: note}, nil
}

var _ Debiter = (*PostgresLedger)(nil)
