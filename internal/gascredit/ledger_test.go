package gascredit

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"hermes/internal/chain"
)

// 100k gas at 30 gwei = 0.003 native = 11.1 UGX at 3700.
func testReceipt() *chain.Receipt {
	return &chain.Receipt{TxHash: "0xabc", GasUsed: 100000, EffectiveGasPrice: big.NewInt(30_000_000_000), Success: true}
}

func TestCostUGX(t *testing.T) {
	got := CostUGX(testReceipt(), decimal.NewFromInt(3700))
	if !got.Equal(decimal.RequireFromString("11.1")) {
		t.Fatalf("cost = %s", got)
	}
}

func TestRemainingFloorsAtZero(t *testing.T) {
	cases := []struct {
		credit, cost, want string
	}{
		{"50", "11.1", "38.9"},
		{"5", "11.1", "0"},
		{"11.1", "11.1", "0"},
		{"1.0000004", "0.0000001", "1"},
	}
	for _, tc := range cases {
		got := Remaining(decimal.RequireFromString(tc.credit), decimal.RequireFromString(tc.cost))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Remaining(%s, %s) = %s, want %s", tc.credit, tc.cost, got, tc.want)
		}
	}
}

func newMockLedger(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	l := NewPostgresLedger(db, decimal.NewFromInt(3700))
	l.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return l, mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
		_ = db.Close()
	}
}

func TestDebitPersistsFlooredCredit(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_gas_debited"})
	l.WithDebitCounter(counter)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT gas_credit FROM users").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"gas_credit"}).AddRow("5"))
	mock.ExpectExec("UPDATE users SET gas_credit").
		WithArgs("user-1", decimal.Zero).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO gas_drips").
		WithArgs("user-1", decimal.RequireFromString("11.1"), DripUse, "Redeem tx 0xabc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	debit, err := l.Debit(context.Background(), "user-1", testReceipt(), "Redeem tx 0xabc")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !debit.Remaining.IsZero() || !debit.Previous.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected debit: %+v", debit)
	}
	if got := testutil.ToFloat64(counter); got != 11.1 {
		t.Fatalf("counter = %v", got)
	}
}

func TestDebitUnknownUser(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT gas_credit FROM users").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := l.Debit(context.Background(), "ghost", testReceipt(), "Send tx 0xabc")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDebitRollsBackOnInsertFailure(t *testing.T) {
	l, mock, done := newMockLedger(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT gas_credit FROM users").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"gas_credit"}).AddRow("50"))
	mock.ExpectExec("UPDATE users SET gas_credit").
		WithArgs("user-1", decimal.RequireFromString("38.9")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO gas_drips").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if _, err := l.Debit(context.Background(), "user-1", testReceipt(), "Redeem tx 0xabc"); err == nil {
		t.Fatal("expected error")
	}
}
