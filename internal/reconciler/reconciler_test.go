package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"hermes/internal/chain"
	"hermes/internal/events"
	"hermes/internal/ledger"
	"hermes/internal/ledger/ledgertest"
	"hermes/pkg/logging"
)

type stubChain struct {
	head     uint64
	headErr  error
	receipts map[string]*chain.Receipt
	errs     map[string]error
}

func (s *stubChain) Receipt(_ context.Context, hash string) (*chain.Receipt, error) {
	if err, ok := s.errs[hash]; ok {
		return nil, err
	}
	if r, ok := s.receipts[hash]; ok {
		return r, nil
	}
	return nil, chain.ErrReceiptNotFound
}

func (s *stubChain) BlockNumber(context.Context) (uint64, error) {
	return s.head, s.headErr
}

type capture struct {
	mu  sync.Mutex
	got []events.Event
}

func (c *capture) Publish(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, e)
}

func seedSend(t *testing.T, store *ledgertest.MemoryStore, hash string) string {
	t.Helper()
	tx := &ledger.Transaction{
		UserID:     "user-1",
		Type:       ledger.TxSend,
		Status:     ledger.TxPending,
		AmountUGX:  decimal.Zero,
		UGDXAmount: decimal.NewFromInt(25),
		ToAddress:  "0x00000000000000000000000000000000000000aa",
	}
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if hash != "" {
		if err := store.RecordTxHash(context.Background(), tx.ID, hash); err != nil {
			t.Fatalf("record hash: %v", err)
		}
	}
	return tx.ID
}

func newStore() *ledgertest.MemoryStore {
	store := ledgertest.NewMemoryStore()
	store.PutUser(ledger.User{ID: "user-1", Role: ledger.RoleAdvanced})
	return store
}

func TestReconcileOnceOutcomes(t *testing.T) {
	store := newStore()
	confirmed := seedSend(t, store, "0xconfirmed")
	shallow := seedSend(t, store, "0xshallow")
	reverted := seedSend(t, store, "0xreverted")
	missing := seedSend(t, store, "0xmissing")
	unhashed := seedSend(t, store, "")

	src := &stubChain{
		head: 110,
		receipts: map[string]*chain.Receipt{
			"0xconfirmed": {TxHash: "0xconfirmed", BlockNumber: 100, Success: true},
			"0xshallow":   {TxHash: "0xshallow", BlockNumber: 109, Success: true},
			"0xreverted":  {TxHash: "0xreverted", BlockNumber: 100, Success: false},
		},
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_reconciler_outcomes"}, []string{"outcome"})
	pub := &capture{}
	r := New(store, src, pub, Config{Confirmations: 3, Outcomes: outcomes}, logging.NewLogger())

	sum := r.ReconcileOnce(context.Background())
	if sum.Checked != 4 || sum.Completed != 1 || sum.Failed != 1 || sum.Waiting != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	want := map[string]ledger.TxStatus{
		confirmed: ledger.TxCompleted,
		shallow:   ledger.TxPending,
		reverted:  ledger.TxFailed,
		missing:   ledger.TxPending,
		unhashed:  ledger.TxPending,
	}
	for id, status := range want {
		tx, _ := store.Transaction(id)
		if tx.Status != status {
			t.Errorf("transaction %s: status %s, want %s", id, tx.Status, status)
		}
	}

	if len(pub.got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.got))
	}
	types := map[string]string{}
	for _, e := range pub.got {
		types[e.TransactionID] = e.Type
	}
	if types[confirmed] != events.TypeCompleted || types[reverted] != events.TypeFailed {
		t.Fatalf("unexpected events %v", types)
	}
	if got := testutil.ToFloat64(outcomes.WithLabelValues("waiting")); got != 2 {
		t.Fatalf("waiting counter = %v, want 2", got)
	}

	// A later pass picks up the send once it is deep enough.
	src.head = 120
	sum = r.ReconcileOnce(context.Background())
	if sum.Checked != 2 || sum.Completed != 1 {
		t.Fatalf("second pass summary %+v", sum)
	}
	if tx, _ := store.Transaction(shallow); tx.Status != ledger.TxCompleted {
		t.Fatalf("shallow send not completed: %s", tx.Status)
	}
}

func TestReconcileKeepsPendingOnChainErrors(t *testing.T) {
	store := newStore()
	id := seedSend(t, store, "0xabc")
	src := &stubChain{errs: map[string]error{"0xabc": errors.New("rpc unavailable")}}
	r := New(store, src, nil, Config{}, logging.NewLogger())

	if sum := r.ReconcileOnce(context.Background()); sum.Waiting != 1 {
		t.Fatalf("expected send to wait, got %+v", sum)
	}

	src.errs = nil
	src.receipts = map[string]*chain.Receipt{"0xabc": {TxHash: "0xabc", BlockNumber: 5, Success: true}}
	src.headErr = errors.New("head unavailable")
	if sum := r.ReconcileOnce(context.Background()); sum.Waiting != 1 {
		t.Fatalf("expected send to wait without head, got %+v", sum)
	}
	if tx, _ := store.Transaction(id); tx.Status != ledger.TxPending {
		t.Fatalf("status changed to %s", tx.Status)
	}
}

func TestHasConfirmations(t *testing.T) {
	cases := []struct {
		head, block, required uint64
		want                  bool
	}{
		{100, 0, 0, false},
		{100, 101, 0, false},
		{100, 100, 0, true},
		{100, 98, 3, false},
		{100, 97, 3, true},
	}
	for _, c := range cases {
		if got := hasConfirmations(c.head, c.block, c.required); got != c.want {
			t.Errorf("hasConfirmations(%d, %d, %d) = %v", c.head, c.block, c.required, got)
		}
	}
}

func TestStartStops(t *testing.T) {
	r := New(newStore(), &stubChain{}, nil, Config{Interval: 10 * time.Millisecond}, logging.NewLogger())
	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RECONCILER_INTERVAL", "10s")
	t.Setenv("RECONCILER_CONFIRMATIONS", "-1")

	cfg := ConfigFromEnv()
	if cfg.Interval != 10*time.Second {
		t.Fatalf("interval = %s", cfg.Interval)
	}
	if cfg.Confirmations != DefaultConfirmations {
		t.Fatalf("negative confirmations must fall back to %d, got %d", DefaultConfirmations, cfg.Confirmations)
	}

	t.Setenv("RECONCILER_CONFIRMATIONS", "12")
	if got := ConfigFromEnv().Confirmations; got != 12 {
		t.Fatalf("confirmations = %d", got)
	}
}
