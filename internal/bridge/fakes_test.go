package bridge

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"hermes/internal/chain"
	"hermes/internal/events"
	"hermes/internal/gascredit"
	"hermes/internal/ledger"
	"hermes/internal/ledger/ledgertest"
	"hermes/internal/momo"
	"hermes/internal/rates"
	"hermes/pkg/logging"
)

// callLog records the order of external calls across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeRelay struct {
	log       *callLog
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	receipts  map[string]*chain.Receipt
	mints     int
	seq       int
	mintDelay time.Duration
	mintErr   error
	burnErr   error
	rate      decimal.Decimal
}

func newFakeRelay(log *callLog) *fakeRelay {
	return &fakeRelay{
		log:      log,
		balances: map[string]decimal.Decimal{},
		receipts: map[string]*chain.Receipt{},
		rate:     decimal.NewFromInt(3700),
	}
}

func (r *fakeRelay) nextReceipt() *chain.Receipt {
	r.seq++
	return &chain.Receipt{
		TxHash:            fmt.Sprintf("0x%064x", r.seq),
		BlockNumber:       uint64(100 + r.seq),
		GasUsed:           100000,
		EffectiveGasPrice: big.NewInt(30_000_000_000),
		Success:           true,
	}
}

func (r *fakeRelay) BalanceOf(_ context.Context, owner string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.add("balanceOf %s", owner)
	return r.balances[owner], nil
}

func (r *fakeRelay) UGXPerUSD(context.Context) (decimal.Decimal, error) { return r.rate, nil }

func (r *fakeRelay) Mint(_ context.Context, to string, amount decimal.Decimal) (*chain.Receipt, error) {
	if r.mintDelay > 0 {
		time.Sleep(r.mintDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.add("mint %s %s", to, amount)
	if r.mintErr != nil {
		return nil, r.mintErr
	}
	r.mints++
	return r.nextReceipt(), nil
}

func (r *fakeRelay) Nonce(_ context.Context, signer common.Address) (*big.Int, error) {
	r.log.add("nonce %s", signer.Hex())
	return big.NewInt(3), nil
}

func (r *fakeRelay) ExecuteMeta(_ context.Context, tx chain.MetaTx) (*chain.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.add("burn %s", tx.Signer.Hex())
	if r.burnErr != nil {
		return nil, r.burnErr
	}
	return r.nextReceipt(), nil
}

func (r *fakeRelay) Receipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.receipts[txHash]; ok {
		return rc, nil
	}
	return nil, chain.ErrReceiptNotFound
}

func (r *fakeRelay) BlockNumber(context.Context) (uint64, error) { return 200, nil }

// burnReceipt is a mined receipt carrying a UGDX burn of amount from wallet,
// sent by that wallet.
func burnReceipt(hash, wallet string, amount decimal.Decimal) *chain.Receipt {
	owner := common.HexToAddress(wallet)
	return &chain.Receipt{
		TxHash:    hash,
		Success:   true,
		From:      owner,
		Transfers: []chain.Transfer{{From: owner, Amount: amount}},
	}
}

// mintCalls counts mint attempts, successful or not.
func (r *fakeRelay) mintCalls() int {
	n := 0
	for _, c := range r.log.list() {
		if strings.HasPrefix(c, "mint ") {
			n++
		}
	}
	return n
}

func (r *fakeRelay) mintCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mints
}

type fakeGateway struct {
	log           *callLog
	collectErr    error
	disburseErr   error
	collections   []string
	disbursements []string
	mu            sync.Mutex
}

func (g *fakeGateway) InitiateCollection(_ context.Context, reference, phone string, amount decimal.Decimal) (*momo.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.add("collect %s %s %s", reference, phone, amount)
	if g.collectErr != nil {
		return nil, g.collectErr
	}
	g.collections = append(g.collections, reference)
	return &momo.Result{Status: momo.StatusPending}, nil
}

func (g *fakeGateway) InitiateDisbursement(_ context.Context, reference, phone string, amount decimal.Decimal) (*momo.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.add("disburse %s %s %s", reference, phone, amount)
	if g.disburseErr != nil {
		return nil, g.disburseErr
	}
	g.disbursements = append(g.disbursements, reference)
	return &momo.Result{Status: momo.StatusPending}, nil
}

type fakeDebiter struct {
	log   *callLog
	notes []string
}

func (d *fakeDebiter) Debit(_ context.Context, userID string, receipt *chain.Receipt, note string) (*gascredit.Debit, error) {
	d.log.add("debit %s", userID)
	d.notes = append(d.notes, note)
	cost := gascredit.CostUGX(receipt, decimal.NewFromInt(3700))
	return &gascredit.Debit{UserID: userID, Cost: cost, Note: note}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixedRates struct{ r rates.Rates }

func (f fixedRates) Current(context.Context) rates.Rates { return f.r }

const (
	walletStandard = "0x00000000000000000000000000000000000000aB"
	walletAdvanced = "0x00000000000000000000000000000000000000Cd"
)

type harness struct {
	svc     *Service
	store   *ledgertest.MemoryStore
	relay   *fakeRelay
	gateway *fakeGateway
	debiter *fakeDebiter
	events  *recordingPublisher
	log     *callLog
}

func newHarness() *harness {
	log := &callLog{}
	h := &harness{
		store:   ledgertest.NewMemoryStore(),
		relay:   newFakeRelay(log),
		gateway: &fakeGateway{log: log},
		debiter: &fakeDebiter{log: log},
		events:  &recordingPublisher{},
		log:     log,
	}
	h.store.PutUser(ledger.User{ID: "user-std", Email: "std@example.com", Phone: "256700000001", WalletAddress: walletStandard, Role: ledger.RoleStandard, GasCredit: decimal.NewFromInt(50)})
	h.store.PutUser(ledger.User{ID: "user-adv", Email: "adv@example.com", Phone: "256700000002", WalletAddress: walletAdvanced, Role: ledger.RoleAdvanced})
	h.store.PutUser(ledger.User{ID: "user-nowallet", Email: "nw@example.com", Phone: "256700000003", Role: ledger.RoleStandard})

	h.svc = New(DefaultConfig(), Deps{
		Store:     h.store,
		Relay:     h.relay,
		Gateway:   h.gateway,
		GasCredit: h.debiter,
		Rates:     fixedRates{r: rates.Rates{UGXPerUSD: decimal.NewFromInt(3700), Source: rates.SourceChain}},
		Events:    h.events,
		Logger:    logging.NewDiscardLogger(),
	})
	return h
}

var testSignature = make([]byte, 65)
