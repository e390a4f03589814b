package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/chain"
	"hermes/internal/events"
	"hermes/internal/ledger"
	"hermes/internal/momo"
)

func deposit(t *testing.T, h *harness) *DepositResult {
	t.Helper()
	res, err := h.svc.Deposit(context.Background(), "user-std", decimal.NewFromInt(10000))
	require.NoError(t, err)
	return res
}

func TestConfirmCollectionMintsAndSettles(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)

	conf, err := h.svc.ConfirmCollection(context.Background(), dep.JobID, "MTN-123", SourceAdmin)
	require.NoError(t, err)
	assert.True(t, conf.UGDXMinted.Equal(decimal.NewFromInt(9850)))
	assert.Equal(t, "MTN-123", conf.ProviderRef)
	assert.Contains(t, h.log.list(), "mint "+walletStandard+" 9850")

	job, _ := h.store.Job(dep.JobID)
	assert.Equal(t, ledger.JobSuccess, job.Status)
	assert.Equal(t, "MTN-123", job.TransID)

	tx, _ := h.store.Transaction(dep.TransactionID)
	assert.Equal(t, ledger.TxCompleted, tx.Status)
	assert.Equal(t, conf.TxHash, tx.TxHash)

	fees := h.store.Fees()
	require.Len(t, fees, 1)
	assert.Equal(t, "PROVIDER_FEE_MINT", fees[0].FeeType)
	assert.True(t, fees[0].AmountUGX.Equal(decimal.NewFromInt(150)))

	assert.Equal(t, []string{events.TypeInitiated, events.TypeCompleted}, h.events.types())
}

func TestConfirmGeneratesManualReference(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)

	conf, err := h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conf.ProviderRef, "MANUAL_"), conf.ProviderRef)
}

func TestConfirmAlreadySettledIsConflict(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)

	_, err := h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	require.NoError(t, err)

	_, err = h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.ErrorIs(t, err, ledger.ErrAlreadySettled)
	assert.Contains(t, err.Error(), "already success")
	assert.Equal(t, 1, h.relay.mintCount())

	_, err = h.svc.RejectJob(context.Background(), dep.JobID, "late", SourceAdmin)
	assert.Equal(t, KindConflict, KindOf(err))

	job, _ := h.store.Job(dep.JobID)
	assert.Equal(t, ledger.JobSuccess, job.Status)
}

func TestConfirmMintFailureFailsBothRecords(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)
	h.relay.mintErr = errors.New("execution reverted: not minter")

	_, err := h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	require.Error(t, err)
	assert.Equal(t, KindExternal, KindOf(err))
	assert.Contains(t, err.Error(), "not minter")

	job, _ := h.store.Job(dep.JobID)
	tx, _ := h.store.Transaction(dep.TransactionID)
	assert.Equal(t, ledger.JobFail, job.Status)
	assert.Equal(t, ledger.TxFailed, tx.Status)
	assert.Empty(t, h.store.Fees())
}

func TestConfirmMintNotConfirmedLeavesJobPending(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)
	hash := "0x" + strings.Repeat("7e", 32)
	h.relay.mintErr = &chain.PendingError{Method: "adminMintUGDX", TxHash: hash, Err: context.DeadlineExceeded}

	_, err := h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	require.Error(t, err)
	assert.Equal(t, KindExternal, KindOf(err))
	assert.ErrorIs(t, err, chain.ErrPendingConfirmation)

	job, _ := h.store.Job(dep.JobID)
	tx, _ := h.store.Transaction(dep.TransactionID)
	assert.Equal(t, ledger.JobPending, job.Status)
	assert.Equal(t, ledger.TxPending, tx.Status)
	assert.Equal(t, hash, tx.TxHash)
	assert.NotContains(t, h.events.types(), events.TypeFailed)

	// Not mined yet: nothing is minted again.
	h.relay.mintErr = nil
	_, err = h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, 1, h.relay.mintCalls())

	// Mined: settles from the earlier mint.
	h.relay.receipts[hash] = &chain.Receipt{TxHash: hash, Success: true}
	conf, err := h.svc.ConfirmCollection(context.Background(), dep.JobID, "MTN-9", SourceAdmin)
	require.NoError(t, err)
	assert.Equal(t, hash, conf.TxHash)
	assert.Equal(t, 1, h.relay.mintCalls())

	job, _ = h.store.Job(dep.JobID)
	assert.Equal(t, ledger.JobSuccess, job.Status)
	require.Len(t, h.store.Fees(), 1)
}

func TestConfirmResumeOfRevertedMintFailsJob(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)
	hash := "0x" + strings.Repeat("7f", 32)
	h.relay.mintErr = &chain.PendingError{Method: "adminMintUGDX", TxHash: hash, Err: context.Canceled}

	_, err := h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	require.Error(t, err)

	h.relay.receipts[hash] = &chain.Receipt{TxHash: hash, Success: false}
	_, err = h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	assert.Equal(t, KindExternal, KindOf(err))
	assert.ErrorIs(t, err, chain.ErrReverted)

	job, _ := h.store.Job(dep.JobID)
	tx, _ := h.store.Transaction(dep.TransactionID)
	assert.Equal(t, ledger.JobFail, job.Status)
	assert.Equal(t, ledger.TxFailed, tx.Status)
	assert.Equal(t, 1, h.relay.mintCalls())
}

func TestConfirmRejectsDisburseJobs(t *testing.T) {
	h := newHarness()
	h.relay.balances[walletAdvanced] = decimal.NewFromInt(1000)
	res, err := h.svc.Withdraw(context.Background(), WithdrawRequest{UserID: "user-adv", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	_, err = h.svc.ConfirmCollection(context.Background(), res.JobID, "", SourceAdmin)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Zero(t, h.relay.mintCount())
}

func TestConfirmUnknownJob(t *testing.T) {
	h := newHarness()
	_, err := h.svc.ConfirmCollection(context.Background(), "missing", "", SourceAdmin)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestSettleFailureAfterMintKeepsClaim(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)
	h.store.FailSettle = errors.New("connection reset")

	_, err := h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	require.Error(t, err)
	assert.Equal(t, 1, h.relay.mintCount())

	h.store.FailSettle = nil
	_, err = h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
	assert.ErrorIs(t, err, ledger.ErrSettlementInProgress)
	assert.Equal(t, 1, h.relay.mintCount(), "a held claim must block a second mint")
}

func TestRejectJob(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)

	rej, err := h.svc.RejectJob(context.Background(), dep.JobID, "payer declined", SourceAdmin)
	require.NoError(t, err)
	assert.Equal(t, "payer declined", rej.Reason)

	job, _ := h.store.Job(dep.JobID)
	tx, _ := h.store.Transaction(dep.TransactionID)
	assert.Equal(t, ledger.JobFail, job.Status)
	assert.Equal(t, ledger.TxFailed, tx.Status)
	assert.Zero(t, h.relay.mintCount())

	_, err = h.svc.RejectJob(context.Background(), dep.JobID, "", SourceAdmin)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Contains(t, err.Error(), "already fail")
}

func TestConfirmRejectRaceHasSingleWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness()
		h.relay.mintDelay = time.Millisecond
		dep := deposit(t, h)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				var err error
				switch i % 3 {
				case 0:
					_, err = h.svc.ConfirmCollection(context.Background(), dep.JobID, "", SourceAdmin)
				case 1:
					_, err = h.svc.RejectJob(context.Background(), dep.JobID, "", SourceAdmin)
				default:
					err = h.svc.HandleCallback(context.Background(), &momo.Callback{Reference: dep.JobID, Status: momo.StatusSuccessful})
					if err == nil {
						// Callbacks that lose the race are acknowledged; count only real settlements below.
						return
					}
				}
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.Equal(t, KindConflict, KindOf(err), "loser error: %v", err)
			}(i)
		}
		close(start)
		wg.Wait()

		job, _ := h.store.Job(dep.JobID)
		tx, _ := h.store.Transaction(dep.TransactionID)
		require.True(t, job.Status.Terminal(), "job must be settled")
		if job.Status == ledger.JobSuccess {
			assert.Equal(t, ledger.TxCompleted, tx.Status)
			assert.Equal(t, 1, h.relay.mintCount())
		} else {
			assert.Equal(t, ledger.TxFailed, tx.Status)
		}
		assert.LessOrEqual(t, h.relay.mintCount(), 1)
		assert.LessOrEqual(t, wins, 1)
	}
}

func TestHandleCallbackCollection(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)
	cb := &momo.Callback{Reference: dep.JobID, Status: momo.StatusSuccessful, ProviderTransactionID: "MTN-77"}

	require.NoError(t, h.svc.HandleCallback(context.Background(), cb))
	job, _ := h.store.Job(dep.JobID)
	assert.Equal(t, ledger.JobSuccess, job.Status)
	assert.Equal(t, "MTN-77", job.TransID)

	// A redelivered callback is acknowledged and changes nothing.
	require.NoError(t, h.svc.HandleCallback(context.Background(), cb))
	assert.Equal(t, 1, h.relay.mintCount())
}

func TestHandleCallbackInterimAndFailure(t *testing.T) {
	h := newHarness()
	dep := deposit(t, h)

	require.NoError(t, h.svc.HandleCallback(context.Background(), &momo.Callback{Reference: dep.JobID, Status: momo.StatusPending}))
	job, _ := h.store.Job(dep.JobID)
	assert.Equal(t, ledger.JobPending, job.Status)

	require.NoError(t, h.svc.HandleCallback(context.Background(), &momo.Callback{Reference: dep.JobID, Status: momo.StatusFailed, Reason: "insufficient funds"}))
	job, _ = h.store.Job(dep.JobID)
	assert.Equal(t, ledger.JobFail, job.Status)
	assert.Zero(t, h.relay.mintCount())

	err := h.svc.HandleCallback(context.Background(), &momo.Callback{Reference: "nope", Status: momo.StatusSuccessful})
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestHandleCallbackPayoutFailedAfterBurn(t *testing.T) {
	h := newHarness()
	h.relay.balances[walletStandard] = decimal.NewFromInt(1000)
	res, err := h.svc.Withdraw(context.Background(), WithdrawRequest{UserID: "user-std", Amount: decimal.NewFromInt(500), Signature: testSignature})
	require.NoError(t, err)

	err = h.svc.HandleCallback(context.Background(), &momo.Callback{Reference: res.JobID, Status: momo.StatusFailed, Reason: "recipient blocked"})
	require.NoError(t, err)

	job, _ := h.store.Job(res.JobID)
	tx, _ := h.store.Transaction(res.TransactionID)
	assert.Equal(t, ledger.JobFail, job.Status)
	assert.Equal(t, ledger.TxFailed, tx.Status)
	assert.Contains(t, h.events.types(), events.TypePayoutFailedAfterBurn)
}

func TestHandleCallbackDisbursementSuccess(t *testing.T) {
	h := newHarness()
	h.relay.balances[walletStandard] = decimal.NewFromInt(1000)
	res, err := h.svc.Withdraw(context.Background(), WithdrawRequest{UserID: "user-std", Amount: decimal.NewFromInt(500), Signature: testSignature})
	require.NoError(t, err)

	require.NoError(t, h.svc.HandleCallback(context.Background(), &momo.Callback{Reference: res.JobID, Status: "SUCCESSFUL", ProviderTransactionID: "MTN-9"}))
	tx, _ := h.store.Transaction(res.TransactionID)
	assert.Equal(t, ledger.TxCompleted, tx.Status)

	fees := h.store.Fees()
	require.Len(t, fees, 1)
	assert.Equal(t, "PROVIDER_FEE_REDEEM", fees[0].FeeType)
	assert.True(t, fees[0].AmountUGX.Equal(decimal.RequireFromString("7.5")))
}

func TestPayoutInitiationFailureAfterBurnLeavesJobPending(t *testing.T) {
	h := newHarness()
	h.relay.balances[walletStandard] = decimal.NewFromInt(1000)
	h.gateway.disburseErr = errors.New("provider down")

	_, err := h.svc.Withdraw(context.Background(), WithdrawRequest{UserID: "user-std", Amount: decimal.NewFromInt(500), Signature: testSignature})
	require.Error(t, err)
	assert.Equal(t, KindExternal, KindOf(err))

	jobs, _, err := h.store.ListJobs(context.Background(), ledger.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ledger.JobPending, jobs[0].Job.Status)
	assert.NotEmpty(t, jobs[0].Transaction.TxHash)
	assert.Contains(t, h.events.types(), events.TypePayoutFailedAfterBurn)
}
