// Package ledgertest provides an in-memory ledger.Store with the same
// conditional-transition semantics as the Postgres store.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hermes/internal/ledger"
)

type claim struct {
	token string
	at    time.Time
}

type MemoryStore struct {
	mu     sync.Mutex
	users  map[string]ledger.User
	jobs   map[string]ledger.Job
	txs    map[string]ledger.Transaction
	claims map[string]claim
	fees   []ledger.FeeRecord
	seq    int64

	Now func() time.Time
	// FailSettle, when set, is returned by SettleJob before any change.
	FailSettle error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]ledger.User),
		jobs:   make(map[string]ledger.Job),
		txs:    make(map[string]ledger.Transaction),
		claims: make(map[string]claim),
		Now:    time.Now,
	}
}

// PutUser inserts or replaces a user.
func (m *MemoryStore) PutUser(u ledger.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// Job returns a snapshot of a job.
func (m *MemoryStore) Job(id string) (ledger.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Transaction returns a snapshot of a transaction.
func (m *MemoryStore) Transaction(id string) (ledger.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	return t, ok
}

// Counts reports how many jobs and transactions exist.
func (m *MemoryStore) Counts() (jobs, txs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), len(m.txs)
}

// Fees returns the booked fee rows.
func (m *MemoryStore) Fees() []ledger.FeeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.FeeRecord(nil), m.fees...)
}

func (m *MemoryStore) GetUser(_ context.Context, userID string) (*ledger.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) stampLocked(job *ledger.Job, tx *ledger.Transaction) {
	m.seq++
	now := m.Now().Add(time.Duration(m.seq) * time.Microsecond)
	if job != nil {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if job.Status == "" {
			job.Status = ledger.JobPending
		}
		job.CreatedAt, job.UpdatedAt = now, now
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = ledger.TxPending
	}
	tx.CreatedAt, tx.UpdatedAt = now, now
}

func (m *MemoryStore) CreateJobWithTransaction(_ context.Context, job *ledger.Job, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[job.UserID]; !ok {
		return ledger.ErrNotFound
	}
	m.stampLocked(job, tx)
	tx.JobID, tx.UserID = job.ID, job.UserID
	m.jobs[job.ID] = *job
	stored := *tx
	stored.Job = nil
	m.txs[tx.ID] = stored
	return nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[tx.UserID]; !ok {
		return ledger.ErrNotFound
	}
	m.stampLocked(nil, tx)
	tx.JobID = ""
	m.txs[tx.ID] = *tx
	return nil
}

func (m *MemoryStore) RecordTxHash(_ context.Context, transactionID, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[transactionID]
	if !ok {
		return ledger.ErrNotFound
	}
	if t.Status != ledger.TxPending {
		return &ledger.SettledError{Status: string(t.Status)}
	}
	if t.TxHash != "" {
		return ledger.ErrHashRecorded
	}
	if m.hashUsedLocked(txHash, transactionID) {
		return ledger.ErrHashInUse
	}
	t.TxHash = txHash
	t.UpdatedAt = m.Now()
	m.txs[transactionID] = t
	return nil
}

// hashUsedLocked mirrors the unique index on transactions.tx_hash.
func (m *MemoryStore) hashUsedLocked(hash, exceptID string) bool {
	if hash == "" {
		return false
	}
	for id, t := range m.txs {
		if id != exceptID && t.TxHash == hash {
			return true
		}
	}
	return false
}

func (m *MemoryStore) pairedLocked(jobID string) (ledger.Transaction, bool) {
	for _, t := range m.txs {
		if t.JobID == jobID {
			return t, true
		}
	}
	return ledger.Transaction{}, false
}

func (m *MemoryStore) detailLocked(j ledger.Job) ledger.JobDetail {
	t, _ := m.pairedLocked(j.ID)
	return ledger.JobDetail{Job: j, User: m.users[j.UserID], Transaction: t}
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*ledger.JobDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	d := m.detailLocked(j)
	return &d, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, transactionID string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[transactionID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &t, nil
}

func (m *MemoryStore) sortedJobsLocked(keep func(ledger.Job) bool) []ledger.JobDetail {
	var out []ledger.JobDetail
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, m.detailLocked(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Job.CreatedAt.After(out[b].Job.CreatedAt) })
	return out
}

func (m *MemoryStore) ListPendingCollections(_ context.Context) ([]ledger.JobDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedJobsLocked(func(j ledger.Job) bool {
		return j.Status == ledger.JobPending && j.Type == ledger.JobCollect
	}), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, f ledger.JobFilter) ([]ledger.JobDetail, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedJobsLocked(func(j ledger.Job) bool {
		return (f.Status == "" || j.Status == f.Status) && (f.Type == "" || j.Type == f.Type)
	})
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	return all[f.Offset:end], total, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Transaction
	for _, t := range m.txs {
		if t.UserID != userID {
			continue
		}
		if j, ok := m.jobs[t.JobID]; ok {
			t.Job = &j
		}
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListUnconfirmedSends(_ context.Context, limit int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Transaction
	for _, t := range m.txs {
		if t.Status == ledger.TxPending && t.Type == ledger.TxSend && t.JobID == "" && t.TxHash != "" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, jobID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ledger.ErrNotFound
	}
	if j.Status.Terminal() {
		return &ledger.SettledError{Status: string(j.Status)}
	}
	if c, held := m.claims[jobID]; held && c.at.After(m.Now().Add(-ttl)) {
		return ledger.ErrSettlementInProgress
	}
	m.claims[jobID] = claim{token: token, at: m.Now()}
	return nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, jobID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[jobID]; ok && c.token == token {
		delete(m.claims, jobID)
	}
	return nil
}

func (m *MemoryStore) SettleJob(_ context.Context, st ledger.Settlement) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSettle != nil {
		return nil, m.FailSettle
	}
	j, ok := m.jobs[st.JobID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil, &ledger.SettledError{Status: string(j.Status)}
	}
	if c, held := m.claims[st.JobID]; !held || c.token != st.ClaimToken {
		return nil, ledger.ErrClaimLost
	}
	t, ok := m.pairedLocked(st.JobID)
	if !ok || t.Status != ledger.TxPending {
		return nil, ledger.ErrNotFound
	}
	if m.hashUsedLocked(st.TxHash, t.ID) {
		return nil, ledger.ErrHashInUse
	}

	now := m.Now()
	j.Status, t.Status = ledger.JobFail, ledger.TxFailed
	if st.Success {
		j.Status, t.Status = ledger.JobSuccess, ledger.TxCompleted
	}
	if st.ProviderRef != "" {
		j.TransID = st.ProviderRef
	}
	if st.TxHash != "" {
		t.TxHash = st.TxHash
	}
	j.UpdatedAt, t.UpdatedAt = now, now
	m.jobs[j.ID] = j
	m.txs[t.ID] = t
	delete(m.claims, j.ID)

	if st.Success && t.FeeUGX.IsPositive() {
		m.fees = append(m.fees, ledger.FeeRecord{
			ID:            int64(len(m.fees) + 1),
			UserID:        t.UserID,
			UserEmail:     m.users[t.UserID].Email,
			TransactionID: t.ID,
			FeeType:       ledger.FeeType(t.Type),
			AmountUGX:     t.FeeUGX,
			CreatedAt:     now,
		})
	}
	return &t, nil
}

func (m *MemoryStore) finish(transactionID string, status ledger.TxStatus, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[transactionID]
	if !ok {
		return ledger.ErrNotFound
	}
	if t.Status != ledger.TxPending {
		return &ledger.SettledError{Status: string(t.Status)}
	}
	if t.JobID != "" {
		return ledger.ErrNotFound
	}
	if m.hashUsedLocked(txHash, transactionID) {
		return ledger.ErrHashInUse
	}
	t.Status = status
	if txHash != "" {
		t.TxHash = txHash
	}
	t.UpdatedAt = m.Now()
	m.txs[transactionID] = t
	return nil
}

func (m *MemoryStore) CompleteTransaction(_ context.Context, transactionID, txHash string) error {
	return m.finish(transactionID, ledger.TxCompleted, txHash)
}

func (m *MemoryStore) FailTransaction(_ context.Context, transactionID string) error {
	return m.finish(transactionID, ledger.TxFailed, "")
}

func (m *MemoryStore) FeeSummary(_ context.Context) ([]ledger.FeeTotal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType := map[string]*ledger.FeeTotal{}
	for _, f := range m.fees {
		ft, ok := byType[f.FeeType]
		if !ok {
			ft = &ledger.FeeTotal{FeeType: f.FeeType}
			byType[f.FeeType] = ft
		}
		ft.Total = ft.Total.Add(f.AmountUGX)
		ft.Count++
	}
	out := make([]ledger.FeeTotal, 0, len(byType))
	for _, ft := range byType {
		out = append(out, *ft)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].FeeType < out[b].FeeType })
	return out, nil
}

func (m *MemoryStore) RecentFees(_ context.Context, limit int) ([]ledger.FeeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ledger.FeeRecord(nil), m.fees...)
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ ledger.Store = (*MemoryStore)(nil)
