package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const (
	userCols = `u.id, u.email, u.phone, COALESCE(u.wallet_address, ''), u.role, u.ugdx_credit, u.gas_credit, u.created_at`
	jobCols  = `j.id, j.user_id, j.type, j.amount, j.phone, j.provider, j.status, COALESCE(j.trans_id, ''), j.created_at, j.updated_at`
	txCols   = `t.id, t.user_id, COALESCE(t.mm_job_id, ''), t.type, t.status, t.amount_ugx, t.ugdx_amount, t.fee_ugx,
		COALESCE(t.tx_hash, ''), COALESCE(t.to_phone, ''), COALESCE(t.to_address, ''), t.created_at, t.updated_at`

	jobDetailSelect = `SELECT ` + jobCols + `, ` + userCols + `, ` + txCols + `
		FROM mobile_money_jobs j
		JOIN users u ON u.id = j.user_id
		JOIN transactions t ON t.mm_job_id = j.id`
)

func (u *User) dest() []any {
	return []any{&u.ID, &u.Email, &u.Phone, &u.WalletAddress, &u.Role, &u.UGDXCredit, &u.GasCredit, &u.CreatedAt}
}

func (j *Job) dest() []any {
	return []any{&j.ID, &j.UserID, &j.Type, &j.Amount, &j.Phone, &j.Provider, &j.Status, &j.TransID, &j.CreatedAt, &j.UpdatedAt}
}

func (t *Transaction) dest() []any {
	return []any{&t.ID, &t.UserID, &t.JobID, &t.Type, &t.Status, &t.AmountUGX, &t.UGDXAmount, &t.FeeUGX,
		&t.TxHash, &t.ToPhone, &t.ToAddress, &t.CreatedAt, &t.UpdatedAt}
}

func (d *JobDetail) dest() []any {
	out := d.Job.dest()
	out = append(out, d.User.dest()...)
	return append(out, d.Transaction.dest()...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore implements Store on lib/pq.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users u WHERE u.id = $1`, userID).Scan(u.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) stamp(job *Job, tx *Transaction) {
	now := s.now()
	if job != nil {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if job.Status == "" {
			job.Status = JobPending
		}
		job.CreatedAt, job.UpdatedAt = now, now
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Status == "" {
		tx.Status = TxPending
	}
	tx.CreatedAt, tx.UpdatedAt = now, now
}

const insertTransaction = `
	INSERT INTO transactions (id, user_id, mm_job_id, type, status, amount_ugx, ugdx_amount, fee_ugx,
		tx_hash, to_phone, to_address, created_at, updated_at)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $12)`

func execInsertTransaction(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, tx *Transaction) error {
	_, err := ex.ExecContext(ctx, insertTransaction,
		tx.ID, tx.UserID, tx.JobID, tx.Type, tx.Status, tx.AmountUGX, tx.UGDXAmount, tx.FeeUGX,
		tx.TxHash, tx.ToPhone, tx.ToAddress, tx.CreatedAt,
	)
	return err
}

func (s *PostgresStore) CreateJobWithTransaction(ctx context.Context, job *Job, tx *Transaction) error {
	s.stamp(job, tx)
	tx.JobID = job.ID
	tx.UserID = job.UserID

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback() //nolint:errcheck // no-op after commit

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO mobile_money_jobs (id, user_id, type, amount, phone, provider, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		job.ID, job.UserID, job.Type, job.Amount, job.Phone, job.Provider, job.Status, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := execInsertTransaction(ctx, dbTx, tx); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	s.stamp(nil, tx)
	tx.JobID = ""
	if err := execInsertTransaction(ctx, s.db, tx); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// uniqueViolation is the SQLSTATE Postgres raises on a unique index conflict.
const uniqueViolation = "23505"

// hashTaken reports whether err is the tx_hash unique index firing.
func hashTaken(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *PostgresStore) RecordTxHash(ctx context.Context, transactionID, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND tx_hash IS NULL`,
		transactionID, txHash,
	)
	if hashTaken(err) {
		return ErrHashInUse
	}
	if err != nil {
		return fmt.Errorf("record tx hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := s.classifyTransaction(ctx, transactionID); !errors.Is(err, errTxUnchanged) {
			return err
		}
		return ErrHashRecorded
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*JobDetail, error) {
	var d JobDetail
	err := s.db.QueryRowContext(ctx, jobDetailSelect+` WHERE j.id = $1`, jobID).Scan(d.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var t Transaction
	err := s.db.QueryRowContext(ctx, `SELECT `+txCols+` FROM transactions t WHERE t.id = $1`, transactionID).Scan(t.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) queryJobDetails(ctx context.Context, query string, args ...any) ([]JobDetail, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobDetail
	for rows.Next() {
		var d JobDetail
		if err := rows.Scan(d.dest()...); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPendingCollections(ctx context.Context) ([]JobDetail, error) {
	out, err := s.queryJobDetails(ctx, jobDetailSelect+`
		WHERE j.status = 'PENDING' AND j.type = 'COLLECT'
		ORDER BY j.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pending collections: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]JobDetail, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("j.status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("j.type = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mobile_money_jobs j`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := jobDetailSelect + clause + fmt.Sprintf(" ORDER BY j.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	out, err := s.queryJobDetails(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txCols+`,
			j.id, j.type, j.amount, j.phone, j.provider, j.status, j.trans_id, j.created_at, j.updated_at
		FROM transactions t
		LEFT JOIN mobile_money_jobs j ON j.id = t.mm_job_id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t                               Transaction
			jobID, jobType, phone, provider sql.NullString
			status, transID                 sql.NullString
			amount                          decimal.NullDecimal
			jobCreated, jobUpdated          sql.NullTime
		)
		dest := append(t.dest(), &jobID, &jobType, &amount, &phone, &provider, &status, &transID, &jobCreated, &jobUpdated)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if jobID.Valid {
			t.Job = &Job{
				ID:        jobID.String,
				UserID:    t.UserID,
				Type:      JobType(jobType.String),
				Amount:    amount.Decimal,
				Phone:     phone.String,
				Provider:  provider.String,
				Status:    JobStatus(status.String),
				TransID:   transID.String,
				CreatedAt: jobCreated.Time,
				UpdatedAt: jobUpdated.Time,
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListUnconfirmedSends(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txCols+`
		FROM transactions t
		WHERE t.status = 'PENDING' AND t.type = 'SEND' AND t.mm_job_id IS NULL AND t.tx_hash IS NOT NULL
		ORDER BY t.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed sends: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(t.dest()...); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// classifyJob explains why a conditional job update touched no rows.
func (s *PostgresStore) classifyJob(ctx context.Context, jobID string) error {
	var status JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM mobile_money_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	if status.Terminal() {
		return &SettledError{Status: string(status)}
	}
	return nil
}

func (s *PostgresStore) classifyTransaction(ctx context.Context, transactionID string) error {
	var status TxStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, transactionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load transaction status: %w", err)
	}
	if status != TxPending {
		return &SettledError{Status: string(status)}
	}
	return fmt.Errorf("transaction %s: %w", transactionID, errTxUnchanged)
}

var errTxUnchanged = errors.New("pending but not updated")

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID, token string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mobile_money_jobs SET claim_token = $2, claimed_at = $3
		WHERE id = $1 AND status = 'PENDING' AND (claim_token IS NULL OR claimed_at < $4)`,
		jobID, token, s.now(), s.now().Add(-ttl),
	)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if err := s.classifyJob(ctx, jobID); err != nil {
		return err
	}
	return ErrSettlementInProgress
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, jobID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mobile_money_jobs SET claim_token = NULL, claimed_at = NULL
		WHERE id = $1 AND claim_token = $2`,
		jobID, token,
	)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) SettleJob(ctx context.Context, st Settlement) (*Transaction, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback() //nolint:errcheck // no-op after commit

	res, err := dbTx.ExecContext(ctx, `
		UPDATE mobile_money_jobs
		SET status = $2, trans_id = COALESCE(NULLIF($3, ''), trans_id),
			claim_token = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND claim_token = $4`,
		st.JobID, jobStatusFor(st.Success), st.ProviderRef, st.ClaimToken,
	)
	if err != nil {
		return nil, fmt.Errorf("settle job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = dbTx.Rollback()
		if err := s.classifyJob(ctx, st.JobID); err != nil {
			return nil, err
		}
		return nil, ErrClaimLost
	}

	var t Transaction
	err = dbTx.QueryRowContext(ctx, `
		UPDATE transactions t
		SET status = $2, tx_hash = COALESCE(NULLIF($3, ''), t.tx_hash), updated_at = NOW()
		WHERE t.mm_job_id = $1 AND t.status = 'PENDING'
		RETURNING `+txCols,
		st.JobID, txStatusFor(st.Success), st.TxHash,
	).Scan(t.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s has no pending transaction", st.JobID)
	}
	if hashTaken(err) {
		return nil, ErrHashInUse
	}
	if err != nil {
		return nil, fmt.Errorf("settle transaction: %w", err)
	}

	if st.Success && t.FeeUGX.IsPositive() {
		_, err = dbTx.ExecContext(ctx, `
			INSERT INTO fee_collections (user_id, transaction_id, fee_type, amount_ugx)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (transaction_id, fee_type) DO NOTHING`,
			t.UserID, t.ID, FeeType(t.Type), t.FeeUGX,
		)
		if err != nil {
			return nil, fmt.Errorf("record fee: %w", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) finishTransaction(ctx context.Context, transactionID string, status TxStatus, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = $2, tx_hash = COALESCE(NULLIF($3, ''), tx_hash), updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND mm_job_id IS NULL`,
		transactionID, status, txHash,
	)
	if hashTaken(err) {
		return ErrHashInUse
	}
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyTransaction(ctx, transactionID)
	}
	return nil
}

// CompleteTransaction settles a job-less transaction. Job-paired transactions
// only settle through SettleJob.
func (s *PostgresStore) CompleteTransaction(ctx context.Context, transactionID, txHash string) error {
	return s.finishTransaction(ctx, transactionID, TxCompleted, txHash)
}

func (s *PostgresStore) FailTransaction(ctx context.Context, transactionID string) error {
	return s.finishTransaction(ctx, transactionID, TxFailed, "")
}

func (s *PostgresStore) FeeSummary(ctx context.Context) ([]FeeTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fee_type, COALESCE(SUM(amount_ugx), 0), COUNT(*)
		FROM fee_collections
		GROUP BY fee_type
		ORDER BY fee_type`)
	if err != nil {
		return nil, fmt.Errorf("fee summary: %w", err)
	}
	defer rows.Close()

	var out []FeeTotal
	for rows.Next() {
		var f FeeTotal
		if err := rows.Scan(&f.FeeType, &f.Total, &f.Count); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentFees(ctx context.Context, limit int) ([]FeeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.user_id, u.email, f.transaction_id, f.fee_type, f.amount_ugx, f.created_at
		FROM fee_collections f
		JOIN users u ON u.id = f.user_id
		ORDER BY f.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent fees: %w", err)
	}
	defer rows.Close()

	var out []FeeRecord
	for rows.Next() {
		var f FeeRecord
		if err := rows.Scan(&f.ID, &f.UserID, &f.UserEmail, &f.TransactionID, &f.FeeType, &f.AmountUGX, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
