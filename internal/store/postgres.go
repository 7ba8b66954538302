package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/settleops/internal/domain"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	defaultTxRetries = 3
)

// dbtx is the subset of pgx shared by the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	queries
	Db         *pgxpool.Pool
	maxRetries int
}

// NewPostgres opens a pool for connString and verifies connectivity.
func NewPostgres(ctx context.Context, connString string, maxConns int32) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{queries: queries{db: pool}, Db: pool, maxRetries: defaultTxRetries}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// WithTx runs fn in a REPEATABLE READ transaction, retrying it from the start
// when Postgres aborts it with a serialization failure or deadlock.
func (s *Postgres) WithTx(ctx context.Context, fn func(q Queries) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryableTxError(err) {
			return err
		}
	}
	return err
}

func (s *Postgres) runTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

// mapErr translates driver errors into domain sentinels.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w (%s)", what, domain.ErrDuplicate, pgErr.ConstraintName)
		case pgSerializationFailure, pgDeadlockDetected:
			// keep the PgError in the chain so WithTx can retry
			return fmt.Errorf("%s: %w", what, err)
		}
	}
	return fmt.Errorf("%s failed: %w", what, err)
}

const paymentLinkColumns = `id, organization_id, status, amount, currency, description, expires_at, paid_at, created_at, updated_at`

func scanPaymentLink(row pgx.Row) (*domain.PaymentLink, error) {
	var l domain.PaymentLink
	err := row.Scan(&l.ID, &l.OrganizationID, &l.Status, &l.Amount, &l.Currency, &l.Description,
		&l.ExpiresAt, &l.PaidAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (q *queries) CreatePaymentLink(ctx context.Context, link *domain.PaymentLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	now := time.Now().UTC()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	link.UpdatedAt = link.CreatedAt

	_, err := q.db.Exec(ctx,
		`INSERT INTO payment_links (`+paymentLinkColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		link.ID, link.OrganizationID, link.Status, link.Amount, link.Currency, link.Description,
		link.ExpiresAt, link.PaidAt, link.CreatedAt, link.UpdatedAt,
	)
	return mapErr(err, "payment link insert")
}

func (q *queries) GetPaymentLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	l, err := scanPaymentLink(q.db.QueryRow(ctx,
		`SELECT `+paymentLinkColumns+` FROM payment_links WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "payment link lookup")
	}
	return l, nil
}

func (q *queries) LockPaymentLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	l, err := scanPaymentLink(q.db.QueryRow(ctx,
		`SELECT `+paymentLinkColumns+` FROM payment_links WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(err, "payment link lock")
	}
	return l, nil
}

func (q *queries) TransitionPaymentLink(ctx context.Context, id uuid.UUID, from, to domain.LinkStatus, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE payment_links
		   SET status = $3,
		       updated_at = $4,
		       paid_at = CASE WHEN $3 = 'PAID' THEN $4 ELSE paid_at END
		 WHERE id = $1 AND status = $2`,
		id, from, to, at,
	)
	if err != nil {
		return mapErr(err, "payment link transition")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment link %s is no longer %s: %w", id, from, domain.ErrInvalidState)
	}
	return nil
}

func (q *queries) ListExpiredPaymentLinks(ctx context.Context, now time.Time, limit int) ([]domain.PaymentLink, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentLinkColumns+`
		  FROM payment_links
		 WHERE status = 'OPEN' AND expires_at IS NOT NULL AND expires_at <= $1
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, mapErr(err, "expired payment links query")
	}
	defer rows.Close()

	var links []domain.PaymentLink
	for rows.Next() {
		l, err := scanPaymentLink(rows)
		if err != nil {
			return nil, fmt.Errorf("payment link scan failed: %w", err)
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

func (q *queries) ListOrganizations(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `SELECT DISTINCT organization_id FROM payment_links ORDER BY organization_id`)
	if err != nil {
		return nil, mapErr(err, "organization query")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("organization scan failed: %w", err)
	}
	return ids, nil
}

const paymentEventColumns = `id, payment_link_id, type, provider, provider_ref, provider_ref_raw, correlation_id,
	amount_received, currency_received, metadata, created_at`

func scanPaymentEvent(row pgx.Row) (*domain.PaymentEvent, error) {
	var e domain.PaymentEvent
	err := row.Scan(&e.ID, &e.PaymentLinkID, &e.Type, &e.Provider, &e.ProviderRef, &e.ProviderRefRaw,
		&e.CorrelationID, &e.AmountReceived, &e.CurrencyReceived, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *queries) InsertPaymentEvent(ctx context.Context, event *domain.PaymentEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := q.db.Exec(ctx,
		`INSERT INTO payment_events (`+paymentEventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.PaymentLinkID, event.Type, event.Provider, event.ProviderRef, event.ProviderRefRaw,
		event.CorrelationID, event.AmountReceived, event.CurrencyReceived, event.Metadata, event.CreatedAt,
	)
	return mapErr(err, "payment event insert")
}

func (q *queries) FindPaymentEventByRef(ctx context.Context, provider domain.Provider, refs []string) (*domain.PaymentEvent, error) {
	e, err := scanPaymentEvent(q.db.QueryRow(ctx, `
		SELECT `+paymentEventColumns+`
		  FROM payment_events
		 WHERE provider = $1
		   AND type = 'PAYMENT_CONFIRMED'
		   AND (provider_ref = ANY($2) OR provider_ref_raw = ANY($2))
		 ORDER BY created_at
		 LIMIT 1`,
		provider, refs,
	))
	if err != nil {
		return nil, mapErr(err, "payment event lookup")
	}
	return e, nil
}

func (q *queries) FindPaymentEventByLink(ctx context.Context, linkID uuid.UUID, eventType domain.EventType) (*domain.PaymentEvent, error) {
	e, err := scanPaymentEvent(q.db.QueryRow(ctx, `
		SELECT `+paymentEventColumns+`
		  FROM payment_events
		 WHERE payment_link_id = $1 AND type = $2
		 ORDER BY created_at
		 LIMIT 1`,
		linkID, eventType,
	))
	if err != nil {
		return nil, mapErr(err, "payment event lookup")
	}
	return e, nil
}

func (q *queries) UpsertLedgerAccount(ctx context.Context, account domain.LedgerAccount) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO ledger_accounts (code, name, type) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type`,
		account.Code, account.Name, account.Type,
	)
	return mapErr(err, "ledger account upsert")
}

func (q *queries) GetLedgerAccount(ctx context.Context, code string) (*domain.LedgerAccount, error) {
	var a domain.LedgerAccount
	err := q.db.QueryRow(ctx, `SELECT code, name, type FROM ledger_accounts WHERE code = $1`, code).
		Scan(&a.Code, &a.Name, &a.Type)
	if err != nil {
		return nil, mapErr(err, "ledger account lookup")
	}
	return &a, nil
}

func (q *queries) InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tag, err := q.db.Exec(ctx, `
		INSERT INTO ledger_entries
			(id, organization_id, payment_link_id, account_code, side, amount, currency, idempotency_key, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.ID, entry.OrganizationID, entry.PaymentLinkID, entry.AccountCode, entry.Side,
		entry.Amount, entry.Currency, entry.IdempotencyKey, entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return false, mapErr(err, "ledger entry insert")
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) ListLedgerEntries(ctx context.Context, linkID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, organization_id, payment_link_id, account_code, side, amount, currency, idempotency_key, description, created_at
		  FROM ledger_entries
		 WHERE payment_link_id = $1
		 ORDER BY created_at, side DESC`,
		linkID,
	)
	if err != nil {
		return nil, mapErr(err, "ledger entries query")
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.PaymentLinkID, &e.AccountCode, &e.Side,
			&e.Amount, &e.Currency, &e.IdempotencyKey, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger entry scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *queries) SumLedgerEntries(ctx context.Context, linkID uuid.UUID) (domain.LinkTotal, error) {
	total := domain.LinkTotal{PaymentLinkID: linkID}
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE side = 'DEBIT'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE side = 'CREDIT'), 0),
		       COUNT(*)
		  FROM ledger_entries
		 WHERE payment_link_id = $1`,
		linkID,
	).Scan(&total.Debits, &total.Credits, &total.Entries)
	if err != nil {
		return total, mapErr(err, "ledger sum")
	}
	return total, nil
}

func (q *queries) SumOrganizationLedger(ctx context.Context, orgID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var debits, credits decimal.Decimal
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE side = 'DEBIT'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE side = 'CREDIT'), 0)
		  FROM ledger_entries
		 WHERE organization_id = $1`,
		orgID,
	).Scan(&debits, &credits)
	if err != nil {
		return decimal.Zero, decimal.Zero, mapErr(err, "organization ledger sum")
	}
	return debits, credits, nil
}

func (q *queries) AccountTotals(ctx context.Context, orgID uuid.UUID) ([]domain.AccountTotal, error) {
	rows, err := q.db.Query(ctx, `
		SELECT a.code, a.name, a.type,
		       COALESCE(SUM(e.amount) FILTER (WHERE e.side = 'DEBIT'), 0),
		       COALESCE(SUM(e.amount) FILTER (WHERE e.side = 'CREDIT'), 0)
		  FROM ledger_accounts a
		  LEFT JOIN ledger_entries e ON e.account_code = a.code AND e.organization_id = $1
		 GROUP BY a.code, a.name, a.type
		 ORDER BY a.code`,
		orgID,
	)
	if err != nil {
		return nil, mapErr(err, "account totals query")
	}
	defer rows.Close()

	var totals []domain.AccountTotal
	for rows.Next() {
		var t domain.AccountTotal
		if err := rows.Scan(&t.Account.Code, &t.Account.Name, &t.Account.Type, &t.Debits, &t.Credits); err != nil {
			return nil, fmt.Errorf("account total scan failed: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (q *queries) LinkTotals(ctx context.Context, orgID uuid.UUID) ([]domain.LinkTotal, error) {
	rows, err := q.db.Query(ctx, `
		SELECT payment_link_id,
		       COALESCE(SUM(amount) FILTER (WHERE side = 'DEBIT'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE side = 'CREDIT'), 0),
		       COUNT(*)
		  FROM ledger_entries
		 WHERE organization_id = $1
		 GROUP BY payment_link_id
		 ORDER BY payment_link_id`,
		orgID,
	)
	if err != nil {
		return nil, mapErr(err, "link totals query")
	}
	defer rows.Close()

	var totals []domain.LinkTotal
	for rows.Next() {
		var t domain.LinkTotal
		if err := rows.Scan(&t.PaymentLinkID, &t.Debits, &t.Credits, &t.Entries); err != nil {
			return nil, fmt.Errorf("link total scan failed: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

func (q *queries) InsertFxSnapshot(ctx context.Context, s *domain.FxSnapshot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now().UTC()
	}

	_, err := q.db.Exec(ctx, `
		INSERT INTO fx_snapshots (id, payment_link_id, token_type, quote_currency, rate, snapshot_type, source, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.PaymentLinkID, s.TokenType, s.QuoteCurrency, s.Rate, s.SnapshotType, s.Source, s.CapturedAt,
	)
	return mapErr(err, "fx snapshot insert")
}

func (q *queries) LatestFxSnapshot(ctx context.Context, linkID uuid.UUID, tokenType string, snapshotType domain.SnapshotType) (*domain.FxSnapshot, error) {
	var s domain.FxSnapshot
	err := q.db.QueryRow(ctx, `
		SELECT id, payment_link_id, token_type, quote_currency, rate, snapshot_type, source, captured_at
		  FROM fx_snapshots
		 WHERE payment_link_id = $1 AND token_type = $2 AND snapshot_type = $3
		 ORDER BY captured_at DESC
		 LIMIT 1`,
		linkID, tokenType, snapshotType,
	).Scan(&s.ID, &s.PaymentLinkID, &s.TokenType, &s.QuoteCurrency, &s.Rate, &s.SnapshotType, &s.Source, &s.CapturedAt)
	if err != nil {
		return nil, mapErr(err, "fx snapshot lookup")
	}
	return &s, nil
}

const syncTaskColumns = `id, payment_link_id, payment_event_id, target, status, retry_count, next_retry_at,
	last_error, error_category, payload, created_at, updated_at`

func scanSyncTask(row pgx.Row) (*domain.SyncTask, error) {
	var t domain.SyncTask
	var payload []byte
	err := row.Scan(&t.ID, &t.PaymentLinkID, &t.PaymentEventID, &t.Target, &t.Status, &t.RetryCount,
		&t.NextRetryAt, &t.LastError, &t.ErrorCategory, &payload, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = payload
	return &t, nil
}

func (q *queries) InsertSyncTask(ctx context.Context, task *domain.SyncTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	if task.NextRetryAt.IsZero() {
		task.NextRetryAt = task.CreatedAt
	}

	_, err := q.db.Exec(ctx,
		`INSERT INTO sync_tasks (`+syncTaskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		task.ID, task.PaymentLinkID, task.PaymentEventID, task.Target, task.Status, task.RetryCount,
		task.NextRetryAt, task.LastError, task.ErrorCategory, []byte(task.Payload), task.CreatedAt, task.UpdatedAt,
	)
	return mapErr(err, "sync task insert")
}

func (q *queries) GetSyncTask(ctx context.Context, id uuid.UUID) (*domain.SyncTask, error) {
	t, err := scanSyncTask(q.db.QueryRow(ctx, `SELECT `+syncTaskColumns+` FROM sync_tasks WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "sync task lookup")
	}
	return t, nil
}

func (q *queries) ListDueSyncTasks(ctx context.Context, now time.Time, limit int) ([]domain.SyncTask, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+syncTaskColumns+`
		  FROM sync_tasks
		 WHERE status IN ('PENDING', 'RETRYING') AND next_retry_at <= $1
		 ORDER BY next_retry_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, mapErr(err, "due sync tasks query")
	}
	defer rows.Close()

	var tasks []domain.SyncTask
	for rows.Next() {
		t, err := scanSyncTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sync task scan failed: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (q *queries) ClaimSyncTask(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE sync_tasks
		   SET next_retry_at = $3, updated_at = $2
		 WHERE id = $1 AND status IN ('PENDING', 'RETRYING') AND next_retry_at <= $2`,
		id, now, leaseUntil,
	)
	if err != nil {
		return false, mapErr(err, "sync task claim")
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) UpdateSyncTask(ctx context.Context, task *domain.SyncTask) error {
	task.UpdatedAt = time.Now().UTC()
	tag, err := q.db.Exec(ctx, `
		UPDATE sync_tasks
		   SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, error_category = $6, updated_at = $7
		 WHERE id = $1`,
		task.ID, task.Status, task.RetryCount, task.NextRetryAt, task.LastError, task.ErrorCategory, task.UpdatedAt,
	)
	if err != nil {
		return mapErr(err, "sync task update")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync task %s: %w", task.ID, domain.ErrNotFound)
	}
	return nil
}

func (q *queries) CountSyncTasks(ctx context.Context) (map[domain.SyncStatus]int, error) {
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM sync_tasks GROUP BY status`)
	if err != nil {
		return nil, mapErr(err, "sync task count")
	}
	defer rows.Close()

	counts := make(map[domain.SyncStatus]int)
	for rows.Next() {
		var status domain.SyncStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sync task count scan failed: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

var _ Store = (*Postgres)(nil)
