package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/settleops/internal/domain"
)

// Queries is the set of reads and writes the pipeline performs. It is
// satisfied both by the store itself and by the handle passed into WithTx.
// Lookups of a missing row return domain.ErrNotFound; unique violations
// return domain.ErrDuplicate.
type Queries interface {
	// Payment links
	CreatePaymentLink(ctx context.Context, link *domain.PaymentLink) error
	GetPaymentLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error)
	// LockPaymentLink reads a link and holds a row lock until the transaction ends.
	LockPaymentLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error)
	// TransitionPaymentLink moves a link from one status to another only if it
	// is still in from; otherwise it returns domain.ErrInvalidState.
	TransitionPaymentLink(ctx context.Context, id uuid.UUID, from, to domain.LinkStatus, at time.Time) error
	ListExpiredPaymentLinks(ctx context.Context, now time.Time, limit int) ([]domain.PaymentLink, error)
	ListOrganizations(ctx context.Context) ([]uuid.UUID, error)

	// Payment events
	InsertPaymentEvent(ctx context.Context, event *domain.PaymentEvent) error
	FindPaymentEventByRef(ctx context.Context, provider domain.Provider, refs []string) (*domain.PaymentEvent, error)
	FindPaymentEventByLink(ctx context.Context, linkID uuid.UUID, eventType domain.EventType) (*domain.PaymentEvent, error)

	// Ledger
	UpsertLedgerAccount(ctx context.Context, account domain.LedgerAccount) error
	GetLedgerAccount(ctx context.Context, code string) (*domain.LedgerAccount, error)
	// InsertLedgerEntry is a no-op returning false when the idempotency key exists.
	InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (bool, error)
	ListLedgerEntries(ctx context.Context, linkID uuid.UUID) ([]domain.LedgerEntry, error)
	SumLedgerEntries(ctx context.Context, linkID uuid.UUID) (domain.LinkTotal, error)
	SumOrganizationLedger(ctx context.Context, orgID uuid.UUID) (debits, credits decimal.Decimal, err error)
	AccountTotals(ctx context.Context, orgID uuid.UUID) ([]domain.AccountTotal, error)
	LinkTotals(ctx context.Context, orgID uuid.UUID) ([]domain.LinkTotal, error)

	// FX snapshots
	InsertFxSnapshot(ctx context.Context, snapshot *domain.FxSnapshot) error
	LatestFxSnapshot(ctx context.Context, linkID uuid.UUID, tokenType string, snapshotType domain.SnapshotType) (*domain.FxSnapshot, error)

	// Sync tasks
	InsertSyncTask(ctx context.Context, task *domain.SyncTask) error
	GetSyncTask(ctx context.Context, id uuid.UUID) (*domain.SyncTask, error)
	ListDueSyncTasks(ctx context.Context, now time.Time, limit int) ([]domain.SyncTask, error)
	// ClaimSyncTask pushes a due task's next_retry_at to leaseUntil and reports
	// whether this caller won the claim.
	ClaimSyncTask(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error)
	UpdateSyncTask(ctx context.Context, task *domain.SyncTask) error
	CountSyncTasks(ctx context.Context) (map[domain.SyncStatus]int, error)
}

// Store is a Queries with transactions. Everything fn writes through the
// supplied Queries commits together or not at all.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Close()
}
