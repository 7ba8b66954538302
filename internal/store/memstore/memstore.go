// Package memstore is an in-process implementation of store.Store. It keeps
// the same uniqueness and locking guarantees as the Postgres store by running
// one transaction at a time against a private copy of the state.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/store"
)

type state struct {
	links     map[uuid.UUID]domain.PaymentLink
	events    []domain.PaymentEvent
	accounts  map[string]domain.LedgerAccount
	entries   []domain.LedgerEntry
	entryKeys map[string]struct{}
	snapshots []domain.FxSnapshot
	tasks     map[uuid.UUID]domain.SyncTask
}

func newState() *state {
	return &state{
		links:     make(map[uuid.UUID]domain.PaymentLink),
		accounts:  make(map[string]domain.LedgerAccount),
		entryKeys: make(map[string]struct{}),
		tasks:     make(map[uuid.UUID]domain.SyncTask),
	}
}

func (s *state) clone() *state {
	c := &state{
		links:     make(map[uuid.UUID]domain.PaymentLink, len(s.links)),
		events:    append([]domain.PaymentEvent(nil), s.events...),
		accounts:  make(map[string]domain.LedgerAccount, len(s.accounts)),
		entries:   append([]domain.LedgerEntry(nil), s.entries...),
		entryKeys: make(map[string]struct{}, len(s.entryKeys)),
		snapshots: append([]domain.FxSnapshot(nil), s.snapshots...),
		tasks:     make(map[uuid.UUID]domain.SyncTask, len(s.tasks)),
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k := range s.entryKeys {
		c.entryKeys[k] = struct{}{}
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	return c
}

// Store is a transactional in-memory store.
type Store struct {
	mu    sync.Mutex
	state *state
	Now   func() time.Time
}

// New returns an empty store seeded with the default chart of accounts.
func New() *Store {
	s := &Store{state: newState(), Now: func() time.Time { return time.Now().UTC() }}
	for _, a := range domain.DefaultChartOfAccounts() {
		s.state.accounts[a.Code] = a
	}
	return s
}

func (s *Store) Close() {}

// WithTx serializes transactions. fn sees a private copy of the data which
// replaces the shared state only if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{st: working, now: s.Now}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// run executes a single statement outside an explicit transaction.
func (s *Store) run(fn func(t *tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{st: working, now: s.Now}); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *Store) CreatePaymentLink(ctx context.Context, link *domain.PaymentLink) error {
	return s.run(func(t *tx) error { return t.CreatePaymentLink(ctx, link) })
}

func (s *Store) GetPaymentLink(ctx context.Context, id uuid.UUID) (l *domain.PaymentLink, err error) {
	err = s.run(func(t *tx) error { l, err = t.GetPaymentLink(ctx, id); return err })
	return l, err
}

func (s *Store) LockPaymentLink(ctx context.Context, id uuid.UUID) (l *domain.PaymentLink, err error) {
	err = s.run(func(t *tx) error { l, err = t.LockPaymentLink(ctx, id); return err })
	return l, err
}

func (s *Store) TransitionPaymentLink(ctx context.Context, id uuid.UUID, from, to domain.LinkStatus, at time.Time) error {
	return s.run(func(t *tx) error { return t.TransitionPaymentLink(ctx, id, from, to, at) })
}

func (s *Store) ListExpiredPaymentLinks(ctx context.Context, now time.Time, limit int) (out []domain.PaymentLink, err error) {
	err = s.run(func(t *tx) error { out, err = t.ListExpiredPaymentLinks(ctx, now, limit); return err })
	return out, err
}

func (s *Store) ListOrganizations(ctx context.Context) (out []uuid.UUID, err error) {
	err = s.run(func(t *tx) error { out, err = t.ListOrganizations(ctx); return err })
	return out, err
}

func (s *Store) InsertPaymentEvent(ctx context.Context, event *domain.PaymentEvent) error {
	return s.run(func(t *tx) error { return t.InsertPaymentEvent(ctx, event) })
}

func (s *Store) FindPaymentEventByRef(ctx context.Context, provider domain.Provider, refs []string) (e *domain.PaymentEvent, err error) {
	err = s.run(func(t *tx) error { e, err = t.FindPaymentEventByRef(ctx, provider, refs); return err })
	return e, err
}

func (s *Store) FindPaymentEventByLink(ctx context.Context, linkID uuid.UUID, eventType domain.EventType) (e *domain.PaymentEvent, err error) {
	err = s.run(func(t *tx) error { e, err = t.FindPaymentEventByLink(ctx, linkID, eventType); return err })
	return e, err
}

func (s *Store) UpsertLedgerAccount(ctx context.Context, account domain.LedgerAccount) error {
	return s.run(func(t *tx) error { return t.UpsertLedgerAccount(ctx, account) })
}

func (s *Store) GetLedgerAccount(ctx context.Context, code string) (a *domain.LedgerAccount, err error) {
	err = s.run(func(t *tx) error { a, err = t.GetLedgerAccount(ctx, code); return err })
	return a, err
}

func (s *Store) InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (inserted bool, err error) {
	err = s.run(func(t *tx) error { inserted, err = t.InsertLedgerEntry(ctx, entry); return err })
	return inserted, err
}

func (s *Store) ListLedgerEntries(ctx context.Context, linkID uuid.UUID) (out []domain.LedgerEntry, err error) {
	err = s.run(func(t *tx) error { out, err = t.ListLedgerEntries(ctx, linkID); return err })
	return out, err
}

func (s *Store) SumLedgerEntries(ctx context.Context, linkID uuid.UUID) (total domain.LinkTotal, err error) {
	err = s.run(func(t *tx) error { total, err = t.SumLedgerEntries(ctx, linkID); return err })
	return total, err
}

func (s *Store) SumOrganizationLedger(ctx context.Context, orgID uuid.UUID) (debits, credits decimal.Decimal, err error) {
	err = s.run(func(t *tx) error { debits, credits, err = t.SumOrganizationLedger(ctx, orgID); return err })
	return debits, credits, err
}

func (s *Store) AccountTotals(ctx context.Context, orgID uuid.UUID) (out []domain.AccountTotal, err error) {
	err = s.run(func(t *tx) error { out, err = t.AccountTotals(ctx, orgID); return err })
	return out, err
}

func (s *Store) LinkTotals(ctx context.Context, orgID uuid.UUID) (out []domain.LinkTotal, err error) {
	err = s.run(func(t *tx) error { out, err = t.LinkTotals(ctx, orgID); return err })
	return out, err
}

func (s *Store) InsertFxSnapshot(ctx context.Context, snapshot *domain.FxSnapshot) error {
	return s.run(func(t *tx) error { return t.InsertFxSnapshot(ctx, snapshot) })
}

func (s *Store) LatestFxSnapshot(ctx context.Context, linkID uuid.UUID, tokenType string, snapshotType domain.SnapshotType) (snap *domain.FxSnapshot, err error) {
	err = s.run(func(t *tx) error { snap, err = t.LatestFxSnapshot(ctx, linkID, tokenType, snapshotType); return err })
	return snap, err
}

func (s *Store) InsertSyncTask(ctx context.Context, task *domain.SyncTask) error {
	return s.run(func(t *tx) error { return t.InsertSyncTask(ctx, task) })
}

func (s *Store) GetSyncTask(ctx context.Context, id uuid.UUID) (task *domain.SyncTask, err error) {
	err = s.run(func(t *tx) error { task, err = t.GetSyncTask(ctx, id); return err })
	return task, err
}

func (s *Store) ListDueSyncTasks(ctx context.Context, now time.Time, limit int) (out []domain.SyncTask, err error) {
	err = s.run(func(t *tx) error { out, err = t.ListDueSyncTasks(ctx, now, limit); return err })
	return out, err
}

func (s *Store) ClaimSyncTask(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (ok bool, err error) {
	err = s.run(func(t *tx) error { ok, err = t.ClaimSyncTask(ctx, id, now, leaseUntil); return err })
	return ok, err
}

func (s *Store) UpdateSyncTask(ctx context.Context, task *domain.SyncTask) error {
	return s.run(func(t *tx) error { return t.UpdateSyncTask(ctx, task) })
}

func (s *Store) CountSyncTasks(ctx context.Context) (out map[domain.SyncStatus]int, err error) {
	err = s.run(func(t *tx) error { out, err = t.CountSyncTasks(ctx); return err })
	return out, err
}

// tx implements store.Queries against a working copy of the state.
type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) CreatePaymentLink(_ context.Context, link *domain.PaymentLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	if _, ok := t.st.links[link.ID]; ok {
		return fmt.Errorf("payment link insert: %w", domain.ErrDuplicate)
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = t.now()
	}
	link.UpdatedAt = link.CreatedAt
	t.st.links[link.ID] = *link
	return nil
}

func (t *tx) GetPaymentLink(_ context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	l, ok := t.st.links[id]
	if !ok {
		return nil, fmt.Errorf("payment link lookup: %w", domain.ErrNotFound)
	}
	return &l, nil
}

// LockPaymentLink is a plain read: holding the store mutex already excludes
// every other transaction.
func (t *tx) LockPaymentLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	return t.GetPaymentLink(ctx, id)
}

func (t *tx) TransitionPaymentLink(_ context.Context, id uuid.UUID, from, to domain.LinkStatus, at time.Time) error {
	l, ok := t.st.links[id]
	if !ok {
		return fmt.Errorf("payment link transition: %w", domain.ErrNotFound)
	}
	if l.Status != from {
		return fmt.Errorf("payment link %s is no longer %s: %w", id, from, domain.ErrInvalidState)
	}
	l.Status = to
	l.UpdatedAt = at
	if to == domain.LinkStatusPaid {
		paid := at
		l.PaidAt = &paid
	}
	t.st.links[id] = l
	return nil
}

func (t *tx) ListExpiredPaymentLinks(_ context.Context, now time.Time, limit int) ([]domain.PaymentLink, error) {
	var out []domain.PaymentLink
	for _, l := range t.st.links {
		if l.Status == domain.LinkStatusOpen && l.ExpiresAt != nil && !l.ExpiresAt.After(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) ListOrganizations(_ context.Context) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, l := range t.st.links {
		if _, ok := seen[l.OrganizationID]; ok {
			continue
		}
		seen[l.OrganizationID] = struct{}{}
		out = append(out, l.OrganizationID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (t *tx) InsertPaymentEvent(_ context.Context, event *domain.PaymentEvent) error {
	if _, ok := t.st.links[event.PaymentLinkID]; !ok {
		return fmt.Errorf("payment event insert: unknown payment link: %w", domain.ErrNotFound)
	}
	if event.Type == domain.EventPaymentConfirmed {
		for _, e := range t.st.events {
			if e.Type != domain.EventPaymentConfirmed {
				continue
			}
			if e.Provider == event.Provider && e.ProviderRef == event.ProviderRef {
				return fmt.Errorf("payment event insert: %w (payment_events_confirmed_ref)", domain.ErrDuplicate)
			}
			if e.PaymentLinkID == event.PaymentLinkID {
				return fmt.Errorf("payment event insert: %w (payment_events_confirmed_link)", domain.ErrDuplicate)
			}
		}
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = t.now()
	}
	t.st.events = append(t.st.events, *event)
	return nil
}

func (t *tx) FindPaymentEventByRef(_ context.Context, provider domain.Provider, refs []string) (*domain.PaymentEvent, error) {
	for _, e := range t.st.events {
		if e.Provider != provider || e.Type != domain.EventPaymentConfirmed {
			continue
		}
		for _, r := range refs {
			if e.ProviderRef == r || e.ProviderRefRaw == r {
				found := e
				return &found, nil
			}
		}
	}
	return nil, fmt.Errorf("payment event lookup: %w", domain.ErrNotFound)
}

func (t *tx) FindPaymentEventByLink(_ context.Context, linkID uuid.UUID, eventType domain.EventType) (*domain.PaymentEvent, error) {
	for _, e := range t.st.events {
		if e.PaymentLinkID == linkID && e.Type == eventType {
			found := e
			return &found, nil
		}
	}
	return nil, fmt.Errorf("payment event lookup: %w", domain.ErrNotFound)
}

func (t *tx) UpsertLedgerAccount(_ context.Context, account domain.LedgerAccount) error {
	t.st.accounts[account.Code] = account
	return nil
}

func (t *tx) GetLedgerAccount(_ context.Context, code string) (*domain.LedgerAccount, error) {
	a, ok := t.st.accounts[code]
	if !ok {
		return nil, fmt.Errorf("ledger account lookup: %w", domain.ErrNotFound)
	}
	return &a, nil
}

func (t *tx) InsertLedgerEntry(_ context.Context, entry *domain.LedgerEntry) (bool, error) {
	if _, ok := t.st.entryKeys[entry.IdempotencyKey]; ok {
		return false, nil
	}
	if _, ok := t.st.accounts[entry.AccountCode]; !ok {
		return false, fmt.Errorf("ledger entry insert: unknown account %s: %w", entry.AccountCode, domain.ErrNotFound)
	}
	if !entry.Amount.IsPositive() {
		return false, fmt.Errorf("ledger entry insert: amount must be positive: %w", domain.ErrValidation)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.st.entries = append(t.st.entries, *entry)
	t.st.entryKeys[entry.IdempotencyKey] = struct{}{}
	return true, nil
}

func (t *tx) ListLedgerEntries(_ context.Context, linkID uuid.UUID) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range t.st.entries {
		if e.PaymentLinkID == linkID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) SumLedgerEntries(_ context.Context, linkID uuid.UUID) (domain.LinkTotal, error) {
	total := domain.LinkTotal{PaymentLinkID: linkID}
	for _, e := range t.st.entries {
		if e.PaymentLinkID != linkID {
			continue
		}
		addEntry(&total.Debits, &total.Credits, e)
		total.Entries++
	}
	return total, nil
}

func (t *tx) SumOrganizationLedger(_ context.Context, orgID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var debits, credits decimal.Decimal
	for _, e := range t.st.entries {
		if e.OrganizationID == orgID {
			addEntry(&debits, &credits, e)
		}
	}
	return debits, credits, nil
}

func (t *tx) AccountTotals(_ context.Context, orgID uuid.UUID) ([]domain.AccountTotal, error) {
	byCode := make(map[string]*domain.AccountTotal, len(t.st.accounts))
	for code, a := range t.st.accounts {
		byCode[code] = &domain.AccountTotal{Account: a}
	}
	for _, e := range t.st.entries {
		if e.OrganizationID != orgID {
			continue
		}
		if total, ok := byCode[e.AccountCode]; ok {
			addEntry(&total.Debits, &total.Credits, e)
		}
	}

	out := make([]domain.AccountTotal, 0, len(byCode))
	for _, total := range byCode {
		out = append(out, *total)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.Code < out[j].Account.Code })
	return out, nil
}

func (t *tx) LinkTotals(_ context.Context, orgID uuid.UUID) ([]domain.LinkTotal, error) {
	byLink := make(map[uuid.UUID]*domain.LinkTotal)
	for _, e := range t.st.entries {
		if e.OrganizationID != orgID {
			continue
		}
		total, ok := byLink[e.PaymentLinkID]
		if !ok {
			total = &domain.LinkTotal{PaymentLinkID: e.PaymentLinkID}
			byLink[e.PaymentLinkID] = total
		}
		addEntry(&total.Debits, &total.Credits, e)
		total.Entries++
	}

	out := make([]domain.LinkTotal, 0, len(byLink))
	for _, total := range byLink {
		out = append(out, *total)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentLinkID.String() < out[j].PaymentLinkID.String() })
	return out, nil
}

func addEntry(debits, credits *decimal.Decimal, e domain.LedgerEntry) {
	if e.Side == domain.SideDebit {
		*debits = debits.Add(e.Amount)
	} else {
		*credits = credits.Add(e.Amount)
	}
}

func (t *tx) InsertFxSnapshot(_ context.Context, s *domain.FxSnapshot) error {
	if !s.Rate.IsPositive() {
		return fmt.Errorf("fx snapshot insert: rate must be positive: %w", domain.ErrValidation)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = t.now()
	}
	t.st.snapshots = append(t.st.snapshots, *s)
	return nil
}

func (t *tx) LatestFxSnapshot(_ context.Context, linkID uuid.UUID, tokenType string, snapshotType domain.SnapshotType) (*domain.FxSnapshot, error) {
	var latest *domain.FxSnapshot
	for i := range t.st.snapshots {
		s := t.st.snapshots[i]
		if s.PaymentLinkID != linkID || s.TokenType != tokenType || s.SnapshotType != snapshotType {
			continue
		}
		if latest == nil || !s.CapturedAt.Before(latest.CapturedAt) {
			latest = &s
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("fx snapshot lookup: %w", domain.ErrNotFound)
	}
	return latest, nil
}

func (t *tx) InsertSyncTask(_ context.Context, task *domain.SyncTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if _, ok := t.st.tasks[task.ID]; ok {
		return fmt.Errorf("sync task insert: %w", domain.ErrDuplicate)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = t.now()
	}
	task.UpdatedAt = task.CreatedAt
	if task.NextRetryAt.IsZero() {
		task.NextRetryAt = task.CreatedAt
	}
	stored := *task
	stored.Payload = append(json.RawMessage(nil), task.Payload...)
	t.st.tasks[task.ID] = stored
	return nil
}

func (t *tx) GetSyncTask(_ context.Context, id uuid.UUID) (*domain.SyncTask, error) {
	task, ok := t.st.tasks[id]
	if !ok {
		return nil, fmt.Errorf("sync task lookup: %w", domain.ErrNotFound)
	}
	return &task, nil
}

func (t *tx) ListDueSyncTasks(_ context.Context, now time.Time, limit int) ([]domain.SyncTask, error) {
	var out []domain.SyncTask
	for _, task := range t.st.tasks {
		if isDue(task, now) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) ClaimSyncTask(_ context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	task, ok := t.st.tasks[id]
	if !ok || !isDue(task, now) {
		return false, nil
	}
	task.NextRetryAt = leaseUntil
	task.UpdatedAt = now
	t.st.tasks[id] = task
	return true, nil
}

func isDue(task domain.SyncTask, now time.Time) bool {
	return (task.Status == domain.SyncPending || task.Status == domain.SyncRetrying) && !task.NextRetryAt.After(now)
}

func (t *tx) UpdateSyncTask(_ context.Context, task *domain.SyncTask) error {
	stored, ok := t.st.tasks[task.ID]
	if !ok {
		return fmt.Errorf("sync task %s: %w", task.ID, domain.ErrNotFound)
	}
	task.UpdatedAt = t.now()
	stored.Status = task.Status
	stored.RetryCount = task.RetryCount
	stored.NextRetryAt = task.NextRetryAt
	stored.LastError = task.LastError
	stored.ErrorCategory = task.ErrorCategory
	stored.UpdatedAt = task.UpdatedAt
	t.st.tasks[task.ID] = stored
	return nil
}

func (t *tx) CountSyncTasks(_ context.Context) (map[domain.SyncStatus]int, error) {
	counts := make(map[domain.SyncStatus]int)
	for _, task := range t.st.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

var (
	_ store.Store   = (*Store)(nil)
	_ store.Queries = (*tx)(nil)
)
