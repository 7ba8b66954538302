package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/export"
	"github.com/punchamoorthee/settleops/internal/integration"
	"github.com/punchamoorthee/settleops/internal/ledger"
	"github.com/punchamoorthee/settleops/internal/scheduler"
	"github.com/punchamoorthee/settleops/internal/store/memstore"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func createLink(t *testing.T, s *memstore.Store, org uuid.UUID, status domain.LinkStatus, expiresAt *time.Time) *domain.PaymentLink {
	t.Helper()
	link := &domain.PaymentLink{
		OrganizationID: org,
		Status:         status,
		Amount:         decimal.RequireFromString("40.00"),
		Currency:       "USD",
		ExpiresAt:      expiresAt,
	}
	require.NoError(t, s.CreatePaymentLink(context.Background(), link))
	return link
}

func at(d time.Duration) *time.Time {
	v := now.Add(d)
	return &v
}

func TestExpirer_ExpiresOnlyOpenOverdueLinks(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	org := uuid.New()

	overdue := createLink(t, s, org, domain.LinkStatusOpen, at(-time.Hour))
	future := createLink(t, s, org, domain.LinkStatusOpen, at(time.Hour))
	noExpiry := createLink(t, s, org, domain.LinkStatusOpen, nil)
	paid := createLink(t, s, org, domain.LinkStatusPaid, at(-time.Hour))

	e := NewExpirer(s, zap.NewNop())
	e.now = func() time.Time { return now }

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Data["expired"])

	tests := []struct {
		name string
		id   uuid.UUID
		want domain.LinkStatus
	}{
		{"overdue open link expires", overdue.ID, domain.LinkStatusExpired},
		{"future link stays open", future.ID, domain.LinkStatusOpen},
		{"link without expiry stays open", noExpiry.ID, domain.LinkStatusOpen},
		{"paid link is untouched", paid.ID, domain.LinkStatusPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetPaymentLink(context.Background(), tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}

	res, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Data["expired"], "second run finds nothing")
}

func TestDrainer_ExportsDueTasks(t *testing.T) {
	t.Parallel()
	s := memstore.New()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	payload, err := json.Marshal(export.Payload{PaymentLinkID: uuid.New(), Amount: decimal.RequireFromString("10.00"), Currency: "USD"})
	require.NoError(t, err)
	task := &domain.SyncTask{
		PaymentLinkID: uuid.New(),
		Target:        domain.SyncTargetAccounting,
		Status:        domain.SyncPending,
		NextRetryAt:   time.Now().UTC().Add(-time.Minute),
		Payload:       payload,
	}
	require.NoError(t, s.InsertSyncTask(context.Background(), task))

	handler := integration.NewHandler(integration.NewBreakers(integration.DefaultBreakerConfig(), zap.NewNop()), time.Second, zap.NewNop())
	p := export.NewProcessor(s, export.NewClient(srv.URL, "key", srv.Client()), handler, zap.NewNop())

	res, err := Drainer(p)(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Data["succeeded"])
	assert.Equal(t, int32(1), calls.Load())

	got, err := s.GetSyncTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSuccess, got.Status)
}

func TestReconciler_FlagsUnbalancedLinks(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	org := uuid.New()

	balanced := createLink(t, s, org, domain.LinkStatusPaid, nil)
	_, err := ledger.NewPoster(zap.NewNop()).PostCardSettlement(ctx, s, ledger.CardSettlement{
		OrganizationID: org,
		PaymentLinkID:  balanced.ID,
		CorrelationID:  "card_pi-1_1700000000000_0a0b0c0d",
		Amount:         decimal.RequireFromString("40.00"),
		Currency:       "USD",
	})
	require.NoError(t, err)

	r := NewReconciler(s, zap.NewNop())
	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Data["unbalanced"])

	broken := createLink(t, s, org, domain.LinkStatusPaid, nil)
	_, err = s.InsertLedgerEntry(ctx, &domain.LedgerEntry{
		OrganizationID: org,
		PaymentLinkID:  broken.ID,
		AccountCode:    domain.AccountCardClearing,
		Side:           domain.SideDebit,
		Amount:         decimal.RequireFromString("40.00"),
		Currency:       "USD",
		IdempotencyKey: "orphan-debit",
	})
	require.NoError(t, err)

	res, err = r.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Data["unbalanced"])
	assert.Equal(t, domain.ErrImbalance.Error(), res.Error)
}

func TestAll_RegistersStandardJobs(t *testing.T) {
	t.Parallel()
	s := memstore.New()

	jobs := All(Config{
		ExpiryInterval: time.Minute, ExpiryEnabled: true,
		SyncInterval: time.Minute, SyncEnabled: true,
		ReconcileInterval: time.Hour, ReconcileEnabled: false,
	}, s, nil, zap.NewNop())

	byName := make(map[string]scheduler.Job)
	for _, j := range jobs {
		byName[j.Name] = j
	}
	require.Len(t, byName, 3)
	assert.True(t, byName[ExpirePaymentLinks].Enabled)
	assert.False(t, byName[DrainSyncQueue].Enabled, "no processor means no drain")
	assert.False(t, byName[ReconcileLedger].Enabled)

	sched := scheduler.New(scheduler.NewRunner(zap.NewNop()), zap.NewNop(), jobs...)
	res, err := sched.Trigger(context.Background(), ReconcileLedger)
	require.NoError(t, err)
	assert.Equal(t, "job disabled", res.Message)
}
