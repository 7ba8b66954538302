package chain

import (
	"context"
	"errors"
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
	"github.com/punchamoorthee/settleops/internal/fxrate"
	"github.com/punchamoorthee/settleops/internal/integration"
	"github.com/punchamoorthee/settleops/internal/store/memstore"
)

const merchant = "0.0.5005"

func newHandler() *integration.Handler {
	return integration.NewHandler(integration.NewBreakers(integration.DefaultBreakerConfig(), zap.NewNop()), time.Second, zap.NewNop())
}

const hbarTx = `{"transactions":[{
	"transaction_id": "0.0.1234-1700000000-123456789",
	"result": "SUCCESS",
	"consensus_timestamp": "1700000001.000000002",
	"transfers": [
		{"account": "0.0.1234", "amount": -10000100000},
		{"account": "0.0.5005", "amount": 10000000000},
		{"account": "0.0.98", "amount": 100000}
	]
}]}`

func mirrorServer(t *testing.T, body string, status int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/v1/transactions/0.0.1234-1700000000-123456789", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMirror_TransactionAcceptsEveryEncoding(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := mirrorServer(t, hbarTx, http.StatusOK, &calls)
	m, err := NewMirror(srv.URL, srv.Client(), newHandler())
	require.NoError(t, err)

	for _, id := range []string{"0.0.1234@1700000000.123456789", "0.0.1234-1700000000-123456789", "0.0.1234-1700000000.123456789"} {
		tx, err := m.Transaction(context.Background(), id)
		require.NoError(t, err, id)
		assert.Equal(t, "SUCCESS", tx.Result)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestMirror_NotFound(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"404", `{"_status":{"messages":[{"message":"Not found"}]}}`, http.StatusNotFound},
		{"empty list", `{"transactions":[]}`, http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			srv := mirrorServer(t, tt.body, tt.status, &calls)
			m, err := NewMirror(srv.URL, srv.Client(), newHandler())
			require.NoError(t, err)

			_, err = m.Transaction(context.Background(), "0.0.1234@1700000000.123456789")
			var ie *integration.Error
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, integration.CategoryNotFound, ie.Category)
			assert.True(t, ie.Permanent)
		})
	}
}

func TestMirror_RejectsMalformedID(t *testing.T) {
	t.Parallel()
	m, err := NewMirror("http://mirror.test", http.DefaultClient, newHandler())
	require.NoError(t, err)
	_, err = m.Transaction(context.Background(), "not-a-tx")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestVerifyTransfer(t *testing.T) {
	t.Parallel()
	hbar := domain.Tokens["HBAR"]
	usdc := domain.Tokens["USDC"]

	native := &Transaction{
		TransactionID: "0.0.1234-1700000000-123456789",
		Result:        "SUCCESS",
		Transfers: []Transfer{
			{Account: "0.0.1234", Amount: -10_000_100_000},
			{Account: merchant, Amount: 10_000_000_000},
			{Account: "0.0.98", Amount: 100_000},
		},
	}
	token := &Transaction{
		TransactionID: "0.0.1234-1700000000-123456789",
		Result:        "SUCCESS",
		TokenTransfers: []TokenTransfer{
			{TokenID: usdc.LedgerTokenID, Account: "0.0.1234", Amount: -25_000_000},
			{TokenID: usdc.LedgerTokenID, Account: merchant, Amount: 25_000_000},
			{TokenID: "0.0.999", Account: merchant, Amount: 1_000_000_000},
		},
	}
	failed := &Transaction{TransactionID: "x", Result: "INSUFFICIENT_PAYER_BALANCE"}

	tests := []struct {
		name    string
		tx      *Transaction
		token   domain.Token
		minimum string
		want    string
		wantErr bool
	}{
		{"hbar exact", native, hbar, "100", "100", false},
		{"hbar overpaid", native, hbar, "99.5", "100", false},
		{"hbar underpaid", native, hbar, "100.00000001", "", true},
		{"usdc ignores other tokens", token, usdc, "25", "25", false},
		{"usdc sent but hbar expected", token, hbar, "0", "", true},
		{"failed transaction", failed, hbar, "0", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := VerifyTransfer(tt.tx, tt.token, merchant, decimal.RequireFromString(tt.minimum))
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.True(t, p.Amount.Equal(decimal.RequireFromString(tt.want)), p.Amount.String())
			assert.Equal(t, "0.0.1234", p.Payer)
		})
	}
}

func TestConfirmer_BuildRequest(t *testing.T) {
	t.Parallel()
	var mirrorCalls, rateCalls atomic.Int32
	mirror := mirrorServer(t, hbarTx, http.StatusOK, &mirrorCalls)
	rates := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rateCalls.Add(1)
		_, _ = w.Write([]byte(`{"base":"HBAR","quote":"USD","rate":"0.05","timestamp":1700000000}`))
	}))
	t.Cleanup(rates.Close)

	handler := newHandler()
	m, err := NewMirror(mirror.URL, mirror.Client(), handler)
	require.NoError(t, err)
	fxClient, err := fxrate.NewClient(rates.URL, rates.Client(), handler)
	require.NoError(t, err)

	s := memstore.New()
	ctx := context.Background()
	link := &domain.PaymentLink{OrganizationID: uuid.New(), Status: domain.LinkStatusOpen, Amount: decimal.RequireFromString("5.00"), Currency: "USD"}
	require.NoError(t, s.CreatePaymentLink(ctx, link))

	c := NewConfirmer(m, fxrate.NewService(fxClient, nil, zap.NewNop()), s, merchant)
	req, err := c.BuildRequest(ctx, link, "0.0.1234-1700000000-123456789", "hbar")
	require.NoError(t, err)

	assert.Equal(t, domain.ProviderChain, req.Provider)
	assert.Equal(t, "HBAR", req.TokenType)
	assert.True(t, req.AmountReceived.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, req.FxRate)
	assert.True(t, req.FxRate.Equal(decimal.RequireFromString("0.05")))
	require.NotNil(t, req.Metadata.Chain)
	assert.Equal(t, "0.0.1234", req.Metadata.Chain.PayerAccount)
	assert.NoError(t, req.Metadata.Validate())

	snap, err := s.LatestFxSnapshot(ctx, link.ID, "HBAR", domain.SnapshotSettlement)
	require.NoError(t, err)
	assert.True(t, snap.Rate.Equal(decimal.RequireFromString("0.05")))

	link.Amount = decimal.RequireFromString("5.01")
	_, err = c.BuildRequest(ctx, link, "0.0.1234-1700000000-123456789", "HBAR")
	assert.ErrorIs(t, err, domain.ErrValidation, "100 HBAR no longer covers the link")

	_, err = c.BuildRequest(ctx, link, "0.0.1234-1700000000-123456789", "DOGE")
	assert.ErrorIs(t, err, domain.ErrUnknownSettlementMedium)

	expired := *link
	expired.Status = domain.LinkStatusExpired
	_, err = c.BuildRequest(ctx, &expired, "0.0.1234-1700000000-123456789", "HBAR")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
