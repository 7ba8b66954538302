package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/integration"
)

func newHandler() *integration.Handler {
	return integration.NewHandler(
		integration.NewBreakers(integration.DefaultBreakerConfig(), zap.NewNop()),
		time.Second, zap.NewNop())
}

func TestWebhook_DeliversAsynchronously(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err == nil {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		}
		assert.Equal(t, n.CorrelationID, r.Header.Get("X-Correlation-ID"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL+"/hooks", srv.Client(), newHandler(), zap.NewNop(), 8)
	require.NoError(t, err)
	w.Start()

	n := Notification{
		Event:         EventPaymentConfirmed,
		PaymentLinkID: uuid.New(),
		CorrelationID: "card_pi-1_1700000000000_deadbeef",
		Amount:        decimal.RequireFromString("100.00"),
		Currency:      "USD",
	}
	w.Notify(n)
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, n.PaymentLinkID, got[0].PaymentLinkID)
	assert.Equal(t, "100", got[0].Amount.String())
}

func TestWebhook_SendClassifiesFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, srv.Client(), newHandler(), zap.NewNop(), 1)
	require.NoError(t, err)

	err = w.Send(context.Background(), Notification{Event: EventPaymentConfirmed})
	var ie *integration.Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, integration.CategoryServerError, ie.Category)
}

func TestNewWebhook_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewWebhook("::not a url", http.DefaultClient, newHandler(), zap.NewNop(), 1)
	assert.Error(t, err)
}
