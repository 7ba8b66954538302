package card

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/settleops/internal/domain"
)

const secret = "whsec_test"

func TestVerify(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	now := time.Unix(1_750_000_000, 0)
	valid := Sign(payload, secret, now)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		now     time.Time
		want    error
	}{
		{"valid", payload, valid, secret, now, nil},
		{"valid within tolerance", payload, valid, secret, now.Add(4 * time.Minute), nil},
		{"stale", payload, valid, secret, now.Add(6 * time.Minute), ErrStaleSignature},
		{"from the future", payload, valid, secret, now.Add(-6 * time.Minute), ErrStaleSignature},
		{"tampered body", []byte(`{"id":"evt_2"}`), valid, secret, now, ErrInvalidSignature},
		{"wrong secret", payload, valid, "other", now, ErrInvalidSignature},
		{"empty header", payload, "", secret, now, ErrMissingSignature},
		{"no secret configured", payload, valid, "", now, ErrMissingSignature},
		{"no v1", payload, "t=1750000000", secret, now, ErrMissingSignature},
		{"garbage timestamp", payload, "t=abc,v1=00", secret, now, ErrInvalidSignature},
		{"rotated secret", payload, valid + ",v1=" + "deadbeef", secret, now, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Verify(tt.payload, tt.header, tt.secret, tt.now, DefaultTolerance)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseEvent_Rejects(t *testing.T) {
	t.Parallel()
	_, err := ParseEvent([]byte(`{`))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = ParseEvent([]byte(`{"id":"evt_1"}`))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConfirmRequest_PaymentSucceeded(t *testing.T) {
	t.Parallel()
	linkID := uuid.New()
	ev, err := ParseEvent([]byte(`{
		"id": "evt_123",
		"type": "payment_intent.succeeded",
		"created": 1750000000,
		"data": {"object": {
			"id": "pi_abc",
			"amount": 10000,
			"amount_received": 10000,
			"currency": "usd",
			"status": "succeeded",
			"latest_charge": "ch_9",
			"payment_method": "pm_card_visa",
			"metadata": {"payment_link_id": "` + linkID.String() + `"}
		}}
	}`))
	require.NoError(t, err)

	req, ok, err := ConfirmRequest(ev)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, linkID, req.PaymentLinkID)
	assert.Equal(t, domain.ProviderCard, req.Provider)
	assert.Equal(t, "pi_abc", req.ProviderRef)
	assert.True(t, req.AmountReceived.Equal(decimal.RequireFromString("100.00")))
	assert.Equal(t, "USD", req.CurrencyReceived)
	require.NotNil(t, req.Metadata.Card)
	assert.Equal(t, "evt_123", req.Metadata.Card.WebhookEventID)
	assert.Equal(t, "ch_9", req.Metadata.Card.ChargeID)
	assert.NoError(t, req.Metadata.Validate())
}

func TestConfirmRequest_IgnoresOtherEvents(t *testing.T) {
	t.Parallel()
	ev := Event{ID: "evt_1", Type: "payment_intent.created"}
	_, ok, err := ConfirmRequest(ev)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestConfirmRequest_MissingLink(t *testing.T) {
	t.Parallel()
	ev := Event{ID: "evt_1", Type: EventPaymentSucceeded}
	ev.Data.Object = PaymentIntent{ID: "pi_1", Amount: 500, Currency: "usd"}
	_, _, err := ConfirmRequest(ev)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMajorUnits(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "12.34", MajorUnits(1234, "usd").StringFixed(2))
	assert.Equal(t, "1234", MajorUnits(1234, "JPY").String())
}
