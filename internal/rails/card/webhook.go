// Package card verifies and decodes card-rail webhooks.
package card

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/service"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>".
const SignatureHeader = "Card-Signature"

// DefaultTolerance is the largest accepted age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

// EventPaymentSucceeded is the only event type that confirms a payment.
const EventPaymentSucceeded = "payment_intent.succeeded"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
)

// Sign returns the signature header value for payload at t.
func Sign(payload []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(computeMAC(ts, payload, []byte(secret)))
}

func computeMAC(ts string, payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify checks header against payload. Any of several v1 signatures may
// match, which allows secrets to be rotated.
func Verify(payload []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	secret = strings.TrimSpace(secret)
	if strings.TrimSpace(header) == "" || secret == "" {
		return ErrMissingSignature
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if sig, err := hex.DecodeString(strings.ToLower(v)); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrMissingSignature
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(secs, 0))
		if age > tolerance || age < -tolerance {
			return ErrStaleSignature
		}
	}

	expected := computeMAC(ts, payload, []byte(secret))
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Event is a card-rail webhook envelope.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object PaymentIntent `json:"object"`
	} `json:"data"`
}

// PaymentIntent is the object carried by payment_intent.* events. Amounts
// are in minor units.
type PaymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	LatestCharge   string            `json:"latest_charge"`
	PaymentMethod  string            `json:"payment_method"`
	Metadata       map[string]string `json:"metadata"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: malformed webhook body: %v", domain.ErrValidation, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, fmt.Errorf("%w: webhook event id and type are required", domain.ErrValidation)
	}
	return ev, nil
}

var zeroDecimalCurrencies = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true}

// MajorUnits converts a minor-unit amount into a decimal in currency units.
func MajorUnits(minor int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}

// ConfirmRequest builds the confirmation for ev. ok is false for event types
// that do not confirm payments; those are acknowledged and ignored.
func ConfirmRequest(ev Event) (req service.ConfirmRequest, ok bool, err error) {
	if ev.Type != EventPaymentSucceeded {
		return service.ConfirmRequest{}, false, nil
	}
	pi := ev.Data.Object
	if pi.ID == "" {
		return service.ConfirmRequest{}, false, fmt.Errorf("%w: payment intent id missing", domain.ErrValidation)
	}

	linkID, err := uuid.Parse(pi.Metadata["payment_link_id"])
	if err != nil {
		return service.ConfirmRequest{}, false, fmt.Errorf("%w: payment intent %s has no valid payment_link_id", domain.ErrValidation, pi.ID)
	}

	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	currency := strings.ToUpper(pi.Currency)

	return service.ConfirmRequest{
		PaymentLinkID:    linkID,
		Provider:         domain.ProviderCard,
		ProviderRef:      pi.ID,
		AmountReceived:   MajorUnits(amount, currency),
		CurrencyReceived: currency,
		Metadata: domain.CardMetadata(domain.CardDetails{
			PaymentIntentID: pi.ID,
			ChargeID:        pi.LatestCharge,
			WebhookEventID:  ev.ID,
			PaymentMethod:   pi.PaymentMethod,
		}),
	}, true, nil
}
