// Package export pushes paid payment links to the accounting system and
// drains the sync task queue that feeds it.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/integration"
)

// Line is one ledger leg in an export.
type Line struct {
	AccountCode string          `json:"account_code"`
	Side        domain.Side     `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Payload is what a sync task sends to the accounting system. It is built
// when the payment is confirmed and stored on the task.
type Payload struct {
	PaymentLinkID  uuid.UUID       `json:"payment_link_id"`
	PaymentEventID uuid.UUID       `json:"payment_event_id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	CorrelationID  string          `json:"correlation_id"`
	Provider       domain.Provider `json:"provider"`
	ProviderRef    string          `json:"provider_ref"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PaidAt         time.Time       `json:"paid_at"`
	Lines          []Line          `json:"lines"`
}

// NewPayload assembles the export for a confirmed payment.
func NewPayload(link *domain.PaymentLink, event *domain.PaymentEvent, entries []domain.LedgerEntry, paidAt time.Time) Payload {
	p := Payload{
		PaymentLinkID:  link.ID,
		PaymentEventID: event.ID,
		OrganizationID: link.OrganizationID,
		CorrelationID:  event.CorrelationID,
		Provider:       event.Provider,
		ProviderRef:    event.ProviderRef,
		Currency:       link.Currency,
		PaidAt:         paidAt,
	}
	for _, e := range entries {
		p.Lines = append(p.Lines, Line{
			AccountCode: e.AccountCode,
			Side:        e.Side,
			Amount:      e.Amount,
			Description: e.Description,
		})
		if e.Side == domain.SideCredit {
			p.Amount = p.Amount.Add(e.Amount)
		}
	}
	return p
}

// Exporter sends one payload; idempotencyKey lets the receiver deduplicate.
type Exporter interface {
	Export(ctx context.Context, idempotencyKey string, payload json.RawMessage) error
}

// Client is the HTTP accounting-export API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: httpClient}
}

func (c *Client) Export(ctx context.Context, idempotencyKey string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/journal-entries", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &integration.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
		return se
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
