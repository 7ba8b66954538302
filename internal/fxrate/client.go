// Package fxrate fetches token exchange rates, caches them in Redis and
// captures them as FX snapshots on payment links.
package fxrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/integration"
)

// Quote is the value of one unit of Token in Currency.
type Quote struct {
	Token     string          `json:"token"`
	Currency  string          `json:"currency"`
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Provider returns live quotes.
type Provider interface {
	Quote(ctx context.Context, token, currency string) (Quote, error)
}

// Client queries an exchange-rate API of the form
// GET /v1/rates?base=HBAR&quote=USD -> {"rate": "0.0512", "timestamp": 1700000000}.
type Client struct {
	baseURL string
	http    *http.Client
	handler *integration.Handler
	host    string
}

func NewClient(baseURL string, httpClient *http.Client, handler *integration.Handler) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid exchange rate url %q", baseURL)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		handler: handler,
		host:    u.Host,
	}, nil
}

type rateResponse struct {
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	Rate      decimal.Decimal `json:"rate"`
	Timestamp int64           `json:"timestamp"`
}

func (c *Client) Quote(ctx context.Context, token, currency string) (Quote, error) {
	token, currency = strings.ToUpper(token), strings.ToUpper(currency)
	var out Quote

	err := c.handler.Call(ctx, integration.ExchangeRate, c.host, func(ctx context.Context) error {
		q := url.Values{"base": {token}, "quote": {currency}}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/rates?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			se := &integration.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				se.RetryAfter = time.Duration(secs) * time.Second
			}
			return se
		}

		var rr rateResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return fmt.Errorf("decode rate response: %w", err)
		}
		if !rr.Rate.IsPositive() {
			return fmt.Errorf("%w: non-positive rate %s for %s/%s", domain.ErrValidation, rr.Rate, token, currency)
		}

		out = Quote{Token: token, Currency: currency, Rate: rr.Rate, Source: c.host, FetchedAt: time.Now().UTC()}
		if rr.Timestamp > 0 {
			out.FetchedAt = time.Unix(rr.Timestamp, 0).UTC()
		}
		return nil
	})
	if err != nil {
		return Quote{}, err
	}
	return out, nil
}
