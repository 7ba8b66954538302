// Package chain looks up distributed-ledger transfers through a mirror node
// and checks that they pay a link.
package chain

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

	"github.com/punchamoorthee/settleops/internal/integration"
	"github.com/punchamoorthee/settleops/internal/providerref"
)

// Transfer is one balance change in a transaction, in the token's smallest unit.
type Transfer struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// TokenTransfer is a Transfer of a fungible token.
type TokenTransfer struct {
	TokenID string `json:"token_id"`
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// Transaction is the subset of a mirror-node transaction record we use.
type Transaction struct {
	TransactionID      string          `json:"transaction_id"`
	Result             string          `json:"result"`
	ConsensusTimestamp string          `json:"consensus_timestamp"`
	Transfers          []Transfer      `json:"transfers"`
	TokenTransfers     []TokenTransfer `json:"token_transfers"`
}

type transactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}

// Mirror reads transactions from a mirror node REST API.
type Mirror struct {
	baseURL string
	http    *http.Client
	handler *integration.Handler
	host    string
}

func NewMirror(baseURL string, httpClient *http.Client, handler *integration.Handler) (*Mirror, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid mirror url %q", baseURL)
	}
	return &Mirror{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, handler: handler, host: u.Host}, nil
}

// Transaction fetches txID, accepted in any supported encoding. A
// transaction the mirror does not know yet fails with category NOT_FOUND.
func (m *Mirror) Transaction(ctx context.Context, txID string) (*Transaction, error) {
	mirrorID, err := providerref.MirrorTransactionID(txID)
	if err != nil {
		return nil, err
	}

	var out *Transaction
	err = m.handler.Call(ctx, integration.ChainMirror, m.host, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/v1/transactions/"+url.PathEscape(mirrorID), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := m.http.Do(req)
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

		var tr transactionsResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return fmt.Errorf("decode mirror response: %w", err)
		}
		if len(tr.Transactions) == 0 {
			return &integration.StatusError{StatusCode: http.StatusNotFound, Body: "transaction " + mirrorID + " not found"}
		}
		// scheduled and child transactions share the id; the first record is the parent
		out = &tr.Transactions[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
