// Package ledger writes double-entry postings for confirmed payments and
// checks that they balance.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/store"
)

// MediumCard names the card rail as a settlement medium.
const MediumCard = "CARD"

var entriesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settleops_ledger_entries_posted_total",
	Help: "Ledger entries written, by account and side",
}, []string{"account", "side"})

// CardSettlement describes a fiat payment settled through the card rail.
type CardSettlement struct {
	OrganizationID  uuid.UUID
	PaymentLinkID   uuid.UUID
	CorrelationID   string
	Amount          decimal.Decimal
	Currency        string
	PaymentIntentID string
}

// TokenSettlement describes a payment settled in a ledger token. Rate is the
// value of one token in QuoteCurrency.
type TokenSettlement struct {
	OrganizationID uuid.UUID
	PaymentLinkID  uuid.UUID
	CorrelationID  string
	TokenType      string
	TokenAmount    decimal.Decimal
	Rate           decimal.Decimal
	QuoteCurrency  string
	TransactionID  string
}

// Poster writes the two legs of each settlement.
type Poster struct {
	log *zap.Logger
}

func NewPoster(log *zap.Logger) *Poster {
	return &Poster{log: log}
}

// ClearingAccountFor returns the clearing account for a settlement medium:
// MediumCard or a token symbol. Every token has its own account.
func ClearingAccountFor(medium string) (string, error) {
	if strings.EqualFold(medium, MediumCard) {
		return domain.AccountCardClearing, nil
	}
	if token, ok := domain.LookupToken(medium); ok {
		return token.ClearingAccount, nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownSettlementMedium, medium)
}

// IdempotencyKey derives the per-leg key that makes re-posting a no-op.
func IdempotencyKey(linkID uuid.UUID, correlationID string, side domain.Side) string {
	return fmt.Sprintf("%s:%s:%s", linkID, correlationID, side)
}

// PostCardSettlement debits card clearing and credits receivable.
func (p *Poster) PostCardSettlement(ctx context.Context, q store.Queries, s CardSettlement) ([]domain.LedgerEntry, error) {
	if !s.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: card settlement amount must be positive", domain.ErrValidation)
	}
	clearing, err := ClearingAccountFor(MediumCard)
	if err != nil {
		return nil, err
	}

	amount := s.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: card settlement rounds to zero", domain.ErrValidation)
	}
	desc := fmt.Sprintf("Card settlement %s", s.PaymentIntentID)
	return p.post(ctx, q, posting{
		orgID:         s.OrganizationID,
		linkID:        s.PaymentLinkID,
		correlationID: s.CorrelationID,
		clearing:      clearing,
		amount:        amount,
		currency:      s.Currency,
		description:   desc,
	})
}

// PostTokenSettlement converts the token amount at Rate and debits the
// token's clearing account against receivable.
func (p *Poster) PostTokenSettlement(ctx context.Context, q store.Queries, s TokenSettlement) ([]domain.LedgerEntry, error) {
	if !s.TokenAmount.IsPositive() {
		return nil, fmt.Errorf("%w: token amount must be positive", domain.ErrValidation)
	}
	if !s.Rate.IsPositive() {
		return nil, fmt.Errorf("%w: fx rate must be positive", domain.ErrValidation)
	}
	clearing, err := ClearingAccountFor(s.TokenType)
	if err != nil {
		return nil, err
	}

	amount := s.TokenAmount.Mul(s.Rate).Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s converts to less than 0.01 %s",
			domain.ErrValidation, s.TokenAmount, s.TokenType, s.QuoteCurrency)
	}

	desc := fmt.Sprintf("%s settlement %s (%s %s @ %s %s)",
		strings.ToUpper(s.TokenType), s.TransactionID, s.TokenAmount.String(), strings.ToUpper(s.TokenType),
		s.Rate.String(), s.QuoteCurrency)
	return p.post(ctx, q, posting{
		orgID:         s.OrganizationID,
		linkID:        s.PaymentLinkID,
		correlationID: s.CorrelationID,
		clearing:      clearing,
		amount:        amount,
		currency:      s.QuoteCurrency,
		description:   desc,
	})
}

type posting struct {
	orgID         uuid.UUID
	linkID        uuid.UUID
	correlationID string
	clearing      string
	amount        decimal.Decimal
	currency      string
	description   string
}

func (p *Poster) post(ctx context.Context, q store.Queries, in posting) ([]domain.LedgerEntry, error) {
	legs := []domain.LedgerEntry{
		{AccountCode: in.clearing, Side: domain.SideDebit},
		{AccountCode: domain.AccountReceivable, Side: domain.SideCredit},
	}

	for i := range legs {
		leg := &legs[i]
		leg.OrganizationID = in.orgID
		leg.PaymentLinkID = in.linkID
		leg.Amount = in.amount
		leg.Currency = in.currency
		leg.Description = in.description
		leg.IdempotencyKey = IdempotencyKey(in.linkID, in.correlationID, leg.Side)

		inserted, err := q.InsertLedgerEntry(ctx, leg)
		if err != nil {
			return nil, fmt.Errorf("posting %s %s: %w", leg.Side, leg.AccountCode, err)
		}
		if !inserted {
			p.log.Info("ledger entry already posted",
				zap.String("idempotency_key", leg.IdempotencyKey),
				zap.String("payment_link_id", in.linkID.String()))
			continue
		}
		entriesPosted.WithLabelValues(leg.AccountCode, string(leg.Side)).Inc()
	}

	p.log.Debug("ledger posting written",
		zap.String("payment_link_id", in.linkID.String()),
		zap.String("correlation_id", in.correlationID),
		zap.String("clearing_account", in.clearing),
		zap.String("amount", in.amount.StringFixed(2)))
	return legs, nil
}
