package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/fxrate"
	"github.com/punchamoorthee/settleops/internal/providerref"
	"github.com/punchamoorthee/settleops/internal/service"
	"github.com/punchamoorthee/settleops/internal/store"
)

const resultSuccess = "SUCCESS"

// Payment is a verified transfer to the merchant.
type Payment struct {
	TransactionID      string
	Token              domain.Token
	Amount             decimal.Decimal
	Payer              string
	ConsensusTimestamp string
}

// VerifyTransfer checks that tx succeeded and credited merchant with at
// least minimum units of token.
func VerifyTransfer(tx *Transaction, token domain.Token, merchant string, minimum decimal.Decimal) (Payment, error) {
	if tx.Result != resultSuccess {
		return Payment{}, fmt.Errorf("%w: transaction %s result %s", domain.ErrValidation, tx.TransactionID, tx.Result)
	}

	var received int64
	var payer string
	if token.LedgerTokenID == "" {
		for _, t := range tx.Transfers {
			received, payer = tally(t.Account, t.Amount, merchant, received, payer)
		}
	} else {
		for _, t := range tx.TokenTransfers {
			if t.TokenID != token.LedgerTokenID {
				continue
			}
			received, payer = tally(t.Account, t.Amount, merchant, received, payer)
		}
	}

	amount := decimal.New(received, -token.Decimals)
	if !amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: transaction %s pays nothing in %s to %s", domain.ErrValidation, tx.TransactionID, token.Symbol, merchant)
	}
	if amount.LessThan(minimum) {
		return Payment{}, fmt.Errorf("%w: transaction %s pays %s %s, expected at least %s",
			domain.ErrValidation, tx.TransactionID, amount, token.Symbol, minimum)
	}

	return Payment{
		TransactionID:      tx.TransactionID,
		Token:              token,
		Amount:             amount,
		Payer:              payer,
		ConsensusTimestamp: tx.ConsensusTimestamp,
	}, nil
}

// tally adds credits to merchant and remembers the first debited account as payer.
func tally(account string, amount int64, merchant string, received int64, payer string) (int64, string) {
	if account == merchant {
		return received + amount, payer
	}
	if amount < 0 && payer == "" {
		return received, account
	}
	return received, payer
}

// Confirmer turns a transaction id submitted for a link into a
// ConfirmRequest: mirror lookup, SETTLEMENT rate capture, then amount check.
type Confirmer struct {
	mirror   *Mirror
	fx       *fxrate.Service
	queries  store.Queries
	merchant string
}

func NewConfirmer(mirror *Mirror, fx *fxrate.Service, q store.Queries, merchantAccount string) *Confirmer {
	return &Confirmer{mirror: mirror, fx: fx, queries: q, merchant: merchantAccount}
}

// BuildRequest verifies txID against link. The captured SETTLEMENT snapshot
// is what the ledger posting later uses.
func (c *Confirmer) BuildRequest(ctx context.Context, link *domain.PaymentLink, txID, tokenType string) (service.ConfirmRequest, error) {
	token, ok := domain.LookupToken(tokenType)
	if !ok {
		return service.ConfirmRequest{}, fmt.Errorf("%w: token %q", domain.ErrUnknownSettlementMedium, tokenType)
	}
	if _, err := providerref.NormalizeChainTransactionID(txID); err != nil {
		return service.ConfirmRequest{}, err
	}
	if link.Status != domain.LinkStatusOpen && link.Status != domain.LinkStatusPaid {
		return service.ConfirmRequest{}, fmt.Errorf("payment link %s is %s: %w", link.ID, link.Status, domain.ErrInvalidState)
	}

	tx, err := c.mirror.Transaction(ctx, txID)
	if err != nil {
		return service.ConfirmRequest{}, err
	}

	var minimum decimal.Decimal
	var rate *decimal.Decimal
	if link.Status == domain.LinkStatusOpen {
		snap, err := c.fx.CaptureSnapshot(ctx, c.queries, link, token.Symbol, domain.SnapshotSettlement)
		if err != nil {
			return service.ConfirmRequest{}, err
		}
		minimum = link.Amount.DivRound(snap.Rate, token.Decimals)
		rate = &snap.Rate
	}

	payment, err := VerifyTransfer(tx, token, c.merchant, minimum)
	if err != nil {
		return service.ConfirmRequest{}, err
	}

	return service.ConfirmRequest{
		PaymentLinkID:    link.ID,
		Provider:         domain.ProviderChain,
		ProviderRef:      txID,
		AmountReceived:   payment.Amount,
		CurrencyReceived: token.Symbol,
		TokenType:        token.Symbol,
		FxRate:           rate,
		Metadata: domain.ChainMetadata(domain.ChainDetails{
			TransactionID:      strings.TrimSpace(txID),
			TokenType:          token.Symbol,
			PayerAccount:       payment.Payer,
			ConsensusTimestamp: payment.ConsensusTimestamp,
			FxRate:             rate,
		}),
	}, nil
}
