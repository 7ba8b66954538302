package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CardDetails are the card-rail attributes recorded with a confirmation.
type CardDetails struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ChargeID        string `json:"charge_id,omitempty"`
	WebhookEventID  string `json:"webhook_event_id,omitempty"`
	PaymentMethod   string `json:"payment_method,omitempty"`
}

// ChainDetails are the distributed-ledger attributes recorded with a confirmation.
type ChainDetails struct {
	TransactionID      string           `json:"transaction_id"`
	TokenType          string           `json:"token_type"`
	PayerAccount       string           `json:"payer_account,omitempty"`
	ConsensusTimestamp string           `json:"consensus_timestamp,omitempty"`
	FxRate             *decimal.Decimal `json:"fx_rate,omitempty"`
}

// EventMetadata is keyed by Kind: exactly the variant matching Kind is set.
// Extensions holds non-critical provider attributes that have no typed home.
type EventMetadata struct {
	Kind       Provider          `json:"kind"`
	Card       *CardDetails      `json:"card,omitempty"`
	Chain      *ChainDetails     `json:"chain,omitempty"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// CardMetadata builds card-rail metadata.
func CardMetadata(d CardDetails) EventMetadata {
	return EventMetadata{Kind: ProviderCard, Card: &d}
}

// ChainMetadata builds distributed-ledger metadata.
func ChainMetadata(d ChainDetails) EventMetadata {
	return EventMetadata{Kind: ProviderChain, Chain: &d}
}

// Validate checks that the populated variant agrees with Kind.
func (m EventMetadata) Validate() error {
	switch m.Kind {
	case ProviderCard:
		if m.Card == nil || m.Chain != nil {
			return fmt.Errorf("%w: card metadata requires only the card variant", ErrValidation)
		}
	case ProviderChain:
		if m.Chain == nil || m.Card != nil {
			return fmt.Errorf("%w: chain metadata requires only the chain variant", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown metadata kind %q", ErrValidation, m.Kind)
	}
	return nil
}
