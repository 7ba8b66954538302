package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LinkStatus is the lifecycle state of a payment link.
type LinkStatus string

const (
	LinkStatusDraft    LinkStatus = "DRAFT"
	LinkStatusOpen     LinkStatus = "OPEN"
	LinkStatusPaid     LinkStatus = "PAID"
	LinkStatusExpired  LinkStatus = "EXPIRED"
	LinkStatusCanceled LinkStatus = "CANCELED"
)

// Provider identifies the rail a payment arrived on.
type Provider string

const (
	ProviderCard  Provider = "card"
	ProviderChain Provider = "chain"
)

func (p Provider) Valid() bool {
	return p == ProviderCard || p == ProviderChain
}

// PaymentLink is an invoice a customer pays through one of the rails.
type PaymentLink struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	Status         LinkStatus      `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventType classifies rows of the payment event log.
type EventType string

const EventPaymentConfirmed EventType = "PAYMENT_CONFIRMED"

// PaymentEvent is one append-only row of the payment event log.
// ProviderRef holds the normalized reference; ProviderRefRaw keeps the
// reference exactly as the rail delivered it.
type PaymentEvent struct {
	ID               uuid.UUID       `json:"id"`
	PaymentLinkID    uuid.UUID       `json:"payment_link_id"`
	Type             EventType       `json:"type"`
	Provider         Provider        `json:"provider"`
	ProviderRef      string          `json:"provider_ref"`
	ProviderRefRaw   string          `json:"provider_ref_raw"`
	CorrelationID    string          `json:"correlation_id"`
	AmountReceived   decimal.Decimal `json:"amount_received"`
	CurrencyReceived string          `json:"currency_received"`
	Metadata         EventMetadata   `json:"metadata"`
	CreatedAt        time.Time       `json:"created_at"`
}

// AccountType is the accounting classification of a ledger account.
type AccountType string

const (
	AccountAsset     AccountType = "ASSET"
	AccountLiability AccountType = "LIABILITY"
	AccountEquity    AccountType = "EQUITY"
	AccountRevenue   AccountType = "REVENUE"
	AccountExpense   AccountType = "EXPENSE"
	AccountClearing  AccountType = "CLEARING"
)

// DebitNormal reports whether balances of this type grow on the debit side.
func (t AccountType) DebitNormal() bool {
	switch t {
	case AccountAsset, AccountExpense, AccountClearing:
		return true
	default:
		return false
	}
}

// LedgerAccount is static chart-of-accounts reference data.
type LedgerAccount struct {
	Code string      `json:"code"`
	Name string      `json:"name"`
	Type AccountType `json:"type"`
}

// Side is the column of a double-entry posting.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// LedgerEntry represents one leg of a double-entry posting.
// For a given PaymentLinkID the DEBIT and CREDIT sums must agree within BalanceTolerance.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	PaymentLinkID  uuid.UUID       `json:"payment_link_id"`
	AccountCode    string          `json:"account_code"`
	Side           Side            `json:"side"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BalanceTolerance is the largest |debits - credits| still considered balanced.
var BalanceTolerance = decimal.NewFromFloat(0.01)

// SnapshotType distinguishes the rate quoted at link creation from the rate used to settle.
type SnapshotType string

const (
	SnapshotCreation   SnapshotType = "CREATION"
	SnapshotSettlement SnapshotType = "SETTLEMENT"
)

// FxSnapshot is an exchange rate captured for a payment link: one unit of
// TokenType is worth Rate units of QuoteCurrency.
type FxSnapshot struct {
	ID            uuid.UUID       `json:"id"`
	PaymentLinkID uuid.UUID       `json:"payment_link_id"`
	TokenType     string          `json:"token_type"`
	QuoteCurrency string          `json:"quote_currency"`
	Rate          decimal.Decimal `json:"rate"`
	SnapshotType  SnapshotType    `json:"snapshot_type"`
	Source        string          `json:"source"`
	CapturedAt    time.Time       `json:"captured_at"`
}

// SyncStatus is the lifecycle state of a downstream sync task.
type SyncStatus string

const (
	SyncPending  SyncStatus = "PENDING"
	SyncRetrying SyncStatus = "RETRYING"
	SyncSuccess  SyncStatus = "SUCCESS"
	SyncFailed   SyncStatus = "FAILED"
)

// SyncTargetAccounting is the only downstream sync target today.
const SyncTargetAccounting = "accounting_export"

// SyncTask queues a paid payment link for export to the accounting system.
type SyncTask struct {
	ID             uuid.UUID       `json:"id"`
	PaymentLinkID  uuid.UUID       `json:"payment_link_id"`
	PaymentEventID uuid.UUID       `json:"payment_event_id"`
	Target         string          `json:"target"`
	Status         SyncStatus      `json:"status"`
	RetryCount     int             `json:"retry_count"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	LastError      string          `json:"last_error,omitempty"`
	ErrorCategory  string          `json:"error_category,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AccountTotal aggregates the entries posted to one account.
type AccountTotal struct {
	Account LedgerAccount
	Debits  decimal.Decimal
	Credits decimal.Decimal
}

// LinkTotal aggregates the entries posted for one payment link.
type LinkTotal struct {
	PaymentLinkID uuid.UUID
	Debits        decimal.Decimal
	Credits       decimal.Decimal
	Entries       int
}
