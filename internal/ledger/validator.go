package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/store"
)

// BalanceCheck is the debit/credit comparison for one scope.
type BalanceCheck struct {
	Balanced bool            `json:"balanced"`
	Debits   decimal.Decimal `json:"total_debits"`
	Credits  decimal.Decimal `json:"total_credits"`
	Variance decimal.Decimal `json:"variance"`
	Entries  int             `json:"entry_count,omitempty"`
}

func newBalanceCheck(debits, credits decimal.Decimal, entries int) BalanceCheck {
	variance := debits.Sub(credits)
	return BalanceCheck{
		Balanced: variance.Abs().LessThanOrEqual(domain.BalanceTolerance),
		Debits:   debits,
		Credits:  credits,
		Variance: variance,
		Entries:  entries,
	}
}

// CheckPaymentLinkBalance sums the entries posted for one payment link.
func CheckPaymentLinkBalance(ctx context.Context, q store.Queries, linkID uuid.UUID) (BalanceCheck, error) {
	total, err := q.SumLedgerEntries(ctx, linkID)
	if err != nil {
		return BalanceCheck{}, err
	}
	return newBalanceCheck(total.Debits, total.Credits, total.Entries), nil
}

// ValidatePostingBalance fails with a *domain.ImbalanceError when the link
// has no entries or its debits and credits differ by more than the tolerance.
// Called inside the posting transaction so a failure rolls the posting back.
func ValidatePostingBalance(ctx context.Context, q store.Queries, linkID uuid.UUID) error {
	check, err := CheckPaymentLinkBalance(ctx, q, linkID)
	if err != nil {
		return fmt.Errorf("balance check: %w", err)
	}
	if check.Entries == 0 || !check.Balanced {
		return &domain.ImbalanceError{
			PaymentLinkID: linkID,
			Debits:        check.Debits,
			Credits:       check.Credits,
			Variance:      check.Variance,
			Entries:       check.Entries,
		}
	}
	return nil
}

// CheckLedgerBalance compares total debits and credits across an organization.
func CheckLedgerBalance(ctx context.Context, q store.Queries, orgID uuid.UUID) (BalanceCheck, error) {
	debits, credits, err := q.SumOrganizationLedger(ctx, orgID)
	if err != nil {
		return BalanceCheck{}, err
	}
	return newBalanceCheck(debits, credits, 0), nil
}

// AccountBalance is an account's totals and its balance on its normal side.
type AccountBalance struct {
	Code    string             `json:"account_code"`
	Name    string             `json:"account_name"`
	Type    domain.AccountType `json:"account_type"`
	Debits  decimal.Decimal    `json:"total_debits"`
	Credits decimal.Decimal    `json:"total_credits"`
	Balance decimal.Decimal    `json:"balance"`
}

// GetAccountBalances returns every account in the chart with its balance for
// orgID. Debit-normal accounts report debits-credits, the rest credits-debits.
func GetAccountBalances(ctx context.Context, q store.Queries, orgID uuid.UUID) ([]AccountBalance, error) {
	totals, err := q.AccountTotals(ctx, orgID)
	if err != nil {
		return nil, err
	}

	balances := make([]AccountBalance, 0, len(totals))
	for _, t := range totals {
		balance := t.Credits.Sub(t.Debits)
		if t.Account.Type.DebitNormal() {
			balance = t.Debits.Sub(t.Credits)
		}
		balances = append(balances, AccountBalance{
			Code:    t.Account.Code,
			Name:    t.Account.Name,
			Type:    t.Account.Type,
			Debits:  t.Debits,
			Credits: t.Credits,
			Balance: balance,
		})
	}
	return balances, nil
}

// UnbalancedLink is a payment link whose postings do not balance.
type UnbalancedLink struct {
	PaymentLinkID uuid.UUID       `json:"payment_link_id"`
	Debits        decimal.Decimal `json:"total_debits"`
	Credits       decimal.Decimal `json:"total_credits"`
	Variance      decimal.Decimal `json:"variance"`
	Entries       int             `json:"entry_count"`
}

// FindUnbalancedPaymentLinks lists the organization's links whose debits and
// credits differ by more than the tolerance.
func FindUnbalancedPaymentLinks(ctx context.Context, q store.Queries, orgID uuid.UUID) ([]UnbalancedLink, error) {
	totals, err := q.LinkTotals(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var out []UnbalancedLink
	for _, t := range totals {
		check := newBalanceCheck(t.Debits, t.Credits, t.Entries)
		if check.Balanced {
			continue
		}
		out = append(out, UnbalancedLink{
			PaymentLinkID: t.PaymentLinkID,
			Debits:        t.Debits,
			Credits:       t.Credits,
			Variance:      check.Variance,
			Entries:       t.Entries,
		})
	}
	return out, nil
}
