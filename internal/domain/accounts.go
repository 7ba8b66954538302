package domain

import "strings"

// Chart of accounts codes.
const (
	AccountReceivable     = "1200"
	AccountCardClearing   = "1050"
	AccountHBARClearing   = "1051"
	AccountUSDCClearing   = "1052"
	AccountPaymentRevenue = "4000"
	AccountProcessingFees = "6100"
)

// DefaultChartOfAccounts returns the static accounts every deployment seeds.
func DefaultChartOfAccounts() []LedgerAccount {
	return []LedgerAccount{
		{Code: AccountCardClearing, Name: "Card Clearing", Type: AccountClearing},
		{Code: AccountHBARClearing, Name: "HBAR Clearing", Type: AccountClearing},
		{Code: AccountUSDCClearing, Name: "USDC Clearing", Type: AccountClearing},
		{Code: AccountReceivable, Name: "Accounts Receivable", Type: AccountAsset},
		{Code: AccountPaymentRevenue, Name: "Payment Revenue", Type: AccountRevenue},
		{Code: AccountProcessingFees, Name: "Processing Fees", Type: AccountExpense},
	}
}

// Token describes a settlement token on the distributed ledger.
type Token struct {
	Symbol          string
	Decimals        int32
	ClearingAccount string
	// LedgerTokenID is empty for the network's native coin.
	LedgerTokenID string
}

// Tokens is the registry of supported settlement tokens. Each token owns a
// dedicated clearing account.
var Tokens = map[string]Token{
	"HBAR": {Symbol: "HBAR", Decimals: 8, ClearingAccount: AccountHBARClearing},
	"USDC": {Symbol: "USDC", Decimals: 6, ClearingAccount: AccountUSDCClearing, LedgerTokenID: "0.0.456858"},
}

// LookupToken resolves a token symbol case-insensitively.
func LookupToken(symbol string) (Token, bool) {
	t, ok := Tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}
