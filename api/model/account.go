package model

import (
	"github.com/shopspring/decimal"
)

type CreateAccount struct {
	ClientID       string                 `json:"client_id"`
	BankCode       string                 `json:"bank_code"`
	Name           string                 `json:"name"`
	Currency       string                 `json:"currency"`
	AllowOverdraft bool                   `json:"allow_overdraft"`
	MetaData       map[string]interface{} `json:"meta_data"`
}

// FundsOperation moves an amount between an account's available and
// blocked balances.
type FundsOperation struct {
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	CorrelationID string          `json:"correlation_id"`
}

type PutRouting struct {
	Entries []RoutingEntry `json:"entries"`
}

type RoutingEntry struct {
	AccountID  string          `json:"account_id"`
	Percentage decimal.Decimal `json:"percentage"`
	Active     *bool           `json:"active"`
}
