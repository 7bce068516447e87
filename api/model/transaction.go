package model

import (
	"github.com/shopspring/decimal"

	"github.com/blnkfinance/settle/model"
)

type CreateTransaction struct {
	ExternalID  string                   `json:"external_id"`
	Type        string                   `json:"type"`
	Amount      decimal.Decimal          `json:"amount"`
	Currency    string                   `json:"currency"`
	BankCode    string                   `json:"bank_code"`
	Description string                   `json:"description"`
	Details     model.TransactionDetails `json:"details"`
}

type CancelTransaction struct {
	Reason string `json:"reason"`
}

type CreateConfirmation struct {
	ExternalReference    string          `json:"external_reference"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	CounterpartyName     string          `json:"counterparty_name"`
	CounterpartyDocument string          `json:"counterparty_document"`
	BankCode             string          `json:"bank_code"`
	ConfirmedAt          string          `json:"confirmed_at"`
}

type ResolveSuspense struct {
	TargetAccountID string `json:"target_account_id"`
}
