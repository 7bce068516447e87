package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementConfirmation is the asynchronous notice from a bank connection
// that funds for a reference have settled.
type SettlementConfirmation struct {
	ExternalReference    string          `json:"external_reference"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency,omitempty"`
	CounterpartyName     string          `json:"counterparty_name,omitempty"`
	CounterpartyDocument string          `json:"counterparty_document,omitempty"`
	BankCode             string          `json:"bank_code,omitempty"`
	ConfirmedAt          time.Time       `json:"confirmed_at"`
}

func (c *SettlementConfirmation) Validate() error {
	if c.ExternalReference == "" {
		return errors.New("external_reference is required")
	}
	if !c.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// ConfirmationOutcome describes what handling a confirmation did.
type ConfirmationOutcome string

const (
	OutcomeConfirmed ConfirmationOutcome = "CONFIRMED"
	OutcomeReplayed  ConfirmationOutcome = "ALREADY_CONFIRMED"
	OutcomeUnmatched ConfirmationOutcome = "UNMATCHED"
)

// MatchSuggestion ranks an open transaction against a provisional record.
type MatchSuggestion struct {
	Transaction Transaction `json:"transaction"`
	Score       float64     `json:"score"`
	AmountMatch bool        `json:"amount_match"`
	NameScore   float64     `json:"name_score"`
}
