/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeInstantTransfer TransactionType = "INSTANT_TRANSFER"
	TypeWireTransfer    TransactionType = "WIRE_TRANSFER"
	TypeBillPayment     TransactionType = "BILL_PAYMENT"
	TypeCrypto          TransactionType = "CRYPTO"
)

// Valid reports whether t is one of the supported transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeInstantTransfer, TypeWireTransfer, TypeBillPayment, TypeCrypto:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusIssued     Status = "ISSUED"
	StatusConfirmed  Status = "CONFIRMED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusIssued, StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired},
	StatusProcessing: {StatusConfirmed, StatusFailed},
	StatusIssued:     {StatusConfirmed, StatusFailed},
}

// QRCode describes the charge QR attached to an instant transfer.
// Only dynamic QR codes carry an expiry deadline.
type QRCode struct {
	Dynamic   bool       `json:"dynamic"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Payload   string     `json:"payload,omitempty"`
}

type InstantTransferDetails struct {
	TargetKey      string  `json:"target_key"`
	TargetName     string  `json:"target_name,omitempty"`
	TargetDocument string  `json:"target_document,omitempty"`
	QR             *QRCode `json:"qr,omitempty"`
}

type WireTransferDetails struct {
	BankCode      string `json:"bank_code"`
	Branch        string `json:"branch"`
	AccountNumber string `json:"account_number"`
	TaxID         string `json:"tax_id"`
	Name          string `json:"name"`
}

type BillPaymentDetails struct {
	DueDate      time.Time `json:"due_date"`
	PayerTaxID   string    `json:"payer_tax_id"`
	PayerName    string    `json:"payer_name"`
	Instructions string    `json:"instructions,omitempty"`
	Barcode      string    `json:"barcode,omitempty"`
	URL          string    `json:"url,omitempty"`
}

type CryptoDetails struct {
	CryptoType    string `json:"crypto_type"`
	WalletAddress string `json:"wallet_address"`
	TxHash        string `json:"tx_hash,omitempty"`
}

// TransactionDetails is a tagged variant: exactly one member is set and it
// must match the transaction type.
type TransactionDetails struct {
	InstantTransfer *InstantTransferDetails `json:"instant_transfer,omitempty"`
	WireTransfer    *WireTransferDetails    `json:"wire_transfer,omitempty"`
	BillPayment     *BillPaymentDetails     `json:"bill_payment,omitempty"`
	Crypto          *CryptoDetails          `json:"crypto,omitempty"`
}

type Transaction struct {
	TransactionID       string             `json:"transaction_id"`
	ExternalID          string             `json:"external_id"`
	ClientID            string             `json:"client_id"`
	Type                TransactionType    `json:"type"`
	Status              Status             `json:"status"`
	Amount              decimal.Decimal    `json:"amount"`
	Currency            string             `json:"currency"`
	AccountID           string             `json:"account_id"`
	BankCode            string             `json:"bank_code"`
	Details             TransactionDetails `json:"details"`
	ExternalReference   string             `json:"external_reference,omitempty"`
	Description         string             `json:"description,omitempty"`
	Message             string             `json:"message,omitempty"`
	Provisional         bool               `json:"provisional"`
	NeedsReconciliation bool               `json:"needs_reconciliation"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	ConfirmedAt         *time.Time         `json:"confirmed_at,omitempty"`
}

func (t *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// IsDynamicQR reports whether the transaction is an instant transfer charge
// backed by a dynamic QR code.
func (t *Transaction) IsDynamicQR() bool {
	return t.Type == TypeInstantTransfer && t.Details.InstantTransfer != nil &&
		t.Details.InstantTransfer.QR != nil && t.Details.InstantTransfer.QR.Dynamic
}

// IsInboundCharge reports whether money for this transaction arrives later
// through a settlement confirmation (QR charges and bill payments).
func (t *Transaction) IsInboundCharge() bool {
	switch t.Type {
	case TypeBillPayment:
		return true
	case TypeInstantTransfer:
		return t.Details.InstantTransfer != nil && t.Details.InstantTransfer.QR != nil
	}
	return false
}

// IsOutbound reports whether the client account is debited at creation.
func (t *Transaction) IsOutbound() bool {
	return !t.IsInboundCharge()
}

// QRExpiresAt returns the expiry deadline of a dynamic QR, or nil.
func (t *Transaction) QRExpiresAt() *time.Time {
	if !t.IsDynamicQR() {
		return nil
	}
	return t.Details.InstantTransfer.QR.ExpiresAt
}

// CanTransition checks whether the transaction may move to the given status.
func (t *Transaction) CanTransition(to Status) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: transaction %s is already %s", ErrInvalidTransition, t.TransactionID, t.Status)
	}
	if to == StatusExpired && !t.IsDynamicQR() {
		return fmt.Errorf("%w: only dynamic QR charges can expire", ErrInvalidTransition)
	}
	for _, allowed := range transitions[t.Status] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
}

// Validate checks the creation request carried by the transaction.
func (t *Transaction) Validate() error {
	var problems []string
	if t.ClientID == "" {
		problems = append(problems, "client_id is required")
	}
	if t.ExternalID == "" {
		problems = append(problems, "external_id is required")
	}
	if !t.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported transaction type %q", t.Type))
	}
	if !t.Amount.IsPositive() {
		problems = append(problems, ErrInvalidAmount.Error())
	}
	if t.Currency == "" {
		problems = append(problems, "currency is required")
	}
	problems = append(problems, t.validateDetails()...)
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func (t *Transaction) validateDetails() []string {
	d := t.Details
	set := 0
	for _, present := range []bool{d.InstantTransfer != nil, d.WireTransfer != nil, d.BillPayment != nil, d.Crypto != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return []string{"exactly one details variant must be provided"}
	}

	switch t.Type {
	case TypeInstantTransfer:
		if d.InstantTransfer == nil {
			return []string{"instant_transfer details are required"}
		}
		if d.InstantTransfer.QR == nil && d.InstantTransfer.TargetKey == "" {
			return []string{"target_key is required for instant transfers"}
		}
	case TypeWireTransfer:
		w := d.WireTransfer
		if w == nil {
			return []string{"wire_transfer details are required"}
		}
		if w.BankCode == "" || w.AccountNumber == "" || w.TaxID == "" || w.Name == "" {
			return []string{"wire transfer requires bank_code, account_number, tax_id and name"}
		}
	case TypeBillPayment:
		b := d.BillPayment
		if b == nil {
			return []string{"bill_payment details are required"}
		}
		if b.DueDate.IsZero() || b.PayerTaxID == "" || b.PayerName == "" {
			return []string{"bill payment requires due_date, payer_tax_id and payer_name"}
		}
	case TypeCrypto:
		c := d.Crypto
		if c == nil {
			return []string{"crypto details are required"}
		}
		if c.CryptoType == "" || c.WalletAddress == "" {
			return []string{"crypto requires crypto_type and wallet_address"}
		}
	}
	return nil
}

// GenerateEndToEndID builds the end-to-end reference for an instant transfer:
// "E" + ISPB + yyyyMMdd + 10 random digits.
func GenerateEndToEndID(ispb string, at time.Time) string {
	var digits strings.Builder
	for i := 0; i < 10; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			digits.WriteByte('0')
			continue
		}
		digits.WriteString(n.String())
	}
	return fmt.Sprintf("E%s%s%s", ispb, at.UTC().Format("20060102"), digits.String())
}

// GenerateExternalReference builds the rail-facing reference for a transaction.
func GenerateExternalReference(txnType TransactionType, ispb string, at time.Time) string {
	switch txnType {
	case TypeInstantTransfer:
		return GenerateEndToEndID(ispb, at)
	case TypeWireTransfer:
		return "W" + strings.ReplaceAll(uuid.NewString(), "-", "")
	case TypeBillPayment:
		return "B" + strings.ReplaceAll(uuid.NewString(), "-", "")
	default:
		return "C" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
}
