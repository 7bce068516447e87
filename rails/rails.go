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

// Package rails holds the normalized capability contract every bank
// connection implements, plus the adapters settle ships with.
package rails

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/settle/model"
	"github.com/shopspring/decimal"
)

// Rail is one bank connection. Implementations translate these calls into
// the bank's own wire format; callers never see bank-specific payloads.
type Rail interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Pay(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	Query(ctx context.Context, externalReference string) (QueryResult, error)
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	GetBalance(ctx context.Context, accountID string) (RailBalance, error)
	GetStatement(ctx context.Context, accountID string, start, end time.Time) ([]StatementLine, error)
}

// ChargeRequest asks the bank to collect money: a QR charge or a bill.
type ChargeRequest struct {
	TransactionID     string                `json:"transaction_id"`
	ExternalReference string                `json:"external_reference"`
	AccountID         string                `json:"account_id"`
	Type              model.TransactionType `json:"type"`
	Amount            decimal.Decimal       `json:"amount"`
	Currency          string                `json:"currency"`
	Description       string                `json:"description,omitempty"`
	DynamicQR         bool                  `json:"dynamic_qr,omitempty"`
	ExpiresAt         *time.Time            `json:"expires_at,omitempty"`
	DueDate           *time.Time            `json:"due_date,omitempty"`
	PayerTaxID        string                `json:"payer_tax_id,omitempty"`
	PayerName         string                `json:"payer_name,omitempty"`
	Instructions      string                `json:"instructions,omitempty"`
}

type ChargeResult struct {
	ExternalReference string `json:"external_reference"`
	Barcode           string `json:"barcode,omitempty"`
	URL               string `json:"url,omitempty"`
	QRPayload         string `json:"qr_payload,omitempty"`
}

// PaymentRequest sends an instant transfer to a target key.
type PaymentRequest struct {
	TransactionID     string          `json:"transaction_id"`
	ExternalReference string          `json:"external_reference"`
	AccountID         string          `json:"account_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	TargetKey         string          `json:"target_key"`
	TargetName        string          `json:"target_name,omitempty"`
	TargetDocument    string          `json:"target_document,omitempty"`
	Description       string          `json:"description,omitempty"`
}

type PaymentResult struct {
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
}

// TransferRequest moves money to a bank account or a crypto wallet.
// Exactly one of Wire and Crypto is set.
type TransferRequest struct {
	TransactionID     string                     `json:"transaction_id"`
	ExternalReference string                     `json:"external_reference"`
	AccountID         string                     `json:"account_id"`
	Amount            decimal.Decimal            `json:"amount"`
	Currency          string                     `json:"currency"`
	Wire              *model.WireTransferDetails `json:"wire,omitempty"`
	Crypto            *model.CryptoDetails       `json:"crypto,omitempty"`
}

type TransferResult struct {
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
	TxHash            string `json:"tx_hash,omitempty"`
}

type QueryResult struct {
	ExternalReference string          `json:"external_reference"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	SettledAt         *time.Time      `json:"settled_at,omitempty"`
}

type RailBalance struct {
	AccountID string          `json:"account_id"`
	Available decimal.Decimal `json:"available"`
	Currency  string          `json:"currency"`
}

type StatementLine struct {
	ExternalReference string          `json:"external_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Direction         string          `json:"direction"`
	Description       string          `json:"description,omitempty"`
	BookedAt          time.Time       `json:"booked_at"`
}

// ErrRailNotConfigured is returned when no rail is registered for a bank code.
var ErrRailNotConfigured = errors.New("no rail configured for bank")

// GatewayError wraps a failure reported by, or while talking to, a bank.
type GatewayError struct {
	BankCode   string
	Operation  string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rail %s %s failed with status %d: %v", e.BankCode, e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("rail %s %s failed: %v", e.BankCode, e.Operation, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewChargeRequest builds the charge for an inbound transaction.
func NewChargeRequest(txn *model.Transaction) ChargeRequest {
	req := ChargeRequest{
		TransactionID:     txn.TransactionID,
		ExternalReference: txn.ExternalReference,
		AccountID:         txn.AccountID,
		Type:              txn.Type,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		Description:       txn.Description,
	}
	if it := txn.Details.InstantTransfer; it != nil && it.QR != nil {
		req.DynamicQR = it.QR.Dynamic
		req.ExpiresAt = it.QR.ExpiresAt
	}
	if bp := txn.Details.BillPayment; bp != nil {
		due := bp.DueDate
		req.DueDate = &due
		req.PayerTaxID = bp.PayerTaxID
		req.PayerName = bp.PayerName
		req.Instructions = bp.Instructions
	}
	return req
}

// NewPaymentRequest builds the instant payment for an outbound transfer.
func NewPaymentRequest(txn *model.Transaction) PaymentRequest {
	req := PaymentRequest{
		TransactionID:     txn.TransactionID,
		ExternalReference: txn.ExternalReference,
		AccountID:         txn.AccountID,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		Description:       txn.Description,
	}
	if it := txn.Details.InstantTransfer; it != nil {
		req.TargetKey = it.TargetKey
		req.TargetName = it.TargetName
		req.TargetDocument = it.TargetDocument
	}
	return req
}

// NewTransferRequest builds a wire or crypto transfer.
func NewTransferRequest(txn *model.Transaction) TransferRequest {
	return TransferRequest{
		TransactionID:     txn.TransactionID,
		ExternalReference: txn.ExternalReference,
		AccountID:         txn.AccountID,
		Amount:            txn.Amount,
		Currency:          txn.Currency,
		Wire:              txn.Details.WireTransfer,
		Crypto:            txn.Details.Crypto,
	}
}
