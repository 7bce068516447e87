package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"

	"github.com/blnkfinance/settle/model"
)

func validTransaction() CreateTransaction {
	return CreateTransaction{
		ExternalID: "order-1",
		Type:       string(model.TypeInstantTransfer),
		Amount:     decimal.NewFromInt(250),
		Currency:   "BRL",
		Details: model.TransactionDetails{
			InstantTransfer: &model.InstantTransferDetails{TargetKey: "joao@example.com"},
		},
	}
}

func TestValidateCreateTransaction(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateTransaction)
		wantErr string
	}{
		{
			name:   "Valid instant transfer",
			mutate: func(*CreateTransaction) {},
		},
		{
			name:    "Missing external id",
			mutate:  func(c *CreateTransaction) { c.ExternalID = "" },
			wantErr: "external_id",
		},
		{
			name:    "Unknown type",
			mutate:  func(c *CreateTransaction) { c.Type = "CHEQUE" },
			wantErr: "type",
		},
		{
			name:    "Zero amount",
			mutate:  func(c *CreateTransaction) { c.Amount = decimal.Zero },
			wantErr: "amount",
		},
		{
			name:    "Lower case currency",
			mutate:  func(c *CreateTransaction) { c.Currency = "brl" },
			wantErr: "currency",
		},
		{
			name: "Details for another type",
			mutate: func(c *CreateTransaction) {
				c.Details = model.TransactionDetails{Crypto: &model.CryptoDetails{CryptoType: "USDT", WalletAddress: "0xabc"}}
			},
			wantErr: "details do not match",
		},
		{
			name: "Two details members",
			mutate: func(c *CreateTransaction) {
				c.Details.Crypto = &model.CryptoDetails{CryptoType: "USDT", WalletAddress: "0xabc"}
			},
			wantErr: "exactly one details member",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := validTransaction()
			tt.mutate(&txn)
			err := txn.ValidateCreateTransaction()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToNewTransaction(t *testing.T) {
	txn := validTransaction()
	txn.BankCode = "001"
	req := txn.ToNewTransaction("client_1")
	assert.Equal(t, "client_1", req.ClientID)
	assert.Equal(t, model.TypeInstantTransfer, req.Type)
	assert.Equal(t, "001", req.BankCode)
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, "joao@example.com", req.Details.InstantTransfer.TargetKey)
}

func TestValidateCreateConfirmation(t *testing.T) {
	c := CreateConfirmation{ExternalReference: "E123", Amount: decimal.NewFromInt(10), ConfirmedAt: "2024-04-22T15:28:03+00:00"}
	require.NoError(t, c.ValidateCreateConfirmation())
	assert.Equal(t, 2024, c.ToConfirmation().ConfirmedAt.Year())

	c.ConfirmedAt = "22/04/2024"
	assert.Error(t, c.ValidateCreateConfirmation())

	c.ConfirmedAt = ""
	require.NoError(t, c.ValidateCreateConfirmation())
	assert.True(t, c.ToConfirmation().ConfirmedAt.IsZero())

	c.Amount = decimal.NewFromInt(-1)
	assert.Error(t, c.ValidateCreateConfirmation())
}

func TestValidateCreateAccount(t *testing.T) {
	a := CreateAccount{ClientID: "client_1", BankCode: "001", Currency: "BRL"}
	require.NoError(t, a.ValidateCreateAccount())

	account := a.ToAccount()
	assert.Equal(t, "client_1", account.ClientID)
	assert.Equal(t, "001", account.BankCode)

	a.BankCode = "bank"
	assert.Error(t, a.ValidateCreateAccount())
}

func TestPutRouting(t *testing.T) {
	p := PutRouting{Entries: []RoutingEntry{
		{AccountID: "acc_a", Percentage: decimal.NewFromInt(70)},
		{AccountID: "acc_b", Percentage: decimal.NewFromInt(30), Active: ptr.Bool(false)},
	}}
	require.NoError(t, p.ValidatePutRouting())

	entries := p.ToEntries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Active)
	assert.False(t, entries[1].Active)

	p.Entries[0].Percentage = decimal.NewFromInt(120)
	assert.Error(t, p.ValidatePutRouting())

	p.Entries = nil
	assert.Error(t, p.ValidatePutRouting())
}

func TestValidateWebhooks(t *testing.T) {
	w := CreateWebhook{URL: "https://hooks.example.com/settle", Events: []string{"transaction.confirmed"}}
	require.NoError(t, w.ValidateCreateWebhook())
	assert.Equal(t, "client_1", w.ToSubscription("client_1").ClientID)

	w.URL = "ftp://hooks.example.com"
	assert.Error(t, w.ValidateCreateWebhook())

	w.URL = "https://hooks.example.com/settle"
	w.Events = []string{""}
	assert.Error(t, w.ValidateCreateWebhook())

	u := UpdateWebhook{Active: ptr.Bool(false)}
	require.NoError(t, u.ValidateUpdateWebhook())
	assert.False(t, *u.ToUpdate().Active)

	u.URL = ptr.String("not a url")
	assert.Error(t, u.ValidateUpdateWebhook())
}
