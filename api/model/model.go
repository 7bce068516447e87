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
	"errors"
	"net/url"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/model"
)

var (
	currencyCode = regexp.MustCompile(`^[A-Z]{3,4}$`)
	bankCode     = regexp.MustCompile(`^[0-9]{3,8}$`)
)

var transactionTypes = []interface{}{
	string(model.TypeInstantTransfer),
	string(model.TypeWireTransfer),
	string(model.TypeBillPayment),
	string(model.TypeCrypto),
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok || !amount.IsPositive() {
		return model.ErrInvalidAmount
	}
	return nil
}

func validateDateFormat(format, value string) error {
	_, err := time.Parse(format, value)
	if err != nil {
		return errors.New("please format the date as 'YYYY-MM-DDTHH:MM:SS+00:00' (e.g., 2024-04-22T15:28:03+00:00)")
	}
	return nil
}

func absoluteURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		if p, isPtr := value.(*string); isPtr && p != nil {
			raw = *p
		}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http or https URL")
	}
	return nil
}

// detailsMatchType requires the details member that belongs to the
// transaction type and nothing else.
func detailsMatchType(t *CreateTransaction) validation.RuleFunc {
	return func(value interface{}) error {
		d := t.Details
		set := 0
		for _, present := range []bool{d.InstantTransfer != nil, d.WireTransfer != nil, d.BillPayment != nil, d.Crypto != nil} {
			if present {
				set++
			}
		}
		if set != 1 {
			return errors.New("exactly one details member is required")
		}

		var ok bool
		switch model.TransactionType(t.Type) {
		case model.TypeInstantTransfer:
			ok = d.InstantTransfer != nil
		case model.TypeWireTransfer:
			ok = d.WireTransfer != nil
		case model.TypeBillPayment:
			ok = d.BillPayment != nil
		case model.TypeCrypto:
			ok = d.Crypto != nil
		}
		if !ok {
			return errors.New("details do not match the transaction type")
		}
		return nil
	}
}

func (t *CreateTransaction) ValidateCreateTransaction() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.ExternalID, validation.Required, validation.Length(1, 128)),
		validation.Field(&t.Type, validation.Required, validation.In(transactionTypes...)),
		validation.Field(&t.Amount, validation.By(positiveAmount)),
		validation.Field(&t.Currency, validation.Required, validation.Match(currencyCode).Error("currency must be an upper case ISO code")),
		validation.Field(&t.Details, validation.By(detailsMatchType(t))),
	)
}

func (c *CreateConfirmation) ValidateCreateConfirmation() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ExternalReference, validation.Required),
		validation.Field(&c.Amount, validation.By(positiveAmount)),
		validation.Field(&c.ConfirmedAt, validation.When(c.ConfirmedAt != "", validation.By(func(value interface{}) error {
			dateStr, ok := value.(string)
			if !ok {
				return errors.New("invalid type for confirmed date")
			}
			return validateDateFormat(time.RFC3339, dateStr)
		}))),
	)
}

func (r *ResolveSuspense) ValidateResolveSuspense() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.TargetAccountID, validation.Required),
	)
}

func (a *CreateAccount) ValidateCreateAccount() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.ClientID, validation.Required),
		validation.Field(&a.BankCode, validation.Required, validation.Match(bankCode).Error("bank_code must be numeric")),
		validation.Field(&a.Currency, validation.Required, validation.Match(currencyCode).Error("currency must be an upper case ISO code")),
	)
}

func (f *FundsOperation) ValidateFundsOperation() error {
	return validation.ValidateStruct(f,
		validation.Field(&f.Amount, validation.By(positiveAmount)),
		validation.Field(&f.Reason, validation.Required),
	)
}

func (e RoutingEntry) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.AccountID, validation.Required),
		validation.Field(&e.Percentage, validation.By(func(value interface{}) error {
			p, _ := value.(decimal.Decimal)
			if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100)) {
				return errors.New("percentage must be between 0 and 100")
			}
			return nil
		})),
	)
}

func (p *PutRouting) ValidatePutRouting() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Entries, validation.Required),
	)
}

func (w *CreateWebhook) ValidateCreateWebhook() error {
	return validation.ValidateStruct(w,
		validation.Field(&w.URL, validation.Required, validation.By(absoluteURL)),
		validation.Field(&w.Events, validation.Required, validation.Each(validation.Required)),
	)
}

func (w *UpdateWebhook) ValidateUpdateWebhook() error {
	return validation.ValidateStruct(w,
		validation.Field(&w.URL, validation.When(w.URL != nil, validation.By(absoluteURL))),
		validation.Field(&w.Events, validation.When(w.Events != nil, validation.Required, validation.Each(validation.Required))),
	)
}

func (t *CreateTransaction) ToNewTransaction(clientID string) settle.NewTransaction {
	return settle.NewTransaction{
		ExternalID:  t.ExternalID,
		ClientID:    clientID,
		Type:        model.TransactionType(t.Type),
		Amount:      t.Amount,
		Currency:    t.Currency,
		BankCode:    t.BankCode,
		Description: t.Description,
		Details:     t.Details,
	}
}

func (c *CreateConfirmation) ToConfirmation() model.SettlementConfirmation {
	var confirmedAt time.Time
	if c.ConfirmedAt != "" {
		parsed, err := time.Parse(time.RFC3339, c.ConfirmedAt)
		if err != nil {
			logrus.Error(err)
		}
		confirmedAt = parsed
	}

	return model.SettlementConfirmation{
		ExternalReference:    c.ExternalReference,
		Amount:               c.Amount,
		Currency:             c.Currency,
		CounterpartyName:     c.CounterpartyName,
		CounterpartyDocument: c.CounterpartyDocument,
		BankCode:             c.BankCode,
		ConfirmedAt:          confirmedAt,
	}
}

func (a *CreateAccount) ToAccount() *model.Account {
	return &model.Account{ClientID: a.ClientID, BankCode: a.BankCode, Name: a.Name, Currency: a.Currency, AllowOverdraft: a.AllowOverdraft, MetaData: a.MetaData}
}

// ToEntries converts the request entries. Entries without an active flag
// are active.
func (p *PutRouting) ToEntries() []model.RoutingEntry {
	entries := make([]model.RoutingEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		entries = append(entries, model.RoutingEntry{AccountID: e.AccountID, Percentage: e.Percentage, Active: active})
	}
	return entries
}

func (w *CreateWebhook) ToSubscription(clientID string) *model.WebhookSubscription {
	return &model.WebhookSubscription{ClientID: clientID, URL: w.URL, Events: w.Events, Secret: w.Secret, Description: w.Description}
}

func (w *UpdateWebhook) ToUpdate() settle.SubscriptionUpdate {
	return settle.SubscriptionUpdate{URL: w.URL, Events: w.Events, Secret: w.Secret, Description: w.Description, Active: w.Active}
}
