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
	"encoding/json"
	"fmt"
	"time"
)

type EventKind string

const (
	EventInstantTransferInitiated EventKind = "instant_transfer.initiated"
	EventWireTransferInitiated    EventKind = "wire_transfer.initiated"
	EventBillPaymentInitiated     EventKind = "bill_payment.initiated"
	EventCryptoInitiated          EventKind = "crypto.initiated"
	EventStatusChanged            EventKind = "transaction.status_changed"
)

// InitiatedKind returns the initiated event kind for a transaction type.
func InitiatedKind(t TransactionType) EventKind {
	switch t {
	case TypeWireTransfer:
		return EventWireTransferInitiated
	case TypeBillPayment:
		return EventBillPaymentInitiated
	case TypeCrypto:
		return EventCryptoInitiated
	default:
		return EventInstantTransferInitiated
	}
}

// IsInitiated reports whether the kind opens a transaction stream.
func (k EventKind) IsInitiated() bool {
	switch k {
	case EventInstantTransferInitiated, EventWireTransferInitiated, EventBillPaymentInitiated, EventCryptoInitiated:
		return true
	}
	return false
}

// Initiated carries the immutable creation snapshot of a transaction.
type Initiated struct {
	Transaction Transaction `json:"transaction"`
}

// DetailsPatch holds rail-assigned values recorded on a status change.
type DetailsPatch struct {
	Barcode   string `json:"barcode,omitempty"`
	URL       string `json:"url,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	QRPayload string `json:"qr_payload,omitempty"`
}

type StatusChanged struct {
	OldStatus         Status        `json:"old_status"`
	NewStatus         Status        `json:"new_status"`
	Message           string        `json:"message,omitempty"`
	ExternalReference string        `json:"external_reference,omitempty"`
	Patch             *DetailsPatch `json:"patch,omitempty"`
}

// TransactionEvent is one entry of a transaction's append-only stream.
// Exactly one of Initiated or StatusChanged is set, matching Kind.
type TransactionEvent struct {
	EventID       string         `json:"event_id"`
	TransactionID string         `json:"transaction_id"`
	Sequence      int64          `json:"sequence"`
	Kind          EventKind      `json:"kind"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Initiated     *Initiated     `json:"initiated,omitempty"`
	StatusChanged *StatusChanged `json:"status_changed,omitempty"`
}

// Data returns the JSON encoding of the event's variant body.
func (e TransactionEvent) Data() (json.RawMessage, error) {
	if e.Initiated != nil {
		return json.Marshal(e.Initiated)
	}
	return json.Marshal(e.StatusChanged)
}

// TransactionSnapshot stores the folded state of a stream up to Version.
type TransactionSnapshot struct {
	TransactionID string      `json:"transaction_id"`
	Version       int64       `json:"version"`
	State         Transaction `json:"state"`
	TakenAt       time.Time   `json:"taken_at"`
}

// NewInitiatedEvent builds the first event of a transaction stream.
func NewInitiatedEvent(txn Transaction, at time.Time) TransactionEvent {
	txn.Version = 1
	return TransactionEvent{
		EventID:       GenerateUUIDWithSuffix("evt"),
		TransactionID: txn.TransactionID,
		Sequence:      1,
		Kind:          InitiatedKind(txn.Type),
		OccurredAt:    at,
		Initiated:     &Initiated{Transaction: txn},
	}
}

// NewStatusChangedEvent builds the next event of a stream for a status change,
// rejecting transitions the state machine does not allow.
func NewStatusChangedEvent(current Transaction, to Status, message string, patch *DetailsPatch, at time.Time) (TransactionEvent, error) {
	if err := current.CanTransition(to); err != nil {
		return TransactionEvent{}, err
	}
	return TransactionEvent{
		EventID:       GenerateUUIDWithSuffix("evt"),
		TransactionID: current.TransactionID,
		Sequence:      current.Version + 1,
		Kind:          EventStatusChanged,
		OccurredAt:    at,
		StatusChanged: &StatusChanged{
			OldStatus:         current.Status,
			NewStatus:         to,
			Message:           message,
			ExternalReference: current.ExternalReference,
			Patch:             patch,
		},
	}, nil
}

// ApplyEvent folds one event into state and returns the new state.
// state is nil only for the first event of a stream. ApplyEvent has no side effects.
func ApplyEvent(state *Transaction, ev TransactionEvent) (Transaction, error) {
	if ev.Kind.IsInitiated() {
		if state != nil {
			return Transaction{}, fmt.Errorf("%w: stream %s already initiated", ErrEventOutOfOrder, ev.TransactionID)
		}
		if ev.Initiated == nil || ev.Sequence != 1 {
			return Transaction{}, fmt.Errorf("%w: malformed initiated event for %s", ErrEventOutOfOrder, ev.TransactionID)
		}
		next := cloneTransaction(ev.Initiated.Transaction)
		next.Version = ev.Sequence
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = ev.OccurredAt
		}
		return next, nil
	}

	if ev.Kind != EventStatusChanged || ev.StatusChanged == nil {
		return Transaction{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if state == nil {
		return Transaction{}, fmt.Errorf("%w: status change before initiation for %s", ErrEventOutOfOrder, ev.TransactionID)
	}
	if ev.Sequence != state.Version+1 {
		return Transaction{}, fmt.Errorf("%w: expected sequence %d, got %d", ErrEventOutOfOrder, state.Version+1, ev.Sequence)
	}

	next := cloneTransaction(*state)
	change := ev.StatusChanged
	if err := next.CanTransition(change.NewStatus); err != nil {
		return Transaction{}, err
	}
	next.Status = change.NewStatus
	next.Message = change.Message
	if change.ExternalReference != "" {
		next.ExternalReference = change.ExternalReference
	}
	applyPatch(&next, change.Patch)
	next.Version = ev.Sequence
	next.UpdatedAt = ev.OccurredAt
	if change.NewStatus == StatusConfirmed {
		confirmedAt := ev.OccurredAt
		next.ConfirmedAt = &confirmedAt
	}
	return next, nil
}

// Replay rebuilds a transaction from an optional snapshot plus the events
// recorded after it. Events already covered by the snapshot are skipped.
func Replay(snapshot *TransactionSnapshot, events []TransactionEvent) (Transaction, error) {
	var state *Transaction
	if snapshot != nil {
		s := cloneTransaction(snapshot.State)
		s.Version = snapshot.Version
		state = &s
	}
	for _, ev := range events {
		if state != nil && ev.Sequence <= state.Version {
			continue
		}
		next, err := ApplyEvent(state, ev)
		if err != nil {
			return Transaction{}, err
		}
		state = &next
	}
	if state == nil {
		return Transaction{}, fmt.Errorf("no events to replay")
	}
	return *state, nil
}

func applyPatch(txn *Transaction, patch *DetailsPatch) {
	if patch == nil {
		return
	}
	d := txn.Details
	if d.BillPayment != nil {
		if patch.Barcode != "" {
			d.BillPayment.Barcode = patch.Barcode
		}
		if patch.URL != "" {
			d.BillPayment.URL = patch.URL
		}
	}
	if d.Crypto != nil && patch.TxHash != "" {
		d.Crypto.TxHash = patch.TxHash
	}
	if d.InstantTransfer != nil && d.InstantTransfer.QR != nil && patch.QRPayload != "" {
		d.InstantTransfer.QR.Payload = patch.QRPayload
	}
}

// cloneTransaction copies the detail pointers so folding never mutates a
// previously returned state.
func cloneTransaction(t Transaction) Transaction {
	if t.Details.InstantTransfer != nil {
		it := *t.Details.InstantTransfer
		if it.QR != nil {
			qr := *it.QR
			it.QR = &qr
		}
		t.Details.InstantTransfer = &it
	}
	if t.Details.WireTransfer != nil {
		w := *t.Details.WireTransfer
		t.Details.WireTransfer = &w
	}
	if t.Details.BillPayment != nil {
		b := *t.Details.BillPayment
		t.Details.BillPayment = &b
	}
	if t.Details.Crypto != nil {
		c := *t.Details.Crypto
		t.Details.Crypto = &c
	}
	if t.ConfirmedAt != nil {
		ca := *t.ConfirmedAt
		t.ConfirmedAt = &ca
	}
	return t
}
