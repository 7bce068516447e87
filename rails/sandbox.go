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

package rails

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SandboxRail is a deterministic in-memory bank for development and tests.
// Every call is acknowledged unless FailWith is set.
type SandboxRail struct {
	mu       sync.Mutex
	bankCode string
	calls    []string
	lines    map[string][]StatementLine
	refs     map[string]QueryResult

	// FailWith, when set, is returned wrapped in a GatewayError by every
	// call that moves money.
	FailWith error
}

func NewSandboxRail(bankCode string) *SandboxRail {
	return &SandboxRail{
		bankCode: bankCode,
		lines:    make(map[string][]StatementLine),
		refs:     make(map[string]QueryResult),
	}
}

// Calls returns the operations received so far, in order.
func (s *SandboxRail) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *SandboxRail) record(op, ref string) error {
	s.calls = append(s.calls, op+":"+ref)
	if s.FailWith != nil {
		return &GatewayError{BankCode: s.bankCode, Operation: op, Err: s.FailWith}
	}
	return nil
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *SandboxRail) CreateCharge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("create_charge", req.ExternalReference); err != nil {
		return ChargeResult{}, err
	}

	sum := digest(s.bankCode, req.ExternalReference, req.Amount.String())
	res := ChargeResult{ExternalReference: req.ExternalReference}
	if req.DueDate != nil {
		res.Barcode = fmt.Sprintf("%s%s", s.bankCode, sum[:44])
		res.URL = fmt.Sprintf("https://sandbox.settle.local/bills/%s", req.ExternalReference)
	} else {
		res.QRPayload = "00020126" + sum[:32]
	}
	s.refs[req.ExternalReference] = QueryResult{ExternalReference: req.ExternalReference, Status: "PENDING", Amount: req.Amount}
	return res, nil
}

func (s *SandboxRail) Pay(_ context.Context, req PaymentRequest) (PaymentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("pay", req.ExternalReference); err != nil {
		return PaymentResult{}, err
	}
	s.book(req.AccountID, req.ExternalReference, req.Amount, "DEBIT", req.Description)
	return PaymentResult{ExternalReference: req.ExternalReference, Status: "PROCESSING"}, nil
}

func (s *SandboxRail) Transfer(_ context.Context, req TransferRequest) (TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("transfer", req.ExternalReference); err != nil {
		return TransferResult{}, err
	}
	s.book(req.AccountID, req.ExternalReference, req.Amount, "DEBIT", "")
	res := TransferResult{ExternalReference: req.ExternalReference, Status: "PROCESSING"}
	if req.Crypto != nil {
		res.TxHash = "0x" + digest(req.Crypto.WalletAddress, req.ExternalReference)
	}
	return res, nil
}

func (s *SandboxRail) book(accountID, ref string, amount decimal.Decimal, direction, description string) {
	s.lines[accountID] = append(s.lines[accountID], StatementLine{
		ExternalReference: ref,
		Amount:            amount,
		Direction:         direction,
		Description:       description,
		BookedAt:          time.Now().UTC(),
	})
	s.refs[ref] = QueryResult{ExternalReference: ref, Status: "PROCESSING", Amount: amount}
}

func (s *SandboxRail) Query(_ context.Context, externalReference string) (QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.refs[externalReference]
	if !ok {
		return QueryResult{}, &GatewayError{BankCode: s.bankCode, Operation: "query", StatusCode: 404, Err: fmt.Errorf("reference %s not found", externalReference)}
	}
	return res, nil
}

func (s *SandboxRail) GetBalance(_ context.Context, accountID string) (RailBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, l := range s.lines[accountID] {
		if l.Direction == "CREDIT" {
			total = total.Add(l.Amount)
		} else {
			total = total.Sub(l.Amount)
		}
	}
	return RailBalance{AccountID: accountID, Available: total}, nil
}

func (s *SandboxRail) GetStatement(_ context.Context, accountID string, start, end time.Time) ([]StatementLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StatementLine
	for _, l := range s.lines[accountID] {
		if l.BookedAt.Before(start) || l.BookedAt.After(end) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookedAt.After(out[j].BookedAt) })
	return out, nil
}
