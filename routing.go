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

package settle

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

const (
	ReasonWeightedSelection = "weighted selection"
	ReasonDefaultSelection  = "default selection"
)

// SelectAccount picks the account a new transaction of clientID is booked on.
//
// Parameters:
// - ctx context.Context: The request context.
// - clientID string: The client the transaction belongs to.
// - bankCode string: Optional bank filter; empty means any bank.
//
// Returns:
// - *model.Account: The selected account.
// - string: Either ReasonWeightedSelection or ReasonDefaultSelection.
// - error: ROUTING_UNAVAILABLE when the client has no active account.
func (s *Settle) SelectAccount(ctx context.Context, clientID, bankCode string) (*model.Account, string, error) {
	return s.selectAccountFor(ctx, clientID, bankCode, "")
}

func (s *Settle) selectAccountFor(ctx context.Context, clientID, bankCode, currency string) (*model.Account, string, error) {
	ctx, span := tracer.Start(ctx, "SelectAccount")
	defer span.End()

	accounts, err := s.datasource.ListActiveAccounts(ctx, clientID, bankCode)
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}

	candidates := make([]model.Account, 0, len(accounts))
	for _, acc := range accounts {
		if acc.Suspense {
			continue
		}
		if currency != "" && acc.Currency != currency {
			continue
		}
		candidates = append(candidates, acc)
	}
	if len(candidates) == 0 {
		return nil, "", apierror.NewAPIError(apierror.ErrRoutingUnavailable,
			fmt.Sprintf("No active account available for client '%s'", clientID), nil)
	}

	cfg, err := s.GetRoutingConfiguration(ctx, clientID)
	if err != nil && !apierror.Is(err, apierror.ErrNotFound) {
		span.RecordError(err)
		return nil, "", err
	}

	selected, reason := selectAccount(candidates, cfg, s.draw())
	logrus.WithFields(logrus.Fields{
		"client_id":  clientID,
		"account_id": selected.AccountID,
		"reason":     reason,
	}).Debug("routed transaction")
	return &selected, reason, nil
}

// selectAccount applies the weighted split of cfg to candidates. draw is a
// uniform value in [0, 1). Candidates are ordered by account id first, so
// the same inputs always give the same answer.
func selectAccount(candidates []model.Account, cfg *model.RoutingConfiguration, draw float64) (model.Account, string) {
	sorted := make([]model.Account, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AccountID < sorted[j].AccountID })
	fallback := sorted[0]

	if cfg == nil {
		return fallback, ReasonDefaultSelection
	}
	evaluated := *cfg
	evaluated.Evaluate()
	if !evaluated.Valid {
		return fallback, ReasonDefaultSelection
	}

	byID := make(map[string]model.Account, len(sorted))
	for _, acc := range sorted {
		byID[acc.AccountID] = acc
	}

	eligible := make([]model.RoutingEntry, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		if !e.Active || !e.Percentage.IsPositive() {
			continue
		}
		if _, ok := byID[e.AccountID]; !ok {
			continue
		}
		eligible = append(eligible, e)
	}
	if len(eligible) == 0 {
		return fallback, ReasonDefaultSelection
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].AccountID < eligible[j].AccountID })

	point := decimal.NewFromFloat(draw).Mul(decimal.NewFromInt(100))
	lower := decimal.Zero
	for _, e := range eligible {
		upper := lower.Add(e.Percentage)
		if point.GreaterThanOrEqual(lower) && point.LessThan(upper) {
			return byID[e.AccountID], ReasonWeightedSelection
		}
		lower = upper
	}
	return fallback, ReasonDefaultSelection
}

// GetRoutingConfiguration returns the routing configuration of a client.
// NOT_FOUND means the client never stored one.
func (s *Settle) GetRoutingConfiguration(ctx context.Context, clientID string) (*model.RoutingConfiguration, error) {
	return s.datasource.GetRoutingConfiguration(ctx, clientID)
}

// PutRoutingConfiguration replaces the routing configuration of a client.
// The configuration is stored even when its active percentages do not sum to
// 100; selection then falls back to the default account until it is fixed.
// Unknown or foreign accounts are only warned about, since their share is
// never routed.
//
// Parameters:
// - ctx context.Context: The request context.
// - clientID string: The client that owns the configuration.
// - entries []model.RoutingEntry: The new weighted entries.
//
// Returns:
// - *model.RoutingConfiguration: The stored configuration with its evaluation.
// - []string: Validation warnings, empty when the configuration is valid.
// - error: An error if the configuration could not be stored.
func (s *Settle) PutRoutingConfiguration(ctx context.Context, clientID string, entries []model.RoutingEntry) (*model.RoutingConfiguration, []string, error) {
	ctx, span := tracer.Start(ctx, "PutRoutingConfiguration")
	defer span.End()

	cfg := &model.RoutingConfiguration{
		ClientID:  clientID,
		Entries:   entries,
		UpdatedAt: s.now(),
	}
	warnings := cfg.Evaluate()

	for i, e := range cfg.Entries {
		if e.AccountID == "" {
			continue
		}
		acc, err := s.datasource.GetAccount(ctx, e.AccountID)
		if err != nil {
			if !apierror.Is(err, apierror.ErrNotFound) {
				return nil, nil, err
			}
			warnings = append(warnings, fmt.Sprintf("account %s does not exist", e.AccountID))
			continue
		}
		if acc.ClientID != clientID {
			warnings = append(warnings, fmt.Sprintf("account %s does not belong to client %s", e.AccountID, clientID))
			continue
		}
		if cfg.Entries[i].BankCode == "" {
			cfg.Entries[i].BankCode = acc.BankCode
		}
	}
	cfg.Warnings = warnings

	if err := s.datasource.UpsertRoutingConfiguration(ctx, cfg); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	logrus.WithFields(logrus.Fields{
		"client_id": clientID,
		"status":    cfg.Status(),
		"total":     cfg.TotalPercentage.String(),
	}).Info("routing configuration updated")
	return cfg, warnings, nil
}
