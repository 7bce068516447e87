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
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type RoutingEntry struct {
	AccountID  string          `json:"account_id"`
	BankCode   string          `json:"bank_code"`
	Percentage decimal.Decimal `json:"percentage"`
	Active     bool            `json:"active"`
}

// RoutingConfiguration holds a client's percentage split across accounts.
// Valid only reflects whether the active percentages sum to exactly 100.
// Other problems are reported as warnings and never disable the split.
type RoutingConfiguration struct {
	ClientID        string          `json:"client_id"`
	Entries         []RoutingEntry  `json:"entries"`
	TotalPercentage decimal.Decimal `json:"total_percentage"`
	Valid           bool            `json:"valid"`
	Warnings        []string        `json:"warnings,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Evaluate recomputes the active total and validity and returns the warnings.
// Inactive entries only count towards the warnings.
func (c *RoutingConfiguration) Evaluate() []string {
	var warnings []string
	total := decimal.Zero
	seen := make(map[string]bool, len(c.Entries))

	for _, e := range c.Entries {
		if e.AccountID == "" {
			warnings = append(warnings, "entry without account_id")
			continue
		}
		if seen[e.AccountID] {
			warnings = append(warnings, fmt.Sprintf("account %s appears more than once", e.AccountID))
		}
		seen[e.AccountID] = true

		if e.Percentage.IsNegative() || e.Percentage.GreaterThan(hundred) {
			warnings = append(warnings, fmt.Sprintf("percentage for account %s must be between 0 and 100", e.AccountID))
		}
		if !e.Active {
			continue
		}
		if e.Percentage.IsZero() {
			warnings = append(warnings, fmt.Sprintf("active account %s has no weight", e.AccountID))
		}
		total = total.Add(e.Percentage)
	}

	c.TotalPercentage = total
	c.Valid = total.Equal(hundred)
	if !c.Valid {
		warnings = append(warnings, fmt.Sprintf("active percentages sum to %s, expected 100", total.String()))
	}
	c.Warnings = warnings
	return warnings
}

// Status mirrors the label operators see for a stored configuration.
func (c *RoutingConfiguration) Status() string {
	if c.Valid && len(c.Warnings) == 0 {
		return "CONFIGURED"
	}
	return "CONFIGURED_WITH_WARNING"
}
