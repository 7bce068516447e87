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

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/blnkfinance/settle"
	model2 "github.com/blnkfinance/settle/api/model"
	"github.com/blnkfinance/settle/model"
)

func (a Api) CreateAccount(c *gin.Context) {
	var newAccount model2.CreateAccount
	if err := c.ShouldBindJSON(&newAccount); err != nil {
		invalidInput(c, "invalid account payload", err.Error())
		return
	}
	if newAccount.ClientID == "" {
		newAccount.ClientID = callerClientID(c)
	}
	if err := newAccount.ValidateCreateAccount(); err != nil {
		invalidInput(c, "invalid account payload", err)
		return
	}

	resp, err := a.settle.CreateAccount(c.Request.Context(), newAccount.ToAccount())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetAccount(c *gin.Context) {
	id := c.Param("id")
	resp, err := a.settle.GetAccount(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if !visibleTo(c, resp.ClientID) {
		notFound(c, "Account", id)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ListAccounts(c *gin.Context) {
	clientID, ok := requireClientID(c)
	if !ok {
		return
	}
	resp, err := a.settle.ListAccounts(c.Request.Context(), clientID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// BlockFunds moves an amount from available to blocked.
func (a Api) BlockFunds(c *gin.Context) {
	a.moveFunds(c, a.settle.Block)
}

// UnblockFunds moves an amount from blocked back to available.
func (a Api) UnblockFunds(c *gin.Context) {
	a.moveFunds(c, a.settle.Unblock)
}

type fundsFunc func(ctx context.Context, accountID string, amount decimal.Decimal, reason, correlationID string) (*settle.LedgerResult, error)

func (a Api) moveFunds(c *gin.Context, op fundsFunc) {
	id := c.Param("id")
	var req model2.FundsOperation
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "invalid funds payload", err.Error())
		return
	}
	if err := req.ValidateFundsOperation(); err != nil {
		invalidInput(c, "invalid funds payload", err)
		return
	}

	account, err := a.settle.GetAccount(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if !visibleTo(c, account.ClientID) {
		notFound(c, "Account", id)
		return
	}

	resp, err := op(c.Request.Context(), id, req.Amount, req.Reason, req.CorrelationID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetBalance returns the caller's balance, for one account when account_id is given.
func (a Api) GetBalance(c *gin.Context) {
	clientID, ok := requireClientID(c)
	if !ok {
		return
	}
	resp, err := a.settle.GetBalance(c.Request.Context(), clientID, c.Query("account_id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetStatement returns one page of ledger entries between start_date and end_date.
// Dates are accepted as YYYY-MM-DD (end_date inclusive) or RFC 3339.
func (a Api) GetStatement(c *gin.Context) {
	clientID, ok := requireClientID(c)
	if !ok {
		return
	}

	start, err := parseStatementDate(c.Query("start_date"), false)
	if err != nil {
		invalidInput(c, "start_date must be YYYY-MM-DD or RFC 3339", nil)
		return
	}
	end, err := parseStatementDate(c.Query("end_date"), true)
	if err != nil {
		invalidInput(c, "end_date must be YYYY-MM-DD or RFC 3339", nil)
		return
	}

	page, pageSize := pageParams(c)
	resp, err := a.settle.GetStatement(c.Request.Context(), model.StatementFilter{
		ClientID:  clientID,
		AccountID: c.Query("account_id"),
		Start:     start,
		End:       end,
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func parseStatementDate(value string, endOfDay bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
