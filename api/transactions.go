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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	model2 "github.com/blnkfinance/settle/api/model"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/model"
)

// CreateTransaction records a transaction for the calling client.
//
// Responses:
// - 201 Created: A new transaction was recorded.
// - 200 OK: The (type, external_id) pair was seen before; the original is returned.
// - 400 Bad Request: The payload is invalid.
// - 422 Unprocessable Entity: No account can serve the client, or an outbound
//   payment was rejected for insufficient funds. The FAILED transaction id is
//   returned in details; replaying the request returns it with 200.
func (a Api) CreateTransaction(c *gin.Context) {
	clientID, ok := requireClientID(c)
	if !ok {
		return
	}

	var req model2.CreateTransaction
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "invalid transaction payload", err.Error())
		return
	}
	if err := req.ValidateCreateTransaction(); err != nil {
		invalidInput(c, "invalid transaction payload", err)
		return
	}

	txn, replayed, err := a.settle.CreateTransaction(c.Request.Context(), req.ToNewTransaction(clientID))
	if err != nil {
		if txn != nil && apierror.Is(err, apierror.ErrInsufficientFunds) {
			respondWithError(c, apierror.NewAPIError(apierror.ErrInsufficientFunds, apierror.MessageOf(err), map[string]interface{}{
				"transaction_id": txn.TransactionID,
				"status":         txn.Status,
			}))
			return
		}
		respondWithError(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, txn)
}

func (a Api) GetTransaction(c *gin.Context) {
	id := c.Param("id")
	txn, err := a.settle.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if !visibleTo(c, txn.ClientID) {
		notFound(c, "Transaction", id)
		return
	}

	c.JSON(http.StatusOK, txn)
}

func (a Api) ListTransactions(c *gin.Context) {
	clientID, ok := requireClientID(c)
	if !ok {
		return
	}
	page, pageSize := pageParams(c)
	status := model.Status(c.Query("status"))

	txns, total, err := a.settle.ListTransactions(c.Request.Context(), clientID, status, page, pageSize)
	if err != nil {
		respondWithError(c, err)
		return
	}

	page, pageSize = model.Pagination(page, pageSize)
	c.JSON(http.StatusOK, pagedResponse{Data: txns, Page: page, PageSize: pageSize, TotalCount: total})
}

// GetTransactionEvents returns the transaction's event stream in version order.
func (a Api) GetTransactionEvents(c *gin.Context) {
	id := c.Param("id")
	txn, err := a.settle.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if !visibleTo(c, txn.ClientID) {
		notFound(c, "Transaction", id)
		return
	}

	events, err := a.settle.GetTransactionEvents(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, events)
}

func (a Api) CancelTransaction(c *gin.Context) {
	id := c.Param("id")
	var req model2.CancelTransaction
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, "invalid cancel payload", err.Error())
			return
		}
	}

	txn, err := a.settle.GetTransaction(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if !visibleTo(c, txn.ClientID) {
		notFound(c, "Transaction", id)
		return
	}

	cancelled, err := a.settle.CancelTransaction(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, cancelled)
}

// RecoverDispatches dispatches transactions stuck in PENDING right away
// instead of waiting for the recovery sweep. older_than is a Go duration
// and defaults to the configured stall threshold.
func (a Api) RecoverDispatches(c *gin.Context) {
	threshold := a.settle.StalledAfter()
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			invalidInput(c, "older_than must be a duration such as 10m", nil)
			return
		}
		threshold = d
	}

	n, err := a.settle.RecoverStalledDispatches(c.Request.Context(), threshold)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": n, "threshold": threshold.String()})
}
