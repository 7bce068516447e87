package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	model2 "github.com/blnkfinance/settle/api/model"
	"github.com/blnkfinance/settle/model"
)

type confirmationResponse struct {
	Outcome     model.ConfirmationOutcome `json:"outcome"`
	Transaction *model.Transaction        `json:"transaction"`
}

// CreateConfirmation accepts a settlement notice pushed by a bank connection.
// Repeated notices for the same reference are answered with ALREADY_CONFIRMED.
func (a Api) CreateConfirmation(c *gin.Context) {
	var req model2.CreateConfirmation
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "invalid confirmation payload", err.Error())
		return
	}
	if err := req.ValidateCreateConfirmation(); err != nil {
		invalidInput(c, "invalid confirmation payload", err)
		return
	}

	txn, outcome, err := a.settle.HandleConfirmation(c.Request.Context(), req.ToConfirmation())
	if err != nil {
		logrus.WithError(err).WithField("external_reference", req.ExternalReference).Error("confirmation rejected")
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, confirmationResponse{Outcome: outcome, Transaction: txn})
}

// ListUnmatched returns provisional records still waiting in suspense.
func (a Api) ListUnmatched(c *gin.Context) {
	page, pageSize := pageParams(c)
	txns, total, err := a.settle.ListUnreconciled(c.Request.Context(), page, pageSize)
	if err != nil {
		respondWithError(c, err)
		return
	}

	page, pageSize = model.Pagination(page, pageSize)
	c.JSON(http.StatusOK, pagedResponse{Data: txns, Page: page, PageSize: pageSize, TotalCount: total})
}

func (a Api) SuggestMatches(c *gin.Context) {
	suggestions, err := a.settle.SuggestMatches(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, suggestions)
}

// ResolveSuspense moves a suspense credit to the account named in the body.
func (a Api) ResolveSuspense(c *gin.Context) {
	var req model2.ResolveSuspense
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "invalid resolve payload", err.Error())
		return
	}
	if err := req.ValidateResolveSuspense(); err != nil {
		invalidInput(c, "invalid resolve payload", err)
		return
	}

	txn, err := a.settle.ResolveSuspense(c.Request.Context(), c.Param("id"), req.TargetAccountID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, txn)
}
