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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/typesense/typesense-go/typesense/api"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/api/middleware"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/internal/apierror"
	"github.com/blnkfinance/settle/internal/search"
)

type Api struct {
	settle *settle.Settle
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/transactions", a.CreateTransaction)
	router.GET("/transactions", a.ListTransactions)
	router.GET("/transactions/:id", a.GetTransaction)
	router.GET("/transactions/:id/events", a.GetTransactionEvents)
	router.POST("/transactions/:id/cancel", a.CancelTransaction)

	router.POST("/accounts", a.CreateAccount)
	router.GET("/accounts", a.ListAccounts)
	router.GET("/accounts/:id", a.GetAccount)
	router.POST("/accounts/:id/block", a.BlockFunds)
	router.POST("/accounts/:id/unblock", a.UnblockFunds)

	router.GET("/balances", a.GetBalance)
	router.GET("/statements", a.GetStatement)

	router.POST("/webhooks", a.CreateWebhook)
	router.GET("/webhooks", a.ListWebhooks)
	router.GET("/webhooks/:id", a.GetWebhook)
	router.PUT("/webhooks/:id", a.UpdateWebhook)
	router.DELETE("/webhooks/:id", a.DeleteWebhook)
	router.POST("/webhooks/:id/test", a.TestWebhook)
	router.GET("/webhooks/:id/deliveries", a.ListWebhookDeliveries)

	router.POST("/search/:collection", a.Search)

	operator := router.Group("/", middleware.RequireOperator())
	operator.POST("/confirmations", a.CreateConfirmation)
	operator.GET("/routing/:client_id", a.GetRouting)
	operator.PUT("/routing/:client_id", a.PutRouting)
	operator.GET("/reconciliation/unmatched", a.ListUnmatched)
	operator.GET("/reconciliation/unmatched/:id/suggestions", a.SuggestMatches)
	operator.POST("/reconciliation/unmatched/:id/resolve", a.ResolveSuspense)
	operator.POST("/recovery/dispatches", a.RecoverDispatches)
	operator.POST("/reindex", a.StartReindex)
	operator.GET("/reindex", a.GetReindexProgress)

	return a.router
}

func NewAPI(s *settle.Settle) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("settle"))
	r.Use(middleware.RateLimitMiddleware(conf))
	r.Use(middleware.NewAuthMiddleware().Authenticate())

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{settle: s, router: r}
}

// respondWithError renders err as an APIError with the status its code maps to.
// Errors without a code are reported as internal errors without their text.
func respondWithError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if !errors.As(err, &apiErr) {
		c.JSON(http.StatusInternalServerError, apierror.APIError{Code: apierror.ErrInternalServer, Message: "internal server error"})
		return
	}

	body := apierror.APIError{Code: apiErr.Code, Message: apiErr.Message}
	if _, ok := apiErr.Details.(json.Marshaler); ok {
		body.Details = apiErr.Details
	} else if _, isErr := apiErr.Details.(error); !isErr {
		body.Details = apiErr.Details
	}
	c.JSON(apierror.MapErrorToHTTPStatus(err), body)
}

func invalidInput(c *gin.Context, message string, details interface{}) {
	respondWithError(c, apierror.NewAPIError(apierror.ErrInvalidInput, message, details))
}

// callerClientID returns the client a request acts for. Operators may name
// the client with the client_id query parameter.
func callerClientID(c *gin.Context) string {
	if middleware.IsOperator(c) {
		if q := c.Query("client_id"); q != "" {
			return q
		}
	}
	return middleware.ClientID(c)
}

// requireClientID writes a 400 and returns false when no client is known.
func requireClientID(c *gin.Context) (string, bool) {
	clientID := callerClientID(c)
	if clientID == "" {
		invalidInput(c, "client_id is required. pass it in the X-Settle-Client header or the client_id query", nil)
		return "", false
	}
	return clientID, true
}

// visibleTo reports whether a resource owned by ownerID can be read by the caller.
func visibleTo(c *gin.Context, ownerID string) bool {
	if middleware.IsOperator(c) {
		return true
	}
	return ownerID == middleware.ClientID(c)
}

func notFound(c *gin.Context, what, id string) {
	respondWithError(c, apierror.NewAPIError(apierror.ErrNotFound, what+" with ID '"+id+"' not found", nil))
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

type pagedResponse struct {
	Data       interface{} `json:"data"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalCount int64       `json:"total_count"`
}

// Search runs a typesense query against an indexed collection.
func (a Api) Search(c *gin.Context) {
	collection := c.Param("collection")
	if collection != search.CollectionTransactions && collection != search.CollectionAccounts {
		invalidInput(c, "unknown search collection "+collection, nil)
		return
	}

	var query api.SearchCollectionParams
	if err := c.ShouldBindJSON(&query); err != nil {
		invalidInput(c, "invalid search query", err.Error())
		return
	}

	// Clients only ever see their own documents.
	if !middleware.IsOperator(c) {
		scope := "client_id:=" + middleware.ClientID(c)
		if query.FilterBy != nil && *query.FilterBy != "" {
			scope = scope + " && (" + *query.FilterBy + ")"
		}
		query.FilterBy = &scope
	}

	resp, err := a.settle.Search(c.Request.Context(), collection, &query)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
