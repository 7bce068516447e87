package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	model2 "github.com/blnkfinance/settle/api/model"
	"github.com/blnkfinance/settle/model"
)

// subscriptionFor loads a subscription the caller may manage, writing the
// error response when it cannot.
func (a Api) subscriptionFor(c *gin.Context) (*model.WebhookSubscription, bool) {
	id := c.Param("id")
	sub, err := a.settle.GetSubscription(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return nil, false
	}
	if !visibleTo(c, sub.ClientID) {
		notFound(c, "Webhook", id)
		return nil, false
	}
	return sub, true
}

// CreateWebhook registers a subscription for the calling client.
func (a Api) CreateWebhook(c *gin.Context) {
	clientID, ok := requireClientID(c)
	if !ok {
		return
	}
	var req model2.CreateWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "invalid webhook data", err.Error())
		return
	}
	if err := req.ValidateCreateWebhook(); err != nil {
		invalidInput(c, "invalid webhook data", err)
		return
	}

	sub, err := a.settle.CreateSubscription(c.Request.Context(), req.ToSubscription(clientID))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sub)
}

// ListWebhooks lists the caller's subscriptions, optionally filtered by active.
func (a Api) ListWebhooks(c *gin.Context) {
	clientID, ok := requireClientID(c)
	if !ok {
		return
	}
	var active *bool
	if raw := c.Query("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			invalidInput(c, "active must be true or false", nil)
			return
		}
		active = &v
	}

	page, pageSize := pageParams(c)
	subs, total, err := a.settle.ListSubscriptions(c.Request.Context(), clientID, active, page, pageSize)
	if err != nil {
		respondWithError(c, err)
		return
	}

	page, pageSize = model.Pagination(page, pageSize)
	c.JSON(http.StatusOK, pagedResponse{Data: subs, Page: page, PageSize: pageSize, TotalCount: total})
}

func (a Api) GetWebhook(c *gin.Context) {
	sub, ok := a.subscriptionFor(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, sub)
}

// UpdateWebhook changes only the fields present in the body.
func (a Api) UpdateWebhook(c *gin.Context) {
	var req model2.UpdateWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, "invalid webhook data", err.Error())
		return
	}
	if err := req.ValidateUpdateWebhook(); err != nil {
		invalidInput(c, "invalid webhook data", err)
		return
	}
	sub, ok := a.subscriptionFor(c)
	if !ok {
		return
	}

	updated, err := a.settle.UpdateSubscription(c.Request.Context(), sub.SubscriptionID, req.ToUpdate())
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

func (a Api) DeleteWebhook(c *gin.Context) {
	sub, ok := a.subscriptionFor(c)
	if !ok {
		return
	}
	if err := a.settle.DeleteSubscription(c.Request.Context(), sub.SubscriptionID); err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook deleted successfully"})
}

// TestWebhook delivers a webhook.test event to one subscription right away.
func (a Api) TestWebhook(c *gin.Context) {
	sub, ok := a.subscriptionFor(c)
	if !ok {
		return
	}
	delivery, err := a.settle.TriggerTestDelivery(c.Request.Context(), sub.SubscriptionID)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, delivery)
}

func (a Api) ListWebhookDeliveries(c *gin.Context) {
	sub, ok := a.subscriptionFor(c)
	if !ok {
		return
	}
	page, pageSize := pageParams(c)
	deliveries, total, err := a.settle.ListDeliveries(c.Request.Context(), sub.SubscriptionID, model.DeliveryStatus(c.Query("status")), page, pageSize)
	if err != nil {
		respondWithError(c, err)
		return
	}

	page, pageSize = model.Pagination(page, pageSize)
	c.JSON(http.StatusOK, pagedResponse{Data: deliveries, Page: page, PageSize: pageSize, TotalCount: total})
}
