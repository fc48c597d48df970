package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/franzego/barber-reminders/internal/middleware"
	"github.com/franzego/barber-reminders/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, s models.PushSubscription) error
	DeleteSubscription(ctx context.Context, userID string) error
}

// SubscriptionHandler lets a signed-in customer register the browser push
// subscription that reminders are delivered to. One subscription per user;
// the latest registration wins.
type SubscriptionHandler struct {
	store          SubscriptionStore
	vapidPublicKey string
	logger         *zap.Logger
}

func NewSubscriptionHandler(store SubscriptionStore, vapidPublicKey string, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		store:          store,
		vapidPublicKey: vapidPublicKey,
		logger:         logger,
	}
}

func (h *SubscriptionHandler) VAPIDPublicKey(c *gin.Context) {
	if h.vapidPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, models.APIResponse{
			Success: false,
			Error:   "push notifications are not configured",
			Message: "Service Unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.vapidPublicKey})
}

func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, models.APIResponse{
			Success: false,
			Error:   "token has no subject",
			Message: "Unauthorized",
		})
		return
	}
	var req models.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	sub := models.PushSubscription{
		UserID:       userID,
		Subscription: req.Subscription,
		UpdatedAt:    time.Now(),
	}
	if err := h.store.UpsertSubscription(c.Request.Context(), sub); err != nil {
		h.logger.Error("failed to save push subscription", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to save subscription",
			Message: "Internal Server Error",
		})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Push subscription saved",
	})
}

func (h *SubscriptionHandler) Unsubscribe(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, models.APIResponse{
			Success: false,
			Error:   "token has no subject",
			Message: "Unauthorized",
		})
		return
	}
	if err := h.store.DeleteSubscription(c.Request.Context(), userID); err != nil {
		h.logger.Error("failed to delete push subscription", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to delete subscription",
			Message: "Internal Server Error",
		})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Push subscription removed",
	})
}
