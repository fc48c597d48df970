package handlers

import (
	"context"
	"net/http"

	"github.com/franzego/barber-reminders/internal/middleware"
	"github.com/franzego/barber-reminders/internal/models"
	"github.com/franzego/barber-reminders/internal/reminder"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ReminderHandler struct {
	runner reminder.Runner
	logger *zap.Logger
}

func NewReminderHandler(runner reminder.Runner, logger *zap.Logger) *ReminderHandler {
	return &ReminderHandler{runner: runner, logger: logger}
}

// Dispatch runs the reminder job once. The run is not cancelled when the
// caller disconnects: every started send is awaited.
func (h *ReminderHandler) Dispatch(c *gin.Context) {
	ctx := context.WithoutCancel(c.Request.Context())
	summary, err := h.runner.Run(ctx)
	if err != nil {
		h.logger.Error("reminder dispatch failed",
			zap.String("correlation_id", c.GetString(middleware.CorrelationIDKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.DispatchResponse{
		Success:           true,
		NotificationsSent: summary.Sent,
	})
}
