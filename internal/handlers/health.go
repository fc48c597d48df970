package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type BrokerStatus interface {
	IsConnected() bool
}

type BreakerReporter interface {
	BreakerStates() map[string]string
}

// HealthHandler reports dependency status. broker and breakers are optional;
// pushErr is the push configuration error found at startup, if any.
type HealthHandler struct {
	store    Pinger
	broker   BrokerStatus
	breakers BreakerReporter
	pushErr  error
}

func NewHealthHandler(store Pinger, broker BrokerStatus, breakers BreakerReporter, pushErr error) *HealthHandler {
	return &HealthHandler{
		store:    store,
		broker:   broker,
		breakers: breakers,
		pushErr:  pushErr,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)

	// Check record store
	if err := h.store.Ping(ctx); err == nil {
		checks["store"] = "healthy"
	} else {
		checks["store"] = "unhealthy"
	}

	// Check RabbitMQ
	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["rabbitmq"] = "healthy"
		} else {
			checks["rabbitmq"] = "degraded"
		}
	}

	// Check push delivery
	switch {
	case h.pushErr != nil:
		checks["push"] = "unhealthy"
	case h.breakers != nil:
		checks["push"] = "healthy"
		for _, state := range h.breakers.BreakerStates() {
			if state != "closed" {
				checks["push"] = "degraded"
				break
			}
		}
	}

	// Determine overall status
	overallStatus := "healthy"
	for _, status := range checks {
		if status == "unhealthy" {
			overallStatus = "unhealthy"
			break
		} else if status == "degraded" {
			overallStatus = "degraded"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"version":   "1.0.0",
	})
}
