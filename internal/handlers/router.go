package handlers

import (
	"net/http"

	"github.com/franzego/barber-reminders/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	// JWTSecret enables bearer auth. Without it the dispatch trigger is open
	// and the subscription routes are not registered.
	JWTSecret    string
	RateLimitRPS float64
	RateBurst    int
}

func NewRouter(
	cfg RouterConfig,
	reminders *ReminderHandler,
	subscriptions *SubscriptionHandler,
	health *HealthHandler,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(logger))

	api := r.Group("/api/v1")
	{
		// only authenticated calls draw from the limiter
		var dispatch []gin.HandlerFunc
		if cfg.JWTSecret != "" {
			dispatch = append(dispatch, middleware.AuthMiddleware(cfg.JWTSecret, middleware.ServiceRole))
		}
		dispatch = append(dispatch, middleware.RateLimit(cfg.RateLimitRPS, cfg.RateBurst), reminders.Dispatch)
		api.POST("/reminders/dispatch", dispatch...)

		api.GET("/push/vapid-public-key", subscriptions.VAPIDPublicKey)
		if cfg.JWTSecret != "" {
			user := api.Group("/push", middleware.AuthMiddleware(cfg.JWTSecret))
			user.PUT("/subscription", subscriptions.Subscribe)
			user.DELETE("/subscription", subscriptions.Unsubscribe)
		}
	}

	r.GET("/health", health.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/Alive", func(c *gin.Context) {
		// Return JSON response
		c.JSON(http.StatusOK, gin.H{
			"status":  "Alive",
			"service": "appointment-reminders",
		})
	})

	return r
}
