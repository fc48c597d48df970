package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/franzego/barber-reminders/internal/config"
	"github.com/franzego/barber-reminders/internal/handlers"
	"github.com/franzego/barber-reminders/internal/logging"
	"github.com/franzego/barber-reminders/internal/push"
	"github.com/franzego/barber-reminders/internal/queue"
	"github.com/franzego/barber-reminders/internal/reminder"
	"github.com/franzego/barber-reminders/internal/scheduler"
	"github.com/franzego/barber-reminders/internal/store"
	"github.com/franzego/barber-reminders/pkg/redis"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal("Failed to build logger", err)
	}
	defer logger.Sync()

	redisClient, err := redis.InitRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	st, err := store.Open(cfg.Store, redisClient)
	if err != nil {
		logger.Fatal("failed to open record store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer st.Close()

	var rabbitMQClient *queue.RabbitMqClient
	if cfg.RabbitMQ.URL != "" {
		rabbitMQClient, err = queue.NewRabbitMqService(cfg.RabbitMQ)
		if err != nil {
			logger.Warn("RabbitMQ unavailable, reminder events disabled", zap.Error(err))
			rabbitMQClient = nil
		} else {
			logger.Info("RabbitMQ connected", zap.String("exchange", cfg.RabbitMQ.Exchange))
			defer rabbitMQClient.CloseConnection()
		}
	}

	runner, sender, pushErr := buildRunner(cfg, st, redisClient, rabbitMQClient, logger)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Cron != "" {
		sched, err = scheduler.New(cfg.Scheduler.Cron, runner, cfg.Scheduler.RunTimeout, logger)
		if err != nil {
			logger.Fatal("invalid scheduler configuration", zap.Error(err))
		}
		sched.Start()
	}

	var broker handlers.BrokerStatus
	if rabbitMQClient != nil {
		broker = rabbitMQClient
	}
	var breakers handlers.BreakerReporter
	if sender != nil {
		breakers = sender
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret not set: dispatch trigger is unauthenticated and subscription routes are disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(
		handlers.RouterConfig{
			JWTSecret:    cfg.Auth.JWTSecret,
			RateLimitRPS: cfg.Server.RateLimitRPS,
			RateBurst:    cfg.Server.RateBurst,
		},
		handlers.NewReminderHandler(runner, logger),
		handlers.NewSubscriptionHandler(st, cfg.VAPID.PublicKey, logger),
		handlers.NewHealthHandler(st, broker, breakers, pushErr),
		logger,
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildRunner wires the reminder job. A configuration error does not stop
// the process: the returned runner fails every invocation with it instead.
func buildRunner(
	cfg *config.Config,
	st store.Store,
	redisClient *goredis.Client,
	events *queue.RabbitMqClient,
	logger *zap.Logger,
) (reminder.Runner, *push.WebPushSender, error) {
	if err := cfg.Validate(); err != nil {
		logger.Error("reminder dispatch disabled: invalid configuration", zap.Error(err))
		return reminder.Unavailable(err), nil, err
	}
	sender, err := push.NewWebPushSender(cfg.VAPID, nil, logger)
	if err != nil {
		logger.Error("reminder dispatch disabled: push sender", zap.Error(err))
		return reminder.Unavailable(err), nil, err
	}
	loc, _ := time.LoadLocation(cfg.Reminder.Timezone)

	var opts []reminder.Option
	if redisClient != nil && cfg.Reminder.ClaimTTL > 0 {
		host, _ := os.Hostname()
		opts = append(opts, reminder.WithClaimer(store.NewRedisClaimer(redisClient, cfg.Reminder.ClaimTTL, host)))
	}
	if events != nil {
		opts = append(opts, reminder.WithEvents(events))
	}

	job := reminder.NewJob(st, sender, reminder.Config{
		Lead:     cfg.Reminder.Lead,
		Span:     cfg.Reminder.Span,
		Location: loc,
	}, logger, opts...)
	return job, sender, nil
}
