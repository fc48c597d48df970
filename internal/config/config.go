package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	// timezone names must resolve on hosts without zoneinfo
	_ "time/tzdata"

	"github.com/spf13/viper"
)

var ErrMissingVAPIDKeys = errors.New("missing VAPID_PUBLIC_KEY or VAPID_PRIVATE_KEY")

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Store     StoreConfig
	Redis     RedisConfig
	RabbitMQ  RabbitMQConfig
	VAPID     VAPIDConfig
	Reminder  ReminderConfig
	Scheduler SchedulerConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port         string
	Timeout      time.Duration
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	RateBurst    int     `mapstructure:"rate_burst"`
}

type LogConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the record store backing appointments and push
// subscriptions. Driver is "redis" or "sqlite".
type StoreConfig struct {
	Driver     string
	SQLitePath string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type VAPIDConfig struct {
	PublicKey  string `mapstructure:"public_key"`
	PrivateKey string `mapstructure:"private_key"`
	Subject    string
	TTL        time.Duration
}

type ReminderConfig struct {
	Lead     time.Duration
	Span     time.Duration
	Timezone string
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

type SchedulerConfig struct {
	Cron       string
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Set defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.timeout", "10s")
	v.SetDefault("server.rate_limit_rps", 1.0)
	v.SetDefault("server.rate_burst", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.sqlite_path", "data/reminders.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "reminders.topic")
	v.SetDefault("vapid.subject", "mailto:admin@ejemplo.com")
	v.SetDefault("vapid.ttl", "1h")
	v.SetDefault("reminder.lead", "15m")
	v.SetDefault("reminder.span", "15m")
	v.SetDefault("reminder.timezone", "America/La_Paz")
	v.SetDefault("reminder.claim_ttl", "10m")
	v.SetDefault("scheduler.cron", "*/5 * * * *")
	v.SetDefault("scheduler.run_timeout", "2m")

	// Read from environment
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"vapid.public_key":  "VAPID_PUBLIC_KEY",
		"vapid.private_key": "VAPID_PRIVATE_KEY",
		"vapid.subject":     "VAPID_SUBJECT",
		"auth.jwt_secret":   "JWT_SECRET",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports configuration that makes push delivery impossible.
// The store settings are checked separately when the store is opened.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.VAPID.PublicKey) == "" || strings.TrimSpace(c.VAPID.PrivateKey) == "" {
		return ErrMissingVAPIDKeys
	}
	if c.Reminder.Lead <= 0 || c.Reminder.Span <= 0 {
		return fmt.Errorf("reminder window must be positive, got lead=%s span=%s", c.Reminder.Lead, c.Reminder.Span)
	}
	if _, err := time.LoadLocation(c.Reminder.Timezone); err != nil {
		return fmt.Errorf("invalid reminder timezone %q: %w", c.Reminder.Timezone, err)
	}
	return nil
}
