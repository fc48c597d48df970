// Package push delivers Web Push messages signed with the application's VAPID
// keys and classifies push service failures.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/franzego/barber-reminders/internal/config"
	"github.com/franzego/barber-reminders/internal/models"
	"github.com/franzego/barber-reminders/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, sub models.Subscription, payload []byte) error
}

// DeliveryError is a failed send. StatusCode is zero when the push service
// was never reached.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("push delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("push delivery failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsGone reports whether the push service declared the subscription expired
// or unsubscribed. Such subscriptions never become valid again.
func IsGone(err error) bool {
	code := StatusCode(err)
	return code == http.StatusGone || code == http.StatusNotFound
}

// IsHostFailure reports whether err says the push service itself is unwell:
// it was unreachable, answered 5xx or throttled with 429. Other 4xx answers
// reject one subscription or request and say nothing about the host.
func IsHostFailure(err error) bool {
	if err == nil {
		return false
	}
	code := StatusCode(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func StatusCode(err error) int {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.StatusCode
	}
	return 0
}

type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        time.Duration
	client     *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebPushSender(cfg config.VAPIDConfig, client *http.Client, logger *zap.Logger) (*WebPushSender, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, config.ErrMissingVAPIDKeys
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &WebPushSender{
		publicKey:  cfg.PublicKey,
		privateKey: cfg.PrivateKey,
		// the library adds the mailto: scheme itself
		subscriber: strings.TrimPrefix(cfg.Subject, "mailto:"),
		ttl:        ttl,
		client:     client,
		logger:     logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

func (s *WebPushSender) Send(ctx context.Context, sub models.Subscription, payload []byte) error {
	endpoint, err := url.Parse(sub.Endpoint)
	if err != nil || endpoint.Host == "" {
		return &DeliveryError{Err: fmt.Errorf("invalid endpoint %q", sub.Endpoint)}
	}

	_, err = s.breaker(endpoint.Host).Execute(func() (interface{}, error) {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				Auth:   sub.Keys.Auth,
				P256dh: sub.Keys.P256dh,
			},
		}, &webpush.Options{
			HTTPClient:      s.client,
			Subscriber:      s.subscriber,
			TTL:             int(s.ttl.Seconds()),
			Urgency:         webpush.UrgencyHigh,
			VAPIDPublicKey:  s.publicKey,
			VAPIDPrivateKey: s.privateKey,
		})
		if err != nil {
			return nil, &DeliveryError{Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &DeliveryError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("push service responded: %s", strings.TrimSpace(string(body))),
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Warn("push service circuit open, send rejected",
			zap.String("host", endpoint.Host), zap.Error(err))
		return &DeliveryError{Err: err}
	}
	return err
}

// breaker returns the circuit breaker for one push service host, so an
// outage at one vendor does not block deliveries through another. Only host
// failures count against it; a rejected subscription fails on its own.
func (s *WebPushSender) breaker(host string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[host]; ok {
		return cb
	}
	cb := circuitbreaker.NewCircuitBreaker("push:"+host, func(err error) bool {
		return !IsHostFailure(err)
	})
	s.breakers[host] = cb
	return cb
}

// BreakerStates reports the state of every breaker created so far.
func (s *WebPushSender) BreakerStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for host, cb := range s.breakers {
		out[host] = cb.State().String()
	}
	return out
}
