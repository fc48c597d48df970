// Package store holds the record store for appointments and push
// subscriptions. The booking flow and the admin dashboard own appointment
// writes; the reminder job only reads them and flips reminder_sent.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/franzego/barber-reminders/internal/config"
	"github.com/franzego/barber-reminders/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalidDate = errors.New("invalid appointment_date")
)

type AppointmentStore interface {
	SaveAppointment(ctx context.Context, a models.Appointment) error
	GetAppointment(ctx context.Context, id string) (models.Appointment, error)
	// ListAppointments returns appointments with the given status whose
	// appointment_date is in [from, to), ordered by date.
	ListAppointments(ctx context.Context, status, from, to string) ([]models.Appointment, error)
	MarkReminderSent(ctx context.Context, id string) error
}

type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, s models.PushSubscription) error
	GetSubscription(ctx context.Context, userID string) (models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID string) error
}

type Store interface {
	AppointmentStore
	SubscriptionStore
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Driver. rdb is only used by the
// redis driver.
func Open(cfg config.StoreConfig, rdb *redis.Client) (Store, error) {
	switch cfg.Driver {
	case "", "redis":
		if rdb == nil {
			return nil, errors.New("redis store requires redis.addr")
		}
		return NewRedisStore(rdb), nil
	case "sqlite":
		st, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func normalizeAppointment(a models.Appointment) (models.Appointment, error) {
	if a.ID == "" {
		return a, errors.New("appointment id is required")
	}
	date, err := models.NormalizeTimestamp(a.AppointmentDate)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidDate, err)
	}
	a.AppointmentDate = date
	return a, nil
}
