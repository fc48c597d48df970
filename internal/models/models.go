package models

import (
	"fmt"
	"time"
)

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// TimestampLayout is the canonical appointment_date form. Fixed width and
// UTC, so lexical order equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

type Appointment struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	ServiceName     string `json:"service_name"`
	BarberName      string `json:"barber_name"`
	AppointmentDate string `json:"appointment_date"`
	Status          string `json:"status"`
	ReminderSent    bool   `json:"reminder_sent,omitempty"`
}

// Keys are the browser-issued encryption keys of a push subscription.
type Keys struct {
	P256dh string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

// Subscription is the descriptor returned by PushManager.subscribe().
type Subscription struct {
	Endpoint       string `json:"endpoint" binding:"required,url"`
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
	Keys           Keys   `json:"keys" binding:"required"`
}

type PushSubscription struct {
	UserID       string       `json:"user_id"`
	Subscription Subscription `json:"subscription"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NotificationPayload is the only contract shared with the service worker.
type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

// DispatchResponse is the trigger's success body.
type DispatchResponse struct {
	Success           bool `json:"success"`
	NotificationsSent int  `json:"notificationsSent"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type SubscribeRequest struct {
	Subscription Subscription `json:"subscription" binding:"required"`
}

const (
	EventReminderSent        = "reminder.sent"
	EventReminderFailed      = "reminder.failed"
	EventSubscriptionRemoved = "subscription.removed"
)

type ReminderEvent struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	AppointmentID string    `json:"appointment_id"`
	UserID        string    `json:"user_id"`
	StatusCode    int       `json:"status_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// FormatTimestamp renders t in the canonical appointment_date form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NormalizeTimestamp parses an ISO-8601 timestamp with or without
// fractional seconds and returns its canonical form.
func NormalizeTimestamp(s string) (string, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return "", err
	}
	return FormatTimestamp(t), nil
}

func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
