package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/franzego/barber-reminders/internal/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS appointments (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	service_name     TEXT NOT NULL DEFAULT '',
	barber_name      TEXT NOT NULL DEFAULT '',
	appointment_date TEXT NOT NULL,
	status           TEXT NOT NULL,
	reminder_sent    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS appointments_status_date ON appointments(status, appointment_date);
CREATE TABLE IF NOT EXISTS push_subscriptions (
	user_id      TEXT PRIMARY KEY,
	subscription TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
`

// SQLiteStore is the embedded alternative to RedisStore for single-node
// deployments.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveAppointment(ctx context.Context, a models.Appointment) error {
	a, err := normalizeAppointment(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO appointments(id, user_id, service_name, barber_name, appointment_date, status, reminder_sent)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id,
			service_name=excluded.service_name,
			barber_name=excluded.barber_name,
			appointment_date=excluded.appointment_date,
			status=excluded.status,
			reminder_sent=excluded.reminder_sent`,
		a.ID, a.UserID, a.ServiceName, a.BarberName, a.AppointmentDate, a.Status, a.ReminderSent,
	)
	if err != nil {
		return fmt.Errorf("save appointment %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAppointment(ctx context.Context, id string) (models.Appointment, error) {
	var a models.Appointment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, service_name, barber_name, appointment_date, status, reminder_sent
		 FROM appointments WHERE id = ?`, id,
	).Scan(&a.ID, &a.UserID, &a.ServiceName, &a.BarberName, &a.AppointmentDate, &a.Status, &a.ReminderSent)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Appointment{}, ErrNotFound
	}
	if err != nil {
		return models.Appointment{}, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAppointments(ctx context.Context, status, from, to string) ([]models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, service_name, barber_name, appointment_date, status, reminder_sent
		 FROM appointments
		 WHERE status = ? AND appointment_date >= ? AND appointment_date < ?
		 ORDER BY appointment_date`,
		status, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.UserID, &a.ServiceName, &a.BarberName, &a.AppointmentDate, &a.Status, &a.ReminderSent); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkReminderSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE appointments SET reminder_sent = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark reminder sent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub models.PushSubscription) error {
	if sub.UserID == "" {
		return errors.New("subscription user_id is required")
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now()
	}
	descriptor, err := json.Marshal(sub.Subscription)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions(user_id, subscription, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET subscription=excluded.subscription, updated_at=excluded.updated_at`,
		sub.UserID, string(descriptor), sub.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, userID string) (models.PushSubscription, error) {
	var raw, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT subscription, updated_at FROM push_subscriptions WHERE user_id = ?`, userID,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PushSubscription{}, ErrNotFound
	}
	if err != nil {
		return models.PushSubscription{}, fmt.Errorf("get subscription %s: %w", userID, err)
	}
	sub := models.PushSubscription{UserID: userID}
	if err := json.Unmarshal([]byte(raw), &sub.Subscription); err != nil {
		return models.PushSubscription{}, fmt.Errorf("decode subscription %s: %w", userID, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		sub.UpdatedAt = ts
	}
	return sub, nil
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete subscription %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
