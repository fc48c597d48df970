package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/franzego/barber-reminders/internal/models"
	"github.com/redis/go-redis/v9"
)

const maxSaveRetries = 5

// RedisStore keeps each appointment in a hash and indexes it per status in
// a sorted set whose members are "<appointment_date>|<id>" at score 0, so
// ZRANGEBYLEX answers the date range query.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func appointmentKey(id string) string {
	return fmt.Sprintf("appointment:%s", id)
}

func statusIndexKey(status string) string {
	return fmt.Sprintf("appointments:status:%s", status)
}

func subscriptionKey(userID string) string {
	return fmt.Sprintf("push_subscription:%s", userID)
}

func indexMember(date, id string) string {
	return date + "|" + id
}

// markSent flags an existing appointment hash; it never creates one.
var markSent = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "reminder_sent", "true")
return 1
`)

func (s *RedisStore) SaveAppointment(ctx context.Context, a models.Appointment) error {
	a, err := normalizeAppointment(a)
	if err != nil {
		return err
	}
	key := appointmentKey(a.ID)

	// the hash is watched so a concurrent save cannot leave its index
	// member behind
	update := func(tx *redis.Tx) error {
		prev, err := tx.HMGet(ctx, key, "status", "appointment_date").Result()
		if err != nil {
			return fmt.Errorf("read appointment %s: %w", a.ID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if oldStatus, ok := prev[0].(string); ok {
				if oldDate, ok := prev[1].(string); ok {
					pipe.ZRem(ctx, statusIndexKey(oldStatus), indexMember(oldDate, a.ID))
				}
			}
			pipe.HSet(ctx, key, map[string]interface{}{
				"user_id":          a.UserID,
				"service_name":     a.ServiceName,
				"barber_name":      a.BarberName,
				"appointment_date": a.AppointmentDate,
				"status":           a.Status,
				"reminder_sent":    strconv.FormatBool(a.ReminderSent),
			})
			pipe.ZAdd(ctx, statusIndexKey(a.Status), redis.Z{Score: 0, Member: indexMember(a.AppointmentDate, a.ID)})
			return nil
		})
		return err
	}

	for i := 0; i < maxSaveRetries; i++ {
		err = s.rdb.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("save appointment %s: %w", a.ID, err)
	}
	return nil
}

func (s *RedisStore) GetAppointment(ctx context.Context, id string) (models.Appointment, error) {
	fields, err := s.rdb.HGetAll(ctx, appointmentKey(id)).Result()
	if err != nil {
		return models.Appointment{}, fmt.Errorf("get appointment %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Appointment{}, ErrNotFound
	}
	return appointmentFromHash(id, fields), nil
}

func (s *RedisStore) ListAppointments(ctx context.Context, status, from, to string) ([]models.Appointment, error) {
	members, err := s.rdb.ZRangeByLex(ctx, statusIndexKey(status), &redis.ZRangeBy{
		Min: "[" + from,
		Max: "(" + to,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(members))
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	for _, m := range members {
		i := strings.LastIndex(m, "|")
		if i < 0 {
			continue
		}
		id := m[i+1:]
		ids = append(ids, id)
		cmds = append(cmds, pipe.HGetAll(ctx, appointmentKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}

	out := make([]models.Appointment, 0, len(cmds))
	for i, cmd := range cmds {
		fields := cmd.Val()
		// index entries can outlive a deleted or re-statused hash
		if len(fields) == 0 || fields["status"] != status {
			continue
		}
		out = append(out, appointmentFromHash(ids[i], fields))
	}
	return out, nil
}

func (s *RedisStore) MarkReminderSent(ctx context.Context, id string) error {
	n, err := markSent.Run(ctx, s.rdb, []string{appointmentKey(id)}).Int()
	if err != nil {
		return fmt.Errorf("mark reminder sent %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) UpsertSubscription(ctx context.Context, sub models.PushSubscription) error {
	if sub.UserID == "" {
		return fmt.Errorf("subscription user_id is required")
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now()
	}
	descriptor, err := json.Marshal(sub.Subscription)
	if err != nil {
		return err
	}
	err = s.rdb.HSet(ctx, subscriptionKey(sub.UserID), map[string]interface{}{
		"subscription": string(descriptor),
		"updated_at":   sub.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.UserID, err)
	}
	return nil
}

func (s *RedisStore) GetSubscription(ctx context.Context, userID string) (models.PushSubscription, error) {
	fields, err := s.rdb.HGetAll(ctx, subscriptionKey(userID)).Result()
	if err != nil {
		return models.PushSubscription{}, fmt.Errorf("get subscription %s: %w", userID, err)
	}
	raw, ok := fields["subscription"]
	if !ok {
		return models.PushSubscription{}, ErrNotFound
	}
	sub := models.PushSubscription{UserID: userID}
	if err := json.Unmarshal([]byte(raw), &sub.Subscription); err != nil {
		return models.PushSubscription{}, fmt.Errorf("decode subscription %s: %w", userID, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		sub.UpdatedAt = ts
	}
	return sub, nil
}

func (s *RedisStore) DeleteSubscription(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, subscriptionKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete subscription %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func appointmentFromHash(id string, f map[string]string) models.Appointment {
	sent, _ := strconv.ParseBool(f["reminder_sent"])
	return models.Appointment{
		ID:              id,
		UserID:          f["user_id"],
		ServiceName:     f["service_name"],
		BarberName:      f["barber_name"],
		AppointmentDate: f["appointment_date"],
		Status:          f["status"],
		ReminderSent:    sent,
	}
}
