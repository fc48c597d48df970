package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseClaim deletes the claim only while it still carries the caller's
// token, so an expired claim re-taken by another run is left alone.
var releaseClaim = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer holds a short-lived per-appointment key so that two
// overlapping reminder runs do not both send for the same appointment.
type RedisClaimer struct {
	rdb   *redis.Client
	ttl   time.Duration
	owner string
}

func NewRedisClaimer(rdb *redis.Client, ttl time.Duration, owner string) *RedisClaimer {
	return &RedisClaimer{rdb: rdb, ttl: ttl, owner: owner}
}

func claimKey(appointmentID string) string {
	return fmt.Sprintf("reminder:claim:%s", appointmentID)
}

// Claim reports whether the caller now holds the claim for appointmentID.
// The returned token identifies this holder to Release.
func (c *RedisClaimer) Claim(ctx context.Context, appointmentID string) (string, bool, error) {
	token := c.owner + ":" + uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, claimKey(appointmentID), token, c.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim %s: %w", appointmentID, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the claim so the next run can retry the appointment. A claim
// now held under another token is not touched.
func (c *RedisClaimer) Release(ctx context.Context, appointmentID, token string) error {
	if err := releaseClaim.Run(ctx, c.rdb, []string{claimKey(appointmentID)}, token).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", appointmentID, err)
	}
	return nil
}
