package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// NewCircuitBreaker trips after three or more requests in a minute with a
// failure ratio of at least 60%. isSuccessful may be nil, in which case only
// a nil error counts as success.
func NewCircuitBreaker(nameof string, isSuccessful func(err error) bool) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:         nameof,
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      60 * time.Second,
		IsSuccessful: isSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
