// Package reminder implements the appointment reminder dispatch job: it
// finds confirmed appointments starting soon, sends each customer a web push
// reminder and records the outcome so the next run does not repeat it.
//
// The job keeps no state between runs. reminder_sent is the only
// de-duplication mechanism; an optional Claimer narrows the window in which
// two overlapping runs can both send for the same appointment.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/barber-reminders/internal/metrics"
	"github.com/franzego/barber-reminders/internal/models"
	"github.com/franzego/barber-reminders/internal/push"
	"github.com/franzego/barber-reminders/internal/store"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("reminder job is not configured")

// Store is the slice of the record store the job touches.
type Store interface {
	ListAppointments(ctx context.Context, status, from, to string) ([]models.Appointment, error)
	GetSubscription(ctx context.Context, userID string) (models.PushSubscription, error)
	MarkReminderSent(ctx context.Context, id string) error
	DeleteSubscription(ctx context.Context, userID string) error
}

type Claimer interface {
	Claim(ctx context.Context, appointmentID string) (token string, ok bool, err error)
	Release(ctx context.Context, appointmentID, token string) error
}

type EventPublisher interface {
	PublishReminderEvent(ctx context.Context, event models.ReminderEvent) error
}

// Runner is anything that can execute one reminder run.
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

type Config struct {
	// Lead is how far ahead of now the window opens; Span is its length.
	Lead     time.Duration
	Span     time.Duration
	Location *time.Location
}

type Window struct {
	Start time.Time
	End   time.Time
}

// WindowAt returns the half-open window [now+Lead, now+Lead+Span).
func (c Config) WindowAt(now time.Time) Window {
	start := now.Add(c.Lead)
	return Window{Start: start, End: start.Add(c.Span)}
}

type Job struct {
	store   Store
	sender  push.Sender
	claimer Claimer
	events  EventPublisher
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Job)

func WithClaimer(c Claimer) Option {
	return func(j *Job) { j.claimer = c }
}

func WithEvents(p EventPublisher) Option {
	return func(j *Job) { j.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}

func NewJob(st Store, sender push.Sender, cfg Config, logger *zap.Logger, opts ...Option) *Job {
	if cfg.Lead <= 0 {
		cfg.Lead = 15 * time.Minute
	}
	if cfg.Span <= 0 {
		cfg.Span = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	j := &Job{
		store:  st,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run processes every due appointment concurrently and waits for all of
// them. Only a failed appointment query fails the run.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	defer func() {
		metrics.ReminderRunDuration.Observe(time.Since(started).Seconds())
	}()

	w := j.cfg.WindowAt(j.now())
	summary := Summary{
		RunID:       uuid.New().String(),
		WindowStart: models.FormatTimestamp(w.Start),
		WindowEnd:   models.FormatTimestamp(w.End),
	}
	log := j.logger.With(zap.String("run_id", summary.RunID))
	log.Info("checking reminders",
		zap.String("from", summary.WindowStart), zap.String("to", summary.WindowEnd))

	due, err := j.store.ListAppointments(ctx, models.StatusConfirmed, summary.WindowStart, summary.WindowEnd)
	if err != nil {
		metrics.ReminderRuns.WithLabelValues("error").Inc()
		log.Error("failed to query appointments", zap.Error(err))
		return summary, fmt.Errorf("query appointments: %w", err)
	}
	if len(due) == 0 {
		metrics.ReminderRuns.WithLabelValues("success").Inc()
		log.Info("no upcoming appointments to notify")
		return summary, nil
	}

	mapper := iter.Mapper[models.Appointment, Outcome]{MaxGoroutines: len(due)}
	outcomes := mapper.Map(due, func(a *models.Appointment) Outcome {
		o := j.dispatch(ctx, summary, *a)
		j.record(ctx, log, summary.RunID, o)
		return o
	})
	summarize(&summary, outcomes)

	metrics.ReminderRuns.WithLabelValues("success").Inc()
	log.Info("reminder run finished",
		zap.Int("considered", summary.Considered),
		zap.Int("sent", summary.Sent),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("subscriptions_removed", summary.SubscriptionsRemoved),
	)
	return summary, nil
}

func (j *Job) dispatch(ctx context.Context, s Summary, a models.Appointment) (out Outcome) {
	out = Outcome{AppointmentID: a.ID, UserID: a.UserID}
	defer func() {
		if r := recover(); r != nil {
			out.Kind = Failed
			out.Failure = FailurePanic
			out.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	if a.ReminderSent {
		out.Kind, out.Skip = Skipped, SkipAlreadySent
		return out
	}
	if a.Status != models.StatusConfirmed || a.AppointmentDate < s.WindowStart || a.AppointmentDate >= s.WindowEnd {
		out.Kind, out.Skip = Skipped, SkipIneligible
		return out
	}

	claimed, token := false, ""
	if j.claimer != nil {
		tok, ok, err := j.claimer.Claim(ctx, a.ID)
		switch {
		case err != nil:
			j.logger.Warn("claim failed, sending unguarded",
				zap.String("appointment_id", a.ID), zap.Error(err))
		case !ok:
			out.Kind, out.Skip = Skipped, SkipClaimed
			return out
		default:
			claimed, token = true, tok
		}
	}

	out = j.deliver(ctx, a, out)

	if claimed && out.Kind != Sent {
		if err := j.claimer.Release(ctx, a.ID, token); err != nil {
			j.logger.Warn("failed to release claim",
				zap.String("appointment_id", a.ID), zap.Error(err))
		}
	}
	return out
}

func (j *Job) deliver(ctx context.Context, a models.Appointment, out Outcome) Outcome {
	sub, err := j.store.GetSubscription(ctx, a.UserID)
	if errors.Is(err, store.ErrNotFound) {
		out.Kind, out.Skip = Skipped, SkipNoSubscription
		return out
	}
	if err != nil {
		out.Kind, out.Failure, out.Err = Failed, FailureLookup, err
		return out
	}

	payload, err := json.Marshal(BuildPayload(a, j.cfg.Location))
	if err != nil {
		out.Kind, out.Failure, out.Err = Failed, FailureTransient, err
		return out
	}

	if err := j.sender.Send(ctx, sub.Subscription, payload); err != nil {
		out.Kind, out.Err, out.StatusCode = Failed, err, push.StatusCode(err)
		if !push.IsGone(err) {
			out.Failure = FailureTransient
			return out
		}
		out.Failure = FailureGone
		if delErr := j.store.DeleteSubscription(ctx, a.UserID); delErr != nil {
			j.logger.Error("failed to delete expired subscription",
				zap.String("user_id", a.UserID), zap.Error(delErr))
		} else {
			out.SubscriptionRemoved = true
		}
		return out
	}

	out.Kind = Sent
	// A lost flag write means the next run may send this reminder again.
	out.FlagErr = j.store.MarkReminderSent(ctx, a.ID)
	return out
}

// record logs one outcome, updates metrics and publishes events. It never
// fails the item.
func (j *Job) record(ctx context.Context, log *zap.Logger, runID string, o Outcome) {
	fields := []zap.Field{
		zap.String("appointment_id", o.AppointmentID),
		zap.String("user_id", o.UserID),
		zap.Stringer("outcome", o.Kind),
	}
	if reason := o.Reason(); reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	metrics.ReminderOutcomes.WithLabelValues(o.Kind.String(), o.Reason()).Inc()

	switch o.Kind {
	case Sent:
		log.Info("reminder sent", fields...)
		if o.FlagErr != nil {
			log.Warn("failed to persist reminder_sent", append(fields, zap.Error(o.FlagErr))...)
		}
		j.publish(ctx, log, runID, models.EventReminderSent, o)
	case Skipped:
		switch o.Skip {
		case SkipNoSubscription:
			log.Info("user unreachable: no push subscription", fields...)
		default:
			log.Debug("reminder skipped", fields...)
		}
	case Failed:
		if o.StatusCode != 0 {
			fields = append(fields, zap.Int("status_code", o.StatusCode))
		}
		log.Error("reminder failed", append(fields, zap.Error(o.Err))...)
		j.publish(ctx, log, runID, models.EventReminderFailed, o)
		if o.SubscriptionRemoved {
			metrics.SubscriptionsRemoved.Inc()
			log.Info("expired subscription removed", zap.String("user_id", o.UserID))
			j.publish(ctx, log, runID, models.EventSubscriptionRemoved, o)
		}
	}
}

func (j *Job) publish(ctx context.Context, log *zap.Logger, runID, eventType string, o Outcome) {
	if j.events == nil {
		return
	}
	event := models.ReminderEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		AppointmentID: o.AppointmentID,
		UserID:        o.UserID,
		StatusCode:    o.StatusCode,
		Timestamp:     j.now(),
		CorrelationID: runID,
	}
	if o.Err != nil {
		event.Error = o.Err.Error()
	}
	if err := j.events.PublishReminderEvent(ctx, event); err != nil {
		log.Warn("failed to publish reminder event",
			zap.String("type", eventType), zap.String("appointment_id", o.AppointmentID), zap.Error(err))
	}
}

type unavailable struct {
	err error
}

// Unavailable returns a Runner that fails every run with err wrapped in
// ErrNotConfigured, without touching the store or the push service.
func Unavailable(err error) Runner {
	return unavailable{err: err}
}

func (u unavailable) Run(context.Context) (Summary, error) {
	return Summary{}, fmt.Errorf("%w: %v", ErrNotConfigured, u.err)
}
