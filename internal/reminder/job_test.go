package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/franzego/barber-reminders/internal/models"
	"github.com/franzego/barber-reminders/internal/push"
	"github.com/franzego/barber-reminders/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var fixedNow = time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

// fakeStore is an in-memory record store with failure injection.
type fakeStore struct {
	mu            sync.Mutex
	appointments  map[string]models.Appointment
	subscriptions map[string]models.PushSubscription
	listErr       error
	getSubErr     map[string]error
	markErr       map[string]error
	deleted       []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appointments:  map[string]models.Appointment{},
		subscriptions: map[string]models.PushSubscription{},
		getSubErr:     map[string]error{},
		markErr:       map[string]error{},
	}
}

func (f *fakeStore) addAppointment(a models.Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appointments[a.ID] = a
}

func (f *fakeStore) addSubscription(userID string) models.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := models.Subscription{
		Endpoint: "https://fcm.googleapis.com/fcm/send/" + userID,
		Keys:     models.Keys{P256dh: "p256dh-" + userID, Auth: "auth-" + userID},
	}
	f.subscriptions[userID] = models.PushSubscription{UserID: userID, Subscription: sub, UpdatedAt: fixedNow}
	return sub
}

func (f *fakeStore) appointment(id string) models.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appointments[id]
}

func (f *fakeStore) hasSubscription(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subscriptions[userID]
	return ok
}

func (f *fakeStore) ListAppointments(_ context.Context, status, from, to string) ([]models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.Appointment
	for _, a := range f.appointments {
		if a.Status == status && a.AppointmentDate >= from && a.AppointmentDate < to {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].AppointmentDate < out[k].AppointmentDate })
	return out, nil
}

func (f *fakeStore) GetSubscription(_ context.Context, userID string) (models.PushSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getSubErr[userID]; err != nil {
		return models.PushSubscription{}, err
	}
	sub, ok := f.subscriptions[userID]
	if !ok {
		return models.PushSubscription{}, store.ErrNotFound
	}
	return sub, nil
}

func (f *fakeStore) MarkReminderSent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.markErr[id]; err != nil {
		return err
	}
	a, ok := f.appointments[id]
	if !ok {
		return store.ErrNotFound
	}
	a.ReminderSent = true
	f.appointments[id] = a
	return nil
}

func (f *fakeStore) DeleteSubscription(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, userID)
	f.deleted = append(f.deleted, userID)
	return nil
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, sub models.Subscription, payload []byte) error {
	args := m.Called(ctx, sub, payload)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishReminderEvent(ctx context.Context, event models.ReminderEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockClaimer struct {
	mock.Mock
}

func (m *MockClaimer) Claim(ctx context.Context, id string) (string, bool, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockClaimer) Release(ctx context.Context, id, token string) error {
	args := m.Called(ctx, id, token)
	return args.Error(0)
}

func confirmedAt(id string, offset time.Duration) models.Appointment {
	return models.Appointment{
		ID:              id,
		UserID:          "user-" + id,
		ServiceName:     "Corte y barba",
		BarberName:      "Carlos",
		AppointmentDate: models.FormatTimestamp(fixedNow.Add(offset)),
		Status:          models.StatusConfirmed,
	}
}

func newTestJob(st Store, sender push.Sender, opts ...Option) (*Job, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	laPaz := time.FixedZone("BOT", -4*60*60)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewJob(st, sender, Config{
		Lead:     15 * time.Minute,
		Span:     15 * time.Minute,
		Location: laPaz,
	}, zap.New(core), opts...), logs
}

func TestRun_SendsAndMarksReminder(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("A1", 20*time.Minute))
	sub := st.addSubscription("user-A1")

	sender := new(MockSender)
	sender.On("Send", mock.Anything, sub, mock.Anything).Return(nil).Once()

	job, _ := newTestJob(st, sender)
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.True(t, st.appointment("A1").ReminderSent)
	sender.AssertExpectations(t)

	var payload models.NotificationPayload
	require.NoError(t, json.Unmarshal(sender.Calls[0].Arguments.Get(2).([]byte), &payload))
	assert.Equal(t, "¡Tu cita se acerca!", payload.Title)
	// 14:20 UTC is 10:20 in La Paz
	assert.Equal(t, "Tu servicio de Corte y barba con Carlos es a las 10:20.", payload.Body)
}

func TestRun_NoSubscriptionIsUnreachable(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("A2", 20*time.Minute))
	sender := new(MockSender)

	job, logs := newTestJob(st, sender)
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, SkipNoSubscription, summary.Outcomes[0].Skip)
	assert.False(t, st.appointment("A2").ReminderSent)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, logs.FilterMessageSnippet("unreachable").Len())
}

func TestRun_IgnoresUnconfirmedAppointments(t *testing.T) {
	st := newFakeStore()
	for _, status := range []string{models.StatusPending, models.StatusCancelled} {
		a := confirmedAt("A3-"+status, 20*time.Minute)
		a.Status = status
		st.addAppointment(a)
		st.addSubscription(a.UserID)
	}
	sender := new(MockSender)

	job, _ := newTestJob(st, sender)
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Considered)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_OnlyWithinWindow(t *testing.T) {
	st := newFakeStore()
	for id, offset := range map[string]time.Duration{
		"too-soon":  14*time.Minute + 59*time.Second,
		"at-start":  15 * time.Minute,
		"last-ms":   30*time.Minute - time.Millisecond,
		"at-end":    30 * time.Minute,
		"tomorrow":  24 * time.Hour,
		"yesterday": -24 * time.Hour,
	} {
		st.addAppointment(confirmedAt(id, offset))
		st.addSubscription("user-" + id)
	}
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	job, _ := newTestJob(st, sender)
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sent)
	assert.True(t, st.appointment("at-start").ReminderSent)
	assert.True(t, st.appointment("last-ms").ReminderSent)
	for _, id := range []string{"too-soon", "at-end", "tomorrow", "yesterday"} {
		assert.False(t, st.appointment(id).ReminderSent, id)
	}
}

func TestRun_SkipsAlreadySent(t *testing.T) {
	st := newFakeStore()
	a := confirmedAt("A4", 20*time.Minute)
	a.ReminderSent = true
	st.addAppointment(a)
	st.addSubscription(a.UserID)
	sender := new(MockSender)

	job, _ := newTestJob(st, sender)
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, SkipAlreadySent, summary.Outcomes[0].Skip)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_GoneSubscriptionIsDeleted(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("A5", 20*time.Minute))
	st.addSubscription("user-A5")

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Return(&push.DeliveryError{StatusCode: http.StatusGone, Err: errors.New("expired")})
	events := new(MockPublisher)
	events.On("PublishReminderEvent", mock.Anything, mock.Anything).Return(nil)

	job, _ := newTestJob(st, sender, WithEvents(events))
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.SubscriptionsRemoved)
	assert.Equal(t, FailureGone, summary.Outcomes[0].Failure)
	assert.False(t, st.hasSubscription("user-A5"))
	assert.False(t, st.appointment("A5").ReminderSent)

	var types []string
	for _, c := range events.Calls {
		types = append(types, c.Arguments.Get(1).(models.ReminderEvent).Type)
	}
	assert.ElementsMatch(t, []string{models.EventReminderFailed, models.EventSubscriptionRemoved}, types)
}

func TestRun_TransientFailureLeavesStateForNextRun(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("A6", 20*time.Minute))
	st.addSubscription("user-A6")

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).
		Return(&push.DeliveryError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("busy")}).Once()
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	job, _ := newTestJob(st, sender)
	summary, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, FailureTransient, summary.Outcomes[0].Failure)
	assert.Equal(t, http.StatusServiceUnavailable, summary.Outcomes[0].StatusCode)
	assert.True(t, st.hasSubscription("user-A6"))
	assert.False(t, st.appointment("A6").ReminderSent)

	summary, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.True(t, st.appointment("A6").ReminderSent)
}

func TestRun_FlagPersistFailureStillCountsAsSent(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("A7", 20*time.Minute))
	st.addSubscription("user-A7")
	st.markErr["A7"] = errors.New("write timeout")

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	job, logs := newTestJob(st, sender)
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Error(t, summary.Outcomes[0].FlagErr)
	assert.Equal(t, 1, logs.FilterMessage("failed to persist reminder_sent").Len())
}

func TestRun_QueryFailureIsFatal(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("connection refused")
	sender := new(MockSender)

	job, _ := newTestJob(st, sender)
	_, err := job.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_SecondRunSendsNothing(t *testing.T) {
	st := newFakeStore()
	for _, id := range []string{"B1", "B2", "B3"} {
		st.addAppointment(confirmedAt(id, 20*time.Minute))
		st.addSubscription("user-" + id)
	}
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	job, _ := newTestJob(st, sender)
	first, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Sent)

	second, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Sent)
	assert.Equal(t, 3, second.Skipped)
	sender.AssertNumberOfCalls(t, "Send", 3)
}

func TestRun_FailuresAreIsolated(t *testing.T) {
	st := newFakeStore()
	for _, id := range []string{"ok1", "ok2", "lookup", "boom", "transient"} {
		st.addAppointment(confirmedAt(id, 20*time.Minute))
		st.addSubscription("user-" + id)
	}
	st.getSubErr["user-lookup"] = errors.New("store timeout")

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(s models.Subscription) bool {
		return s.Endpoint == "https://fcm.googleapis.com/fcm/send/user-boom"
	}), mock.Anything).Run(func(mock.Arguments) { panic("driver bug") })
	sender.On("Send", mock.Anything, mock.MatchedBy(func(s models.Subscription) bool {
		return s.Endpoint == "https://fcm.googleapis.com/fcm/send/user-transient"
	}), mock.Anything).Return(errors.New("dial tcp: i/o timeout"))
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	job, _ := newTestJob(st, sender)
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5, summary.Considered)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 3, summary.Failed)
	assert.True(t, st.appointment("ok1").ReminderSent)
	assert.True(t, st.appointment("ok2").ReminderSent)

	failures := map[string]Failure{}
	for _, o := range summary.Outcomes {
		if o.Kind == Failed {
			failures[o.AppointmentID] = o.Failure
		}
	}
	assert.Equal(t, map[string]Failure{
		"lookup":    FailureLookup,
		"boom":      FailurePanic,
		"transient": FailureTransient,
	}, failures)
}

func TestRun_ClaimedElsewhereIsSkipped(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("C1", 20*time.Minute))
	st.addSubscription("user-C1")

	claimer := new(MockClaimer)
	claimer.On("Claim", mock.Anything, "C1").Return("", false, nil)
	sender := new(MockSender)

	job, _ := newTestJob(st, sender, WithClaimer(claimer))
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, SkipClaimed, summary.Outcomes[0].Skip)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	claimer.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ClaimReleasedOnlyWhenNotSent(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("C2", 20*time.Minute))
	st.addAppointment(confirmedAt("C3", 20*time.Minute))
	st.addSubscription("user-C2")
	st.addSubscription("user-C3")

	claimer := new(MockClaimer)
	claimer.On("Claim", mock.Anything, mock.Anything).Return("tok", true, nil)
	claimer.On("Release", mock.Anything, "C3", "tok").Return(nil).Once()

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(s models.Subscription) bool {
		return s.Endpoint == "https://fcm.googleapis.com/fcm/send/user-C3"
	}), mock.Anything).Return(errors.New("reset by peer"))
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	job, _ := newTestJob(st, sender, WithClaimer(claimer))
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	claimer.AssertExpectations(t)
	claimer.AssertNumberOfCalls(t, "Release", 1)
}

func TestRun_ClaimErrorSendsUnguarded(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("C4", 20*time.Minute))
	st.addSubscription("user-C4")

	claimer := new(MockClaimer)
	claimer.On("Claim", mock.Anything, "C4").Return("", false, errors.New("redis down"))
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	job, _ := newTestJob(st, sender, WithClaimer(claimer))
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	claimer.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_PublishFailureDoesNotAffectOutcome(t *testing.T) {
	st := newFakeStore()
	st.addAppointment(confirmedAt("E1", 20*time.Minute))
	st.addSubscription("user-E1")

	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	events := new(MockPublisher)
	events.On("PublishReminderEvent", mock.Anything, mock.MatchedBy(func(e models.ReminderEvent) bool {
		return e.Type == models.EventReminderSent && e.AppointmentID == "E1"
	})).Return(errors.New("channel closed"))

	job, _ := newTestJob(st, sender, WithEvents(events))
	summary, err := job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.True(t, st.appointment("E1").ReminderSent)
	events.AssertExpectations(t)
}

func TestConfig_WindowAt(t *testing.T) {
	w := Config{Lead: 15 * time.Minute, Span: 15 * time.Minute}.WindowAt(fixedNow)
	assert.Equal(t, fixedNow.Add(15*time.Minute), w.Start)
	assert.Equal(t, fixedNow.Add(30*time.Minute), w.End)
}

func TestBuildPayload_UnparsableDate(t *testing.T) {
	p := BuildPayload(models.Appointment{
		ServiceName:     "Afeitado",
		BarberName:      "Ana",
		AppointmentDate: "hoy",
	}, nil)
	assert.Equal(t, "Tu servicio de Afeitado con Ana es a las hoy.", p.Body)
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable(errors.New("missing VAPID keys")).Run(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Contains(t, err.Error(), "missing VAPID keys")
}
