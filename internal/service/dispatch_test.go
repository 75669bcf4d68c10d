package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/notifications/internal/domain"
	"github.com/sumire/notifications/internal/push"
)

func registerTokens(t *testing.T, f *fixture, userID int64, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		_, err := f.tokens.Upsert(context.Background(), domain.TokenRegistration{
			UserID:   userID,
			Token:    address(i),
			Platform: domain.PlatformAndroid,
		})
		require.NoError(t, err)
	}
}

func TestDispatchWithoutTokens(t *testing.T) {
	f := newFixture(DispatchConfig{})

	res, err := f.svc.SendNotification(context.Background(), SendInput{UserID: 1, Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.False(t, res.PushSent)
	assert.Equal(t, SendStats{}, res.Stats)

	rows := f.notifications.all()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusPending, rows[0].Status)
	assert.Nil(t, rows[0].ErrorMessage)
	assert.Zero(t, f.gateway.calls())
}

func TestDispatchTokenLookupFailureLogsNotification(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	f := newFixture(DispatchConfig{})
	f.tokens.listErr = fmt.Errorf("list tokens: %w", domain.ErrPersistence)

	_, err := f.svc.SendNotification(context.Background(), SendInput{UserID: 1, Title: "t", Body: "b"})
	require.ErrorIs(t, err, domain.ErrPersistence)

	rows := f.notifications.all()
	require.Len(t, rows, 1)
	assert.Equal(t, domain.StatusPending, rows[0].Status)
	assert.Zero(t, f.gateway.calls())

	out := logs.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"notification_id":"`+rows[0].ID+`"`)
	assert.Contains(t, out, `"user_id":1`)
}

func TestDispatchTransportErrorMarksFailed(t *testing.T) {
	f := newFixture(DispatchConfig{})
	f.gateway.failAll = true
	registerTokens(t, f, 1, 0, 2)

	res, err := f.svc.SendNotification(context.Background(), SendInput{UserID: 1, Title: "t", Body: "b"})
	require.NoError(t, err, "gateway failures never reach the caller")
	assert.False(t, res.PushSent)
	assert.Equal(t, SendStats{Sent: 0, Failed: 2}, res.Stats)

	n := f.notifications.get(res.NotificationID)
	assert.Equal(t, domain.StatusFailed, n.Status)
	require.NotNil(t, n.ErrorMessage)
	assert.Contains(t, *n.ErrorMessage, "connection refused")
	assert.Nil(t, n.SentAt)
}

func TestDispatchIsolatesFailedBatch(t *testing.T) {
	f := newFixture(DispatchConfig{BatchSize: 100, MaxConcurrency: 1})
	f.gateway.failCalls = map[int]bool{0: true}
	registerTokens(t, f, 1, 0, 150)

	res, err := f.svc.SendNotification(context.Background(), SendInput{UserID: 1, Title: "t", Body: "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, f.gateway.calls())
	assert.True(t, res.PushSent)
	assert.Equal(t, SendStats{Sent: 50, Failed: 100}, res.Stats)
	assert.Equal(t, domain.StatusSent, f.notifications.get(res.NotificationID).Status)
}

func TestDispatchAllTicketsRejected(t *testing.T) {
	f := newFixture(DispatchConfig{})
	registerTokens(t, f, 1, 0, 1)
	f.gateway.rejected = map[string]bool{address(0): true}

	res, err := f.svc.SendNotification(context.Background(), SendInput{UserID: 1, Title: "t", Body: "b"})
	require.NoError(t, err)

	n := f.notifications.get(res.NotificationID)
	assert.Equal(t, domain.StatusFailed, n.Status)
	require.NotNil(t, n.ErrorMessage)
	assert.Equal(t, "DeviceNotRegistered", *n.ErrorMessage)
}

func TestDispatchSkipsOptedOutDevices(t *testing.T) {
	f := newFixture(DispatchConfig{})
	ctx := context.Background()
	registerTokens(t, f, 1, 0, 1)
	_, err := f.tokens.Upsert(ctx, domain.TokenRegistration{
		UserID:      1,
		Token:       address(1),
		Preferences: domain.Preferences{domain.PrefPayments: false},
	})
	require.NoError(t, err)

	res, err := f.svc.SendNotification(ctx, SendInput{UserID: 1, Title: "t", Body: "b", Type: domain.TypePaymentPending})
	require.NoError(t, err)
	assert.Equal(t, SendStats{Sent: 1}, res.Stats)

	msgs := f.gateway.sentMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, address(0), msgs[0].To)
}

func TestDispatchFinishesAfterCallerCancels(t *testing.T) {
	f := newFixture(DispatchConfig{})
	registerTokens(t, f, 1, 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.svc.SendNotification(ctx, SendInput{UserID: 1, Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, f.notifications.get(res.NotificationID).Status)
}

type shortGateway struct{}

func (shortGateway) SendBatch(context.Context, []push.Message) ([]push.Ticket, error) {
	return []push.Ticket{{Status: push.TicketOK, ID: "only-one"}}, nil
}

func TestDispatchMissingTicketsCountAsErrors(t *testing.T) {
	c := newClock()
	tokens := newMemTokenStore(c)
	notifications := newMemNotificationStore(c)
	engine := NewDispatchEngine(tokens, notifications, shortGateway{}, nil, DispatchConfig{})
	ctx := context.Background()

	for i := range 3 {
		_, err := tokens.Upsert(ctx, domain.TokenRegistration{UserID: 1, Token: address(i)})
		require.NoError(t, err)
	}

	res, err := engine.Dispatch(ctx, domain.NewNotification(1, "t", "b", "", nil, "", ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.Failed)
}

func TestBroadcastBatchesAcrossUsers(t *testing.T) {
	f := newFixture(DispatchConfig{BatchSize: 100})
	registerTokens(t, f, 1, 0, 120)
	registerTokens(t, f, 2, 120, 100)
	registerTokens(t, f, 3, 220, 30)

	res, err := f.svc.BroadcastNotification(context.Background(), BroadcastInput{
		UserIDs: []int64{1, 2, 3, 2},
		Title:   "Maintenance",
		Body:    "Back in 10 minutes",
		Type:    domain.TypeSystem,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Users)
	assert.Equal(t, 250, res.Tokens)
	assert.Equal(t, 250, res.Sent)
	assert.Equal(t, 3, f.gateway.calls(), "250 messages in batches of 100")

	rows := f.notifications.all()
	require.Len(t, rows, 3)
	byUser := map[int64]string{}
	for _, n := range rows {
		assert.Equal(t, domain.StatusSent, n.Status)
		byUser[n.UserID] = n.ID
	}

	owner := map[string]int64{}
	for _, tok := range f.tokens.tokens {
		owner[tok.Token] = tok.UserID
	}
	for _, m := range f.gateway.sentMessages() {
		assert.Equal(t, byUser[owner[m.To]], m.Data["notificationId"])
	}
}

func TestBroadcastMarksSentDespiteFailures(t *testing.T) {
	f := newFixture(DispatchConfig{})
	f.gateway.failAll = true
	registerTokens(t, f, 1, 0, 2)

	res, err := f.svc.BroadcastNotification(context.Background(), BroadcastInput{
		UserIDs: []int64{1, 2},
		Title:   "t",
		Body:    "b",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Sent)

	for _, n := range f.notifications.all() {
		assert.Equal(t, domain.StatusSent, n.Status)
	}
}

func TestBroadcastValidation(t *testing.T) {
	f := newFixture(DispatchConfig{})
	ctx := context.Background()

	_, err := f.svc.BroadcastNotification(ctx, BroadcastInput{Title: "t", Body: "b"})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, err = f.svc.BroadcastNotification(ctx, BroadcastInput{UserIDs: []int64{1}, Body: "b"})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	assert.Empty(t, f.notifications.all())
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	c := newClock()
	tokens := newMemTokenStore(c)
	notifications := newMemNotificationStore(c)
	gw := &fakeGateway{rejected: map[string]bool{address(1): true}}
	engine := NewDispatchEngine(tokens, notifications, gw, metrics, DispatchConfig{})
	ctx := context.Background()

	for i := range 2 {
		_, err := tokens.Upsert(ctx, domain.TokenRegistration{UserID: 1, Token: address(i)})
		require.NoError(t, err)
	}
	_, err := engine.Dispatch(ctx, domain.NewNotification(1, "t", "b", "", nil, "", ""))
	require.NoError(t, err)
	_, err = engine.Dispatch(ctx, domain.NewNotification(2, "t", "b", "", nil, "", ""))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatches.WithLabelValues(string(OutcomeSent))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatches.WithLabelValues(string(OutcomeNoTokens))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues("error")))
}
