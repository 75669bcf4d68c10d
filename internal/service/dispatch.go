package service

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sumire/notifications/internal/domain"
	"github.com/sumire/notifications/internal/push"
)

// TokenStore defines the push token data access interface consumed by the services.
type TokenStore interface {
	Upsert(ctx context.Context, reg domain.TokenRegistration) (*domain.PushToken, error)
	Deactivate(ctx context.Context, userID int64, token string) error
	SetPreferences(ctx context.Context, userID int64, prefs domain.Preferences) (int64, error)
	ListActive(ctx context.Context, userID int64) ([]domain.PushToken, error)
	ListActiveForUsers(ctx context.Context, userIDs []int64) ([]domain.PushToken, error)
	CountActive(ctx context.Context) (tokens, users int64, err error)
}

// NotificationStore defines the notification data access interface consumed by the services.
type NotificationStore interface {
	Create(ctx context.Context, n domain.Notification) (*domain.Notification, error)
	CreateMany(ctx context.Context, ns []domain.Notification) ([]domain.Notification, error)
	MarkSent(ctx context.Context, id string, ticketID *string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkManySent(ctx context.Context, ids []string) error
	List(ctx context.Context, f domain.NotificationFilter) ([]domain.Notification, int64, error)
	CountUnread(ctx context.Context, userID int64) (int64, error)
	MarkRead(ctx context.Context, userID int64, id string) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	Delete(ctx context.Context, userID int64, id string) error
	Stats(ctx context.Context, rng domain.DateRange) (*domain.Stats, error)
}

// DispatchOutcome summarizes what happened to a single dispatch.
type DispatchOutcome string

const (
	OutcomeSent               DispatchOutcome = "sent"
	OutcomeFailed             DispatchOutcome = "failed"
	OutcomeNoTokens           DispatchOutcome = "no_tokens"
	OutcomePreferencesBlocked DispatchOutcome = "preferences_blocked"
)

// DispatchResult reports the delivery attempt for one notification.
type DispatchResult struct {
	NotificationID string          `json:"notificationId"`
	Outcome        DispatchOutcome `json:"outcome"`
	Sent           int             `json:"sent"`
	Failed         int             `json:"failed"`
}

// PushSent reports whether at least one device accepted the notification.
func (r DispatchResult) PushSent() bool {
	return r.Sent > 0
}

// BroadcastResult reports a broadcast across many users.
type BroadcastResult struct {
	Users  int `json:"users"`
	Tokens int `json:"tokens"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// DispatchConfig tunes gateway submission.
type DispatchConfig struct {
	BatchSize      int
	BatchTimeout   time.Duration
	MaxConcurrency int
}

// DispatchEngine turns notifications into gateway submissions and records the outcome.
type DispatchEngine struct {
	tokens        TokenStore
	notifications NotificationStore
	gateway       push.Client
	metrics       *Metrics
	cfg           DispatchConfig
}

// NewDispatchEngine creates a new DispatchEngine.
func NewDispatchEngine(tokens TokenStore, notifications NotificationStore, gateway push.Client, metrics *Metrics, cfg DispatchConfig) *DispatchEngine {
	if cfg.BatchSize <= 0 || cfg.BatchSize > push.MaxBatchSize {
		cfg.BatchSize = push.MaxBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &DispatchEngine{
		tokens:        tokens,
		notifications: notifications,
		gateway:       gateway,
		metrics:       metrics,
		cfg:           cfg,
	}
}

// Dispatch records n as pending and delivers it to the recipient's eligible
// devices. Gateway failures are folded into the result; only store failures
// are returned as errors. Once started it runs to completion even if ctx is
// cancelled.
func (e *DispatchEngine) Dispatch(ctx context.Context, n domain.Notification) (*DispatchResult, error) {
	ctx = context.WithoutCancel(ctx)

	record, err := e.notifications.Create(ctx, n)
	if err != nil {
		return nil, err
	}
	result := &DispatchResult{NotificationID: record.ID}

	tokens, err := e.tokens.ListActive(ctx, record.UserID)
	if err != nil {
		slog.Error("load tokens failed, notification left pending",
			"notification_id", record.ID,
			"user_id", record.UserID,
			"error", err,
		)
		return nil, err
	}
	if len(tokens) == 0 {
		result.Outcome = OutcomeNoTokens
		e.finish(record, result)
		return result, nil
	}

	messages := make([]push.Message, 0, len(tokens))
	for _, tok := range tokens {
		if domain.ShouldDeliver(tok, record.Type) {
			messages = append(messages, buildMessage(tok.Token, *record))
		}
	}
	if len(messages) == 0 {
		result.Outcome = OutcomePreferencesBlocked
		e.finish(record, result)
		return result, nil
	}

	summary := summarize(e.submit(ctx, messages))
	result.Sent, result.Failed = summary.ok, summary.failed

	if summary.ok > 0 {
		result.Outcome = OutcomeSent
		if err := e.notifications.MarkSent(ctx, record.ID, &summary.firstID); err != nil {
			slog.Error("mark notification sent failed", "notification_id", record.ID, "error", err)
			return nil, err
		}
	} else {
		result.Outcome = OutcomeFailed
		if err := e.notifications.MarkFailed(ctx, record.ID, summary.firstError); err != nil {
			slog.Error("mark notification failed failed", "notification_id", record.ID, "error", err)
			return nil, err
		}
	}

	e.finish(record, result)
	return result, nil
}

// Broadcast creates one notification per distinct user and submits the
// messages of every eligible device in a single batched pass. All created
// notifications are marked sent afterwards, whatever the ticket outcome.
func (e *DispatchEngine) Broadcast(ctx context.Context, userIDs []int64, tmpl domain.Notification) (*BroadcastResult, error) {
	ctx = context.WithoutCancel(ctx)

	users := slices.Clone(userIDs)
	slices.Sort(users)
	users = slices.Compact(users)

	drafts := make([]domain.Notification, len(users))
	for i, uid := range users {
		n := tmpl
		n.UserID = uid
		drafts[i] = n
	}

	records, err := e.notifications.CreateMany(ctx, drafts)
	if err != nil {
		return nil, err
	}

	byUser := make(map[int64]domain.Notification, len(records))
	ids := make([]string, len(records))
	for i, rec := range records {
		byUser[rec.UserID] = rec
		ids[i] = rec.ID
	}

	tokens, err := e.tokens.ListActiveForUsers(ctx, users)
	if err != nil {
		return nil, err
	}

	messages := make([]push.Message, 0, len(tokens))
	for _, tok := range tokens {
		rec, ok := byUser[tok.UserID]
		if !ok || !domain.ShouldDeliver(tok, rec.Type) {
			continue
		}
		messages = append(messages, buildMessage(tok.Token, rec))
	}

	summary := summarize(e.submit(ctx, messages))

	if err := e.notifications.MarkManySent(ctx, ids); err != nil {
		return nil, err
	}

	slog.Info("broadcast finished",
		"users", len(users),
		"tokens", len(messages),
		"sent", summary.ok,
		"failed", summary.failed,
	)

	return &BroadcastResult{
		Users:  len(users),
		Tokens: len(messages),
		Sent:   summary.ok,
		Failed: summary.failed,
	}, nil
}

func (e *DispatchEngine) finish(n *domain.Notification, r *DispatchResult) {
	e.metrics.observeDispatch(r.Outcome)
	slog.Info("notification dispatched",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"type", n.Type,
		"outcome", r.Outcome,
		"sent", r.Sent,
		"failed", r.Failed,
	)
}

// submit sends messages in gateway-sized batches concurrently and returns one
// ticket per message in input order.
func (e *DispatchEngine) submit(ctx context.Context, messages []push.Message) []push.Ticket {
	batches := push.Chunk(messages, e.cfg.BatchSize)
	results := make([][]push.Ticket, len(batches))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, batch := range batches {
		g.Go(func() error {
			results[i] = e.sendBatch(ctx, batch)
			return nil
		})
	}
	_ = g.Wait()

	tickets := make([]push.Ticket, 0, len(messages))
	ok := 0
	for _, r := range results {
		for _, t := range r {
			if t.OK() {
				ok++
			}
		}
		tickets = append(tickets, r...)
	}
	e.metrics.observeTickets(ok, len(tickets)-ok)
	return tickets
}

// sendBatch never fails: a transport error becomes an error ticket for every
// message in the batch.
func (e *DispatchEngine) sendBatch(ctx context.Context, batch []push.Message) []push.Ticket {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BatchTimeout)
	defer cancel()

	start := time.Now()
	tickets, err := e.gateway.SendBatch(ctx, batch)
	e.metrics.observeBatch(time.Since(start).Seconds(), err)

	if err != nil {
		slog.Warn("push batch failed", "size", len(batch), "error", err)
		out := make([]push.Ticket, len(batch))
		for i := range out {
			out[i] = push.ErrorTicket(err.Error())
		}
		return out
	}

	if len(tickets) != len(batch) {
		slog.Warn("push gateway ticket count mismatch", "size", len(batch), "tickets", len(tickets))
	}
	out := make([]push.Ticket, len(batch))
	for i := range out {
		if i < len(tickets) {
			out[i] = tickets[i]
		} else {
			out[i] = push.ErrorTicket("missing ticket from gateway")
		}
	}
	return out
}

type ticketSummary struct {
	ok, failed int
	firstID    string
	firstError string
}

func summarize(tickets []push.Ticket) ticketSummary {
	var s ticketSummary
	for _, t := range tickets {
		if t.OK() {
			if s.ok == 0 {
				s.firstID = t.ID
			}
			s.ok++
			continue
		}
		if s.failed == 0 {
			s.firstError = t.Message
			if s.firstError == "" {
				s.firstError = "push gateway rejected message"
			}
		}
		s.failed++
	}
	return s
}

func buildMessage(address string, n domain.Notification) push.Message {
	data := make(map[string]any, len(n.Data)+2)
	for k, v := range n.Data {
		data[k] = v
	}
	data["notificationId"] = n.ID
	data["type"] = string(n.Type)

	msg := push.Message{
		To:        address,
		Title:     n.Title,
		Body:      n.Body,
		Data:      data,
		ChannelID: n.ChannelID,
	}

	switch n.Priority {
	case domain.PriorityHigh:
		msg.Priority = "high"
		msg.Sound = "default"
	case domain.PriorityLow:
		msg.Priority = "default"
	case domain.PriorityNormal:
		msg.Priority = "normal"
		msg.Sound = "default"
	default:
		msg.Priority = "normal"
		msg.Sound = "default"
	}
	return msg
}
