package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sumire/notifications/internal/domain"
	"github.com/sumire/notifications/internal/push"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// StatsCache defines an optional read-through cache for GetStats.
type StatsCache interface {
	Get(ctx context.Context, rng domain.DateRange) (*domain.Stats, error)
	Set(ctx context.Context, rng domain.DateRange, stats *domain.Stats) error
}

// UserStore resolves notification recipients.
type UserStore interface {
	Exists(ctx context.Context, id int64) (bool, error)
	FilterExisting(ctx context.Context, ids []int64) ([]int64, error)
}

// NotificationService is the public entry point for push tokens and notifications.
type NotificationService struct {
	users         UserStore
	tokens        TokenStore
	notifications NotificationStore
	engine        *DispatchEngine
	cache         StatsCache
}

// NewNotificationService creates a new NotificationService. cache may be nil.
func NewNotificationService(users UserStore, tokens TokenStore, notifications NotificationStore, engine *DispatchEngine, cache StatsCache) *NotificationService {
	return &NotificationService{
		users:         users,
		tokens:        tokens,
		notifications: notifications,
		engine:        engine,
		cache:         cache,
	}
}

// RegisterTokenInput holds the fields of a device registration.
type RegisterTokenInput struct {
	Token       string
	Platform    domain.Platform
	DeviceID    *string
	DeviceName  *string
	Preferences domain.Preferences
}

// RegisterToken stores or refreshes a device address for the caller.
func (s *NotificationService) RegisterToken(ctx context.Context, callerID int64, in RegisterTokenInput) (*domain.PushToken, error) {
	token := strings.TrimSpace(in.Token)
	if token == "" {
		return nil, domain.MissingField("token")
	}
	if !push.ValidAddress(token) {
		return nil, domain.ErrInvalidAddressFormat
	}

	platform := in.Platform
	if platform == "" {
		platform = domain.PlatformAndroid
	}
	if !platform.Valid() {
		return nil, &domain.ValidationError{Field: "platform", Message: "must be one of ios, android, web"}
	}

	return s.tokens.Upsert(ctx, domain.TokenRegistration{
		UserID:      callerID,
		Token:       token,
		Platform:    platform,
		DeviceID:    in.DeviceID,
		DeviceName:  in.DeviceName,
		Preferences: in.Preferences,
	})
}

// UnregisterToken deactivates a device address. Unknown addresses succeed.
func (s *NotificationService) UnregisterToken(ctx context.Context, callerID int64, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.MissingField("token")
	}
	return s.tokens.Deactivate(ctx, callerID, token)
}

// UpdatePreferences applies prefs to every active device of the caller and
// returns the stored flags.
func (s *NotificationService) UpdatePreferences(ctx context.Context, callerID int64, prefs domain.Preferences) (domain.Preferences, error) {
	if prefs == nil {
		return nil, domain.MissingField("preferences")
	}
	merged := prefs.WithDefaults()

	n, err := s.tokens.SetPreferences(ctx, callerID, merged)
	if err != nil {
		return nil, err
	}
	slog.Debug("preferences updated", "user_id", callerID, "tokens", n)
	return merged, nil
}

// SendInput describes a notification to one user.
type SendInput struct {
	UserID    int64
	Title     string
	Body      string
	Type      domain.NotificationType
	Data      domain.Payload
	Priority  domain.Priority
	ChannelID string
}

// SendResult is returned by SendNotification.
type SendResult struct {
	NotificationID string    `json:"notificationId"`
	PushSent       bool      `json:"pushSent"`
	Stats          SendStats `json:"stats"`
}

// SendStats counts accepted and rejected gateway messages.
type SendStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// SendNotification validates in and dispatches it. Delivery failures are
// reported in the result, not as an error.
func (s *NotificationService) SendNotification(ctx context.Context, in SendInput) (*SendResult, error) {
	if in.UserID == 0 {
		return nil, domain.MissingField("userId")
	}
	n, err := buildNotification(in.UserID, in.Title, in.Body, in.Type, in.Data, in.Priority, in.ChannelID)
	if err != nil {
		return nil, err
	}

	exists, err := s.users.Exists(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("user %d: %w", in.UserID, domain.ErrNotFound)
	}

	res, err := s.engine.Dispatch(ctx, n)
	if err != nil {
		return nil, err
	}
	return &SendResult{
		NotificationID: res.NotificationID,
		PushSent:       res.PushSent(),
		Stats:          SendStats{Sent: res.Sent, Failed: res.Failed},
	}, nil
}

// SendToUser dispatches a notification on behalf of another in-process
// component. Optional fields take their defaults when empty.
func (s *NotificationService) SendToUser(ctx context.Context, userID int64, title, body string, t domain.NotificationType, data domain.Payload) (*DispatchResult, error) {
	return s.engine.Dispatch(ctx, domain.NewNotification(userID, title, body, t, data, "", ""))
}

// BroadcastInput describes a notification to many users.
type BroadcastInput struct {
	UserIDs  []int64
	Title    string
	Body     string
	Type     domain.NotificationType
	Data     domain.Payload
	Priority domain.Priority
}

// BroadcastNotification sends the same notification to every listed user in
// one batched gateway pass. Unknown user ids are skipped.
func (s *NotificationService) BroadcastNotification(ctx context.Context, in BroadcastInput) (*BroadcastResult, error) {
	if len(in.UserIDs) == 0 {
		return nil, domain.MissingField("userIds")
	}
	tmpl, err := buildNotification(0, in.Title, in.Body, in.Type, in.Data, in.Priority, "")
	if err != nil {
		return nil, err
	}

	users, err := s.users.FilterExisting(ctx, in.UserIDs)
	if err != nil {
		return nil, err
	}
	if len(users) < len(in.UserIDs) {
		slog.Debug("broadcast skipping unknown users", "requested", len(in.UserIDs), "known", len(users))
	}
	if len(users) == 0 {
		return &BroadcastResult{}, nil
	}
	return s.engine.Broadcast(ctx, users, tmpl)
}

// ListInput selects one page of notifications.
type ListInput struct {
	Page   int
	Limit  int
	Status *domain.NotificationStatus
	Type   *domain.NotificationType
}

// Pagination describes a page of a listing.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

// NotificationPage is one page of a user's notifications.
type NotificationPage struct {
	Notifications []domain.Notification `json:"notifications"`
	Pagination    Pagination            `json:"pagination"`
	UnreadCount   int64                 `json:"unreadCount"`
}

// ListNotifications returns the caller's notifications, newest first.
func (s *NotificationService) ListNotifications(ctx context.Context, userID int64, in ListInput) (*NotificationPage, error) {
	page := max(in.Page, 1)
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)

	if in.Status != nil && !in.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: "unknown status"}
	}
	if in.Type != nil && !in.Type.Valid() {
		return nil, &domain.ValidationError{Field: "type", Message: "unknown type"}
	}

	items, total, err := s.notifications.List(ctx, domain.NotificationFilter{
		UserID: userID,
		Status: in.Status,
		Type:   in.Type,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}

	unread, err := s.notifications.CountUnread(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &NotificationPage{
		Notifications: items,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + int64(limit) - 1) / int64(limit),
		},
		UnreadCount: unread,
	}, nil
}

// MarkRead marks one of the caller's notifications read. Repeated calls keep
// the first read time.
func (s *NotificationService) MarkRead(ctx context.Context, userID int64, notificationID string) error {
	if notificationID == "" {
		return domain.MissingField("id")
	}
	return s.notifications.MarkRead(ctx, userID, notificationID)
}

// MarkAllRead marks every unread notification of the caller read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	return s.notifications.MarkAllRead(ctx, userID)
}

// DeleteNotification removes one of the caller's notifications.
func (s *NotificationService) DeleteNotification(ctx context.Context, userID int64, notificationID string) error {
	if notificationID == "" {
		return domain.MissingField("id")
	}
	return s.notifications.Delete(ctx, userID, notificationID)
}

// GetStats aggregates notifications created within rng and all active tokens.
func (s *NotificationService) GetStats(ctx context.Context, rng domain.DateRange) (*domain.Stats, error) {
	if rng.Start != nil && rng.End != nil && rng.End.Before(*rng.Start) {
		return nil, &domain.ValidationError{Field: "endDate", Message: "must not be before startDate"}
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, rng)
		if err != nil {
			slog.Warn("stats cache read failed", "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	stats, err := s.notifications.Stats(ctx, rng)
	if err != nil {
		return nil, err
	}
	stats.ActiveTokens, stats.UsersWithTokens, err = s.tokens.CountActive(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, rng, stats); err != nil {
			slog.Warn("stats cache write failed", "error", err)
		}
	}
	return stats, nil
}

func buildNotification(userID int64, title, body string, t domain.NotificationType, data domain.Payload, p domain.Priority, channelID string) (domain.Notification, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Notification{}, domain.MissingField("title")
	}
	if strings.TrimSpace(body) == "" {
		return domain.Notification{}, domain.MissingField("body")
	}
	if t != "" && !t.Valid() {
		return domain.Notification{}, &domain.ValidationError{Field: "type", Message: "unknown notification type"}
	}
	if p != "" && !p.Valid() {
		return domain.Notification{}, &domain.ValidationError{Field: "priority", Message: "must be one of low, normal, high"}
	}
	return domain.NewNotification(userID, title, body, t, data, p, channelID), nil
}
