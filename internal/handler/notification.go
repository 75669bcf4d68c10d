package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sumire/notifications/internal/domain"
	"github.com/sumire/notifications/internal/service"
)

// NotificationService is the subset of service.NotificationService used by the handlers.
type NotificationService interface {
	RegisterToken(ctx context.Context, callerID int64, in service.RegisterTokenInput) (*domain.PushToken, error)
	UnregisterToken(ctx context.Context, callerID int64, token string) error
	UpdatePreferences(ctx context.Context, callerID int64, prefs domain.Preferences) (domain.Preferences, error)
	ListNotifications(ctx context.Context, userID int64, in service.ListInput) (*service.NotificationPage, error)
	MarkRead(ctx context.Context, userID int64, notificationID string) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	DeleteNotification(ctx context.Context, userID int64, notificationID string) error
	SendNotification(ctx context.Context, in service.SendInput) (*service.SendResult, error)
	BroadcastNotification(ctx context.Context, in service.BroadcastInput) (*service.BroadcastResult, error)
	GetStats(ctx context.Context, rng domain.DateRange) (*domain.Stats, error)
}

// NotificationHandler handles push token and notification endpoints.
type NotificationHandler struct {
	svc NotificationService
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(svc NotificationService) *NotificationHandler {
	return &NotificationHandler{svc: svc}
}

// Register mounts the notification routes on g. Every route requires a
// bearer token; send, broadcast and stats also require the admin role.
func (h *NotificationHandler) Register(g *echo.Group, auth *service.AuthService) {
	g.Use(JWTAuth(auth))

	g.POST("/token", h.RegisterToken)
	g.DELETE("/token", h.UnregisterToken)
	g.PUT("/preferences", h.UpdatePreferences)
	g.GET("", h.List)
	g.PUT("/read-all", h.MarkAllRead)
	g.PUT("/:id/read", h.MarkRead)
	g.DELETE("/:id", h.Delete)

	admin := RequireAdmin()
	g.POST("/send", h.Send, admin)
	g.POST("/broadcast", h.Broadcast, admin)
	g.GET("/stats", h.Stats, admin)
}

type registerTokenRequest struct {
	Token       string             `json:"token" validate:"required"`
	Platform    domain.Platform    `json:"platform" validate:"omitempty,oneof=ios android web"`
	DeviceID    *string            `json:"deviceId"`
	DeviceName  *string            `json:"deviceName"`
	Preferences domain.Preferences `json:"preferences"`
}

// RegisterToken stores the caller's device address.
func (h *NotificationHandler) RegisterToken(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	var req registerTokenRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	token, err := h.svc.RegisterToken(c.Request().Context(), userID, service.RegisterTokenInput{
		Token:       req.Token,
		Platform:    req.Platform,
		DeviceID:    req.DeviceID,
		DeviceName:  req.DeviceName,
		Preferences: req.Preferences,
	})
	if err != nil {
		return err
	}

	return JSON(c, http.StatusOK, map[string]string{"tokenId": token.ID})
}

type unregisterTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// UnregisterToken deactivates the caller's device address.
func (h *NotificationHandler) UnregisterToken(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	var req unregisterTokenRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	if err := h.svc.UnregisterToken(c.Request().Context(), userID, req.Token); err != nil {
		return err
	}
	return Success(c)
}

type preferencesRequest struct {
	Preferences domain.Preferences `json:"preferences" validate:"required"`
}

// UpdatePreferences replaces the delivery preferences on all of the caller's devices.
func (h *NotificationHandler) UpdatePreferences(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	var req preferencesRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	prefs, err := h.svc.UpdatePreferences(c.Request().Context(), userID, req.Preferences)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]domain.Preferences{"preferences": prefs})
}

type listRequest struct {
	Page   int    `query:"page" validate:"gte=0"`
	Limit  int    `query:"limit" validate:"gte=0"`
	Status string `query:"status" validate:"omitempty,oneof=pending sent delivered failed read"`
	Type   string `query:"type"`
}

// List returns one page of the caller's notifications.
func (h *NotificationHandler) List(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	var req listRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	in := service.ListInput{Page: req.Page, Limit: req.Limit}
	if req.Status != "" {
		status := domain.NotificationStatus(req.Status)
		in.Status = &status
	}
	if req.Type != "" {
		t := domain.NotificationType(req.Type)
		in.Type = &t
	}

	page, err := h.svc.ListNotifications(c.Request().Context(), userID, in)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, page)
}

// MarkRead marks one of the caller's notifications read.
func (h *NotificationHandler) MarkRead(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	if err := h.svc.MarkRead(c.Request().Context(), userID, c.Param("id")); err != nil {
		return err
	}
	return Success(c)
}

// MarkAllRead marks all of the caller's notifications read.
func (h *NotificationHandler) MarkAllRead(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	if _, err := h.svc.MarkAllRead(c.Request().Context(), userID); err != nil {
		return err
	}
	return Success(c)
}

// Delete removes one of the caller's notifications.
func (h *NotificationHandler) Delete(c echo.Context) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	if err := h.svc.DeleteNotification(c.Request().Context(), userID, c.Param("id")); err != nil {
		return err
	}
	return Success(c)
}

type sendRequest struct {
	UserID    int64                   `json:"userId" validate:"required,gt=0"`
	Title     string                  `json:"title" validate:"required"`
	Body      string                  `json:"body" validate:"required"`
	Type      domain.NotificationType `json:"type"`
	Data      domain.Payload          `json:"data"`
	Priority  domain.Priority         `json:"priority" validate:"omitempty,oneof=low normal high"`
	ChannelID string                  `json:"channelId"`
}

// Send dispatches a notification to one user.
func (h *NotificationHandler) Send(c echo.Context) error {
	var req sendRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	res, err := h.svc.SendNotification(c.Request().Context(), service.SendInput{
		UserID:    req.UserID,
		Title:     req.Title,
		Body:      req.Body,
		Type:      req.Type,
		Data:      req.Data,
		Priority:  req.Priority,
		ChannelID: req.ChannelID,
	})
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, res)
}

type broadcastRequest struct {
	UserIDs  []int64                 `json:"userIds" validate:"required,min=1,dive,gt=0"`
	Title    string                  `json:"title" validate:"required"`
	Body     string                  `json:"body" validate:"required"`
	Type     domain.NotificationType `json:"type"`
	Data     domain.Payload          `json:"data"`
	Priority domain.Priority         `json:"priority" validate:"omitempty,oneof=low normal high"`
}

// Broadcast dispatches the same notification to many users.
func (h *NotificationHandler) Broadcast(c echo.Context) error {
	var req broadcastRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	res, err := h.svc.BroadcastNotification(c.Request().Context(), service.BroadcastInput{
		UserIDs:  req.UserIDs,
		Title:    req.Title,
		Body:     req.Body,
		Type:     req.Type,
		Data:     req.Data,
		Priority: req.Priority,
	})
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]*service.BroadcastResult{"stats": res})
}

// Stats returns notification counts for an optional creation date range.
func (h *NotificationHandler) Stats(c echo.Context) error {
	start, err := parseDate("startDate", c.QueryParam("startDate"), false)
	if err != nil {
		return err
	}
	end, err := parseDate("endDate", c.QueryParam("endDate"), true)
	if err != nil {
		return err
	}

	stats, err := h.svc.GetStats(c.Request().Context(), domain.DateRange{Start: start, End: end})
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, map[string]*domain.Stats{"stats": stats})
}

func callerID(c echo.Context) (int64, error) {
	id, ok := GetUserID(c)
	if !ok {
		return 0, domain.ErrUnauthorized
	}
	return id, nil
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return c.Validate(req)
}

// parseDate accepts RFC3339 or a bare date. A bare end date covers the whole day.
func parseDate(field, v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, &domain.ValidationError{Field: field, Message: "must be RFC3339 or YYYY-MM-DD"}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}
