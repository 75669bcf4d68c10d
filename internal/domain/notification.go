package domain

import "time"

// NotificationType is the category of a notification.
type NotificationType string

const (
	TypeProjectUpdate   NotificationType = "project_update"
	TypeProjectApproved NotificationType = "project_approved"
	TypeProjectRejected NotificationType = "project_rejected"
	TypePaymentReceived NotificationType = "payment_received"
	TypePaymentPending  NotificationType = "payment_pending"
	TypeMessage         NotificationType = "message"
	TypeReminder        NotificationType = "reminder"
	TypeSystem          NotificationType = "system"
	TypeGeneral         NotificationType = "general"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case TypeProjectUpdate, TypeProjectApproved, TypeProjectRejected,
		TypePaymentReceived, TypePaymentPending,
		TypeMessage, TypeReminder, TypeSystem, TypeGeneral:
		return true
	}
	return false
}

// NotificationStatus is the delivery lifecycle state of a notification.
//
//	pending -> sent | failed
//	any     -> read (explicit user action)
//
// StatusDelivered is reserved for provider delivery receipts and is never set
// by this service.
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusSent      NotificationStatus = "sent"
	StatusDelivered NotificationStatus = "delivered"
	StatusFailed    NotificationStatus = "failed"
	StatusRead      NotificationStatus = "read"
)

// Valid reports whether s is a known status.
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusRead:
		return true
	}
	return false
}

var allStatuses = []NotificationStatus{StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusRead}

// CanTransition reports whether the dispatch path or the recipient may move a
// notification from s to next.
func (s NotificationStatus) CanTransition(next NotificationStatus) bool {
	switch next {
	case StatusRead:
		return true
	case StatusSent, StatusFailed:
		return s == StatusPending
	case StatusPending, StatusDelivered:
		return false
	}
	return false
}

// TransitionSources returns every status from which next may be entered.
// Store updates use it as their status guard.
func TransitionSources(next NotificationStatus) []NotificationStatus {
	var out []NotificationStatus
	for _, s := range allStatuses {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Priority is the delivery urgency hint passed to the gateway.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// DefaultChannelID is the client notification channel used when none is given.
const DefaultChannelID = "default"

// Notification is the audit record of one logical notification to one user.
type Notification struct {
	ID           string             `json:"id" db:"id"`
	UserID       int64              `json:"userId" db:"user_id"`
	Title        string             `json:"title" db:"title"`
	Body         string             `json:"body" db:"body"`
	Type         NotificationType   `json:"type" db:"type"`
	Data         Payload            `json:"data" db:"data"`
	Status       NotificationStatus `json:"status" db:"status"`
	Priority     Priority           `json:"priority" db:"priority"`
	ChannelID    string             `json:"channelId" db:"channel_id"`
	TicketID     *string            `json:"ticketId,omitempty" db:"ticket_id"`
	SentAt       *time.Time         `json:"sentAt,omitempty" db:"sent_at"`
	DeliveredAt  *time.Time         `json:"deliveredAt,omitempty" db:"delivered_at"`
	ReadAt       *time.Time         `json:"readAt,omitempty" db:"read_at"`
	ErrorMessage *string            `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt    time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time          `json:"updatedAt" db:"updated_at"`
}

// NewNotification returns a pending notification with defaults applied to the
// optional fields.
func NewNotification(userID int64, title, body string, t NotificationType, data Payload, p Priority, channelID string) Notification {
	if t == "" {
		t = TypeGeneral
	}
	if p == "" {
		p = PriorityNormal
	}
	if channelID == "" {
		channelID = DefaultChannelID
	}
	if data == nil {
		data = Payload{}
	}
	return Notification{
		UserID:    userID,
		Title:     title,
		Body:      body,
		Type:      t,
		Data:      data,
		Status:    StatusPending,
		Priority:  p,
		ChannelID: channelID,
	}
}

// NotificationFilter narrows a notification listing.
type NotificationFilter struct {
	UserID int64
	Status *NotificationStatus
	Type   *NotificationType
	Limit  int
	Offset int
}

// DateRange bounds a query on creation time. Nil ends are open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// Stats aggregates notifications and tokens.
type Stats struct {
	ByStatus        map[NotificationStatus]int64 `json:"byStatus"`
	ByType          map[NotificationType]int64   `json:"byType"`
	Total           int64                        `json:"total"`
	ActiveTokens    int64                        `json:"activeTokens"`
	UsersWithTokens int64                        `json:"usersWithTokens"`
}
