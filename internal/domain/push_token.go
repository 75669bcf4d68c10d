package domain

import "time"

// Platform is the device operating system a push token was issued on.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return true
	}
	return false
}

// PushToken is a registered device delivery address owned by a user.
// Deactivated tokens are kept for audit and never purged by this service.
type PushToken struct {
	ID          string      `json:"id" db:"id"`
	UserID      int64       `json:"userId" db:"user_id"`
	Token       string      `json:"token" db:"token"`
	Platform    Platform    `json:"platform" db:"platform"`
	DeviceID    *string     `json:"deviceId,omitempty" db:"device_id"`
	DeviceName  *string     `json:"deviceName,omitempty" db:"device_name"`
	IsActive    bool        `json:"isActive" db:"is_active"`
	LastUsedAt  time.Time   `json:"lastUsedAt" db:"last_used_at"`
	Preferences Preferences `json:"preferences" db:"preferences"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`
}

// TokenRegistration carries the caller-supplied fields of a token upsert.
type TokenRegistration struct {
	UserID      int64
	Token       string
	Platform    Platform
	DeviceID    *string
	DeviceName  *string
	Preferences Preferences
}
