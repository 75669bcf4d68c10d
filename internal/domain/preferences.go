package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// PreferenceKey names a per-user delivery opt-in flag.
type PreferenceKey string

const (
	PrefProjectUpdates PreferenceKey = "projectUpdates"
	PrefPayments       PreferenceKey = "payments"
	PrefMessages       PreferenceKey = "messages"
	PrefReminders      PreferenceKey = "reminders"
	PrefMarketing      PreferenceKey = "marketing"
)

// Preferences holds delivery flags. It is stored as a JSONB blob so new keys
// can be added without a schema change.
type Preferences map[PreferenceKey]bool

// DefaultPreferences returns the flags a newly registered token starts with.
func DefaultPreferences() Preferences {
	return Preferences{
		PrefProjectUpdates: true,
		PrefPayments:       true,
		PrefMessages:       true,
		PrefReminders:      true,
		PrefMarketing:      false,
	}
}

// WithDefaults returns a copy of p with every missing known key filled from
// DefaultPreferences.
func (p Preferences) WithDefaults() Preferences {
	out := DefaultPreferences()
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Enabled reports the flag for key. A missing key counts as enabled so tokens
// stored before the key existed keep receiving notifications.
func (p Preferences) Enabled(key PreferenceKey) bool {
	v, ok := p[key]
	if !ok {
		return true
	}
	return v
}

// Value implements driver.Valuer.
func (p Preferences) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Preferences) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("scan preferences: %w", err)
	}
	out := Preferences{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("scan preferences: %w", err)
		}
	}
	*p = out
	return nil
}

// PreferenceKeyFor returns the flag that gates delivery of t. gated is false
// for categories every token receives.
func PreferenceKeyFor(t NotificationType) (key PreferenceKey, gated bool) {
	switch t {
	case TypeProjectUpdate, TypeProjectApproved, TypeProjectRejected:
		return PrefProjectUpdates, true
	case TypePaymentReceived, TypePaymentPending:
		return PrefPayments, true
	case TypeMessage:
		return PrefMessages, true
	case TypeReminder:
		return PrefReminders, true
	case TypeGeneral, TypeSystem:
		return "", false
	}
	return "", true
}

// ShouldDeliver reports whether token accepts notifications of type t.
// Unknown types are never delivered.
func ShouldDeliver(token PushToken, t NotificationType) bool {
	key, gated := PreferenceKeyFor(t)
	if !gated {
		return true
	}
	if key == "" {
		return false
	}
	return token.Preferences.Enabled(key)
}

// Payload is the opaque structured data carried to the client.
type Payload map[string]any

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	b, err := jsonBytes(src)
	if err != nil {
		return fmt.Errorf("scan payload: %w", err)
	}
	out := Payload{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Errorf("scan payload: %w", err)
		}
	}
	*p = out
	return nil
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", src)
	}
}
