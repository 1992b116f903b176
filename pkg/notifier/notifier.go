// Package notifier contains the core domain types for the meeting notification bot.
package notifier

import (
	"encoding/json"
	"time"
)

// User is a registered Telegram user whose calendar is polled.
type User struct {
	CreatedAt    time.Time `json:"created_at"`
	Username     string    `json:"username,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	ICalURL      string    `json:"ical_url,omitempty"` // Optional feed used instead of OAuth
	ID           int64     `json:"id"`                 // Telegram user ID
	ChatID       int64     `json:"chat_id"`            // Private chat used for delivery
	Active       bool      `json:"active"`
}

// TrackedEvent is a calendar event previously observed for a user.
type TrackedEvent struct {
	Start       time.Time       `json:"start"` // Stored in UTC
	End         time.Time       `json:"end"`   // Stored in UTC
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	EventID     string          `json:"event_id"`
	Title       string          `json:"title"`
	TimeZone    string          `json:"time_zone,omitempty"` // Zone name or offset the event was shown in
	MeetingLink string          `json:"meeting_link,omitempty"`
	RawSnapshot json.RawMessage `json:"raw_snapshot,omitempty"` // Provider payload as received
	UserID      int64           `json:"user_id"`
}

// NotificationRecord marks that a "new meeting" notice was issued.
// Existence of the record is the sent marker.
type NotificationRecord struct {
	SentAt  time.Time `json:"sent_at"`
	EventID string    `json:"event_id"`
	UserID  int64     `json:"user_id"`
}

// EventTime is a provider timestamp: either a timed instant or an all-day date.
type EventTime struct {
	DateTime string // RFC 3339, offset optional
	Date     string // YYYY-MM-DD for all-day events
	TimeZone string // IANA name, optional
}

// RawEvent is an event as returned by a calendar provider.
type RawEvent struct {
	ID              string
	Summary         string
	Description     string // May contain HTML
	Location        string
	Status          string
	HangoutLink     string
	ConferenceLinks []string // Video entry points
	Start           EventTime
	End             EventTime
	Raw             json.RawMessage
}

// NormalizedEvent is an active event with resolved timestamps and a join link.
type NormalizedEvent struct {
	Start       time.Time // In the event's own time zone when known
	End         time.Time
	ID          string
	Title       string
	MeetingLink string
	Raw         json.RawMessage
}

// DeletedEvent describes a tracked event that disappeared from the calendar.
type DeletedEvent struct {
	Start time.Time
	End   time.Time
	ID    string
	Title string
}

// EventFields holds the comparable attributes of an event.
type EventFields struct {
	Start       time.Time
	End         time.Time
	Title       string
	MeetingLink string
}

// UpdatedEvent captures an event before and after a material change.
type UpdatedEvent struct {
	ID       string
	Previous EventFields
	Current  EventFields
}

// EventTx is the transactional view of one user's tracked events and
// notification records. All methods operate on the user the transaction was
// opened for.
type EventTx interface {
	// EventsStartingBetween returns tracked events whose start lies in [start, end].
	EventsStartingBetween(start, end time.Time) ([]*TrackedEvent, error)
	// Event returns the tracked event or nil if there is none.
	Event(eventID string) (*TrackedEvent, error)
	PutEvent(ev *TrackedEvent) error
	DeleteEvent(eventID string) error
	HasNotification(eventID string) (bool, error)
	// CreateNotification is a no-op when the record already exists.
	CreateNotification(eventID string, sentAt time.Time) error
	DeleteNotification(eventID string) error
	// CountNotifications counts existing records among the given distinct IDs.
	CountNotifications(eventIDs []string) (int, error)
}
