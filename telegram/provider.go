// Package telegram delivers notifications to users through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meet-notifier/pkg/notifier"
)

// Provider defines the interface for message delivery implementations.
type Provider interface {
	// Send delivers HTML-formatted text to a chat.
	Send(ctx context.Context, chatID int64, htmlText string) error
}

// Sender formats meeting notifications and sends them using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	loc      *time.Location // Display zone; nil means each event's own zone
}

// New creates a sender. loc may be nil.
func New(provider Provider, logger *slog.Logger, loc *time.Location) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		loc:      loc,
	}
}

// NotifyNew announces new meetings, one message per day.
func (s *Sender) NotifyNew(ctx context.Context, user *notifier.User, events []notifier.NormalizedEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.logger.Info("Sending new meetings notice", "user_id", user.ID, "count", len(events))

	var errs []error
	for _, msg := range FormatDays(events, s.loc) {
		if err := s.provider.Send(ctx, user.ChatID, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyUpdated sends a before/after notice for changed meetings.
func (s *Sender) NotifyUpdated(ctx context.Context, user *notifier.User, updated []notifier.UpdatedEvent) error {
	if len(updated) == 0 {
		return nil
	}
	s.logger.Info("Sending updated meetings notice", "user_id", user.ID, "count", len(updated))
	return s.provider.Send(ctx, user.ChatID, FormatUpdated(updated, s.loc))
}

// NotifyDeleted tells the user that meetings were removed from the calendar.
func (s *Sender) NotifyDeleted(ctx context.Context, user *notifier.User, deleted []notifier.DeletedEvent) error {
	if len(deleted) == 0 {
		return nil
	}
	s.logger.Info("Sending cancelled meetings notice", "user_id", user.ID, "count", len(deleted))
	return s.provider.Send(ctx, user.ChatID, FormatDeleted(deleted, s.loc))
}

// SendText sends an already formatted message.
func (s *Sender) SendText(ctx context.Context, chatID int64, htmlText string) error {
	return s.provider.Send(ctx, chatID, htmlText)
}
