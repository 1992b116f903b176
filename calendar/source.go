// Package calendar fetches upcoming events from a user's calendar provider.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"meet-notifier/pkg/notifier"
	"meet-notifier/storage"
)

// Source lists every raw event overlapping [timeMin, timeMax]. pageSize
// bounds a single provider request, never the result.
type Source interface {
	UpcomingEvents(ctx context.Context, timeMin, timeMax time.Time, pageSize int) ([]notifier.RawEvent, error)
}

// Access is the outcome of a credential lookup: Authorized or Unauthenticated.
type Access interface {
	isAccess()
}

// Authorized carries a ready-to-use event source.
type Authorized struct {
	Source Source
}

// Unauthenticated means the user has no usable credentials yet.
type Unauthenticated struct {
	Reason string
}

func (Authorized) isAccess()      {}
func (Unauthenticated) isAccess() {}

// TokenStore persists OAuth token JSON per user.
type TokenStore interface {
	Token(ctx context.Context, userID int64) ([]byte, error)
	SaveToken(ctx context.Context, userID int64, token []byte) error
}

// Resolver picks the event source for a user.
type Resolver struct {
	auth   *Authenticator
	tokens TokenStore
	client *http.Client
	logger *slog.Logger
}

// NewResolver creates a credential resolver. auth may be nil when Google OAuth
// is not configured; only iCalendar feeds are usable then.
func NewResolver(auth *Authenticator, tokens TokenStore, client *http.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		auth:   auth,
		tokens: tokens,
		client: client,
		logger: logger,
	}
}

// Resolve returns the user's access. Missing credentials are reported as
// Unauthenticated; only storage failures are errors.
func (r *Resolver) Resolve(ctx context.Context, user *notifier.User) (Access, error) {
	if user.ICalURL != "" {
		return Authorized{Source: NewICalSource(user.ICalURL, r.client, r.logger)}, nil
	}
	if r.auth == nil {
		return Unauthenticated{Reason: "google oauth is not configured"}, nil
	}

	data, err := r.tokens.Token(ctx, user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Unauthenticated{Reason: "no token"}, nil
		}
		return nil, fmt.Errorf("load token: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		r.logger.Warn("Stored token is unreadable", "user_id", user.ID, "error", err)
		return Unauthenticated{Reason: "stored token is unreadable"}, nil
	}
	if tok.RefreshToken == "" && !tok.Valid() {
		return Unauthenticated{Reason: "token expired"}, nil
	}

	src, err := r.auth.Source(ctx, user.ID, &tok)
	if err != nil {
		return nil, err
	}
	return Authorized{Source: src}, nil
}
