package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"meet-notifier/storage"
)

const (
	oobRedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	authStateTTL   = 15 * time.Minute
)

// ErrAuthStateNotFound means an OAuth callback carried an unknown or expired state.
var ErrAuthStateNotFound = errors.New("auth state not found or expired")

// AuthStore persists tokens and pending authorization states.
type AuthStore interface {
	TokenStore
	SaveAuthState(ctx context.Context, state string, userID int64, expires time.Time) error
	ConsumeAuthState(ctx context.Context, state string) (int64, error)
}

// OAuthConfig builds the Google OAuth client configuration. A downloaded
// credentials JSON file takes precedence over a client ID and secret.
func OAuthConfig(credentialsJSON []byte, clientID, clientSecret, redirectURL string) (*oauth2.Config, error) {
	var cfg *oauth2.Config
	if len(credentialsJSON) > 0 {
		var err error
		cfg, err = google.ConfigFromJSON(credentialsJSON, gcal.CalendarReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
	} else {
		if clientID == "" || clientSecret == "" {
			return nil, errors.New("google client id and secret are required")
		}
		cfg = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gcal.CalendarReadonlyScope},
		}
	}

	switch {
	case redirectURL != "":
		cfg.RedirectURL = redirectURL
	case cfg.RedirectURL == "":
		cfg.RedirectURL = oobRedirectURL
	}
	return cfg, nil
}

// Authenticator runs the OAuth flow and hands out token sources that persist
// refreshed tokens.
type Authenticator struct {
	config *oauth2.Config
	store  AuthStore
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(config *oauth2.Config, store AuthStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		config: config,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// AuthURL returns the consent page URL for userID.
func (a *Authenticator) AuthURL(ctx context.Context, userID int64) (string, error) {
	state := uuid.NewString()
	if err := a.store.SaveAuthState(ctx, state, userID, a.now().Add(authStateTTL)); err != nil {
		return "", fmt.Errorf("save auth state: %w", err)
	}
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for a token and stores it.
func (a *Authenticator) Exchange(ctx context.Context, userID int64, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("authorization code is empty")
	}
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if err := a.saveToken(ctx, userID, tok); err != nil {
		return err
	}
	a.logger.Info("OAuth token obtained", "user_id", userID, "has_refresh_token", tok.RefreshToken != "")
	return nil
}

// CompleteCallback finishes a redirect-based flow and returns the user it belonged to.
func (a *Authenticator) CompleteCallback(ctx context.Context, state, code string) (int64, error) {
	userID, err := a.store.ConsumeAuthState(ctx, state)
	if err != nil {
		if storage.IsNotFound(err) {
			return 0, ErrAuthStateNotFound
		}
		return 0, fmt.Errorf("consume auth state: %w", err)
	}
	if err := a.Exchange(ctx, userID, code); err != nil {
		return userID, err
	}
	return userID, nil
}

// SetToken stores a token pasted by the user.
func (a *Authenticator) SetToken(ctx context.Context, userID int64, raw []byte) error {
	tok, err := ParseManualToken(raw)
	if err != nil {
		return err
	}
	return a.saveToken(ctx, userID, tok)
}

func (a *Authenticator) saveToken(ctx context.Context, userID int64, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := a.store.SaveToken(ctx, userID, data); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Source returns a Google Calendar source authorized with tok.
func (a *Authenticator) Source(ctx context.Context, userID int64, tok *oauth2.Token) (*GoogleSource, error) {
	ts := &persistingTokenSource{
		base:   oauth2.ReuseTokenSource(tok, a.config.TokenSource(ctx, tok)),
		last:   tok.AccessToken,
		save:   func(t *oauth2.Token) error { return a.saveToken(ctx, userID, t) },
		logger: a.logger.With("user_id", userID),
	}
	svc, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return NewGoogleSource(svc, a.logger), nil
}

// persistingTokenSource saves the token whenever the access token changes.
type persistingTokenSource struct {
	base   oauth2.TokenSource
	save   func(*oauth2.Token) error
	logger *slog.Logger
	last   string
	mu     sync.Mutex
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.save(tok); err != nil {
			s.logger.Warn("Failed to persist refreshed token", "error", err)
		} else {
			s.logger.Info("Token refreshed")
		}
	}
	return tok, nil
}

// manualToken accepts both the Google client library layout
// ({"token", "refresh_token", "expiry"}) and oauth2.Token JSON.
type manualToken struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Expiry       string `json:"expiry"`
}

// ParseManualToken validates token JSON pasted by a user.
func ParseManualToken(raw []byte) (*oauth2.Token, error) {
	var m manualToken
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("token is not valid JSON: %w", err)
	}

	access := m.AccessToken
	if access == "" {
		access = m.Token
	}
	if access == "" || m.RefreshToken == "" {
		return nil, errors.New(`token JSON must contain "token" and "refresh_token"`)
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: m.RefreshToken,
		TokenType:    m.TokenType,
	}
	if m.Expiry != "" {
		expiry, err := parseExpiry(m.Expiry)
		if err != nil {
			return nil, err
		}
		tok.Expiry = expiry
	}
	return tok, nil
}

func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiry %q: %w", s, err)
	}
	return t, nil
}
