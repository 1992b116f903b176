package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meet-notifier/pkg/notifier"
	"meet-notifier/poll"
	"meet-notifier/storage"
)

type replies struct {
	chats []int64
	texts []string
}

func (r *replies) SendText(_ context.Context, chatID int64, text string) error {
	r.chats = append(r.chats, chatID)
	r.texts = append(r.texts, text)
	return nil
}

func (r *replies) last() string {
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

type fakeAuth struct {
	codes  []string
	tokens []string
	err    error
}

func (f *fakeAuth) AuthURL(_ context.Context, userID int64) (string, error) {
	return fmt.Sprintf("https://accounts.google.com/o/oauth2/auth?state=s%d&client_id=a&b", userID), nil
}

func (f *fakeAuth) Exchange(_ context.Context, _ int64, code string) error {
	f.codes = append(f.codes, code)
	return f.err
}

func (f *fakeAuth) SetToken(_ context.Context, _ int64, raw []byte) error {
	f.tokens = append(f.tokens, string(raw))
	return f.err
}

type fakePoller struct {
	outcome  *poll.Outcome
	upcoming []notifier.NormalizedEvent
	err      error
	checked  []int64
}

func (f *fakePoller) CheckUser(_ context.Context, user *notifier.User) (*poll.Outcome, error) {
	f.checked = append(f.checked, user.ID)
	return f.outcome, f.err
}

func (f *fakePoller) Upcoming(context.Context, *notifier.User) ([]notifier.NormalizedEvent, error) {
	return f.upcoming, f.err
}

type fixture struct {
	bot    *Bot
	store  *storage.DocumentStore
	auth   *fakeAuth
	poller *fakePoller
	out    *replies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewLocal(t.TempDir(), logger)
	require.NoError(t, err)

	f := &fixture{
		store:  store,
		auth:   &fakeAuth{},
		poller: &fakePoller{outcome: &poll.Outcome{Action: poll.ActionAllSent}},
		out:    &replies{},
	}
	f.bot = New(store, f.auth, f.poller, f.out, time.UTC, logger)
	return f
}

func command(userID int64, text string) *tgbotapi.Message {
	name, _, _ := strings.Cut(text, " ")
	return &tgbotapi.Message{
		Text:     text,
		From:     &tgbotapi.User{ID: userID, FirstName: "Ann", LastName: "Lee", UserName: "ann"},
		Chat:     &tgbotapi.Chat{ID: userID * 10},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func (f *fixture) send(t *testing.T, userID int64, text string) string {
	t.Helper()
	f.bot.HandleMessage(context.Background(), command(userID, text))
	return f.out.last()
}

func TestStartRegistersUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.send(t, 1, "/start")
	assert.Contains(t, reply, "Hi, Ann Lee")

	user, err := f.store.User(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), user.ChatID)
	assert.Equal(t, "ann", user.Username)
	assert.True(t, user.Active)
	created := user.CreatedAt

	// A second /start keeps the creation time and feed URL.
	user.ICalURL = "https://example.com/basic.ics"
	require.NoError(t, f.store.SaveUser(ctx, user))
	f.send(t, 1, "/start")
	user, err = f.store.User(ctx, 1)
	require.NoError(t, err)
	assert.True(t, created.Equal(user.CreatedAt))
	assert.Equal(t, "https://example.com/basic.ics", user.ICalURL)
}

func TestCommandsAutoRegister(t *testing.T) {
	f := newFixture(t)
	f.send(t, 2, "/check")

	user, err := f.store.User(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(20), user.ChatID)
	assert.Equal(t, []int64{2}, f.poller.checked)
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t)

	reply := f.send(t, 1, "/auth")
	assert.Contains(t, reply, "state=s1&amp;client_id=a&amp;b", "link should be escaped for HTML")

	reply = f.send(t, 1, "/code")
	assert.Contains(t, reply, "Usage")

	reply = f.send(t, 1, "/code 4/abc")
	assert.Contains(t, reply, "Calendar connected")
	assert.Equal(t, []string{"4/abc"}, f.auth.codes)

	f.auth.err = errors.New("invalid_grant")
	reply = f.send(t, 1, "/code 4/bad")
	assert.Contains(t, reply, "did not work")
}

func TestSetToken(t *testing.T) {
	f := newFixture(t)

	reply := f.send(t, 1, "/settoken")
	assert.Contains(t, reply, "/settoken", "empty argument should show instructions")

	reply = f.send(t, 1, `/settoken {"access_token":"a","refresh_token":"r"}`)
	assert.Contains(t, reply, "Token saved")
	assert.Equal(t, []string{`{"access_token":"a","refresh_token":"r"}`}, f.auth.tokens)

	f.auth.err = errors.New("token JSON has no access token")
	reply = f.send(t, 1, "/settoken {}")
	assert.Contains(t, reply, "no access token")
}

func TestAuthNotConfigured(t *testing.T) {
	f := newFixture(t)
	f.bot.auth = nil

	assert.Contains(t, f.send(t, 1, "/auth"), "not configured")
	assert.Contains(t, f.send(t, 1, "/code abc"), "not configured")
	assert.Contains(t, f.send(t, 1, "/settoken {}"), "not configured")
}

func TestICalCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.send(t, 1, "/ical webcal://calendar.example.com/private/basic.ics")
	assert.Contains(t, reply, "feed saved")
	user, err := f.store.User(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://calendar.example.com/private/basic.ics", user.ICalURL)

	reply = f.send(t, 1, "/ical ftp://example.com/x.ics")
	assert.Contains(t, reply, "must start with")

	reply = f.send(t, 1, "/ical off")
	assert.Contains(t, reply, "removed")
	user, err = f.store.User(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, user.ICalURL)
}

func TestFeedURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://example.com/a.ics", want: "https://example.com/a.ics"},
		{in: "WEBCAL://example.com/a.ics", want: "https://example.com/a.ics"},
		{in: "http://example.com/a.ics", want: "http://example.com/a.ics"},
		{in: "example.com/a.ics", wantErr: true},
		{in: "https:///a.ics", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := feedURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWeekCommand(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	f.poller.upcoming = []notifier.NormalizedEvent{
		{ID: "evt1", Title: "Standup", MeetingLink: "https://meet.google.com/abc", Start: start, End: start.Add(15 * time.Minute)},
	}

	reply := f.send(t, 1, "/week")
	assert.Contains(t, reply, "15.05.2024")
	assert.Contains(t, reply, "Standup")

	f.poller.err = fmt.Errorf("wrap: %w", poll.ErrUnauthenticated)
	reply = f.send(t, 1, "/week")
	assert.Contains(t, reply, "not connected")
}

func TestCheckCommand(t *testing.T) {
	f := newFixture(t)

	assert.Contains(t, f.send(t, 1, "/check"), "No changes")

	f.poller.outcome = &poll.Outcome{Action: poll.ActionSkipped, Reason: "no token"}
	assert.Contains(t, f.send(t, 1, "/check"), "not connected")

	// Notices are the reply themselves.
	sent := len(f.out.texts)
	f.poller.outcome = &poll.Outcome{Action: poll.ActionNew}
	f.send(t, 1, "/check")
	assert.Len(t, f.out.texts, sent)

	f.poller.err = errors.New("calendar timeout")
	assert.Contains(t, f.send(t, 1, "/check"), "Something went wrong")
}

func TestResetAndLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, 1, "/start")
	require.NoError(t, f.store.SaveToken(ctx, 1, []byte(`{"access_token":"a"}`)))

	assert.Contains(t, f.send(t, 1, "/reset"), "cleared")

	assert.Contains(t, f.send(t, 1, "/logout"), "disconnected")
	_, err := f.store.Token(ctx, 1)
	assert.True(t, storage.IsNotFound(err), "token should be gone, got %v", err)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	assert.Contains(t, f.send(t, 1, "/dance"), "Unknown command")
	assert.Contains(t, f.send(t, 1, "/help"), "/week")
}
