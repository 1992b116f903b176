// Package bot handles Telegram commands: registration, calendar
// authorization and on-demand checks.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"meet-notifier/pkg/notifier"
	"meet-notifier/poll"
	"meet-notifier/storage"
	"meet-notifier/telegram"
)

const longPollTimeout = 60 // seconds

// Store persists users and their calendar state.
type Store interface {
	User(ctx context.Context, userID int64) (*notifier.User, error)
	SaveUser(ctx context.Context, user *notifier.User) error
	Reset(ctx context.Context, userID int64) error
	DeleteToken(ctx context.Context, userID int64) error
}

// Authenticator runs the Google OAuth flows.
type Authenticator interface {
	AuthURL(ctx context.Context, userID int64) (string, error)
	Exchange(ctx context.Context, userID int64, code string) error
	SetToken(ctx context.Context, userID int64, raw []byte) error
}

// Poller runs calendar passes on demand.
type Poller interface {
	CheckUser(ctx context.Context, user *notifier.User) (*poll.Outcome, error)
	Upcoming(ctx context.Context, user *notifier.User) ([]notifier.NormalizedEvent, error)
}

// Replier sends HTML text to a chat.
type Replier interface {
	SendText(ctx context.Context, chatID int64, htmlText string) error
}

type updatesAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot dispatches incoming commands.
type Bot struct {
	store   Store
	auth    Authenticator // nil when Google OAuth is not configured
	poller  Poller
	replier Replier
	logger  *slog.Logger
	loc     *time.Location
	now     func() time.Time
}

// New creates a command handler. auth may be nil.
func New(store Store, auth Authenticator, poller Poller, replier Replier, loc *time.Location, logger *slog.Logger) *Bot {
	return &Bot{
		store:   store,
		auth:    auth,
		poller:  poller,
		replier: replier,
		logger:  logger,
		loc:     loc,
		now:     time.Now,
	}
}

var commands = []tgbotapi.BotCommand{
	{Command: "start", Description: "Register and start receiving notifications"},
	{Command: "help", Description: "Show available commands"},
	{Command: "auth", Description: "Connect Google Calendar"},
	{Command: "code", Description: "Finish authorization with a code"},
	{Command: "manualtoken", Description: "How to paste a token manually"},
	{Command: "settoken", Description: "Store a token JSON"},
	{Command: "ical", Description: "Use an iCalendar feed URL"},
	{Command: "week", Description: "Meetings until the end of the week"},
	{Command: "check", Description: "Check the calendar now"},
	{Command: "reset", Description: "Forget tracked meetings"},
	{Command: "logout", Description: "Disconnect Google Calendar"},
}

// Run receives updates by long polling until ctx is done. Each message is
// handled on its own goroutine; Run waits for them before returning.
func (b *Bot) Run(ctx context.Context, api updatesAPI) error {
	if _, err := api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		b.logger.Warn("Failed to register bot commands", "error", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = longPollTimeout
	updates := api.GetUpdatesChan(u)
	b.logger.Info("Bot started receiving updates")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			b.logger.Info("Bot stopped receiving updates")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			msg := update.Message
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.HandleMessage(ctx, msg)
			}()
		}
	}
}

// HandleMessage runs one command and replies in the same chat.
func (b *Bot) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	cmd := msg.Command()
	b.logger.Info("Command received", "user_id", msg.From.ID, "command", cmd)

	reply, err := b.dispatch(ctx, msg, cmd, strings.TrimSpace(msg.CommandArguments()))
	if err != nil {
		b.logger.Error("Command failed", "user_id", msg.From.ID, "command", cmd, "error", err)
		reply = "⚠️ Something went wrong, please try again later."
	}
	if reply == "" {
		return
	}
	if err := b.replier.SendText(ctx, msg.Chat.ID, reply); err != nil {
		b.logger.Error("Failed to send reply", "user_id", msg.From.ID, "command", cmd, "error", err)
	}
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message, cmd, args string) (string, error) {
	switch cmd {
	case "start":
		return b.start(ctx, msg)
	case "help":
		return helpText, nil
	}

	user, err := b.ensureUser(ctx, msg)
	if err != nil {
		return "", err
	}

	switch cmd {
	case "auth":
		return b.authorize(ctx, user)
	case "code":
		return b.code(ctx, user, args)
	case "manualtoken":
		return manualTokenText, nil
	case "settoken":
		return b.setToken(ctx, user, args)
	case "ical":
		return b.ical(ctx, user, args)
	case "week":
		return "", b.week(ctx, user)
	case "check":
		return b.check(ctx, user)
	case "reset":
		if err := b.store.Reset(ctx, user.ID); err != nil {
			return "", fmt.Errorf("reset user: %w", err)
		}
		return "🧹 Tracked meetings cleared. The next check announces everything again.", nil
	case "logout":
		if err := b.store.DeleteToken(ctx, user.ID); err != nil {
			return "", fmt.Errorf("delete token: %w", err)
		}
		return "👋 Google Calendar disconnected.", nil
	default:
		return "Unknown command. " + helpHint, nil
	}
}

func profile(msg *tgbotapi.Message) *notifier.User {
	from := msg.From
	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	return &notifier.User{
		ID:           from.ID,
		ChatID:       msg.Chat.ID,
		Username:     from.UserName,
		FullName:     name,
		LanguageCode: from.LanguageCode,
		Active:       true,
	}
}

func (b *Bot) start(ctx context.Context, msg *tgbotapi.Message) (string, error) {
	user := profile(msg)
	existing, err := b.store.User(ctx, user.ID)
	switch {
	case err == nil:
		user.CreatedAt = existing.CreatedAt
		user.ICalURL = existing.ICalURL
	case storage.IsNotFound(err):
		user.CreatedAt = b.now().UTC()
	default:
		return "", fmt.Errorf("load user: %w", err)
	}
	if err := b.store.SaveUser(ctx, user); err != nil {
		return "", fmt.Errorf("save user: %w", err)
	}
	b.logger.Info("User registered", "user_id", user.ID, "username", user.Username)
	return fmt.Sprintf("👋 Hi, %s! I will tell you about upcoming online meetings.\n\n%s",
		html.EscapeString(firstNonEmpty(user.FullName, user.Username, "there")), helpText), nil
}

// ensureUser registers users who skipped /start and refreshes the chat id.
func (b *Bot) ensureUser(ctx context.Context, msg *tgbotapi.Message) (*notifier.User, error) {
	user, err := b.store.User(ctx, msg.From.ID)
	if err == nil {
		if user.ChatID != msg.Chat.ID || !user.Active {
			user.ChatID = msg.Chat.ID
			user.Active = true
			if err := b.store.SaveUser(ctx, user); err != nil {
				return nil, fmt.Errorf("save user: %w", err)
			}
		}
		return user, nil
	}
	if !storage.IsNotFound(err) {
		return nil, fmt.Errorf("load user: %w", err)
	}
	user = profile(msg)
	user.CreatedAt = b.now().UTC()
	if err := b.store.SaveUser(ctx, user); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

func (b *Bot) authorize(ctx context.Context, user *notifier.User) (string, error) {
	if b.auth == nil {
		return "Google authorization is not configured here. Use /ical &lt;url&gt; with your calendar's secret iCal address.", nil
	}
	link, err := b.auth.AuthURL(ctx, user.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🔐 <a href=\"%s\">Open this link</a> to allow read-only access to your calendar.\n\n"+
		"If the page shows a code, send it back with /code &lt;code&gt;.", html.EscapeString(link)), nil
}

func (b *Bot) code(ctx context.Context, user *notifier.User, code string) (string, error) {
	if b.auth == nil {
		return "Google authorization is not configured here.", nil
	}
	if code == "" {
		return "Usage: /code &lt;authorization code&gt;", nil
	}
	if err := b.auth.Exchange(ctx, user.ID, code); err != nil {
		b.logger.Warn("Code exchange failed", "user_id", user.ID, "error", err)
		return "❌ That code did not work. Run /auth to get a fresh link.", nil
	}
	return "✅ Calendar connected. I will check it shortly, or run /check now.", nil
}

func (b *Bot) setToken(ctx context.Context, user *notifier.User, raw string) (string, error) {
	if b.auth == nil {
		return "Google authorization is not configured here.", nil
	}
	if raw == "" {
		return manualTokenText, nil
	}
	if err := b.auth.SetToken(ctx, user.ID, []byte(raw)); err != nil {
		return "❌ " + html.EscapeString(err.Error()), nil
	}
	return "✅ Token saved.", nil
}

func (b *Bot) ical(ctx context.Context, user *notifier.User, arg string) (string, error) {
	switch {
	case arg == "":
		if user.ICalURL == "" {
			return "Usage: /ical &lt;feed url&gt; or /ical off", nil
		}
		return "📎 Using an iCalendar feed. Send /ical off to stop.", nil
	case strings.EqualFold(arg, "off"):
		user.ICalURL = ""
	default:
		feed, err := feedURL(arg)
		if err != nil {
			return "❌ " + html.EscapeString(err.Error()), nil
		}
		user.ICalURL = feed
	}
	if err := b.store.SaveUser(ctx, user); err != nil {
		return "", fmt.Errorf("save user: %w", err)
	}
	if user.ICalURL == "" {
		return "📎 iCalendar feed removed.", nil
	}
	return "📎 iCalendar feed saved. Run /check to try it.", nil
}

// feedURL validates a feed address, mapping webcal:// to https://.
func feedURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New("that does not look like a URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "webcal":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", errors.New("feed URL must start with https://, http:// or webcal://")
	}
	if u.Host == "" {
		return "", errors.New("feed URL has no host")
	}
	return u.String(), nil
}

func (b *Bot) week(ctx context.Context, user *notifier.User) error {
	events, err := b.poller.Upcoming(ctx, user)
	if errors.Is(err, poll.ErrUnauthenticated) {
		return b.replier.SendText(ctx, user.ChatID, notConnectedText)
	}
	if err != nil {
		return fmt.Errorf("list upcoming: %w", err)
	}
	for _, text := range telegram.FormatWeek(events, b.loc) {
		if err := b.replier.SendText(ctx, user.ChatID, text); err != nil {
			return fmt.Errorf("send week summary: %w", err)
		}
	}
	return nil
}

func (b *Bot) check(ctx context.Context, user *notifier.User) (string, error) {
	out, err := b.poller.CheckUser(ctx, user)
	if err != nil {
		return "", err
	}
	switch out.Action {
	case poll.ActionSkipped:
		return notConnectedText, nil
	case poll.ActionAllSent:
		return "✅ No changes since the last check.", nil
	default:
		return "", nil // the notice itself is the answer
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

const (
	helpHint = "Send /help for the list of commands."

	helpText = `<b>Commands</b>
/auth - connect Google Calendar
/code &lt;code&gt; - finish authorization
/manualtoken - paste a token instead
/ical &lt;url&gt; - use an iCalendar feed (/ical off to stop)
/week - meetings until the end of the week
/check - check the calendar now
/reset - forget tracked meetings
/logout - disconnect Google Calendar`

	manualTokenText = `Send your OAuth token JSON with /settoken, for example:
<code>/settoken {"access_token":"…","refresh_token":"…"}</code>
A refresh token keeps the connection alive after the access token expires.`

	notConnectedText = "🔌 Your calendar is not connected yet. Use /auth or /ical &lt;url&gt;."
)
