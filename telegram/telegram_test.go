package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"meet-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFormatDaysGroupsByDay(t *testing.T) {
	events := []notifier.NormalizedEvent{
		{ID: "b", Title: "Planning", MeetingLink: "https://meet.google.com/bbb", Start: at("2024-05-16T09:00:00Z"), End: at("2024-05-16T10:00:00Z")},
		{ID: "a", Title: "Standup", MeetingLink: "https://meet.google.com/aaa", Start: at("2024-05-15T10:00:00Z"), End: at("2024-05-15T10:15:00Z")},
		{ID: "c", Title: "Retro", MeetingLink: "https://zoom.us/j/1", Start: at("2024-05-15T08:00:00Z"), End: at("2024-05-15T09:00:00Z")},
	}

	msgs := FormatDays(events, time.UTC)
	if len(msgs) != 2 {
		t.Fatalf("FormatDays() returned %d messages, want 2", len(msgs))
	}
	if !strings.HasPrefix(msgs[0], "📆 <b>Online meetings on 15.05.2024</b>") {
		t.Errorf("first message header = %q", strings.SplitN(msgs[0], "\n", 2)[0])
	}
	if strings.Index(msgs[0], "Retro") > strings.Index(msgs[0], "Standup") {
		t.Error("meetings within a day should be ordered by start time")
	}
	if !strings.Contains(msgs[0], "🕒 08:00 - <b>Retro</b>\n🔗 https://zoom.us/j/1") {
		t.Errorf("unexpected meeting line in %q", msgs[0])
	}
	if !strings.Contains(msgs[1], "16.05.2024") || !strings.Contains(msgs[1], "Planning") {
		t.Errorf("second message should hold the 16th: %q", msgs[1])
	}
}

func TestFormatDaysDisplayZone(t *testing.T) {
	moscow := time.FixedZone("MSK", 3*3600)
	events := []notifier.NormalizedEvent{
		{Title: "Late call", MeetingLink: "https://meet.google.com/x", Start: at("2024-05-15T22:30:00Z"), End: at("2024-05-15T23:00:00Z")},
	}

	msgs := FormatDays(events, moscow)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "16.05.2024") || !strings.Contains(msgs[0], "01:30") {
		t.Errorf("meeting should be shown in the display zone: %q", msgs[0])
	}
}

func TestFormatEscapesHTML(t *testing.T) {
	events := []notifier.NormalizedEvent{
		{Title: "Q&A <draft>", MeetingLink: "https://zoom.us/j/1?a=1&b=2", Start: at("2024-05-15T10:00:00Z"), End: at("2024-05-15T11:00:00Z")},
	}
	msg := FormatDays(events, nil)[0]
	if !strings.Contains(msg, "Q&amp;A &lt;draft&gt;") {
		t.Errorf("title not escaped: %q", msg)
	}
	if !strings.Contains(msg, "a=1&amp;b=2") {
		t.Errorf("link not escaped: %q", msg)
	}
}

func TestFormatUpdatedAndDeleted(t *testing.T) {
	updated := []notifier.UpdatedEvent{{
		ID:       "evt1",
		Previous: notifier.EventFields{Title: "Standup", Start: at("2024-05-15T10:00:00Z"), End: at("2024-05-15T10:15:00Z")},
		Current:  notifier.EventFields{Title: "Standup", Start: at("2024-05-15T11:00:00Z"), End: at("2024-05-15T11:15:00Z")},
	}}
	msg := FormatUpdated(updated, time.UTC)
	if !strings.Contains(msg, "Was: 15.05.2024 10:00-10:15") || !strings.Contains(msg, "Now: 15.05.2024 11:00-11:15") {
		t.Errorf("FormatUpdated() = %q", msg)
	}

	deleted := []notifier.DeletedEvent{{ID: "evt2", Start: at("2024-05-17T09:00:00Z"), End: at("2024-05-17T09:30:00Z")}}
	msg = FormatDeleted(deleted, time.UTC)
	if !strings.Contains(msg, "17.05.2024 09:00-09:30") || !strings.Contains(msg, "Untitled meeting") {
		t.Errorf("FormatDeleted() = %q", msg)
	}
}

func TestFormatUpdatedUsesOneZone(t *testing.T) {
	moscow, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	// Previous comes back from storage in UTC, Current keeps the event zone.
	updated := []notifier.UpdatedEvent{{
		ID:       "evt1",
		Previous: notifier.EventFields{Title: "Sync", Start: at("2024-05-15T07:00:00Z"), End: at("2024-05-15T07:30:00Z")},
		Current: notifier.EventFields{
			Title: "Sync",
			Start: time.Date(2024, 5, 15, 10, 5, 0, 0, moscow),
			End:   time.Date(2024, 5, 15, 10, 35, 0, 0, moscow),
		},
	}}

	msg := FormatUpdated(updated, nil)
	if !strings.Contains(msg, "Was: 15.05.2024 10:00-10:30 Sync") || !strings.Contains(msg, "Now: 15.05.2024 10:05-10:35 Sync") {
		t.Errorf("FormatUpdated(nil zone) = %q, want both lines in Europe/Moscow", msg)
	}

	msg = FormatUpdated(updated, time.UTC)
	if !strings.Contains(msg, "Was: 15.05.2024 07:00-07:30") || !strings.Contains(msg, "Now: 15.05.2024 07:05-07:35") {
		t.Errorf("FormatUpdated(UTC) = %q, want both lines in UTC", msg)
	}
}

func TestFormatDeletedEventZone(t *testing.T) {
	moscow, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	deleted := []notifier.DeletedEvent{{
		ID:    "evt1",
		Title: "Sync",
		Start: time.Date(2024, 5, 15, 10, 0, 0, 0, moscow),
		End:   time.Date(2024, 5, 15, 10, 30, 0, 0, moscow),
	}}
	if msg := FormatDeleted(deleted, nil); !strings.Contains(msg, "15.05.2024 10:00-10:30 <s>Sync</s>") {
		t.Errorf("FormatDeleted(nil zone) = %q, want the event's own zone", msg)
	}
}

func TestFormatWeekEmpty(t *testing.T) {
	msgs := FormatWeek(nil, time.UTC)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "No online meetings") {
		t.Errorf("FormatWeek(nil) = %q", msgs)
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "short", text: "hello", limit: 10, want: []string{"hello"}},
		{name: "line boundaries", text: "aaaa\nbbbb\ncccc", limit: 10, want: []string{"aaaa\nbbbb", "cccc"}},
		{name: "long line", text: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "runes", text: "ééééé", limit: 2, want: []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("splitMessage(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}

type fakeAPI struct {
	errs []error
	sent []tgbotapi.MessageConfig
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	return tgbotapi.Message{}, nil
}

func rateLimited() error {
	return &tgbotapi.Error{
		Code:               429,
		Message:            "Too Many Requests: retry after 1",
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 1},
	}
}

func TestBotProviderSend(t *testing.T) {
	api := &fakeAPI{}
	p := &BotProvider{api: api, logger: discardLogger()}

	if err := p.Send(context.Background(), 42, "<b>hi</b>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(api.sent))
	}
	msg := api.sent[0]
	if msg.ChatID != 42 || msg.ParseMode != tgbotapi.ModeHTML || !msg.DisableWebPagePreview {
		t.Errorf("unexpected message config: chat=%d mode=%q preview-off=%v", msg.ChatID, msg.ParseMode, msg.DisableWebPagePreview)
	}
}

func TestBotProviderSplitsLongText(t *testing.T) {
	api := &fakeAPI{}
	p := &BotProvider{api: api, logger: discardLogger()}

	line := strings.Repeat("x", 100) + "\n"
	text := strings.Repeat(line, 50) // 5050 runes
	if err := p.Send(context.Background(), 1, text); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(api.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(api.sent))
	}
	for i, msg := range api.sent {
		if n := len([]rune(msg.Text)); n > MaxMessageLength {
			t.Errorf("part %d has %d runes", i, n)
		}
	}
}

func TestBotProviderRateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for retry_after")
	}

	t.Run("honoured once", func(t *testing.T) {
		api := &fakeAPI{errs: []error{rateLimited(), nil}}
		p := &BotProvider{api: api, logger: discardLogger()}
		if err := p.Send(context.Background(), 1, "hi"); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if len(api.sent) != 2 {
			t.Errorf("attempts = %d, want 2", len(api.sent))
		}
	})

	t.Run("gives up after second limit", func(t *testing.T) {
		api := &fakeAPI{errs: []error{rateLimited(), rateLimited(), nil}}
		p := &BotProvider{api: api, logger: discardLogger()}
		if err := p.Send(context.Background(), 1, "hi"); err == nil {
			t.Fatal("Send() should fail when rate limited twice")
		}
		if len(api.sent) != 2 {
			t.Errorf("attempts = %d, want 2", len(api.sent))
		}
	})
}

func TestBotProviderNoRetryOnOtherErrors(t *testing.T) {
	blocked := &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
	api := &fakeAPI{errs: []error{blocked, nil}}
	p := &BotProvider{api: api, logger: discardLogger()}

	err := p.Send(context.Background(), 1, "hi")
	if err == nil {
		t.Fatal("Send() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "blocked by the user") {
		t.Errorf("error should carry the API message, got %v", err)
	}
	if len(api.sent) != 1 {
		t.Errorf("attempts = %d, want 1", len(api.sent))
	}
}

type recordingProvider struct {
	chats []int64
	texts []string
	err   error
}

func (r *recordingProvider) Send(ctx context.Context, chatID int64, htmlText string) error {
	r.chats = append(r.chats, chatID)
	r.texts = append(r.texts, htmlText)
	return r.err
}

func TestSenderNotify(t *testing.T) {
	rec := &recordingProvider{}
	s := New(rec, discardLogger(), time.UTC)
	user := &notifier.User{ID: 7, ChatID: 700}
	ctx := context.Background()

	events := []notifier.NormalizedEvent{
		{Title: "A", MeetingLink: "https://meet.google.com/a", Start: at("2024-05-15T10:00:00Z"), End: at("2024-05-15T11:00:00Z")},
		{Title: "B", MeetingLink: "https://meet.google.com/b", Start: at("2024-05-16T10:00:00Z"), End: at("2024-05-16T11:00:00Z")},
	}
	if err := s.NotifyNew(ctx, user, events); err != nil {
		t.Fatalf("NotifyNew() error = %v", err)
	}
	if len(rec.texts) != 2 {
		t.Fatalf("NotifyNew sent %d messages, want one per day", len(rec.texts))
	}
	for _, chat := range rec.chats {
		if chat != 700 {
			t.Errorf("message sent to chat %d, want 700", chat)
		}
	}

	// Empty inputs send nothing.
	rec.texts = nil
	_ = s.NotifyNew(ctx, user, nil)
	_ = s.NotifyUpdated(ctx, user, nil)
	_ = s.NotifyDeleted(ctx, user, nil)
	if len(rec.texts) != 0 {
		t.Errorf("empty notifications sent %d messages", len(rec.texts))
	}
}

func TestSenderNotifyNewJoinsErrors(t *testing.T) {
	rec := &recordingProvider{err: errors.New("boom")}
	s := New(rec, discardLogger(), nil)
	events := []notifier.NormalizedEvent{
		{Title: "A", MeetingLink: "https://meet.google.com/a", Start: at("2024-05-15T10:00:00Z"), End: at("2024-05-15T11:00:00Z")},
		{Title: "B", MeetingLink: "https://meet.google.com/b", Start: at("2024-05-16T10:00:00Z"), End: at("2024-05-16T11:00:00Z")},
	}
	err := s.NotifyNew(context.Background(), &notifier.User{ChatID: 1}, events)
	if err == nil {
		t.Fatal("NotifyNew() error = nil, want error")
	}
	if len(rec.texts) != 2 {
		t.Errorf("a failed day should not stop the next one, sent %d", len(rec.texts))
	}
}
