package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// MaxMessageLength is Telegram's limit for a single text message.
	MaxMessageLength = 4096
	maxRetryAfter    = 30 * time.Second
)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotProvider sends messages through the Telegram Bot API.
type BotProvider struct {
	api    messageSender
	logger *slog.Logger
}

// NewBotProvider creates a provider over an authorized bot client.
func NewBotProvider(api *tgbotapi.BotAPI, logger *slog.Logger) *BotProvider {
	return &BotProvider{
		api:    api,
		logger: logger,
	}
}

// Send delivers text as HTML, splitting it into several messages when it
// exceeds Telegram's size limit. A rate limit answer is honoured once.
func (p *BotProvider) Send(ctx context.Context, chatID int64, htmlText string) error {
	for i, part := range splitMessage(htmlText, MaxMessageLength) {
		if err := p.sendPart(ctx, chatID, part); err != nil {
			return fmt.Errorf("send message part %d to chat %d: %w", i+1, chatID, err)
		}
	}
	return nil
}

func (p *BotProvider) sendPart(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	return retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}
			_, err := p.api.Send(msg)
			if err == nil {
				return nil
			}
			wait, limited := retryAfter(err)
			if !limited {
				return retry.Unrecoverable(err)
			}
			p.logger.Warn("Telegram rate limit hit", "chat_id", chatID, "retry_after", wait)
			select {
			case <-ctx.Done():
				return retry.Unrecoverable(ctx.Err())
			case <-time.After(wait):
			}
			return err
		},
		retry.Attempts(2),
		retry.Delay(0),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying Telegram send", "attempt", n, "chat_id", chatID)
		}),
	)
}

// retryAfter reports the wait requested by a 429 answer.
func retryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusTooManyRequests {
		return 0, false
	}
	wait := time.Duration(apiErr.RetryAfter) * time.Second
	if wait <= 0 {
		wait = time.Second
	}
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	return wait, true
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// boundaries so HTML tags stay intact.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		parts []string
		sb    strings.Builder
		size  int
	)
	flush := func() {
		if chunk := strings.TrimRight(sb.String(), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		sb.Reset()
		size = 0
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if size+n > limit {
			flush()
		}
		for n > limit {
			runes := []rune(line)
			parts = append(parts, string(runes[:limit]))
			line = string(runes[limit:])
			n -= limit
		}
		sb.WriteString(line)
		size += n
	}
	flush()
	return parts
}
