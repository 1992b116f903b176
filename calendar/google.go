package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"meet-notifier/pkg/notifier"
)

const (
	primaryCalendar = "primary"
	// maxPages stops a runaway page token loop.
	maxPages = 50
)

// GoogleSource reads events from a user's primary Google Calendar.
type GoogleSource struct {
	svc        *gcal.Service
	logger     *slog.Logger
	calendarID string
}

// NewGoogleSource creates a source over an authorized calendar service.
func NewGoogleSource(svc *gcal.Service, logger *slog.Logger) *GoogleSource {
	return &GoogleSource{
		svc:        svc,
		logger:     logger,
		calendarID: primaryCalendar,
	}
}

// UpcomingEvents lists single (expanded) events ordered by start time.
// pageSize bounds each request; every page of the range is read so the
// result is the complete set of events in it. Transient API failures are
// retried; auth failures are not.
func (g *GoogleSource) UpcomingEvents(ctx context.Context, timeMin, timeMax time.Time, pageSize int) ([]notifier.RawEvent, error) {
	var (
		out       []notifier.RawEvent
		pageToken string
	)
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("list events: more than %d pages", maxPages)
		}
		events, err := g.listPage(ctx, timeMin, timeMax, pageSize, pageToken)
		if err != nil {
			return nil, err
		}
		for _, item := range events.Items {
			out = append(out, convertGoogleEvent(item))
		}
		if events.NextPageToken == "" {
			break
		}
		pageToken = events.NextPageToken
	}
	g.logger.Debug("Google Calendar events fetched", "count", len(out))
	return out, nil
}

func (g *GoogleSource) listPage(ctx context.Context, timeMin, timeMax time.Time, pageSize int, pageToken string) (*gcal.Events, error) {
	var events *gcal.Events
	err := retry.Do(
		func() error {
			call := g.svc.Events.List(g.calendarID).
				TimeMin(timeMin.Format(time.RFC3339)).
				TimeMax(timeMax.Format(time.RFC3339)).
				SingleEvents(true).
				OrderBy("startTime").
				Context(ctx)
			if pageSize > 0 {
				call = call.MaxResults(int64(pageSize))
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			events, err = call.Do()
			if err != nil && !isTransient(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying calendar list after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func convertGoogleEvent(item *gcal.Event) notifier.RawEvent {
	ev := notifier.RawEvent{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
		HangoutLink: item.HangoutLink,
		Start:       convertEventTime(item.Start),
		End:         convertEventTime(item.End),
	}
	if item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" && ep.Uri != "" {
				ev.ConferenceLinks = append(ev.ConferenceLinks, ep.Uri)
			}
		}
	}
	if raw, err := item.MarshalJSON(); err == nil {
		ev.Raw = raw
	}
	return ev
}

func convertEventTime(t *gcal.EventDateTime) notifier.EventTime {
	if t == nil {
		return notifier.EventTime{}
	}
	return notifier.EventTime{
		DateTime: t.DateTime,
		Date:     t.Date,
		TimeZone: t.TimeZone,
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	// Network errors.
	return true
}
