package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata" // zone names resolve without system zoneinfo

	"meet-notifier/pkg/notifier"
)

const (
	bareDateTimeLayout = "2006-01-02T15:04:05.999999999"
	dateLayout         = "2006-01-02"
	statusCancelled    = "cancelled"
)

var errMissingTime = errors.New("missing dateTime and date")

// Normalizer turns raw provider events into active NormalizedEvents.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize keeps events that have a meeting link and end strictly after now.
// Malformed events are logged and skipped; the batch is never aborted.
func (n *Normalizer) Normalize(raw []notifier.RawEvent, now time.Time) []notifier.NormalizedEvent {
	out := make([]notifier.NormalizedEvent, 0, len(raw))
	seen := make(map[string]bool, len(raw))

	for i := range raw {
		ev := &raw[i]

		if ev.ID == "" {
			n.logger.Warn("Skipping event without ID", "summary", ev.Summary)
			continue
		}
		if strings.EqualFold(ev.Status, statusCancelled) {
			n.logger.Debug("Skipping cancelled event", "event_id", ev.ID)
			continue
		}

		link := MeetingLink(ev)
		if link == "" {
			n.logger.Debug("Skipping event without meeting link", "event_id", ev.ID)
			continue
		}

		start, err := n.resolve(ev.Start)
		if err != nil {
			n.logger.Warn("Skipping event with malformed start", "event_id", ev.ID, "error", err)
			continue
		}
		end, err := n.resolve(ev.End)
		if err != nil {
			n.logger.Warn("Skipping event with malformed end", "event_id", ev.ID, "error", err)
			continue
		}

		if !end.After(now) {
			continue
		}

		if seen[ev.ID] {
			n.logger.Warn("Skipping duplicate event ID in batch", "event_id", ev.ID)
			continue
		}
		seen[ev.ID] = true

		out = append(out, notifier.NormalizedEvent{
			ID:          ev.ID,
			Title:       ev.Summary,
			MeetingLink: link,
			Start:       start,
			End:         end,
			Raw:         ev.Raw,
		})
	}

	return out
}

func (n *Normalizer) resolve(et notifier.EventTime) (time.Time, error) {
	t, err := ParseEventTime(et)
	if err != nil {
		return time.Time{}, err
	}
	if et.TimeZone == "" {
		return t, nil
	}
	loc, err := time.LoadLocation(et.TimeZone)
	if err != nil {
		n.logger.Debug("Unknown event time zone, keeping parsed offset", "timezone", et.TimeZone, "error", err)
		return t, nil
	}
	return t.In(loc), nil
}

// ParseEventTime resolves a provider timestamp to an absolute instant.
// All-day dates are midnight UTC; timestamps without an offset are UTC.
func ParseEventTime(et notifier.EventTime) (time.Time, error) {
	if s := strings.TrimSpace(et.DateTime); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		t, err := time.ParseInLocation(bareDateTimeLayout, s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse dateTime %q: %w", s, err)
		}
		return t, nil
	}
	if s := strings.TrimSpace(et.Date); s != "" {
		t, err := time.ParseInLocation(dateLayout, s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, nil
	}
	return time.Time{}, errMissingTime
}
