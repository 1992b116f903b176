package calendar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"meet-notifier/pkg/notifier"
)

const (
	propGoogleConference = "X-GOOGLE-CONFERENCE"
	icalDateLayout       = "20060102"
	icalFloatingLayout   = "20060102T150405"
	instanceIDLayout     = "20060102T150405Z"
	maxFeedSize          = 10 << 20
)

// ICalSource reads events from an iCalendar feed URL, such as Google
// Calendar's secret address.
type ICalSource struct {
	client *http.Client
	logger *slog.Logger
	url    string
}

// NewICalSource creates a feed source.
func NewICalSource(url string, client *http.Client, logger *slog.Logger) *ICalSource {
	return &ICalSource{
		client: client,
		logger: logger,
		url:    url,
	}
}

// UpcomingEvents downloads the feed and returns every event overlapping the
// range, expanding recurring events into instances. The feed is read whole,
// so there is no page size.
func (s *ICalSource) UpcomingEvents(ctx context.Context, timeMin, timeMax time.Time, _ int) ([]notifier.RawEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: HTTP %d", resp.StatusCode)
	}

	return parseFeed(io.LimitReader(resp.Body, maxFeedSize), timeMin, timeMax, s.logger)
}

func parseFeed(r io.Reader, timeMin, timeMax time.Time, logger *slog.Logger) ([]notifier.RawEvent, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len("BEGIN:VCALENDAR"))
	if err != nil || !strings.EqualFold(string(head), "BEGIN:VCALENDAR") {
		return nil, errors.New("response is not iCalendar data, check the feed URL")
	}

	var comps []*ical.Component
	dec := ical.NewDecoder(br)
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode calendar: %w", err)
		}
		for _, comp := range cal.Children {
			if comp.Name == ical.CompEvent {
				comps = append(comps, comp)
			}
		}
	}

	// Modified instances of a recurring series replace the generated ones.
	overrides := make(map[string]bool)
	for _, comp := range comps {
		if id, ok := overrideID(comp); ok {
			overrides[id] = true
		}
	}

	var out []notifier.RawEvent
	for _, comp := range comps {
		base, err := convertComponent(comp)
		if err != nil {
			logger.Warn("Skipping unreadable feed event", "error", err)
			continue
		}

		if id, ok := overrideID(comp); ok {
			base.ID = id
			if overlaps(base, timeMin, timeMax) {
				out = append(out, base)
			}
			continue
		}

		if comp.Props.Get(ical.PropRecurrenceRule) == nil {
			if overlaps(base, timeMin, timeMax) {
				out = append(out, base)
			}
			continue
		}

		instances, err := expandRecurrence(comp, base, timeMin, timeMax)
		if err != nil {
			logger.Warn("Skipping recurring event with bad rule", "event_id", base.ID, "error", err)
			continue
		}
		for _, inst := range instances {
			if !overrides[inst.ID] {
				out = append(out, inst)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return startInstant(out[i]).Before(startInstant(out[j]))
	})
	return out, nil
}

func convertComponent(comp *ical.Component) (notifier.RawEvent, error) {
	uid := propText(comp, ical.PropUID)
	if uid == "" {
		return notifier.RawEvent{}, errors.New("event without UID")
	}

	ev := notifier.RawEvent{
		ID:          uid,
		Summary:     propText(comp, ical.PropSummary),
		Description: propText(comp, ical.PropDescription),
		Location:    propText(comp, ical.PropLocation),
		Status:      strings.ToLower(propText(comp, ical.PropStatus)),
		HangoutLink: propText(comp, propGoogleConference),
		Start:       icalTime(comp.Props.Get(ical.PropDateTimeStart)),
	}
	end, err := icalEnd(comp, ev.Start)
	if err != nil {
		return notifier.RawEvent{}, fmt.Errorf("event %s: %w", uid, err)
	}
	ev.End = end

	raw := make(map[string]string)
	for name, props := range comp.Props {
		if len(props) > 0 {
			raw[name] = props[0].Value
		}
	}
	if data, err := json.Marshal(raw); err == nil {
		ev.Raw = data
	}
	return ev, nil
}

func propText(comp *ical.Component, name string) string {
	text, err := comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// icalTime maps DTSTART/DTEND. Unparseable values are passed through as
// DateTime so the normalizer logs and skips the event.
func icalTime(prop *ical.Prop) notifier.EventTime {
	if prop == nil {
		return notifier.EventTime{}
	}
	if prop.ValueType() == ical.ValueDate || len(prop.Value) == len(icalDateLayout) {
		d, err := time.Parse(icalDateLayout, prop.Value)
		if err != nil {
			return notifier.EventTime{DateTime: prop.Value}
		}
		return notifier.EventTime{Date: d.Format("2006-01-02")}
	}

	tzid := prop.Params.Get(ical.ParamTimezoneID)
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		// Unknown TZID names: keep the wall clock as UTC.
		t, err = time.ParseInLocation(icalFloatingLayout, strings.TrimSuffix(prop.Value, "Z"), time.UTC)
		if err != nil {
			return notifier.EventTime{DateTime: prop.Value}
		}
		tzid = ""
	}
	return notifier.EventTime{DateTime: t.Format(time.RFC3339), TimeZone: tzid}
}

// icalEnd maps DTEND, or DTSTART plus DURATION when DTEND is absent. A
// date-only start with neither lasts one day, a timed one ends as it starts.
func icalEnd(comp *ical.Component, start notifier.EventTime) (notifier.EventTime, error) {
	if prop := comp.Props.Get(ical.PropDateTimeEnd); prop != nil {
		return icalTime(prop), nil
	}

	var dur time.Duration
	if prop := comp.Props.Get(ical.PropDuration); prop != nil {
		d, err := prop.Duration()
		if err != nil {
			return notifier.EventTime{}, fmt.Errorf("parse duration: %w", err)
		}
		dur = d
	} else if start.Date != "" {
		dur = 24 * time.Hour
	}

	t, err := parseInstant(start)
	if err != nil {
		// Unparseable starts are passed through for the normalizer to reject.
		return start, nil
	}
	if start.Date != "" {
		return notifier.EventTime{Date: t.Add(dur).Format("2006-01-02")}, nil
	}
	return notifier.EventTime{DateTime: t.Add(dur).Format(time.RFC3339), TimeZone: start.TimeZone}, nil
}

func overrideID(comp *ical.Component) (string, bool) {
	rid := comp.Props.Get(ical.PropRecurrenceID)
	if rid == nil {
		return "", false
	}
	t, err := rid.DateTime(time.UTC)
	if err != nil {
		return "", false
	}
	return instanceID(propText(comp, ical.PropUID), t), true
}

func instanceID(uid string, start time.Time) string {
	return uid + "_" + start.UTC().Format(instanceIDLayout)
}

func expandRecurrence(comp *ical.Component, base notifier.RawEvent, timeMin, timeMax time.Time) ([]notifier.RawEvent, error) {
	set, err := comp.RecurrenceSet(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence: %w", err)
	}
	if set == nil {
		return nil, nil
	}

	start, errStart := parseInstant(base.Start)
	end, errEnd := parseInstant(base.End)
	if errStart != nil || errEnd != nil {
		return nil, errors.New("recurring event without valid start and end")
	}
	duration := end.Sub(start)
	allDay := base.Start.Date != ""

	var out []notifier.RawEvent
	for _, occ := range set.Between(timeMin.Add(-duration), timeMax, true) {
		inst := base
		inst.ID = instanceID(base.ID, occ)
		if allDay {
			inst.Start = notifier.EventTime{Date: occ.Format("2006-01-02")}
			inst.End = notifier.EventTime{Date: occ.Add(duration).Format("2006-01-02")}
		} else {
			inst.Start = notifier.EventTime{DateTime: occ.Format(time.RFC3339), TimeZone: base.Start.TimeZone}
			inst.End = notifier.EventTime{DateTime: occ.Add(duration).Format(time.RFC3339), TimeZone: base.End.TimeZone}
		}
		if overlaps(inst, timeMin, timeMax) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func parseInstant(et notifier.EventTime) (time.Time, error) {
	if et.Date != "" {
		return time.ParseInLocation("2006-01-02", et.Date, time.UTC)
	}
	return time.Parse(time.RFC3339, et.DateTime)
}

func startInstant(ev notifier.RawEvent) time.Time {
	t, _ := parseInstant(ev.Start)
	return t
}

// overlaps keeps events that end after timeMin and start before timeMax.
// Events with unparseable times are kept for the normalizer to reject.
func overlaps(ev notifier.RawEvent, timeMin, timeMax time.Time) bool {
	start, errStart := parseInstant(ev.Start)
	end, errEnd := parseInstant(ev.End)
	if errStart != nil || errEnd != nil {
		return true
	}
	return end.After(timeMin) && !start.After(timeMax)
}
