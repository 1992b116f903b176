package telegram

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"meet-notifier/pkg/notifier"
)

const (
	dayLayout  = "02.01.2006"
	timeLayout = "15:04"
)

func displayTime(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return t.In(loc)
}

// FormatDays renders meetings grouped by calendar day, one message per day,
// days in chronological order.
func FormatDays(events []notifier.NormalizedEvent, loc *time.Location) []string {
	sorted := make([]notifier.NormalizedEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var (
		messages []string
		sb       strings.Builder
		current  string
	)
	for i := range sorted {
		ev := &sorted[i]
		start := displayTime(ev.Start, loc)
		day := start.Format(dayLayout)
		if day != current {
			if sb.Len() > 0 {
				messages = append(messages, strings.TrimRight(sb.String(), "\n"))
				sb.Reset()
			}
			current = day
			sb.WriteString(fmt.Sprintf("📆 <b>Online meetings on %s</b>\n\n", day))
		}
		sb.WriteString(fmt.Sprintf("🕒 %s - <b>%s</b>\n", start.Format(timeLayout), html.EscapeString(ev.Title)))
		sb.WriteString(fmt.Sprintf("🔗 %s\n\n", html.EscapeString(ev.MeetingLink)))
	}
	if sb.Len() > 0 {
		messages = append(messages, strings.TrimRight(sb.String(), "\n"))
	}
	return messages
}

// FormatUpdated renders a before/after block per changed meeting.
func FormatUpdated(updated []notifier.UpdatedEvent, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString("✏️ <b>Meetings changed</b>\n")
	for i := range updated {
		u := &updated[i]
		// Both lines are shown in one zone.
		zone := loc
		if zone == nil {
			zone = u.Current.Start.Location()
		}
		sb.WriteString(fmt.Sprintf("\n<b>%s</b>\n", html.EscapeString(u.Current.Title)))
		sb.WriteString("Was: " + formatFields(u.Previous, zone) + "\n")
		sb.WriteString("Now: " + formatFields(u.Current, zone) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatFields(f notifier.EventFields, loc *time.Location) string {
	start := displayTime(f.Start, loc)
	end := displayTime(f.End, loc)
	s := fmt.Sprintf("%s %s-%s", start.Format(dayLayout), start.Format(timeLayout), end.Format(timeLayout))
	if f.Title != "" {
		s += " " + html.EscapeString(f.Title)
	}
	if f.MeetingLink != "" {
		s += " (" + html.EscapeString(f.MeetingLink) + ")"
	}
	return s
}

// FormatDeleted lists meetings that disappeared from the calendar.
func FormatDeleted(deleted []notifier.DeletedEvent, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString("❌ <b>Meetings cancelled</b>\n")
	for i := range deleted {
		d := &deleted[i]
		start := displayTime(d.Start, loc)
		end := displayTime(d.End, loc)
		title := d.Title
		if title == "" {
			title = "Untitled meeting"
		}
		sb.WriteString(fmt.Sprintf("\n🕒 %s %s-%s <s>%s</s>",
			start.Format(dayLayout), start.Format(timeLayout), end.Format(timeLayout), html.EscapeString(title)))
	}
	return sb.String()
}

// FormatWeek renders the /week summary. An empty list gets a short notice.
func FormatWeek(events []notifier.NormalizedEvent, loc *time.Location) []string {
	if len(events) == 0 {
		return []string{"🎉 No online meetings until the end of the week."}
	}
	return FormatDays(events, loc)
}
