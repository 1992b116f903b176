package reconcile

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"meet-notifier/pkg/notifier"
)

var urlRegex = regexp.MustCompile(`https?://[^\s<>"{}|\\^\[\]` + "`" + `]+`)

// meetingHosts are hosts whose links are treated as joinable online meetings.
var meetingHosts = []string{
	"meet.google.com",
	"zoom.us",
	"zoom.com",
	"teams.microsoft.com",
	"teams.live.com",
	"webex.com",
	"gotomeeting.com",
	"meet.goto.com",
	"meet.jit.si",
}

// MeetingLink returns the join link for a raw event, or "" when the event has
// no online meeting attached.
func MeetingLink(ev *notifier.RawEvent) string {
	if link := strings.TrimSpace(ev.HangoutLink); link != "" {
		return link
	}
	for _, link := range ev.ConferenceLinks {
		if link = strings.TrimSpace(link); link != "" {
			return link
		}
	}
	if link := linkFromDescription(ev.Description); link != "" {
		return link
	}
	return linkFromText(ev.Location)
}

// linkFromDescription looks for meeting links in anchors first, then in the
// plain text of the description. Provider descriptions are HTML fragments.
func linkFromDescription(description string) string {
	if strings.TrimSpace(description) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(description))
	if err != nil {
		return linkFromText(description)
	}

	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if isMeetingURL(href) {
			found = strings.TrimSpace(href)
			return false
		}
		return true
	})
	if found != "" {
		return found
	}

	return linkFromText(doc.Text())
}

func linkFromText(text string) string {
	for _, match := range urlRegex.FindAllString(text, -1) {
		if isMeetingURL(match) {
			return match
		}
	}
	return ""
}

func isMeetingURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range meetingHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
