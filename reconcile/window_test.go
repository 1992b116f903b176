package reconcile

import (
	"testing"
	"time"
)

func TestWeekWindow(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		wantEnd time.Time
	}{
		{
			name:    "wednesday ends this friday",
			now:     time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC),
			wantEnd: time.Date(2024, 5, 17, 23, 59, 59, 0, time.UTC),
		},
		{
			name:    "monday ends this friday",
			now:     time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC),
			wantEnd: time.Date(2024, 5, 17, 23, 59, 59, 0, time.UTC),
		},
		{
			name:    "friday ends same day",
			now:     time.Date(2024, 5, 17, 18, 30, 0, 0, time.UTC),
			wantEnd: time.Date(2024, 5, 17, 23, 59, 59, 0, time.UTC),
		},
		{
			name:    "saturday rolls to next week friday",
			now:     time.Date(2024, 5, 18, 9, 0, 0, 0, time.UTC),
			wantEnd: time.Date(2024, 5, 24, 23, 59, 59, 0, time.UTC),
		},
		{
			name:    "sunday rolls to next week friday",
			now:     time.Date(2024, 5, 19, 23, 0, 0, 0, time.UTC),
			wantEnd: time.Date(2024, 5, 24, 23, 59, 59, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := WeekWindow(tt.now, time.UTC)
			if !w.Start.Equal(tt.now) {
				t.Errorf("WeekWindow().Start = %v, want %v", w.Start, tt.now)
			}
			if !w.End.Equal(tt.wantEnd) {
				t.Errorf("WeekWindow().End = %v, want %v", w.End, tt.wantEnd)
			}
		})
	}
}

func TestWeekWindowReferenceZone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// Friday 22:30 UTC is already Saturday 01:30 at UTC+3.
	now := time.Date(2024, 5, 17, 22, 30, 0, 0, time.UTC)

	w := WeekWindow(now, loc)
	want := time.Date(2024, 5, 24, 23, 59, 59, 0, loc)
	if !w.End.Equal(want) {
		t.Errorf("WeekWindow().End = %v, want %v", w.End, want)
	}

	if got := WeekWindow(now, nil).End; !got.Equal(time.Date(2024, 5, 17, 23, 59, 59, 0, time.UTC)) {
		t.Errorf("WeekWindow(nil loc).End = %v, want UTC friday", got)
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{
		Start: time.Date(2024, 5, 13, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 17, 23, 59, 59, 0, time.UTC),
	}
	if !w.Contains(w.Start) || !w.Contains(w.End) {
		t.Error("Contains() should include both bounds")
	}
	if w.Contains(w.End.Add(time.Second)) {
		t.Error("Contains() should exclude instants after End")
	}
}
