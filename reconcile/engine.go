// Package reconcile classifies freshly fetched calendar events as new, updated
// or deleted against the events already tracked for a user.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"meet-notifier/pkg/notifier"
)

// timeTolerance absorbs clock and serialization jitter between polls.
// A change of exactly this much is not an update.
const timeTolerance = 60 * time.Second

// Store opens per-user transactions over tracked events and notification records.
// If fn returns an error nothing done inside the transaction is persisted.
type Store interface {
	InTx(ctx context.Context, userID int64, fn func(tx notifier.EventTx) error) error
}

// Result holds the three classification buckets of one reconciliation pass.
type Result struct {
	Deleted []notifier.DeletedEvent
	Updated []notifier.UpdatedEvent
	New     []notifier.NormalizedEvent
}

// Empty reports whether the pass found nothing to report.
func (r *Result) Empty() bool {
	return len(r.Deleted) == 0 && len(r.Updated) == 0 && len(r.New) == 0
}

// Engine runs reconciliation passes.
type Engine struct {
	*Dedup
	store  Store
	logger *slog.Logger
}

// New creates a reconciliation engine over store.
func New(store Store, logger *slog.Logger) *Engine {
	return &Engine{
		Dedup:  NewDedup(store),
		store:  store,
		logger: logger,
	}
}

// Reconcile diffs active against the user's tracked events in one transaction.
// Deletions are applied first, then updates; new events are only classified.
func (e *Engine) Reconcile(ctx context.Context, userID int64, active []notifier.NormalizedEvent, window Window, now time.Time) (*Result, error) {
	var res *Result
	err := e.store.InTx(ctx, userID, func(tx notifier.EventTx) error {
		res = &Result{}

		activeIDs := make(map[string]bool, len(active))
		for i := range active {
			activeIDs[active[i].ID] = true
		}

		deleted, err := e.detectDeleted(tx, activeIDs, window, now)
		if err != nil {
			return err
		}
		res.Deleted = deleted

		updated, err := e.detectUpdated(tx, active, now)
		if err != nil {
			return err
		}
		res.Updated = updated

		for i := range active {
			sent, err := tx.HasNotification(active[i].ID)
			if err != nil {
				return fmt.Errorf("check notification %s: %w", active[i].ID, err)
			}
			if !sent {
				res.New = append(res.New, active[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile user %d: %w", userID, err)
	}

	e.logger.Info("Reconciliation completed",
		"user_id", userID,
		"active", len(active),
		"deleted", len(res.Deleted),
		"updated", len(res.Updated),
		"new", len(res.New))

	return res, nil
}

func (e *Engine) detectDeleted(tx notifier.EventTx, activeIDs map[string]bool, window Window, now time.Time) ([]notifier.DeletedEvent, error) {
	tracked, err := tx.EventsStartingBetween(window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("load tracked events: %w", err)
	}

	var deleted []notifier.DeletedEvent
	for _, ev := range tracked {
		// Stores match whole seconds; the window bounds are exact.
		if !window.Contains(ev.Start) {
			continue
		}
		// Already over: nothing worth reporting.
		if !ev.End.UTC().After(now.UTC()) {
			continue
		}
		if activeIDs[ev.EventID] {
			continue
		}

		if err := tx.DeleteNotification(ev.EventID); err != nil {
			return nil, fmt.Errorf("delete notification %s: %w", ev.EventID, err)
		}
		if err := tx.DeleteEvent(ev.EventID); err != nil {
			return nil, fmt.Errorf("delete event %s: %w", ev.EventID, err)
		}

		e.logger.Debug("Tracked event deleted", "user_id", ev.UserID, "event_id", ev.EventID, "title", ev.Title)
		deleted = append(deleted, notifier.DeletedEvent{
			ID:    ev.EventID,
			Title: ev.Title,
			Start: inZone(ev.Start, ev.TimeZone),
			End:   inZone(ev.End, ev.TimeZone),
		})
	}
	return deleted, nil
}

func (e *Engine) detectUpdated(tx notifier.EventTx, active []notifier.NormalizedEvent, now time.Time) ([]notifier.UpdatedEvent, error) {
	var updated []notifier.UpdatedEvent
	for i := range active {
		ev := &active[i]

		stored, err := tx.Event(ev.ID)
		if err != nil {
			return nil, fmt.Errorf("load event %s: %w", ev.ID, err)
		}
		if stored == nil || !changed(stored, ev) {
			continue
		}

		upd := notifier.UpdatedEvent{
			ID: ev.ID,
			Previous: notifier.EventFields{
				Title:       stored.Title,
				MeetingLink: stored.MeetingLink,
				Start:       inZone(stored.Start, stored.TimeZone),
				End:         inZone(stored.End, stored.TimeZone),
			},
			Current: notifier.EventFields{
				Title:       ev.Title,
				MeetingLink: ev.MeetingLink,
				Start:       ev.Start,
				End:         ev.End,
			},
		}

		stored.Title = ev.Title
		stored.MeetingLink = ev.MeetingLink
		stored.Start = ev.Start.UTC()
		stored.End = ev.End.UTC()
		stored.TimeZone = zoneOf(ev.Start)
		stored.RawSnapshot = ev.Raw
		stored.UpdatedAt = now.UTC()
		if err := tx.PutEvent(stored); err != nil {
			return nil, fmt.Errorf("update event %s: %w", ev.ID, err)
		}

		updated = append(updated, upd)
	}
	return updated, nil
}

func changed(stored *notifier.TrackedEvent, ev *notifier.NormalizedEvent) bool {
	return stored.Title != ev.Title ||
		stored.MeetingLink != ev.MeetingLink ||
		absDuration(stored.Start.Sub(ev.Start)) > timeTolerance ||
		absDuration(stored.End.Sub(ev.End)) > timeTolerance
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// MarkNotified records that events were announced to the user, tracking any
// that are not yet tracked. Both happen in one transaction.
func (e *Engine) MarkNotified(ctx context.Context, userID int64, events []notifier.NormalizedEvent, at time.Time) error {
	err := e.store.InTx(ctx, userID, func(tx notifier.EventTx) error {
		for i := range events {
			if _, err := trackIfAbsent(tx, userID, &events[i], at); err != nil {
				return err
			}
			if err := tx.CreateNotification(events[i].ID, at.UTC()); err != nil {
				return fmt.Errorf("create notification %s: %w", events[i].ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark notified for user %d: %w", userID, err)
	}
	return nil
}

// Track saves events that are not yet tracked without marking them notified.
// Existing events are left as they are so later passes still detect updates.
// It returns the number of newly tracked events.
func (e *Engine) Track(ctx context.Context, userID int64, events []notifier.NormalizedEvent, at time.Time) (int, error) {
	var inserted int
	err := e.store.InTx(ctx, userID, func(tx notifier.EventTx) error {
		inserted = 0
		for i := range events {
			ok, err := trackIfAbsent(tx, userID, &events[i], at)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("track events for user %d: %w", userID, err)
	}
	return inserted, nil
}

func trackIfAbsent(tx notifier.EventTx, userID int64, ev *notifier.NormalizedEvent, at time.Time) (bool, error) {
	existing, err := tx.Event(ev.ID)
	if err != nil {
		return false, fmt.Errorf("load event %s: %w", ev.ID, err)
	}
	if existing != nil {
		return false, nil
	}
	if err := tx.PutEvent(&notifier.TrackedEvent{
		EventID:     ev.ID,
		UserID:      userID,
		Title:       ev.Title,
		TimeZone:    zoneOf(ev.Start),
		MeetingLink: ev.MeetingLink,
		Start:       ev.Start.UTC(),
		End:         ev.End.UTC(),
		RawSnapshot: ev.Raw,
		CreatedAt:   at.UTC(),
		UpdatedAt:   at.UTC(),
	}); err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return true, nil
}

// zoneOf names t's location so that stored UTC times can be shown in it
// again. Unnamed fixed zones are kept as their offset.
func zoneOf(t time.Time) string {
	if name := t.Location().String(); name != "" && name != "Local" {
		return name
	}
	return t.Format("-07:00")
}

// inZone converts t to a zone recorded by zoneOf. Unknown zones leave t as is.
func inZone(t time.Time, zone string) time.Time {
	switch {
	case zone == "":
		return t
	case zone[0] == '+' || zone[0] == '-':
		ref, err := time.Parse("-07:00", zone)
		if err != nil {
			return t
		}
		_, offset := ref.Zone()
		return t.In(time.FixedZone("", offset))
	default:
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return t
		}
		return t.In(loc)
	}
}
