package reconcile

import (
	"context"
	"fmt"
	"time"

	"meet-notifier/pkg/notifier"
)

// Dedup answers whether a "new meeting" notice was already issued.
// A notification record's existence is the only sent marker.
type Dedup struct {
	store Store
	now   func() time.Time
}

// NewDedup creates a dedup store view.
func NewDedup(store Store) *Dedup {
	return &Dedup{store: store, now: time.Now}
}

// HasNotification reports whether the user was told about eventID.
func (d *Dedup) HasNotification(ctx context.Context, userID int64, eventID string) (bool, error) {
	var has bool
	err := d.store.InTx(ctx, userID, func(tx notifier.EventTx) error {
		var err error
		has, err = tx.HasNotification(eventID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check notification %s: %w", eventID, err)
	}
	return has, nil
}

// CreateNotification records eventID as notified. Creating it twice is a no-op.
func (d *Dedup) CreateNotification(ctx context.Context, userID int64, eventID string) error {
	err := d.store.InTx(ctx, userID, func(tx notifier.EventTx) error {
		return tx.CreateNotification(eventID, d.now().UTC())
	})
	if err != nil {
		return fmt.Errorf("create notification %s: %w", eventID, err)
	}
	return nil
}

// CheckAllSent reports whether every distinct ID in eventIDs has a record.
// Duplicates in the input are collapsed first; an empty set is all sent.
func (d *Dedup) CheckAllSent(ctx context.Context, userID int64, eventIDs []string) (bool, error) {
	ids := distinct(eventIDs)
	if len(ids) == 0 {
		return true, nil
	}

	var count int
	err := d.store.InTx(ctx, userID, func(tx notifier.EventTx) error {
		var err error
		count, err = tx.CountNotifications(ids)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("count notifications: %w", err)
	}
	return count == len(ids), nil
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
