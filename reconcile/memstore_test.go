package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"meet-notifier/pkg/notifier"
)

var errInjected = errors.New("injected failure")

type memUser struct {
	events map[string]*notifier.TrackedEvent
	notes  map[string]time.Time
}

func (u *memUser) clone() *memUser {
	c := &memUser{
		events: make(map[string]*notifier.TrackedEvent, len(u.events)),
		notes:  make(map[string]time.Time, len(u.notes)),
	}
	for k, v := range u.events {
		ev := *v
		c.events[k] = &ev
	}
	for k, v := range u.notes {
		c.notes[k] = v
	}
	return c
}

// memStore commits a transaction only when fn succeeds.
type memStore struct {
	mu     sync.Mutex
	users  map[int64]*memUser
	failOn string // operation name that returns errInjected
}

func newMemStore() *memStore {
	return &memStore{users: make(map[int64]*memUser)}
}

func (s *memStore) InTx(_ context.Context, userID int64, fn func(tx notifier.EventTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.users[userID]
	if !ok {
		cur = &memUser{events: map[string]*notifier.TrackedEvent{}, notes: map[string]time.Time{}}
	}
	work := cur.clone()
	if err := fn(&memTx{user: work, userID: userID, failOn: s.failOn}); err != nil {
		return err
	}
	s.users[userID] = work
	return nil
}

func (s *memStore) put(ev *notifier.TrackedEvent, notified bool) {
	_ = s.InTx(context.Background(), ev.UserID, func(tx notifier.EventTx) error {
		if err := tx.PutEvent(ev); err != nil {
			return err
		}
		if notified {
			return tx.CreateNotification(ev.EventID, time.Now())
		}
		return nil
	})
}

func (s *memStore) event(userID int64, id string) *notifier.TrackedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u.events[id]
	}
	return nil
}

func (s *memStore) notified(userID int64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		_, has := u.notes[id]
		return has
	}
	return false
}

type memTx struct {
	user   *memUser
	failOn string
	userID int64
}

func (t *memTx) fail(op string) error {
	if t.failOn == op {
		return errInjected
	}
	return nil
}

func (t *memTx) EventsStartingBetween(start, end time.Time) ([]*notifier.TrackedEvent, error) {
	if err := t.fail("EventsStartingBetween"); err != nil {
		return nil, err
	}
	var out []*notifier.TrackedEvent
	for _, ev := range t.user.events {
		if !ev.Start.Before(start) && !ev.Start.After(end) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (t *memTx) Event(id string) (*notifier.TrackedEvent, error) {
	if err := t.fail("Event"); err != nil {
		return nil, err
	}
	return t.user.events[id], nil
}

func (t *memTx) PutEvent(ev *notifier.TrackedEvent) error {
	if err := t.fail("PutEvent"); err != nil {
		return err
	}
	c := *ev
	c.UserID = t.userID
	t.user.events[ev.EventID] = &c
	return nil
}

func (t *memTx) DeleteEvent(id string) error {
	if err := t.fail("DeleteEvent"); err != nil {
		return err
	}
	delete(t.user.events, id)
	return nil
}

func (t *memTx) HasNotification(id string) (bool, error) {
	if err := t.fail("HasNotification"); err != nil {
		return false, err
	}
	_, ok := t.user.notes[id]
	return ok, nil
}

func (t *memTx) CreateNotification(id string, at time.Time) error {
	if err := t.fail("CreateNotification"); err != nil {
		return err
	}
	if _, ok := t.user.notes[id]; !ok {
		t.user.notes[id] = at
	}
	return nil
}

func (t *memTx) DeleteNotification(id string) error {
	if err := t.fail("DeleteNotification"); err != nil {
		return err
	}
	delete(t.user.notes, id)
	return nil
}

func (t *memTx) CountNotifications(ids []string) (int, error) {
	if err := t.fail("CountNotifications"); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, ok := t.user.notes[id]; ok {
			n++
		}
	}
	return n, nil
}
