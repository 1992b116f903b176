package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"meet-notifier/pkg/notifier"
)

const (
	userPrefix  = "user-"
	statePrefix = "state-"
)

// userDoc is everything stored for one user, kept in a single object so that
// one write commits a whole reconciliation pass.
type userDoc struct {
	User          *notifier.User                          `json:"user,omitempty"`
	Token         json.RawMessage                         `json:"token,omitempty"`
	Events        map[string]*notifier.TrackedEvent       `json:"events"`
	Notifications map[string]*notifier.NotificationRecord `json:"notifications"`
}

type stateDoc struct {
	ExpiresAt time.Time `json:"expires_at"`
	UserID    int64     `json:"user_id"`
}

// DocumentStore keeps one JSON document per user on the local filesystem or in
// a Cloud Storage bucket.
type DocumentStore struct {
	blobs  blobs
	logger *slog.Logger
	locks  userLocks
}

// NewLocal creates a document store rooted at dir, creating it if needed.
func NewLocal(dir string, logger *slog.Logger) (*DocumentStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	logger.Info("Using local document storage", "path", dir)
	return &DocumentStore{blobs: &localBlobs{dir: dir}, logger: logger}, nil
}

// NewGCS creates a document store backed by a Cloud Storage bucket.
func NewGCS(client *storage.Client, bucket string, logger *slog.Logger) *DocumentStore {
	logger.Info("Using Cloud Storage document storage", "bucket", bucket)
	return &DocumentStore{
		blobs:  &gcsBlobs{client: client, bucket: bucket, logger: logger},
		logger: logger,
	}
}

func userKey(userID int64) string {
	return fmt.Sprintf("%s%d.json", userPrefix, userID)
}

// stateKey validates that state is a UUID to keep it safe as an object name.
func stateKey(state string) string {
	id, err := uuid.Parse(state)
	if err != nil {
		return ""
	}
	return statePrefix + id.String() + ".json"
}

func (s *DocumentStore) load(ctx context.Context, userID int64) (*userDoc, int64, error) {
	data, gen, err := s.blobs.read(ctx, userKey(userID))
	if err != nil {
		if IsNotFound(err) {
			return newUserDoc(), 0, nil
		}
		return nil, 0, err
	}
	doc := newUserDoc()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, 0, fmt.Errorf("unmarshal user document: %w", err)
	}
	if doc.Events == nil {
		doc.Events = make(map[string]*notifier.TrackedEvent)
	}
	if doc.Notifications == nil {
		doc.Notifications = make(map[string]*notifier.NotificationRecord)
	}
	return doc, gen, nil
}

func (s *DocumentStore) save(ctx context.Context, userID int64, doc *userDoc, gen int64) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user document: %w", err)
	}
	if err := s.blobs.write(ctx, userKey(userID), data, gen); err != nil {
		return err
	}
	s.logger.Debug("User document saved",
		"user_id", userID,
		"events", len(doc.Events),
		"notifications", len(doc.Notifications))
	return nil
}

// update loads the user's document, applies fn and writes it back if fn
// reports a change. The user lock is held throughout.
func (s *DocumentStore) update(ctx context.Context, userID int64, fn func(doc *userDoc) (bool, error)) error {
	unlock := s.locks.lock(userID)
	defer unlock()

	doc, gen, err := s.load(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", userID, err)
	}
	dirty, err := fn(doc)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if err := s.save(ctx, userID, doc, gen); err != nil {
		return fmt.Errorf("save user %d: %w", userID, err)
	}
	return nil
}

// InTx runs fn against a private copy of the user's document and commits it
// with a single write when fn succeeds.
func (s *DocumentStore) InTx(ctx context.Context, userID int64, fn func(tx notifier.EventTx) error) error {
	return s.update(ctx, userID, func(doc *userDoc) (bool, error) {
		tx := &docTx{doc: doc, userID: userID}
		if err := fn(tx); err != nil {
			return false, err
		}
		return tx.dirty, nil
	})
}

// Reset removes all tracked events and notification records of a user.
func (s *DocumentStore) Reset(ctx context.Context, userID int64) error {
	return s.update(ctx, userID, func(doc *userDoc) (bool, error) {
		if len(doc.Events) == 0 && len(doc.Notifications) == 0 {
			return false, nil
		}
		doc.Events = make(map[string]*notifier.TrackedEvent)
		doc.Notifications = make(map[string]*notifier.NotificationRecord)
		return true, nil
	})
}

// ActiveUsers returns users with polling enabled, ordered by ID.
func (s *DocumentStore) ActiveUsers(ctx context.Context) ([]*notifier.User, error) {
	keys, err := s.blobs.list(ctx, userPrefix)
	if err != nil {
		return nil, err
	}

	var users []*notifier.User
	for _, key := range keys {
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(key, userPrefix), ".json"), 10, 64)
		if err != nil {
			continue
		}
		user, err := s.User(ctx, id)
		if err != nil {
			if !IsNotFound(err) {
				s.logger.Warn("Failed to load user", "key", key, "error", err)
			}
			continue
		}
		if user.Active {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// User loads a user profile.
func (s *DocumentStore) User(ctx context.Context, userID int64) (*notifier.User, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	doc, _, err := s.load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	if doc.User == nil {
		return nil, ErrNotFound
	}
	return doc.User, nil
}

// SaveUser creates or replaces a user profile.
func (s *DocumentStore) SaveUser(ctx context.Context, user *notifier.User) error {
	return s.update(ctx, user.ID, func(doc *userDoc) (bool, error) {
		u := *user
		doc.User = &u
		return true, nil
	})
}

// Token returns the stored OAuth token JSON for a user.
func (s *DocumentStore) Token(ctx context.Context, userID int64) ([]byte, error) {
	unlock := s.locks.lock(userID)
	defer unlock()

	doc, _, err := s.load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	if len(doc.Token) == 0 {
		return nil, ErrNotFound
	}
	return doc.Token, nil
}

// SaveToken stores OAuth token JSON for a user.
func (s *DocumentStore) SaveToken(ctx context.Context, userID int64, token []byte) error {
	if !json.Valid(token) {
		return errors.New("token is not valid JSON")
	}
	return s.update(ctx, userID, func(doc *userDoc) (bool, error) {
		doc.Token = append(json.RawMessage(nil), token...)
		return true, nil
	})
}

// DeleteToken forgets a user's OAuth token.
func (s *DocumentStore) DeleteToken(ctx context.Context, userID int64) error {
	return s.update(ctx, userID, func(doc *userDoc) (bool, error) {
		if len(doc.Token) == 0 {
			return false, nil
		}
		doc.Token = nil
		return true, nil
	})
}

// SaveAuthState records a pending OAuth authorization for userID.
func (s *DocumentStore) SaveAuthState(ctx context.Context, state string, userID int64, expires time.Time) error {
	key := stateKey(state)
	if key == "" {
		return errors.New("invalid state format")
	}
	data, err := json.Marshal(stateDoc{UserID: userID, ExpiresAt: expires.UTC()})
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	return s.blobs.write(ctx, key, data, 0)
}

// ConsumeAuthState returns the user of a pending authorization and removes it.
// Unknown and expired states are ErrNotFound.
func (s *DocumentStore) ConsumeAuthState(ctx context.Context, state string) (int64, error) {
	key := stateKey(state)
	if key == "" {
		return 0, ErrNotFound
	}
	data, _, err := s.blobs.read(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := s.blobs.remove(ctx, key); err != nil {
		return 0, err
	}

	var st stateDoc
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, fmt.Errorf("unmarshal auth state: %w", err)
	}
	if time.Now().After(st.ExpiresAt) {
		return 0, ErrNotFound
	}
	return st.UserID, nil
}

// Close is a no-op; the Cloud Storage client is owned by the caller.
func (s *DocumentStore) Close() error {
	return nil
}

func newUserDoc() *userDoc {
	return &userDoc{
		Events:        make(map[string]*notifier.TrackedEvent),
		Notifications: make(map[string]*notifier.NotificationRecord),
	}
}

// docTx mutates a loaded user document. Nothing is written until the
// surrounding InTx commits.
type docTx struct {
	doc    *userDoc
	userID int64
	dirty  bool
}

func (t *docTx) EventsStartingBetween(start, end time.Time) ([]*notifier.TrackedEvent, error) {
	var out []*notifier.TrackedEvent
	for _, ev := range t.doc.Events {
		if !ev.Start.Before(start) && !ev.Start.After(end) {
			c := *ev
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (t *docTx) Event(eventID string) (*notifier.TrackedEvent, error) {
	ev, ok := t.doc.Events[eventID]
	if !ok {
		return nil, nil
	}
	c := *ev
	return &c, nil
}

func (t *docTx) PutEvent(ev *notifier.TrackedEvent) error {
	c := *ev
	c.UserID = t.userID
	t.doc.Events[ev.EventID] = &c
	t.dirty = true
	return nil
}

func (t *docTx) DeleteEvent(eventID string) error {
	if _, ok := t.doc.Events[eventID]; ok {
		delete(t.doc.Events, eventID)
		t.dirty = true
	}
	return nil
}

func (t *docTx) HasNotification(eventID string) (bool, error) {
	_, ok := t.doc.Notifications[eventID]
	return ok, nil
}

func (t *docTx) CreateNotification(eventID string, sentAt time.Time) error {
	if _, ok := t.doc.Notifications[eventID]; ok {
		return nil
	}
	t.doc.Notifications[eventID] = &notifier.NotificationRecord{
		EventID: eventID,
		UserID:  t.userID,
		SentAt:  sentAt.UTC(),
	}
	t.dirty = true
	return nil
}

func (t *docTx) DeleteNotification(eventID string) error {
	if _, ok := t.doc.Notifications[eventID]; ok {
		delete(t.doc.Notifications, eventID)
		t.dirty = true
	}
	return nil
}

func (t *docTx) CountNotifications(eventIDs []string) (int, error) {
	n := 0
	for _, id := range eventIDs {
		if _, ok := t.doc.Notifications[id]; ok {
			n++
		}
	}
	return n, nil
}
