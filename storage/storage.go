// Package storage handles persistence of users, OAuth tokens, tracked events
// and notification records.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"meet-notifier/pkg/notifier"
)

var (
	// ErrNotFound is returned when a user, token or auth state does not exist.
	ErrNotFound = errors.New("storage: object doesn't exist")
	// ErrConflict is returned when a document changed underneath a write.
	ErrConflict = errors.New("storage: concurrent modification")
)

// Store is implemented by every storage backend.
type Store interface {
	InTx(ctx context.Context, userID int64, fn func(tx notifier.EventTx) error) error
	Reset(ctx context.Context, userID int64) error

	ActiveUsers(ctx context.Context) ([]*notifier.User, error)
	User(ctx context.Context, userID int64) (*notifier.User, error)
	SaveUser(ctx context.Context, user *notifier.User) error

	Token(ctx context.Context, userID int64) ([]byte, error)
	SaveToken(ctx context.Context, userID int64, token []byte) error
	DeleteToken(ctx context.Context, userID int64) error

	SaveAuthState(ctx context.Context, state string, userID int64, expires time.Time) error
	ConsumeAuthState(ctx context.Context, state string) (int64, error)

	Close() error
}

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// userLocks serializes access to one user's data within the process.
type userLocks struct {
	m sync.Map // int64 -> *sync.Mutex
}

func (l *userLocks) lock(userID int64) func() {
	v, _ := l.m.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
