// Package poll runs the periodic calendar check for every active user and
// dispatches the resulting notifications.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"meet-notifier/calendar"
	"meet-notifier/pkg/notifier"
	"meet-notifier/reconcile"
)

const (
	defaultInterval        = 180 * time.Second
	defaultProviderTimeout = 30 * time.Second
)

// ErrUnauthenticated is returned by Upcoming when the user has no usable
// calendar credentials.
var ErrUnauthenticated = errors.New("calendar not connected")

// Users lists the users to poll.
type Users interface {
	ActiveUsers(ctx context.Context) ([]*notifier.User, error)
}

// Resolver looks up a user's calendar access.
type Resolver interface {
	Resolve(ctx context.Context, user *notifier.User) (calendar.Access, error)
}

// Engine diffs fetched events against tracked state.
type Engine interface {
	Reconcile(ctx context.Context, userID int64, active []notifier.NormalizedEvent, window reconcile.Window, now time.Time) (*reconcile.Result, error)
	CheckAllSent(ctx context.Context, userID int64, eventIDs []string) (bool, error)
	MarkNotified(ctx context.Context, userID int64, events []notifier.NormalizedEvent, at time.Time) error
	Track(ctx context.Context, userID int64, events []notifier.NormalizedEvent, at time.Time) (int, error)
}

// Notifier delivers the classified buckets to a user.
type Notifier interface {
	NotifyNew(ctx context.Context, user *notifier.User, events []notifier.NormalizedEvent) error
	NotifyUpdated(ctx context.Context, user *notifier.User, updated []notifier.UpdatedEvent) error
	NotifyDeleted(ctx context.Context, user *notifier.User, deleted []notifier.DeletedEvent) error
}

// Config holds the scheduler settings.
type Config struct {
	WindowLocation  *time.Location // Reference zone for the week window; nil means UTC
	Interval        time.Duration
	ProviderTimeout time.Duration
	Workers         int
	EventLimit      int // Provider page size
}

// Action names what a pass did for a user.
type Action string

const (
	ActionSkipped Action = "skipped"  // no credentials
	ActionDeleted Action = "deleted"  // deletion notice sent
	ActionUpdated Action = "updated"  // update notice sent
	ActionAllSent Action = "all_sent" // nothing new to announce
	ActionNew     Action = "new"      // new meetings announced
)

// Outcome describes a single user pass.
type Outcome struct {
	Result *reconcile.Result
	Action Action
	Reason string // why the user was skipped
	Active int    // events in the active snapshot
}

// Monitor handles calendar polling logic.
type Monitor struct {
	users      Users
	resolver   Resolver
	normalizer *reconcile.Normalizer
	engine     Engine
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
	locks      sync.Map // user ID -> *sync.Mutex
	cfg        Config
}

// New creates a new poll monitor.
func New(cfg Config, users Users, resolver Resolver, engine Engine, n Notifier, logger *slog.Logger) *Monitor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	return &Monitor{
		users:      users,
		resolver:   resolver,
		normalizer: reconcile.NewNormalizer(logger),
		engine:     engine,
		notifier:   n,
		logger:     logger,
		now:        time.Now,
		cfg:        cfg,
	}
}

// Run polls once immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting poll loop", "interval", m.cfg.Interval.String(), "workers", m.cfg.Workers)

	if err := m.CheckAll(ctx); err != nil {
		m.logger.Error("Poll pass failed", "error", err)
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Poll loop stopped", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil {
				m.logger.Error("Poll pass failed", "error", err)
			}
		}
	}
}

// CheckAll checks every active user. A failure for one user is logged and
// does not stop the others.
func (m *Monitor) CheckAll(ctx context.Context) error {
	users, err := m.users.ActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	start := m.now()
	logger := m.logger.With("run_id", uuid.NewString())
	logger.Info("Checking calendars", "users", len(users), "timestamp", start.Format(time.RFC3339))

	var (
		g       errgroup.Group
		mu      sync.Mutex
		failed  int
		actions = make(map[Action]int)
	)
	g.SetLimit(m.cfg.Workers)

	for _, user := range users {
		if ctx.Err() != nil {
			logger.Info("Context cancelled, stopping poll pass", "error", ctx.Err())
			break
		}
		g.Go(func() error {
			out, err := m.CheckUser(ctx, user)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				logger.Warn("User check failed", "user_id", user.ID, "error", err)
				return nil
			}
			if out.Action != "" {
				actions[out.Action]++
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	logger.Info("Calendar check completed",
		"users", len(users),
		"failed", failed,
		"notified_new", actions[ActionNew],
		"notified_updated", actions[ActionUpdated],
		"notified_deleted", actions[ActionDeleted],
		"skipped", actions[ActionSkipped],
		"duration", time.Since(start).String())
	return nil
}

func (m *Monitor) lock(userID int64) func() {
	v, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	mu, ok := v.(*sync.Mutex)
	if !ok {
		panic("poll: unexpected lock type")
	}
	mu.Lock()
	return mu.Unlock
}

// fetch resolves credentials and returns the active snapshot for the current
// window. A non-empty reason means the user is not authenticated.
func (m *Monitor) fetch(ctx context.Context, user *notifier.User, now time.Time) (events []notifier.NormalizedEvent, window reconcile.Window, reason string, err error) {
	access, err := m.resolver.Resolve(ctx, user)
	if err != nil {
		return nil, window, "", fmt.Errorf("resolve credentials: %w", err)
	}

	var src calendar.Source
	switch a := access.(type) {
	case calendar.Authorized:
		src = a.Source
	case calendar.Unauthenticated:
		if a.Reason == "" {
			a.Reason = "not authenticated"
		}
		return nil, window, a.Reason, nil
	default:
		return nil, window, "", fmt.Errorf("unexpected access type %T", access)
	}

	window = reconcile.WeekWindow(now, m.cfg.WindowLocation)

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()
	raw, err := src.UpcomingEvents(fetchCtx, window.Start, window.End, m.cfg.EventLimit)
	if err != nil {
		return nil, window, "", fmt.Errorf("fetch events: %w", err)
	}

	events = m.normalizer.Normalize(raw, now)
	m.logger.Debug("Events normalized", "user_id", user.ID, "raw", len(raw), "active", len(events))
	return events, window, "", nil
}

// CheckUser runs one reconciliation pass for a user and sends at most one
// kind of notice: deletions first, then updates, then new meetings.
// Delivery failures are logged and do not undo persisted state.
func (m *Monitor) CheckUser(ctx context.Context, user *notifier.User) (*Outcome, error) {
	unlock := m.lock(user.ID)
	defer unlock()

	now := m.now()
	active, window, reason, err := m.fetch(ctx, user, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		m.logger.Debug("Skipping unauthenticated user", "user_id", user.ID, "reason", reason)
		return &Outcome{Action: ActionSkipped, Reason: reason}, nil
	}

	res, err := m.engine.Reconcile(ctx, user.ID, active, window, now)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Result: res, Active: len(active)}
	if res.Empty() {
		m.logger.Debug("Nothing to report", "user_id", user.ID, "active", len(active))
		out.Action = ActionAllSent
		return out, nil
	}

	if len(res.Deleted) > 0 {
		m.logger.Info("Meetings deleted", "user_id", user.ID, "count", len(res.Deleted))
		if err := m.notifier.NotifyDeleted(ctx, user, res.Deleted); err != nil {
			m.logger.Error("Failed to deliver deletion notice", "user_id", user.ID, "error", err)
		}
		out.Action = ActionDeleted
		return out, nil
	}

	if len(res.Updated) > 0 {
		m.logger.Info("Meetings updated", "user_id", user.ID, "count", len(res.Updated))
		if err := m.notifier.NotifyUpdated(ctx, user, res.Updated); err != nil {
			m.logger.Error("Failed to deliver update notice", "user_id", user.ID, "error", err)
		}
		out.Action = ActionUpdated
		return out, nil
	}

	ids := make([]string, len(active))
	for i := range active {
		ids[i] = active[i].ID
	}
	allSent, err := m.engine.CheckAllSent(ctx, user.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("check sent notifications: %w", err)
	}
	if allSent || len(res.New) == 0 {
		out.Action = ActionAllSent
		return out, nil
	}

	// Recorded before sending, so delivery is at most once.
	if err := m.engine.MarkNotified(ctx, user.ID, res.New, now); err != nil {
		return nil, err
	}
	m.logger.Info("New meetings detected", "user_id", user.ID, "count", len(res.New))
	if err := m.notifier.NotifyNew(ctx, user, res.New); err != nil {
		m.logger.Error("Failed to deliver new meetings notice", "user_id", user.ID, "error", err)
	}
	out.Action = ActionNew
	return out, nil
}

// Upcoming returns the active meetings of the current window and starts
// tracking any the user has not seen yet.
func (m *Monitor) Upcoming(ctx context.Context, user *notifier.User) ([]notifier.NormalizedEvent, error) {
	unlock := m.lock(user.ID)
	defer unlock()

	now := m.now()
	active, _, reason, err := m.fetch(ctx, user, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reason)
	}

	inserted, err := m.engine.Track(ctx, user.ID, active, now)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Week summary prepared", "user_id", user.ID, "events", len(active), "newly_tracked", inserted)
	return active, nil
}
