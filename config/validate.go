package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	minPollInterval = 30 * time.Second
	maxPollInterval = time.Hour
	maxEventLimit   = 2500 // Google Calendar maxResults ceiling
)

// Validate performs business-rule validation on the loaded configuration and
// resolves the timezones. Load calls it automatically.
func (c *Config) Validate() error {
	if !c.Telegram.Mock && c.Telegram.Token == "" {
		return errors.New("telegram.token is required unless telegram.mock is set")
	}

	if (c.Google.ClientID == "") != (c.Google.ClientSecret == "") {
		return errors.New("google.client_id and google.client_secret must be set together")
	}

	if err := c.Storage.validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Poll.validate(); err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if err := c.Log.validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	loc, err := time.LoadLocation(c.Poll.WindowTimezone)
	if err != nil {
		return fmt.Errorf("poll.window_timezone: %w", err)
	}
	c.windowLoc = loc

	c.displayLoc = nil
	if c.DisplayTimezone != "" {
		loc, err := time.LoadLocation(c.DisplayTimezone)
		if err != nil {
			return fmt.Errorf("display_timezone: %w", err)
		}
		c.displayLoc = loc
	}
	return nil
}

func (s *StorageConfig) validate() error {
	switch s.Driver {
	case DriverSQLite:
		if s.SQLitePath == "" {
			return errors.New("sqlite_path is required for the sqlite driver")
		}
	case DriverLocal:
		if s.LocalDir == "" {
			return errors.New("local_dir is required for the local driver")
		}
	case DriverGCS:
		if s.Bucket == "" {
			return errors.New("bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("unknown driver %q (want sqlite, local or gcs)", s.Driver)
	}
	return nil
}

func (p *PollConfig) validate() error {
	if p.Interval < minPollInterval || p.Interval > maxPollInterval {
		return fmt.Errorf("interval must be between %v and %v (got %v)", minPollInterval, maxPollInterval, p.Interval)
	}
	if p.Workers < 1 {
		return fmt.Errorf("workers must be >= 1 (got %d)", p.Workers)
	}
	if p.ProviderTimeout <= 0 {
		return fmt.Errorf("provider_timeout must be > 0 (got %v)", p.ProviderTimeout)
	}
	if p.EventLimit < 1 || p.EventLimit > maxEventLimit {
		return fmt.Errorf("event_limit must be between 1 and %d (got %d)", maxEventLimit, p.EventLimit)
	}
	return nil
}

func (l *LogConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be debug, info, warn or error (got %q)", l.Level)
	}
	switch l.Format {
	case "json", "text":
	default:
		return fmt.Errorf("format must be json or text (got %q)", l.Format)
	}
	return nil
}
