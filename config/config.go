// Package config loads the notifier configuration from YAML and the environment.
package config

import (
	"log/slog"
	"time"
	_ "time/tzdata" // zone names resolve without system zoneinfo
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverLocal  = "local"
	DriverGCS    = "gcs"
)

// Config is the root application configuration.
type Config struct {
	windowLoc  *time.Location
	displayLoc *time.Location

	Telegram        TelegramConfig `yaml:"telegram"`
	Google          GoogleConfig   `yaml:"google"`
	Storage         StorageConfig  `yaml:"storage"`
	Poll            PollConfig     `yaml:"poll"`
	Server          ServerConfig   `yaml:"server"`
	Log             LogConfig      `yaml:"log"`
	DisplayTimezone string         `yaml:"display_timezone" env:"DISPLAY_TIMEZONE"`
}

// TelegramConfig holds bot settings.
type TelegramConfig struct {
	Token string `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
	// Mock logs messages instead of sending them and disables the bot.
	Mock bool `yaml:"mock" env:"TELEGRAM_MOCK" env-default:"false"`
}

// GoogleConfig holds OAuth client settings. Either a credentials file or a
// client id and secret enable Google Calendar access.
type GoogleConfig struct {
	ClientID        string `yaml:"client_id"        env:"GOOGLE_CLIENT_ID"`
	ClientSecret    string `yaml:"client_secret"    env:"GOOGLE_CLIENT_SECRET"`
	CredentialsFile string `yaml:"credentials_file" env:"GOOGLE_CREDENTIALS_FILE"`
	RedirectURL     string `yaml:"redirect_url"     env:"GOOGLE_REDIRECT_URL"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver     string `yaml:"driver"      env:"STORAGE_DRIVER"    env-default:"sqlite"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"       env-default:"meet-notifier.db"`
	LocalDir   string `yaml:"local_dir"   env:"LOCAL_STORAGE_DIR" env-default:"data"`
	Bucket     string `yaml:"bucket"      env:"GCS_BUCKET"`
}

// PollConfig holds scheduler settings.
type PollConfig struct {
	Interval        time.Duration `yaml:"interval"         env:"POLL_INTERVAL"    env-default:"180s"`
	ProviderTimeout time.Duration `yaml:"provider_timeout" env:"PROVIDER_TIMEOUT" env-default:"30s"`
	Workers         int           `yaml:"workers"          env:"POLL_WORKERS"     env-default:"1"`
	EventLimit      int           `yaml:"event_limit"      env:"EVENT_LIMIT"      env-default:"20"`
	WindowTimezone  string        `yaml:"window_timezone"  env:"WINDOW_TIMEZONE"  env-default:"UTC"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" env:"SERVER_ENABLED" env-default:"true"`
	Port    string `yaml:"port"    env:"PORT"           env-default:"8080"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// GoogleEnabled reports whether Google OAuth is configured.
func (c *Config) GoogleEnabled() bool {
	return c.Google.CredentialsFile != "" || (c.Google.ClientID != "" && c.Google.ClientSecret != "")
}

// WindowLocation is the reference zone of the week window. Valid after Validate.
func (c *Config) WindowLocation() *time.Location {
	if c.windowLoc == nil {
		return time.UTC
	}
	return c.windowLoc
}

// DisplayLocation is the zone notifications are shown in, or nil for each
// event's own zone. Valid after Validate.
func (c *Config) DisplayLocation() *time.Location {
	return c.displayLoc
}

// SlogLevel maps the configured level name.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
