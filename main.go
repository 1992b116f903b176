// Package main runs the meeting notifier: a Telegram bot that watches users'
// calendars and announces new, changed and cancelled online meetings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"meet-notifier/bot"
	"meet-notifier/calendar"
	"meet-notifier/config"
	"meet-notifier/poll"
	"meet-notifier/reconcile"
	"meet-notifier/server"
	"meet-notifier/storage"
	"meet-notifier/telegram"
)

// Telegram long polling holds requests for up to a minute.
const telegramClientTimeout = 90 * time.Second

func main() {
	help := flag.Bool("help", false, "print configuration variables and exit")
	flag.Parse()
	if *help {
		fmt.Println(config.Usage())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Notifier stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Notifier stopped")
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Storage, logger.With("component", "storage"))
	if err != nil {
		return err
	}
	// Closed last, after every component using it has returned.
	defer closeStore()

	auth, err := newAuthenticator(cfg, store, logger.With("component", "oauth"))
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Poll.ProviderTimeout}
	resolver := calendar.NewResolver(auth, store, httpClient, logger.With("component", "calendar"))

	var (
		provider telegram.Provider
		api      *tgbotapi.BotAPI
	)
	if cfg.Telegram.Mock {
		logger.Info("Mock Telegram mode enabled, messages are only logged")
		provider = telegram.NewMockProvider(logger.With("component", "telegram"))
	} else {
		api, err = tgbotapi.NewBotAPIWithClient(cfg.Telegram.Token, tgbotapi.APIEndpoint,
			&http.Client{Timeout: telegramClientTimeout})
		if err != nil {
			return fmt.Errorf("connect to telegram: %w", err)
		}
		logger.Info("Telegram bot authorized", "username", api.Self.UserName)
		provider = telegram.NewBotProvider(api, logger.With("component", "telegram"))
	}
	sender := telegram.New(provider, logger.With("component", "telegram"), cfg.DisplayLocation())

	engine := reconcile.New(store, logger.With("component", "reconcile"))
	monitor := poll.New(poll.Config{
		WindowLocation:  cfg.WindowLocation(),
		Interval:        cfg.Poll.Interval,
		ProviderTimeout: cfg.Poll.ProviderTimeout,
		Workers:         cfg.Poll.Workers,
		EventLimit:      cfg.Poll.EventLimit,
	}, store, resolver, engine, sender, logger.With("component", "poll"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	if cfg.Server.Enabled {
		srvCfg := &server.Config{
			Poller:  monitor,
			Users:   store,
			Replier: sender,
			Logger:  logger.With("component", "server"),
			IsStateGone: func(err error) bool {
				return errors.Is(err, calendar.ErrAuthStateNotFound)
			},
			Port: cfg.Server.Port,
		}
		if auth != nil {
			srvCfg.Auth = auth
		}
		srv := server.New(srvCfg)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	if api != nil {
		var botAuth bot.Authenticator
		if auth != nil {
			botAuth = auth
		}
		b := bot.New(store, botAuth, monitor, sender, cfg.DisplayLocation(), logger.With("component", "bot"))
		g.Go(func() error {
			return b.Run(gctx, api)
		})
	}

	logger.Info("Notifier started",
		"storage", cfg.Storage.Driver,
		"google_oauth", auth != nil,
		"server", cfg.Server.Enabled,
		"poll_interval", cfg.Poll.Interval.String())

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, func(), error) {
	closeWith := func(s storage.Store, extra func()) func() {
		return func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close store", "error", err)
			}
			if extra != nil {
				extra()
			}
		}
	}

	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := storage.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, closeWith(s, nil), nil

	case config.DriverLocal:
		s, err := storage.NewLocal(cfg.LocalDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open local store: %w", err)
		}
		return s, closeWith(s, nil), nil

	case config.DriverGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		s := storage.NewGCS(client, cfg.Bucket, logger)
		return s, closeWith(s, func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}), nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newAuthenticator(cfg *config.Config, store calendar.AuthStore, logger *slog.Logger) (*calendar.Authenticator, error) {
	if !cfg.GoogleEnabled() {
		logger.Info("Google OAuth not configured, only iCalendar feeds are available")
		return nil, nil
	}

	var creds []byte
	if cfg.Google.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.Google.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read google credentials: %w", err)
		}
		creds = data
	}

	oauthCfg, err := calendar.OAuthConfig(creds, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	if err != nil {
		return nil, err
	}
	return calendar.NewAuthenticator(oauthCfg, store, logger), nil
}
