package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"plansync/internal/config"
	"plansync/internal/google"
	"plansync/internal/store"
	"plansync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "plansync",
		Usage: "Plan lessons locally and keep them in sync with Google Calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "plansync.yaml",
				EnvVars: []string{"PLANSYNC_CONFIG"},
				Usage:   "Path to the YAML config file. Created with defaults when missing.",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			calendarCommand(),
			syncCommand(),
			serveCommand(),
			exportCommand(),
			groupCommand(),
			subjectCommand(),
			planCommand(),
			eventCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// env carries what every command needs: the loaded config, a logger and
// the open store.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
}

func openEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	logger := setupLogger(cfg.LogLevel)

	st, err := store.Open(store.Config{Path: cfg.Database, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database, err)
	}
	return &env{cfg: cfg, logger: logger, store: st}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("Failed to close database", "error", err)
	}
}

func (e *env) provider() (*google.Provider, error) {
	oauthConfig, err := google.OAuthConfig(e.cfg.ClientID, e.cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get google oauth config: %w", err)
	}
	return google.NewProvider(e.logger, oauthConfig, google.TokenStore{Dir: e.cfg.TokenDir}), nil
}

func (e *env) engine() (*syncer.Engine, error) {
	provider, err := e.provider()
	if err != nil {
		return nil, err
	}
	loc, err := e.cfg.CalendarLocation()
	if err != nil {
		return nil, err
	}
	remotes := func(ctx context.Context, userID string) (syncer.Remote, error) {
		client, err := provider.ClientFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return syncer.NewEngine(e.logger, e.store, remotes, syncer.Config{
		Window:              e.cfg.SyncWindow(),
		LeaseTTL:            e.cfg.LeaseTTL,
		Location:            loc,
		CalendarName:        e.cfg.CalendarName,
		CalendarTimeZone:    e.cfg.CalendarTimezone,
		CalendarDescription: e.cfg.CalendarDescription,
	}), nil
}

// parseTime reads a command line time. Times without an offset are taken
// in the configured default time zone.
func (e *env) parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	loc, err := e.cfg.DefaultLocation()
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q, use YYYY-MM-DD HH:MM or RFC 3339", value)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
