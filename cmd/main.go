package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"churchcal/internal/api"
	"churchcal/internal/auth"
	"churchcal/internal/cache"
	"churchcal/internal/config"
	"churchcal/internal/google"
	"churchcal/internal/icloud"
	"churchcal/internal/ics"
	"churchcal/internal/metrics"
	"churchcal/internal/models"
	"churchcal/internal/storage"
	"churchcal/internal/syncer"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "churchcal",
		Usage: "Publish the church calendar and sync events to Google Calendar.",
		Commands: []*cli.Command{
			authCommand(),
			fetchCommand(),
			calendarsCommand(),
			syncCommand(),
			removeCommand(),
			mirrorCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// app bundles what every command needs.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	translator *google.Translator
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:        cfg,
		logger:     setupLogger(cfg.LogLevel),
		translator: google.NewTranslator(loc),
	}, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect a Google account for calendar writes and save its token.",
		Action: func(c *cli.Context) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			a.logger.Info("Starting Google authentication flow.")

			delegated, err := auth.NewDelegated(a.cfg.DelegatedConfig())
			if err != nil {
				return err
			}

			fmt.Printf("Go to the following link in your browser, then paste the "+
				"\"code\" parameter from the page you are sent to:\n%v\n", delegated.AuthURL("cli"))
			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')

			token, err := delegated.Exchange(c.Context, strings.TrimSpace(authCode))
			if err != nil {
				return err
			}
			if err := auth.NewFileTokenStore(a.cfg.Google.TokenFile).SaveToken(token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			a.logger.Info("Successfully authenticated and saved token.", "file", a.cfg.Google.TokenFile)
			return nil
		},
	}
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Print upcoming public events from the church calendar.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Usage: "Only fetch events starting within N days."},
			&cli.BoolFlag{Name: "json", Usage: "Print events as JSON."},
		},
		Action: func(c *cli.Context) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			events, err := a.fetchPublic(c.Context, c.Int("days"))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			for _, e := range events {
				fmt.Printf("%s  %-8s  %-12s  %s (%s)\n", e.Date, e.Time, e.Category, e.Title, e.Location)
			}
			a.logger.Info("Fetched events.", "count", len(events))
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendars the connected account can write to.",
		Action: func(c *cli.Context) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			client, _, err := a.delegatedClient(c.Context)
			if err != nil {
				return err
			}
			calendars, err := client.ListCalendars(c.Context)
			if err != nil {
				return err
			}
			for _, cal := range calendars {
				marker := " "
				if cal.Primary {
					marker = "*"
				}
				fmt.Printf("%s %s  %s\n", marker, cal.ID, cal.Name)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Sync events from a JSON file to the connected Google calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "JSON array of events."},
			&cli.StringFlag{Name: "calendar", Value: "primary", Usage: "Target calendar id."},
			&cli.IntFlag{Name: "duration", Usage: "Minutes for events without an end. Defaults to SYNC_DEFAULT_DURATION."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.BoolFlag{Name: "watch", Usage: "Re-read the file and sync every SYNC_WATCH_INTERVAL."},
		},
		Action: func(c *cli.Context) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if c.Bool("dry-run") {
				a.logger.Info("Performing a dry run. No changes will be made.")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, authCtx, err := a.delegatedClient(ctx)
			if err != nil {
				return err
			}
			opts := a.syncOptions()
			opts.DryRun = c.Bool("dry-run")
			reconciler := syncer.NewReconciler(a.logger, client, authCtx, a.translator, opts)

			duration := c.Int("duration")
			if duration <= 0 {
				duration = a.cfg.Sync.DurationMinutes
			}

			runOnce := func() error {
				events, err := readEvents(c.String("file"))
				if err != nil {
					return err
				}
				result, err := reconciler.SyncEvents(ctx, events, c.String("calendar"), duration)
				if result != nil {
					for _, d := range result.Failures() {
						a.logger.Warn("Event not synced", "eventID", d.EventID, "error", d.Error)
					}
					fmt.Println(result.String())
				}
				return err
			}

			if !c.Bool("watch") {
				a.logger.Info("Running a single sync cycle.")
				if err := runOnce(); err != nil {
					return fmt.Errorf("single sync cycle failed: %w", err)
				}
				return nil
			}

			interval := a.cfg.Sync.WatchInterval
			a.logger.Info("Starting watcher.", "interval", interval)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := runOnce(); err != nil && ctx.Err() == nil {
					a.logger.Error("Sync cycle failed", "error", err)
				}
				select {
				case <-ctx.Done():
					a.logger.Info("Watcher stopped.")
					return nil
				case <-ticker.C:
				}
			}
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Delete a synced event from the connected Google calendar.",
		ArgsUsage: "<event-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "calendar", Value: "primary", Usage: "Target calendar id."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one event id")
			}
			a, err := loadApp()
			if err != nil {
				return err
			}
			client, authCtx, err := a.delegatedClient(c.Context)
			if err != nil {
				return err
			}
			reconciler := syncer.NewReconciler(a.logger, client, authCtx, a.translator, a.syncOptions())
			deleted, err := reconciler.Remove(c.Context, c.String("calendar"), c.Args().First())
			if err != nil {
				return err
			}
			fmt.Printf("%d deleted\n", deleted)
			return nil
		},
	}
}

func mirrorCommand() *cli.Command {
	return &cli.Command{
		Name:  "mirror",
		Usage: "Copy upcoming public events to the CalDAV (iCloud) calendar.",
		Action: func(c *cli.Context) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if !a.cfg.MirrorEnabled() {
				return fmt.Errorf("%w: set ICLOUD_USERNAME, ICLOUD_APP_SPECIFIC_PASSWORD and ICLOUD_CALENDAR_NAME", auth.ErrConfiguration)
			}

			events, err := a.fetchPublic(c.Context, 0)
			if err != nil {
				return err
			}

			encoder := ics.NewEncoder(a.translator, a.cfg.Sync.DurationMinutes, a.logger)
			mirror, err := icloud.NewClient(c.Context, a.logger, icloud.Config{
				Endpoint:     a.cfg.ICloud.Endpoint,
				Username:     a.cfg.ICloud.Username,
				Password:     a.cfg.ICloud.Password,
				CalendarName: a.cfg.ICloud.CalendarName,
			}, encoder)
			if err != nil {
				return fmt.Errorf("failed to create icloud client: %w", err)
			}

			published, failed := mirror.Mirror(c.Context, events)
			fmt.Printf("%d published, %d failed\n", published, failed)
			if failed > 0 {
				return fmt.Errorf("%d events could not be mirrored", failed)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the calendar HTTP API.",
		Action: func(c *cli.Context) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := storage.Open(storage.Config{Path: a.cfg.DB.Path})
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}

			registry := metrics.New()
			srvCfg := api.Config{
				Addr:            a.cfg.HTTP.Addr,
				AllowedOrigins:  a.cfg.HTTP.AllowedOrigins,
				UserHeader:      a.cfg.HTTP.UserHeader,
				CalendarID:      a.cfg.CalendarID,
				CalendarName:    "Church Events",
				MaxResults:      a.cfg.Fetch.MaxResults,
				WindowMonths:    a.cfg.Fetch.WindowMonths,
				DurationMinutes: a.cfg.Sync.DurationMinutes,
				Sessions:        storage.NewSessionStore(db),
				Translator:      a.translator,
				Metrics:         registry,
				SyncOptions:     a.syncOptions(),
				Logger:          a.logger,
				NewCalendar: func(ctx context.Context, authCtx *auth.Context) (api.UserCalendar, error) {
					client, err := google.NewClient(ctx, a.logger, authCtx, a.translator)
					if err != nil {
						return nil, err
					}
					return client, nil
				},
			}

			// Missing credentials leave the matching routes answering with a configuration error.
			if serviceCtx, err := auth.NewServiceContext(ctx, a.cfg.ServiceCredentials()); err != nil {
				a.logger.Warn("Public calendar reads disabled", "error", err)
			} else if client, err := google.NewClient(ctx, a.logger, serviceCtx, a.translator); err != nil {
				a.logger.Warn("Public calendar reads disabled", "error", err)
			} else {
				srvCfg.Fetcher = client
			}
			if delegated, err := auth.NewDelegated(a.cfg.DelegatedConfig()); err != nil {
				a.logger.Warn("Calendar connect and sync disabled", "error", err)
			} else {
				srvCfg.OAuth = delegated
			}

			var store cache.Store
			if a.cfg.Redis.Addr != "" {
				rdb, err := cache.NewRedis(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
				if err != nil {
					a.logger.Warn("Event cache disabled", "error", err)
				} else {
					defer rdb.Close()
					store = cache.NewRedisStore(rdb)
				}
			}
			srvCfg.Cache = cache.NewEventCache(store, a.cfg.Redis.TTL, a.logger, registry)

			server := api.New(srvCfg)
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down HTTP server.")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

// fetchPublic reads upcoming events with the service credential.
func (a *app) fetchPublic(ctx context.Context, days int) ([]*models.Event, error) {
	if a.cfg.CalendarID == "" {
		return nil, fmt.Errorf("%w: CHURCH_CALENDAR_ID is not set", auth.ErrConfiguration)
	}
	serviceCtx, err := auth.NewServiceContext(ctx, a.cfg.ServiceCredentials())
	if err != nil {
		return nil, err
	}
	client, err := google.NewClient(ctx, a.logger, serviceCtx, a.translator)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	window := google.DefaultWindow(now, a.cfg.Fetch.WindowMonths)
	if days > 0 {
		window.End = now.AddDate(0, 0, days)
	}
	return client.GetUpcomingEvents(ctx, a.cfg.CalendarID, window, a.cfg.Fetch.MaxResults)
}

// delegatedClient builds a calendar client from the token saved by the auth command.
func (a *app) delegatedClient(ctx context.Context) (*google.CalendarClient, *auth.Context, error) {
	delegated, err := auth.NewDelegated(a.cfg.DelegatedConfig())
	if err != nil {
		return nil, nil, err
	}
	authCtx, err := delegated.Context(ctx, auth.NewFileTokenStore(a.cfg.Google.TokenFile))
	if errors.Is(err, auth.ErrNotConnected) {
		return nil, nil, fmt.Errorf("%w; run the auth command first", err)
	}
	if err != nil {
		return nil, nil, err
	}
	client, err := google.NewClient(ctx, a.logger, authCtx, a.translator)
	if err != nil {
		return nil, nil, err
	}
	return client, authCtx, nil
}

func (a *app) syncOptions() syncer.Options {
	return syncer.Options{
		Workers:    a.cfg.Sync.Workers,
		MaxRetries: a.cfg.Sync.MaxRetries,
	}
}

// readEvents loads a JSON array of events. Events without an id are given one, which
// means they are created again on every run.
func readEvents(path string) ([]*models.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	var events []*models.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to parse events file: %w", err)
	}
	for _, e := range events {
		if e == nil {
			return nil, fmt.Errorf("events file contains a null event")
		}
		if e.ID == "" {
			slog.Warn("Event has no id; it will be created again on the next run", "title", e.Title)
		}
		e.EnsureID()
		e.FillFromDescription()
	}
	return events, nil
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

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}
