package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"plansync/internal/google"
	"plansync/internal/ics"
	"plansync/internal/worker"
)

func userFlag() cli.Flag {
	return &cli.StringFlag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "Planner user id."}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate a user with Google and create their planner calendar.",
		Flags: []cli.Flag{userFlag()},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()
			userID := c.String("user")
			e.logger.Info("Starting Google authentication flow.", "userID", userID)

			config, err := google.OAuthConfig(e.cfg.ClientID, e.cfg.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, config, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			tokens := google.TokenStore{Dir: e.cfg.TokenDir}
			if err := tokens.Save(userID, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			e.logger.Info("Successfully authenticated and saved token.", "userID", userID)

			engine, err := e.engine()
			if err != nil {
				return err
			}
			link, err := engine.CreateCalendar(c.Context, userID)
			if err != nil {
				return err
			}
			fmt.Printf("Calendar ready: %s\n", link.CalendarID)
			return nil
		},
	}
}

func calendarCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendar",
		Usage: "Manage the remote calendar linked to a user.",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create and link the user's calendar. Does nothing when one is already linked.",
				Flags: []cli.Flag{userFlag()},
				Action: func(c *cli.Context) error {
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()
					engine, err := e.engine()
					if err != nil {
						return err
					}
					link, err := engine.CreateCalendar(c.Context, c.String("user"))
					if err != nil {
						return err
					}
					fmt.Println(link.CalendarID)
					return nil
				},
			},
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run full synchronization passes.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Only sync this user. Defaults to every linked user."},
			&cli.BoolFlag{Name: "once", Value: true, Usage: "Run one pass and exit."},
			&cli.BoolFlag{Name: "watch", Usage: "Keep running passes on the full_sync_cron schedule. Overrides --once."},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()
			engine, err := e.engine()
			if err != nil {
				return err
			}
			scheduler, err := worker.NewScheduler(e.logger, e.store, engine, worker.SchedulerConfig{
				Spec:         e.cfg.FullSyncCron,
				MaxAttempts:  e.cfg.MaxAttempts,
				RetryBackoff: e.cfg.RetryBackoff,
			})
			if err != nil {
				return err
			}

			if c.Bool("watch") {
				ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return scheduler.Run(ctx)
			}

			e.logger.Info("Running a single sync cycle.")
			if userID := c.String("user"); userID != "" {
				res, err := scheduler.SyncUser(c.Context, userID)
				if err != nil {
					return fmt.Errorf("single sync cycle failed: %w", err)
				}
				if res != nil {
					e.logger.Info("Sync complete.", "result", res)
				}
				return nil
			}
			if err := scheduler.RunAll(c.Context); err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the outbox worker and the full sync scheduler until interrupted.",
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()
			engine, err := e.engine()
			if err != nil {
				return err
			}
			scheduler, err := worker.NewScheduler(e.logger, e.store, engine, worker.SchedulerConfig{
				Spec:         e.cfg.FullSyncCron,
				MaxAttempts:  e.cfg.MaxAttempts,
				RetryBackoff: e.cfg.RetryBackoff,
			})
			if err != nil {
				return err
			}
			outbox := worker.NewOutbox(e.logger, e.store, engine, worker.OutboxConfig{
				PollInterval: e.cfg.WorkerPollInterval,
				MaxAttempts:  e.cfg.MaxAttempts,
				RetryBackoff: e.cfg.RetryBackoff,
				LockedDelay:  e.cfg.LeaseTTL,
			})

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return outbox.Run(ctx) })
			g.Go(func() error { return scheduler.Run(ctx) })
			return g.Wait()
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write a user's events to an iCalendar file.",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "-", Usage: "Output file, - for stdout."},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()
			events, err := e.store.ListEvents(c.Context, c.String("user"))
			if err != nil {
				return err
			}

			out := os.Stdout
			if path := c.String("out"); path != "-" {
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", path, err)
				}
				defer f.Close()
				out = f
			}
			if err := ics.Encode(out, events, time.Now()); err != nil {
				return err
			}
			e.logger.Info("Exported events.", "userID", c.String("user"), "count", len(events))
			return nil
		},
	}
}
