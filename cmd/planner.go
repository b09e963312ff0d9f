package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"plansync/internal/models"
)

func groupCommand() *cli.Command {
	return &cli.Command{
		Name:  "group",
		Usage: "Manage student groups.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a group.",
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "color", Value: "#3b82f6"},
					&cli.StringFlag{Name: "description"},
				},
				Action: func(c *cli.Context) error {
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()
					id, err := e.store.CreateGroup(c.Context, models.Group{
						UserID:      c.String("user"),
						Name:        c.String("name"),
						Color:       c.String("color"),
						Description: c.String("description"),
					})
					if err != nil {
						return err
					}
					fmt.Println(id)
					return nil
				},
			},
			{
				Name:  "rm",
				Usage: "Delete a group with its plans and events.",
				Flags: []cli.Flag{userFlag(), &cli.Int64Flag{Name: "id", Required: true}},
				Action: func(c *cli.Context) error {
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()
					return e.store.DeleteGroup(c.Context, c.String("user"), c.Int64("id"))
				},
			},
		},
	}
}

func subjectCommand() *cli.Command {
	return &cli.Command{
		Name:  "subject",
		Usage: "Manage subjects.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a subject.",
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "description"},
				},
				Action: func(c *cli.Context) error {
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()
					id, err := e.store.CreateSubject(c.Context, models.Subject{
						UserID:      c.String("user"),
						Name:        c.String("name"),
						Description: c.String("description"),
					})
					if err != nil {
						return err
					}
					fmt.Println(id)
					return nil
				},
			},
			{
				Name:  "rm",
				Usage: "Delete a subject with its plans and events.",
				Flags: []cli.Flag{userFlag(), &cli.Int64Flag{Name: "id", Required: true}},
				Action: func(c *cli.Context) error {
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()
					return e.store.DeleteSubject(c.Context, c.String("user"), c.Int64("id"))
				},
			},
		},
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Manage hour budgets.",
		Subcommands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Create or replace the hour budget of a group and subject.",
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "group", Required: true, Usage: "Group name."},
					&cli.StringFlag{Name: "subject", Required: true, Usage: "Subject name."},
					&cli.StringFlag{Name: "name"},
					&cli.IntFlag{Name: "lecture", Usage: "Lecture hours."},
					&cli.IntFlag{Name: "practice", Usage: "Practice hours."},
					&cli.IntFlag{Name: "lab", Usage: "Lab hours."},
					&cli.IntFlag{Name: "other", Usage: "Other hours."},
				},
				Action: func(c *cli.Context) error {
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()
					userID := c.String("user")
					group, err := e.store.GroupByName(c.Context, userID, c.String("group"))
					if err != nil {
						return err
					}
					subject, err := e.store.SubjectByName(c.Context, userID, c.String("subject"))
					if err != nil {
						return err
					}
					_, err = e.store.SetPlan(c.Context, models.Plan{
						UserID:        userID,
						Name:          c.String("name"),
						GroupID:       group.ID,
						SubjectID:     subject.ID,
						LectureHours:  c.Int("lecture"),
						PracticeHours: c.Int("practice"),
						LabHours:      c.Int("lab"),
						OtherHours:    c.Int("other"),
					})
					return err
				},
			},
		},
	}
}

func eventFlags(required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "group", Required: required, Usage: "Group name."},
		&cli.StringFlag{Name: "subject", Required: required, Usage: "Subject name."},
		&cli.StringFlag{Name: "type", Value: string(models.Lecture), Usage: "lecture, practice, lab or other."},
		&cli.StringFlag{Name: "start", Required: required, Usage: "Start time, YYYY-MM-DD HH:MM."},
		&cli.StringFlag{Name: "end", Usage: "End time. Defaults to 90 minutes after start."},
		&cli.StringFlag{Name: "title"},
		&cli.StringFlag{Name: "location"},
		&cli.StringFlag{Name: "notes"},
		&cli.BoolFlag{Name: "push", Usage: "Push to Google right away instead of waiting for the worker."},
	}
}

func eventCommand() *cli.Command {
	return &cli.Command{
		Name:  "event",
		Usage: "Manage scheduled events.",
		Subcommands: []*cli.Command{
			{
				Name:   "add",
				Usage:  "Schedule an event.",
				Flags:  append([]cli.Flag{userFlag()}, eventFlags(true)...),
				Action: addEvent,
			},
			{
				Name:   "update",
				Usage:  "Change an event. Only the given flags are applied.",
				Flags:  append([]cli.Flag{userFlag(), &cli.Int64Flag{Name: "id", Required: true}}, eventFlags(false)...),
				Action: updateEvent,
			},
			{
				Name:  "rm",
				Usage: "Delete an event, and its Google copy once synced.",
				Flags: []cli.Flag{
					userFlag(),
					&cli.Int64Flag{Name: "id", Required: true},
					&cli.BoolFlag{Name: "push", Usage: "Delete the Google copy right away."},
				},
				Action: func(c *cli.Context) error {
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()
					id := c.Int64("id")
					if err := e.store.DeleteEvent(c.Context, c.String("user"), id); err != nil {
						return err
					}
					e.pushNow(c, id)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List a user's events.",
				Flags: []cli.Flag{userFlag()},
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
					loc, err := e.cfg.DefaultLocation()
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tSTART\tEND\tTYPE\tGROUP\tSUBJECT\tTITLE\tSTATE")
					for _, ev := range events {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							ev.ID, ev.Start.In(loc).Format("2006-01-02 15:04"), ev.End.In(loc).Format("15:04"),
							ev.Type, ev.GroupName, ev.SubjectName, ev.Title, ev.State)
					}
					return w.Flush()
				},
			},
		},
	}
}

func addEvent(c *cli.Context) error {
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ev := &models.Event{UserID: c.String("user")}
	if err := e.applyEventFlags(c, ev); err != nil {
		return err
	}
	if err := e.store.CreateEvent(c.Context, ev); err != nil {
		return err
	}
	fmt.Println(ev.ID)
	e.pushNow(c, ev.ID)
	return nil
}

func updateEvent(c *cli.Context) error {
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ev, err := e.store.GetEvent(c.Context, c.Int64("id"))
	if err != nil {
		return err
	}
	if ev.UserID != c.String("user") {
		return fmt.Errorf("event %d not found", ev.ID)
	}
	if err := e.applyEventFlags(c, ev); err != nil {
		return err
	}
	if err := e.store.UpdateEvent(c.Context, ev); err != nil {
		return err
	}
	e.pushNow(c, ev.ID)
	return nil
}

// applyEventFlags copies the set flags onto ev. A new start without an end
// keeps the event's length, or the fixed length for new events.
func (e *env) applyEventFlags(c *cli.Context, ev *models.Event) error {
	userID := ev.UserID
	if c.IsSet("group") {
		group, err := e.store.GroupByName(c.Context, userID, c.String("group"))
		if err != nil {
			return err
		}
		ev.GroupID = group.ID
	}
	if c.IsSet("subject") {
		subject, err := e.store.SubjectByName(c.Context, userID, c.String("subject"))
		if err != nil {
			return err
		}
		ev.SubjectID = subject.ID
	}
	if c.IsSet("type") || ev.Type == "" {
		ev.Type = models.EventType(c.String("type"))
	}
	if c.IsSet("title") {
		ev.Title = c.String("title")
	}
	if ev.Title == "" {
		ev.Title = c.String("subject")
	}
	if c.IsSet("location") {
		ev.Location = c.String("location")
	}
	if c.IsSet("notes") {
		ev.Notes = c.String("notes")
	}

	length := ev.Duration()
	if length <= 0 {
		length = models.FixedDuration
	}
	if c.IsSet("start") {
		start, err := e.parseTime(c.String("start"))
		if err != nil {
			return err
		}
		ev.Start, ev.End = start, start.Add(length)
	}
	if c.IsSet("end") {
		end, err := e.parseTime(c.String("end"))
		if err != nil {
			return err
		}
		ev.End = end
	}
	return nil
}

// pushNow syncs one event immediately when --push is given. Failures are
// logged only; the outbox worker retries later.
func (e *env) pushNow(c *cli.Context, eventID int64) {
	if !c.Bool("push") {
		return
	}
	engine, err := e.engine()
	if err != nil {
		e.logger.Warn("Push skipped", "eventID", eventID, "error", err)
		return
	}
	start := time.Now()
	outcome, err := engine.SyncOneEvent(c.Context, eventID)
	if err != nil {
		e.logger.Warn("Push failed, the worker will retry", "eventID", eventID, "error", err)
		return
	}
	e.logger.Info("Pushed event.", "eventID", eventID, "outcome", outcome, "took", time.Since(start))
}
