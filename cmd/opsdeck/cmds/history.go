package cmds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/opsdeck/pkg/persistence/chatstore"
)

func newHistoryCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored chat sessions",
	}
	f := cmd.PersistentFlags()
	f.String("history-backend", chatstore.BackendFile, "History store: memory, file, sqlite or redis")
	app.bind(cmd, "history-backend", "history.backend")

	listCmd, err := NewHistoryListCommand(app)
	cobra.CheckErr(err)
	showCmd, err := NewHistoryShowCommand(app)
	cobra.CheckErr(err)

	cobraListCmd, err := cli.BuildCobraCommand(listCmd)
	cobra.CheckErr(err)
	cobraShowCmd, err := cli.BuildCobraCommand(showCmd)
	cobra.CheckErr(err)

	clearCmd := &cobra.Command{
		Use:   "clear <session>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withHistoryStore(func(store chatstore.HistoryStore) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return err
			})
		},
	}

	cmd.AddCommand(cobraListCmd, cobraShowCmd, clearCmd)
	return cmd
}

// withHistoryStore opens the configured store for the duration of run.
func (a *App) withHistoryStore(run func(store chatstore.HistoryStore) error) error {
	store, err := chatstore.Open(a.Config.History)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return run(store)
}

type HistoryListCommand struct {
	*cmds.CommandDescription
	app *App
}

type HistoryListSettings struct {
	SessionPrefix string `glazed:"session-prefix"`
	Limit         int    `glazed:"limit"`
}

func NewHistoryListCommand(app *App) (*HistoryListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List stored sessions, most recent first"),
		cmds.WithFlags(
			fields.New(
				"session-prefix",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only list sessions whose id starts with this prefix"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Limit number of sessions (0 = no limit)"),
			),
		),
		cmds.WithSections(glazedSection),
	)

	return &HistoryListCommand{CommandDescription: desc, app: app}, nil
}

func (c *HistoryListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistoryListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.app.withHistoryStore(func(store chatstore.HistoryStore) error {
		return listSessions(ctx, store, s, gp)
	})
}

func listSessions(ctx context.Context, store chatstore.HistoryStore, s *HistoryListSettings, gp middlewares.Processor) error {
	infos, err := store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list sessions")
	}
	n := 0
	for _, info := range infos {
		if !strings.HasPrefix(info.SessionID, s.SessionPrefix) {
			continue
		}
		if s.Limit > 0 && n >= s.Limit {
			break
		}
		row := types.NewRow(
			types.MRP("session_id", info.SessionID),
			types.MRP("messages", info.Messages),
			types.MRP("updated_at", info.UpdatedAt.Format(time.RFC3339)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
		n++
	}
	return nil
}

var _ cmds.GlazeCommand = &HistoryListCommand{}

type HistoryShowCommand struct {
	*cmds.CommandDescription
	app *App
}

type HistoryShowSettings struct {
	Session string `glazed:"session"`
}

func NewHistoryShowCommand(app *App) (*HistoryShowCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Print the messages of a session"),
		cmds.WithArguments(
			fields.New(
				"session",
				fields.TypeString,
				fields.WithRequired(true),
				fields.WithHelp("Session id"),
			),
		),
		cmds.WithSections(glazedSection),
	)

	return &HistoryShowCommand{CommandDescription: desc, app: app}, nil
}

func (c *HistoryShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistoryShowSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.app.withHistoryStore(func(store chatstore.HistoryStore) error {
		return showSession(ctx, store, s.Session, gp)
	})
}

func showSession(ctx context.Context, store chatstore.HistoryStore, sessionID string, gp middlewares.Processor) error {
	msgs, err := store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		row := types.NewRow(
			types.MRP("id", m.ID),
			types.MRP("role", string(m.Role)),
			types.MRP("content", m.Content),
			types.MRP("timestamp", m.Timestamp.Format(time.RFC3339Nano)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &HistoryShowCommand{}
