package cmds

import (
	"context"
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

	"github.com/go-go-golems/opsdeck/pkg/chat/backend"
	"github.com/go-go-golems/opsdeck/pkg/chat/probe"
	"github.com/go-go-golems/opsdeck/pkg/config"
)

var errUnauthorized = errors.New("chat backend rejected the credentials")

func newProbeCommand(app *App) *cobra.Command {
	probeCmd, err := NewProbeCommand(app)
	cobra.CheckErr(err)
	cobraProbeCmd, err := cli.BuildCobraCommand(probeCmd)
	cobra.CheckErr(err)
	return cobraProbeCmd
}

type ProbeCommand struct {
	*cmds.CommandDescription
	app *App
}

// BackendCheckSettings override chat.endpoints, chat.token and chat.probe-timeout
// when set.
type BackendCheckSettings struct {
	Endpoints []string `glazed:"endpoint"`
	Token     string   `glazed:"token"`
	Timeout   string   `glazed:"timeout"`
}

func NewProbeCommand(app *App) (*ProbeCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"probe",
		cmds.WithShort("Check which chat endpoint is reachable and authorized"),
		cmds.WithLong("Probes the candidate chat endpoints in order and prints the resulting backend status. "+
			"Exits with an error when the backend rejects the credentials."),
		cmds.WithFlags(
			fields.New(
				"endpoint",
				fields.TypeStringList,
				fields.WithDefault([]string{}),
				fields.WithHelp("Candidate chat endpoint, in priority order (repeatable)"),
			),
			fields.New(
				"token",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Bearer token for the chat backend"),
			),
			fields.New(
				"timeout",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Per-candidate probe timeout, e.g. 1500ms"),
			),
		),
		cmds.WithSections(glazedSection),
	)

	return &ProbeCommand{CommandDescription: desc, app: app}, nil
}

func (c *ProbeCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &BackendCheckSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	chat, err := s.apply(c.app.Config.Chat)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()
	return reportBackendStatus(ctx, chat, gp)
}

func (s *BackendCheckSettings) apply(chat config.ChatConfig) (config.ChatConfig, error) {
	var endpoints []string
	for _, e := range s.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			endpoints = append(endpoints, e)
		}
	}
	if len(endpoints) > 0 {
		chat.Endpoints = endpoints
	}
	if t := strings.TrimSpace(s.Token); t != "" {
		chat.Token = t
	}
	if t := strings.TrimSpace(s.Timeout); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return chat, errors.Wrapf(err, "invalid --timeout %q", t)
		}
		chat.ProbeTimeout = d
	}
	return chat, nil
}

// reportBackendStatus emits one status row. The row is emitted before an
// unauthorized result is returned as an error.
func reportBackendStatus(ctx context.Context, chat config.ChatConfig, gp middlewares.Processor) error {
	p := probe.NewProber(probe.WithToken(chat.Token), probe.WithTimeout(chat.ProbeTimeout))
	st := p.Probe(ctx, chat.Endpoints)

	row := types.NewRow(
		types.MRP("status", st.Kind.String()),
		types.MRP("url", st.URL),
		types.MRP("message", st.Message),
		types.MRP("local_fallback", st.UsesFallback()),
		types.MRP("candidates", strings.Join(chat.Endpoints, ",")),
	)
	if err := gp.AddRow(ctx, row); err != nil {
		return err
	}
	if st.Kind == backend.StatusUnauthorized {
		return errUnauthorized
	}
	return nil
}

var _ cmds.GlazeCommand = &ProbeCommand{}
