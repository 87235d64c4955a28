package cmds

import (
	"context"
	"encoding/json"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/opsdeck/pkg/realtime/relay"
	"github.com/go-go-golems/opsdeck/pkg/redisstream"
)

type relayedEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Event     json.RawMessage `json:"event"`
}

func newRelayCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Work with events republished to Redis Streams",
	}

	tailCmd, err := NewRelayTailCommand(app)
	cobra.CheckErr(err)
	cobraTailCmd, err := cli.BuildCobraCommand(tailCmd)
	cobra.CheckErr(err)

	cmd.AddCommand(cobraTailCmd)
	return cmd
}

type RelayTailCommand struct {
	*cmds.CommandDescription
	app *App
}

var _ cmds.WriterCommand = &RelayTailCommand{}

func NewRelayTailCommand(app *App) (*RelayTailCommand, error) {
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}

	desc := cmds.NewCommandDescription(
		"tail",
		cmds.WithShort("Print events from the relay stream as JSON lines"),
		cmds.WithLong("Joins a consumer group at the tail of the relay stream and prints every event "+
			"published after that point. Unset --redis-* flags fall back to the relay section of the config."),
		cmds.WithSections(redisSection),
	)

	return &RelayTailCommand{CommandDescription: desc, app: app}, nil
}

func (c *RelayTailCommand) RunIntoWriter(ctx context.Context, parsedValues *values.Values, w io.Writer) error {
	flags := redisstream.Settings{}
	if err := parsedValues.DecodeSectionInto(redisstream.SectionSlug, &flags); err != nil {
		return errors.Wrap(err, "init redis settings")
	}
	s := c.app.Config.Relay.Overlay(flags)

	ctx, stop := signalContext(ctx)
	defer stop()
	return tailRelay(ctx, s, c.app.Config.MetricsAddr, w)
}

// tailRelay streams relayed events to w until ctx is cancelled or the
// subscription closes.
func tailRelay(ctx context.Context, s redisstream.Settings, metricsAddr string, w io.Writer) error {
	if err := redisstream.EnsureGroupAtTail(ctx, s.Addr, s.Topic, s.Group); err != nil {
		return err
	}
	sub, closeSub, err := redisstream.BuildGroupSubscriber(s, log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeSub() }()

	msgs, err := sub.Subscribe(ctx, s.Topic)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	serveMetrics(ctx, eg, metricsAddr)
	eg.Go(func() error {
		defer cancel()
		enc := json.NewEncoder(w)
		for {
			select {
			case <-ctx.Done():
				return nil
			case m, ok := <-msgs:
				if !ok {
					return nil
				}
				err := enc.Encode(relayedEvent{
					ID:        m.UUID,
					EventType: m.Metadata.Get(relay.MetadataEventType),
					Event:     json.RawMessage(m.Payload),
				})
				m.Ack()
				if err != nil {
					return err
				}
			}
		}
	})
	return eg.Wait()
}
