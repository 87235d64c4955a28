package cmds

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/opsdeck/pkg/realtime/conn"
	"github.com/go-go-golems/opsdeck/pkg/realtime/dispatch"
	"github.com/go-go-golems/opsdeck/pkg/realtime/event"
	"github.com/go-go-golems/opsdeck/pkg/realtime/relay"
	"github.com/go-go-golems/opsdeck/pkg/redisstream"
)

var errReconnectExhausted = errors.New("feed reconnect attempts exhausted")

func newFeedCommand(app *App) *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Connect to the event feed and print events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			if cfg.Feed.Address == "" {
				return errors.New("feed.address is not set (use --address or OPSDECK_FEED_ADDRESS)")
			}
			policy, err := conn.BuildPolicy(cfg.Feed.Reconnect)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			eg, ctx := errgroup.WithContext(ctx)

			d := dispatch.New()
			enc := json.NewEncoder(cmd.OutOrStdout())
			var outMu sync.Mutex
			printEvent := func(ev event.CanonicalEvent) {
				outMu.Lock()
				defer outMu.Unlock()
				if err := enc.Encode(ev); err != nil {
					log.Warn().Err(err).Msg("could not write event")
				}
			}
			if len(types) == 0 {
				d.Subscribe(event.Wildcard, printEvent)
			}
			for _, t := range types {
				d.Subscribe(t, printEvent)
			}

			if cfg.Relay.Enabled {
				pub, closePub, err := redisstream.BuildPublisher(cfg.Relay, log.Logger)
				if err != nil {
					return err
				}
				defer func() { _ = closePub() }()
				r := relay.New(pub, relay.WithTopic(cfg.Relay.Topic))
				r.Attach(d)
				defer r.Close()
				log.Info().Str("topic", r.Topic()).Str("redis", cfg.Relay.Addr).Msg("relaying events")
			}

			exhausted := make(chan struct{})
			var exhaustedOnce sync.Once
			var m *conn.Manager
			m = conn.NewManager(
				conn.WebSocketDialer{Token: cfg.Feed.Token},
				d.OnFrame,
				conn.WithPolicy(policy),
				conn.WithHeartbeat(cfg.Feed.Heartbeat),
				conn.WithOnOpen(func() {
					log.Info().Str("address", cfg.Feed.Address).Msg("feed connected")
				}),
				conn.WithOnClose(func(reason string) {
					log.Warn().Str("reason", reason).Int("attempt", m.Attempt()).Msg("feed disconnected")
					if m.Exhausted() {
						exhaustedOnce.Do(func() { close(exhausted) })
					}
				}),
			)

			serveMetrics(ctx, eg, cfg.MetricsAddr)
			eg.Go(func() error {
				m.Open(cfg.Feed.Address)
				defer m.Close()
				select {
				case <-ctx.Done():
					return nil
				case <-exhausted:
					return errReconnectExhausted
				}
			})

			err = eg.Wait()
			st := d.Stats()
			log.Info().
				Uint64("dispatched", st.Dispatched).
				Uint64("dropped", st.Dropped).
				Uint64("panics", st.Panics).
				Msg("feed stopped")
			return err
		},
	}

	f := cmd.Flags()
	f.String("address", "", "Event feed address (ws:// or wss://)")
	f.String("token", "", "Bearer token for the feed handshake")
	f.Duration("heartbeat", conn.DefaultHeartbeatInterval, "Heartbeat interval, 0 disables")
	f.String("reconnect-policy", conn.PolicyExponential, "Reconnect policy: exponential or bounded")
	f.Bool("relay", false, "Republish events to Redis Streams")
	f.StringSliceVar(&types, "type", nil, "Only print events of these types (repeatable)")
	app.bind(cmd, "address", "feed.address")
	app.bind(cmd, "token", "feed.token")
	app.bind(cmd, "heartbeat", "feed.heartbeat")
	app.bind(cmd, "reconnect-policy", "feed.reconnect.policy")
	app.bind(cmd, "relay", "relay.enabled")
	return cmd
}
