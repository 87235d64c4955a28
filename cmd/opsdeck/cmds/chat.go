package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/opsdeck/pkg/chat/backend"
	"github.com/go-go-golems/opsdeck/pkg/chat/probe"
	"github.com/go-go-golems/opsdeck/pkg/chat/session"
	"github.com/go-go-golems/opsdeck/pkg/config"
	"github.com/go-go-golems/opsdeck/pkg/persistence/chatstore"
)

func newChatCommand(app *App) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the ops backend, or locally when none is reachable",
		Long: "Starts an interactive chat. Lines starting with / are commands: " +
			"/status, /clear, /quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			store, err := chatstore.Open(cfg.History)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tracker, ctrl, err := buildChat(ctx, cfg, store)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printer := newRevealPrinter(ctrl, out)
			ctrl.OnChange(printer.update)

			eg, ctx := errgroup.WithContext(ctx)
			serveMetrics(ctx, eg, cfg.MetricsAddr)
			eg.Go(func() error {
				defer stop()
				if message != "" {
					return sendAndReport(ctx, ctrl, out, message)
				}
				return repl(ctx, cmd.InOrStdin(), out, tracker, ctrl)
			})
			return eg.Wait()
		},
	}

	f := cmd.Flags()
	f.StringVarP(&message, "message", "m", "", "Send one message and exit")
	f.StringSlice("endpoint", nil, "Candidate chat endpoint, in priority order (repeatable)")
	f.String("token", "", "Bearer token for the chat backend")
	f.String("session", session.DefaultSessionID, "Session id used for stored history")
	f.String("history-backend", chatstore.BackendFile, "History store: memory, file, sqlite or redis")
	app.bind(cmd, "endpoint", "chat.endpoints")
	app.bind(cmd, "token", "chat.token")
	app.bind(cmd, "session", "chat.session")
	app.bind(cmd, "history-backend", "history.backend")
	return cmd
}

func buildChat(ctx context.Context, cfg *config.Config, store chatstore.HistoryStore) (*probe.Tracker, *session.Controller, error) {
	prober := probe.NewProber(probe.WithToken(cfg.Chat.Token), probe.WithTimeout(cfg.Chat.ProbeTimeout))
	tracker := probe.NewTracker(prober, cfg.Chat.Endpoints, cfg.Chat.StatusTTL)
	client := backend.NewClient(backend.WithToken(cfg.Chat.Token), backend.WithRequestTimeout(cfg.Chat.RequestTimeout))
	ctrl, err := session.New(ctx, tracker, client,
		session.WithStore(store),
		session.WithSessionID(cfg.Chat.Session),
		session.WithReveal(cfg.Chat.Reveal.ChunkSize, cfg.Chat.Reveal.Interval),
	)
	if err != nil {
		return nil, nil, err
	}
	return tracker, ctrl, nil
}

func repl(ctx context.Context, in io.Reader, out io.Writer, tracker *probe.Tracker, ctrl *session.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	_, _ = fmt.Fprintf(out, "session %s, %d messages. /quit to exit.\n", ctrl.SessionID(), len(ctrl.Messages()))
	for {
		_, _ = fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			if err := ctrl.Clear(ctx); err != nil {
				log.Warn().Err(err).Msg("could not clear stored history")
			}
			_, _ = fmt.Fprintln(out, "history cleared")
			continue
		case "/status":
			s := tracker.Status(ctx)
			_, _ = fmt.Fprintf(out, "backend: %s (last reply: %s mode)\n", s, ctrl.Mode())
			continue
		}
		if err := sendAndReport(ctx, ctrl, out, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func sendAndReport(ctx context.Context, ctrl *session.Controller, out io.Writer, text string) error {
	err := ctrl.Send(ctx, text)
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return err
	}
	if e := ctrl.LastError(); e != "" {
		_, _ = fmt.Fprintf(out, "[%s mode] backend error: %s\n", ctrl.Mode(), e)
	}
	return nil
}

// revealPrinter writes the growing assistant reply to out as it is revealed.
type revealPrinter struct {
	ctrl *session.Controller
	out  io.Writer

	mu      sync.Mutex
	id      string
	printed int
}

func newRevealPrinter(ctrl *session.Controller, out io.Writer) *revealPrinter {
	p := &revealPrinter{ctrl: ctrl, out: out}
	if msgs := ctrl.Messages(); len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		p.id, p.printed = last.ID, len(last.Content)
	}
	return p
}

func (p *revealPrinter) update() {
	msgs := p.ctrl.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != chatstore.RoleAssistant {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if last.ID != p.id {
		p.id, p.printed = last.ID, 0
	}
	if len(last.Content) > p.printed {
		_, _ = io.WriteString(p.out, last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}
