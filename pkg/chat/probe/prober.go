package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/opsdeck/pkg/chat/backend"
	"github.com/go-go-golems/opsdeck/pkg/metrics"
)

const DefaultTimeout = 1500 * time.Millisecond

// Prober checks candidate chat endpoints in priority order.
type Prober struct {
	httpClient *http.Client
	token      string
	timeout    time.Duration
	logger     zerolog.Logger
}

type Option func(*Prober)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) { p.httpClient = c }
}

func WithToken(token string) Option {
	return func(p *Prober) { p.token = strings.TrimSpace(token) }
}

// WithTimeout sets the timeout for each candidate.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Prober) { p.logger = l.With().Str("component", "chat-probe").Logger() }
}

func NewProber(opts ...Option) *Prober {
	p := &Prober{
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		logger:     log.With().Str("component", "chat-probe").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Probe walks candidates in order and returns the first decisive status.
//
// 2xx means connected, 401/403 unauthorized, and a transport failure
// unavailable; each of those stops the walk. 404 moves on. Any other status,
// 405 included, moves on too but turns an exhausted walk into Unavailable.
func (p *Prober) Probe(ctx context.Context, candidates []string) backend.Status {
	status := p.probe(ctx, candidates)
	metrics.ObserveProbe(status.Kind.String())
	p.logger.Debug().Str("status", status.String()).Int("candidates", len(candidates)).Msg("probe finished")
	return status
}

func (p *Prober) probe(ctx context.Context, candidates []string) backend.Status {
	var lastOther *backend.HTTPStatusError
	for _, raw := range candidates {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		code, err := p.check(ctx, url)
		if err != nil {
			p.logger.Debug().Err(err).Str("url", url).Msg("candidate unreachable")
			return backend.Unavailable(describeFailure(err))
		}
		switch {
		case code >= 200 && code <= 299:
			return backend.Connected(url)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return backend.Unauthorized(url, fmt.Sprintf("%s rejected the credentials (HTTP %d)", url, code))
		case code == http.StatusNotFound:
			continue
		default:
			lastOther = &backend.HTTPStatusError{StatusCode: code, URL: url}
		}
	}
	if lastOther != nil {
		return backend.Unavailable(lastOther.Error())
	}
	return backend.NotFound()
}

func (p *Prober) check(ctx context.Context, url string) (int, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, url, nil)
	if err != nil {
		return 0, errors.Wrapf(backend.ErrTransport, "%s: %v", url, err)
	}
	backend.SetAuthorization(req, p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, backend.ClassifyTransport(err, url)
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func describeFailure(err error) string {
	if backend.IsTimeout(err) {
		return "probe timed out: " + err.Error()
	}
	return err.Error()
}
