package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRequestTimeout = 12 * time.Second
	// EmptyReply is used when a successful response carries no usable text.
	EmptyReply = "…"

	maxResponseBytes = 4 << 20
)

// Message is the wire shape of a chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []Message `json:"messages"`
}

// Client sends chat requests to a probed backend.
type Client struct {
	httpClient *http.Client
	token      string
	timeout    time.Duration
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

func WithToken(token string) ClientOption {
	return func(cl *Client) { cl.token = strings.TrimSpace(token) }
}

func WithRequestTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.timeout = d }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l.With().Str("component", "chat-client").Logger() }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		timeout:    DefaultRequestTimeout,
		logger:     log.With().Str("component", "chat-client").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetAuthorization adds a bearer header when token is not empty.
func SetAuthorization(req *http.Request, token string) {
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Complete posts the conversation to url and returns the reply text.
func (c *Client) Complete(ctx context.Context, url string, msgs []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Messages: msgs})
	if err != nil {
		return "", errors.Wrap(err, "marshal chat request")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	SetAuthorization(req, c.token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", ClassifyTransport(err, url)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Int("messages", len(msgs)).
		Dur("elapsed", time.Since(start)).
		Msg("chat request finished")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errors.Wrapf(ErrUnauthorized, "chat request to %s", url)
	case resp.StatusCode == http.StatusNotFound:
		return "", errors.Wrapf(ErrEndpointNotFound, "chat request to %s", url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", ClassifyTransport(err, url)
	}
	return ExtractReply(raw, msgs), nil
}

// ExtractReply reads "response" or "message" from a success body. Without
// either it falls back to the last assistant message that was sent, then to
// EmptyReply. Bodies that are not JSON objects count as having neither field.
func ExtractReply(body []byte, sent []Message) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, key := range []string{"response", "message"} {
			var s string
			if v, ok := fields[key]; ok && json.Unmarshal(v, &s) == nil && s != "" {
				return s
			}
		}
	}
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Role == "assistant" && sent[i].Content != "" {
			return sent[i].Content
		}
	}
	return EmptyReply
}
