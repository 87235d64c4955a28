package chatstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MaxHistory is the number of most recent messages a session keeps.
const MaxHistory = 200

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of a session transcript.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo summarizes a stored session for listing.
type SessionInfo struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Messages  int       `json:"messages" yaml:"messages"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// HistoryStore persists the transcript of chat sessions.
//
// Every implementation caps history at MaxHistory on both Save and Load, and
// treats unreadable stored state as an empty history rather than an error.
type HistoryStore interface {
	Load(ctx context.Context, sessionID string) ([]ChatMessage, error)
	Save(ctx context.Context, sessionID string, msgs []ChatMessage) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]SessionInfo, error)
	Close() error
}

var errEmptySessionID = errors.New("session id is empty")

func normalizeSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errEmptySessionID
	}
	return id, nil
}

// Cap returns the most recent MaxHistory messages. The result never aliases msgs.
func Cap(msgs []ChatMessage) []ChatMessage {
	if len(msgs) > MaxHistory {
		msgs = msgs[len(msgs)-MaxHistory:]
	}
	return append([]ChatMessage(nil), msgs...)
}

func encodeHistory(msgs []ChatMessage) ([]byte, error) {
	capped := Cap(msgs)
	if capped == nil {
		capped = []ChatMessage{}
	}
	b, err := json.Marshal(capped)
	if err != nil {
		return nil, errors.Wrap(err, "encode history")
	}
	return b, nil
}

// decodeHistory returns nil for anything that is not a JSON array of
// messages. Entries with an unknown role are skipped.
func decodeHistory(raw []byte) []ChatMessage {
	if len(raw) == 0 {
		return nil
	}
	var msgs []ChatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		out = append(out, m)
	}
	return Cap(out)
}
