package cmds

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/opsdeck/pkg/chat/session"
	"github.com/go-go-golems/opsdeck/pkg/config"
	"github.com/go-go-golems/opsdeck/pkg/persistence/chatstore"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--log-level", "error", "--log-format", "json"}, args...))
	err := root.Execute()
	return out.String(), err
}

// rowCollector keeps the rows a glazed command emits.
type rowCollector struct {
	rows []types.Row
}

func (c *rowCollector) AddRow(ctx context.Context, row types.Row) error {
	c.rows = append(c.rows, row)
	return nil
}

func (c *rowCollector) Close(ctx context.Context) error { return nil }

var _ middlewares.Processor = &rowCollector{}

func cell(t *testing.T, row types.Row, key string) interface{} {
	t.Helper()
	v, ok := row.Get(key)
	require.True(t, ok, "missing column %s", key)
	return v
}

func TestReportBackendStatus(t *testing.T) {
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()

	s := &BackendCheckSettings{Endpoints: []string{missing.URL, " ", ok.URL}, Timeout: "2s"}
	chat, err := s.apply(config.ChatConfig{})
	require.NoError(t, err)

	gp := &rowCollector{}
	require.NoError(t, reportBackendStatus(context.Background(), chat, gp))
	require.Len(t, gp.rows, 1)
	require.Equal(t, "connected", cell(t, gp.rows[0], "status"))
	require.Equal(t, ok.URL, cell(t, gp.rows[0], "url"))
	require.Equal(t, false, cell(t, gp.rows[0], "local_fallback"))
	require.Equal(t, missing.URL+","+ok.URL, cell(t, gp.rows[0], "candidates"))
}

func TestReportBackendStatus_UnauthorizedEmitsRowThenFails(t *testing.T) {
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer denied.Close()

	chat, err := (&BackendCheckSettings{Endpoints: []string{denied.URL}}).apply(config.ChatConfig{})
	require.NoError(t, err)

	gp := &rowCollector{}
	err = reportBackendStatus(context.Background(), chat, gp)
	require.ErrorIs(t, err, errUnauthorized)
	require.Len(t, gp.rows, 1)
	require.Equal(t, "unauthorized", cell(t, gp.rows[0], "status"))
	require.Equal(t, true, cell(t, gp.rows[0], "local_fallback"))
}

func TestBackendCheckSettings_InvalidTimeout(t *testing.T) {
	_, err := (&BackendCheckSettings{Timeout: "soon"}).apply(config.ChatConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "--timeout")
}

func TestChatCommand_LocalReplyIsStored(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OPSDECK_CHAT_REVEAL_INTERVAL", "0s")
	dir := filepath.Join(home, "hist")
	t.Setenv("OPSDECK_HISTORY_DIR", dir)

	out, err := runRoot(t, "", "chat", "--session", "ops", "-m", "hola")
	require.NoError(t, err)
	require.Contains(t, out, `"hola"`)
	require.Contains(t, out, session.LocalModeHint)

	store, err := chatstore.Open(chatstore.Settings{Backend: chatstore.BackendFile, Dir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	shown := &rowCollector{}
	require.NoError(t, showSession(ctx, store, "ops", shown))
	require.Len(t, shown.rows, 2)
	require.Equal(t, "user", cell(t, shown.rows[0], "role"))
	require.Equal(t, "hola", cell(t, shown.rows[0], "content"))
	require.Equal(t, "assistant", cell(t, shown.rows[1], "role"))

	listed := &rowCollector{}
	require.NoError(t, listSessions(ctx, store, &HistoryListSettings{}, listed))
	require.Len(t, listed.rows, 1)
	require.Equal(t, "ops", cell(t, listed.rows[0], "session_id"))
	require.Equal(t, 2, cell(t, listed.rows[0], "messages"))
	require.NoError(t, store.Close())

	out, err = runRoot(t, "", "history", "clear", "ops")
	require.NoError(t, err)
	require.Contains(t, out, "deleted ops")

	store, err = chatstore.Open(chatstore.Settings{Backend: chatstore.BackendFile, Dir: dir})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	shown = &rowCollector{}
	require.NoError(t, showSession(ctx, store, "ops", shown))
	require.Empty(t, shown.rows)
}

func TestListSessions_PrefixAndLimit(t *testing.T) {
	store, err := chatstore.Open(chatstore.Settings{Backend: chatstore.BackendMemory})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for _, id := range []string{"ops-a", "ops-b", "dev-a"} {
		require.NoError(t, store.Save(ctx, id, []chatstore.ChatMessage{{ID: id, Role: chatstore.RoleUser, Content: id}}))
	}

	gp := &rowCollector{}
	require.NoError(t, listSessions(ctx, store, &HistoryListSettings{SessionPrefix: "ops-"}, gp))
	require.Len(t, gp.rows, 2)
	for _, row := range gp.rows {
		require.True(t, strings.HasPrefix(cell(t, row, "session_id").(string), "ops-"))
	}

	gp = &rowCollector{}
	require.NoError(t, listSessions(ctx, store, &HistoryListSettings{Limit: 1}, gp))
	require.Len(t, gp.rows, 1)
}

func TestChatCommand_REPL(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPSDECK_CHAT_REVEAL_INTERVAL", "0s")

	out, err := runRoot(t, "first\n/status\n/clear\nsecond\n/quit\nignored\n", "chat", "--history-backend", "memory")
	require.NoError(t, err)
	require.Contains(t, out, `"first"`)
	require.Contains(t, out, "backend: not found")
	require.Contains(t, out, "history cleared")
	require.Contains(t, out, `"second"`)
	require.NotContains(t, out, `"ignored"`)
}

func TestConfigPrint_RedactsTokens(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPSDECK_CHAT_TOKEN", "very-secret")

	out, err := runRoot(t, "", "config", "print")
	require.NoError(t, err)
	require.NotContains(t, out, "very-secret")
	require.Contains(t, out, "***")

	out, err = runRoot(t, "", "config", "print", "--show-secrets")
	require.NoError(t, err)
	require.Contains(t, out, "very-secret")
}

func TestFeedCommand_RequiresAddress(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := runRoot(t, "", "feed")
	require.Error(t, err)
	require.Contains(t, err.Error(), "feed.address")
}
