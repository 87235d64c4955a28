package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/opsdeck/pkg/chat/backend"
	"github.com/go-go-golems/opsdeck/pkg/chat/probe"
	"github.com/go-go-golems/opsdeck/pkg/persistence/chatstore"
)

type fixedStatus struct {
	status      backend.Status
	invalidated atomic.Int32
}

func (f *fixedStatus) Status(context.Context) backend.Status { return f.status }
func (f *fixedStatus) Invalidate()                           { f.invalidated.Add(1) }

type blockingCompleter struct {
	started chan struct{}
	release chan struct{}
	reply   string
}

func (b *blockingCompleter) Complete(ctx context.Context, _ string, _ []backend.Message) (string, error) {
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return b.reply, nil
}

func newController(t *testing.T, status StatusSource, client Completer, opts ...Option) *Controller {
	opts = append([]Option{WithReveal(DefaultChunkSize, 0)}, opts...)
	c, err := New(context.Background(), status, client, opts...)
	require.NoError(t, err)
	return c
}

func TestSend_LocalReplyWithoutBackend(t *testing.T) {
	c := newController(t, &fixedStatus{status: backend.NotFound()}, backend.NewClient())

	require.NoError(t, c.Send(context.Background(), "  hola  "))
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, chatstore.RoleUser, msgs[0].Role)
	require.Equal(t, "hola", msgs[0].Content)
	require.Equal(t, chatstore.RoleAssistant, msgs[1].Role)
	require.Contains(t, msgs[1].Content, "hola")
	require.Contains(t, msgs[1].Content, LocalModeHint)
	require.NotEqual(t, msgs[0].ID, msgs[1].ID)
	require.Equal(t, ModeLocal, c.Mode())
	require.Empty(t, c.LastError())
}

func TestSend_RejectsEmptyInput(t *testing.T) {
	c := newController(t, &fixedStatus{}, backend.NewClient())
	require.ErrorIs(t, c.Send(context.Background(), " \n\t "), ErrEmptyMessage)
	require.Empty(t, c.Messages())
}

func TestSend_ReentrantCallIsRejected(t *testing.T) {
	comp := &blockingCompleter{started: make(chan struct{}), release: make(chan struct{}), reply: "done"}
	c := newController(t, &fixedStatus{status: backend.Connected("http://chat")}, comp)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Send(context.Background(), "first") }()
	<-comp.started
	require.True(t, c.InFlight())

	before := c.Messages()
	require.ErrorIs(t, c.Send(context.Background(), "second"), ErrSendInFlight)
	require.Equal(t, before, c.Messages())

	close(comp.release)
	require.NoError(t, <-errCh)
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "done", msgs[1].Content)
	require.False(t, c.InFlight())
}

func TestSend_BackendReply(t *testing.T) {
	var got struct {
		Messages []backend.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":"disk usage is at 41%"}`))
	}))
	defer srv.Close()

	tracker := probe.NewTracker(probe.NewProber(), []string{srv.URL}, time.Minute)
	c := newController(t, tracker, backend.NewClient())

	require.NoError(t, c.Send(context.Background(), "disk?"))
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "disk usage is at 41%", msgs[1].Content)
	require.Equal(t, ModeBackend, c.Mode())
	require.Equal(t, []backend.Message{{Role: "user", Content: "disk?"}}, got.Messages)

	require.NoError(t, c.Send(context.Background(), "and memory?"))
	require.Equal(t, []backend.Message{
		{Role: "user", Content: "disk?"},
		{Role: "assistant", Content: "disk usage is at 41%"},
		{Role: "user", Content: "and memory?"},
	}, got.Messages)
}

func TestSend_ReloadedPlaceholderIsNotSent(t *testing.T) {
	var got struct {
		Messages []backend.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	store := chatstore.NewInMemoryHistoryStore()
	now := time.Now()
	require.NoError(t, store.Save(context.Background(), "ops", []chatstore.ChatMessage{
		{ID: "u1", Role: chatstore.RoleUser, Content: "disk?", Timestamp: now},
		{ID: "a1", Role: chatstore.RoleAssistant, Content: "", Timestamp: now},
	}))

	tracker := probe.NewTracker(probe.NewProber(), []string{srv.URL}, time.Minute)
	c := newController(t, tracker, backend.NewClient(), WithStore(store), WithSessionID("ops"))
	require.Len(t, c.Messages(), 2)

	require.NoError(t, c.Send(context.Background(), "again"))
	require.Equal(t, []backend.Message{
		{Role: "user", Content: "disk?"},
		{Role: "user", Content: "again"},
	}, got.Messages)
}

func TestSend_BackendFailureFallsBackLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	status := &fixedStatus{status: backend.Connected(srv.URL)}
	c := newController(t, status, backend.NewClient())

	require.NoError(t, c.Send(context.Background(), "ping"))
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[1].Content, `"ping"`)
	require.Contains(t, msgs[1].Content, LocalModeHint)
	require.Contains(t, c.LastError(), "HTTP 500")
	require.Equal(t, ModeLocal, c.Mode())
	require.EqualValues(t, 1, status.invalidated.Load())
}

func TestSend_BackendUnauthorizedAndNotFound(t *testing.T) {
	for code, want := range map[int]string{
		http.StatusUnauthorized: "unauthorized",
		http.StatusNotFound:     "endpoint not found",
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		c := newController(t, &fixedStatus{status: backend.Connected(srv.URL)}, backend.NewClient())
		require.NoError(t, c.Send(context.Background(), "hi"))
		require.Contains(t, c.LastError(), want)
		require.Contains(t, c.Messages()[1].Content, LocalModeHint)
		srv.Close()
	}
}

func TestSend_UnauthorizedStatusIsSurfaced(t *testing.T) {
	status := &fixedStatus{status: backend.Unauthorized("http://chat", "token rejected")}
	c := newController(t, status, backend.NewClient())

	require.NoError(t, c.Send(context.Background(), "hi"))
	require.Equal(t, "token rejected", c.LastError())
	require.Equal(t, ModeLocal, c.Mode())
	require.Contains(t, c.Messages()[1].Content, LocalModeHint)
}

func TestLocalReply_TruncatesLongInput(t *testing.T) {
	long := strings.Repeat("é", 300)
	reply := LocalReply(long)
	require.Contains(t, reply, strings.Repeat("é", 240)+"…")
	require.NotContains(t, reply, strings.Repeat("é", 241))

	exact := strings.Repeat("a", 240)
	require.Contains(t, LocalReply(exact), `"`+exact+`"`)
	require.NotContains(t, LocalReply(exact), "…\"")
}

func TestSend_RevealsInChunks(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c := newController(t, &fixedStatus{}, backend.NewClient(), WithReveal(4, time.Millisecond))
	c.OnChange(func() {
		msgs := c.Messages()
		if len(msgs) == 2 {
			mu.Lock()
			seen = append(seen, msgs[1].Content)
			mu.Unlock()
		}
	})

	require.NoError(t, c.Send(context.Background(), "hola"))
	final := LocalReply("hola")
	require.Equal(t, final, c.Messages()[1].Content)

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, len(seen), 2)
	require.Equal(t, "", seen[0])
	require.Equal(t, string([]rune(final)[:4]), seen[1])
	for i := 1; i < len(seen); i++ {
		require.True(t, strings.HasPrefix(seen[i], seen[i-1]))
	}
	require.Equal(t, final, seen[len(seen)-1])
}

func TestClear_StopsRevealAndEmptiesHistory(t *testing.T) {
	store := chatstore.NewInMemoryHistoryStore()
	c := newController(t, &fixedStatus{}, backend.NewClient(), WithStore(store), WithReveal(1, 5*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "a fairly long question") }()
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 2 && msgs[1].Content != ""
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Clear(context.Background()))
	require.NoError(t, <-done)
	require.Empty(t, c.Messages())
	require.Empty(t, c.LastError())

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, c.Messages())
	stored, err := store.Load(context.Background(), c.SessionID())
	require.NoError(t, err)
	require.Empty(t, stored)

	require.NoError(t, c.Send(context.Background(), "again"))
	require.Len(t, c.Messages(), 2)
}

func TestController_PersistsAndReloadsHistory(t *testing.T) {
	store := chatstore.NewInMemoryHistoryStore()
	c := newController(t, &fixedStatus{}, backend.NewClient(), WithStore(store), WithSessionID("ops"))
	require.NoError(t, c.Send(context.Background(), "one"))
	require.NoError(t, c.Send(context.Background(), "two"))

	reloaded := newController(t, &fixedStatus{}, backend.NewClient(), WithStore(store), WithSessionID("ops"))
	want, got := c.Messages(), reloaded.Messages()
	require.Len(t, got, 4)
	for i := range want {
		require.Equal(t, want[i].ID, got[i].ID)
		require.Equal(t, want[i].Role, got[i].Role)
		require.Equal(t, want[i].Content, got[i].Content)
		require.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
	}
}

func TestController_HistoryIsCapped(t *testing.T) {
	c := newController(t, &fixedStatus{}, backend.NewClient())
	for i := 0; i < chatstore.MaxHistory/2+5; i++ {
		require.NoError(t, c.Send(context.Background(), "msg"))
	}
	require.Len(t, c.Messages(), chatstore.MaxHistory)
}
