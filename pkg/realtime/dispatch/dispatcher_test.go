package dispatch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/opsdeck/pkg/realtime/event"
)

type recorder struct {
	calls []string
}

func (r *recorder) handler(name string) Handler {
	return func(ev event.CanonicalEvent) {
		r.calls = append(r.calls, fmt.Sprintf("%s:%s", name, ev.Type))
	}
}

func TestDispatcher_DropsInvalidFrames(t *testing.T) {
	d := New()
	rec := &recorder{}
	d.Subscribe(event.Wildcard, rec.handler("all"))
	d.Subscribe("alert", rec.handler("alert"))

	for _, raw := range []string{
		``,
		`not json`,
		`{"type":`,
		`[]`,
		`"alert"`,
		`{"payload":{"type":"alert"}}`,
		`{"type":""}`,
		`{"type":"alert","timestamp":"now"}`,
	} {
		d.OnFrame([]byte(raw))
	}

	require.Empty(t, rec.calls)
	stats := d.Stats()
	require.Equal(t, uint64(8), stats.Dropped)
	require.Equal(t, uint64(0), stats.Dispatched)
}

func TestDispatcher_WildcardThenTypedInSubscriptionOrder(t *testing.T) {
	d := New()
	rec := &recorder{}
	d.Subscribe("alert", rec.handler("a1"))
	d.Subscribe(event.Wildcard, rec.handler("w1"))
	d.Subscribe("alert", rec.handler("a2"))
	d.Subscribe("status", rec.handler("s1"))
	d.Subscribe(event.Wildcard, rec.handler("w2"))

	d.OnFrame([]byte(`{"type":"alert","timestamp":1,"payload":{"sev":"high"}}`))

	require.Equal(t, []string{"w1:alert", "w2:alert", "a1:alert", "a2:alert"}, rec.calls)
}

func TestDispatcher_ExactlyOncePerSubscriberAcrossFrames(t *testing.T) {
	d := New()
	counts := map[string]int{}
	d.Subscribe("status", func(ev event.CanonicalEvent) { counts["status"]++ })
	d.Subscribe(event.Wildcard, func(ev event.CanonicalEvent) { counts["wild"]++ })

	d.OnFrame([]byte(`{"type":"status"}`))
	d.OnFrame([]byte(`{"type":"other"}`))
	d.OnFrame([]byte(`{"type":"status"}`))

	require.Equal(t, 2, counts["status"])
	require.Equal(t, 3, counts["wild"])
}

func TestDispatcher_UnsubscribeIsIdempotent(t *testing.T) {
	d := New()
	rec := &recorder{}
	tok := d.Subscribe("alert", rec.handler("a1"))
	d.Subscribe("alert", rec.handler("a2"))

	d.Unsubscribe(tok)
	d.Unsubscribe(tok)
	d.Unsubscribe(Token{eventType: "missing", id: 99})
	require.Equal(t, 1, d.SubscriberCount("alert"))

	d.OnFrame([]byte(`{"type":"alert"}`))
	require.Equal(t, []string{"a2:alert"}, rec.calls)
}

func TestDispatcher_PanickingHandlerIsIsolated(t *testing.T) {
	d := New()
	rec := &recorder{}
	d.Subscribe("alert", rec.handler("before"))
	d.Subscribe("alert", func(event.CanonicalEvent) { panic("boom") })
	d.Subscribe("alert", rec.handler("after"))

	require.NotPanics(t, func() {
		d.OnFrame([]byte(`{"type":"alert"}`))
	})
	require.Equal(t, []string{"before:alert", "after:alert"}, rec.calls)
	require.Equal(t, uint64(1), d.Stats().Panics)
}

func TestDispatcher_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	d := New()
	rec := &recorder{}
	var tok Token
	tok = d.Subscribe("alert", func(ev event.CanonicalEvent) {
		rec.calls = append(rec.calls, "once")
		d.Unsubscribe(tok)
	})
	d.Subscribe("alert", rec.handler("stay"))

	d.OnFrame([]byte(`{"type":"alert"}`))
	d.OnFrame([]byte(`{"type":"alert"}`))

	require.Equal(t, []string{"once", "stay:alert", "stay:alert"}, rec.calls)
}
