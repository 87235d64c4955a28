package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/opsdeck/pkg/metrics"
	"github.com/go-go-golems/opsdeck/pkg/realtime/event"
)

// Handler receives validated events.
type Handler func(ev event.CanonicalEvent)

// Token identifies a subscription for Unsubscribe.
type Token struct {
	eventType string
	id        uint64
}

type subscription struct {
	id      uint64
	handler Handler
}

// Stats are cumulative frame counters.
type Stats struct {
	Dispatched uint64
	Dropped    uint64
	Panics     uint64
}

// Dispatcher fans validated frames out to subscribers. Wildcard subscribers
// run before subscribers of the concrete type; within each group handlers run
// in subscription order.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	subs      map[string][]subscription
	validator *event.Validator
	logger    zerolog.Logger

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	panics     atomic.Uint64
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l.With().Str("component", "dispatcher").Logger()
	}
}

func WithValidator(v *event.Validator) Option {
	return func(d *Dispatcher) {
		d.validator = v
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:   map[string][]subscription{},
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.validator == nil {
		d.validator = event.MustNewValidator()
	}
	return d
}

// Subscribe registers h for eventType, or for every type when eventType is
// event.Wildcard.
func (d *Dispatcher) Subscribe(eventType string, h Handler) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs[eventType] = append(d.subs[eventType], subscription{id: id, handler: h})
	return Token{eventType: eventType, id: id}
}

// Unsubscribe removes the subscription. Unknown or already removed tokens are
// ignored.
func (d *Dispatcher) Unsubscribe(tok Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[tok.eventType]
	for i, s := range list {
		if s.id != tok.id {
			continue
		}
		next := make([]subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(d.subs, tok.eventType)
		} else {
			d.subs[tok.eventType] = next
		}
		return
	}
}

// SubscriberCount returns the number of handlers registered for eventType.
func (d *Dispatcher) SubscriberCount(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[eventType])
}

// OnFrame parses, validates and dispatches a raw frame. Invalid frames are
// dropped without reaching any subscriber.
func (d *Dispatcher) OnFrame(raw []byte) {
	ev, err := d.validator.Parse(raw)
	if err != nil {
		d.dropped.Add(1)
		disposition := "invalid"
		if errors.Is(err, event.ErrMalformed) {
			disposition = "malformed"
		}
		metrics.ObserveFrame(disposition)
		d.logger.Debug().Err(err).Int("bytes", len(raw)).Msg("dropping frame")
		return
	}
	d.Dispatch(ev)
}

// Dispatch delivers an already validated event.
func (d *Dispatcher) Dispatch(ev event.CanonicalEvent) {
	d.mu.RLock()
	wildcard := d.subs[event.Wildcard]
	typed := d.subs[ev.Type]
	d.mu.RUnlock()

	d.dispatched.Add(1)
	metrics.ObserveFrame("dispatched")

	for _, s := range wildcard {
		d.invoke(s, ev)
	}
	if ev.Type == event.Wildcard {
		return
	}
	for _, s := range typed {
		d.invoke(s, ev)
	}
}

func (d *Dispatcher) invoke(s subscription, ev event.CanonicalEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			metrics.ObserveHandlerPanic()
			d.logger.Error().
				Interface("panic", r).
				Str("event_type", ev.Type).
				Uint64("subscription", s.id).
				Msg("subscriber panicked")
		}
	}()
	s.handler(ev)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Dropped:    d.dropped.Load(),
		Panics:     d.panics.Load(),
	}
}
