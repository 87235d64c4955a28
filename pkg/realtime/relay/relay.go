package relay

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/opsdeck/pkg/metrics"
	"github.com/go-go-golems/opsdeck/pkg/realtime/dispatch"
	"github.com/go-go-golems/opsdeck/pkg/realtime/event"
	"github.com/go-go-golems/opsdeck/pkg/redisstream"
)

const (
	MetadataEventType = "event_type"
	MetadataTimestamp = "event_timestamp"

	DefaultQueueSize = 256
)

// Relay republishes every dispatched event to a Watermill topic.
//
// Dispatch handlers only enqueue; a single goroutine publishes in order. When
// the queue is full the event is dropped and counted, so a slow broker never
// stalls the feed reader.
type Relay struct {
	pub    message.Publisher
	topic  string
	logger zerolog.Logger

	queueSize int
	queue     chan *message.Message
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64

	mu    sync.Mutex
	d     *dispatch.Dispatcher
	token dispatch.Token
}

type Option func(*Relay)

func WithTopic(topic string) Option {
	return func(r *Relay) {
		if topic != "" {
			r.topic = topic
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l.With().Str("component", "relay").Logger() }
}

// WithQueueSize bounds the number of events waiting to be published.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// New starts the publishing goroutine; call Close to stop it.
func New(pub message.Publisher, opts ...Option) *Relay {
	r := &Relay{
		pub:       pub,
		topic:     redisstream.DefaultTopic,
		logger:    log.With().Str("component", "relay").Logger(),
		queueSize: DefaultQueueSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan *message.Message, r.queueSize)
	go r.run()
	return r
}

func (r *Relay) Topic() string { return r.topic }

// Attach subscribes the relay to all events on d. Attaching again moves it.
func (r *Relay) Attach(d *dispatch.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.d != nil {
		r.d.Unsubscribe(r.token)
	}
	r.d = d
	r.token = d.Subscribe(event.Wildcard, r.handle)
}

func (r *Relay) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.d != nil {
		r.d.Unsubscribe(r.token)
		r.d = nil
	}
}

// Close detaches the relay, publishes what is still queued and stops the
// publishing goroutine. It is safe to call more than once.
func (r *Relay) Close() {
	r.Detach()
	r.closeOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

func (r *Relay) run() {
	defer close(r.done)
	for {
		select {
		case msg := <-r.queue:
			r.publish(msg)
		case <-r.stop:
			for {
				select {
				case msg := <-r.queue:
					r.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) handle(ev event.CanonicalEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.ObserveRelay("encode_error")
		r.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("could not encode event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataEventType, ev.Type)
	msg.Metadata.Set(MetadataTimestamp, strconv.FormatFloat(ev.Timestamp, 'f', -1, 64))

	select {
	case <-r.stop:
		return
	default:
	}
	select {
	case r.queue <- msg:
	default:
		r.dropped.Add(1)
		metrics.ObserveRelay("dropped")
		r.logger.Warn().Str("event_type", ev.Type).Int("queue_size", r.queueSize).Msg("relay queue full, dropping event")
	}
}

func (r *Relay) publish(msg *message.Message) {
	eventType := msg.Metadata.Get(MetadataEventType)
	if err := r.pub.Publish(r.topic, msg); err != nil {
		metrics.ObserveRelay("publish_error")
		r.logger.Warn().Err(err).Str("event_type", eventType).Str("topic", r.topic).Msg("could not relay event")
		return
	}
	metrics.ObserveRelay("published")
}
