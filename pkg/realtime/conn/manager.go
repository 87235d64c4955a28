package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/opsdeck/pkg/metrics"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrNotConnected = errors.New("connection is not open")

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
)

// Manager owns one persistent connection to the event feed. Frames are
// delivered to the sink from a single reader goroutine, in arrival order.
// State transitions are reported to the callbacks in the order they happen.
type Manager struct {
	dialer      Dialer
	sink        func([]byte)
	policy      ReconnectPolicy
	heartbeat   time.Duration
	dialTimeout time.Duration
	pingFrame   func() []byte
	logger      zerolog.Logger

	onOpen        func()
	onClose       func(reason string)
	onStateChange func(State)

	mu         sync.Mutex
	state      State
	address    string
	conn       Conn
	attempt    int
	closed     bool
	exhausted  bool
	gen        uint64
	reconnect  *time.Timer
	dialCancel context.CancelFunc
	hbStop     chan struct{}

	writeMu sync.Mutex

	qmu     sync.Mutex
	queue   []func()
	flushMu sync.Mutex
}

type Option func(*Manager)

func WithPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithHeartbeat sets the liveness interval. Zero disables the heartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(m *Manager) { m.heartbeat = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.dialTimeout = d }
}

func WithHeartbeatFrame(f func() []byte) Option {
	return func(m *Manager) { m.pingFrame = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "feed-conn").Logger() }
}

func WithOnOpen(f func()) Option {
	return func(m *Manager) { m.onOpen = f }
}

func WithOnClose(f func(reason string)) Option {
	return func(m *Manager) { m.onClose = f }
}

func WithOnStateChange(f func(State)) Option {
	return func(m *Manager) { m.onStateChange = f }
}

func NewManager(dialer Dialer, sink func([]byte), opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		sink:        sink,
		policy:      NewExponentialPolicy(2*time.Second, 30*time.Second),
		heartbeat:   DefaultHeartbeatInterval,
		dialTimeout: DefaultDialTimeout,
		pingFrame:   defaultPingFrame,
		logger:      log.With().Str("component", "feed-conn").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.sink == nil {
		m.sink = func([]byte) {}
	}
	return m
}

func defaultPingFrame() []byte {
	b, _ := json.Marshal(map[string]any{
		"type":      "ping",
		"timestamp": float64(time.Now().UnixMilli()) / 1000,
	})
	return b
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of consecutive failed connection attempts.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Exhausted reports whether the reconnect policy gave up. A manual Open resets it.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Open starts connecting to address and returns immediately. Calling Open
// while already connecting or connected to the same address is a no-op.
func (m *Manager) Open(address string) {
	m.mu.Lock()
	active := m.state == Connecting || m.state == Open
	if active && m.address == address {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if active {
		m.Close()
	}

	m.mu.Lock()
	m.stopReconnectLocked()
	m.gen++
	gen := m.gen
	m.closed = false
	m.exhausted = false
	m.attempt = 0
	m.address = address
	m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.flush()

	m.logger.Info().Str("address", address).Msg("opening event feed")
	go m.connect(gen, address)
}

// Close stops all activity. Pending timers are cancelled and no further
// reconnect is attempted until the next Open. Safe to call from any state.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.gen++
	m.stopReconnectLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.stopHeartbeatLocked()
	c := m.conn
	m.conn = nil
	prev := m.state
	if prev != Disconnected {
		m.setStateLocked(Closing)
	}
	m.mu.Unlock()
	m.flush()

	if c != nil {
		m.writeMu.Lock()
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = c.Close()
	}

	m.mu.Lock()
	if m.closed && m.state == Closing {
		m.setStateLocked(Disconnected)
		if prev == Open || prev == Connecting {
			m.notifyCloseLocked("closed by client")
		}
	}
	m.mu.Unlock()
	m.flush()
}

// Send writes a text frame on the open connection.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	c := m.conn
	open := m.state == Open
	m.mu.Unlock()
	if !open || c == nil {
		return ErrNotConnected
	}
	return m.write(c, data)
}

func (m *Manager) write(c Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return c.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) connect(gen uint64, address string) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	m.dialCancel = cancel
	m.mu.Unlock()

	c, err := m.dial(ctx, address)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		return
	}
	m.dialCancel = nil
	if err != nil {
		m.logger.Warn().Err(err).Str("address", address).Int("attempt", m.attempt+1).Msg("event feed connect failed")
		m.connectionLostLocked(err.Error())
		m.mu.Unlock()
		m.flush()
		return
	}

	m.conn = c
	m.attempt = 0
	m.setStateLocked(Open)
	m.startHeartbeatLocked(c)
	if m.onOpen != nil {
		m.enqueueLocked(m.onOpen)
	}
	m.mu.Unlock()
	m.flush()

	m.logger.Info().Str("address", address).Msg("event feed open")
	go m.readLoop(gen, c)
}

func (m *Manager) dial(ctx context.Context, address string) (c Conn, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = errors.Errorf("dial panicked: %v", r)
		}
	}()
	return m.dialer.Dial(ctx, address)
}

func (m *Manager) readLoop(gen uint64, c Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			m.readFailed(gen, c, err)
			return
		}
		if !m.current(gen, c) {
			return
		}
		m.deliver(data)
	}
}

func (m *Manager) deliver(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("frame sink panicked")
		}
	}()
	m.sink(data)
}

func (m *Manager) current(gen uint64, c Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.conn == c
}

func (m *Manager) readFailed(gen uint64, c Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != c {
		m.mu.Unlock()
		return
	}
	reason := err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason = fmt.Sprintf("closed by server (%d %s)", ce.Code, ce.Text)
	}
	m.logger.Warn().Str("reason", reason).Msg("event feed disconnected")
	m.connectionLostLocked(reason)
	m.mu.Unlock()
	_ = c.Close()
	m.flush()
}

// connectionLostLocked moves to Disconnected and schedules the next attempt.
func (m *Manager) connectionLostLocked(reason string) {
	m.stopHeartbeatLocked()
	m.conn = nil
	m.attempt++
	m.setStateLocked(Disconnected)
	m.notifyCloseLocked(reason)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed {
		return
	}
	delay, ok := m.policy.NextDelay(m.attempt)
	if !ok {
		m.exhausted = true
		metrics.ObserveReconnect("exhausted")
		m.logger.Error().Int("attempts", m.attempt).Msg("reconnect attempts exhausted, waiting for manual open")
		return
	}
	metrics.ObserveReconnect("scheduled")
	m.logger.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("scheduling reconnect")
	gen := m.gen
	m.stopReconnectLocked()
	m.reconnect = time.AfterFunc(delay, func() { m.fireReconnect(gen) })
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	address := m.address
	m.setStateLocked(Connecting)
	m.mu.Unlock()
	m.flush()
	m.connect(gen, address)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) startHeartbeatLocked(c Conn) {
	m.stopHeartbeatLocked()
	if m.heartbeat <= 0 {
		return
	}
	stop := make(chan struct{})
	m.hbStop = stop
	interval := m.heartbeat
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := m.write(c, m.pingFrame()); err != nil {
					m.logger.Debug().Err(err).Msg("heartbeat write failed")
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	metrics.SetConnState(s.String())
	if cb := m.onStateChange; cb != nil {
		m.enqueueLocked(func() { cb(s) })
	}
}

func (m *Manager) notifyCloseLocked(reason string) {
	if cb := m.onClose; cb != nil {
		m.enqueueLocked(func() { cb(reason) })
	}
}

// enqueueLocked queues a callback; callers must hold mu so that queue order
// matches transition order, and call flush after unlocking.
func (m *Manager) enqueueLocked(f func()) {
	m.qmu.Lock()
	m.queue = append(m.queue, f)
	m.qmu.Unlock()
}

// flush runs queued callbacks in order. A callback that re-enters the manager
// leaves its own notifications to the goroutine already flushing.
func (m *Manager) flush() {
	for {
		if !m.flushMu.TryLock() {
			return
		}
		for {
			m.qmu.Lock()
			if len(m.queue) == 0 {
				m.qmu.Unlock()
				break
			}
			f := m.queue[0]
			m.queue = m.queue[1:]
			m.qmu.Unlock()
			m.runCallback(f)
		}
		m.flushMu.Unlock()

		m.qmu.Lock()
		empty := len(m.queue) == 0
		m.qmu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Manager) runCallback(f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("connection callback panicked")
		}
	}()
	f()
}
