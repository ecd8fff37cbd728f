package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/launchpad/launchpad/internal/metrics"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Lifecycle events published by the manager itself.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	// EventPresenceReset tells derived state to drop everything it learned
	// from the connection.
	EventPresenceReset = "presence:reset"
)

var (
	ErrNotConnected   = errors.New("realtime channel is not connected")
	ErrSendQueueFull  = errors.New("realtime send queue is full")
	errConnSuperseded = errors.New("connection superseded")
)

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

type Options struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	PingInterval      time.Duration
	SendQueueSize     int
}

type subscription struct {
	id int
	fn Handler
}

type stateListener struct {
	id int
	fn func(ConnectionState)
}

// Manager owns the single realtime connection of an authenticated session.
// It connects when the session becomes authenticated, reconnects with
// bounded capped backoff, and tears everything down on sign-out.
type Manager struct {
	opts        Options
	dialer      Dialer
	credentials func() http.Header
	logger      *logrus.Logger

	mu            sync.Mutex
	state         ConnectionState
	authenticated bool
	gen           uint64
	cancel        context.CancelFunc
	conn          Conn
	send          chan []byte

	// dispatchMu orders inbound frames against the sign-out reset
	dispatchMu sync.Mutex

	subsMu         sync.RWMutex
	subs           map[string][]subscription
	stateListeners []stateListener
	nextID         int
}

// NewManager builds a manager. credentials is called before every dial and
// returns the handshake headers for the current session; it may be nil.
func NewManager(opts Options, dialer Dialer, credentials func() http.Header, logger *logrus.Logger) *Manager {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 64
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectDelayMax < opts.ReconnectDelay {
		opts.ReconnectDelayMax = opts.ReconnectDelay
	}
	return &Manager{
		opts:        opts,
		dialer:      dialer,
		credentials: credentials,
		logger:      logger,
		subs:        make(map[string][]subscription),
	}
}

// AuthSource is anything that reports authentication changes.
type AuthSource interface {
	IsAuthenticated() bool
	OnAuthChange(fn func(bool)) func()
}

// Follow ties the connection lifecycle to src and applies its current value.
func (m *Manager) Follow(src AuthSource) func() {
	dispose := src.OnAuthChange(m.SetAuthenticated)
	m.SetAuthenticated(src.IsAuthenticated())
	return dispose
}

// SetAuthenticated opens the connection when v becomes true and tears it
// down, clearing derived state, when v becomes false. Repeating the current
// value is a no-op.
func (m *Manager) SetAuthenticated(v bool) {
	m.mu.Lock()
	if m.authenticated == v {
		m.mu.Unlock()
		return
	}
	m.authenticated = v

	if v {
		m.gen++
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		gen := m.gen
		m.mu.Unlock()

		m.logger.WithField("url", m.opts.URL).Info("Authenticated, opening realtime connection")
		go m.run(ctx, gen)
		return
	}

	m.gen++
	m.teardownLocked()
	m.mu.Unlock()

	m.logger.Info("Signed out, realtime connection closed")
	m.setState(Disconnected)

	m.dispatchMu.Lock()
	m.publish(EventPresenceReset, nil)
	m.dispatchMu.Unlock()
}

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears the connection down. Used on process shutdown.
func (m *Manager) Close() {
	m.SetAuthenticated(false)
}

// Subscribe registers fn for event. Handlers run on the connection's read
// goroutine in delivery order and must not block or sign out synchronously.
// The returned func removes the subscription.
func (m *Manager) Subscribe(event string, fn Handler) func() {
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[event] = append(m.subs[event], subscription{id: id, fn: fn})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			list := m.subs[event]
			for i, s := range list {
				if s.id == id {
					m.subs[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Manager) OnStateChange(fn func(ConnectionState)) func() {
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.stateListeners = append(m.stateListeners, stateListener{id: id, fn: fn})
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		for i, l := range m.stateListeners {
			if l.id == id {
				m.stateListeners = append(m.stateListeners[:i:i], m.stateListeners[i+1:]...)
				return
			}
		}
	}
}

// Emit queues one frame. Frames emitted while not connected are dropped.
func (m *Manager) Emit(event string, data interface{}) error {
	frame, err := encodeEnvelope(event, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.send == nil {
		metrics.DroppedEmits.Inc()
		m.logger.WithField("event", event).Debug("Emit dropped, not connected")
		return ErrNotConnected
	}
	select {
	case m.send <- frame:
		metrics.FramesOut.WithLabelValues(event).Inc()
		return nil
	default:
		metrics.DroppedEmits.Inc()
		m.logger.WithField("event", event).Warn("Emit dropped, send queue full")
		return ErrSendQueueFull
	}
}

func (m *Manager) JoinConversation(peerID string) error {
	return m.Emit(models.EventJoinConversation, peerID)
}

func (m *Manager) LeaveConversation(peerID string) error {
	return m.Emit(models.EventLeaveConversation, peerID)
}

func (m *Manager) SendMessage(payload models.SendMessagePayload) error {
	return m.Emit(models.EventSendMessage, payload)
}

func (m *Manager) StartTyping(recipientID string) error {
	return m.Emit(models.EventTypingStart, models.TypingPayload{RecipientID: recipientID})
}

func (m *Manager) StopTyping(recipientID string) error {
	return m.Emit(models.EventTypingStop, models.TypingPayload{RecipientID: recipientID})
}

// run owns the connection for one authenticated session: dial, serve,
// back off, redial, until ctx is cancelled or attempts run out.
func (m *Manager) run(ctx context.Context, gen uint64) {
	attempt := 0
	for {
		if !m.setStateFor(gen, Connecting) {
			return
		}

		var header http.Header
		if m.credentials != nil {
			header = m.credentials()
		}
		conn, err := m.dialer.Dial(ctx, m.opts.URL, header)
		if err == nil {
			err = m.attach(gen, conn)
		}

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errConnSuperseded) {
				return
			}
			m.logger.WithError(err).WithField("attempt", attempt).Warn("Realtime connection error")
			m.setStateFor(gen, Disconnected)
			m.publish(EventConnectError, errorPayload(err))
		} else {
			attempt = 0
			m.logger.Info("Realtime connected")
			m.setStateFor(gen, Connected)
			m.publish(EventConnect, nil)

			err = m.serve(gen, conn)

			m.detach(conn)
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).Warn("Realtime disconnected")
			m.setStateFor(gen, Disconnected)
			m.publish(EventDisconnect, errorPayload(err))
		}

		attempt++
		if attempt > m.opts.ReconnectAttempts {
			m.logger.WithField("attempts", m.opts.ReconnectAttempts).Error("Realtime reconnection attempts exhausted")
			if m.setStateFor(gen, Disconnected) {
				m.publish(EventPresenceReset, nil)
			}
			return
		}

		delay := m.backoff(attempt)
		metrics.ReconnectAttempts.Inc()
		m.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Info("Reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// backoff doubles the base delay per attempt, capped at the maximum.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.opts.ReconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.opts.ReconnectDelayMax {
			return m.opts.ReconnectDelayMax
		}
	}
	return delay
}

// attach installs conn as the live connection unless the session it was
// dialled for has ended in the meantime.
func (m *Manager) attach(gen uint64, conn Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		_ = conn.Close()
		return errConnSuperseded
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = conn
	m.send = make(chan []byte, m.opts.SendQueueSize)
	return nil
}

func (m *Manager) detach(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
		m.send = nil
	}
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.send = nil
}

// serve pumps frames until the connection fails. Reads happen here; a single
// writer goroutine drains the send queue and keeps the connection alive.
// Frames still buffered once gen has ended are dropped.
func (m *Manager) serve(gen uint64, conn Conn) error {
	m.mu.Lock()
	send := m.send
	m.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go m.writePump(conn, send, done)

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			_ = conn.Close()
			return err
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.WithError(err).Debug("Discarding malformed frame")
			continue
		}
		if !m.dispatchFor(gen, env) {
			m.logger.WithField("event", env.Event).Debug("Dropping frame from ended session")
			_ = conn.Close()
			return errConnSuperseded
		}
	}
}

// dispatchFor publishes env while gen is still the current session.
func (m *Manager) dispatchFor(gen uint64, env models.Envelope) bool {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current {
		return false
	}
	metrics.FramesIn.WithLabelValues(env.Event).Inc()
	m.publish(env.Event, env.Data)
	return true
}

func (m *Manager) writePump(conn Conn, send <-chan []byte, done <-chan struct{}) {
	var ping <-chan time.Time
	if m.opts.PingInterval > 0 {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case frame := <-send:
			if err := conn.WriteFrame(frame); err != nil {
				m.logger.WithError(err).Debug("Write failed")
				_ = conn.Close()
				return
			}
		case <-ping:
			if err := conn.Ping(); err != nil {
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.notifyState(s)
	}
}

// setStateFor applies s only while gen is still the current session.
func (m *Manager) setStateFor(gen uint64, s ConnectionState) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.notifyState(s)
	}
	return true
}

func (m *Manager) notifyState(s ConnectionState) {
	metrics.RealtimeState.Set(float64(s))
	m.subsMu.RLock()
	listeners := make([]stateListener, len(m.stateListeners))
	copy(listeners, m.stateListeners)
	m.subsMu.RUnlock()
	for _, l := range listeners {
		l.fn(s)
	}
}

func (m *Manager) publish(event string, data json.RawMessage) {
	m.subsMu.RLock()
	list := make([]subscription, len(m.subs[event]))
	copy(list, m.subs[event])
	m.subsMu.RUnlock()
	for _, s := range list {
		s.fn(data)
	}
}

func encodeEnvelope(event string, data interface{}) ([]byte, error) {
	env := models.Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func errorPayload(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	raw, _ := json.Marshal(map[string]string{"message": err.Error()})
	return raw
}
