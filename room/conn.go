package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/protocol"
)

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventRoomSnapshot
	EventMessageReceived
	EventReactionUpdated
	EventTypingChanged
	EventPresenceChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRoomSnapshot:
		return "room-snapshot"
	case EventMessageReceived:
		return "message-received"
	case EventReactionUpdated:
		return "reaction-updated"
	case EventTypingChanged:
		return "typing-changed"
	case EventPresenceChanged:
		return "presence-changed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one item of the ConnectionManager stream. Only the fields of its
// Kind are set.
type Event struct {
	Kind EventKind

	Messages []Message           // room-snapshot
	Message  Message             // message-received
	Reaction protocol.Reaction   // reaction-updated
	Typing   []string            // typing-changed
	Users    []protocol.Presence // presence-changed

	// Disconnected: Err is the cause, Retrying reports whether a reconnect
	// follows.
	Err      error
	Retrying bool
}

// ConnectionManager keeps one logical channel to the relay for a single
// room session. It dials with bounded exponential backoff, re-issues the
// join request on every (re)connect and turns inbound frames into Events.
//
// The Events channel is closed once the manager has stopped, either after
// Disconnect or after reconnect attempts are exhausted.
type ConnectionManager struct {
	cfg    Config
	events chan Event

	mu      sync.Mutex
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

func NewConnectionManager(cfg Config) *ConnectionManager {
	cfg = cfg.withDefaults()
	return &ConnectionManager{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

func (m *ConnectionManager) Events() <-chan Event {
	return m.events
}

// Connect starts the channel for roomID as userName and returns at once;
// progress is reported on Events. A manager connects only once.
func (m *ConnectionManager) Connect(ctx context.Context, roomID, userName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return ErrAlreadyStarted
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	join := protocol.JoinRoom{Room: roomID, UserName: userName}
	go m.run(ctx, join)
	return nil
}

// Connected reports whether a channel is currently open.
func (m *ConnectionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Emit sends one event over the open channel. A failed write closes the
// channel so the read side reconnects.
func (m *ConnectionManager) Emit(event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteJSON(env); err != nil {
		_ = conn.Close()
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Disconnect tears the channel down and waits for the manager to stop.
// Repeated calls are no-ops.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started, cancel, conn := m.started, m.cancel, m.conn
	m.mu.Unlock()

	if !started {
		close(m.events)
		close(m.done)
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-m.done
}

func (m *ConnectionManager) run(ctx context.Context, join protocol.JoinRoom) {
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		close(m.events)
		close(m.done)
	}()

	env, err := protocol.NewEnvelope(protocol.EventJoinRoom, join)
	if err != nil {
		m.emit(ctx, Event{Kind: EventDisconnected, Err: err})
		return
	}

	// failures counts consecutive attempts that never produced a healthy
	// channel: failed dials and channels dropped before their first frame.
	var (
		failures int
		lastErr  error
	)
	for attempt := 0; ; attempt++ {
		if failures >= m.cfg.MaxReconnectAttempts {
			err := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, lastErr)
			log.Warn().Err(err).Str("room", join.Room).Msg("[room] giving up on relay")
			m.emit(ctx, Event{Kind: EventDisconnected, Err: err})
			return
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				m.tryEmit(Event{Kind: EventDisconnected})
				return
			case <-m.cfg.Clock.After(backoffDelay(max(failures, 1), m.cfg.BackoffBase, m.cfg.BackoffMax)):
			}
		}

		conn, err := m.open(ctx, env)
		if err != nil {
			if ctx.Err() != nil {
				m.tryEmit(Event{Kind: EventDisconnected})
				return
			}
			failures++
			lastErr = err
			log.Debug().Err(err).Int("failures", failures).Msg("[room] dial failed")
			continue
		}
		if !m.attach(conn) {
			_ = conn.Close()
			return
		}
		log.Debug().Str("room", join.Room).Str("user", join.UserName).Msg("[room] connected")
		healthy := false
		if m.emit(ctx, Event{Kind: EventConnected}) {
			healthy, err = m.readLoop(ctx, conn)
		}
		m.detach()
		_ = conn.Close()
		if ctx.Err() != nil {
			m.tryEmit(Event{Kind: EventDisconnected})
			return
		}

		lastErr = err
		if healthy {
			failures = 0
		} else {
			failures++
		}
		if failures >= m.cfg.MaxReconnectAttempts {
			continue
		}
		log.Debug().Err(err).Str("room", join.Room).Bool("healthy", healthy).Msg("[room] channel lost, reconnecting")
		if !m.emit(ctx, Event{Kind: EventDisconnected, Err: err, Retrying: true}) {
			return
		}
	}
}

// open dials once and sends the join request on the new channel.
func (m *ConnectionManager) open(ctx context.Context, join protocol.Envelope) (Conn, error) {
	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}
	return conn, nil
}

func (m *ConnectionManager) attach(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.conn = conn
	return true
}

func (m *ConnectionManager) detach() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

// readLoop forwards inbound events until the channel fails. healthy reports
// whether at least one frame arrived.
func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn) (healthy bool, err error) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				log.Debug().Err(err).Msg("[room] skipping frame")
				continue
			}
			return healthy, err
		}
		healthy = true
		ev, ok := decodeEvent(env)
		if !ok {
			continue
		}
		if !m.emit(ctx, ev) {
			return healthy, ctx.Err()
		}
	}
}

// emit delivers ev unless ctx ends first. The stream never drops events
// while the manager is running.
func (m *ConnectionManager) emit(ctx context.Context, ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *ConnectionManager) tryEmit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func decodeEvent(env protocol.Envelope) (Event, bool) {
	var (
		ev  Event
		err error
	)
	switch env.Event {
	case protocol.EventRecentMessages:
		ev.Kind = EventRoomSnapshot
		if len(env.Data) > 0 {
			err = env.Decode(&ev.Messages)
		}
		if ev.Messages == nil {
			ev.Messages = []Message{}
		}
	case protocol.EventReceiveMessage:
		ev.Kind = EventMessageReceived
		err = env.Decode(&ev.Message)
		if err == nil && ev.Message.ID == "" {
			err = errors.New("message without id")
		}
	case protocol.EventMessageReaction:
		ev.Kind = EventReactionUpdated
		err = env.Decode(&ev.Reaction)
	case protocol.EventTyping:
		ev.Kind = EventTypingChanged
		if len(env.Data) > 0 {
			err = env.Decode(&ev.Typing)
		}
	case protocol.EventUserList:
		ev.Kind = EventPresenceChanged
		if len(env.Data) > 0 {
			err = env.Decode(&ev.Users)
		}
	default:
		log.Debug().Str("event", env.Event).Msg("[room] unknown event")
		return Event{}, false
	}
	if err != nil {
		log.Debug().Err(err).Msg("[room] dropping event")
		return Event{}, false
	}
	return ev, true
}
