package room

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/protocol"
)

var ErrInvalidReaction = errors.New("room: message id and reaction are required")

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// State is a read-only snapshot of a Session. Messages are in arrival order.
type State struct {
	RoomID      string
	UserName    string
	Status      ConnectionStatus
	Messages    []Message
	TypingUsers []string
	ActiveUsers map[string]protocol.PresenceStatus
	ReplyTarget string
	// Unseen is set when a message arrives while the reader is not following
	// the end of the log.
	Unseen bool
	// Err is the cause of the last disconnect, if any.
	Err error
}

// Draft is an outgoing message. An empty ReplyTo falls back to the
// session's reply target.
type Draft struct {
	Text       string
	Attachment *protocol.Attachment
	ReplyTo    string
}

// Session is the room-session engine. It owns the ConnectionManager of the
// joined room and applies every inbound event to the message log, presence
// and typing state from a single dispatch goroutine. Callers issue intents
// (Send, React, NotifyTyping ...) and read state through Snapshot; nothing
// outside the dispatch goroutine mutates the log or reaction counts.
//
// Sends are not applied locally: a message appears in the log only once the
// relay echoes it back.
type Session struct {
	cfg Config

	joinMu sync.Mutex // serialises Join and Leave

	mu        sync.RWMutex
	roomID    string
	userName  string
	status    ConnectionStatus
	err       error
	store     *MessageStore
	presence  *PresenceTracker
	typing    *TypingCoordinator
	replyTo   string
	following bool
	unseen    bool
	conn      *ConnectionManager
	cancel    context.CancelFunc
	loopDone  chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

func NewSession(cfg Config) *Session {
	return &Session{
		cfg:       cfg.withDefaults(),
		status:    StatusDisconnected,
		store:     NewMessageStore(),
		presence:  NewPresenceTracker(),
		following: true,
		subs:      map[int]chan struct{}{},
	}
}

// Join leaves the current room, if any, and connects to roomID as userName.
// It returns once the connection attempt has started; the session stays
// joined until Leave is called, ctx ends or reconnects are exhausted.
func (s *Session) Join(ctx context.Context, roomID, userName string) error {
	roomID, userName = strings.TrimSpace(roomID), strings.TrimSpace(userName)
	if roomID == "" || userName == "" {
		return ErrInvalidJoin
	}

	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	s.leaveLocked()

	conn := NewConnectionManager(s.cfg)
	ctx, cancel := context.WithCancel(ctx)
	commands := make(chan func(), s.cfg.EventBuffer)
	done := make(chan struct{})
	dispatch := func(f func()) {
		select {
		case commands <- f:
		case <-done:
		}
	}
	signal := func() error {
		return conn.Emit(protocol.EventTyping, protocol.Typing{Room: roomID})
	}

	s.mu.Lock()
	s.roomID, s.userName = roomID, userName
	s.status = StatusConnecting
	s.err = nil
	s.store = NewMessageStore()
	s.presence = NewPresenceTracker()
	s.typing = NewTypingCoordinator(s.cfg.Clock, s.cfg.TypingInterval, s.cfg.TypingTimeout, userName, signal, dispatch)
	s.replyTo = ""
	s.unseen = false
	s.conn, s.cancel, s.loopDone = conn, cancel, done
	s.mu.Unlock()
	s.notify()

	if err := conn.Connect(ctx, roomID, userName); err != nil {
		cancel()
		return err
	}
	log.Info().Str("room", roomID).Str("user", userName).Msg("[room] joining")
	go s.loop(ctx, conn, commands, done)
	return nil
}

// Leave disconnects from the current room. It is safe to call at any time
// and more than once.
func (s *Session) Leave() {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	s.leaveLocked()
}

func (s *Session) leaveLocked() {
	s.mu.Lock()
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// loop is the single dispatch path for one joined room.
func (s *Session) loop(ctx context.Context, conn *ConnectionManager, commands <-chan func(), done chan struct{}) {
	defer close(done)
	defer s.teardown(conn)

	events := conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.mu.Lock()
			s.apply(ev)
			s.mu.Unlock()
		case f := <-commands:
			s.mu.Lock()
			f()
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
		s.notify()
	}
}

// teardown runs on every exit path of loop.
func (s *Session) teardown(conn *ConnectionManager) {
	conn.Disconnect()
	s.mu.Lock()
	if s.conn == conn {
		s.status = StatusDisconnected
		s.typing.Reset()
		s.conn = nil
	}
	s.mu.Unlock()
	s.notify()
	log.Debug().Msg("[room] session closed")
}

// apply folds one event into the state. Callers hold s.mu.
func (s *Session) apply(ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.status = StatusConnected
		s.err = nil
	case EventDisconnected:
		s.typing.Reset()
		s.err = ev.Err
		if ev.Retrying {
			s.status = StatusConnecting
		} else {
			s.status = StatusDisconnected
		}
	case EventRoomSnapshot:
		s.store.ReplaceAll(ev.Messages)
		s.unseen = false
	case EventMessageReceived:
		if s.store.Append(ev.Message) && !s.following {
			s.unseen = true
		}
	case EventReactionUpdated:
		// Unknown ids are expected around reconnects and are dropped.
		s.store.IncrementReaction(ev.Reaction.MessageID, ev.Reaction.Reaction)
	case EventTypingChanged:
		s.typing.Announce(ev.Typing...)
	case EventPresenceChanged:
		s.presence.Replace(ev.Users)
	}
}

// Send asks the relay to post a message. The reply target is consumed by a
// successful send.
func (s *Session) Send(d Draft) error {
	text := strings.TrimSpace(d.Text)
	att := d.Attachment
	if att != nil && att.URL == "" {
		att = nil
	}
	if text == "" && att == nil {
		return ErrEmptyMessage
	}

	s.mu.RLock()
	conn, roomID, target := s.conn, s.roomID, s.replyTo
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotJoined
	}
	replyTo := d.ReplyTo
	if replyTo == "" {
		replyTo = target
	}
	req := protocol.SendMessage{Room: roomID, Message: protocol.Outgoing(text, att, replyTo)}
	if err := conn.Emit(protocol.EventSendMessage, req); err != nil {
		return err
	}

	// The stored target is consumed only by the send that carried it.
	if target == "" || replyTo != target {
		return nil
	}
	s.mu.Lock()
	cleared := s.conn == conn && s.replyTo == target
	if cleared {
		s.replyTo = ""
	}
	s.mu.Unlock()
	if cleared {
		s.notify()
	}
	return nil
}

// React asks the relay to add reaction to a message. The counter changes
// when the relay broadcasts the update, for the sender too.
func (s *Session) React(messageID, reaction string) error {
	if messageID == "" || reaction == "" {
		return ErrInvalidReaction
	}
	s.mu.RLock()
	conn, roomID := s.conn, s.roomID
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotJoined
	}
	return conn.Emit(protocol.EventReactMessage, protocol.ReactMessage{
		Room:      roomID,
		MessageID: messageID,
		Reaction:  reaction,
	})
}

// NotifyTyping records a keystroke. Signals are rate limited, so most calls
// send nothing.
func (s *Session) NotifyTyping() error {
	s.mu.RLock()
	typing, conn := s.typing, s.conn
	s.mu.RUnlock()
	if typing == nil || conn == nil {
		return ErrNotJoined
	}
	_, err := typing.Notify()
	return err
}

// SetReplyTarget selects the message the next Send replies to. An empty id
// clears the selection.
func (s *Session) SetReplyTarget(messageID string) {
	s.mu.Lock()
	s.replyTo = messageID
	s.mu.Unlock()
	s.notify()
}

func (s *Session) ClearReplyTarget() {
	s.SetReplyTarget("")
}

// SetFollowing tells the session whether the newest message is visible.
// Following again marks everything seen.
func (s *Session) SetFollowing(following bool) {
	s.mu.Lock()
	s.following = following
	if following {
		s.unseen = false
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) MarkSeen() {
	s.mu.Lock()
	s.unseen = false
	s.mu.Unlock()
	s.notify()
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		RoomID:      s.roomID,
		UserName:    s.userName,
		Status:      s.status,
		Messages:    s.store.Messages(),
		ActiveUsers: s.presence.Users(),
		ReplyTarget: s.replyTo,
		Unseen:      s.unseen,
		Err:         s.err,
	}
	if s.typing != nil {
		st.TypingUsers = s.typing.Users()
	}
	return st
}

// Find looks a loaded message up by id.
func (s *Session) Find(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Find(id)
}

// ResolveReply returns the loaded message m replies to.
func (s *Session) ResolveReply(m Message) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.ResolveReply(m)
}

// Subscribe returns a channel that receives a signal after state changes.
// Signals coalesce; read Snapshot after each one. The returned func
// unsubscribes.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Session) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
