package relay

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
	readLimit    = 1 << 20
	maxIDLen     = 64
	sendQueueLen = 256
)

// client is one websocket connection. room and name are guarded by
// Server.mu. Only writeLoop writes to conn; frames reach it through queue in
// the order they were enqueued.
type client struct {
	conn  *websocket.Conn
	queue chan protocol.Envelope
	done  chan struct{}

	// finished is closed once writeLoop has closed conn.
	finished chan struct{}
	once     sync.Once

	closeCode   int
	closeReason string

	room string
	name string
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:     conn,
		queue:    make(chan protocol.Envelope, sendQueueLen),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// writeJSON writes v as one text frame. Unlike gorilla's WriteJSON it does
// not escape <, > and & in message text.
func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}

// enqueue hands env to the write loop without blocking. A client whose
// queue is full is disconnected.
func (c *client) enqueue(env protocol.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.queue <- env:
	default:
		log.Warn().Str("user", c.name).Str("event", env.Event).Msg("[relay] client too slow, disconnecting")
		c.close(websocket.ClosePolicyViolation, "too slow")
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
		_ = c.conn.Close()
		close(c.finished)
	}()
	for {
		select {
		case env := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeJSON(c.conn, env); err != nil {
				log.Debug().Err(err).Str("event", env.Event).Msg("[relay] write failed")
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close asks the write loop to send a close frame and drop the connection.
// Only the first call counts.
func (c *client) close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.done)
	})
}

type roomState struct {
	clients map[*client]struct{}
	typing  map[string]*typingMark
}

type typingMark struct {
	gen   uint64
	timer *clock.Timer
}

// frame is one envelope bound for a set of clients.
type frame struct {
	to  []*client
	env protocol.Envelope
}

// deliverLocked queues frames in order. Callers hold Server.mu, so every
// client sees room events in the order they were built.
func deliverLocked(frames ...frame) {
	for _, f := range frames {
		for _, c := range f.to {
			c.enqueue(f.env)
		}
	}
}

func envelope(event string, data any) protocol.Envelope {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("[relay] encode event")
	}
	return env
}

func (s *Server) roomLocked(name string) *roomState {
	rs, ok := s.rooms[name]
	if !ok {
		rs = &roomState{clients: map[*client]struct{}{}, typing: map[string]*typingMark{}}
		s.rooms[name] = rs
	}
	return rs
}

func membersLocked(rs *roomState) []*client {
	out := make([]*client, 0, len(rs.clients))
	for c := range rs.clients {
		out = append(out, c)
	}
	return out
}

func typingLocked(rs *roomState) []string {
	names := make([]string, 0, len(rs.typing))
	for name := range rs.typing {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func presenceLocked(rs *roomState) []protocol.Presence {
	seen := map[string]bool{}
	out := make([]protocol.Presence, 0, len(rs.clients))
	for c := range rs.clients {
		if seen[c.name] {
			continue
		}
		seen[c.name] = true
		status := protocol.StatusOnline
		if _, ok := rs.typing[c.name]; ok {
			status = protocol.StatusTyping
		}
		out = append(out, protocol.Presence{UserName: c.name, Status: status})
	}
	slices.SortFunc(out, func(a, b protocol.Presence) int {
		switch {
		case a.UserName < b.UserName:
			return -1
		case a.UserName > b.UserName:
			return 1
		}
		return 0
	})
	return out
}

// rosterFramesLocked returns the typing and user-list frames for rs.
func rosterFramesLocked(rs *roomState, withTyping bool) []frame {
	to := membersLocked(rs)
	frames := make([]frame, 0, 2)
	if withTyping {
		frames = append(frames, frame{to: to, env: envelope(protocol.EventTyping, typingLocked(rs))})
	}
	return append(frames, frame{to: to, env: envelope(protocol.EventUserList, presenceLocked(rs))})
}

func (s *Server) dispatch(c *client, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinRoom:
		var req protocol.JoinRoom
		if err := env.Decode(&req); err != nil {
			log.Debug().Err(err).Msg("[relay] bad join-room")
			return
		}
		s.join(c, req)
	case protocol.EventSendMessage:
		var req protocol.SendMessage
		if err := env.Decode(&req); err != nil {
			log.Debug().Err(err).Msg("[relay] bad send-message")
			return
		}
		s.post(c, req)
	case protocol.EventReactMessage:
		var req protocol.ReactMessage
		if err := env.Decode(&req); err != nil {
			log.Debug().Err(err).Msg("[relay] bad react-message")
			return
		}
		s.react(c, req)
	case protocol.EventTyping:
		s.markTyping(c)
	default:
		log.Debug().Str("event", env.Event).Msg("[relay] unknown event")
	}
}

func (s *Server) join(c *client, req protocol.JoinRoom) {
	room, name := sanitizeRoom(req.Room), sanitizeName(req.UserName)
	if room == "" || name == "" {
		log.Debug().Msg("[relay] join without room or name")
		return
	}
	s.leave(c)

	s.mu.Lock()
	recent, err := s.history.Recent(room, s.cfg.Backlog)
	if err != nil {
		log.Warn().Err(err).Str("room", room).Msg("[relay] load history")
	}
	if recent == nil {
		recent = []protocol.Message{}
	}
	rs := s.roomLocked(room)
	rs.clients[c] = struct{}{}
	c.room, c.name = room, name
	c.enqueue(envelope(protocol.EventRecentMessages, recent))
	deliverLocked(rosterFramesLocked(rs, false)...)
	s.mu.Unlock()

	log.Info().Str("room", room).Str("user", name).Msg("[relay] joined")
}

func (s *Server) leave(c *client) {
	s.mu.Lock()
	room, name := c.room, c.name
	rs, ok := s.rooms[room]
	if room == "" || !ok {
		s.mu.Unlock()
		return
	}
	delete(rs.clients, c)
	c.room = ""

	stillHere := false
	for other := range rs.clients {
		if other.name == name {
			stillHere = true
			break
		}
	}
	typingChanged := false
	if !stillHere {
		typingChanged = s.clearTypingLocked(rs, name)
	}
	if len(rs.clients) == 0 {
		for _, mark := range rs.typing {
			mark.timer.Stop()
		}
		delete(s.rooms, room)
	} else {
		deliverLocked(rosterFramesLocked(rs, typingChanged)...)
	}
	s.mu.Unlock()

	log.Info().Str("room", room).Str("user", name).Msg("[relay] left")
}

func (s *Server) post(c *client, req protocol.SendMessage) {
	text := sanitize(req.Message.Text, maxTextLen)
	image := sanitizeURL(req.Message.ImageURL)
	video := sanitizeURL(req.Message.VideoURL)
	if text == "" && image == "" && video == "" {
		return
	}
	var replyTo *string
	if req.Message.ReplyTo != nil {
		if id := sanitize(*req.Message.ReplyTo, maxIDLen); id != "" {
			replyTo = &id
		}
	}

	s.mu.Lock()
	rs, ok := s.rooms[c.room]
	if c.room == "" || !ok {
		s.mu.Unlock()
		log.Debug().Msg("[relay] send-message before join")
		return
	}
	now := s.cfg.Clock.Now()
	m := protocol.Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		Sender:    c.name,
		Text:      text,
		Timestamp: now.UTC().Format(time.RFC3339),
		ReplyTo:   replyTo,
		ImageURL:  image,
		VideoURL:  video,
	}
	if err := s.history.Append(c.room, m); err != nil {
		log.Error().Err(err).Str("room", c.room).Msg("[relay] persist message")
	}
	deliverLocked(frame{to: membersLocked(rs), env: envelope(protocol.EventReceiveMessage, m)})
	if s.clearTypingLocked(rs, c.name) {
		deliverLocked(rosterFramesLocked(rs, true)...)
	}
	s.mu.Unlock()
}

func (s *Server) react(c *client, req protocol.ReactMessage) {
	id := sanitize(req.MessageID, maxIDLen)
	reaction := sanitize(req.Reaction, maxReactionLen)
	if id == "" || reaction == "" {
		return
	}

	s.mu.Lock()
	rs, ok := s.rooms[c.room]
	if c.room == "" || !ok {
		s.mu.Unlock()
		return
	}
	found, err := s.history.React(c.room, id, reaction)
	if err != nil {
		log.Error().Err(err).Str("room", c.room).Msg("[relay] persist reaction")
	}
	if found {
		deliverLocked(frame{to: membersLocked(rs), env: envelope(protocol.EventMessageReaction, protocol.Reaction{MessageID: id, Reaction: reaction})})
	}
	s.mu.Unlock()

	if !found {
		log.Debug().Str("message", id).Msg("[relay] reaction for unknown message")
	}
}

func (s *Server) markTyping(c *client) {
	s.mu.Lock()
	room, name := c.room, c.name
	rs, ok := s.rooms[room]
	if room == "" || !ok {
		s.mu.Unlock()
		return
	}
	mark, ok := rs.typing[name]
	if ok {
		mark.timer.Stop()
	} else {
		mark = &typingMark{}
		rs.typing[name] = mark
	}
	mark.gen++
	gen := mark.gen
	mark.timer = s.cfg.Clock.AfterFunc(s.cfg.TypingTimeout, func() {
		s.expireTyping(room, name, gen)
	})
	deliverLocked(rosterFramesLocked(rs, true)...)
	s.mu.Unlock()
}

func (s *Server) expireTyping(room, name string, gen uint64) {
	s.mu.Lock()
	rs, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return
	}
	mark, ok := rs.typing[name]
	if !ok || mark.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(rs.typing, name)
	deliverLocked(rosterFramesLocked(rs, true)...)
	s.mu.Unlock()
}

func (s *Server) clearTypingLocked(rs *roomState, name string) bool {
	mark, ok := rs.typing[name]
	if !ok {
		return false
	}
	mark.timer.Stop()
	delete(rs.typing, name)
	return true
}
