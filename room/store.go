package room

import (
	"maps"

	"github.com/gosuda/roomchat/protocol"
)

type Message = protocol.Message

// MessageStore is the ordered message log of one room session plus an id
// index. Messages are kept in arrival order and never reordered or removed,
// except by ReplaceAll.
//
// Stored messages are treated as immutable: a reaction update swaps in a copy
// with a fresh Reactions map, so slices handed out by Messages stay valid.
// MessageStore is not safe for concurrent use.
type MessageStore struct {
	messages []Message
	index    map[string]int
}

func NewMessageStore() *MessageStore {
	return &MessageStore{index: map[string]int{}}
}

// Append adds m to the end of the log. A message without an id, or whose id
// is already present, is ignored and Append reports false.
func (s *MessageStore) Append(m Message) bool {
	if m.ID == "" {
		return false
	}
	if _, dup := s.index[m.ID]; dup {
		return false
	}
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, normalize(m))
	return true
}

// ReplaceAll discards the log and loads msgs in order. Messages without an id
// and later duplicates of an id are dropped.
func (s *MessageStore) ReplaceAll(msgs []Message) {
	s.messages = make([]Message, 0, len(msgs))
	s.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		s.Append(m)
	}
}

func (s *MessageStore) Find(id string) (Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// IncrementReaction bumps the reaction counter on message id by one. It
// reports false and leaves the store untouched when the message is not loaded.
func (s *MessageStore) IncrementReaction(id, reaction string) bool {
	i, ok := s.index[id]
	if !ok || reaction == "" {
		return false
	}
	m := s.messages[i]
	counts := make(map[string]int, len(m.Reactions)+1)
	maps.Copy(counts, m.Reactions)
	counts[reaction]++
	m.Reactions = counts
	s.messages[i] = m
	return true
}

// ResolveReply returns the message m replies to, if m is a reply and the
// target is still loaded.
func (s *MessageStore) ResolveReply(m Message) (Message, bool) {
	target := m.ReplyTarget()
	if target == "" {
		return Message{}, false
	}
	return s.Find(target)
}

func (s *MessageStore) Len() int {
	return len(s.messages)
}

// Messages returns a copy of the log in arrival order.
func (s *MessageStore) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// normalize detaches m from caller-owned pointers and clamps negative counts.
func normalize(m Message) Message {
	if m.ReplyTo != nil {
		id := *m.ReplyTo
		m.ReplyTo = &id
	}
	if len(m.Reactions) == 0 {
		m.Reactions = nil
		return m
	}
	counts := make(map[string]int, len(m.Reactions))
	for k, v := range m.Reactions {
		counts[k] = max(v, 0)
	}
	m.Reactions = counts
	return m
}
