package relay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/roomchat/protocol"
)

// History is the replay log the relay serves to joining clients.
type History interface {
	Append(room string, m protocol.Message) error
	// React increments a reaction counter. It reports false when the
	// message is unknown.
	React(room, messageID, reaction string) (bool, error)
	// Recent returns up to n of the newest messages, oldest first.
	Recent(room string, n int) ([]protocol.Message, error)
	Close() error
}

func addReaction(m *protocol.Message, reaction string) {
	counts := make(map[string]int, len(m.Reactions)+1)
	for k, v := range m.Reactions {
		counts[k] = v
	}
	counts[reaction]++
	m.Reactions = counts
}

// memHistory keeps the last limit messages of each room in memory.
type memHistory struct {
	limit int

	mu    sync.Mutex
	rooms map[string][]protocol.Message
}

func newMemHistory(limit int) *memHistory {
	return &memHistory{limit: limit, rooms: map[string][]protocol.Message{}}
}

func (h *memHistory) Append(room string, m protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.rooms[room], m)
	if h.limit > 0 && len(msgs) > h.limit {
		msgs = slices.Clone(msgs[len(msgs)-h.limit:])
	}
	h.rooms[room] = msgs
	return nil
}

func (h *memHistory) React(room, messageID, reaction string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.rooms[room]
	for i := range msgs {
		if msgs[i].ID == messageID {
			addReaction(&msgs[i], reaction)
			return true, nil
		}
	}
	return false, nil
}

func (h *memHistory) Recent(room string, n int) ([]protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.rooms[room]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return slices.Clone(msgs), nil
}

func (h *memHistory) Close() error { return nil }

// pebbleHistory persists every room in one pebble database. Keys are the
// room name, a zero byte and an 8-byte big-endian sequence number, so a
// room's messages sort in arrival order.
type pebbleHistory struct {
	db *pebble.DB

	mu    sync.Mutex
	rooms map[string]*roomLog
}

type roomLog struct {
	next uint64
	keys map[string][]byte // message id -> key
}

func openPebbleHistory(dir string) (*pebbleHistory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &pebbleHistory{db: db, rooms: map[string]*roomLog{}}, nil
}

func roomBounds(room string) (lower, upper []byte) {
	lower = append([]byte(room), 0x00)
	upper = append([]byte(room), 0x01)
	return lower, upper
}

func messageKey(room string, seq uint64) []byte {
	key := append([]byte(room), 0x00)
	return binary.BigEndian.AppendUint64(key, seq)
}

// roomLocked loads the id index and next sequence of room on first use.
func (h *pebbleHistory) roomLocked(room string) (*roomLog, error) {
	if rl, ok := h.rooms[room]; ok {
		return rl, nil
	}
	lower, upper := roomBounds(room)
	it, err := h.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	rl := &roomLog{keys: map[string][]byte{}}
	for ok := it.First(); ok; ok = it.Next() {
		key := it.Key()
		if len(key) != len(lower)+8 {
			continue
		}
		rl.next = binary.BigEndian.Uint64(key[len(lower):]) + 1
		var m protocol.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil || m.ID == "" {
			continue
		}
		rl.keys[m.ID] = slices.Clone(key)
	}
	h.rooms[room] = rl
	return rl, nil
}

func (h *pebbleHistory) Append(room string, m protocol.Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rl, err := h.roomLocked(room)
	if err != nil {
		return err
	}
	key := messageKey(room, rl.next)
	if err := h.db.Set(key, val, pebble.Sync); err != nil {
		return err
	}
	rl.next++
	rl.keys[m.ID] = key
	return nil
}

func (h *pebbleHistory) React(room, messageID, reaction string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rl, err := h.roomLocked(room)
	if err != nil {
		return false, err
	}
	key, ok := rl.keys[messageID]
	if !ok {
		return false, nil
	}
	raw, closer, err := h.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			delete(rl.keys, messageID)
			return false, nil
		}
		return false, err
	}
	var m protocol.Message
	err = json.Unmarshal(raw, &m)
	_ = closer.Close()
	if err != nil {
		return false, err
	}
	addReaction(&m, reaction)
	val, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	return true, h.db.Set(key, val, pebble.Sync)
}

func (h *pebbleHistory) Recent(room string, n int) ([]protocol.Message, error) {
	lower, upper := roomBounds(room)
	it, err := h.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]protocol.Message, 0, max(n, 0))
	for ok := it.Last(); ok && (n <= 0 || len(out) < n); ok = it.Prev() {
		var m protocol.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	slices.Reverse(out)
	return out, nil
}

func (h *pebbleHistory) Close() error {
	return h.db.Close()
}
