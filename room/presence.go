package room

import (
	"maps"
	"slices"

	"github.com/gosuda/roomchat/protocol"
)

// PresenceTracker holds the last user-list snapshot. The server sends the
// full list every time, so Replace never merges.
type PresenceTracker struct {
	users map[string]protocol.PresenceStatus
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{users: map[string]protocol.PresenceStatus{}}
}

// Replace swaps the tracked users for list. Entries without a name are
// skipped and unknown statuses are read as online.
func (p *PresenceTracker) Replace(list []protocol.Presence) {
	users := make(map[string]protocol.PresenceStatus, len(list))
	for _, entry := range list {
		if entry.UserName == "" {
			continue
		}
		status := entry.Status
		if !status.Valid() {
			status = protocol.StatusOnline
		}
		users[entry.UserName] = status
	}
	p.users = users
}

func (p *PresenceTracker) Status(name string) (protocol.PresenceStatus, bool) {
	s, ok := p.users[name]
	return s, ok
}

// Users returns a copy of the username -> status mapping.
func (p *PresenceTracker) Users() map[string]protocol.PresenceStatus {
	return maps.Clone(p.users)
}

// Names returns the tracked usernames sorted.
func (p *PresenceTracker) Names() []string {
	return slices.Sorted(maps.Keys(p.users))
}

func (p *PresenceTracker) Len() int {
	return len(p.users)
}
