package room

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrEmptyMessage     = errors.New("room: message needs text or an attachment")
	ErrInvalidJoin      = errors.New("room: room and user name are required")
	ErrNotJoined        = errors.New("room: not joined")
	ErrNotConnected     = errors.New("room: channel not connected")
	ErrAlreadyStarted   = errors.New("room: connection manager already started")
	ErrRetriesExhausted = errors.New("room: reconnect attempts exhausted")
	ErrMalformedFrame   = errors.New("room: malformed frame")
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultBackoffBase          = 500 * time.Millisecond
	DefaultBackoffMax           = 10 * time.Second
	DefaultTypingInterval       = time.Second
	DefaultTypingTimeout        = 3 * time.Second
	DefaultEventBuffer          = 64
)

// Config configures a Session and the ConnectionManager it builds per join.
// Zero fields take the package defaults.
type Config struct {
	// ServerURL is the websocket URL of the room relay.
	ServerURL string
	Dialer    Dialer
	Clock     clock.Clock

	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration

	// TypingInterval is the minimum gap between outgoing typing signals.
	TypingInterval time.Duration
	// TypingTimeout is how long a remote user stays typing without a fresh
	// announcement.
	TypingTimeout time.Duration

	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = DefaultTypingInterval
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// backoffDelay returns the wait before retry number retry (1-based):
// base, 2*base, 4*base ... capped at ceiling.
func backoffDelay(retry int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < retry && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}
