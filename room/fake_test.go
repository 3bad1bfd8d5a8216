package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/roomchat/protocol"
)

const waitFor = 2 * time.Second

// fakeConn is a scripted room channel. Tests push server frames with push
// and read client frames from out.
type fakeConn struct {
	in     chan []byte
	out    chan protocol.Envelope
	closed chan struct{}
	once   sync.Once

	// readErr, when set, fails every read at once.
	readErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan protocol.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	if c.readErr != nil {
		return c.readErr
	}
	select {
	case raw := <-c.in:
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	c.out <- env
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event string, data any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, data)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	c.in <- raw
}

func (c *fakeConn) pushRaw(raw string) {
	c.in <- []byte(raw)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// next returns the next frame the client wrote.
func (c *fakeConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		return env
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a client frame")
		return protocol.Envelope{}
	}
}

func (c *fakeConn) expectJoin(t *testing.T, room, user string) {
	t.Helper()
	env := c.next(t)
	require.Equal(t, protocol.EventJoinRoom, env.Event)
	var join protocol.JoinRoom
	require.NoError(t, env.Decode(&join))
	require.Equal(t, protocol.JoinRoom{Room: room, UserName: user}, join)
}

// fakeDialer fails the first failures dials (or all of them with failAll)
// and hands every successful dial's conn to dialed. With drop set, dials
// succeed but the channel dies on its first read and is not handed out.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failures int
	failAll  bool
	drop     bool
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	fail := d.failAll || d.dials <= d.failures
	drop := d.drop
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if drop {
		c.readErr = io.ErrUnexpectedEOF
		return c, nil
	}
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func testConfig(d Dialer) Config {
	return Config{
		ServerURL:            "ws://relay.test/ws",
		Dialer:               d,
		MaxReconnectAttempts: 3,
		BackoffBase:          time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
	}
}

func msg(id, sender, text string) Message {
	return Message{ID: id, Sender: sender, Text: text, Timestamp: "2026-01-02T03:04:05Z"}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
