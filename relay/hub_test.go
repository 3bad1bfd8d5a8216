package relay

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roomchat/protocol"
)

func TestEnqueueNeverBlocksOnSlowClient(t *testing.T) {
	// No write loop runs, so nothing drains the queue.
	c := newClient(nil)
	env := envelope(protocol.EventTyping, []string{})

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < sendQueueLen+10; i++ {
			c.enqueue(env)
		}
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	select {
	case <-c.done:
	default:
		t.Fatal("a client with a full queue is not disconnected")
	}
	assert.Len(t, c.queue, sendQueueLen)

	// Closing again keeps the first reason.
	c.close(websocket.CloseNormalClosure, "")
	require.Equal(t, "too slow", c.closeReason)
}
