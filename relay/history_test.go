package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roomchat/protocol"
)

func testMessage(id string) protocol.Message {
	return protocol.Message{ID: id, Sender: "ann", Text: "text " + id, Timestamp: "2026-01-02T03:04:05Z"}
}

func messageIDs(msgs []protocol.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func exerciseHistory(t *testing.T, h History) {
	t.Helper()
	for i := range 5 {
		require.NoError(t, h.Append("alpha", testMessage(fmt.Sprintf("a%d", i))))
	}
	require.NoError(t, h.Append("alphabet", testMessage("b0")))

	recent, err := h.Recent("alpha", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a3", "a4"}, messageIDs(recent))

	recent, err = h.Recent("alphabet", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b0"}, messageIDs(recent))

	recent, err = h.Recent("empty", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	ok, err := h.React("alpha", "a3", "👍")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.React("alpha", "a3", "👍")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.React("alpha", "b0", "👍")
	require.NoError(t, err)
	assert.False(t, ok, "reactions are scoped to the room")
	ok, err = h.React("alpha", "nope", "👍")
	require.NoError(t, err)
	assert.False(t, ok)

	recent, err = h.Recent("alpha", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, recent[1].Reactions["👍"])
	assert.Empty(t, recent[0].Reactions)
}

func TestMemHistory(t *testing.T) {
	exerciseHistory(t, newMemHistory(100))
}

func TestMemHistoryTrimsToLimit(t *testing.T) {
	h := newMemHistory(2)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, h.Append("r", testMessage(id)))
	}
	recent, err := h.Recent("r", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, messageIDs(recent))
}

func TestPebbleHistory(t *testing.T) {
	h, err := openPebbleHistory(t.TempDir())
	require.NoError(t, err)
	defer h.Close()
	exerciseHistory(t, h)
}

func TestPebbleHistorySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	h, err := openPebbleHistory(dir)
	require.NoError(t, err)
	require.NoError(t, h.Append("alpha", testMessage("m1")))
	require.NoError(t, h.Append("alpha", testMessage("m2")))
	require.NoError(t, h.Close())

	h, err = openPebbleHistory(dir)
	require.NoError(t, err)
	defer h.Close()

	ok, err := h.React("alpha", "m1", "🔥")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, h.Append("alpha", testMessage("m3")))

	recent, err := h.Recent("alpha", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(recent))
	assert.Equal(t, 1, recent[0].Reactions["🔥"])
}
