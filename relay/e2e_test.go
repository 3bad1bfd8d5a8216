package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roomchat/protocol"
	"github.com/gosuda/roomchat/relay"
	"github.com/gosuda/roomchat/room"
	"github.com/gosuda/roomchat/upload"
)

func TestSessionsChatThroughRelay(t *testing.T) {
	s, err := relay.New(relay.Config{MediaDir: t.TempDir(), UploadPreset: "chat"})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Close()
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := room.Config{ServerURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}

	ann := room.NewSession(cfg)
	bob := room.NewSession(cfg)
	defer ann.Leave()
	defer bob.Leave()
	require.NoError(t, ann.Join(ctx, "lobby", "ann"))
	require.NoError(t, bob.Join(ctx, "lobby", "bob"))

	require.Eventually(t, func() bool {
		return len(ann.Snapshot().ActiveUsers) == 2
	}, 3*time.Second, 10*time.Millisecond)

	uploads := upload.NewManager(upload.Config{Endpoint: srv.URL + "/upload", Preset: "chat"})
	_, err = uploads.Select(ctx, upload.NewFile("cat.png", "image/png", []byte("\x89PNG fake")))
	require.NoError(t, err)
	job, err := uploads.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, upload.StatusCompleted, job.Status, "upload error: %v", job.Err)
	att, err := uploads.Take()
	require.NoError(t, err)

	require.NoError(t, ann.Send(room.Draft{Text: "look", Attachment: &att}))
	var first room.Message
	require.Eventually(t, func() bool {
		msgs := bob.Snapshot().Messages
		if len(msgs) != 1 {
			return false
		}
		first = msgs[0]
		return true
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ann", first.Sender)
	assert.Equal(t, &att, first.Attachment())
	assert.Equal(t, protocol.KindImage, att.Kind)

	bob.SetReplyTarget(first.ID)
	require.NoError(t, bob.Send(room.Draft{Text: "cute"}))
	require.NoError(t, ann.React(first.ID, "❤️"))

	require.Eventually(t, func() bool {
		msgs := ann.Snapshot().Messages
		return len(msgs) == 2 && msgs[0].Reactions["❤️"] == 1
	}, 3*time.Second, 10*time.Millisecond)
	reply := ann.Snapshot().Messages[1]
	parent, ok := ann.ResolveReply(reply)
	require.True(t, ok)
	assert.Equal(t, first.ID, parent.ID)
	assert.Empty(t, bob.Snapshot().ReplyTarget)

	// a late joiner gets the backlog including reactions
	cy := room.NewSession(cfg)
	defer cy.Leave()
	require.NoError(t, cy.Join(ctx, "lobby", "cy"))
	require.Eventually(t, func() bool {
		msgs := cy.Snapshot().Messages
		return len(msgs) == 2 && msgs[0].Reactions["❤️"] == 1
	}, 3*time.Second, 10*time.Millisecond)
}
