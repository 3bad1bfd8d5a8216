package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/protocol"
	"github.com/gosuda/roomchat/room"
	"github.com/gosuda/roomchat/upload"
)

const helpText = `commands:
  <text>                send a message (with the ready attachment, if any)
  /reply <id>           reply to a message with your next send
  /noreply              drop the reply target
  /react <id> <symbol>  react to a message
  /attach <path>        upload an image or video for your next send
  /cancel               cancel or drop the attachment
  /who                  list people in the room
  /quit                 leave`

// repl owns the terminal. Input handling and rendering run on the same
// goroutine, so out needs no locking.
type repl struct {
	session *room.Session
	uploads *upload.Manager
	out     io.Writer
	view    *view
	lastJob string
}

func newREPL(session *room.Session, uploads *upload.Manager, out io.Writer) *repl {
	return &repl{
		session: session,
		uploads: uploads,
		out:     out,
		view:    newView(session.ResolveReply),
	}
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	updates, unsubscribe := r.session.Subscribe()
	defer unsubscribe()
	var jobs <-chan struct{}
	if r.uploads != nil {
		ch, cancel := r.uploads.Subscribe()
		defer cancel()
		jobs = ch
	}

	r.printf("type /help for commands")
	r.view.render(r.out, r.session.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			r.view.render(r.out, r.session.Snapshot())
		case <-jobs:
			r.renderJob(r.uploads.Job())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if err := r.session.NotifyTyping(); err != nil {
		log.Debug().Err(err).Msg("[roomchat] typing signal")
	}
	if !strings.HasPrefix(line, "/") {
		r.send(line)
		return false
	}

	args, err := shellwords.Parse(line)
	if err != nil || len(args) == 0 {
		r.printf("! cannot parse %q: %v", line, err)
		return false
	}
	switch args[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s", helpText)
	case "/who":
		r.printf("%s", formatPresence(r.session.Snapshot().ActiveUsers))
	case "/reply":
		if len(args) != 2 {
			r.printf("! usage: /reply <id>")
			return false
		}
		m, err := lookup(r.session.Snapshot().Messages, args[1])
		if err != nil {
			r.printf("! %v", err)
			return false
		}
		r.session.SetReplyTarget(m.ID)
		r.printf("* replying to %s: %s", m.Sender, snippet(m))
	case "/noreply":
		r.session.ClearReplyTarget()
		r.printf("* reply dropped")
	case "/react":
		if len(args) != 3 {
			r.printf("! usage: /react <id> <symbol>")
			return false
		}
		m, err := lookup(r.session.Snapshot().Messages, args[1])
		if err != nil {
			r.printf("! %v", err)
			return false
		}
		if err := r.session.React(m.ID, args[2]); err != nil {
			r.printf("! react failed: %v", err)
		}
	case "/attach":
		if len(args) != 2 {
			r.printf("! usage: /attach <path>")
			return false
		}
		r.attach(ctx, args[1])
	case "/cancel":
		if r.uploads == nil {
			return false
		}
		r.uploads.Discard()
		r.printf("* attachment dropped")
	default:
		r.printf("! unknown command %s, try /help", args[0])
	}
	return false
}

func (r *repl) send(text string) {
	draft := room.Draft{Text: text}
	if r.uploads != nil {
		job := r.uploads.Job()
		switch job.Status {
		case upload.StatusUploading:
			r.printf("* %s is still uploading (%d%%), wait or /cancel", job.FileName, job.Percent())
			return
		case upload.StatusValidating:
			r.printf("* %s is being checked, wait or /cancel", job.FileName)
			return
		case upload.StatusCompleted:
			draft.Attachment = &protocol.Attachment{Kind: job.Kind, URL: job.ResultURL}
		}
	}
	if err := r.session.Send(draft); err != nil {
		r.printf("! send failed: %v", err)
		return
	}
	if draft.Attachment != nil {
		if _, err := r.uploads.Take(); err != nil {
			log.Debug().Err(err).Msg("[roomchat] take attachment")
		}
	}
}

func (r *repl) attach(ctx context.Context, path string) {
	if r.uploads == nil {
		r.printf("! attachments are disabled, set --upload-url")
		return
	}
	f, err := upload.OpenFile(path)
	if err != nil {
		r.printf("! %v", err)
		return
	}
	// a rejected file shows up as a failed job through the subscription
	if _, err := r.uploads.Select(ctx, f); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("[roomchat] attachment rejected")
	}
}

func (r *repl) renderJob(job upload.Job) {
	key := fmt.Sprintf("%s/%s/%d", job.ID, job.Status, job.Percent()/25)
	if key == r.lastJob {
		return
	}
	r.lastJob = key
	switch job.Status {
	case upload.StatusValidating:
		r.printf("* checking %s", job.FileName)
	case upload.StatusUploading:
		r.printf("* uploading %s %d%%", job.FileName, job.Percent())
	case upload.StatusCompleted:
		r.printf("* %s is ready and goes out with your next message", job.FileName)
	case upload.StatusFailed:
		r.printf("! upload of %s failed: %v", job.FileName, job.Err)
	}
}

// view prints the difference between consecutive session snapshots.
type view struct {
	resolve func(room.Message) (room.Message, bool)
	last    room.State
	printed map[string]map[string]int
}

func newView(resolve func(room.Message) (room.Message, bool)) *view {
	return &view{resolve: resolve, printed: map[string]map[string]int{}}
}

func (v *view) render(out io.Writer, st room.State) {
	if st.Status != v.last.Status {
		switch st.Status {
		case room.StatusConnecting:
			if v.last.Status == room.StatusConnected {
				fmt.Fprintln(out, "* connection lost, reconnecting")
			} else {
				fmt.Fprintf(out, "* connecting to #%s\n", st.RoomID)
			}
		case room.StatusConnected:
			fmt.Fprintf(out, "* joined #%s as %s\n", st.RoomID, st.UserName)
		case room.StatusDisconnected:
			if st.Err != nil {
				fmt.Fprintf(out, "! disconnected: %v\n", st.Err)
			} else {
				fmt.Fprintln(out, "* disconnected")
			}
		}
	}

	for _, m := range st.Messages {
		counts, ok := v.printed[m.ID]
		if !ok {
			fmt.Fprintln(out, v.formatMessage(m))
		} else if !maps.Equal(counts, m.Reactions) {
			fmt.Fprintf(out, "* %s reactions %s\n", shortID(m.ID), formatReactions(m.Reactions))
		} else {
			continue
		}
		v.printed[m.ID] = maps.Clone(m.Reactions)
	}

	typing := slices.DeleteFunc(slices.Clone(st.TypingUsers), func(name string) bool {
		return name == st.UserName
	})
	lastTyping := slices.DeleteFunc(slices.Clone(v.last.TypingUsers), func(name string) bool {
		return name == v.last.UserName
	})
	if len(typing) > 0 && !slices.Equal(typing, lastTyping) {
		verb := "is"
		if len(typing) > 1 {
			verb = "are"
		}
		fmt.Fprintf(out, "* %s %s typing\n", strings.Join(typing, ", "), verb)
	}

	if names := sortedNames(st.ActiveUsers); len(names) > 0 && !slices.Equal(names, sortedNames(v.last.ActiveUsers)) {
		fmt.Fprintf(out, "* here: %s\n", strings.Join(names, ", "))
	}
	v.last = st
}

func (v *view) formatMessage(m room.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] %s:", formatTime(m.Timestamp), shortID(m.ID), m.Sender)
	if m.ReplyTarget() != "" {
		if parent, ok := v.resolve(m); ok {
			fmt.Fprintf(&b, " (re %s: %s)", parent.Sender, snippet(parent))
		} else {
			b.WriteString(" (re a message that is not loaded)")
		}
	}
	if m.Text != "" {
		b.WriteString(" " + m.Text)
	}
	if att := m.Attachment(); att != nil {
		fmt.Fprintf(&b, " [%s %s]", att.Kind, att.URL)
	}
	if len(m.Reactions) > 0 {
		b.WriteString(" " + formatReactions(m.Reactions))
	}
	return b.String()
}

func formatTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "--:--"
	}
	return t.Local().Format("15:04")
}

func formatReactions(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	keys := slices.Sorted(maps.Keys(counts))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatPresence(users map[string]protocol.PresenceStatus) string {
	if len(users) == 0 {
		return "* nobody here yet"
	}
	names := sortedNames(users)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if status := users[name]; status != protocol.StatusOnline {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, status))
			continue
		}
		parts = append(parts, name)
	}
	return "* here: " + strings.Join(parts, ", ")
}

func sortedNames(users map[string]protocol.PresenceStatus) []string {
	return slices.Sorted(maps.Keys(users))
}

// shortID is the handle printed next to each message and accepted by
// /reply and /react.
func shortID(id string) string {
	const n = 6
	if len(id) <= n {
		return strings.ToLower(id)
	}
	return strings.ToLower(id[len(id)-n:])
}

func snippet(m room.Message) string {
	const n = 40
	text := m.Text
	if text == "" {
		if att := m.Attachment(); att != nil {
			text = "[" + string(att.Kind) + "]"
		}
	}
	if r := []rune(text); len(r) > n {
		return string(r[:n]) + "…"
	}
	return text
}

// lookup finds a message by full id or by the short handle.
func lookup(msgs []room.Message, ref string) (room.Message, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	var found []room.Message
	for _, m := range msgs {
		id := strings.ToLower(m.ID)
		if id == ref {
			return m, nil
		}
		if strings.HasSuffix(id, ref) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return room.Message{}, fmt.Errorf("no message %s", ref)
	case 1:
		return found[0], nil
	}
	return room.Message{}, fmt.Errorf("%s matches %d messages, use more characters", ref, len(found))
}
