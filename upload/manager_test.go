package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roomchat/protocol"
)

// sizedFile claims a size without holding the bytes.
type sizedFile struct {
	name, contentType string
	size              int64
}

func (f sizedFile) Name() string        { return f.name }
func (f sizedFile) Size() int64         { return f.size }
func (f sizedFile) ContentType() string { return f.contentType }
func (f sizedFile) Open() (io.ReadCloser, error) {
	return nil, errors.New("sizedFile cannot be read")
}

type countingPreviewer struct {
	mu       sync.Mutex
	created  int
	released int
}

func (p *countingPreviewer) Preview(File) (Preview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	return countingPreview{p}, nil
}

func (p *countingPreviewer) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, p.released
}

type countingPreview struct{ p *countingPreviewer }

func (c countingPreview) Location() string { return "preview://local" }

func (c countingPreview) Release() error {
	c.p.mu.Lock()
	c.p.released++
	c.p.mu.Unlock()
	return nil
}

func wait(t *testing.T, m *Manager) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := m.Wait(ctx)
	require.NoError(t, err)
	return job
}

// blockingServer accepts the upload and answers only once released.
func blockingServer(t *testing.T) (*httptest.Server, <-chan struct{}) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		started <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv, started
}

func awaitStart(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never reached the server")
	}
}

func TestSelectRejectsOversizedImageWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	previews := &countingPreviewer{}
	m := NewManager(Config{Endpoint: srv.URL, Previewer: previews})

	job, err := m.Select(context.Background(), sizedFile{name: "big.png", contentType: "image/png", size: 25 << 20})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, StatusFailed, m.Job().Status)
	assert.Contains(t, err.Error(), "20.0 MiB")

	_, err = m.Select(context.Background(), sizedFile{name: "doc.pdf", contentType: "application/pdf", size: 10})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, err = m.Select(context.Background(), sizedFile{name: "blank.gif", contentType: "image/gif"})
	assert.ErrorIs(t, err, ErrEmptyFile)

	assert.Zero(t, hits.Load())
	created, _ := previews.counts()
	assert.Zero(t, created)
}

func TestValidateUsesKindCeilings(t *testing.T) {
	cfg := Config{}
	kind, err := cfg.Validate(sizedFile{name: "clip.mp4", contentType: "video/mp4", size: 25 << 20})
	require.NoError(t, err)
	assert.Equal(t, protocol.KindVideo, kind)

	_, err = cfg.Validate(sizedFile{name: "clip.mp4", contentType: "video/mp4", size: 101 << 20})
	assert.ErrorIs(t, err, ErrTooLarge)

	kind, err = cfg.Validate(sizedFile{name: "a.jpg", contentType: "image/jpeg; charset=binary", size: 1})
	require.NoError(t, err)
	assert.Equal(t, protocol.KindImage, kind)

	custom := Config{ImageTypes: []string{"image/png"}, MaxImageBytes: 10}
	_, err = custom.Validate(sizedFile{name: "a.jpg", contentType: "image/jpeg", size: 1})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, err = custom.Validate(sizedFile{name: "a.png", contentType: "image/png", size: 11})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestUploadCompletes(t *testing.T) {
	payload := []byte("\x89PNG\r\n\x1a\nnot really a png")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		assert.Equal(t, "chat", r.FormValue("upload_preset"))
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, payload, body)
		assert.Equal(t, `cat "1".png`, header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"secure_url":"https://cdn.test/cat.png","bytes":24}`)
	}))
	defer srv.Close()

	m := NewManager(Config{Endpoint: srv.URL, Preset: "chat", Previewer: TempPreviewer{Dir: t.TempDir()}})
	started, err := m.Select(context.Background(), NewFile(`cat "1".png`, "image/png", payload))
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, started.Status)
	assert.NotEmpty(t, started.ID)
	require.NotEmpty(t, started.Preview)
	_, err = os.Stat(started.Preview)
	require.NoError(t, err, "preview exists while uploading")

	job := wait(t, m)
	require.Equal(t, StatusCompleted, job.Status, "err: %v", job.Err)
	assert.Equal(t, "https://cdn.test/cat.png", job.ResultURL)
	assert.Equal(t, 100, job.Percent())
	assert.Empty(t, job.Preview)
	_, err = os.Stat(started.Preview)
	assert.True(t, os.IsNotExist(err), "preview released on completion")

	att, err := m.Take()
	require.NoError(t, err)
	assert.Equal(t, protocol.Attachment{Kind: protocol.KindImage, URL: "https://cdn.test/cat.png"}, att)
	assert.Equal(t, StatusIdle, m.Job().Status)
	_, err = m.Take()
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestUploadFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "preset not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	previews := &countingPreviewer{}
	m := NewManager(Config{Endpoint: srv.URL, Previewer: previews})
	_, err := m.Select(context.Background(), NewFile("a.webm", "video/webm", []byte("webm")))
	require.NoError(t, err)

	job := wait(t, m)
	assert.Equal(t, StatusFailed, job.Status)
	assert.ErrorIs(t, job.Err, ErrTransfer)
	var statusErr *StatusError
	require.ErrorAs(t, job.Err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, "preset not found", statusErr.Body)
	assert.Empty(t, job.ResultURL)

	created, released := previews.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, released)
	_, err = m.Take()
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestUploadFailsWithoutSecureURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, `{"url":"http://insecure"}`)
	}))
	defer srv.Close()

	m := NewManager(Config{Endpoint: srv.URL, Previewer: &countingPreviewer{}})
	_, err := m.Select(context.Background(), NewFile("a.gif", "image/gif", []byte("GIF89a")))
	require.NoError(t, err)
	job := wait(t, m)
	assert.Equal(t, StatusFailed, job.Status)
	assert.ErrorIs(t, job.Err, ErrTransfer)
}

func TestUploadFailsOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	previews := &countingPreviewer{}
	m := NewManager(Config{Endpoint: url, Previewer: previews})
	_, err := m.Select(context.Background(), NewFile("a.gif", "image/gif", []byte("GIF89a")))
	require.NoError(t, err)
	job := wait(t, m)
	assert.Equal(t, StatusFailed, job.Status)
	assert.ErrorIs(t, job.Err, ErrTransfer)
	_, released := previews.counts()
	assert.Equal(t, 1, released)
}

func TestCancelReleasesPreviewOnce(t *testing.T) {
	srv, started := blockingServer(t)
	previews := &countingPreviewer{}
	m := NewManager(Config{Endpoint: srv.URL, Previewer: previews})

	m.Cancel() // nothing in flight
	assert.Equal(t, StatusIdle, m.Job().Status)

	_, err := m.Select(context.Background(), NewFile("a.png", "image/png", []byte("png")))
	require.NoError(t, err)
	awaitStart(t, started)

	m.Cancel()
	m.Cancel()
	job := m.Job()
	assert.Equal(t, Job{Status: StatusIdle}, job, "cancel resets to idle")

	job = wait(t, m)
	assert.Equal(t, StatusIdle, job.Status, "a late transfer result is ignored")
	assert.NoError(t, job.Err)
	assert.Zero(t, job.Sent, "no progress after cancel")
	created, released := previews.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, released)
}

// gatedPreviewer blocks in Preview until gate is closed.
type gatedPreviewer struct {
	countingPreviewer
	entered chan struct{}
	gate    chan struct{}
}

func (p *gatedPreviewer) Preview(f File) (Preview, error) {
	p.entered <- struct{}{}
	<-p.gate
	return p.countingPreviewer.Preview(f)
}

func TestCancelWhilePreviewIsBuilt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	previews := &gatedPreviewer{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	m := NewManager(Config{Endpoint: srv.URL, Previewer: previews})

	type result struct {
		job Job
		err error
	}
	selected := make(chan result, 1)
	go func() {
		job, err := m.Select(context.Background(), NewFile("a.png", "image/png", []byte("png")))
		selected <- result{job, err}
	}()
	select {
	case <-previews.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("preview never started")
	}

	// The manager answers while the preview is still being built.
	answered := make(chan Job, 1)
	go func() { answered <- m.Job() }()
	select {
	case job := <-answered:
		assert.Equal(t, StatusValidating, job.Status)
		assert.Equal(t, "a.png", job.FileName)
	case <-time.After(time.Second):
		t.Fatal("Job blocked behind the preview")
	}
	m.Cancel()
	assert.Equal(t, StatusIdle, m.Job().Status)

	close(previews.gate)
	var res result
	select {
	case res = <-selected:
	case <-time.After(5 * time.Second):
		t.Fatal("Select never returned")
	}
	assert.ErrorIs(t, res.err, ErrSuperseded)
	assert.Equal(t, StatusIdle, m.Job().Status)
	created, released := previews.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, released, "the late preview is released")
	assert.Zero(t, hits.Load())
}

func TestSelectSupersedesRunningUpload(t *testing.T) {
	srv, started := blockingServer(t)
	previews := &countingPreviewer{}
	m := NewManager(Config{Endpoint: srv.URL, Previewer: previews})

	first, err := m.Select(context.Background(), NewFile("a.png", "image/png", []byte("png")))
	require.NoError(t, err)
	awaitStart(t, started)

	second, err := m.Select(context.Background(), NewFile("b.png", "image/png", []byte("png2")))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	job := m.Job()
	assert.Equal(t, second.ID, job.ID)
	assert.Equal(t, StatusUploading, job.Status)
	created, released := previews.counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 1, released)

	m.Discard()
	assert.Equal(t, StatusIdle, m.Job().Status)
	_, released = previews.counts()
	assert.Equal(t, 2, released)
}

func TestSubscribeSignalsJobChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, `{"secure_url":"https://cdn.test/x.png"}`)
	}))
	defer srv.Close()

	m := NewManager(Config{Endpoint: srv.URL, Previewer: &countingPreviewer{}})
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	_, err := m.Select(context.Background(), NewFile("x.png", "image/png", []byte("png")))
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}
	wait(t, m)
}
