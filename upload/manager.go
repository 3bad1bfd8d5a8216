package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/protocol"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusValidating Status = "validating"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is a snapshot of the attachment held by a Manager.
type Job struct {
	ID       string
	FileName string
	Kind     protocol.AttachmentKind
	Size     int64
	Status   Status
	// Sent counts file bytes handed to the transport.
	Sent int64
	// Preview is the local stand-in location while uploading.
	Preview   string
	ResultURL string
	Err       error
}

// Percent returns the sent share as an integer percent in [0, 100].
func (j Job) Percent() int {
	if j.Status == StatusCompleted {
		return 100
	}
	if j.Size <= 0 {
		return 0
	}
	return int(min(j.Sent*100/j.Size, 100))
}

// Manager runs the upload lifecycle of the one attachment a composer holds.
// Selecting a new file cancels whatever was in flight. At rest a job is
// idle, completed with a ResultURL, or failed.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	job     Job
	gen     uint64
	cancel  context.CancelFunc
	preview Preview
	done    chan struct{}

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:  cfg.withDefaults(),
		job:  Job{Status: StatusIdle},
		subs: map[int]chan struct{}{},
	}
}

// Select validates f and starts uploading it. A rejected file leaves a failed
// job and the validation error is returned; nothing is sent. Validation and
// the preview run without holding the manager, so Job and Cancel stay
// responsive; a selection cancelled meanwhile returns ErrSuperseded.
func (m *Manager) Select(ctx context.Context, f File) (Job, error) {
	m.mu.Lock()
	m.cancelLocked()
	m.gen++
	gen := m.gen
	m.job = Job{
		ID:       uuid.NewString(),
		FileName: f.Name(),
		Size:     f.Size(),
		Status:   StatusValidating,
	}
	m.done = nil
	m.mu.Unlock()
	m.notify()

	kind, err := m.cfg.Validate(f)
	if err != nil {
		log.Debug().Err(err).Str("file", f.Name()).Msg("[upload] rejected")
		return m.fail(gen, err), err
	}

	preview, err := m.cfg.Previewer.Preview(f)
	if err != nil {
		log.Warn().Err(err).Str("file", f.Name()).Msg("[upload] preview failed")
		err = fmt.Errorf("preview: %w", err)
		return m.fail(gen, err), err
	}

	m.mu.Lock()
	if m.gen != gen {
		job := m.job
		m.mu.Unlock()
		if err := preview.Release(); err != nil {
			log.Warn().Err(err).Msg("[upload] release preview")
		}
		return job, ErrSuperseded
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.job.Kind = kind
	m.job.Status = StatusUploading
	m.job.Preview = preview.Location()
	m.preview, m.cancel, m.done = preview, cancel, done
	job := m.job
	m.mu.Unlock()
	m.notify()

	log.Debug().Str("job", job.ID).Str("file", job.FileName).Int64("size", job.Size).Msg("[upload] started")
	go m.transfer(ctx, gen, f, done)
	return job, nil
}

// fail marks the job of generation gen failed unless it was replaced.
func (m *Manager) fail(gen uint64, err error) Job {
	m.mu.Lock()
	if m.gen != gen {
		job := m.job
		m.mu.Unlock()
		return job
	}
	m.job.Status, m.job.Err = StatusFailed, err
	job := m.job
	m.mu.Unlock()
	m.notify()
	return job
}

func (m *Manager) transfer(ctx context.Context, gen uint64, f File, done chan struct{}) {
	defer close(done)
	url, err := post(ctx, m.cfg.HTTPClient, m.cfg.Endpoint, m.cfg.Preset, f, func(sent int64) {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.job.Sent = sent
		m.mu.Unlock()
		m.notify()
	})

	m.mu.Lock()
	if m.gen != gen {
		// cancelled or superseded; cancelLocked already cleaned up
		m.mu.Unlock()
		return
	}
	m.releaseLocked()
	if err != nil {
		if !errors.Is(err, ErrTransfer) {
			err = fmt.Errorf("%w: %w", ErrTransfer, err)
		}
		m.job.Status, m.job.Err = StatusFailed, err
		log.Warn().Err(err).Str("job", m.job.ID).Msg("[upload] failed")
	} else {
		m.job.Status, m.job.ResultURL = StatusCompleted, url
		m.job.Sent = m.job.Size
		log.Debug().Str("job", m.job.ID).Str("url", url).Msg("[upload] done")
	}
	m.mu.Unlock()
	m.notify()
}

// Cancel aborts the in-flight transfer, releases its preview and resets to
// idle. It is a no-op unless a job is validating or uploading.
func (m *Manager) Cancel() {
	m.mu.Lock()
	changed := m.cancelLocked()
	m.mu.Unlock()
	if changed {
		m.notify()
	}
}

func (m *Manager) cancelLocked() bool {
	if m.job.Status != StatusValidating && m.job.Status != StatusUploading {
		return false
	}
	m.gen++
	m.releaseLocked()
	log.Debug().Str("job", m.job.ID).Msg("[upload] cancelled")
	m.job = Job{Status: StatusIdle}
	return true
}

// releaseLocked stops the transfer context and drops the preview. Each
// preview is released once.
func (m *Manager) releaseLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.preview != nil {
		if err := m.preview.Release(); err != nil {
			log.Warn().Err(err).Msg("[upload] release preview")
		}
		m.preview = nil
	}
	m.job.Preview = ""
}

// Job returns the current job.
func (m *Manager) Job() Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job
}

// Wait blocks until the running transfer, if any, settles and returns the
// job.
func (m *Manager) Wait(ctx context.Context) (Job, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return m.Job(), ctx.Err()
		}
	}
	return m.Job(), nil
}

// Take hands the completed attachment over and resets to idle.
func (m *Manager) Take() (protocol.Attachment, error) {
	m.mu.Lock()
	if m.job.Status != StatusCompleted {
		m.mu.Unlock()
		return protocol.Attachment{}, ErrNoResult
	}
	att := protocol.Attachment{Kind: m.job.Kind, URL: m.job.ResultURL}
	m.job = Job{Status: StatusIdle}
	m.done = nil
	m.mu.Unlock()
	m.notify()
	return att, nil
}

// Discard cancels or drops whatever the manager holds.
func (m *Manager) Discard() {
	m.mu.Lock()
	m.cancelLocked()
	m.job = Job{Status: StatusIdle}
	m.done = nil
	m.mu.Unlock()
	m.notify()
}

// Subscribe returns a channel signalled after job changes. Signals coalesce.
func (m *Manager) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) notify() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
