// Package relay is a small room relay speaking the roomchat channel protocol
// over websockets, plus a media endpoint compatible with the upload client.
package relay

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/protocol"
)

type Server struct {
	cfg     Config
	history History
	media   *mediaStore

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	rooms   map[string]*roomState
	conns   map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New builds a relay. With cfg.DataPath set, history is kept in pebble and
// survives restarts.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		entropy: ulid.Monotonic(rand.Reader, 0),
		rooms:   map[string]*roomState{},
		conns:   map[*client]struct{}{},
	}
	if cfg.DataPath != "" {
		h, err := openPebbleHistory(cfg.DataPath)
		if err != nil {
			return nil, err
		}
		s.history = h
	} else {
		s.history = newMemHistory(cfg.Backlog)
	}
	if cfg.MediaDir != "" {
		media, err := newMediaStore(cfg.MediaDir)
		if err != nil {
			_ = s.history.Close()
			return nil, fmt.Errorf("open media dir: %w", err)
		}
		s.media = media
	}
	return s, nil
}

// Handler returns the relay router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWS)
	r.Post("/upload", s.handleUpload)
	r.Get("/media/{name}", s.handleMedia)
	return r
}

// Close disconnects every client, waits for their handlers and closes the
// history.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	for _, rs := range s.rooms {
		for _, mark := range rs.typing {
			mark.timer.Stop()
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
	s.wg.Wait()
	return s.history.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("[relay] upgrade failed")
		return
	}
	c := newClient(conn)
	go c.writeLoop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "server shutdown")
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.serveClient(c)
}

func (s *Server) serveClient(c *client) {
	defer func() {
		s.leave(c)
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close(websocket.CloseNormalClosure, "")
		<-c.finished
		s.wg.Done()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("[relay] read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Debug().Err(err).Msg("[relay] malformed frame")
			continue
		}
		s.dispatch(c, env)
	}
}

type uploadResponse struct {
	SecureURL    string `json:"secure_url"`
	Bytes        int64  `json:"bytes"`
	ResourceType string `json:"resource_type"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		respondError(w, http.StatusNotFound, errors.New("uploads are disabled"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds %d bytes", tooBig.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	if s.cfg.UploadPreset != "" && r.FormValue("upload_preset") != s.cfg.UploadPreset {
		respondError(w, http.StatusBadRequest, errors.New("unknown upload preset"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("missing file: %w", err))
		return
	}
	defer func() { _ = file.Close() }()

	mt, _, _ := mime.ParseMediaType(header.Header.Get("Content-Type"))
	kind, _, _ := strings.Cut(mt, "/")
	if kind != string(protocol.KindImage) && kind != string(protocol.KindVideo) {
		respondError(w, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported media type %q", mt))
		return
	}

	s.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(s.cfg.Clock.Now()), s.entropy)
	s.mu.Unlock()
	stored, size, err := s.media.Save(id, header.Filename, file)
	if err != nil {
		log.Error().Err(err).Msg("[relay] save upload")
		respondError(w, http.StatusInternalServerError, errors.New("could not store file"))
		return
	}
	log.Info().Str("file", stored).Int64("size", size).Msg("[relay] stored upload")
	respondJSON(w, http.StatusOK, uploadResponse{
		SecureURL:    s.publicURL(r) + "/media/" + stored,
		Bytes:        size,
		ResourceType: kind,
	})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		http.NotFound(w, r)
		return
	}
	name := chi.URLParam(r, "name")
	f, info, err := s.media.Open(name)
	if err != nil {
		status := http.StatusNotFound
		if !errors.Is(err, errMediaNotFound) {
			status = http.StatusInternalServerError
		}
		respondError(w, status, err)
		return
	}
	defer func() { _ = f.Close() }()
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) publicURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("[relay] encode json response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
