package upload

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gosuda/roomchat/protocol"
)

var (
	// ErrValidation is wrapped by every rejection that happens before a
	// transfer starts.
	ErrValidation      = errors.New("upload: file rejected")
	ErrUnsupportedType = fmt.Errorf("%w: unsupported media type", ErrValidation)
	ErrTooLarge        = fmt.Errorf("%w: file too large", ErrValidation)
	ErrEmptyFile       = fmt.Errorf("%w: empty file", ErrValidation)

	ErrTransfer   = errors.New("upload: transfer failed")
	ErrNoResult   = errors.New("upload: no completed upload")
	ErrSuperseded = errors.New("upload: selection cancelled or replaced")
)

// StatusError is a non-2xx answer from the media endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload: endpoint answered %d", e.Code)
	}
	return fmt.Sprintf("upload: endpoint answered %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrTransfer }

const (
	DefaultMaxImageBytes = 20 << 20
	DefaultMaxVideoBytes = 100 << 20
)

var (
	DefaultImageTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	DefaultVideoTypes = []string{"video/mp4", "video/webm", "video/quicktime"}
)

// Config configures a Manager. Zero fields take the package defaults.
type Config struct {
	// Endpoint receives the multipart form (fields "file" and
	// "upload_preset") and answers {"secure_url": "..."}.
	Endpoint string
	Preset   string

	MaxImageBytes int64
	MaxVideoBytes int64
	ImageTypes    []string
	VideoTypes    []string

	HTTPClient *http.Client
	Previewer  Previewer
}

func (c Config) withDefaults() Config {
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = DefaultMaxImageBytes
	}
	if c.MaxVideoBytes <= 0 {
		c.MaxVideoBytes = DefaultMaxVideoBytes
	}
	if len(c.ImageTypes) == 0 {
		c.ImageTypes = DefaultImageTypes
	}
	if len(c.VideoTypes) == 0 {
		c.VideoTypes = DefaultVideoTypes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if c.Previewer == nil {
		c.Previewer = TempPreviewer{}
	}
	return c
}

// Validate checks f against the allow-lists and the ceiling of its kind.
func (c Config) Validate(f File) (protocol.AttachmentKind, error) {
	c = c.withDefaults()
	ct := baseType(f.ContentType())

	var (
		kind  protocol.AttachmentKind
		limit int64
	)
	switch {
	case slices.Contains(c.ImageTypes, ct):
		kind, limit = protocol.KindImage, c.MaxImageBytes
	case slices.Contains(c.VideoTypes, ct):
		kind, limit = protocol.KindVideo, c.MaxVideoBytes
	default:
		if ct == "" {
			ct = "unknown"
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, ct)
	}

	size := f.Size()
	if size <= 0 {
		return "", ErrEmptyFile
	}
	if size > limit {
		return "", fmt.Errorf("%w: %s is %s, %s limit is %s", ErrTooLarge, f.Name(), humanSize(size), kind, humanSize(limit))
	}
	return kind, nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
