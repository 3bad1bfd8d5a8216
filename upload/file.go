package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// File is a local media file offered for upload. Open may be called more
// than once; each call returns a fresh reader from the start.
type File interface {
	Name() string
	Size() int64
	ContentType() string
	Open() (io.ReadCloser, error)
}

type diskFile struct {
	path        string
	size        int64
	contentType string
}

// OpenFile describes the file at path. The media type comes from the
// extension and falls back to sniffing the first 512 bytes.
func OpenFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	ct := baseType(mime.TypeByExtension(strings.ToLower(filepath.Ext(path))))
	if ct == "" {
		ct, err = sniff(path)
		if err != nil {
			return nil, err
		}
	}
	return &diskFile{path: path, size: info.Size(), contentType: ct}, nil
}

func sniff(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	var head [512]byte
	n, err := io.ReadFull(f, head[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	return baseType(http.DetectContentType(head[:n])), nil
}

func (f *diskFile) Name() string        { return filepath.Base(f.path) }
func (f *diskFile) Size() int64         { return f.size }
func (f *diskFile) ContentType() string { return f.contentType }

func (f *diskFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

type memFile struct {
	name        string
	contentType string
	data        []byte
}

// NewFile wraps an in-memory payload.
func NewFile(name, contentType string, data []byte) File {
	return &memFile{name: name, contentType: baseType(contentType), data: data}
}

func (f *memFile) Name() string        { return f.name }
func (f *memFile) Size() int64         { return int64(len(f.data)) }
func (f *memFile) ContentType() string { return f.contentType }

func (f *memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// baseType strips parameters such as "; charset=utf-8".
func baseType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}
