package relay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

var errMediaNotFound = errors.New("media not found")

// mediaStore keeps uploaded files flat in one directory. Stored names are
// unique and safe to use as URL path segments.
type mediaStore struct {
	dir string
}

func newMediaStore(dir string) (*mediaStore, error) {
	if dir == "" {
		return nil, errors.New("empty media directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &mediaStore{dir: dir}, nil
}

// Save writes src under a fresh name and returns the stored name and size.
func (s *mediaStore) Save(id ulid.ULID, name string, src io.Reader) (string, int64, error) {
	stored := strings.ToLower(id.String())
	if clean := sanitizeFilename(name); clean != "" {
		stored += "_" + clean
	}
	tmpPath := filepath.Join(s.dir, stored+".tmp")
	dstPath := filepath.Join(s.dir, stored)

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	return stored, size, nil
}

func (s *mediaStore) Open(name string) (*os.File, os.FileInfo, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return nil, nil, errMediaNotFound
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errMediaNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s", errMediaNotFound, name)
	}
	return f, info, nil
}

func sanitizeFilename(name string) string {
	const maxLen = 60
	var (
		b     strings.Builder
		count int
	)
	for _, r := range filepath.Base(name) {
		if count >= maxLen {
			break
		}
		switch {
		case r == '.' || r == '-' || r == '_',
			r >= '0' && r <= '9',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
			b.WriteRune(r)
			count++
		case r == ' ':
			b.WriteRune('_')
			count++
		}
	}
	return strings.TrimLeft(b.String(), ".")
}
