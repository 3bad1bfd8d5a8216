package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Preview is a local stand-in for a file while it uploads.
type Preview interface {
	// Location is what a presentation layer shows until the remote URL is
	// known: a path or a local URL.
	Location() string
	Release() error
}

type Previewer interface {
	Preview(f File) (Preview, error)
}

// TempPreviewer copies the file into Dir (os.TempDir when empty). Release
// removes the copy.
type TempPreviewer struct {
	Dir string
}

func (p TempPreviewer) Preview(f File) (Preview, error) {
	src, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(p.Dir, "roomchat-preview-*"+filepath.Ext(f.Name()))
	if err != nil {
		return nil, fmt.Errorf("create preview: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("write preview: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	return &tempPreview{path: tmp.Name()}, nil
}

type tempPreview struct {
	path string
	once sync.Once
	err  error
}

func (p *tempPreview) Location() string { return p.path }

func (p *tempPreview) Release() error {
	p.once.Do(func() {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			p.err = err
		}
	})
	return p.err
}
