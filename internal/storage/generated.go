package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultImageExt = ".png"

// GeneratedStore keeps generated images until they are downloaded. Nothing
// removes them automatically.
type GeneratedStore struct {
	dir string
	now func() time.Time
}

func NewGeneratedStore(dir string) (*GeneratedStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create generated image directory: %w", err)
	}
	return &GeneratedStore{dir: dir, now: time.Now}, nil
}

func (s *GeneratedStore) Dir() string {
	return s.dir
}

// FileName reduces a caller-supplied name to a plain base name, falling back
// to a timestamp when it is empty, and defaults the extension to .png.
func (s *GeneratedStore) FileName(requested string) string {
	name := filepath.Base(strings.TrimSpace(strings.ReplaceAll(requested, `\`, "/")))
	switch name {
	case "", ".", "..", "/":
		name = "generated_" + strconv.FormatInt(s.now().UnixMilli(), 10)
	}
	if filepath.Ext(name) == "" {
		name += defaultImageExt
	}
	return name
}

// Save writes data under the sanitized form of name, replacing any previous
// file with that name, and returns the name used.
func (s *GeneratedStore) Save(name string, data []byte) (string, error) {
	name = s.FileName(name)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save generated image: %w", err)
	}
	return name, nil
}

// Open returns the named file. Names that are not plain base names are
// treated as missing.
func (s *GeneratedStore) Open(name string) (*os.File, fs.FileInfo, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsRune(name, '\\') {
		return nil, nil, ErrNotFound
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}
