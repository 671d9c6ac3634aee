package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("file not found")

// Attachment is an uploaded file written to the attachment directory.
type Attachment struct {
	Name string
	Path string
	// Ext is the lower-cased extension without the leading dot.
	Ext string
}

// AttachmentStore holds uploaded images until the next sweep removes them.
type AttachmentStore struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
	remove func(string) error
}

func NewAttachmentStore(dir string, logger *zap.Logger) (*AttachmentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	return &AttachmentStore{dir: dir, logger: logger, now: time.Now, remove: os.Remove}, nil
}

func (s *AttachmentStore) Dir() string {
	return s.dir
}

// Save writes r under a timestamp-derived name that keeps the extension of
// originalName.
func (s *AttachmentStore) Save(originalName string, r io.Reader) (*Attachment, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	stamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	name := stamp + ext
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		name = stamp + "-" + uuid.NewString()[:8] + ext
		f, err = os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close attachment: %w", err)
	}

	return &Attachment{
		Name: name,
		Path: filepath.Join(s.dir, name),
		Ext:  strings.TrimPrefix(ext, "."),
	}, nil
}

func (s *AttachmentStore) Read(a *Attachment) ([]byte, error) {
	data, err := os.ReadFile(a.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("attachment %s: %w", a.Name, ErrNotFound)
	}
	return data, err
}

// Sweep removes every file in the attachment directory. A file that cannot
// be removed is logged and skipped; all such failures are returned together.
func (s *AttachmentStore) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list attachments: %w", err)
	}

	var (
		removed int
		errs    error
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := s.remove(path); err != nil {
			s.logger.Warn("Failed to remove attachment",
				zap.String("file", entry.Name()),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", entry.Name(), err))
			continue
		}
		removed++
	}
	return removed, errs
}
