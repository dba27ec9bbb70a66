package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bcrosbie/activityhub/internal/domain"
)

// FileArchive appends one JSON document per finished activity.
type FileArchive struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func OpenFileArchive(path string) (*FileArchive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, domain.InvalidArgument("archive path is required when archive driver is file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.Internal("failed to create archive directory", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, domain.Internal("failed to open archive file", err)
	}
	return &FileArchive{path: path, file: file}, nil
}

func (a *FileArchive) Path() string { return a.path }

func (a *FileArchive) Archive(_ context.Context, activity domain.Activity) error {
	serialized, err := json.Marshal(activity)
	if err != nil {
		return domain.Internal("failed to serialize activity", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return domain.FailedPrecondition("archive file is closed")
	}
	if _, err := a.file.Write(append(serialized, '\n')); err != nil {
		return domain.Internal("failed to append to archive file", err)
	}
	return nil
}

func (a *FileArchive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
