package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStateStore persists detector state as one file per stream in a
// directory. Writes go to a temporary file that is renamed into place, so a
// reader never sees a partial state.
type FileStateStore struct {
	dir string
}

// NewFileStateStore creates the directory if needed.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if dir == "" {
		return nil, errors.New("state directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

func (f *FileStateStore) path(stream string) string {
	return filepath.Join(f.dir, stream+".state")
}

// SaveState writes <dir>/<stream>.state atomically.
func (f *FileStateStore) SaveState(ctx context.Context, stream string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateStreamName(stream); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, stream+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(stream)); err != nil {
		return fmt.Errorf("install state: %w", err)
	}
	return nil
}

// LoadState reads <dir>/<stream>.state.
func (f *FileStateStore) LoadState(ctx context.Context, stream string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if err := ValidateStreamName(stream); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(f.path(stream))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	return data, true, nil
}
