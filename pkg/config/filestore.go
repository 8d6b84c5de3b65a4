package config

import (
	"fmt"
	"os"
)

// FileStore persists the record in a single file, standing in for the
// flash page an embedded deployment writes directly. It implements both
// Loader and Saver.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore backed by path. The file need not
// exist yet; Load reports an error and Service falls back to Default.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() ([]byte, error) {
	buf, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", f.path, err)
	}
	return buf, nil
}

func (f *FileStore) Save(buf []byte) error {
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("config: rename %s: %w", tmp, err)
	}
	return nil
}
