package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TaskStore owns the per task working directories (<base>/<task id>/).
type TaskStore interface {
	Dir(taskId uuid.UUID) string

	Path(taskId uuid.UUID, name string) string

	Write(taskId uuid.UUID, name string, data []byte) error

	Read(taskId uuid.UUID, name string) ([]byte, error)

	Exists(taskId uuid.UUID, name string) bool

	// Adopt moves a file produced outside the store to name in the task directory.
	Adopt(taskId uuid.UUID, src string, name string) error

	Remove(taskId uuid.UUID, name string) error
}

type LocalTaskStore struct {
	baseDir string
}

var _ TaskStore = (*LocalTaskStore)(nil)

func NewLocalTaskStore(dir string) (*LocalTaskStore, error) {
	baseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}

	if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create task directory root %s: %w", baseDir, err)
	}

	return &LocalTaskStore{baseDir: baseDir}, nil
}

func (s *LocalTaskStore) Dir(taskId uuid.UUID) string {
	return localStorageFullpath(s.baseDir, taskId.String())
}

func (s *LocalTaskStore) Path(taskId uuid.UUID, name string) string {
	return localStorageFullpath(s.baseDir, taskId.String(), name)
}

func (s *LocalTaskStore) resolve(taskId uuid.UUID, name string) (string, error) {
	clean, err := cleanRelative(name)
	if err != nil {
		return "", err
	}
	return s.Path(taskId, clean), nil
}

func (s *LocalTaskStore) Write(taskId uuid.UUID, name string, data []byte) error {
	path, err := s.resolve(taskId, name)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func (s *LocalTaskStore) Read(taskId uuid.UUID, name string) ([]byte, error) {
	path, err := s.resolve(taskId, name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s for task %s: %w", name, taskId, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to read %s for task %s: %w", name, taskId, err)
	}
	return data, nil
}

func (s *LocalTaskStore) Exists(taskId uuid.UUID, name string) bool {
	path, err := s.resolve(taskId, name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (s *LocalTaskStore) Adopt(taskId uuid.UUID, src string, name string) error {
	dest, err := s.resolve(taskId, name)
	if err != nil {
		return err
	}

	if src == dest {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}

	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	// Rename fails across filesystems, fall back to copying.
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

func (s *LocalTaskStore) Remove(taskId uuid.UUID, name string) error {
	path, err := s.resolve(taskId, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s for task %s: %w", name, taskId, err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dest, err)
	}
	return nil
}
