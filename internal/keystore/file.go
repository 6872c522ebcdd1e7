package keystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// File keeps one file per container under a private directory. Replacement
// goes through a temp file and rename so a crashed Put never leaves a
// half-written container behind.
type File struct {
	dir string
}

var _ Store = (*File)(nil)

// NewFile opens (creating if needed) a directory-backed store.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("container %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read container: %w", err)
	}
	return data, nil
}

func (f *File) Put(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	path := f.path(name)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create container temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write container: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync container: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close container: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename container: %w", err)
	}
	return nil
}

func (f *File) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(f.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (f *File) Check(ctx context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("keystore directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("keystore path %s is not a directory", f.dir)
	}
	return nil
}

func (f *File) Close() error { return nil }

func (f *File) path(name string) string {
	return filepath.Join(f.dir, name+".key")
}
