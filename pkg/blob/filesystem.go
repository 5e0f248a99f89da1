package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FilesystemConfig contains configuration for the filesystem blob store.
type FilesystemConfig struct {
	// Root is the directory all blobs live under.
	Root string `mapstructure:"root" yaml:"root"`
}

// Filesystem is a local-disk implementation of Store.
type Filesystem struct {
	root   string
	closed bool
	mu     sync.RWMutex
}

// NewFilesystem creates a filesystem blob store rooted at cfg.Root,
// creating the directory if needed.
func NewFilesystem(cfg FilesystemConfig) (*Filesystem, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Filesystem{root: root}, nil
}

// Root returns the absolute store root directory.
func (f *Filesystem) Root() string {
	return f.root
}

// abs resolves a relative blob path against the root, rejecting escapes.
func (f *Filesystem) abs(rel string) (string, error) {
	cleaned, err := CleanRel(rel)
	if err != nil {
		return "", err
	}

	full := filepath.Join(f.root, filepath.FromSlash(cleaned))
	// Belt and braces: the joined path must still sit under the root.
	if full != f.root && !strings.HasPrefix(full, f.root+string(os.PathSeparator)) {
		return "", ErrPathEscape
	}
	return full, nil
}

func (f *Filesystem) checkOpen() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStoreClosed
	}
	return nil
}

// Put writes a blob, creating parent directories as needed.
func (f *Filesystem) Put(ctx context.Context, rel string, data []byte) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := f.abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	// Write to a sibling temp file and rename so readers never observe a
	// partially written blob.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

// Open opens a blob for reading and returns its size.
func (f *Filesystem) Open(ctx context.Context, rel string) (Handle, int64, error) {
	if err := f.checkOpen(); err != nil {
		return nil, 0, err
	}

	full, err := f.abs(rel)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("open blob: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat blob: %w", err)
	}
	return file, info.Size(), nil
}

// Read returns the full content of a blob.
func (f *Filesystem) Read(ctx context.Context, rel string) ([]byte, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	full, err := f.abs(rel)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Delete removes a single blob. Missing blobs are not an error.
func (f *Filesystem) Delete(ctx context.Context, rel string) error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	full, err := f.abs(rel)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// DeleteByPrefix removes all blobs under a prefix directory.
func (f *Filesystem) DeleteByPrefix(ctx context.Context, prefix string) error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	full, err := f.abs(prefix)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete blob prefix: %w", err)
	}
	return nil
}

// ListByPrefix lists relative blob paths under a prefix.
func (f *Filesystem) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}

	full, err := f.abs(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.Walk(full, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list blob prefix: %w", err)
	}
	return keys, nil
}

// HealthCheck verifies the root directory exists and is writable.
func (f *Filesystem) HealthCheck(ctx context.Context) error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	probe, err := os.CreateTemp(f.root, ".health-*")
	if err != nil {
		return fmt.Errorf("blob root not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// Close marks the store as closed.
func (f *Filesystem) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Ensure Filesystem implements Store.
var _ Store = (*Filesystem)(nil)
