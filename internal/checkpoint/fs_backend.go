package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSBackend stores objects as files under a root directory. Temp files are
// created in the directory of their final key so that os.Rename is atomic.
type FSBackend struct {
	root string
}

// NewFSBackend creates the root directory if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("checkpoint: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

// Root returns the backing directory.
func (b *FSBackend) Root() string { return b.root }

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FSBackend) key(path string) (string, error) {
	rel, err := filepath.Rel(b.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// WriteTemp writes data to a uniquely named sibling of key and fsyncs it.
func (b *FSBackend) WriteTemp(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := b.path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	ok = true
	return b.key(tmpName)
}

// Replace renames the temp file over key and fsyncs the directory so the
// rename itself survives a crash.
func (b *FSBackend) Replace(ctx context.Context, tmpKey, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := b.path(key)
	if err := os.Rename(b.path(tmpKey), target); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(target))
}

// DiscardTemp removes an abandoned temp file.
func (b *FSBackend) DiscardTemp(_ context.Context, tmpKey string) error {
	err := os.Remove(b.path(tmpKey))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Read returns the file contents under key.
func (b *FSBackend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotExist, key)
	}
	return data, err
}

// List walks the directory named by prefix.
func (b *FSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := b.path(prefix)
	var keys []string
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		k, err := b.key(path)
		if err != nil {
			return err
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the file under key.
func (b *FSBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
