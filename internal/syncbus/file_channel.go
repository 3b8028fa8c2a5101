package syncbus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const fileSuffix = ".json"

var (
	errAlreadyWatching = errors.New("channel is already being watched")
	validKey           = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// FileChannel stores each key as <dir>/<key>.json and watches the directory
// with fsnotify, so every process pointed at the same directory sees the
// others' writes. Writes go through a temp file and a rename so readers never
// observe a partial value.
type FileChannel struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewFileChannel creates the state directory (0700) if needed.
func NewFileChannel(dir string, logger *slog.Logger) (*FileChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileChannel{dir: dir, logger: logger}, nil
}

// Dir returns the state directory.
func (c *FileChannel) Dir() string { return c.dir }

func (c *FileChannel) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid channel key %q", key)
	}
	return filepath.Join(c.dir, key+fileSuffix), nil
}

func (c *FileChannel) Get(_ context.Context, key string) ([]byte, bool, error) {
	p, err := c.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

func (c *FileChannel) Set(_ context.Context, key string, value []byte) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (c *FileChannel) Delete(_ context.Context, key string) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (c *FileChannel) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list state dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if key, ok := keyOf(e.Name()); ok && !e.IsDir() {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch reports changes to any key file, including this process's own
// writes; the bus filters those by diffing against its cache.
func (c *FileChannel) Watch(fn func(key string)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return nil, errAlreadyWatching
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(c.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", c.dir, err)
	}
	c.watcher = w

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
					!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if key, ok := keyOf(filepath.Base(ev.Name)); ok {
					fn(key)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("state dir watcher error", "dir", c.dir, "error", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.Close()
			<-done
			c.mu.Lock()
			c.watcher = nil
			c.mu.Unlock()
		})
	}, nil
}

// keyOf maps a file name back to its key, skipping temp and foreign files.
func keyOf(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(name, fileSuffix)
	return key, validKey.MatchString(key)
}
