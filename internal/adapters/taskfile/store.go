// Package taskfile persists the task list as a single YAML document on
// disk and surfaces external edits through a filesystem watch.
package taskfile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/manthysbr/orbitOS/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// document is the on-disk shape: a single top-level tasks list.
type document struct {
	Tasks []*domain.Task `yaml:"tasks"`
}

// Store implements ports.TaskStorage over one YAML file. Saves are
// atomic (temp file plus rename) so a crash mid-write never leaves a
// truncated task list behind.
type Store struct {
	logger    *slog.Logger
	path      string
	remoteURL string // optional seed fetched once at first Load
	client    *http.Client

	mu sync.Mutex // serializes writers
}

type Option func(*Store)

// WithRemoteSeed makes Load fetch the task document from url first,
// replacing the on-disk list. The local file is the fallback when the
// remote is unreachable.
func WithRemoteSeed(url string) Option {
	return func(s *Store) { s.remoteURL = url }
}

func New(logger *slog.Logger, path string, opts ...Option) *Store {
	s := &Store{
		logger: logger,
		path:   path,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the task list. A configured remote seed is tried first
// and replaces the on-disk document; otherwise, or when the remote is
// unreachable, the local file is read. A missing file is an empty
// list, not an error.
func (s *Store) Load(ctx context.Context) ([]*domain.Task, error) {
	if s.remoteURL != "" {
		if tasks, ok, err := s.seedFromRemote(ctx); err != nil {
			return nil, err
		} else if ok {
			return tasks, nil
		}
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	return decode(data)
}

func (s *Store) seedFromRemote(ctx context.Context) ([]*domain.Task, bool, error) {
	s.logger.Info("seeding task file from remote", "url", s.remoteURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.remoteURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build seed request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("remote seed unreachable, using local file", "error", err)
		return nil, false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("remote seed rejected, using local file", "status", resp.StatusCode)
		return nil, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read seed body: %w", err)
	}
	tasks, err := decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("remote seed: %w", err)
	}
	if err := s.Save(ctx, tasks); err != nil {
		s.logger.Warn("could not persist remote seed", "error", err)
	}
	return tasks, true, nil
}

func decode(data []byte) ([]*domain.Task, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	return doc.Tasks, nil
}

// Save writes the full task list atomically.
func (s *Store) Save(_ context.Context, tasks []*domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(document{Tasks: tasks})
	if err != nil {
		return fmt.Errorf("encode task file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tasks-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp task file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp task file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

// Watch emits a signal when the task file changes on disk. Bursts of
// filesystem events (editors often write several) collapse into one
// debounced signal. The watcher stops when ctx ends.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: rename-based atomic saves replace the file
	// inode, which a file-level watch would lose.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch task dir: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(out)

		var debounce *time.Timer
		fire := func() {
			select {
			case out <- struct{}{}:
			default:
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, fire)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("task file watch error", "error", err)
			}
		}
	}()
	return out, nil
}
