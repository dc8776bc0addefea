package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileSlot is a ReceiverSlot backed by a small text file holding one
// flattened component. Cooperating players write their own component into it
// when they want media keys, the same way they would call the platform's
// register API.
type fileSlot struct {
	path   string
	poll   time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	written    string
	hasWritten bool
}

func newFileSlot(path string, poll time.Duration, logger *slog.Logger) (*fileSlot, error) {
	if path == "" {
		return nil, errors.New("receiver slot path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create receiver slot directory: %w", err)
	}
	if poll <= 0 {
		poll = defaultSlotPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &fileSlot{path: path, poll: poll, logger: logger}, nil
}

func (s *fileSlot) Get() (string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read receiver slot: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Set replaces the slot atomically (temp file + rename).
func (s *fileSlot) Set(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.path, []byte(value+"\n"), 0644); err != nil {
		return fmt.Errorf("write receiver slot: %w", err)
	}
	s.written = value
	s.hasWritten = true
	return nil
}

func (s *fileSlot) isSelf(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasWritten && value == s.written
}

// Watch reports value changes. It uses fsnotify on the slot directory and
// polls as a fallback.
func (s *fileSlot) Watch(ctx context.Context) (<-chan SlotChange, error) {
	last, err := s.Get()
	if err != nil {
		return nil, err
	}

	out := make(chan SlotChange, 8)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify not available, polling receiver slot", "error", err)
		watcher = nil
	} else if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("failed to watch receiver slot directory, polling", "error", err)
		_ = watcher.Close()
		watcher = nil
	}

	go func() {
		defer close(out)
		if watcher != nil {
			defer watcher.Close()
		}

		pollTicker := time.NewTicker(s.poll)
		defer pollTicker.Stop()

		check := func() {
			v, err := s.Get()
			if err != nil {
				s.logger.Warn("receiver slot read failed", "error", err)
				return
			}
			if v == last {
				return
			}
			last = v
			select {
			case out <- SlotChange{Value: v, SelfChange: s.isSelf(v)}:
			case <-ctx.Done():
			}
		}

		var events <-chan fsnotify.Event
		var errs <-chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-events:
				if !ok {
					s.logger.Info("fsnotify watcher closed, polling receiver slot")
					events, errs = nil, nil
					continue
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					check()
				}

			case err, ok := <-errs:
				if !ok {
					events, errs = nil, nil
					continue
				}
				s.logger.Warn("receiver slot watcher error", "error", err)

			case <-pollTicker.C:
				check()
			}
		}
	}()

	return out, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
