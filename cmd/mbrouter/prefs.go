package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Preferences is the persisted router state. It is shared by the receive path
// (reader) and the registration pinner (writer).
type Preferences struct {
	Enabled                 bool   `yaml:"enabled" json:"enabled"`
	Conservative            bool   `yaml:"conservative" json:"conservative"`
	SoleReceiverMode        bool   `yaml:"sole_receiver_mode" json:"sole_receiver_mode"`
	LastMediaButtonReceiver string `yaml:"last_media_button_receiver,omitempty" json:"last_media_button_receiver,omitempty"`
}

// Preference keys accepted by SetFlag.
const (
	PrefEnabled      = "enabled"
	PrefConservative = "conservative"
	PrefSoleReceiver = "sole_receiver_mode"
)

// PrefsStore is a YAML-file backed key-value store. Reads take a shared lock;
// every update is written with an atomic replace before it becomes visible.
type PrefsStore struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	prefs    Preferences
	onChange func(Preferences)
}

// OpenPrefsStore loads path, or starts from defaults if the file does not exist yet.
func OpenPrefsStore(path string, defaults Preferences, logger *slog.Logger) (*PrefsStore, error) {
	if path == "" {
		return nil, errors.New("preferences path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create preferences directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PrefsStore{path: path, logger: logger, prefs: defaults}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnChange registers a callback invoked (outside the lock) after every change.
func (s *PrefsStore) OnChange(fn func(Preferences)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Snapshot returns a copy of the current preferences.
func (s *PrefsStore) Snapshot() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// LastHandler returns the stored last receiver, if any.
func (s *PrefsStore) LastHandler() (Component, bool) {
	v := s.Snapshot().LastMediaButtonReceiver
	if v == "" {
		return Component{}, false
	}
	c, err := UnflattenComponent(v)
	if err != nil {
		s.logger.Warn("ignoring malformed last receiver preference", "value", v, "error", err)
		return Component{}, false
	}
	return c, true
}

// SetLastHandler persists c as the last receiver.
func (s *PrefsStore) SetLastHandler(c Component) error {
	if c.IsZero() {
		return errors.New("last receiver must not be empty")
	}
	return s.update(func(p *Preferences) {
		p.LastMediaButtonReceiver = c.Flatten()
	})
}

// SetFlag sets one of the boolean preferences.
func (s *PrefsStore) SetFlag(key string, value bool) error {
	var apply func(p *Preferences)
	switch key {
	case PrefEnabled:
		apply = func(p *Preferences) { p.Enabled = value }
	case PrefConservative:
		apply = func(p *Preferences) { p.Conservative = value }
	case PrefSoleReceiver:
		apply = func(p *Preferences) { p.SoleReceiverMode = value }
	default:
		return fmt.Errorf("unknown preference %q", key)
	}
	return s.update(apply)
}

func (s *PrefsStore) update(apply func(p *Preferences)) error {
	s.mu.Lock()
	next := s.prefs
	apply(&next)
	if next == s.prefs {
		s.mu.Unlock()
		return nil
	}

	b, err := yaml.Marshal(next)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := writeFileAtomic(s.path, b, 0644); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("write preferences: %w", err)
	}
	s.prefs = next
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(next)
	}
	return nil
}

// Reload re-reads the file. Keys missing from the file keep their current value.
func (s *PrefsStore) Reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read preferences: %w", err)
	}

	s.mu.Lock()
	next := s.prefs
	if len(bytes.TrimSpace(b)) > 0 {
		if err := yaml.Unmarshal(b, &next); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("decode preferences: %w", err)
		}
	}
	changed := next != s.prefs
	s.prefs = next
	cb := s.onChange
	s.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
	return nil
}

// Watch reloads the store when the file is edited by hand or by another tool.
// It blocks until ctx is canceled.
func (s *PrefsStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create preferences watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch preferences directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("preferences reload failed", "error", err)
				continue
			}
			s.logger.Debug("preferences reloaded", "path", s.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("preferences watcher error", "error", err)
		}
	}
}
