package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	screenSaverName  = "org.freedesktop.ScreenSaver"
	screenSaverPath  = "/org/freedesktop/ScreenSaver"
	screenSaverIface = "org.freedesktop.ScreenSaver"
)

// screenSaver answers lock-state queries and keeps the screen on while the
// chooser is shown over a locked session.
type screenSaver struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// Locked implements LockDetector. Errors count as unlocked.
func (s *screenSaver) Locked(ctx context.Context) bool {
	var active bool
	obj := s.conn.Object(screenSaverName, screenSaverPath)
	if err := obj.CallWithContext(ctx, screenSaverIface+".GetActive", 0).Store(&active); err != nil {
		s.logger.Debug("screensaver state unavailable", "error", err)
		return false
	}
	return active
}

// acquire wakes the screen and inhibits idle until release is called.
func (s *screenSaver) acquire(ctx context.Context) (func(), error) {
	obj := s.conn.Object(screenSaverName, screenSaverPath)
	if call := obj.CallWithContext(ctx, screenSaverIface+".SimulateUserActivity", 0); call.Err != nil {
		s.logger.Debug("screensaver wake failed", "error", call.Err)
	}

	var cookie uint32
	if err := obj.CallWithContext(ctx, screenSaverIface+".Inhibit", 0, appName, "media key chooser").Store(&cookie); err != nil {
		return nil, fmt.Errorf("inhibit screensaver: %w", err)
	}
	return func() {
		if call := obj.Call(screenSaverIface+".UnInhibit", 0, cookie); call.Err != nil {
			s.logger.Warn("screensaver uninhibit failed", "cookie", cookie, "error", call.Err)
		}
	}, nil
}

// alsaMonitor reports audio as active when any ALSA playback substream is running.
type alsaMonitor struct {
	root string // usually /proc/asound
}

// MusicActive implements AudioMonitor.
func (m alsaMonitor) MusicActive(ctx context.Context) bool {
	matches, err := filepath.Glob(filepath.Join(m.root, "card*", "pcm*p", "sub*", "status"))
	if err != nil {
		return false
	}
	for _, path := range matches {
		if ctx.Err() != nil {
			return false
		}
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.Contains(string(b), "state: RUNNING") {
			return true
		}
	}
	return false
}
