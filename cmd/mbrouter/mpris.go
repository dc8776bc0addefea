package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ============================================================================
// MPRIS adapters (session bus)
// ============================================================================
//
// Every MPRIS player on the session bus is a candidate receiver. Its package is
// the first segment after the MPRIS prefix, so that
// "org.mpris.MediaPlayer2.firefox.instance_1_42" belongs to "firefox".
//
// A player whose PlaybackStatus is "Playing" is treated as a foreground,
// started audio service; any other owned player name is started only.
//
// ============================================================================

type mprisBus struct {
	conn   *dbus.Conn
	ignore map[string]bool
	logger *slog.Logger
}

func newMPRISBus(conn *dbus.Conn, ignore []string, logger *slog.Logger) *mprisBus {
	if logger == nil {
		logger = slog.Default()
	}
	m := &mprisBus{conn: conn, ignore: make(map[string]bool, len(ignore)), logger: logger}
	for _, name := range ignore {
		m.ignore[name] = true
	}
	return m
}

// mprisPackage derives the owning package from an MPRIS bus name.
func mprisPackage(busName string) string {
	rest := strings.TrimPrefix(busName, mprisNamePrefix)
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// players returns MPRIS bus names in sorted order, minus ignored ones.
func (m *mprisBus) players(ctx context.Context) ([]string, error) {
	obj := m.conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	var names []string
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("list names: %w", call.Err)
	}
	if err := call.Store(&names); err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}

	var players []string
	for _, name := range names {
		if !strings.HasPrefix(name, mprisNamePrefix) {
			continue
		}
		if m.ignore[name] || m.ignore[mprisPackage(name)] {
			continue
		}
		players = append(players, name)
	}
	sort.Strings(players)
	return players, nil
}

func (m *mprisBus) property(ctx context.Context, busName, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	obj := m.conn.Object(busName, mprisObjectPath)
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, iface, prop).Store(&v)
	return v, err
}

// Candidates implements CapabilityProbe.
func (m *mprisBus) Candidates(ctx context.Context) ([]Candidate, error) {
	names, err := m.players(ctx)
	if err != nil {
		return nil, err
	}
	cands := make([]Candidate, 0, len(names))
	for _, name := range names {
		c := Candidate{Component: Component{Package: mprisPackage(name), Name: name}}
		if v, err := m.property(ctx, name, "org.mpris.MediaPlayer2", "Identity"); err == nil {
			c.Identity = asString(v)
		}
		cands = append(cands, c)
	}
	return cands, nil
}

// RunningServices implements ActivitySnapshot.
func (m *mprisBus) RunningServices(ctx context.Context) ([]RunningService, error) {
	names, err := m.players(ctx)
	if err != nil {
		return nil, err
	}
	services := make([]RunningService, 0, len(names))
	for _, name := range names {
		v, err := m.property(ctx, name, "org.mpris.MediaPlayer2.Player", "PlaybackStatus")
		if err != nil {
			m.logger.Debug("skipping player without playback status", "player", name, "error", err)
			continue
		}
		services = append(services, RunningService{
			Package:    mprisPackage(name),
			Started:    true,
			Foreground: strings.EqualFold(asString(v), "Playing"),
		})
	}
	return services, nil
}

var errNoPlayerMethod = errors.New("key has no MPRIS equivalent")

// mprisMethod maps a key code to the MPRIS player method that performs it.
func mprisMethod(code uint16) (string, error) {
	switch adjustedKeyCode(code) {
	case KEY_PLAYPAUSE:
		return "org.mpris.MediaPlayer2.Player.PlayPause", nil
	case KEY_NEXTSONG, KEY_FASTFORWARD:
		return "org.mpris.MediaPlayer2.Player.Next", nil
	case KEY_PREVIOUSSONG, KEY_REWIND:
		return "org.mpris.MediaPlayer2.Player.Previous", nil
	case KEY_STOPCD:
		return "org.mpris.MediaPlayer2.Player.Stop", nil
	case KEY_PLAYCD:
		return "org.mpris.MediaPlayer2.Player.Play", nil
	case KEY_PAUSECD:
		return "org.mpris.MediaPlayer2.Player.Pause", nil
	}
	return "", errNoPlayerMethod
}

// Deliver implements Deliverer. A player acts once per press, on the up phase.
func (m *mprisBus) Deliver(ctx context.Context, msg ForwardMessage) error {
	method, err := mprisMethod(msg.KeyCode)
	if err != nil {
		return fmt.Errorf("%s: %w", keyName(msg.KeyCode), err)
	}
	for _, ev := range msg.Events {
		if ev.Phase != PhaseUp {
			continue
		}
		obj := m.conn.Object(msg.Target.Name, mprisObjectPath)
		if call := obj.CallWithContext(ctx, method, 0); call.Err != nil {
			return fmt.Errorf("call %s on %s: %w", method, msg.Target.Name, call.Err)
		}
	}
	return nil
}

func asString(v dbus.Variant) string {
	if s, ok := v.Value().(string); ok {
		return s
	}
	return ""
}
