package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/quarckster/go-mpris-server/pkg/server"
	"github.com/quarckster/go-mpris-server/pkg/types"
)

// mprisReceiver is the router's own MPRIS player. Desktop shells deliver
// hardware media keys to an MPRIS player; every transport call that lands
// here becomes a down+up key pair routed through the daemon.
//
// The player always reports Stopped, so it never looks like an active
// candidate, and pass-through decisions for its keys are dropped.
type mprisReceiver struct {
	name     string
	identity string
	events   chan<- Event
	logger   *slog.Logger

	s       *server.Server
	connErr error
}

var (
	_ types.OrgMprisMediaPlayer2Adapter       = (*mprisReceiver)(nil)
	_ types.OrgMprisMediaPlayer2PlayerAdapter = (*mprisReceiver)(nil)
)

const noTrackObjectPath = "/org/mpris/MediaPlayer2/TrackList/NoTrack"

var errNotSupported = errors.New("not supported by the media button router")

func newMPRISReceiver(name string, events chan<- Event, logger *slog.Logger) *mprisReceiver {
	r := &mprisReceiver{
		name:     name,
		identity: "Media Button Router",
		events:   events,
		logger:   logger,
		connErr:  errors.New("not started"),
	}
	r.s = server.NewServer(name, r, r)
	return r
}

// Start claims the player name on the session bus. It returns once Listen
// has failed or has been running for a moment.
func (r *mprisReceiver) Start() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.s.Listen()
	}()
	select {
	case err := <-errCh:
		r.connErr = err
		if err == nil {
			r.connErr = errors.New("stopped")
		}
		return err
	case <-time.After(250 * time.Millisecond):
		r.connErr = nil
		r.logger.Info("mpris receiver registered", "name", mprisNamePrefix+r.name)
		return nil
	}
}

// Shutdown releases the player name.
func (r *mprisReceiver) Shutdown() {
	if r.connErr == nil {
		r.s.Stop()
		r.connErr = errors.New("stopped")
	}
}

// press injects a full key press for code.
func (r *mprisReceiver) press(code uint16) error {
	now := time.Now()
	for _, phase := range []Phase{PhaseDown, PhaseUp} {
		b := Broadcast{
			Event:   KeyEvent{Code: code, Phase: phase, At: now},
			Ordered: true,
			Source:  "mpris",
		}
		select {
		case r.events <- KeyBroadcast{Broadcast: b}:
		default:
			r.logger.Warn("event queue full, dropping mpris key", "key", keyName(code))
			return errors.New("router busy")
		}
	}
	return nil
}

// OrgMprisMediaPlayer2Adapter implementation

func (r *mprisReceiver) Identity() (string, error)              { return r.identity, nil }
func (r *mprisReceiver) CanQuit() (bool, error)                 { return false, nil }
func (r *mprisReceiver) Quit() error                            { return errNotSupported }
func (r *mprisReceiver) CanRaise() (bool, error)                { return false, nil }
func (r *mprisReceiver) Raise() error                           { return errNotSupported }
func (r *mprisReceiver) HasTrackList() (bool, error)            { return false, nil }
func (r *mprisReceiver) SupportedUriSchemes() ([]string, error) { return []string{}, nil }
func (r *mprisReceiver) SupportedMimeTypes() ([]string, error)  { return []string{}, nil }

// OrgMprisMediaPlayer2PlayerAdapter implementation

func (r *mprisReceiver) Next() error      { return r.press(KEY_NEXTSONG) }
func (r *mprisReceiver) Previous() error  { return r.press(KEY_PREVIOUSSONG) }
func (r *mprisReceiver) Pause() error     { return r.press(KEY_PAUSECD) }
func (r *mprisReceiver) PlayPause() error { return r.press(KEY_PLAYPAUSE) }
func (r *mprisReceiver) Stop() error      { return r.press(KEY_STOPCD) }
func (r *mprisReceiver) Play() error      { return r.press(KEY_PLAYCD) }

func (r *mprisReceiver) Seek(types.Microseconds) error                { return errNotSupported }
func (r *mprisReceiver) SetPosition(string, types.Microseconds) error { return errNotSupported }
func (r *mprisReceiver) OpenUri(string) error                         { return errNotSupported }

func (r *mprisReceiver) PlaybackStatus() (types.PlaybackStatus, error) {
	return types.PlaybackStatusStopped, nil
}

func (r *mprisReceiver) Rate() (float64, error) { return 1, nil }
func (r *mprisReceiver) SetRate(float64) error  { return errNotSupported }

func (r *mprisReceiver) Metadata() (types.Metadata, error) {
	return types.Metadata{TrackId: dbus.ObjectPath(noTrackObjectPath)}, nil
}

func (r *mprisReceiver) Volume() (float64, error)      { return 1, nil }
func (r *mprisReceiver) SetVolume(float64) error       { return errNotSupported }
func (r *mprisReceiver) Position() (int64, error)      { return 0, nil }
func (r *mprisReceiver) MinimumRate() (float64, error) { return 1, nil }
func (r *mprisReceiver) MaximumRate() (float64, error) { return 1, nil }
func (r *mprisReceiver) CanGoNext() (bool, error)      { return true, nil }
func (r *mprisReceiver) CanGoPrevious() (bool, error)  { return true, nil }
func (r *mprisReceiver) CanPlay() (bool, error)        { return true, nil }
func (r *mprisReceiver) CanPause() (bool, error)       { return true, nil }
func (r *mprisReceiver) CanSeek() (bool, error)        { return false, nil }
func (r *mprisReceiver) CanControl() (bool, error)     { return true, nil }
