package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

func (ev inputEvent) time() time.Time {
	return time.Unix(ev.Sec, ev.Usec*int64(time.Microsecond))
}

// translateInputEvent converts a raw evdev event into a KeyEvent. Only EV_KEY
// events are keys; autorepeat is reported as a repeated key-down.
func translateInputEvent(ev inputEvent) (KeyEvent, bool) {
	if ev.Type != EV_KEY {
		return KeyEvent{}, false
	}
	k := KeyEvent{Code: ev.Code, At: ev.time()}
	switch ev.Value {
	case evValuePress:
		k.Phase = PhaseDown
	case evValueRepeat:
		k.Phase = PhaseDown
		k.Repeat = true
	case evValueRelease:
		k.Phase = PhaseUp
	default:
		return KeyEvent{}, false
	}
	return k, true
}

// runInputReader reads the given evdev devices until ctx is canceled and feeds
// media and volume keys into the daemon. Devices are read-only observers: the
// desktop still sees the keys, so these broadcasts are not ordered.
func runInputReader(ctx context.Context, paths []string, events chan<- Event, logger *slog.Logger) error {
	files := make([]*os.File, 0, len(paths))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open input device %s: %w", p, err)
		}
		files = append(files, f)
	}

	raw := make(chan inputEvent, 64)
	readErr := make(chan error, 1)
	go readInputEventsEpoll(ctx, files, raw, readErr, logger)

	logger.Info("reading input devices", "devices", paths)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("input reader stopped: %w", err)

		case ev := <-raw:
			k, ok := translateInputEvent(ev)
			if !ok {
				continue
			}
			if !isMediaKey(k.Code) && !isVolumeKey(k.Code) {
				continue
			}
			select {
			case events <- KeyBroadcast{Broadcast: Broadcast{Event: k, Source: "evdev"}}:
			default:
				logger.Warn("event queue full, dropping input key", "key", keyName(k.Code))
			}
		}
	}
}
