package main

import (
	"fmt"
	"time"
)

// Phase is the action phase of a key event.
type Phase int

const (
	PhaseDown Phase = iota
	PhaseUp
)

func (p Phase) String() string {
	if p == PhaseUp {
		return "up"
	}
	return "down"
}

// MarshalText encodes the phase as "down" or "up".
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText accepts "down" or "up".
func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "down":
		*p = PhaseDown
	case "up":
		*p = PhaseUp
	default:
		return fmt.Errorf("invalid key phase %q", string(b))
	}
	return nil
}

// KeyEvent is a single hardware key signal.
type KeyEvent struct {
	Code   uint16    `json:"code"`
	Phase  Phase     `json:"phase"`
	Repeat bool      `json:"repeat,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

func (e KeyEvent) String() string {
	return fmt.Sprintf("%s(%d)/%s", keyName(e.Code), e.Code, e.Phase)
}

// adjustedKeyCode folds equivalent codes onto the one players understand.
func adjustedKeyCode(code uint16) uint16 {
	switch code {
	case KEY_MEDIA:
		return KEY_PLAYPAUSE
	case KEY_PLAY:
		return KEY_PLAYCD
	}
	return code
}

func isVolumeKey(code uint16) bool {
	switch code {
	case KEY_VOLUMEUP, KEY_VOLUMEDOWN, KEY_MUTE:
		return true
	}
	return false
}

// isMediaKey reports whether code (after adjustment) is routed by the engine.
func isMediaKey(code uint16) bool {
	switch adjustedKeyCode(code) {
	case KEY_PLAYPAUSE, KEY_NEXTSONG, KEY_PREVIOUSSONG, KEY_STOPCD,
		KEY_PLAYCD, KEY_PAUSECD, KEY_REWIND, KEY_FASTFORWARD:
		return true
	}
	return false
}

var keyNames = map[uint16]string{
	KEY_MUTE:         "mute",
	KEY_VOLUMEDOWN:   "volume-down",
	KEY_VOLUMEUP:     "volume-up",
	KEY_NEXTSONG:     "next",
	KEY_PLAYPAUSE:    "play-pause",
	KEY_PREVIOUSSONG: "previous",
	KEY_STOPCD:       "stop",
	KEY_REWIND:       "rewind",
	KEY_PLAYCD:       "play",
	KEY_PAUSECD:      "pause",
	KEY_PLAY:         "play",
	KEY_FASTFORWARD:  "fast-forward",
	KEY_MEDIA:        "media",
}

func keyName(code uint16) string {
	if n, ok := keyNames[code]; ok {
		return n
	}
	return "key"
}

// keyCodeByName resolves the names accepted by mbrouter-ctl and IPC clients.
func keyCodeByName(name string) (uint16, bool) {
	switch name {
	case "play-pause", "playpause", "toggle":
		return KEY_PLAYPAUSE, true
	case "next":
		return KEY_NEXTSONG, true
	case "previous", "prev":
		return KEY_PREVIOUSSONG, true
	case "stop":
		return KEY_STOPCD, true
	case "play":
		return KEY_PLAYCD, true
	case "pause":
		return KEY_PAUSECD, true
	case "rewind":
		return KEY_REWIND, true
	case "fast-forward", "ff":
		return KEY_FASTFORWARD, true
	case "media":
		return KEY_MEDIA, true
	}
	return 0, false
}
