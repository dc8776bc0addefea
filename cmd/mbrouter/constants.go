package main

import "time"

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01

	KEY_MUTE         = 113
	KEY_VOLUMEDOWN   = 114
	KEY_VOLUMEUP     = 115
	KEY_NEXTSONG     = 163
	KEY_PLAYPAUSE    = 164
	KEY_PREVIOUSSONG = 165
	KEY_STOPCD       = 166
	KEY_REWIND       = 168
	KEY_PLAYCD       = 200
	KEY_PAUSECD      = 201
	KEY_PLAY         = 207
	KEY_FASTFORWARD  = 208
	KEY_MEDIA        = 226 // headset hook on most wired headsets
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Routing defaults
const (
	defaultDecisionBudget = 2 * time.Second  // receive path must finish well inside this
	defaultChooserWake    = 3 * time.Second  // screen must stay on long enough for the chooser
	defaultChooserTimeout = 30 * time.Second // open chooser sessions expire after this

	defaultSlotPollInterval = time.Second
	defaultIPCReplyTimeout  = 3 * time.Second

	defaultSocketPath = "/tmp/mbrouter.sock"
	defaultHTTPPort   = 3011
)

// Receiver identity
const (
	appName = "mbrouter"

	// mprisNamePrefix is the well-known bus name prefix for MPRIS players.
	mprisNamePrefix = "org.mpris.MediaPlayer2."
	mprisObjectPath = "/org/mpris/MediaPlayer2"

	// chooserMarkerName is the component name the chooser lends the receiver slot to
	// while it is open.
	chooserMarkerName = "mbrouter.ChooserSession"
)
