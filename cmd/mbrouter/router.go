package main

import (
	"context"
	"log/slog"
	"time"
)

// Broadcast is one key event delivered to the router.
type Broadcast struct {
	Event KeyEvent
	// Ordered deliveries can be aborted; the source stops default handling
	// when Outcome.Aborted is true.
	Ordered bool
	// Forwarded is set on events the router itself produced.
	Forwarded bool
	Source    string
}

// Outcome is returned synchronously to the source of a Broadcast.
type Outcome struct {
	Decision Decision
	Aborted  bool
}

// AudioMonitor reports whether any audio is playing right now.
type AudioMonitor interface {
	MusicActive(ctx context.Context) bool
}

// LockDetector reports whether the screen is locked.
type LockDetector interface {
	Locked(ctx context.Context) bool
}

// WakeLocker keeps the screen on for a bounded time. The lock must release
// itself after d without further calls.
type WakeLocker interface {
	AcquireTimed(ctx context.Context, d time.Duration) error
}

// PrefsReader is the read side of the preferences store.
type PrefsReader interface {
	Snapshot() Preferences
	LastHandler() (Component, bool)
}

// RouterConfig holds the receive path tunables.
type RouterConfig struct {
	// Budget bounds the whole receive path, lookups and effects included.
	Budget time.Duration
	// ChooserWake is how long the screen is held on when the chooser opens over a lock screen.
	ChooserWake time.Duration
}

// Router is the receive path: it gathers state, asks the engine, and runs the
// resulting commands.
type Router struct {
	engine    *Engine
	prefs     PrefsReader
	audio     AudioMonitor
	lock      LockDetector
	wake      WakeLocker
	chooser   Chooser
	forwarder *Forwarder
	cfg       RouterConfig
	logger    *slog.Logger
}

// RouterDeps are the collaborators of a Router. Lock and Wake may be nil.
type RouterDeps struct {
	Engine    *Engine
	Prefs     PrefsReader
	Audio     AudioMonitor
	Lock      LockDetector
	Wake      WakeLocker
	Chooser   Chooser
	Forwarder *Forwarder
}

func NewRouter(deps RouterDeps, cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.Budget <= 0 {
		cfg.Budget = defaultDecisionBudget
	}
	if cfg.ChooserWake <= 0 {
		cfg.ChooserWake = defaultChooserWake
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine:    deps.Engine,
		prefs:     deps.Prefs,
		audio:     deps.Audio,
		lock:      deps.Lock,
		wake:      deps.Wake,
		chooser:   deps.Chooser,
		forwarder: deps.Forwarder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Receive handles one broadcast. The abort outcome is decided before Receive
// returns; nothing is deferred to another goroutine.
func (r *Router) Receive(ctx context.Context, b Broadcast) Outcome {
	if b.Forwarded {
		return Outcome{Decision: Decision{Action: ActionPassThrough, Reason: "forwarded by router"}}
	}

	prefs := r.prefs.Snapshot()
	if !prefs.Enabled {
		return Outcome{Decision: Decision{Action: ActionPassThrough, Reason: "routing disabled"}}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	in := DecideInput{
		Event:        b.Event,
		Conservative: prefs.Conservative,
		SoleReceiver: prefs.SoleReceiverMode,
	}
	if prefs.SoleReceiverMode && r.chooser != nil {
		in.ChooserOpen = r.chooser.IsOpen()
	}
	if isMediaKey(b.Event.Code) {
		if r.audio != nil {
			in.MusicActive = r.audio.MusicActive(ctx)
		}
		if last, ok := r.prefs.LastHandler(); ok {
			in.LastHandler = last
		}
	}

	d := r.engine.Decide(ctx, in)

	for _, cmd := range commandsFor(d, b.Event) {
		r.runEffect(ctx, cmd)
	}

	out := Outcome{Decision: d, Aborted: b.Ordered && d.Aborts()}
	r.logger.Debug("media key routed",
		"event", b.Event.String(),
		"source", b.Source,
		"action", d.Action.String(),
		"target", d.Target.Flatten(),
		"reason", d.Reason,
		"aborted", out.Aborted)
	return out
}
