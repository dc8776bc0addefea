package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// Every key source (evdev, IPC, the router's own MPRIS player) and every
// control request funnels into one goroutine, so broadcasts are routed one at
// a time and chooser answers never interleave with a decision in progress.
//
// Design rules enforced here:
//   - The router performs the decision and its effects; this loop only
//     sequences inputs, records outcomes and publishes state broadcasts.
//   - Replies are sent on buffered channels and never block the loop.
//
// ============================================================================

// KeyRouter is the receive path as seen by the daemon loop.
type KeyRouter interface {
	Receive(ctx context.Context, b Broadcast) Outcome
}

// ChooserControl is the answer side of the chooser.
type ChooserControl interface {
	Choose(ctx context.Context, id string, target Component) error
	Dismiss(id string) error
	Current() (ChooserRequest, bool)
}

// PrefsControl is the preference surface exposed to clients.
type PrefsControl interface {
	Snapshot() Preferences
	SetFlag(key string, value bool) error
}

// DaemonDeps are the collaborators of runDaemon. Publish may be nil.
type DaemonDeps struct {
	Self    Component
	Router  KeyRouter
	Chooser ChooserControl
	Prefs   PrefsControl
	Publish func(StateBroadcast)
}

// runDaemon is the main daemon loop.
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(ctx context.Context, events <-chan Event, deps DaemonDeps, logger *slog.Logger) {
	if deps.Router == nil {
		logger.Error("daemon router is nil")
		return
	}
	if deps.Publish == nil {
		deps.Publish = func(StateBroadcast) {}
	}

	d := &daemon{deps: deps, state: &DaemonState{Self: deps.Self.Flatten()}, logger: logger}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			d.handle(ctx, ev)
		}
	}
}

type daemon struct {
	deps   DaemonDeps
	state  *DaemonState
	logger *slog.Logger
}

func (d *daemon) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case KeyBroadcast:
		out := d.route(ctx, e.Broadcast)
		if e.Reply != nil {
			select {
			case e.Reply <- out:
			default:
				d.logger.Warn("key outcome reply dropped", "source", e.Broadcast.Source)
			}
		}

	case RequestStateSnapshot:
		select {
		case e.Reply <- d.snapshot():
		default:
			d.logger.Warn("snapshot reply dropped")
		}

	case Request:
		res := d.handleRequest(ctx, e.Event)
		if e.Reply != nil {
			select {
			case e.Reply <- res:
			default:
				d.logger.Warn("request reply dropped")
			}
		}

	default:
		d.logger.Warn("unhandled daemon event", "type", typeName(ev))
	}
}

func (d *daemon) handleRequest(ctx context.Context, ev Event) Result {
	switch e := ev.(type) {
	case KeyPress:
		code, err := e.resolveCode()
		if err != nil {
			return Result{Err: err}
		}
		out := d.route(ctx, Broadcast{
			Event:     KeyEvent{Code: code, Phase: e.Phase, Repeat: e.Repeat, At: time.Now()},
			Ordered:   e.Ordered,
			Forwarded: e.Forwarded,
			Source:    "ipc",
		})
		return Result{Outcome: &out}

	case Choose:
		if d.deps.Chooser == nil {
			return Result{Err: errNoChooserSession}
		}
		target, err := UnflattenComponent(e.Component)
		if err != nil {
			return Result{Err: err}
		}
		return Result{Err: d.deps.Chooser.Choose(ctx, e.RequestID, target)}

	case Dismiss:
		if d.deps.Chooser == nil {
			return Result{Err: errNoChooserSession}
		}
		return Result{Err: d.deps.Chooser.Dismiss(e.RequestID)}

	case SetPreference:
		if d.deps.Prefs == nil {
			return Result{Err: errNoPrefs}
		}
		return Result{Err: d.deps.Prefs.SetFlag(e.Key, e.Value)}

	case StatusRequest:
		snap := d.snapshot()
		return Result{Snapshot: &snap}
	}
	return Result{Err: errUnsupportedRequest{ev: ev}}
}

// route runs one broadcast through the router and records the outcome.
func (d *daemon) route(ctx context.Context, b Broadcast) Outcome {
	out := d.deps.Router.Receive(ctx, b)

	now := time.Now()
	d.state.recordDecision(newDecisionRecord(b, out, now))
	d.deps.Publish(BroadcastDecision{
		Event:    b.Event,
		Source:   b.Source,
		Decision: out.Decision,
		Aborted:  out.Aborted,
		At:       now,
	})
	return out
}

func (d *daemon) snapshot() StateSnapshot {
	var prefs Preferences
	if d.deps.Prefs != nil {
		prefs = d.deps.Prefs.Snapshot()
	}
	var open *ChooserRequest
	if d.deps.Chooser != nil {
		if req, ok := d.deps.Chooser.Current(); ok {
			open = &req
		}
	}
	return d.state.snapshot(prefs, open)
}

var errNoPrefs = errors.New("preferences store not configured")

type errUnsupportedRequest struct {
	ev Event
}

func (e errUnsupportedRequest) Error() string {
	return fmt.Sprintf("unsupported request: %s", typeName(e.ev))
}

func typeName(v any) string { return fmt.Sprintf("%T", v) }
