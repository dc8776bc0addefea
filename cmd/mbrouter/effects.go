package main

import (
	"context"
	"time"
)

// runEffect executes a single engine-derived Command against the router's
// collaborators.
//
// Design rules:
//   - This is the only place on the receive path allowed to perform I/O
//     beyond the engine's read-only lookups.
//   - Failures are logged and dropped; the abort outcome was already decided.
func (r *Router) runEffect(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case CmdForward:
		if r.forwarder == nil {
			r.logger.Warn("forward requested without a forwarder", "command", c.String())
			return
		}
		r.forwarder.Forward(ctx, c.Target, c.KeyCode, c.Event)

	case CmdShowChooser:
		if r.chooser == nil {
			r.logger.Warn("chooser requested but none configured", "command", c.String())
			return
		}
		locked := false
		if r.lock != nil {
			locked = r.lock.Locked(ctx)
		}
		req := ChooserRequest{
			Event:       c.Event,
			KeyCode:     c.KeyCode,
			Candidates:  c.Candidates,
			Locked:      locked,
			Destination: destinationSelector,
		}
		if locked {
			req.Destination = destinationSelectorLocked
			if r.wake != nil {
				if err := r.wake.AcquireTimed(ctx, r.cfg.ChooserWake); err != nil {
					r.logger.Warn("wake lock failed", "error", err)
				}
			}
		}
		if err := r.chooser.Show(ctx, req); err != nil {
			r.logger.Warn("chooser failed to open", "error", err)
		}

	case CmdRebroadcast:
		if r.chooser == nil {
			return
		}
		if err := r.chooser.Keypress(c.Event); err != nil {
			r.logger.Debug("rebroadcast to chooser dropped", "error", err)
		}

	default:
		r.logger.Warn("unknown command type", "command", cmd.String(), "error", errUnknownCommand{cmd: cmd})
	}
}

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }

// timedWake is a WakeLocker built from an acquire/release pair. Release runs
// once the bound elapses, whatever happens to the chooser.
type timedWake struct {
	acquire func(ctx context.Context) (release func(), err error)
}

func (w timedWake) AcquireTimed(ctx context.Context, d time.Duration) error {
	release, err := w.acquire(ctx)
	if err != nil {
		return err
	}
	time.AfterFunc(d, release)
	return nil
}
