package main

import (
	"context"
	"log/slog"
)

// ============================================================================
// Arbitration Engine
// ============================================================================
//
// The engine decides, for one key event, whether to forward it to a player,
// ask the user, swallow it, or let default delivery proceed.
//
// Rules:
//   - No side effects. The router turns a Decision into Commands and runs them.
//   - Lookups are lazy and ordered by cost: cheap branches never enumerate
//     candidates or services.
//   - ctx carries the receive deadline. An expired deadline degrades to the
//     least intrusive answer for the current branch.
//
// ============================================================================

// CapabilityProbe lists receivers able to handle media button events, in
// enumeration order. The router's own receiver may be included.
type CapabilityProbe interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// ActivitySnapshot lists running audio services as of call time.
type ActivitySnapshot interface {
	RunningServices(ctx context.Context) ([]RunningService, error)
}

// Action is what the router should do with a key event.
type Action int

const (
	// ActionPassThrough lets default delivery proceed.
	ActionPassThrough Action = iota
	// ActionSuppress consumes the event without acting on it.
	ActionSuppress
	// ActionForward sends the event to Decision.Target.
	ActionForward
	// ActionShowChooser asks the user to pick a receiver.
	ActionShowChooser
	// ActionRebroadcast hands the event to the already open chooser.
	ActionRebroadcast
)

func (a Action) String() string {
	switch a {
	case ActionPassThrough:
		return "pass_through"
	case ActionSuppress:
		return "suppress"
	case ActionForward:
		return "forward"
	case ActionShowChooser:
		return "show_chooser"
	case ActionRebroadcast:
		return "rebroadcast"
	}
	return "unknown"
}

// Decision is the engine's answer for one event.
type Decision struct {
	Action Action
	Target Component
	// Candidates offered by the chooser (ActionShowChooser only).
	Candidates []Component
	Reason     string
}

// Aborts reports whether default propagation must be suppressed.
func (d Decision) Aborts() bool {
	return d.Action != ActionPassThrough
}

// DecideInput is the per-event state the router gathers before deciding.
type DecideInput struct {
	Event        KeyEvent
	MusicActive  bool
	LastHandler  Component // zero when no preference is stored
	Conservative bool
	SoleReceiver bool
	ChooserOpen  bool
}

// Engine is the decision core.
type Engine struct {
	// Self is the router's own receiver. It is never a forward target.
	Self Component

	Probe    CapabilityProbe
	Activity ActivitySnapshot

	// ValidateLastHandler resolves the stored last handler against the probe
	// before trusting it.
	ValidateLastHandler bool

	logger *slog.Logger
}

// NewEngine constructs an engine. logger may be nil.
func NewEngine(self Component, probe CapabilityProbe, activity ActivitySnapshot, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Self:                self,
		Probe:               probe,
		Activity:            activity,
		ValidateLastHandler: true,
		logger:              logger,
	}
}

// Decide runs the arbitration for one event.
func (e *Engine) Decide(ctx context.Context, in DecideInput) Decision {
	ev := in.Event
	code := adjustedKeyCode(ev.Code)
	up := ev.Phase == PhaseUp

	if isVolumeKey(code) {
		return Decision{Action: ActionPassThrough, Reason: "volume key"}
	}

	if in.SoleReceiver && in.ChooserOpen {
		return Decision{Action: ActionRebroadcast, Reason: "chooser open"}
	}

	if !isMediaKey(code) {
		return Decision{Action: ActionPassThrough, Reason: "not a media key"}
	}

	if !in.MusicActive {
		return e.decideIdle(ctx, up)
	}

	if !in.LastHandler.IsZero() && in.LastHandler != e.Self {
		if d, ok := e.decideLastHandler(ctx, in.LastHandler, up); ok {
			return d
		}
	}

	return e.decidePlaying(ctx, in.Conservative, up)
}

// decideLastHandler trusts the stored receiver. ok is false when the handler
// could not be resolved and the caller should fall back to the heuristics.
func (e *Engine) decideLastHandler(ctx context.Context, last Component, up bool) (Decision, bool) {
	if e.ValidateLastHandler {
		if ctx.Err() != nil {
			return Decision{Action: ActionPassThrough, Reason: "deadline exceeded"}, true
		}
		cands, err := e.candidates(ctx)
		switch {
		case err != nil:
			// Probe unavailable; keep the unvalidated behavior.
			e.logger.Debug("last handler not validated", "error", err)
		case !containsComponent(cands, last):
			e.logger.Debug("last handler not installed, falling back", "last_handler", last.Flatten())
			return Decision{}, false
		}
	}

	if !up {
		return Decision{Action: ActionSuppress, Reason: "last handler, waiting for key up"}, true
	}
	return Decision{Action: ActionForward, Target: last, Reason: "last handler"}, true
}

// decidePlaying matches running services against candidates.
func (e *Engine) decidePlaying(ctx context.Context, conservative bool, up bool) Decision {
	if ctx.Err() != nil {
		return Decision{Action: ActionPassThrough, Reason: "deadline exceeded"}
	}
	cands, err := e.candidates(ctx)
	if err != nil {
		e.logger.Debug("candidate probe failed", "error", err)
		return Decision{Action: ActionPassThrough, Reason: "no candidates"}
	}
	others := e.withoutSelf(cands)
	if len(others) == 0 {
		return Decision{Action: ActionPassThrough, Reason: "no candidates"}
	}

	if ctx.Err() != nil {
		return Decision{Action: ActionPassThrough, Reason: "deadline exceeded"}
	}
	var services []RunningService
	if e.Activity != nil {
		services, err = e.Activity.RunningServices(ctx)
		if err != nil {
			e.logger.Debug("activity snapshot failed", "error", err)
		}
	}
	matched := matchPlaying(others, services)

	switch {
	case len(matched) == 1:
		if !up {
			return Decision{Action: ActionSuppress, Reason: "playing receiver, waiting for key up"}
		}
		return Decision{Action: ActionForward, Target: matched[0], Reason: "playing receiver"}

	case len(matched) > 1:
		if !up {
			return Decision{Action: ActionSuppress, Reason: "several playing receivers, waiting for key up"}
		}
		return Decision{Action: ActionShowChooser, Candidates: matched, Reason: "several playing receivers"}

	case conservative:
		if !up {
			return Decision{Action: ActionSuppress, Reason: "no playing receiver, waiting for key up"}
		}
		return Decision{Action: ActionShowChooser, Candidates: others, Reason: "no playing receiver"}
	}

	return Decision{Action: ActionPassThrough, Reason: "no playing receiver"}
}

// decideIdle handles the nothing-is-playing branch. It always aborts.
func (e *Engine) decideIdle(ctx context.Context, up bool) Decision {
	if !up {
		return Decision{Action: ActionSuppress, Reason: "idle, waiting for key up"}
	}
	if ctx.Err() != nil {
		return Decision{Action: ActionSuppress, Reason: "deadline exceeded"}
	}
	cands, err := e.candidates(ctx)
	if err != nil {
		e.logger.Debug("candidate probe failed", "error", err)
		return Decision{Action: ActionSuppress, Reason: "no candidates"}
	}
	others := e.withoutSelf(cands)

	switch len(others) {
	case 0:
		return Decision{Action: ActionSuppress, Reason: "no candidates"}
	case 1:
		return Decision{Action: ActionForward, Target: others[0], Reason: "only receiver"}
	}
	return Decision{Action: ActionShowChooser, Candidates: others, Reason: "idle"}
}

func (e *Engine) candidates(ctx context.Context) ([]Candidate, error) {
	if e.Probe == nil {
		return nil, nil
	}
	return e.Probe.Candidates(ctx)
}

func (e *Engine) withoutSelf(cands []Candidate) []Component {
	out := make([]Component, 0, len(cands))
	for _, c := range cands {
		if c.Component == e.Self {
			continue
		}
		out = append(out, c.Component)
	}
	return out
}

// matchPlaying returns the candidates, in candidate order, owning at least one
// foreground and started service.
func matchPlaying(cands []Component, services []RunningService) []Component {
	playing := make(map[string]bool, len(services))
	for _, s := range services {
		if s.Foreground && s.Started {
			playing[s.Package] = true
		}
	}
	var out []Component
	for _, c := range cands {
		if playing[c.Package] {
			out = append(out, c)
		}
	}
	return out
}

func containsComponent(cands []Candidate, c Component) bool {
	for _, cand := range cands {
		if cand.Component == c {
			return true
		}
	}
	return false
}
