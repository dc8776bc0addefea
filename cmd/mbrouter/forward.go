package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ForwardMessage is a directed, single-recipient key delivery.
type ForwardMessage struct {
	Target  Component
	KeyCode uint16
	// Events holds the synthesized down+up pair for a key-up, or the single phase otherwise.
	Events []KeyEvent
	// Forwarded marks messages produced by the router so they are never routed again.
	Forwarded bool
}

// Deliverer transports a ForwardMessage to its target.
type Deliverer interface {
	Deliver(ctx context.Context, msg ForwardMessage) error
}

// Forwarder is the fire-and-forget delivery used by the router.
type Forwarder struct {
	deliverer Deliverer
	timeout   time.Duration
	logger    *slog.Logger
}

var errNoDeliverer = errors.New("no deliverer configured")

// NewForwarder constructs a forwarder. Deliveries are bounded by timeout when it is > 0.
func NewForwarder(d Deliverer, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{deliverer: d, timeout: timeout, logger: logger}
}

// Forward delivers keyCode to target. Failures are logged and dropped.
func (f *Forwarder) Forward(ctx context.Context, target Component, keyCode uint16, ev KeyEvent) {
	if target.IsZero() {
		f.logger.Warn("forward skipped: empty target", "key", keyName(keyCode))
		return
	}
	msg := newForwardMessage(target, keyCode, ev)

	if f.deliverer == nil {
		f.logger.Warn("forward dropped", "target", target.Flatten(), "error", errNoDeliverer)
		return
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	if err := f.deliverer.Deliver(ctx, msg); err != nil {
		f.logger.Warn("forward failed", "target", target.Flatten(), "key", keyName(keyCode), "error", err)
		return
	}
	f.logger.Debug("forwarded", "target", target.Flatten(), "key", keyName(keyCode), "events", len(msg.Events))
}

func newForwardMessage(target Component, keyCode uint16, ev KeyEvent) ForwardMessage {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	var events []KeyEvent
	if ev.Phase == PhaseUp {
		events = []KeyEvent{
			{Code: keyCode, Phase: PhaseDown, At: at},
			{Code: keyCode, Phase: PhaseUp, At: at},
		}
	} else {
		events = []KeyEvent{{Code: keyCode, Phase: ev.Phase, Repeat: ev.Repeat, At: at}}
	}
	return ForwardMessage{
		Target:    target,
		KeyCode:   keyCode,
		Events:    events,
		Forwarded: true,
	}
}
