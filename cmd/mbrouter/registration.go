package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Registration Pinning
// ============================================================================
//
// The receiver slot is a single shared value naming the current media button
// receiver. Any program may overwrite it; the last writer wins. The router
// keeps writing itself back and remembers who took the slot as the best guess
// of the receiver the user last used.
//
// All writes to the slot go through a Registration so tests can substitute the
// slot with a fake.
//
// ============================================================================

// SlotChange is a change notification from the receiver slot.
type SlotChange struct {
	Value string // flattened component, "" if cleared
	// SelfChange is true when the value was written by this process.
	SelfChange bool
}

// ReceiverSlot is the shared registration slot.
type ReceiverSlot interface {
	Get() (string, error)
	Set(value string) error
	// Watch streams changes until ctx is canceled.
	Watch(ctx context.Context) (<-chan SlotChange, error)
}

// Registration is the router's claim on the receiver slot.
type Registration struct {
	slot ReceiverSlot
	self Component

	mu       sync.Mutex
	lent     Component
	released bool
}

// AcquireRegistration writes self into the slot.
func AcquireRegistration(slot ReceiverSlot, self Component) (*Registration, error) {
	r := &Registration{slot: slot, self: self}
	if err := slot.Set(self.Flatten()); err != nil {
		return nil, fmt.Errorf("register %s: %w", self.Flatten(), err)
	}
	return r, nil
}

// Self returns the component this registration asserts.
func (r *Registration) Self() Component { return r.self }

// Reassert writes self back into the slot. It is a no-op after Release.
func (r *Registration) Reassert() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.lent = Component{}
	return r.slot.Set(r.self.Flatten())
}

// Lend hands the slot to marker until the returned restore func is called.
func (r *Registration) Lend(marker Component) (restore func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return func() {}, nil
	}
	if err := r.slot.Set(marker.Flatten()); err != nil {
		return func() {}, fmt.Errorf("lend slot to %s: %w", marker.Flatten(), err)
	}
	r.lent = marker

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.released || r.lent != marker {
				return
			}
			r.lent = Component{}
			_ = r.slot.Set(r.self.Flatten())
		})
	}, nil
}

// Release clears the slot if it still holds self (or a component lent by self).
func (r *Registration) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true

	cur, err := r.slot.Get()
	if err != nil {
		return fmt.Errorf("read slot: %w", err)
	}
	if cur != r.self.Flatten() && (r.lent.IsZero() || cur != r.lent.Flatten()) {
		return nil
	}
	return r.slot.Set("")
}

// LastHandlerStore persists the last observed receiver.
type LastHandlerStore interface {
	SetLastHandler(c Component) error
}

// Pinner watches the slot and re-pins the router's registration.
type Pinner struct {
	reg   *Registration
	store LastHandlerStore
	// transient is the chooser's marker component; the chooser legitimately
	// holds the slot while it is open.
	transient Component

	// onChange is called after every accepted foreign change (optional).
	onChange func(previous Component)

	logger *slog.Logger
}

// NewPinner constructs a pinner. transient may be zero.
func NewPinner(reg *Registration, store LastHandlerStore, transient Component, logger *slog.Logger) *Pinner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pinner{reg: reg, store: store, transient: transient, logger: logger}
}

// OnChange registers fn to be called after every accepted foreign change.
func (p *Pinner) OnChange(fn func(previous Component)) { p.onChange = fn }

// HandleChange applies one slot change. It returns true if the change was
// treated as a foreign takeover.
func (p *Pinner) HandleChange(ch SlotChange) bool {
	if ch.SelfChange {
		return false
	}
	if ch.Value == "" {
		// Cleared by someone else. There is no receiver to remember.
		p.logger.Debug("receiver slot cleared, re-registering")
		if err := p.reg.Reassert(); err != nil {
			p.logger.Error("failed to re-register receiver", "error", err)
		}
		return false
	}
	if ch.Value == p.reg.Self().Flatten() {
		return false
	}
	if !p.transient.IsZero() && ch.Value == p.transient.Flatten() {
		return false
	}

	prev, err := UnflattenComponent(ch.Value)
	if err != nil {
		p.logger.Warn("ignoring malformed receiver registration", "value", ch.Value, "error", err)
		return false
	}

	if err := p.store.SetLastHandler(prev); err != nil {
		p.logger.Error("failed to persist last receiver", "receiver", ch.Value, "error", err)
	} else {
		p.logger.Debug("last receiver updated", "receiver", ch.Value)
	}

	if err := p.reg.Reassert(); err != nil {
		p.logger.Error("failed to re-register receiver", "error", err)
	}

	if p.onChange != nil {
		p.onChange(prev)
	}
	return true
}

// Run consumes changes until ctx is canceled or the channel closes.
func (p *Pinner) Run(ctx context.Context, changes <-chan SlotChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				p.logger.Info("receiver slot watch ended")
				return
			}
			p.HandleChange(ch)
		}
	}
}
