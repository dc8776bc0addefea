package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Chooser destinations. The locked variant is rendered over the lock screen.
const (
	destinationSelector       = "selector"
	destinationSelectorLocked = "selector_locked"
)

// ChooserRequest asks the user which receiver should get a key press.
type ChooserRequest struct {
	ID          string      `json:"id"`
	Event       KeyEvent    `json:"event"`
	KeyCode     uint16      `json:"key_code"`
	Candidates  []Component `json:"candidates"`
	Locked      bool        `json:"locked"`
	Destination string      `json:"destination"`
}

// Chooser is the user-facing disambiguation surface as seen by the router.
type Chooser interface {
	IsOpen() bool
	Show(ctx context.Context, req ChooserRequest) error
	// Keypress hands an event to the open chooser without routing it.
	Keypress(ev KeyEvent) error
}

var (
	errNoChooserSession = errors.New("no chooser session open")
	errStaleChooser     = errors.New("chooser session does not match")
)

// chooserService publishes chooser sessions to UI clients (over the state
// WebSocket) and applies their answers.
type chooserService struct {
	publish   func(StateBroadcast)
	forwarder *Forwarder
	store     LastHandlerStore
	reg       *Registration
	marker    Component
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	session *chooserSession
}

type chooserSession struct {
	req     ChooserRequest
	restore func()
	timer   *time.Timer
}

func newChooserService(publish func(StateBroadcast), fwd *Forwarder, store LastHandlerStore, reg *Registration, marker Component, timeout time.Duration, logger *slog.Logger) *chooserService {
	if publish == nil {
		publish = func(StateBroadcast) {}
	}
	if timeout <= 0 {
		timeout = defaultChooserTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &chooserService{
		publish:   publish,
		forwarder: fwd,
		store:     store,
		reg:       reg,
		marker:    marker,
		timeout:   timeout,
		logger:    logger,
	}
}

func (c *chooserService) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Current returns the open request, if any.
func (c *chooserService) Current() (ChooserRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ChooserRequest{}, false
	}
	return c.session.req, true
}

func (c *chooserService) Show(ctx context.Context, req ChooserRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	c.mu.Lock()
	if c.session != nil {
		c.closeLocked("replaced")
	}

	restore := func() {}
	if c.reg != nil && !c.marker.IsZero() {
		r, err := c.reg.Lend(c.marker)
		if err != nil {
			c.logger.Warn("chooser could not claim receiver slot", "error", err)
		} else {
			restore = r
		}
	}

	s := &chooserSession{req: req, restore: restore}
	id := req.ID
	s.timer = time.AfterFunc(c.timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session != nil && c.session.req.ID == id {
			c.closeLocked("timeout")
		}
	})
	c.session = s
	c.mu.Unlock()

	c.logger.Info("chooser opened", "id", req.ID, "destination", req.Destination, "candidates", len(req.Candidates))
	c.publish(BroadcastChooserShow{Request: req, At: time.Now()})
	return nil
}

func (c *chooserService) Keypress(ev KeyEvent) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return errNoChooserSession
	}
	c.publish(BroadcastChooserKeypress{ID: s.req.ID, Event: ev, At: time.Now()})
	return nil
}

// Choose closes the session and forwards its pending key to target, which
// becomes the last receiver.
func (c *chooserService) Choose(ctx context.Context, id string, target Component) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return errNoChooserSession
	}
	if id != "" && s.req.ID != id {
		c.mu.Unlock()
		return errStaleChooser
	}
	if len(s.req.Candidates) > 0 && !containsComponentList(s.req.Candidates, target) {
		c.mu.Unlock()
		return fmt.Errorf("%s is not offered by chooser %s", target.Flatten(), s.req.ID)
	}
	req := s.req
	c.closeLocked("chosen")
	c.mu.Unlock()

	if c.forwarder != nil {
		c.forwarder.Forward(ctx, target, req.KeyCode, KeyEvent{Code: req.KeyCode, Phase: PhaseUp, At: time.Now()})
	}
	if c.store != nil {
		if err := c.store.SetLastHandler(target); err != nil {
			c.logger.Warn("failed to persist chosen receiver", "receiver", target.Flatten(), "error", err)
		}
	}
	c.logger.Info("chooser answered", "id", req.ID, "receiver", target.Flatten())
	return nil
}

// Dismiss closes the session without forwarding.
func (c *chooserService) Dismiss(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return errNoChooserSession
	}
	if id != "" && c.session.req.ID != id {
		return errStaleChooser
	}
	c.closeLocked("dismissed")
	return nil
}

// Close ends any open session; used at shutdown so the slot is handed back.
func (c *chooserService) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.closeLocked("shutdown")
	}
}

func (c *chooserService) closeLocked(reason string) {
	s := c.session
	c.session = nil
	s.timer.Stop()
	s.restore()
	c.logger.Debug("chooser closed", "id", s.req.ID, "reason", reason)
	c.publish(BroadcastChooserClosed{ID: s.req.ID, Reason: reason, At: time.Now()})
}

func containsComponentList(list []Component, c Component) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
