package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePrefs struct {
	prefs Preferences
}

func (p *fakePrefs) Snapshot() Preferences { return p.prefs }

func (p *fakePrefs) LastHandler() (Component, bool) {
	if p.prefs.LastMediaButtonReceiver == "" {
		return Component{}, false
	}
	c, err := UnflattenComponent(p.prefs.LastMediaButtonReceiver)
	return c, err == nil
}

type fakeAudio struct{ active bool }

func (a fakeAudio) MusicActive(ctx context.Context) bool { return a.active }

type fakeLock struct{ locked bool }

func (l fakeLock) Locked(ctx context.Context) bool { return l.locked }

type fakeWake struct {
	acquired []time.Duration
}

func (w *fakeWake) AcquireTimed(ctx context.Context, d time.Duration) error {
	w.acquired = append(w.acquired, d)
	return nil
}

type fakeChooser struct {
	open  bool
	shown []ChooserRequest
	keys  []KeyEvent
}

func (c *fakeChooser) IsOpen() bool { return c.open }

func (c *fakeChooser) Show(ctx context.Context, req ChooserRequest) error {
	c.shown = append(c.shown, req)
	return nil
}

func (c *fakeChooser) Keypress(ev KeyEvent) error {
	c.keys = append(c.keys, ev)
	return nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	msgs []ForwardMessage
	err  error
}

func (d *fakeDeliverer) Deliver(ctx context.Context, msg ForwardMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return d.err
}

func (d *fakeDeliverer) delivered() []ForwardMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ForwardMessage(nil), d.msgs...)
}

type routerFixture struct {
	router  *Router
	prefs   *fakePrefs
	probe   *fakeProbe
	chooser *fakeChooser
	wake    *fakeWake
	deliver *fakeDeliverer
}

func newRouterFixture(t *testing.T, prefs Preferences, audio bool, locked bool, cands ...Component) *routerFixture {
	t.Helper()
	f := &routerFixture{
		prefs:   &fakePrefs{prefs: prefs},
		probe:   &fakeProbe{cands: candidatesOf(append([]Component{testSelf}, cands...)...)},
		chooser: &fakeChooser{},
		wake:    &fakeWake{},
		deliver: &fakeDeliverer{},
	}
	f.router = NewRouter(RouterDeps{
		Engine:    newTestEngine(f.probe, &fakeActivity{}),
		Prefs:     f.prefs,
		Audio:     fakeAudio{active: audio},
		Lock:      fakeLock{locked: locked},
		Wake:      f.wake,
		Chooser:   f.chooser,
		Forwarder: NewForwarder(f.deliver, time.Second, testLogger()),
	}, RouterConfig{Budget: time.Second, ChooserWake: 5 * time.Second}, testLogger())
	return f
}

func enabledPrefs() Preferences { return Preferences{Enabled: true} }

func TestRouter_ForwardedEventsIgnored(t *testing.T) {
	f := newRouterFixture(t, enabledPrefs(), false, false, player("p1"))

	out := f.router.Receive(context.Background(), Broadcast{Event: keyUp(KEY_PLAYPAUSE), Ordered: true, Forwarded: true})
	if out.Decision.Action != ActionPassThrough || out.Aborted {
		t.Fatalf("got %+v, want unaborted pass_through", out)
	}
	if f.probe.calls != 0 || len(f.deliver.delivered()) != 0 {
		t.Fatalf("forwarded event must not be routed")
	}
}

func TestRouter_DisabledShortCircuits(t *testing.T) {
	f := newRouterFixture(t, Preferences{Enabled: false}, false, false, player("p1"))

	out := f.router.Receive(context.Background(), Broadcast{Event: keyUp(KEY_PLAYPAUSE), Ordered: true})
	if out.Decision.Action != ActionPassThrough || out.Aborted {
		t.Fatalf("got %+v, want unaborted pass_through", out)
	}
	if f.probe.calls != 0 {
		t.Fatalf("disabled router probed %d times", f.probe.calls)
	}
}

func TestRouter_IdleForwardsSingleCandidate(t *testing.T) {
	f := newRouterFixture(t, enabledPrefs(), false, false, player("p1"))

	down := f.router.Receive(context.Background(), Broadcast{Event: keyDown(KEY_PLAYPAUSE), Ordered: true})
	if down.Decision.Action != ActionSuppress || !down.Aborted {
		t.Fatalf("key down: got %+v, want aborted suppress", down)
	}
	if len(f.deliver.delivered()) != 0 {
		t.Fatalf("key down forwarded")
	}

	up := f.router.Receive(context.Background(), Broadcast{Event: keyUp(KEY_PLAYPAUSE), Ordered: true})
	if up.Decision.Action != ActionForward || !up.Aborted {
		t.Fatalf("key up: got %+v, want aborted forward", up)
	}
	msgs := f.deliver.delivered()
	if len(msgs) != 1 || msgs[0].Target != player("p1") {
		t.Fatalf("delivered = %+v, want one message to p1", msgs)
	}
	if !msgs[0].Forwarded || len(msgs[0].Events) != 2 {
		t.Fatalf("forward message = %+v, want marked down+up pair", msgs[0])
	}
}

func TestRouter_AbortOnlyWhenOrdered(t *testing.T) {
	f := newRouterFixture(t, enabledPrefs(), false, false, player("p1"))

	out := f.router.Receive(context.Background(), Broadcast{Event: keyUp(KEY_PLAYPAUSE), Ordered: false})
	if out.Decision.Action != ActionForward {
		t.Fatalf("got %s, want forward", out.Decision.Action)
	}
	if out.Aborted {
		t.Fatalf("unordered broadcast reported aborted")
	}
}

func TestRouter_ChooserOnLockScreenAcquiresWake(t *testing.T) {
	f := newRouterFixture(t, enabledPrefs(), false, true, player("p1"), player("p2"))

	out := f.router.Receive(context.Background(), Broadcast{Event: keyUp(KEY_NEXTSONG), Ordered: true})
	if out.Decision.Action != ActionShowChooser {
		t.Fatalf("got %s, want show_chooser", out.Decision.Action)
	}
	if len(f.chooser.shown) != 1 {
		t.Fatalf("chooser shown %d times, want 1", len(f.chooser.shown))
	}
	req := f.chooser.shown[0]
	if !req.Locked || req.Destination != destinationSelectorLocked {
		t.Fatalf("request = %+v, want locked destination", req)
	}
	if req.KeyCode != KEY_NEXTSONG || len(req.Candidates) != 2 {
		t.Fatalf("request = %+v, want next with 2 candidates", req)
	}
	if len(f.wake.acquired) != 1 || f.wake.acquired[0] != 5*time.Second {
		t.Fatalf("wake acquired %v, want one 5s hold", f.wake.acquired)
	}
}

func TestRouter_ChooserUnlockedNoWake(t *testing.T) {
	f := newRouterFixture(t, enabledPrefs(), false, false, player("p1"), player("p2"))

	f.router.Receive(context.Background(), Broadcast{Event: keyUp(KEY_NEXTSONG)})
	if len(f.chooser.shown) != 1 || f.chooser.shown[0].Destination != destinationSelector {
		t.Fatalf("shown = %+v, want one unlocked request", f.chooser.shown)
	}
	if len(f.wake.acquired) != 0 {
		t.Fatalf("wake acquired while unlocked")
	}
}

func TestRouter_RebroadcastToOpenChooser(t *testing.T) {
	f := newRouterFixture(t, Preferences{Enabled: true, SoleReceiverMode: true}, false, false, player("p1"), player("p2"))
	f.chooser.open = true

	out := f.router.Receive(context.Background(), Broadcast{Event: keyDown(KEY_NEXTSONG), Ordered: true})
	if out.Decision.Action != ActionRebroadcast || !out.Aborted {
		t.Fatalf("got %+v, want aborted rebroadcast", out)
	}
	if len(f.chooser.keys) != 1 || len(f.chooser.shown) != 0 {
		t.Fatalf("keys=%d shown=%d, want 1 rebroadcast and no new chooser", len(f.chooser.keys), len(f.chooser.shown))
	}
}

func TestRouter_LastHandlerFromPrefs(t *testing.T) {
	prefs := enabledPrefs()
	prefs.LastMediaButtonReceiver = player("p2").Flatten()
	f := newRouterFixture(t, prefs, true, false, player("p1"), player("p2"))

	out := f.router.Receive(context.Background(), Broadcast{Event: keyUp(KEY_PLAYPAUSE), Ordered: true})
	if out.Decision.Action != ActionForward || out.Decision.Target != player("p2") {
		t.Fatalf("got %s -> %s, want forward -> p2", out.Decision.Action, out.Decision.Target)
	}
}

func TestRouter_ForwardFailureDoesNotChangeOutcome(t *testing.T) {
	f := newRouterFixture(t, enabledPrefs(), false, false, player("p1"))
	f.deliver.err = errors.New("player vanished")

	out := f.router.Receive(context.Background(), Broadcast{Event: keyUp(KEY_PLAYPAUSE), Ordered: true})
	if out.Decision.Action != ActionForward || !out.Aborted {
		t.Fatalf("got %+v, want aborted forward", out)
	}
}

func TestTimedWake_ReleasesAfterBound(t *testing.T) {
	released := make(chan struct{})
	w := timedWake{acquire: func(ctx context.Context) (func(), error) {
		return func() { close(released) }, nil
	}}
	if err := w.AcquireTimed(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("AcquireTimed: %v", err)
	}
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatalf("wake lock was not released")
	}
}
