package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type broadcastLog struct {
	mu  sync.Mutex
	got []StateBroadcast
}

func (l *broadcastLog) publish(b StateBroadcast) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, b)
}

func (l *broadcastLog) closedReasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, b := range l.got {
		if c, ok := b.(BroadcastChooserClosed); ok {
			out = append(out, c.Reason)
		}
	}
	return out
}

type chooserFixture struct {
	svc     *chooserService
	log     *broadcastLog
	slot    *fakeSlot
	store   *fakeLastStore
	deliver *fakeDeliverer
}

func newChooserFixture(t *testing.T, timeout time.Duration) *chooserFixture {
	t.Helper()
	f := &chooserFixture{log: &broadcastLog{}, slot: &fakeSlot{}, store: &fakeLastStore{}, deliver: &fakeDeliverer{}}
	reg, err := AcquireRegistration(f.slot, testSelf)
	if err != nil {
		t.Fatal(err)
	}
	fwd := NewForwarder(f.deliver, time.Second, testLogger())
	f.svc = newChooserService(f.log.publish, fwd, f.store, reg, testMarker, timeout, testLogger())
	return f
}

func showRequest(t *testing.T, svc *chooserService, cands ...Component) ChooserRequest {
	t.Helper()
	req := ChooserRequest{KeyCode: KEY_PLAYPAUSE, Event: keyUp(KEY_PLAYPAUSE), Candidates: cands, Destination: destinationSelector}
	if err := svc.Show(context.Background(), req); err != nil {
		t.Fatalf("Show: %v", err)
	}
	cur, ok := svc.Current()
	if !ok || cur.ID == "" {
		t.Fatalf("no open session after Show")
	}
	return cur
}

func TestChooser_ShowLendsSlot(t *testing.T) {
	f := newChooserFixture(t, time.Minute)
	showRequest(t, f.svc, player("p1"), player("p2"))

	if !f.svc.IsOpen() {
		t.Fatalf("chooser not open")
	}
	if v, _ := f.slot.Get(); v != testMarker.Flatten() {
		t.Fatalf("slot = %q, want marker while open", v)
	}
	if _, ok := f.log.got[0].(BroadcastChooserShow); !ok {
		t.Fatalf("first broadcast = %T, want chooser show", f.log.got[0])
	}
}

func TestChooser_ChooseForwardsAndStores(t *testing.T) {
	f := newChooserFixture(t, time.Minute)
	req := showRequest(t, f.svc, player("p1"), player("p2"))

	if err := f.svc.Choose(context.Background(), req.ID, player("p2")); err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if f.svc.IsOpen() {
		t.Fatalf("chooser still open after choice")
	}
	msgs := f.deliver.delivered()
	if len(msgs) != 1 || msgs[0].Target != player("p2") || msgs[0].KeyCode != KEY_PLAYPAUSE {
		t.Fatalf("delivered = %+v", msgs)
	}
	if f.store.count() != 1 || f.store.set[0] != player("p2") {
		t.Fatalf("stored = %v", f.store.set)
	}
	if v, _ := f.slot.Get(); v != testSelf.Flatten() {
		t.Fatalf("slot = %q, want self restored", v)
	}
	if r := f.log.closedReasons(); len(r) != 1 || r[0] != "chosen" {
		t.Fatalf("closed reasons = %v", r)
	}
}

func TestChooser_ChooseValidation(t *testing.T) {
	f := newChooserFixture(t, time.Minute)

	if err := f.svc.Choose(context.Background(), "", player("p1")); !errors.Is(err, errNoChooserSession) {
		t.Fatalf("err = %v, want no session", err)
	}

	req := showRequest(t, f.svc, player("p1"))
	if err := f.svc.Choose(context.Background(), "stale", player("p1")); !errors.Is(err, errStaleChooser) {
		t.Fatalf("err = %v, want stale", err)
	}
	if err := f.svc.Choose(context.Background(), req.ID, player("other")); err == nil {
		t.Fatalf("choice outside the candidate list accepted")
	}
	if !f.svc.IsOpen() || len(f.deliver.delivered()) != 0 {
		t.Fatalf("rejected choices must leave the session open and forward nothing")
	}
}

func TestChooser_DismissAndReplace(t *testing.T) {
	f := newChooserFixture(t, time.Minute)

	showRequest(t, f.svc, player("p1"))
	second := showRequest(t, f.svc, player("p2"))
	if err := f.svc.Dismiss(second.ID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if err := f.svc.Dismiss(""); !errors.Is(err, errNoChooserSession) {
		t.Fatalf("second dismiss: %v", err)
	}

	r := f.log.closedReasons()
	if len(r) != 2 || r[0] != "replaced" || r[1] != "dismissed" {
		t.Fatalf("closed reasons = %v", r)
	}
	if len(f.deliver.delivered()) != 0 || f.store.count() != 0 {
		t.Fatalf("dismiss must not forward or store")
	}
	if v, _ := f.slot.Get(); v != testSelf.Flatten() {
		t.Fatalf("slot = %q, want self restored", v)
	}
}

func TestChooser_Timeout(t *testing.T) {
	f := newChooserFixture(t, 30*time.Millisecond)
	showRequest(t, f.svc, player("p1"))

	waitUntil(t, time.Second, func() bool { return !f.svc.IsOpen() }, "chooser did not time out")
	if r := f.log.closedReasons(); len(r) != 1 || r[0] != "timeout" {
		t.Fatalf("closed reasons = %v", r)
	}
}

func TestChooser_KeypressAndClose(t *testing.T) {
	f := newChooserFixture(t, time.Minute)

	if err := f.svc.Keypress(keyDown(KEY_NEXTSONG)); !errors.Is(err, errNoChooserSession) {
		t.Fatalf("keypress without session: %v", err)
	}
	req := showRequest(t, f.svc, player("p1"), player("p2"))
	if err := f.svc.Keypress(keyDown(KEY_NEXTSONG)); err != nil {
		t.Fatalf("Keypress: %v", err)
	}
	last := f.log.got[len(f.log.got)-1]
	kp, ok := last.(BroadcastChooserKeypress)
	if !ok || kp.ID != req.ID || kp.Event.Code != KEY_NEXTSONG {
		t.Fatalf("broadcast = %+v", last)
	}

	f.svc.Close()
	f.svc.Close()
	if r := f.log.closedReasons(); len(r) != 1 || r[0] != "shutdown" {
		t.Fatalf("closed reasons = %v", r)
	}
}
