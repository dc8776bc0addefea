package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileSlot(t *testing.T) (*fileSlot, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slot", "media_button_receiver")
	s, err := newFileSlot(path, 20*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("newFileSlot: %v", err)
	}
	return s, path
}

func TestFileSlot_GetSet(t *testing.T) {
	s, path := newTestFileSlot(t)

	if v, err := s.Get(); err != nil || v != "" {
		t.Fatalf("empty slot: %q %v", v, err)
	}
	if err := s.Set(testSelf.Flatten()); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, _ := s.Get(); v != testSelf.Flatten() {
		t.Fatalf("Get = %q", v)
	}
	b, _ := os.ReadFile(path)
	if string(b) != testSelf.Flatten()+"\n" {
		t.Fatalf("file = %q", b)
	}
}

func TestFileSlot_EmptyPath(t *testing.T) {
	if _, err := newFileSlot("", 0, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFileSlot_WatchReportsForeignAndSelfWrites(t *testing.T) {
	s, path := newTestFileSlot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Set(testSelf.Flatten()); err != nil {
		t.Fatal(err)
	}
	changes, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Another player takes the slot.
	if err := writeFileAtomic(path, []byte(player("vlc").Flatten()+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ch := nextChange(t, changes)
	if ch.Value != player("vlc").Flatten() || ch.SelfChange {
		t.Fatalf("change = %+v, want foreign vlc", ch)
	}

	// We take it back.
	if err := s.Set(testSelf.Flatten()); err != nil {
		t.Fatal(err)
	}
	ch = nextChange(t, changes)
	if ch.Value != testSelf.Flatten() || !ch.SelfChange {
		t.Fatalf("change = %+v, want self", ch)
	}

	cancel()
	waitUntil(t, time.Second, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, "watch channel not closed after cancel")
}

func nextChange(t *testing.T, changes <-chan SlotChange) SlotChange {
	t.Helper()
	select {
	case ch := <-changes:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatalf("no slot change")
	}
	return SlotChange{}
}

func TestFileSlot_PinnerKeepsSlot(t *testing.T) {
	s, path := newTestFileSlot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := AcquireRegistration(s, testSelf)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeLastStore{}
	pinner := NewPinner(reg, store, testMarker, testLogger())

	changes, err := s.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	go pinner.Run(ctx, changes)

	if err := writeFileAtomic(path, []byte(player("spotify").Flatten()+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		v, _ := s.Get()
		return store.count() == 1 && v == testSelf.Flatten()
	}, "pinner did not persist and reassert")
}

func TestFileSlot_PinnerRestoresRemovedSlot(t *testing.T) {
	s, path := newTestFileSlot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := AcquireRegistration(s, testSelf)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeLastStore{}
	pinner := NewPinner(reg, store, testMarker, testLogger())

	changes, err := s.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	go pinner.Run(ctx, changes)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		v, _ := s.Get()
		return v == testSelf.Flatten()
	}, "pinner did not re-register after slot removal")
	if store.count() != 0 {
		t.Fatalf("removal persisted as last handler")
	}
}
