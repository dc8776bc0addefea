package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// Hub clients here have nil conns; only their send queues are exercised.

func newTestHub(t *testing.T, sendBuf int) (*Hub, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	hub := NewHub(testLogger(), HubConfig{SendBuf: sendBuf, BroadcastBuf: 8})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	return hub, cancel, done
}

func registerTestClients(t *testing.T, hub *Hub, names ...string) []*Client {
	t.Helper()
	var out []*Client
	for _, name := range names {
		c := NewClient(hub, nil, name, testLogger())
		hub.register <- c
		out = append(out, c)
	}
	waitUntil(t, 500*time.Millisecond, func() bool { return hub.Clients() == len(names) }, "clients not registered")
	return out
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, c *Client) wsFrame {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatalf("%s: send queue closed", c.remoteAddr)
		}
		var f wsFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("%s: bad frame %s: %v", c.remoteAddr, msg, err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatalf("%s: no frame", c.remoteAddr)
	}
	return wsFrame{}
}

type unroutedBroadcast struct{}

func (unroutedBroadcast) broadcastMarker() {}

func TestRunBroadcaster_ChooserLifecycleReachesEveryClient(t *testing.T) {
	hub, cancel, done := newTestHub(t, 4)
	defer cancel()
	clients := registerTestClients(t, hub, "panel", "phone")

	src := make(chan StateBroadcast, 4)
	go RunBroadcaster(context.Background(), hub, src, testLogger())

	req := ChooserRequest{ID: "req-7", Candidates: []Component{player("vlc"), player("spotify")}, Locked: true}
	src <- unroutedBroadcast{}
	src <- BroadcastChooserShow{Request: req}
	src <- BroadcastChooserClosed{ID: "req-7", Reason: "chosen"}
	close(src)

	for _, c := range clients {
		show := readFrame(t, c)
		if show.Type != "chooser_show" {
			t.Fatalf("%s: first frame %q, want chooser_show", c.remoteAddr, show.Type)
		}
		var got ChooserRequest
		if err := json.Unmarshal(show.Data, &got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if got.ID != "req-7" || len(got.Candidates) != 2 || got.Candidates[1] != player("spotify") || !got.Locked {
			t.Fatalf("%s: request = %+v", c.remoteAddr, got)
		}

		closed := readFrame(t, c)
		var cl wsChooserClosedData
		_ = json.Unmarshal(closed.Data, &cl)
		if closed.Type != "chooser_closed" || cl.ID != "req-7" || cl.Reason != "chosen" {
			t.Fatalf("%s: frame %s %+v, want chooser_closed", c.remoteAddr, closed.Type, cl)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("hub did not stop")
	}
	if hub.Clients() != 0 {
		t.Fatalf("clients left after shutdown: %d", hub.Clients())
	}
}

func TestHub_ClientWithQueuedReplyEvictedOnBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 4)
	chooser := &stubChooser{req: &ChooserRequest{ID: "req-1", Candidates: []Component{player("vlc")}}, chosen: make(chan Component, 1)}
	go runDaemon(ctx, events, DaemonDeps{Self: testSelf, Router: &stubRouter{}, Chooser: chooser}, testLogger())

	hub, stopHub, _ := newTestHub(t, 1)
	defer stopHub()
	clients := registerTestClients(t, hub, "stuck", "live")
	stuck, live := clients[0], clients[1]

	// The stuck front-end answers the chooser but never drains its queue.
	stuck.events = events
	stuck.replyTimeout = time.Second
	stuck.handleInbound(ctx, []byte(`{"type":"choose","data":{"request_id":"req-1","component":"vlc/org.mpris.MediaPlayer2.vlc"}}`))
	if got := <-chooser.chosen; got != player("vlc") {
		t.Fatalf("chosen %v, want vlc", got)
	}

	closed, err := marshalEnvelope("chooser_closed", time.Time{}, wsChooserClosedData{ID: "req-1", Reason: "chosen"})
	if err != nil {
		t.Fatal(err)
	}
	hub.broadcast <- closed

	if f := readFrame(t, live); f.Type != "chooser_closed" {
		t.Fatalf("live client got %q, want chooser_closed", f.Type)
	}
	waitUntil(t, 750*time.Millisecond, func() bool { return hub.Clients() == 1 }, "stuck client not evicted")

	// The reply that filled the queue is still readable, then the queue is closed.
	reply := readFrame(t, stuck)
	var resp IPCResponse
	_ = json.Unmarshal(reply.Data, &resp)
	if reply.Type != "reply" || resp.Status != "ok" {
		t.Fatalf("queued frame = %s %+v, want ok reply", reply.Type, resp)
	}
	if _, ok := <-stuck.send; ok {
		t.Fatalf("stuck client queue still open")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
