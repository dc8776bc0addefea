package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

// mbrouter-chooser is a terminal chooser front-end. It follows the daemon's
// state WebSocket, lists the candidates of every chooser request, and answers
// with the number typed on stdin. Media keys rebroadcast to the open chooser
// move the selection (next/previous) and confirm it (play-pause).

type component struct {
	Package string `json:"package"`
	Name    string `json:"name"`
}

func (c component) flatten() string { return c.Package + "/" + c.Name }

type chooserRequest struct {
	ID          string      `json:"id"`
	KeyCode     uint16      `json:"key_code"`
	Candidates  []component `json:"candidates"`
	Locked      bool        `json:"locked"`
	Destination string      `json:"destination"`
}

type inbound struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// chooser holds the request currently on screen.
type chooser struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// interactive is false when stdin is a pipe; prompts are skipped.
	interactive bool

	mu       sync.Mutex
	req      *chooserRequest
	selected int
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3011/ws", "mbrouter state websocket URL")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	c := &chooser{conn: conn, interactive: term.IsTerminal(int(os.Stdin.Fd()))}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	go c.readStdin()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if messageType == websocket.TextMessage {
				c.handleMessage(message)
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		c.writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

func (c *chooser) handleMessage(message []byte) {
	var msg inbound
	if err := json.Unmarshal(message, &msg); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	switch msg.Type {
	case "state_init":
		var snap struct {
			Self    string          `json:"self"`
			Chooser *chooserRequest `json:"chooser"`
		}
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			log.Printf("bad state_init: %v", err)
			return
		}
		log.Printf("router %s", snap.Self)
		if snap.Chooser != nil {
			c.show(*snap.Chooser)
		}

	case "chooser_show":
		var req chooserRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("bad chooser_show: %v", err)
			return
		}
		c.show(req)

	case "chooser_keypress":
		var kp struct {
			ID    string `json:"id"`
			Key   string `json:"key"`
			Event struct {
				Phase string `json:"phase"`
			} `json:"event"`
		}
		if err := json.Unmarshal(msg.Data, &kp); err != nil {
			return
		}
		c.keypress(kp.ID, kp.Key, kp.Event.Phase)

	case "chooser_closed":
		var cl struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Data, &cl); err != nil {
			return
		}
		c.mu.Lock()
		if c.req != nil && c.req.ID == cl.ID {
			c.req = nil
		}
		c.mu.Unlock()
		fmt.Printf("[CLOSED] %s (%s)\n", cl.ID, cl.Reason)

	case "decision":
		var d struct {
			Key    string `json:"key"`
			Action string `json:"action"`
			Target string `json:"target"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Data, &d); err == nil {
			fmt.Printf("[DECISION] %s: %s %s (%s)\n", d.Key, d.Action, d.Target, d.Reason)
		}

	case "reply":
		var r struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(msg.Data, &r); err == nil && r.Status == "error" {
			fmt.Printf("[ERROR] %s\n", r.Error)
		}

	default:
		fmt.Printf("[%s] %s\n", strings.ToUpper(msg.Type), string(msg.Data))
	}
}

func (c *chooser) show(req chooserRequest) {
	c.mu.Lock()
	c.req = &req
	c.selected = 0
	c.mu.Unlock()

	where := "desktop"
	if req.Locked {
		where = "lock screen"
	}
	fmt.Printf("\n[CHOOSER] %s (%s)\n", req.ID, where)
	for i, cand := range req.Candidates {
		fmt.Printf("  %d) %s\n", i+1, cand.flatten())
	}
	if c.interactive {
		fmt.Printf("type a number, or d to dismiss: ")
	}
}

func (c *chooser) keypress(id, key, phase string) {
	c.mu.Lock()
	if c.req == nil || c.req.ID != id || len(c.req.Candidates) == 0 {
		c.mu.Unlock()
		return
	}
	n := len(c.req.Candidates)
	var pick *component
	switch {
	case key == "next" && phase == "down":
		c.selected = (c.selected + 1) % n
	case key == "previous" && phase == "down":
		c.selected = (c.selected + n - 1) % n
	case key == "play-pause" && phase == "up":
		p := c.req.Candidates[c.selected]
		pick = &p
	}
	selected := c.req.Candidates[c.selected]
	c.mu.Unlock()

	if pick != nil {
		c.send(outbound{Type: "choose", Data: map[string]string{"request_id": id, "component": pick.flatten()}})
		return
	}
	fmt.Printf("[SELECTED] %s\n", selected.flatten())
}

func (c *chooser) readStdin() {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		c.mu.Lock()
		req := c.req
		c.mu.Unlock()
		if req == nil {
			fmt.Println("no chooser open")
			continue
		}

		if line == "d" || line == "dismiss" {
			c.send(outbound{Type: "dismiss", Data: map[string]string{"request_id": req.ID}})
			continue
		}
		i, err := strconv.Atoi(line)
		if err != nil || i < 1 || i > len(req.Candidates) {
			fmt.Printf("pick 1-%d or d\n", len(req.Candidates))
			continue
		}
		c.send(outbound{Type: "choose", Data: map[string]string{"request_id": req.ID, "component": req.Candidates[i-1].flatten()}})
	}
}

// send writes one message (thread-safe).
func (c *chooser) send(msg outbound) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling message: %v", err)
		return
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()

	if err != nil {
		log.Printf("error sending message: %v", err)
	}
}
