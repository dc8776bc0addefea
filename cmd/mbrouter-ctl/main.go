package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// mbrouter-ctl - Command-line IPC Client
// ============================================================================
// This tool sends events to the mbrouter daemon via IPC.
//
// Usage:
//   mbrouter-ctl press playpause
//   mbrouter-ctl choose <request-id> <package/name>
//   mbrouter-ctl dismiss
//   mbrouter-ctl set conservative true
//   mbrouter-ctl status
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/mbrouter.sock)
// ============================================================================

// Event types (duplicated from the daemon package for a standalone binary)
type Event interface{}

type KeyPress struct {
	Key     string `json:"key"`
	Phase   string `json:"phase"`
	Ordered bool   `json:"ordered"`
}

type Choose struct {
	RequestID string `json:"request_id"`
	Component string `json:"component"`
}

type Dismiss struct {
	RequestID string `json:"request_id,omitempty"`
}

type SetPreference struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

type StatusRequest struct{}

// EventEnvelope wraps events for JSON
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Action  string          `json:"action,omitempty"`
	Target  string          `json:"target,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Aborted *bool           `json:"aborted,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const ioTimeout = 5 * time.Second

func main() {
	socketPath := "/tmp/mbrouter.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// press sends a down/up pair, the same as a physical key.
	var events []Event

	switch args[0] {
	case "press", "key":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: press requires a key name\n")
			os.Exit(1)
		}
		ordered := len(args) > 2 && args[2] == "-ordered"
		events = []Event{
			KeyPress{Key: args[1], Phase: "down", Ordered: ordered},
			KeyPress{Key: args[1], Phase: "up", Ordered: ordered},
		}

	case "down", "up":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: %s requires a key name\n", args[0])
			os.Exit(1)
		}
		events = []Event{KeyPress{Key: args[1], Phase: args[0], Ordered: true}}

	case "choose":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "error: choose requires a request id and a package/name component\n")
			os.Exit(1)
		}
		events = []Event{Choose{RequestID: args[1], Component: args[2]}}

	case "dismiss":
		var id string
		if len(args) > 1 {
			id = args[1]
		}
		events = []Event{Dismiss{RequestID: id}}

	case "set":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "error: set requires a preference and a value\n")
			os.Exit(1)
		}
		v, err := strconv.ParseBool(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid value %q: %v\n", args[2], err)
			os.Exit(1)
		}
		events = []Event{SetPreference{Key: args[1], Value: v}}

	case "status":
		events = []Event{StatusRequest{}}

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	for _, ev := range events {
		resp, err := sendEvent(socketPath, ev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		printResponse(resp)
	}
}

func sendEvent(socketPath string, ev Event) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, ioTimeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	data, err := marshalEvent(ev)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal event: %w", err)
	}

	// Send event (line-delimited JSON)
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send event: %w", err)
	}

	var response IPCResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}

	if response.Status == "error" {
		return response, fmt.Errorf("daemon error: %s", response.Error)
	}
	return response, nil
}

func printResponse(resp IPCResponse) {
	switch {
	case len(resp.Data) > 0:
		var pretty any
		if err := json.Unmarshal(resp.Data, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return
		}
		fmt.Println(string(resp.Data))
	case resp.Action != "":
		line := resp.Action
		if resp.Target != "" {
			line += " -> " + resp.Target
		}
		if resp.Reason != "" {
			line += " (" + resp.Reason + ")"
		}
		if resp.Aborted != nil && *resp.Aborted {
			line += " [aborted]"
		}
		fmt.Println(line)
	default:
		fmt.Println("ok")
	}
}

func marshalEvent(ev Event) ([]byte, error) {
	var env EventEnvelope
	var payload any

	switch e := ev.(type) {
	case KeyPress:
		env.Type = "key"
		payload = e
	case Choose:
		env.Type = "choose"
		payload = e
	case Dismiss:
		env.Type = "dismiss"
		payload = e
	case SetPreference:
		env.Type = "set_preference"
		payload = e
	case StatusRequest:
		env.Type = "status"
	default:
		return nil, fmt.Errorf("unknown event type: %T", ev)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `mbrouter-ctl - Control the mbrouter daemon via IPC

Usage:
  mbrouter-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/mbrouter.sock)

Commands:
  press, key <key> [-ordered]   Send a full key press (down then up)
  down <key>, up <key>          Send a single ordered key phase
  choose <id> <package/name>    Answer the open chooser
  dismiss [id]                  Close the open chooser
  set <pref> <true|false>       Set enabled, conservative or sole_receiver_mode
  status                        Print the daemon state
  help, -h, --help              Show this help message

Keys:
  playpause, next, previous, stop, play, pause, rewind, ff, media

Examples:
  mbrouter-ctl press playpause
  mbrouter-ctl set conservative true
  mbrouter-ctl -socket /run/user/1000/mbrouter.sock status
`)
}
