package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The IPC server lets external programs inject key events, answer the
// chooser, flip preferences and read status.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "event_name", "data": {...}}
//   - Server responds: {"status": "ok", ...} or {"status": "error", "error": "msg"}
//
// Key events are answered only after routing, so an ordered sender can read
// "aborted" and stop its own default handling.
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status  string         `json:"status"`          // "ok" or "error"
	Error   string         `json:"error,omitempty"` // error message if status == "error"
	Action  string         `json:"action,omitempty"`
	Target  string         `json:"target,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Aborted *bool          `json:"aborted,omitempty"`
	Data    *StateSnapshot `json:"data,omitempty"`
}

func errorResponse(format string, args ...any) IPCResponse {
	return IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
}

// responseFor converts a daemon Result into the wire response.
func responseFor(res Result) IPCResponse {
	if res.Err != nil {
		return IPCResponse{Status: "error", Error: res.Err.Error()}
	}
	resp := IPCResponse{Status: "ok", Data: res.Snapshot}
	if res.Outcome != nil {
		aborted := res.Outcome.Aborted
		resp.Action = res.Outcome.Decision.Action.String()
		resp.Target = res.Outcome.Decision.Target.Flatten()
		resp.Reason = res.Outcome.Decision.Reason
		resp.Aborted = &aborted
	}
	return resp
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, replyTimeout time.Duration, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Owner-only: the socket accepts key injection.
	if err := os.Chmod(socketPath, 0600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	if replyTimeout <= 0 {
		replyTimeout = defaultIPCReplyTimeout
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, events, replyTimeout, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, replyTimeout time.Duration, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("IPC received", "line", line)

		var response IPCResponse
		ev, err := UnmarshalEvent([]byte(line))
		if err != nil {
			response = errorResponse("parse event: %v", err)
		} else {
			response = dispatchIPC(ctx, ev, events, replyTimeout)
		}

		if encErr := encoder.Encode(response); encErr != nil {
			logger.Error("IPC failed to send response", "error", encErr)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// dispatchIPC hands ev to the daemon and waits for its answer.
func dispatchIPC(ctx context.Context, ev Event, events chan<- Event, replyTimeout time.Duration) IPCResponse {
	reply := make(chan Result, 1)

	select {
	case events <- Request{Event: ev, Reply: reply}:
	default:
		return errorResponse("event queue full")
	}

	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return responseFor(res)
	case <-timer.C:
		return errorResponse("daemon did not answer within %s", replyTimeout)
	case <-ctx.Done():
		return errorResponse("daemon shutting down")
	}
}

// ============================================================================
// IPC Client Utility Functions
// ============================================================================

// SendIPCEvent sends an event to the daemon via IPC and returns the response.
// It is the in-package client used by tests; mbrouter-ctl carries its own copy.
func SendIPCEvent(socketPath string, ev Event) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := MarshalEvent(ev)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return IPCResponse{}, fmt.Errorf("send event: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp, nil
}
