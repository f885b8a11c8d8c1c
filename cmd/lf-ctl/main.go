package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// lf-ctl - operator client for a running linefollower
// ============================================================================
// Usage:
//   lf-ctl halt [reason...]
//   lf-ctl status
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/linefollower.sock)
// ============================================================================

// Request envelope (duplicated from the daemon for a standalone binary)
type requestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type haltData struct {
	Reason string `json:"reason,omitempty"`
}

type statusData struct {
	Mode          string    `json:"mode"`
	ModeSince     time.Time `json:"mode_since"`
	FinishCounter int       `json:"finish_counter"`
	LastManeuver  string    `json:"last_maneuver"`
	Cause         string    `json:"cause,omitempty"`
	Ticks         uint64    `json:"ticks"`
	ReadFailures  uint64    `json:"read_failures"`
}

// ipcResponse represents the daemon's response
type ipcResponse struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Data   *statusData `json:"data,omitempty"`
}

func main() {
	socketPath := "/tmp/linefollower.sock"

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-socket" || args[0] == "--socket") {
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

	var req requestEnvelope

	switch args[0] {
	case "halt", "stop":
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = "lf-ctl"
		}
		data, err := json.Marshal(haltData{Reason: reason})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		req = requestEnvelope{Type: "halt", Data: data}

	case "status":
		req = requestEnvelope{Type: "status"}

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if resp.Data == nil {
		fmt.Println("ok")
		return
	}
	st := resp.Data
	fmt.Printf("mode:           %s (since %s)\n", st.Mode, st.ModeSince.Format(time.RFC3339))
	fmt.Printf("finish counter: %d\n", st.FinishCounter)
	fmt.Printf("last maneuver:  %s\n", st.LastManeuver)
	if st.Cause != "" {
		fmt.Printf("stop cause:     %s\n", st.Cause)
	}
	fmt.Printf("ticks:          %d (%d read failures)\n", st.Ticks, st.ReadFailures)
}

func send(socketPath string, req requestEnvelope) (ipcResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return ipcResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return ipcResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	// line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return ipcResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp ipcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return ipcResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return ipcResponse{}, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `lf-ctl - control a running linefollower via IPC

Usage:
  lf-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/linefollower.sock)

Commands:
  halt, stop [reason]     Stop the robot now (cause operator_halt)
  status                  Print controller mode, finish counter and tick counts
  help, -h, --help        Show this help message

Examples:
  lf-ctl status
  lf-ctl halt bumped the table
  lf-ctl -socket /run/linefollower.sock halt
`)
}
