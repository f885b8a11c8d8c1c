package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// envelope mirrors the daemon's telemetry frame.
type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type tickData struct {
	Seq      uint64 `json:"seq"`
	Snapshot *struct {
		Left     float64 `json:"left"`
		Right    float64 `json:"right"`
		Center   float64 `json:"center"`
		Distance float64 `json:"front_distance_cm"`
	} `json:"snapshot,omitempty"`
	ReadError     string `json:"read_error,omitempty"`
	Mode          string `json:"mode"`
	FinishCounter int    `json:"finish_counter"`
	Maneuver      string `json:"maneuver,omitempty"`
}

type modeChangedData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Cause  string `json:"cause,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func main() {
	var (
		wsURL     = flag.String("ws", "ws://127.0.0.1:8088/telemetry", "linefollower telemetry websocket URL")
		showTicks = flag.Bool("ticks", true, "print tick telemetry (mode changes are always printed)")
		raw       = flag.Bool("raw", false, "print frames as received")
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

	// The daemon pings every 20s; answer pongs are automatic, we only need
	// to keep the read deadline moving.
	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			handleFrame(message, *showTicks)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleFrame prints one telemetry frame as a single line.
func handleFrame(message []byte, showTicks bool) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	ts := ""
	if env.Ts != nil {
		ts = env.Ts.Local().Format("15:04:05.000") + " "
	}

	switch env.Type {
	case "state_init":
		var pretty map[string]any
		if err := json.Unmarshal(env.Data, &pretty); err != nil {
			fmt.Printf("%s[STATE] %s\n", ts, string(env.Data))
			return
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("%s[STATE]\n%s\n", ts, string(out))

	case "mode_changed":
		var mc modeChangedData
		if err := json.Unmarshal(env.Data, &mc); err != nil {
			fmt.Printf("%s[MODE] %s\n", ts, string(env.Data))
			return
		}
		line := fmt.Sprintf("%s[MODE] %s -> %s", ts, mc.From, mc.To)
		if mc.Cause != "" {
			line += " cause=" + mc.Cause
		}
		if mc.Detail != "" {
			line += " detail=" + mc.Detail
		}
		fmt.Println(line)

	case "tick":
		if !showTicks {
			return
		}
		var td tickData
		if err := json.Unmarshal(env.Data, &td); err != nil {
			fmt.Printf("%s[TICK] %s\n", ts, string(env.Data))
			return
		}
		if td.ReadError != "" || td.Snapshot == nil {
			fmt.Printf("%s[TICK %d] %-8s read error: %s\n", ts, td.Seq, td.Mode, td.ReadError)
			return
		}
		s := td.Snapshot
		fmt.Printf("%s[TICK %d] %-8s L=%5.1f C=%5.1f R=%5.1f d=%5.1fcm fc=%d %s\n",
			ts, td.Seq, td.Mode, s.Left, s.Center, s.Right, s.Distance, td.FinishCounter, td.Maneuver)

	default:
		fmt.Printf("%s[%s] %s\n", ts, env.Type, string(env.Data))
	}
}
