package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SimBridge is a Peripheral backed by a simulator speaking JSON over WebSocket.
//
// Requests are single-key objects naming the operation:
//
//	{"ReadLight":"left"}          -> {"ReadLight":{"result":"Ok","value":42}}
//	{"ReadDistance":"front"}      -> {"ReadDistance":{"result":"Ok","value":30}}
//	{"Drive":{"left":25,"right":37.5}} -> {"Drive":{"result":"Ok"}}
//	"Stop"                        -> {"Stop":{"result":"Ok"}}
//	"ReadAll"                     -> {"ReadAll":{"result":"Ok","value":{...snapshot...}}}
//
// Any result other than "Ok" is an error carrying the reply's "error" text.
type SimBridge struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	url         string
	bindings    BindingsConfig
	logger      *slog.Logger
	readTimeout time.Duration
}

// simReply is the per-operation body of a simulator response.
type simReply struct {
	Result string          `json:"result"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// simSnapshot is the ReadAll value; a missing or null field stays nil.
type simSnapshot struct {
	Left            *float64 `json:"left"`
	Right           *float64 `json:"right"`
	Center          *float64 `json:"center"`
	FrontDistanceCM *float64 `json:"front_distance_cm"`
}

type simDrive struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// NewSimBridge creates a simulator client and establishes the initial connection.
func NewSimBridge(wsURL string, b BindingsConfig, logger *slog.Logger, readTimeout time.Duration) (*SimBridge, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}

	s := &SimBridge{
		url:         wsURL,
		bindings:    b,
		logger:      logger,
		readTimeout: readTimeout,
	}

	if err := s.connectWithRetry(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SimBridge) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	d := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}

	conn, _, err := d.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.conn = conn
	return nil
}

// connectWithRetry attempts to connect a bounded number of times
func (s *SimBridge) connectWithRetry() error {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		err := s.connect()
		if err == nil {
			s.logger.Info("connected to simulator", "url", s.url)
			return nil
		}
		lastErr = err
		s.logger.Warn("simulator connection failed; retrying...", "error", err, "attempt", attempt+1)
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("failed to connect after 10 attempts: %w", lastErr)
}

// ensureConnected reconnects once if the previous exchange broke the link.
// It does not retry: the control loop treats the failure as a failed tick.
func (s *SimBridge) ensureConnected() error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Warn("simulator connection lost; reconnecting...")
	if err := s.connect(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// sendAndRead sends a request and waits for the reply
func (s *SimBridge) sendAndRead(v any) ([]byte, error) {
	if err := s.ensureConnected(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.conn.Close()
		s.conn = nil
		return nil, err
	}

	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	defer func() {
		if s.conn != nil {
			s.conn.SetReadDeadline(time.Time{})
		}
	}()

	_, message, err := s.conn.ReadMessage()
	if err != nil {
		s.conn.Close()
		s.conn = nil
		return nil, err
	}
	return message, nil
}

// call performs one request and decodes the reply value (if out is non-nil).
func (s *SimBridge) call(op string, req any, out any) error {
	raw, err := s.sendAndRead(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var resp map[string]simReply
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%s: parse response: %w", op, err)
	}
	reply, ok := resp[op]
	if !ok {
		return fmt.Errorf("%s: unexpected response %s", op, raw)
	}
	if reply.Result != "Ok" {
		if reply.Error != "" {
			return fmt.Errorf("%s: %s", op, reply.Error)
		}
		return fmt.Errorf("%s: result %q", op, reply.Result)
	}
	if out != nil {
		if len(reply.Value) == 0 {
			return fmt.Errorf("%s: response has no value", op)
		}
		if err := json.Unmarshal(reply.Value, out); err != nil {
			return fmt.Errorf("%s: parse value: %w", op, err)
		}
	}
	return nil
}

func (s *SimBridge) ReadLight(ch LightChannel) (float64, error) {
	var v *float64
	if err := s.call("ReadLight", map[string]any{"ReadLight": s.bindings.Port(ch)}, &v); err != nil {
		return 0, err
	}
	return requireReading("ReadLight "+ch.String(), v)
}

func (s *SimBridge) ReadDistance() (float64, error) {
	var v *float64
	if err := s.call("ReadDistance", map[string]any{"ReadDistance": s.bindings.Distance}, &v); err != nil {
		return 0, err
	}
	return requireReading("ReadDistance", v)
}

// ReadSnapshot fetches all four readings in one exchange.
func (s *SimBridge) ReadSnapshot() (Snapshot, error) {
	var raw simSnapshot
	if err := s.call("ReadAll", "ReadAll", &raw); err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	fields := []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"left", raw.Left, &snap.Left},
		{"right", raw.Right, &snap.Right},
		{"center", raw.Center, &snap.Center},
		{"front_distance_cm", raw.FrontDistanceCM, &snap.FrontDistanceCM},
	}
	for _, f := range fields {
		v, err := requireReading("ReadAll "+f.name, f.src)
		if err != nil {
			return Snapshot{}, err
		}
		*f.dst = v
	}
	return snap, nil
}

// requireReading rejects a reading the simulator left out.
func requireReading(what string, v *float64) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("%s: missing value: %w", what, ErrInvalidReading)
	}
	return *v, nil
}

func (s *SimBridge) Drive(leftPct, rightPct float64) error {
	return s.call("Drive", map[string]any{"Drive": simDrive{Left: leftPct, Right: rightPct}}, nil)
}

func (s *SimBridge) Stop() error {
	return s.call("Stop", "Stop", nil)
}

// Close closes the WebSocket connection
func (s *SimBridge) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}
