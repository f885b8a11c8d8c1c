package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// ============================================================================
// Serial bridge backend
// ============================================================================
//
// A microcontroller wired to the sensors and motor driver, reached over a
// serial line. The protocol is line based, one request and one reply:
//
//	device -> host   ready                      (once, after reset)
//	L <port>         OK <intensity>
//	D <port>         OK <cm>
//	A <l> <r> <c> <d> OK <left> <right> <center> <cm>
//	M <left> <right> OK
//	S                OK
//
// Any request may be answered with "ERR <message>".
//
// Every request is prefixed with a sequence tag that the bridge echoes in
// front of its reply ("7 A 0 1 2 3" -> "7 OK 70 71 20 100"). Replies carrying
// any other tag are late answers to requests that already timed out and are
// discarded, so a slow reply is never taken for a fresh one.
//
// ============================================================================

// ErrBridgeProtocol reports a reply that does not follow the line protocol.
var ErrBridgeProtocol = errors.New("serial bridge protocol error")

// SerialBridge is a Peripheral behind a serial line microcontroller.
type SerialBridge struct {
	mu       sync.Mutex
	rw       io.ReadWriteCloser
	r        *bufio.Reader
	seq      uint32
	bindings BindingsConfig
	logger   *slog.Logger
}

// OpenSerialBridge opens the serial device and waits for the bridge handshake.
func OpenSerialBridge(cfg SerialConfig, b BindingsConfig, logger *slog.Logger) (*SerialBridge, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	// Opening the port resets most boards; give the bootloader a few read
	// timeouts to finish before the handshake is declared missing.
	br, err := newSerialBridge(port, b, logger, 40)
	if err != nil {
		port.Close()
		return nil, err
	}
	logger.Info("serial bridge ready", "device", cfg.Device, "baud", cfg.Baud)
	return br, nil
}

// newSerialBridge waits up to attempts line reads for the "ready" banner.
func newSerialBridge(rw io.ReadWriteCloser, b BindingsConfig, logger *slog.Logger, attempts int) (*SerialBridge, error) {
	br := &SerialBridge{
		rw:       rw,
		r:        bufio.NewReader(rw),
		bindings: b,
		logger:   logger,
	}

	for i := 0; i < attempts; i++ {
		line, err := br.readLine()
		if err != nil {
			// tarm/serial reports a read timeout as io.EOF
			if errors.Is(err, io.EOF) {
				continue
			}
			return nil, fmt.Errorf("handshake: %w", err)
		}
		if line == "ready" {
			return br, nil
		}
		logger.Debug("serial bridge: skipping pre-handshake line", "line", line)
	}
	return nil, fmt.Errorf("handshake: no ready banner: %w", ErrBridgeProtocol)
}

func (s *SerialBridge) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// request sends one tagged line and returns the fields after "OK".
func (s *SerialBridge) request(format string, args ...any) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	tag := strconv.FormatUint(uint64(s.seq), 10)

	req := fmt.Sprintf(format, args...)
	if _, err := io.WriteString(s.rw, tag+" "+req+"\n"); err != nil {
		return nil, fmt.Errorf("write %q: %w", req, err)
	}

	var line string
	for {
		l, err := s.readLine()
		if err != nil {
			return nil, fmt.Errorf("read reply to %q: %w", req, err)
		}
		got, rest, _ := strings.Cut(l, " ")
		if got == tag {
			line = strings.TrimSpace(rest)
			break
		}
		s.logger.Debug("serial bridge: discarding stale reply", "want_tag", tag, "line", l)
	}

	fields := strings.Fields(line)
	switch {
	case len(fields) > 0 && fields[0] == "OK":
		return fields[1:], nil
	case len(fields) > 0 && fields[0] == "ERR":
		return nil, fmt.Errorf("%q: %s", req, strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
	default:
		return nil, fmt.Errorf("%q: reply %q: %w", req, line, ErrBridgeProtocol)
	}
}

// requestFloats sends a request whose reply carries exactly n numbers.
func (s *SerialBridge) requestFloats(n int, format string, args ...any) ([]float64, error) {
	fields, err := s.request(format, args...)
	if err != nil {
		return nil, err
	}
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d values, got %d: %w", n, len(fields), ErrBridgeProtocol)
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", f, ErrBridgeProtocol)
		}
		out[i] = v
	}
	return out, nil
}

func (s *SerialBridge) ReadLight(ch LightChannel) (float64, error) {
	port := s.bindings.Port(ch)
	if port == "" {
		return 0, fmt.Errorf("light %s: %w", ch, ErrNotConnected)
	}
	v, err := s.requestFloats(1, "L %s", port)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (s *SerialBridge) ReadDistance() (float64, error) {
	v, err := s.requestFloats(1, "D %s", s.bindings.Distance)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// ReadSnapshot reads all four sensors in one round trip.
func (s *SerialBridge) ReadSnapshot() (Snapshot, error) {
	b := s.bindings
	v, err := s.requestFloats(4, "A %s %s %s %s", b.Left, b.Right, b.Center, b.Distance)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Left: v[0], Right: v[1], Center: v[2], FrontDistanceCM: v[3]}, nil
}

func (s *SerialBridge) Drive(leftPct, rightPct float64) error {
	_, err := s.request("M %s %s", formatPct(leftPct), formatPct(rightPct))
	return err
}

func (s *SerialBridge) Stop() error {
	_, err := s.request("S")
	return err
}

func (s *SerialBridge) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rw.Close()
}

func formatPct(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
