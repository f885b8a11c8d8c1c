package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Peripheral - the robot's sensors and drive train
// ============================================================================
//
// The controller only ever talks to this interface. Backends live in their own
// files (ev3dev.go, gopigo3.go, serialbridge.go, simbridge.go). Every backend is
// constructed with BindingsConfig and resolves logical channels to physical
// ports itself.
//
// ============================================================================

// ErrNotConnected is returned by backends whose link to the hardware is down.
var ErrNotConnected = errors.New("peripheral not connected")

// LightChannel is a logical light sensor position.
type LightChannel int

const (
	LightLeft LightChannel = iota
	LightRight
	LightCenter
)

func (c LightChannel) String() string {
	switch c {
	case LightLeft:
		return "left"
	case LightRight:
		return "right"
	case LightCenter:
		return "center"
	default:
		return fmt.Sprintf("light(%d)", int(c))
	}
}

// Port returns the physical port bound to a light channel.
func (b BindingsConfig) Port(ch LightChannel) string {
	switch ch {
	case LightLeft:
		return b.Left
	case LightRight:
		return b.Right
	case LightCenter:
		return b.Center
	default:
		return ""
	}
}

// Peripheral is the hardware surface the drive controller consumes.
// Light intensities are on the 0-100 reflected-light scale; distance is in cm;
// wheel speeds are percent of rated motor speed.
type Peripheral interface {
	ReadLight(ch LightChannel) (float64, error)
	ReadDistance() (float64, error)
	Drive(leftPct, rightPct float64) error
	Stop() error
	Close() error
}

// SnapshotReader is implemented by backends that can return all four readings
// in one round trip. acquireSnapshot prefers it.
type SnapshotReader interface {
	ReadSnapshot() (Snapshot, error)
}

// acquireSnapshot reads one complete, validated snapshot. Any failure yields
// an error and no partial data.
func acquireSnapshot(p Peripheral) (Snapshot, error) {
	if p == nil {
		return Snapshot{}, ErrNotConnected
	}

	var snap Snapshot
	if sr, ok := p.(SnapshotReader); ok {
		s, err := sr.ReadSnapshot()
		if err != nil {
			return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
		}
		snap = s
	} else {
		var err error
		if snap.Left, err = p.ReadLight(LightLeft); err != nil {
			return Snapshot{}, fmt.Errorf("read light %s: %w", LightLeft, err)
		}
		if snap.Right, err = p.ReadLight(LightRight); err != nil {
			return Snapshot{}, fmt.Errorf("read light %s: %w", LightRight, err)
		}
		if snap.Center, err = p.ReadLight(LightCenter); err != nil {
			return Snapshot{}, fmt.Errorf("read light %s: %w", LightCenter, err)
		}
		if snap.FrontDistanceCM, err = p.ReadDistance(); err != nil {
			return Snapshot{}, fmt.Errorf("read distance: %w", err)
		}
	}

	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// openPeripheral constructs the configured backend. Each case checks err
// before converting so a failed constructor never yields a typed-nil Peripheral.
func openPeripheral(cfg PeripheralConfig, logger *slog.Logger) (Peripheral, error) {
	switch cfg.Backend {
	case backendEV3Dev:
		p, err := OpenEV3Dev(cfg.EV3Dev, cfg.Bindings, logger)
		if err != nil {
			return nil, fmt.Errorf("open ev3dev peripheral: %w", err)
		}
		return p, nil
	case backendGoPiGo3:
		p, err := OpenGoPiGo3(cfg.GoPiGo3, cfg.Bindings, logger)
		if err != nil {
			return nil, fmt.Errorf("open gopigo3 peripheral: %w", err)
		}
		return p, nil
	case backendSerial:
		p, err := OpenSerialBridge(cfg.Serial, cfg.Bindings, logger)
		if err != nil {
			return nil, fmt.Errorf("open serial peripheral: %w", err)
		}
		return p, nil
	case backendSim:
		timeout := time.Duration(cfg.Sim.TimeoutMS) * time.Millisecond
		p, err := NewSimBridge(cfg.Sim.WsURL, cfg.Bindings, logger, timeout)
		if err != nil {
			return nil, fmt.Errorf("open sim peripheral: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown peripheral backend %q", cfg.Backend)
	}
}
