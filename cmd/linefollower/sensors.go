package main

import (
	"errors"
	"fmt"
	"math"
)

// ============================================================================
// Sensor Interpreter
// ============================================================================
//
// Turns one Snapshot into comparative signals and boolean classifications.
// Everything here is a pure function of (Snapshot, SensorConfig): no I/O, no
// state, no failure mode. The drive reducer decides what to do with the answers.
//
// ============================================================================

// ErrInvalidReading marks a peripheral value that cannot be interpreted
// (NaN, Inf). Callers treat it like any other read failure.
var ErrInvalidReading = errors.New("invalid sensor reading")

// Snapshot is one tick's worth of sensor readings. It is captured once,
// never mutated and discarded after the tick's decision is made.
type Snapshot struct {
	Left            float64 `json:"left"`
	Right           float64 `json:"right"`
	Center          float64 `json:"center"`
	FrontDistanceCM float64 `json:"front_distance_cm"`
}

// Validate rejects non-finite readings.
func (s Snapshot) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"left", s.Left},
		{"right", s.Right},
		{"center", s.Center},
		{"front_distance_cm", s.FrontDistanceCM},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s=%v: %w", f.name, f.v, ErrInvalidReading)
		}
	}
	return nil
}

// Signals are the pairwise differences between light sensors.
type Signals struct {
	LeftRight   float64 `json:"left_right"`
	LeftCenter  float64 `json:"left_center"`
	RightCenter float64 `json:"right_center"`
}

// Signals derives the comparative signals of s.
func (s Snapshot) Signals() Signals {
	return Signals{
		LeftRight:   s.Left - s.Right,
		LeftCenter:  s.Left - s.Center,
		RightCenter: s.Right - s.Center,
	}
}

// SensorConfig holds the classification thresholds.
type SensorConfig struct {
	BlackThreshold float64
	WhiteThreshold float64
	Discrimination float64
	ObstacleCM     float64
}

// DefaultSensorConfig returns the calibrated thresholds for the stock track.
func DefaultSensorConfig() SensorConfig {
	return SensorConfig{
		BlackThreshold: defaultBlackThreshold,
		WhiteThreshold: defaultWhiteThreshold,
		Discrimination: defaultDiscrimination,
		ObstacleCM:     defaultObstacleCM,
	}
}

// Interpretation answers classification questions about one snapshot.
type Interpretation struct {
	snap Snapshot
	sig  Signals
	cfg  SensorConfig
}

// Interpret binds a snapshot to the thresholds it is judged against.
func Interpret(s Snapshot, cfg SensorConfig) Interpretation {
	return Interpretation{snap: s, sig: s.Signals(), cfg: cfg}
}

// Snapshot returns the readings the interpretation was built from.
func (in Interpretation) Snapshot() Snapshot { return in.snap }

// Signals returns the pairwise differences of the readings.
func (in Interpretation) Signals() Signals { return in.sig }

// AllBlack reports whether every light sensor reads below the black split.
// Only used to arm the finish counter.
func (in Interpretation) AllBlack() bool {
	t := in.cfg.BlackThreshold
	return in.snap.Left < t && in.snap.Right < t && in.snap.Center < t
}

// AllWhite reports whether every light sensor reads above the white split:
// either a gap in the line or the white band behind the finish line.
func (in Interpretation) AllWhite() bool {
	t := in.cfg.WhiteThreshold
	return in.snap.Left > t && in.snap.Right > t && in.snap.Center > t
}

// AllEqual reports whether no pair of light sensors differs by the
// discrimination threshold. Diagnostic only: no transition consumes it.
func (in Interpretation) AllEqual() bool {
	t := in.cfg.Discrimination
	return math.Abs(in.sig.LeftRight) < t &&
		math.Abs(in.sig.LeftCenter) < t &&
		math.Abs(in.sig.RightCenter) < t
}

// ObstaclePresent reports whether something sits closer than the obstacle distance.
func (in Interpretation) ObstaclePresent() bool {
	return in.snap.FrontDistanceCM < in.cfg.ObstacleCM
}

// ShouldGoStraight: the center sensor is darker than both sides.
func (in Interpretation) ShouldGoStraight() bool {
	t := in.cfg.Discrimination
	return in.sig.LeftCenter > t && in.sig.RightCenter > t
}

// ShouldCurveLeft: left is darker than right, center is not much brighter than left.
func (in Interpretation) ShouldCurveLeft() bool {
	t := in.cfg.Discrimination
	return -in.sig.LeftRight > t && -in.sig.LeftCenter < t
}

// ShouldCurveRight: right is darker than left, center is not much brighter than right.
func (in Interpretation) ShouldCurveRight() bool {
	t := in.cfg.Discrimination
	return in.sig.LeftRight > t && -in.sig.RightCenter < t
}

// ShouldPivotLeftSharp: only the left sensor still sees the line.
func (in Interpretation) ShouldPivotLeftSharp() bool {
	t := in.cfg.Discrimination
	return -in.sig.LeftRight > t && -in.sig.LeftCenter > t
}

// ShouldPivotRightSharp: only the right sensor still sees the line.
func (in Interpretation) ShouldPivotRightSharp() bool {
	t := in.cfg.Discrimination
	return in.sig.LeftRight > t && -in.sig.RightCenter > t
}

// Classification is the flat set of boolean answers, used for telemetry and
// the run journal.
type Classification struct {
	AllBlack bool `json:"all_black"`
	AllWhite bool `json:"all_white"`
	AllEqual bool `json:"all_equal"`
	Obstacle bool `json:"obstacle"`
}

// Classify collects the boolean predicates into one value.
func (in Interpretation) Classify() Classification {
	return Classification{
		AllBlack: in.AllBlack(),
		AllWhite: in.AllWhite(),
		AllEqual: in.AllEqual(),
		Obstacle: in.ObstaclePresent(),
	}
}
