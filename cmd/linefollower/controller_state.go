package main

import (
	"fmt"
	"time"
)

// Mode drives all branching in the reducer.
type Mode int

const (
	ModeDriving Mode = iota
	ModeWaiting
	ModeStopped // terminal
)

func (m Mode) String() string {
	switch m {
	case ModeDriving:
		return "driving"
	case ModeWaiting:
		return "waiting"
	case ModeStopped:
		return "stopped"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Maneuver names one entry of the motor command vocabulary.
type Maneuver string

const (
	ManeuverNone            Maneuver = ""
	ManeuverStraight        Maneuver = "straight"
	ManeuverCurveLeft       Maneuver = "curve_left"
	ManeuverCurveRight      Maneuver = "curve_right"
	ManeuverPivotLeftSharp  Maneuver = "pivot_left_sharp"
	ManeuverPivotRightSharp Maneuver = "pivot_right_sharp"
	ManeuverStop            Maneuver = "stop"
)

// StopCause records why the controller reached Stopped.
type StopCause string

const (
	CauseNone         StopCause = ""
	CauseFinishLine   StopCause = "finish_line"
	CauseMotorFault   StopCause = "motor_fault"
	CauseOperatorHalt StopCause = "operator_halt"
)

// SpeedConfig holds base wheel speeds (percent of rated speed) and the common
// scale applied to all of them.
type SpeedConfig struct {
	Scale      float64
	Full       float64
	Curve      float64
	PivotOuter float64
	PivotInner float64
}

// DefaultSpeedConfig returns the base speeds and the 1.25 scale.
func DefaultSpeedConfig() SpeedConfig {
	return SpeedConfig{
		Scale:      defaultSpeedScale,
		Full:       defaultSpeedFull,
		Curve:      defaultSpeedCurve,
		PivotOuter: defaultSpeedPivotOuter,
		PivotInner: defaultSpeedPivotInner,
	}
}

// Wheels returns the (left, right) speed targets for m.
func (c SpeedConfig) Wheels(m Maneuver) (left, right float64) {
	full := c.Full * c.Scale
	curve := c.Curve * c.Scale
	outer := c.PivotOuter * c.Scale
	inner := c.PivotInner * c.Scale

	switch m {
	case ManeuverStraight:
		return full, full
	case ManeuverCurveLeft:
		return curve, full
	case ManeuverCurveRight:
		return full, curve
	case ManeuverPivotLeftSharp:
		return inner, outer
	case ManeuverPivotRightSharp:
		return outer, inner
	default:
		return 0, 0
	}
}

// ControllerState is the single mutable record of the drive controller.
//
// It is owned by the daemon loop goroutine. Nothing else reads or writes it;
// observers get copies through StatusSnapshot.
type ControllerState struct {
	Mode Mode

	// FinishCounter bridges "all sensors were black a few ticks ago" to
	// "all sensors are white now". Refilled on all-black, decremented otherwise.
	FinishCounter int

	// Cause and CauseDetail are set once, on the transition into Stopped.
	Cause       StopCause
	CauseDetail string

	// LastManeuver is the last command issued to the motors.
	LastManeuver Maneuver

	ModeSince    time.Time
	Ticks        uint64
	ReadFailures uint64
}

// NewControllerState returns the startup state: Driving with a disarmed finish counter.
func NewControllerState(now time.Time) *ControllerState {
	return &ControllerState{
		Mode:      ModeDriving,
		ModeSince: now,
	}
}

// updateFinishCounter applies the per-tick counter rule. allBlack is false when
// the tick has no trustworthy reading.
func (s *ControllerState) updateFinishCounter(allBlack bool, refill int) {
	if allBlack {
		s.FinishCounter = refill
		return
	}
	if s.FinishCounter > 0 {
		s.FinishCounter--
	}
}

// setMode switches mode and reports whether anything changed.
// Stopped is terminal and is never left.
func (s *ControllerState) setMode(to Mode, at time.Time) bool {
	if s.Mode == to || s.Mode == ModeStopped {
		return false
	}
	s.Mode = to
	s.ModeSince = at
	return true
}

// StatusSnapshot is a copy of controller state that is safe to hand to other goroutines.
type StatusSnapshot struct {
	Mode          string    `json:"mode"`
	ModeSince     time.Time `json:"mode_since"`
	FinishCounter int       `json:"finish_counter"`
	LastManeuver  Maneuver  `json:"last_maneuver"`
	Cause         StopCause `json:"cause,omitempty"`
	Ticks         uint64    `json:"ticks"`
	ReadFailures  uint64    `json:"read_failures"`
}

// Status copies the fields reported to operators and telemetry.
func (s *ControllerState) Status() StatusSnapshot {
	return StatusSnapshot{
		Mode:          s.Mode.String(),
		ModeSince:     s.ModeSince,
		FinishCounter: s.FinishCounter,
		LastManeuver:  s.LastManeuver,
		Cause:         s.Cause,
		Ticks:         s.Ticks,
		ReadFailures:  s.ReadFailures,
	}
}
