package main

import "time"

// This file implements the drive controller as a pure reducer:
//
//   Reduce(state, event, cfg) -> next state + commands + broadcasts
//
// The reducer performs no I/O. The daemon loop acquires snapshots, executes
// the returned Commands against the peripheral and feeds failures back in as
// Events.

// ControllerConfig bundles everything the reducer needs besides state.
type ControllerConfig struct {
	Sensors      SensorConfig
	Speeds       SpeedConfig
	FinishRefill int
}

// DefaultControllerConfig returns the stock thresholds, speeds and refill.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Sensors:      DefaultSensorConfig(),
		Speeds:       DefaultSpeedConfig(),
		FinishRefill: defaultFinishRefill,
	}
}

// ReduceResult is the output of Reduce().
type ReduceResult struct {
	State      *ControllerState
	Commands   []Command
	Broadcasts []Broadcast
}

// steeringRule is one guarded motor command.
type steeringRule struct {
	maneuver Maneuver
	when     func(Interpretation) bool
}

// steeringRules are evaluated in this order and are not mutually exclusive:
// every rule is checked and the LAST one that matches decides the command.
// A sharp pivot therefore overrides a straight/curve decision from the same
// tick. Do not turn this into an if/else chain; the override order is the
// tuned behavior.
var steeringRules = []steeringRule{
	{ManeuverStraight, Interpretation.ShouldGoStraight},
	{ManeuverCurveLeft, Interpretation.ShouldCurveLeft},
	{ManeuverCurveRight, Interpretation.ShouldCurveRight},
	{ManeuverPivotLeftSharp, Interpretation.ShouldPivotLeftSharp},
	{ManeuverPivotRightSharp, Interpretation.ShouldPivotRightSharp},
}

// Reduce is the drive controller step.
//
// Rules:
//   - Must not perform I/O
//   - Must not block
//   - Stopped is terminal: once there, only status requests produce output
func Reduce(s *ControllerState, e Event, cfg ControllerConfig) ReduceResult {
	if s == nil {
		s = NewControllerState(time.Time{})
	}
	rr := ReduceResult{State: s}

	switch ev := e.(type) {
	case Tick:
		if s.Mode == ModeStopped {
			break
		}
		s.Ticks++

		in := Interpret(ev.Snapshot, cfg.Sensors)
		s.updateFinishCounter(in.AllBlack(), cfg.FinishRefill)

		issued := ManeuverNone
		switch s.Mode {
		case ModeDriving:
			issued = rr.reduceDriving(s, in, ev.Now, cfg)
		case ModeWaiting:
			// Motors were stopped on entry; just wait for the path to clear.
			if !in.ObstaclePresent() {
				rr.transition(s, ModeDriving, CauseNone, "", ev.Now)
			}
		}

		rr.Broadcasts = append(rr.Broadcasts, TickReport{
			Seq:            s.Ticks,
			At:             ev.Now,
			Snapshot:       ev.Snapshot,
			Signals:        in.Signals(),
			Classification: in.Classify(),
			Mode:           s.Mode,
			FinishCounter:  s.FinishCounter,
			Maneuver:       issued,
		})

	case SensorReadFailed:
		if s.Mode == ModeStopped {
			break
		}
		s.Ticks++
		s.ReadFailures++

		// No reading means no all-black evidence; time still passes.
		s.updateFinishCounter(false, cfg.FinishRefill)

		// A blind robot is treated exactly like a blocked one.
		issued := ManeuverNone
		if s.Mode == ModeDriving {
			issued = rr.issue(s, ManeuverStop, cfg)
			rr.transition(s, ModeWaiting, CauseNone, "", ev.Now)
		}

		report := TickReport{
			Seq:           s.Ticks,
			At:            ev.Now,
			Mode:          s.Mode,
			FinishCounter: s.FinishCounter,
			Maneuver:      issued,
		}
		if ev.Err != nil {
			report.ReadError = ev.Err.Error()
		}
		rr.Broadcasts = append(rr.Broadcasts, report)

	case MotorCommandFailed:
		// An unresponsive drive train invalidates further decisions. Escalate
		// once; a failure of the final stop itself lands here in Stopped and is dropped.
		if s.Mode == ModeStopped {
			break
		}
		detail := ev.Command.String()
		if ev.Err != nil {
			detail += ": " + ev.Err.Error()
		}
		rr.issue(s, ManeuverStop, cfg)
		rr.transition(s, ModeStopped, CauseMotorFault, detail, ev.At)

	case HaltRequested:
		if s.Mode == ModeStopped {
			break
		}
		rr.issue(s, ManeuverStop, cfg)
		rr.transition(s, ModeStopped, CauseOperatorHalt, ev.Reason, ev.At)

	case RequestStatus:
		rr.Commands = append(rr.Commands, CmdPublishStatus{Reply: ev.Reply, Status: s.Status()})

	default:
		// Unknown event type: no-op.
	}

	return rr
}

// reduceDriving evaluates the Driving guards in priority order and returns
// the maneuver issued this tick, if any.
func (rr *ReduceResult) reduceDriving(s *ControllerState, in Interpretation, now time.Time, cfg ControllerConfig) Maneuver {
	// Safety first: an obstacle overrides line following and finish detection.
	if in.ObstaclePresent() {
		m := rr.issue(s, ManeuverStop, cfg)
		rr.transition(s, ModeWaiting, CauseNone, "", now)
		return m
	}

	// White right after a black band: finish line.
	if in.AllWhite() && s.FinishCounter > 0 {
		m := rr.issue(s, ManeuverStop, cfg)
		rr.transition(s, ModeStopped, CauseFinishLine, "", now)
		return m
	}

	decided := ManeuverNone
	for _, r := range steeringRules {
		if r.when(in) {
			decided = r.maneuver
		}
	}

	// White without a preceding black band: a gap in the line, keep going straight.
	if in.AllWhite() {
		decided = ManeuverStraight
	}

	if decided == ManeuverNone {
		return ManeuverNone
	}
	return rr.issue(s, decided, cfg)
}

// issue appends the motor command for m and records it as the last maneuver.
func (rr *ReduceResult) issue(s *ControllerState, m Maneuver, cfg ControllerConfig) Maneuver {
	if m == ManeuverStop {
		rr.Commands = append(rr.Commands, CmdStop{})
	} else {
		left, right := cfg.Speeds.Wheels(m)
		rr.Commands = append(rr.Commands, CmdDrive{Maneuver: m, Left: left, Right: right})
	}
	s.LastManeuver = m
	return m
}

// transition changes mode and emits BroadcastModeChanged when it actually changed.
func (rr *ReduceResult) transition(s *ControllerState, to Mode, cause StopCause, detail string, at time.Time) {
	from := s.Mode
	if !s.setMode(to, at) {
		return
	}
	if to == ModeStopped {
		s.Cause = cause
		s.CauseDetail = detail
	}
	rr.Broadcasts = append(rr.Broadcasts, BroadcastModeChanged{
		From:   from,
		To:     to,
		Cause:  cause,
		Detail: detail,
		At:     at,
	})
}
