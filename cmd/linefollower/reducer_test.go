package main

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func snap(l, r, c, d float64) Snapshot {
	return Snapshot{Left: l, Right: r, Center: c, FrontDistanceCM: d}
}

// tickAt reduces one Tick n*10ms after t0.
func tickAt(s *ControllerState, n int, sn Snapshot) ReduceResult {
	return Reduce(s, Tick{Now: t0.Add(time.Duration(n) * 10 * time.Millisecond), Snapshot: sn}, DefaultControllerConfig())
}

func onlyCommand(t *testing.T, rr ReduceResult) Command {
	t.Helper()
	if len(rr.Commands) != 1 {
		t.Fatalf("expected exactly 1 command, got %d: %v", len(rr.Commands), rr.Commands)
	}
	return rr.Commands[0]
}

func expectDrive(t *testing.T, rr ReduceResult, m Maneuver) CmdDrive {
	t.Helper()
	cmd, ok := onlyCommand(t, rr).(CmdDrive)
	if !ok {
		t.Fatalf("expected CmdDrive(%s), got %s", m, rr.Commands[0].String())
	}
	if cmd.Maneuver != m {
		t.Fatalf("expected maneuver %s, got %s", m, cmd.Maneuver)
	}
	return cmd
}

func expectStop(t *testing.T, rr ReduceResult) {
	t.Helper()
	if _, ok := onlyCommand(t, rr).(CmdStop); !ok {
		t.Fatalf("expected CmdStop, got %s", rr.Commands[0].String())
	}
}

func modeChanges(rr ReduceResult) []BroadcastModeChanged {
	var out []BroadcastModeChanged
	for _, b := range rr.Broadcasts {
		if mc, ok := b.(BroadcastModeChanged); ok {
			out = append(out, mc)
		}
	}
	return out
}

func TestReducer_NewStateStartsDrivingDisarmed(t *testing.T) {
	s := NewControllerState(t0)
	if s.Mode != ModeDriving || s.FinishCounter != 0 {
		t.Fatalf("expected Driving with counter 0, got %s/%d", s.Mode, s.FinishCounter)
	}
}

func TestReducer_AllBlackRefillsCounterRegardlessOfPrior(t *testing.T) {
	for _, prior := range []int{0, 1, 5, 6} {
		s := NewControllerState(t0)
		s.FinishCounter = prior
		tickAt(s, 1, snap(10, 20, 39, 100))
		if s.FinishCounter != 6 {
			t.Fatalf("prior=%d: expected counter 6, got %d", prior, s.FinishCounter)
		}
	}
}

func TestReducer_CounterDecaysToZeroAndStays(t *testing.T) {
	s := NewControllerState(t0)
	s.FinishCounter = 2

	// Centered on the line: not all-black.
	for i := 1; i <= 4; i++ {
		tickAt(s, i, snap(70, 70, 20, 100))
	}
	if s.FinishCounter != 0 {
		t.Fatalf("expected counter 0, got %d", s.FinishCounter)
	}
}

func TestReducer_AllWhiteWithoutArmedCounterGoesStraight(t *testing.T) {
	s := NewControllerState(t0)

	rr := tickAt(s, 1, snap(80, 80, 80, 100))

	cmd := expectDrive(t, rr, ManeuverStraight)
	if cmd.Left != 37.5 || cmd.Right != 37.5 {
		t.Fatalf("expected straight at 37.5/37.5, got %.1f/%.1f", cmd.Left, cmd.Right)
	}
	if s.Mode != ModeDriving {
		t.Fatalf("expected Driving, got %s", s.Mode)
	}
}

func TestReducer_AllWhiteWithArmedCounterStops(t *testing.T) {
	for _, counter := range []int{2, 6} {
		s := NewControllerState(t0)
		s.FinishCounter = counter

		rr := tickAt(s, 1, snap(45, 90, 60, 100))

		expectStop(t, rr)
		if s.Mode != ModeStopped {
			t.Fatalf("counter=%d: expected Stopped, got %s", counter, s.Mode)
		}
		if s.Cause != CauseFinishLine {
			t.Fatalf("expected cause %s, got %s", CauseFinishLine, s.Cause)
		}
	}
}

// With the counter at 1 the decrement happens first, so the same white tick
// finds it at 0 and keeps driving.
func TestReducer_CounterUpdatedBeforeFinishCheck(t *testing.T) {
	s := NewControllerState(t0)
	s.FinishCounter = 1

	rr := tickAt(s, 1, snap(80, 80, 80, 100))

	expectDrive(t, rr, ManeuverStraight)
	if s.Mode != ModeDriving {
		t.Fatalf("expected Driving, got %s", s.Mode)
	}
}

func TestReducer_ObstacleDominates(t *testing.T) {
	snaps := []Snapshot{
		snap(70, 70, 20, 5), // straight
		snap(20, 80, 50, 5), // pivot left
		snap(80, 80, 80, 5), // all white
		snap(10, 10, 10, 0), // all black
		snap(80, 80, 80, 6.99),
	}
	for i, sn := range snaps {
		s := NewControllerState(t0)
		s.FinishCounter = 3
		rr := tickAt(s, 1, sn)

		expectStop(t, rr)
		if s.Mode != ModeWaiting {
			t.Fatalf("case %d: expected Waiting, got %s", i, s.Mode)
		}
	}
}

func TestReducer_ScenarioBlackBandThenWhiteIsFinishLine(t *testing.T) {
	s := NewControllerState(t0)

	for i := 1; i <= 6; i++ {
		tickAt(s, i, snap(15, 15, 15, 100))
		if s.FinishCounter != 6 {
			t.Fatalf("tick %d: expected counter 6, got %d", i, s.FinishCounter)
		}
		if s.Mode != ModeDriving {
			t.Fatalf("tick %d: expected Driving, got %s", i, s.Mode)
		}
	}

	rr := tickAt(s, 7, snap(80, 80, 80, 100))

	expectStop(t, rr)
	if s.Mode != ModeStopped {
		t.Fatalf("expected Stopped, got %s", s.Mode)
	}
	mcs := modeChanges(rr)
	if len(mcs) != 1 || mcs[0].From != ModeDriving || mcs[0].To != ModeStopped || mcs[0].Cause != CauseFinishLine {
		t.Fatalf("expected one Driving->Stopped(finish_line) broadcast, got %+v", mcs)
	}
}

func TestReducer_ScenarioIsolatedWhiteTickIsLineGap(t *testing.T) {
	s := NewControllerState(t0)

	// A black band long ago, fully decayed by following the line.
	tickAt(s, 1, snap(15, 15, 15, 100))
	for i := 2; i <= 10; i++ {
		tickAt(s, i, snap(70, 70, 20, 100))
	}
	if s.FinishCounter != 0 {
		t.Fatalf("expected counter to have decayed to 0, got %d", s.FinishCounter)
	}

	rr := tickAt(s, 11, snap(80, 80, 80, 100))

	expectDrive(t, rr, ManeuverStraight)
	if s.Mode != ModeDriving {
		t.Fatalf("expected Driving, got %s", s.Mode)
	}
}

func TestReducer_ScenarioSharpLeft(t *testing.T) {
	s := NewControllerState(t0)

	rr := tickAt(s, 1, snap(20, 80, 50, 100))

	cmd := expectDrive(t, rr, ManeuverPivotLeftSharp)
	if cmd.Left != -25 || cmd.Right != 25 {
		t.Fatalf("expected pivot at -25/25, got %.1f/%.1f", cmd.Left, cmd.Right)
	}
}

func TestReducer_ScenarioObstacleBeatsFinishLine(t *testing.T) {
	s := NewControllerState(t0)
	s.FinishCounter = 3

	rr := tickAt(s, 1, snap(80, 80, 80, 5))

	expectStop(t, rr)
	if s.Mode != ModeWaiting {
		t.Fatalf("expected Waiting, got %s", s.Mode)
	}
}

func TestReducer_SteadySnapshotIsIdempotent(t *testing.T) {
	for _, sn := range []Snapshot{
		snap(70, 70, 20, 100),
		snap(30, 70, 35, 100),
		snap(80, 20, 50, 100),
	} {
		s := NewControllerState(t0)
		first := onlyCommand(t, tickAt(s, 1, sn))
		for i := 2; i <= 20; i++ {
			got := onlyCommand(t, tickAt(s, i, sn))
			if got != first {
				t.Fatalf("tick %d: expected %s, got %s", i, first.String(), got.String())
			}
		}
		if s.Mode != ModeDriving {
			t.Fatalf("expected Driving, got %s", s.Mode)
		}
	}
}

// Straight and curve-left both match here; curve-left is later in the rule list.
func TestReducer_LastMatchingRuleWins(t *testing.T) {
	sn := snap(55, 70, 40, 100)
	in := Interpret(sn, DefaultSensorConfig())
	if !in.ShouldGoStraight() || !in.ShouldCurveLeft() {
		t.Fatalf("test snapshot must match both straight and curve-left")
	}

	s := NewControllerState(t0)
	expectDrive(t, tickAt(s, 1, sn), ManeuverCurveLeft)
}

func TestReducer_NoRuleMatchedIssuesNothing(t *testing.T) {
	s := NewControllerState(t0)
	s.LastManeuver = ManeuverCurveRight

	sn := snap(45, 45, 38, 100)
	if in := Interpret(sn, DefaultSensorConfig()); in.AllWhite() || in.AllBlack() {
		t.Fatalf("test snapshot must be neither all white nor all black")
	}

	rr := tickAt(s, 1, sn)

	if len(rr.Commands) != 0 {
		t.Fatalf("expected no command, got %v", rr.Commands)
	}
	if s.LastManeuver != ManeuverCurveRight {
		t.Fatalf("expected last maneuver to be kept, got %s", s.LastManeuver)
	}
}

func TestReducer_WaitingResumesWhenPathClears(t *testing.T) {
	s := NewControllerState(t0)
	tickAt(s, 1, snap(70, 70, 20, 4))
	if s.Mode != ModeWaiting {
		t.Fatalf("expected Waiting, got %s", s.Mode)
	}

	// Still blocked: no motor command, still Waiting.
	rr := tickAt(s, 2, snap(70, 70, 20, 4))
	if len(rr.Commands) != 0 || s.Mode != ModeWaiting {
		t.Fatalf("expected silent Waiting, got mode=%s cmds=%v", s.Mode, rr.Commands)
	}

	// Cleared: back to Driving without a command on this tick.
	rr = tickAt(s, 3, snap(70, 70, 20, 50))
	if s.Mode != ModeDriving {
		t.Fatalf("expected Driving, got %s", s.Mode)
	}
	if len(rr.Commands) != 0 {
		t.Fatalf("expected no command on the resume tick, got %v", rr.Commands)
	}

	expectDrive(t, tickAt(s, 4, snap(70, 70, 20, 50)), ManeuverStraight)
}

func TestReducer_WaitingDoesNotDetectFinishLine(t *testing.T) {
	s := NewControllerState(t0)
	s.Mode = ModeWaiting
	s.FinishCounter = 5

	tickAt(s, 1, snap(80, 80, 80, 3))

	if s.Mode != ModeWaiting {
		t.Fatalf("expected Waiting, got %s", s.Mode)
	}
	if s.FinishCounter != 4 {
		t.Fatalf("expected counter to keep decaying while waiting, got %d", s.FinishCounter)
	}
}

func TestReducer_ReadFailureActsLikeObstacle(t *testing.T) {
	s := NewControllerState(t0)
	s.FinishCounter = 4

	rr := Reduce(s, SensorReadFailed{Now: t0, Err: errors.New("i2c timeout")}, DefaultControllerConfig())

	expectStop(t, rr)
	if s.Mode != ModeWaiting {
		t.Fatalf("expected Waiting, got %s", s.Mode)
	}
	if s.FinishCounter != 3 {
		t.Fatalf("expected counter to decrement on a failed read, got %d", s.FinishCounter)
	}
	if s.ReadFailures != 1 || s.Ticks != 1 {
		t.Fatalf("expected 1 tick / 1 read failure, got %d/%d", s.Ticks, s.ReadFailures)
	}

	var report TickReport
	for _, b := range rr.Broadcasts {
		if tr, ok := b.(TickReport); ok {
			report = tr
		}
	}
	if report.ReadError != "i2c timeout" || report.Maneuver != ManeuverStop {
		t.Fatalf("unexpected tick report %+v", report)
	}

	// Another failure while Waiting keeps Waiting and issues nothing.
	rr = Reduce(s, SensorReadFailed{Now: t0, Err: errors.New("i2c timeout")}, DefaultControllerConfig())
	if len(rr.Commands) != 0 || s.Mode != ModeWaiting {
		t.Fatalf("expected silent Waiting, got mode=%s cmds=%v", s.Mode, rr.Commands)
	}
}

func TestReducer_MotorFailureStopsOnce(t *testing.T) {
	s := NewControllerState(t0)
	failed := CmdDrive{Maneuver: ManeuverStraight, Left: 37.5, Right: 37.5}

	rr := Reduce(s, MotorCommandFailed{Command: failed, Err: errors.New("stall"), At: t0}, DefaultControllerConfig())

	expectStop(t, rr)
	if s.Mode != ModeStopped || s.Cause != CauseMotorFault {
		t.Fatalf("expected Stopped/motor_fault, got %s/%s", s.Mode, s.Cause)
	}
	if s.CauseDetail == "" {
		t.Fatalf("expected failure detail to be recorded")
	}

	// The best-effort stop failing too is not retried.
	rr = Reduce(s, MotorCommandFailed{Command: CmdStop{}, Err: errors.New("stall"), At: t0}, DefaultControllerConfig())
	if len(rr.Commands) != 0 || len(rr.Broadcasts) != 0 {
		t.Fatalf("expected no output in Stopped, got cmds=%v broadcasts=%v", rr.Commands, rr.Broadcasts)
	}
}

func TestReducer_HaltRequested(t *testing.T) {
	s := NewControllerState(t0)
	at := t0.Add(time.Second)

	rr := Reduce(s, HaltRequested{Reason: "operator", At: at}, DefaultControllerConfig())

	expectStop(t, rr)
	if s.Mode != ModeStopped || s.Cause != CauseOperatorHalt {
		t.Fatalf("expected Stopped/operator_halt, got %s/%s", s.Mode, s.Cause)
	}
	if !s.ModeSince.Equal(at) {
		t.Fatalf("expected mode_since %v, got %v", at, s.ModeSince)
	}
}

func TestReducer_StoppedIsTerminal(t *testing.T) {
	s := NewControllerState(t0)
	s.FinishCounter = 6
	tickAt(s, 1, snap(80, 80, 80, 100))
	if s.Mode != ModeStopped {
		t.Fatalf("expected Stopped, got %s", s.Mode)
	}
	ticks := s.Ticks

	for _, ev := range []Event{
		Tick{Now: t0, Snapshot: snap(70, 70, 20, 100)},
		Tick{Now: t0, Snapshot: snap(80, 80, 80, 3)},
		SensorReadFailed{Now: t0, Err: errors.New("x")},
		HaltRequested{At: t0},
	} {
		rr := Reduce(s, ev, DefaultControllerConfig())
		if len(rr.Commands) != 0 || len(rr.Broadcasts) != 0 {
			t.Fatalf("expected no output for %T in Stopped", ev)
		}
	}
	if s.Mode != ModeStopped || s.Cause != CauseFinishLine || s.Ticks != ticks {
		t.Fatalf("expected Stopped state untouched, got %+v", s.Status())
	}
}

func TestReducer_RequestStatusPublishesCopy(t *testing.T) {
	s := NewControllerState(t0)
	s.FinishCounter = 4
	reply := make(chan StatusSnapshot, 1)

	rr := Reduce(s, RequestStatus{Reply: reply}, DefaultControllerConfig())

	cmd, ok := onlyCommand(t, rr).(CmdPublishStatus)
	if !ok {
		t.Fatalf("expected CmdPublishStatus, got %s", rr.Commands[0].String())
	}
	if cmd.Status.Mode != "driving" || cmd.Status.FinishCounter != 4 {
		t.Fatalf("unexpected status %+v", cmd.Status)
	}
}

func TestReducer_TickReportCarriesDecision(t *testing.T) {
	s := NewControllerState(t0)

	rr := tickAt(s, 1, snap(20, 80, 50, 100))

	if len(rr.Broadcasts) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(rr.Broadcasts))
	}
	tr, ok := rr.Broadcasts[0].(TickReport)
	if !ok {
		t.Fatalf("expected TickReport, got %T", rr.Broadcasts[0])
	}
	if tr.Seq != 1 || tr.Maneuver != ManeuverPivotLeftSharp || tr.Mode != ModeDriving {
		t.Fatalf("unexpected tick report %+v", tr)
	}
	if tr.Signals.LeftRight != -60 {
		t.Fatalf("expected signals in report, got %+v", tr.Signals)
	}
}
