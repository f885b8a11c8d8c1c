package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func tempRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	r, err := OpenRecorder(path, 64, testLogger())
	if err != nil {
		t.Fatalf("OpenRecorder: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, path
}

// scriptedRun reduces events against a fresh controller and returns every
// broadcast plus the final outcome.
func scriptedRun(events []Event) ([]Broadcast, runOutcome) {
	s := NewControllerState(t0)
	var bs []Broadcast
	for _, ev := range events {
		rr := Reduce(s, ev, DefaultControllerConfig())
		bs = append(bs, rr.Broadcasts...)
	}
	return bs, runOutcome{Cause: s.Cause, Detail: s.CauseDetail, FinishCounter: s.FinishCounter, Ticks: s.Ticks}
}

func finishLineEvents() []Event {
	at := func(n int) time.Time { return t0.Add(time.Duration(n) * 10 * time.Millisecond) }
	return []Event{
		Tick{Now: at(1), Snapshot: snap(70, 70, 20, 100)},
		Tick{Now: at(2), Snapshot: snap(30, 70, 35, 100)},
		SensorReadFailed{Now: at(3), Err: errors.New("i2c timeout")},
		Tick{Now: at(4), Snapshot: snap(70, 70, 20, 100)},
		Tick{Now: at(5), Snapshot: snap(15, 15, 15, 100)},
		Tick{Now: at(6), Snapshot: snap(15, 15, 15, 100)},
		Tick{Now: at(7), Snapshot: snap(80, 80, 80, 100)},
	}
}

func TestRecorder_RoundTrip(t *testing.T) {
	r, _ := tempRecorder(t)

	id, err := r.StartRun(backendSim, t0)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if id == "" || r.RunID() != id {
		t.Fatalf("expected run id, got %q / %q", id, r.RunID())
	}

	bs, out := scriptedRun(finishLineEvents())
	for _, b := range bs {
		r.Publish(b)
	}
	if err := r.FinishRun(out, t0.Add(time.Second)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := r.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.RunID != id || run.Backend != backendSim {
		t.Fatalf("unexpected run %+v", run)
	}
	if !run.StartedAt.Equal(t0) || !run.FinishedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("unexpected run times %v / %v", run.StartedAt, run.FinishedAt)
	}
	if run.Outcome != outcomeCompleted || run.Cause != CauseFinishLine || run.FinishCounter != 5 {
		t.Fatalf("unexpected run outcome %+v", run)
	}

	ticks, err := r.LoadTicks(id)
	if err != nil {
		t.Fatalf("LoadTicks: %v", err)
	}
	if len(ticks) != 7 {
		t.Fatalf("expected 7 ticks, got %d", len(ticks))
	}
	for i, tk := range ticks {
		if tk.Seq != uint64(i+1) {
			t.Fatalf("tick %d: expected seq %d, got %d", i, i+1, tk.Seq)
		}
	}

	if ticks[0].Maneuver != ManeuverStraight || ticks[1].Maneuver != ManeuverCurveLeft {
		t.Fatalf("unexpected maneuvers %s, %s", ticks[0].Maneuver, ticks[1].Maneuver)
	}
	if ticks[1].Snapshot != snap(30, 70, 35, 100) {
		t.Fatalf("unexpected snapshot %+v", ticks[1].Snapshot)
	}

	failed := ticks[2]
	if failed.ReadError != "i2c timeout" || failed.Snapshot != (Snapshot{}) || failed.Mode != "waiting" {
		t.Fatalf("unexpected read failure row %+v", failed)
	}

	last := ticks[6]
	if last.Mode != "stopped" || last.Maneuver != ManeuverStop || last.FinishCounter != 5 {
		t.Fatalf("unexpected last row %+v", last)
	}
	if r.Dropped() != 0 {
		t.Fatalf("expected no dropped ticks, got %d", r.Dropped())
	}
}

func TestRecorder_FailedRun(t *testing.T) {
	r, _ := tempRecorder(t)
	id, err := r.StartRun(backendEV3Dev, t0)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := r.FinishRun(runOutcome{Cause: CauseMotorFault, Detail: "stall"}, t0); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := r.LoadRun(id)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if run.Outcome != outcomeFailed || run.Cause != CauseMotorFault {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestRecorder_LatestOfSeveral(t *testing.T) {
	_, path := tempRecorder(t)

	var last string
	for i := 0; i < 3; i++ {
		r, err := OpenRecorder(path, 0, testLogger())
		if err != nil {
			t.Fatalf("OpenRecorder: %v", err)
		}
		id, err := r.StartRun(backendSim, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		last = id
		if err := r.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	r, err := OpenRecorder(path, 0, testLogger())
	if err != nil {
		t.Fatalf("OpenRecorder: %v", err)
	}
	defer r.Close()

	run, err := r.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.RunID != last {
		t.Fatalf("expected latest run %s, got %s", last, run.RunID)
	}
	if !run.FinishedAt.IsZero() {
		t.Fatalf("expected unfinished run, got finished_at %v", run.FinishedAt)
	}
}

func TestRecorder_Empty(t *testing.T) {
	r, _ := tempRecorder(t)

	if _, err := r.LatestRun(); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("expected ErrNoRuns, got %v", err)
	}
	if _, err := r.LoadRun("missing"); err == nil {
		t.Fatalf("expected error for unknown run")
	}
	if err := r.FinishRun(runOutcome{}, t0); err == nil {
		t.Fatalf("expected error finishing a run that never started")
	}
}

func TestRecorder_PublishIgnoresNonTicksAndUnstartedRuns(t *testing.T) {
	r, _ := tempRecorder(t)

	// Not started yet: dropped silently, not counted.
	r.Publish(TickReport{Seq: 1})
	if _, err := r.StartRun(backendSim, t0); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	r.Publish(BroadcastModeChanged{From: ModeDriving, To: ModeWaiting})
	r.Publish(TickReport{Seq: 1, At: t0, Mode: ModeDriving})
	r.Drain()

	ticks, err := r.LoadTicks(r.RunID())
	if err != nil {
		t.Fatalf("LoadTicks: %v", err)
	}
	if len(ticks) != 1 || r.Dropped() != 0 {
		t.Fatalf("expected 1 tick and no drops, got %d / %d", len(ticks), r.Dropped())
	}

	if _, err := r.StartRun(backendSim, t0); err == nil {
		t.Fatalf("expected error starting a second run on one recorder")
	}
}

func TestReplay_CleanWithSameConfig(t *testing.T) {
	r, _ := tempRecorder(t)
	id, _ := r.StartRun(backendSim, t0)
	bs, out := scriptedRun(finishLineEvents())
	for _, b := range bs {
		r.Publish(b)
	}
	if err := r.FinishRun(out, t0); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	ticks, err := r.LoadTicks(id)
	if err != nil {
		t.Fatalf("LoadTicks: %v", err)
	}

	report := ReplayTicks(ticks, DefaultControllerConfig())

	if !report.Clean() {
		t.Fatalf("expected clean replay, got %+v", report.Mismatches)
	}
	if report.Ticks != 7 || report.FinalMode != ModeStopped || report.FinalCause != CauseFinishLine {
		t.Fatalf("unexpected report %+v", report)
	}
}
