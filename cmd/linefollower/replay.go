package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Replay feeds a journaled run back through Reduce and reports every tick
// whose decision differs from what was recorded. With unchanged thresholds a
// run replays clean; after tuning, the mismatches show where the robot would
// now have behaved differently.
//
// Only ticks are journaled. Motor faults and operator halts end a run without
// a tick of their own, so they never show up as mismatches.
//
// A journal with gaps in its sequence numbers (the recorder dropped rows) is
// not replayed: the reducer's counter and mode depend on every tick, so the
// comparison would report differences that never happened.

// ReplayMismatch is one field of one tick that replayed differently.
type ReplayMismatch struct {
	Seq      uint64
	Field    string
	Recorded string
	Replayed string
}

// ReplayReport summarizes a replay.
type ReplayReport struct {
	Ticks         int
	Dropped       uint64 // ticks missing from the journal; nothing is compared when non-zero
	Mismatches    []ReplayMismatch
	FinalMode     Mode
	FinalCause    StopCause
	FinishCounter int
}

// Complete reports whether the journal held every tick of the run.
func (r ReplayReport) Complete() bool { return r.Dropped == 0 }

// Clean reports whether every tick replayed identically.
func (r ReplayReport) Clean() bool { return r.Complete() && len(r.Mismatches) == 0 }

// missingTicks counts the sequence numbers absent between 1 and the last tick.
func missingTicks(ticks []TickRecord) uint64 {
	var missing, prev uint64
	for _, t := range ticks {
		if t.Seq > prev+1 {
			missing += t.Seq - prev - 1
		}
		prev = t.Seq
	}
	return missing
}

// ReplayTicks reduces ticks in order starting from a fresh controller.
func ReplayTicks(ticks []TickRecord, cfg ControllerConfig) ReplayReport {
	var start time.Time
	if len(ticks) > 0 {
		start = ticks[0].At
	}
	state := NewControllerState(start)
	report := ReplayReport{}

	if n := missingTicks(ticks); n > 0 {
		report.Ticks = len(ticks)
		report.Dropped = n
		report.FinalMode = state.Mode
		return report
	}

	for _, t := range ticks {
		var ev Event
		if t.ReadError != "" {
			ev = SensorReadFailed{Now: t.At, Err: errors.New(t.ReadError)}
		} else {
			ev = Tick{Now: t.At, Snapshot: t.Snapshot}
		}

		rr := Reduce(state, ev, cfg)
		state = rr.State
		report.Ticks++

		got, ok := findTickReport(rr.Broadcasts)
		if !ok {
			// The replayed controller stopped earlier than the recorded one.
			report.Mismatches = append(report.Mismatches, ReplayMismatch{
				Seq: t.Seq, Field: "mode", Recorded: t.Mode, Replayed: state.Mode.String(),
			})
			continue
		}

		if string(got.Maneuver) != string(t.Maneuver) {
			report.Mismatches = append(report.Mismatches, ReplayMismatch{
				Seq: t.Seq, Field: "maneuver", Recorded: string(t.Maneuver), Replayed: string(got.Maneuver),
			})
		}
		if got.Mode.String() != t.Mode {
			report.Mismatches = append(report.Mismatches, ReplayMismatch{
				Seq: t.Seq, Field: "mode", Recorded: t.Mode, Replayed: got.Mode.String(),
			})
		}
		if got.FinishCounter != t.FinishCounter {
			report.Mismatches = append(report.Mismatches, ReplayMismatch{
				Seq:      t.Seq,
				Field:    "finish_counter",
				Recorded: strconv.Itoa(t.FinishCounter),
				Replayed: strconv.Itoa(got.FinishCounter),
			})
		}
	}

	report.FinalMode = state.Mode
	report.FinalCause = state.Cause
	report.FinishCounter = state.FinishCounter
	return report
}

func findTickReport(bs []Broadcast) (TickReport, bool) {
	for _, b := range bs {
		if tr, ok := b.(TickReport); ok {
			return tr, true
		}
	}
	return TickReport{}, false
}

// printReplay writes a human-readable comparison, capped at maxRows mismatch lines.
func printReplay(w io.Writer, run RunRecord, r ReplayReport, maxRows int) {
	fmt.Fprintf(w, "run %s (%s, started %s)\n", run.RunID, run.Backend, run.StartedAt.Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "recorded: %s cause=%s finish_counter=%d\n", run.Outcome, run.Cause, run.FinishCounter)
	} else {
		fmt.Fprintln(w, "recorded: run did not finish")
	}
	if !r.Complete() {
		fmt.Fprintf(w, "journal incomplete (%d ticks dropped); decisions not compared\n", r.Dropped)
		return
	}
	fmt.Fprintf(w, "replayed: %d ticks, mode=%s cause=%s finish_counter=%d\n",
		r.Ticks, r.FinalMode, r.FinalCause, r.FinishCounter)

	if r.Clean() {
		fmt.Fprintln(w, "no differences")
		return
	}

	fmt.Fprintf(w, "%d differences:\n", len(r.Mismatches))
	fmt.Fprintf(w, "%8s  %-15s %-18s %-18s\n", "SEQ", "FIELD", "RECORDED", "REPLAYED")
	for i, m := range r.Mismatches {
		if maxRows > 0 && i >= maxRows {
			fmt.Fprintf(w, "... %d more\n", len(r.Mismatches)-maxRows)
			break
		}
		fmt.Fprintf(w, "%8d  %-15s %-18s %-18s\n", m.Seq, m.Field, orDash(m.Recorded), orDash(m.Replayed))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
