package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"
)

// fakePeripheral replays a scripted sequence of snapshots, one per tick, and
// repeats the last entry once the script is exhausted.
type fakePeripheral struct {
	mu sync.Mutex

	script  []Snapshot
	readErr []error // parallel to script; nil entries succeed
	next    int

	driveErr error
	stopErr  error

	drives []CmdDrive
	stops  int
	closed bool
}

func (f *fakePeripheral) ReadSnapshot() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return Snapshot{}, errors.New("empty script")
	}
	i := f.next
	if i >= len(f.script) {
		i = len(f.script) - 1
	} else {
		f.next++
	}
	if i < len(f.readErr) && f.readErr[i] != nil {
		return Snapshot{}, f.readErr[i]
	}
	return f.script[i], nil
}

func (f *fakePeripheral) ReadLight(ch LightChannel) (float64, error) {
	s, err := f.ReadSnapshot()
	if err != nil {
		return 0, err
	}
	switch ch {
	case LightLeft:
		return s.Left, nil
	case LightRight:
		return s.Right, nil
	default:
		return s.Center, nil
	}
}

func (f *fakePeripheral) ReadDistance() (float64, error) {
	s, err := f.ReadSnapshot()
	return s.FrontDistanceCM, err
}

func (f *fakePeripheral) Drive(left, right float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drives = append(f.drives, CmdDrive{Left: left, Right: right})
	return f.driveErr
}

func (f *fakePeripheral) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakePeripheral) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeripheral) counts() (drives, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drives), f.stops
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type daemonRun struct {
	out        bytes.Buffer
	broadcasts []Broadcast
	slept      []time.Duration
}

func (r *daemonRun) options() daemonOptions {
	return daemonOptions{
		TickInterval: time.Millisecond,
		SettleDelay:  5 * time.Second,
		Out:          &r.out,
		Publish:      func(b Broadcast) { r.broadcasts = append(r.broadcasts, b) },
		Sleep:        func(_ context.Context, d time.Duration) { r.slept = append(r.slept, d) },
	}
}

func (r *daemonRun) modeChanges() []BroadcastModeChanged {
	var out []BroadcastModeChanged
	for _, b := range r.broadcasts {
		if mc, ok := b.(BroadcastModeChanged); ok {
			out = append(out, mc)
		}
	}
	return out
}

// runDaemonAsync starts the loop and returns a channel with its result.
func runDaemonAsync(ctx context.Context, events <-chan Event, p Peripheral, run *daemonRun) <-chan runOutcome {
	done := make(chan runOutcome, 1)
	go func() {
		out, _ := runDaemon(ctx, events, p, DefaultControllerConfig(), NewControllerState(time.Now()), run.options(), testLogger())
		done <- out
	}()
	return done
}

func waitOutcome(t *testing.T, done <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for control loop to finish")
		return runOutcome{}
	}
}

func TestDaemon_FinishLinePrintsCounterAndSettles(t *testing.T) {
	black := snap(15, 15, 15, 100)
	p := &fakePeripheral{script: []Snapshot{
		snap(70, 70, 20, 100),
		black, black, black, black, black, black,
		snap(80, 80, 80, 100),
	}}
	run := &daemonRun{}

	out := waitOutcome(t, runDaemonAsync(context.Background(), nil, p, run))

	if out.Cause != CauseFinishLine {
		t.Fatalf("expected cause %s, got %s", CauseFinishLine, out.Cause)
	}
	if out.Failed() {
		t.Fatalf("finish line must not count as a failed run")
	}
	if out.Ticks != 8 {
		t.Fatalf("expected 8 ticks, got %d", out.Ticks)
	}
	// Decremented once on the white tick before the finish check.
	if got := run.out.String(); got != "5\n" {
		t.Fatalf("expected output %q, got %q", "5\n", got)
	}
	if len(run.slept) != 1 || run.slept[0] != 5*time.Second {
		t.Fatalf("expected one 5s settle, got %v", run.slept)
	}

	drives, stops := p.counts()
	if drives != 1 || stops != 1 {
		t.Fatalf("expected 1 drive and 1 stop, got %d/%d", drives, stops)
	}

	mcs := run.modeChanges()
	if len(mcs) != 1 || mcs[0].To != ModeStopped {
		t.Fatalf("expected one transition to Stopped, got %+v", mcs)
	}
}

func TestDaemon_MotorFailureStopsRun(t *testing.T) {
	p := &fakePeripheral{
		script:   []Snapshot{snap(70, 70, 20, 100)},
		driveErr: errors.New("motor stalled"),
	}
	run := &daemonRun{}

	out := waitOutcome(t, runDaemonAsync(context.Background(), nil, p, run))

	if out.Cause != CauseMotorFault {
		t.Fatalf("expected cause %s, got %s", CauseMotorFault, out.Cause)
	}
	if !out.Failed() {
		t.Fatalf("expected motor fault to fail the run")
	}
	if out.Detail == "" {
		t.Fatalf("expected failure detail")
	}
	drives, stops := p.counts()
	if drives != 1 {
		t.Fatalf("expected the failed drive not to be retried, got %d drives", drives)
	}
	if stops != 1 {
		t.Fatalf("expected a best-effort stop, got %d", stops)
	}
	if run.out.String() != "0\n" {
		t.Fatalf("expected output %q, got %q", "0\n", run.out.String())
	}
}

func TestDaemon_FailedFinalStopIsNotRetried(t *testing.T) {
	p := &fakePeripheral{
		script:   []Snapshot{snap(70, 70, 20, 100)},
		driveErr: errors.New("motor stalled"),
		stopErr:  errors.New("motor stalled"),
	}
	run := &daemonRun{}

	out := waitOutcome(t, runDaemonAsync(context.Background(), nil, p, run))

	if out.Cause != CauseMotorFault {
		t.Fatalf("expected cause %s, got %s", CauseMotorFault, out.Cause)
	}
	if _, stops := p.counts(); stops != 1 {
		t.Fatalf("expected exactly 1 stop attempt, got %d", stops)
	}
}

func TestDaemon_OperatorHalt(t *testing.T) {
	p := &fakePeripheral{script: []Snapshot{snap(70, 70, 20, 100)}}
	run := &daemonRun{}
	events := make(chan Event, 1)

	done := runDaemonAsync(context.Background(), events, p, run)
	waitUntil(t, time.Second, func() bool {
		drives, _ := p.counts()
		return drives > 3
	}, "control loop never drove")

	events <- HaltRequested{Reason: "operator"}
	out := waitOutcome(t, done)

	if out.Cause != CauseOperatorHalt {
		t.Fatalf("expected cause %s, got %s", CauseOperatorHalt, out.Cause)
	}
	if out.Failed() {
		t.Fatalf("operator halt must not count as a failed run")
	}
	if _, stops := p.counts(); stops != 1 {
		t.Fatalf("expected 1 stop, got %d", stops)
	}
	if len(run.slept) != 1 {
		t.Fatalf("expected settle delay after halt, got %v", run.slept)
	}
}

func TestDaemon_ContextCancelStopsMotorsWithoutSettling(t *testing.T) {
	p := &fakePeripheral{script: []Snapshot{snap(70, 70, 20, 100)}}
	run := &daemonRun{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := runDaemonAsync(ctx, nil, p, run)
	waitUntil(t, time.Second, func() bool {
		drives, _ := p.counts()
		return drives > 0
	}, "control loop never drove")

	cancel()
	out := waitOutcome(t, done)

	if out.Cause != CauseOperatorHalt {
		t.Fatalf("expected cause %s, got %s", CauseOperatorHalt, out.Cause)
	}
	if _, stops := p.counts(); stops != 1 {
		t.Fatalf("expected 1 stop, got %d", stops)
	}
	if len(run.slept) != 0 {
		t.Fatalf("expected no settle on shutdown, got %v", run.slept)
	}
	if run.out.String() != "0\n" {
		t.Fatalf("expected output %q, got %q", "0\n", run.out.String())
	}
}

func TestDaemon_ReadFailuresWaitThenResume(t *testing.T) {
	line := snap(70, 70, 20, 100)
	black := snap(15, 15, 15, 100)
	p := &fakePeripheral{
		script:  []Snapshot{line, {}, {}, line, line, black, snap(80, 80, 80, 100)},
		readErr: []error{nil, errors.New("timeout"), errors.New("timeout")},
	}
	run := &daemonRun{}

	out := waitOutcome(t, runDaemonAsync(context.Background(), nil, p, run))

	if out.Cause != CauseFinishLine {
		t.Fatalf("expected cause %s, got %s", CauseFinishLine, out.Cause)
	}
	if out.ReadFailures != 2 {
		t.Fatalf("expected 2 read failures, got %d", out.ReadFailures)
	}

	var path []Mode
	for _, mc := range run.modeChanges() {
		path = append(path, mc.To)
	}
	want := []Mode{ModeWaiting, ModeDriving, ModeStopped}
	if len(path) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, path)
		}
	}
}

func TestDaemon_AlreadyStoppedReturnsImmediately(t *testing.T) {
	p := &fakePeripheral{script: []Snapshot{snap(70, 70, 20, 100)}}
	run := &daemonRun{}
	state := NewControllerState(time.Now())
	state.Mode = ModeStopped
	state.Cause = CauseOperatorHalt

	out, err := runDaemon(context.Background(), nil, p, DefaultControllerConfig(), state, run.options(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Cause != CauseOperatorHalt {
		t.Fatalf("expected cause %s, got %s", CauseOperatorHalt, out.Cause)
	}
	if drives, stops := p.counts(); drives != 0 || stops != 0 {
		t.Fatalf("expected no motor commands, got %d/%d", drives, stops)
	}
}

func TestDaemon_RejectsBadOptions(t *testing.T) {
	p := &fakePeripheral{}
	if _, err := runDaemon(context.Background(), nil, p, DefaultControllerConfig(), nil, daemonOptions{TickInterval: time.Millisecond}, testLogger()); err == nil {
		t.Fatalf("expected error for nil state")
	}
	if _, err := runDaemon(context.Background(), nil, p, DefaultControllerConfig(), NewControllerState(time.Now()), daemonOptions{}, testLogger()); err == nil {
		t.Fatalf("expected error for zero tick interval")
	}
}

// lightsOnly hides ReadSnapshot so acquireSnapshot falls back to per-sensor reads.
type lightsOnly struct {
	Peripheral
}

func TestAcquireSnapshot(t *testing.T) {
	t.Run("per-sensor fallback", func(t *testing.T) {
		p := lightsOnly{&fakePeripheral{script: []Snapshot{snap(1, 2, 3, 4)}}}
		got, err := acquireSnapshot(p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != snap(1, 2, 3, 4) {
			t.Fatalf("expected %+v, got %+v", snap(1, 2, 3, 4), got)
		}
	})

	t.Run("partial failure yields no data", func(t *testing.T) {
		p := lightsOnly{&fakePeripheral{
			script:  []Snapshot{snap(1, 2, 3, 4), {}},
			readErr: []error{nil, errors.New("port unplugged")},
		}}
		got, err := acquireSnapshot(p)
		if err == nil {
			t.Fatalf("expected error")
		}
		if got != (Snapshot{}) {
			t.Fatalf("expected zero snapshot, got %+v", got)
		}
	})

	t.Run("non-finite reading", func(t *testing.T) {
		p := &fakePeripheral{script: []Snapshot{snap(math.NaN(), 2, 3, 4)}}
		if _, err := acquireSnapshot(p); !errors.Is(err, ErrInvalidReading) {
			t.Fatalf("expected ErrInvalidReading, got %v", err)
		}
	})

	t.Run("nil peripheral", func(t *testing.T) {
		if _, err := acquireSnapshot(nil); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})
}
