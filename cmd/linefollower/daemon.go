package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ============================================================================
// Control loop
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - This loop is the only place that touches the peripheral.
//   - Peripheral failures are turned into Events and fed back into the reducer.
//   - Broadcast consumers (telemetry, journal) never block the loop.
//
// Each tick acquires exactly one fresh snapshot. A failed read becomes a
// SensorReadFailed event; stale data from an earlier tick is never reused.
//
// ============================================================================

// daemonOptions carries loop wiring that is not controller configuration.
type daemonOptions struct {
	TickInterval time.Duration
	SettleDelay  time.Duration

	// Out receives the final finish counter line. Defaults to io.Discard.
	Out io.Writer

	// Publish receives every broadcast. It must not block.
	Publish func(Broadcast)

	// Sleep waits for the settle delay; tests replace it.
	Sleep func(ctx context.Context, d time.Duration)
}

// runOutcome describes how a run ended.
type runOutcome struct {
	Cause         StopCause
	Detail        string
	FinishCounter int
	Ticks         uint64
	ReadFailures  uint64
}

// Failed reports whether the run should end with a non-zero exit status.
func (o runOutcome) Failed() bool {
	return o.Cause == CauseMotorFault
}

// runDaemon drives the controller until it reaches Stopped.
//
// Shutdown semantics:
//   - Stopped (finish line, motor fault, operator halt): print the finish
//     counter, wait the settle delay, return
//   - ctx canceled: reduce a HaltRequested so the motors get their stop
//     command through the normal path, then return without settling
//   - events channel closed: keep driving; operators can still use signals
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	p Peripheral,
	cfg ControllerConfig,
	state *ControllerState,
	opts daemonOptions,
	logger *slog.Logger,
) (runOutcome, error) {
	if state == nil {
		return runOutcome{}, fmt.Errorf("controller state is nil")
	}
	if opts.TickInterval <= 0 {
		return runOutcome{}, fmt.Errorf("tick interval must be > 0, got %s", opts.TickInterval)
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	ticker := time.NewTicker(opts.TickInterval)
	defer ticker.Stop()

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command
	lastLogged := ManeuverNone

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	publish := func(bs []Broadcast) {
		for _, b := range bs {
			switch bc := b.(type) {
			case BroadcastModeChanged:
				attrs := []any{"from", bc.From.String(), "to", bc.To.String()}
				if bc.Cause != CauseNone {
					attrs = append(attrs, "cause", string(bc.Cause))
				}
				if bc.Detail != "" {
					attrs = append(attrs, "detail", bc.Detail)
				}
				logger.Info("mode changed", attrs...)
			case TickReport:
				if bc.ReadError != "" {
					logger.Warn("sensor read failed", "seq", bc.Seq, "error", bc.ReadError, "mode", bc.Mode.String())
				}
				if bc.Maneuver != ManeuverNone && bc.Maneuver != lastLogged {
					logger.Debug("maneuver", "seq", bc.Seq, "maneuver", string(bc.Maneuver),
						"left", bc.Snapshot.Left, "right", bc.Snapshot.Right, "center", bc.Snapshot.Center,
						"finish_counter", bc.FinishCounter)
					lastLogged = bc.Maneuver
				}
			}
			if opts.Publish != nil {
				opts.Publish(b)
			}
		}
	}

	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
			publish(rr.Broadcasts)
		}
	}

	// Execute queued commands; failures are reduced before the next command runs.
	flush := func() {
		flushEvents()
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(p, cmd, logger, enqueueEvent)
			flushEvents()
		}
	}

	outcome := func() runOutcome {
		return runOutcome{
			Cause:         state.Cause,
			Detail:        state.CauseDetail,
			FinishCounter: state.FinishCounter,
			Ticks:         state.Ticks,
			ReadFailures:  state.ReadFailures,
		}
	}

	finish := func(settle bool) runOutcome {
		fmt.Fprintln(opts.Out, state.FinishCounter)
		out := outcome()
		logger.Info("run finished",
			"cause", string(out.Cause),
			"finish_counter", out.FinishCounter,
			"ticks", out.Ticks,
			"read_failures", out.ReadFailures)
		if settle && opts.SettleDelay > 0 {
			opts.Sleep(ctx, opts.SettleDelay)
		}
		return out
	}

	if state.Mode == ModeStopped {
		return finish(false), nil
	}

	logger.Info("controller started", "tick", opts.TickInterval.String(), "mode", state.Mode.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("controller stopping (context canceled)")
			enqueueEvent(HaltRequested{Reason: "shutdown", At: time.Now()})
			flush()
			return finish(false), nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if h, isHalt := ev.(HaltRequested); isHalt {
				h.At = time.Now()
				ev = h
			}
			enqueueEvent(ev)
			flush()

		case now := <-ticker.C:
			snap, err := acquireSnapshot(p)
			if err != nil {
				enqueueEvent(SensorReadFailed{Now: now, Err: err})
			} else {
				enqueueEvent(Tick{Now: now, Snapshot: snap})
			}
			flush()
		}

		if state.Mode == ModeStopped {
			return finish(true), nil
		}
	}
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
