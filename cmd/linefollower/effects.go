package main

import (
	"log/slog"
	"time"
)

// runEffect executes a single reducer-emitted Command against the peripheral
// and reports failures back as Events via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced by the daemon loop.
// - Motor commands are attempted exactly once. Retrying is the reducer's call, and it never does.
func runEffect(
	p Peripheral,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		return
	}

	if p == nil {
		onEvent(MotorCommandFailed{Command: cmd, Err: ErrNotConnected, At: time.Now()})
		return
	}

	switch c := cmd.(type) {
	case CmdDrive:
		if err := p.Drive(c.Left, c.Right); err != nil {
			logger.Error("drive command failed", "error", err, "maneuver", c.Maneuver, "left", c.Left, "right", c.Right)
			onEvent(MotorCommandFailed{Command: cmd, Err: err, At: time.Now()})
		}

	case CmdStop:
		if err := p.Stop(); err != nil {
			logger.Error("stop command failed", "error", err)
			onEvent(MotorCommandFailed{Command: cmd, Err: err, At: time.Now()})
		}

	case CmdPublishStatus:
		if c.Reply == nil {
			logger.Warn("status requested with nil reply channel")
			return
		}

		// Never block the control loop on a slow requester.
		select {
		case c.Reply <- c.Status:
		default:
			logger.Warn("status reply channel not ready; dropping status")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
	}
}
