package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Reducer vocabulary
// ============================================================================
//
//   - Events: inputs to the reducer (ticks, peripheral faults, operator requests)
//   - Commands: side effects requested by the reducer (motor commands, replies)
//   - Broadcasts: observations for telemetry and the run journal
//
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// Tick carries the snapshot acquired at the start of a control tick.
type Tick struct {
	Now      time.Time
	Snapshot Snapshot
}

func (Tick) eventMarker() {}

// SensorReadFailed replaces Tick when the snapshot could not be acquired.
type SensorReadFailed struct {
	Now time.Time
	Err error
}

func (SensorReadFailed) eventMarker() {}

// MotorCommandFailed is emitted by the effects layer when the drive train
// rejected a command.
type MotorCommandFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (MotorCommandFailed) eventMarker() {}

// HaltRequested is an operator request (IPC) to stop the run.
// At is stamped by the daemon loop when the request is dequeued.
type HaltRequested struct {
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"-"`
}

func (HaltRequested) eventMarker() {}

// RequestStatus asks the loop for a copy of controller state.
// Reply must be buffered; the effects layer never blocks on it.
type RequestStatus struct {
	Reply chan StatusSnapshot
}

func (RequestStatus) eventMarker() {}

// ==============================
// Commands
// ==============================

// Command represents a side effect to be executed by the daemon loop.
type Command interface {
	commandMarker()
	String() string
}

// CmdDrive sets both wheel speed targets.
type CmdDrive struct {
	Maneuver Maneuver
	Left     float64
	Right    float64
}

func (CmdDrive) commandMarker() {}
func (c CmdDrive) String() string {
	return fmt.Sprintf("CmdDrive(%s left=%.1f right=%.1f)", c.Maneuver, c.Left, c.Right)
}

// CmdStop halts both wheels.
type CmdStop struct{}

func (CmdStop) commandMarker() {}
func (CmdStop) String() string { return "CmdStop()" }

// CmdPublishStatus delivers a reducer-produced status copy to a requester.
type CmdPublishStatus struct {
	Reply  chan StatusSnapshot
	Status StatusSnapshot
}

func (CmdPublishStatus) commandMarker() {}
func (CmdPublishStatus) String() string { return "CmdPublishStatus()" }

// ==============================
// Broadcasts
// ==============================

// Broadcast is an observation emitted by the reducer for outside consumers.
type Broadcast interface {
	broadcastMarker()
}

// BroadcastModeChanged is emitted on every mode transition.
type BroadcastModeChanged struct {
	From   Mode
	To     Mode
	Cause  StopCause
	Detail string
	At     time.Time
}

func (BroadcastModeChanged) broadcastMarker() {}

// TickReport summarizes one control tick.
type TickReport struct {
	Seq            uint64
	At             time.Time
	Snapshot       Snapshot
	Signals        Signals
	Classification Classification
	ReadError      string
	Mode           Mode
	FinishCounter  int
	Maneuver       Maneuver // ManeuverNone when no command was issued
}

func (TickReport) broadcastMarker() {}

// ==============================
// Operator requests (IPC wire format)
// ==============================

// EventEnvelope wraps operator events with a type discriminator.
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent decodes an operator event from its JSON envelope.
// Only events an outside client may inject are accepted.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "halt":
		var h HaltRequested
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &h); err != nil {
				return nil, fmt.Errorf("unmarshal HaltRequested: %w", err)
			}
		}
		return h, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent encodes an operator event into a JSON envelope.
func MarshalEvent(ev Event) ([]byte, error) {
	var env EventEnvelope

	switch e := ev.(type) {
	case HaltRequested:
		env.Type = "halt"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal HaltRequested: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("event type %T cannot be sent over IPC", ev)
	}

	return json.Marshal(env)
}
