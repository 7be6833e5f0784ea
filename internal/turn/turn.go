package turn

import (
	"errors"
	"time"
)

var ErrInvalidTurn = errors.New("invalid turn")
var ErrTurnConflict = errors.New("turn conflict")
var ErrUnsupportedCommand = errors.New("unsupported command")

// State is the authoritative turn record. FinishTime nil means no active
// deadline (the default turn duration applies client-side only).
type State struct {
	Turn       int
	FinishTime *time.Time
}

type CommandType string

const (
	CmdSet           CommandType = "Set"
	CmdSetFinishTime CommandType = "SetFinishTime"
	CmdAdvance       CommandType = "Advance"
)

type Command struct {
	Type CommandType
	Turn int
	// ExpectedTurn guards Advance: the command only applies when the stored
	// turn still equals it, so duplicate advance attempts from clients that
	// observed the same trigger are harmless no-ops.
	ExpectedTurn int
	FinishTime   *time.Time
}

type EventType string

const (
	EvtTurnSet        EventType = "TurnSet"
	EvtDeadlineSet    EventType = "DeadlineSet"
	EvtReadinessReset EventType = "ReadinessReset"
)

type Event struct {
	Type       EventType
	Turn       int
	FinishTime *time.Time
}

// Apply runs one command against the state and returns the events it implies.
// EvtReadinessReset accompanies every turn change: callers must clear the
// ready flag of every non-gamemaster role instance.
func Apply(s State, cmd Command) ([]Event, State, error) {
	newState := s

	switch cmd.Type {
	case CmdSet:
		if cmd.Turn < 0 {
			return nil, s, ErrInvalidTurn
		}
		newState.Turn = cmd.Turn
		newState.FinishTime = cmd.FinishTime
		events := []Event{
			{Type: EvtTurnSet, Turn: cmd.Turn, FinishTime: cmd.FinishTime},
			{Type: EvtReadinessReset},
		}
		return events, newState, nil

	case CmdSetFinishTime:
		newState.FinishTime = cmd.FinishTime
		return []Event{{Type: EvtDeadlineSet, FinishTime: cmd.FinishTime}}, newState, nil

	case CmdAdvance:
		if cmd.ExpectedTurn != s.Turn {
			return nil, s, ErrTurnConflict
		}
		newState.Turn = s.Turn + 1
		newState.FinishTime = cmd.FinishTime
		events := []Event{
			{Type: EvtTurnSet, Turn: newState.Turn, FinishTime: cmd.FinishTime},
			{Type: EvtReadinessReset},
		}
		return events, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Remaining is the derived countdown value, clamped at zero.
func Remaining(s State, now time.Time) time.Duration {
	if s.FinishTime == nil {
		return 0
	}
	d := s.FinishTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
