// Package omx holds the types shared by every component of the runtime:
// lifecycle states, commands, port descriptions, buffer headers, events,
// parameter structures and the error taxonomy.
package omx

import "fmt"

// State is a component lifecycle state.
type State int

const (
	StateInvalid State = iota
	StateLoaded
	StateIdle
	StateExecuting
	StatePause
	StateWaitForResources
)

var stateNames = map[State]string{
	StateInvalid:          "Invalid",
	StateLoaded:           "Loaded",
	StateIdle:             "Idle",
	StateExecuting:        "Executing",
	StatePause:            "Pause",
	StateWaitForResources: "WaitForResources",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState maps a state name (as printed by String) back to a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateInvalid, fmt.Errorf("%w: unknown state %q", ErrBadParameter, name)
}

// States lists every state, in declaration order.
func States() []State {
	return []State{StateInvalid, StateLoaded, StateIdle, StateExecuting, StatePause, StateWaitForResources}
}

var transitions = map[State][]State{
	StateLoaded:           {StateIdle, StateWaitForResources},
	StateWaitForResources: {StateLoaded, StateIdle},
	StateIdle:             {StateLoaded, StateExecuting},
	StateExecuting:        {StateIdle, StatePause},
	StatePause:            {StateExecuting, StateIdle},
}

// ValidTransition reports whether a StateSet command may move a component
// from one state to the other. Same-state requests are never valid.
func ValidTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition is ValidTransition returning ErrIncorrectStateTransition.
func CheckTransition(from, to State) error {
	if from == to {
		return fmt.Errorf("%w: already in %s", ErrIncorrectStateTransition, to)
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIncorrectStateTransition, from, to)
	}
	return nil
}

// Command is a client command delivered through SendCommand.
type Command int

const (
	// CommandNone tags error events not tied to a command.
	CommandNone Command = -1

	CommandStateSet Command = iota - 1
	CommandFlush
	CommandPortDisable
	CommandPortEnable
)

func (c Command) String() string {
	switch c {
	case CommandStateSet:
		return "StateSet"
	case CommandFlush:
		return "Flush"
	case CommandPortDisable:
		return "PortDisable"
	case CommandPortEnable:
		return "PortEnable"
	case CommandNone:
		return "None"
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// AllPorts addresses every port of a component in a port command.
const AllPorts = -1
