package omx

import (
	"fmt"
	"time"
)

// EventKind classifies events raised by a component.
type EventKind int

const (
	EventCmdComplete EventKind = iota
	EventError
	EventPortSettingsChanged
	EventBufferFlag
	EventResourcesAcquired
)

func (k EventKind) String() string {
	switch k {
	case EventCmdComplete:
		return "CmdComplete"
	case EventError:
		return "Error"
	case EventPortSettingsChanged:
		return "PortSettingsChanged"
	case EventBufferFlag:
		return "BufferFlag"
	case EventResourcesAcquired:
		return "ResourcesAcquired"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is delivered to the client callback. For command completion
// Command and Data1 identify what finished: the new state for StateSet, the
// port index for port commands. Error events carry Err and, when the error
// terminates a command, Command and Data1 name it.
type Event struct {
	Kind      EventKind
	Command   Command
	Data1     int
	Data2     int
	State     State
	Err       error
	Flags     BufferFlags
	Timestamp time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case EventCmdComplete:
		if e.Command == CommandStateSet {
			return fmt.Sprintf("CmdComplete(StateSet %s)", State(e.Data1))
		}
		return fmt.Sprintf("CmdComplete(%s port %d)", e.Command, e.Data1)
	case EventError:
		return fmt.Sprintf("Error(%s, state %s): %v", ErrorName(e.Err), e.State, e.Err)
	case EventBufferFlag:
		return fmt.Sprintf("BufferFlag(port %d, %s)", e.Data1, e.Flags)
	}
	return fmt.Sprintf("%s(%d, %d)", e.Kind, e.Data1, e.Data2)
}
