package nwws

import "fmt"

type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventKind int

const (
	EventState EventKind = iota + 1
	EventError
	EventBulletin
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventError:
		return "error"
	case EventBulletin:
		return "bulletin"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is what a Stream emits. Exactly one of State, Err or Bulletin is
// meaningful, selected by Kind.
type Event struct {
	Kind     EventKind
	State    ConnectionState
	Err      *Error
	Bulletin *Bulletin
}

func StateEvent(s ConnectionState) Event { return Event{Kind: EventState, State: s} }

func ErrorEvent(err *Error) Event { return Event{Kind: EventError, Err: err} }

func BulletinEvent(b Bulletin) Event { return Event{Kind: EventBulletin, Bulletin: &b} }

func (e Event) String() string {
	switch e.Kind {
	case EventState:
		return "state " + e.State.String()
	case EventError:
		if e.Err == nil {
			return "error <nil>"
		}
		return "error " + e.Err.Error()
	case EventBulletin:
		if e.Bulletin == nil {
			return "bulletin <nil>"
		}
		return "bulletin " + e.Bulletin.String()
	default:
		return e.Kind.String()
	}
}
