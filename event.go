package htcp

import "fmt"

// An EventKind classifies a connection lifecycle event.
type EventKind int

const (
	EventAccepted     EventKind = iota + 1 // a connection was admitted
	EventRefused                           // a connection was refused at the open ceiling
	EventClosed                            // a session reached its terminal state
	EventHandlerError                      // a dispatched handler reported an error
)

func (k EventKind) String() string {
	switch k {
	case EventAccepted:
		return "accepted"
	case EventRefused:
		return "refused"
	case EventClosed:
		return "closed"
	case EventHandlerError:
		return "handler-error"
	default:
		return fmt.Sprintf("event %d", int(k))
	}
}

// An Event describes a connection lifecycle or failure event. The
// core reports every fatal closure and every handler failure; it
// never writes to a log itself.
type Event struct {
	Kind        EventKind
	Addr        string // remote address of the connection
	Transaction string // set for handler errors
	Err         error  // the originating error, nil for clean events
}

func (e Event) String() string {
	s := fmt.Sprintf("%v %s", e.Kind, e.Addr)
	if e.Transaction != "" {
		s += " " + e.Transaction
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// An EventLogger consumes events. It is invoked synchronously from
// the connection's own goroutine and must not block.
type EventLogger func(Event)

func (s *Server) event(e Event) {
	if s.log != nil {
		s.log(e)
	}
}
