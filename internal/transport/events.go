package transport

import (
	"encoding/json"

	"github.com/marcus-qen/gqlsocket/internal/protocol"
)

// EventKind is one of the three socket lifecycle events.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to every handler registered with Socket.OnEvent.
type Event struct {
	Kind    EventKind
	Message protocol.Message // EventMessage only
	Err     error            // EventClose only: why the connection ended
}

// ReplyStatus is the outcome of a push. Exactly one is delivered per push.
type ReplyStatus string

const (
	ReplyOK      ReplyStatus = "ok"
	ReplyError   ReplyStatus = "error"
	ReplyTimeout ReplyStatus = "timeout"
)

// Reply is the outcome of a join or push.
type Reply struct {
	Status   ReplyStatus
	Response json.RawMessage // empty for timeouts
}

// Reason describes an error or timeout reply.
func (r Reply) Reason() string {
	if r.Status == ReplyTimeout {
		return "timeout"
	}
	return protocol.ReplyReason(r.Response)
}
