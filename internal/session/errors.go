package session

import (
	"errors"
	"fmt"

	"github.com/marcus-qen/gqlsocket/internal/protocol"
)

var (
	// ErrConnectionClosed is delivered when the socket closes under a
	// pending operation.
	ErrConnectionClosed = errors.New("connection: close")
	// ErrChannelClosed is delivered when the server closes or crashes the
	// channel under a pending operation while the socket stays up.
	ErrChannelClosed = errors.New("channel: close")
	// ErrRequestTimeout is delivered when a push got no reply in time.
	ErrRequestTimeout = errors.New("request: timeout")
	// ErrAlreadyUnobserved is returned when detaching an observer that is not
	// attached, or from an operation that already ended.
	ErrAlreadyUnobserved = errors.New("observer: already unobserved")
	// ErrOperationEnded is returned when observing an operation that is no
	// longer pending.
	ErrOperationEnded = errors.New("operation: ended")
)

// JoinError reports a failed channel join. Reason is "timeout" when the
// server did not answer.
type JoinError struct {
	Reason string
}

func (e *JoinError) Error() string {
	return "channel join: " + e.Reason
}

// IsTimeout reports whether the join timed out.
func (e *JoinError) IsTimeout() bool {
	return e.Reason == "timeout"
}

// GraphQLError carries the errors the server returned for a document.
type GraphQLError struct {
	Errors []protocol.GraphQLError
}

func (e *GraphQLError) Error() string {
	return protocol.FormatErrors(e.Errors)
}

// PushRejectedError is an error reply to a push.
type PushRejectedError struct {
	Reason string
}

func (e *PushRejectedError) Error() string {
	return fmt.Sprintf("push rejected: %s", e.Reason)
}
