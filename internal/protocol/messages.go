// Package protocol defines the Phoenix channel wire format and the Absinthe
// GraphQL payloads carried over it.
// Both the transport and the session import this package so they agree on
// event names and payload shapes.
package protocol

import (
	"encoding/json"
	"strings"
)

// Event identifies the kind of message on a Phoenix channel.
type Event string

const (
	// Phoenix control events
	EventJoin      Event = "phx_join"
	EventReply     Event = "phx_reply"
	EventError     Event = "phx_error"
	EventClose     Event = "phx_close"
	EventHeartbeat Event = "heartbeat"

	// Client → Server: submit a query, mutation or subscription document
	EventDoc Event = "doc"
	// Client → Server: drop a server-side subscription
	EventUnsubscribe Event = "unsubscribe"

	// Server → Client: a value produced by an open subscription
	EventSubscriptionData Event = "subscription:data"
)

const (
	// PhoenixTopic carries socket-level heartbeats.
	PhoenixTopic = "phoenix"
	// ControlTopic is the channel Absinthe accepts GraphQL documents on.
	ControlTopic = "__absinthe__:control"
	// Vsn is the serializer version requested when connecting.
	Vsn = "1.0.0"
)

// Message wraps every frame on the wire (Phoenix v1 JSON serializer).
type Message struct {
	Topic   string          `json:"topic"`
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// Reply statuses carried in a phx_reply payload.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ReplyPayload is the payload of a phx_reply frame.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ErrorResponse is the usual response of an error reply ({"reason": "..."}).
type ErrorResponse struct {
	Reason string `json:"reason"`
}

// Request is a GraphQL document plus its variables, pushed with EventDoc.
type Request struct {
	Operation string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Key returns a canonical encoding of the request usable for structural
// comparison. Map keys are sorted by encoding/json, so equal requests yield
// equal keys.
func (r Request) Key() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Variables that cannot be encoded cannot be pushed either; fall back
		// to the operation text so lookups still behave.
		return r.Operation
	}
	return string(data)
}

// DocResponse is the response of an ok reply to an EventDoc push.
type DocResponse struct {
	Errors         []GraphQLError  `json:"errors,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Payload        *ResultPayload  `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"` // some servers omit the payload wrapper
}

// ResultPayload wraps the result of a query or mutation.
type ResultPayload struct {
	Result json.RawMessage `json:"result"`
}

// ResultValue returns the query or mutation result, whichever shape was used.
func (r DocResponse) ResultValue() json.RawMessage {
	if r.Payload != nil {
		return r.Payload.Result
	}
	return r.Result
}

// UnsubscribePayload is pushed with EventUnsubscribe.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscriptionData is the payload of EventSubscriptionData.
type SubscriptionData struct {
	SubscriptionID string          `json:"subscriptionId"`
	Result         json.RawMessage `json:"result"`
}

// ReplyReason extracts a human readable reason from an error reply response.
// Responses that are not {"reason": ...} objects are returned verbatim.
func ReplyReason(response json.RawMessage) string {
	if len(response) == 0 {
		return "unknown error"
	}
	var er ErrorResponse
	if err := json.Unmarshal(response, &er); err == nil && er.Reason != "" {
		return er.Reason
	}
	var s string
	if err := json.Unmarshal(response, &s); err == nil && s != "" {
		return s
	}
	return strings.TrimSpace(string(response))
}
