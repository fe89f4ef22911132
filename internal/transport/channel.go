package transport

import (
	"sync"

	"github.com/marcus-qen/gqlsocket/internal/protocol"
)

// Channel is a logical Phoenix channel multiplexed over a Socket.
type Channel struct {
	socket *Socket
	topic  string
	params any

	mu      sync.Mutex
	joinRef string
}

// Channel returns a channel for topic. params are sent with every join.
func (s *Socket) Channel(topic string, params any) *Channel {
	if params == nil {
		params = map[string]any{}
	}
	return &Channel{socket: s, topic: topic, params: params}
}

// Topic returns the channel topic.
func (c *Channel) Topic() string {
	return c.topic
}

// Join asks the server to join the channel. onReply receives the outcome.
func (c *Channel) Join(onReply func(Reply)) {
	ref := newRef()

	c.mu.Lock()
	c.joinRef = ref
	c.mu.Unlock()

	c.socket.send(c.topic, protocol.EventJoin, c.params, ref, ref, onReply)
}

// Push sends event with payload on the channel. onReply receives the outcome
// and may be nil for fire-and-forget pushes.
func (c *Channel) Push(event protocol.Event, payload any, onReply func(Reply)) {
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()

	c.socket.send(c.topic, event, payload, newRef(), joinRef, onReply)
}
