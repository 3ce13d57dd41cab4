// Package transport multiplexes independent topic subscriptions over a single
// reconnecting real-time connection.
package transport

import (
	"context"
	"errors"
)

// DefaultNotificationsTopic carries messages addressed to the signed-in user.
const DefaultNotificationsTopic = "user.notifications"

// ErrClosed is returned by a Link once it has been closed.
var ErrClosed = errors.New("transport: link closed")

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Link is one physical connection to the server. Implementations must allow
// Subscribe, Unsubscribe and Publish to be called while Receive is blocked.
type Link interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	// Receive blocks until the next message. Any error ends the link.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Dialer opens a Link authenticated with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Link, error)
}

type DialerFunc func(ctx context.Context, token string) (Link, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Link, error) { return f(ctx, token) }

// Handler receives the raw payload of a message published to a topic.
type Handler func(payload []byte)

// LobbyTopic is the topic carrying both lobby and live-session events of a lobby.
func LobbyTopic(lobbyID string) string {
	return "lobby." + lobbyID
}
