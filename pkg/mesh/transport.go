package mesh

import (
	"context"
	"errors"
)

var (
	ErrClosed      = errors.New("mesh: connection closed")
	ErrDuplicateID = errors.New("mesh: node id already joined")
	ErrUnknownPeer = errors.New("mesh: unknown peer")
)

// EventType says what happened on a connection.
type EventType uint8

const (
	EventOpen EventType = iota
	EventData
	EventClose
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one thing that happened on one connection. Inbound connections
// first show up as an EventOpen for a Conn the owner has not seen before.
type Event struct {
	Type EventType
	Conn Conn
	Data []byte // EventData only
	Err  error  // EventError only
}

// Conn is a bidirectional link to exactly one other node.
type Conn interface {
	Peer() string
	Open() bool
	Send(frame []byte) error
	Close() error
}

// Transport establishes connections and reports what happens on them.
type Transport interface {
	// ID is this node's identity on the mesh.
	ID() string
	// Connect starts connecting to target and returns immediately. The
	// returned Conn is not open until an EventOpen for it is delivered;
	// failures arrive as EventError followed by EventClose.
	Connect(target string) Conn
	Events() <-chan Event
	Close() error
}

// Resolver maps a node id to a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}
