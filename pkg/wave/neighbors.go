package wave

import (
	"go.uber.org/zap"
)

// Conn is one open link to a direct neighbor.
type Conn interface {
	Peer() string
	Send(Message) error
}

// NeighborSet is the live view of a node's direct connections.
type NeighborSet interface {
	// Open lists the connections that are currently open.
	Open() []Conn
}

// Presenter renders round outcomes to the user.
type Presenter interface {
	ShowText(html string)
	// ShowChatLine shows a flooded chat message. sender is empty when the
	// line has no author.
	ShowChatLine(sender, text string)
	ShowGraph(g Topology)
}

// Broadcaster sends a message to every open neighbor except one.
type Broadcaster struct {
	neighbors NeighborSet
	log       *zap.Logger
}

func NewBroadcaster(ns NeighborSet, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{neighbors: ns, log: log}
}

// Broadcast sends msg to all open neighbors whose peer id differs from
// except, and returns the ids of those it reached. A failed send is not
// counted as reached.
func (b *Broadcaster) Broadcast(msg Message, except string) []string {
	var reached []string
	for _, c := range b.neighbors.Open() {
		if except != "" && c.Peer() == except {
			continue
		}
		if err := c.Send(msg); err != nil {
			b.log.Warn("broadcast send failed",
				zap.String("round", msg.Round), zap.String("peer", c.Peer()), zap.Error(err))
			continue
		}
		reached = append(reached, c.Peer())
	}
	return reached
}

// openPeers lists the ids of all open neighbors.
func openPeers(ns NeighborSet) []string {
	conns := ns.Open()
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.Peer())
	}
	return ids
}
