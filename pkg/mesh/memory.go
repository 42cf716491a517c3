package mesh

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
)

// Network is an in-process mesh. Nodes join it by id and connect to each
// other by id; frames are handed over through each endpoint's mailbox.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Endpoint
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Endpoint)}
}

// Join registers a new endpoint under id.
func (n *Network) Join(id string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[id]; ok {
		return nil, fmt.Errorf("join %q: %w", id, ErrDuplicateID)
	}
	e := &Endpoint{
		net:   n,
		id:    id,
		box:   newMailbox(),
		conns: make(map[*memConn]struct{}),
	}
	n.nodes[id] = e
	return e, nil
}

func (n *Network) lookup(id string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.nodes[id]
	return e, ok
}

func (n *Network) leave(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

// Endpoint is one node's Transport on a Network.
type Endpoint struct {
	net *Network
	id  string
	box *mailbox

	mu     sync.Mutex
	conns  map[*memConn]struct{}
	closed bool
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) ID() string           { return e.id }
func (e *Endpoint) Events() <-chan Event { return e.box.out }

func (e *Endpoint) Connect(target string) Conn {
	local := &memConn{owner: e, peer: target}
	remote, ok := e.net.lookup(target)
	if !ok || target == e.id {
		e.box.put(Event{Type: EventError, Conn: local, Err: fmt.Errorf("connect %q: %w", target, ErrUnknownPeer)})
		e.box.put(Event{Type: EventClose, Conn: local})
		return local
	}
	far := &memConn{owner: remote, peer: e.id}
	local.other, far.other = far, local
	if !e.track(local) || !remote.track(far) {
		local.Close()
		return local
	}
	local.open.Store(true)
	far.open.Store(true)
	e.box.put(Event{Type: EventOpen, Conn: local})
	remote.box.put(Event{Type: EventOpen, Conn: far})
	return local
}

// Close closes every connection of the endpoint and leaves the network.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*memConn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	e.net.leave(e.id)
	e.box.close()
	return nil
}

func (e *Endpoint) track(c *memConn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.conns[c] = struct{}{}
	return true
}

func (e *Endpoint) untrack(c *memConn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, c)
}

type memConn struct {
	owner *Endpoint
	peer  string
	other *memConn
	open  atomic.Bool
	once  sync.Once
}

func (c *memConn) Peer() string { return c.peer }
func (c *memConn) Open() bool   { return c.open.Load() }

func (c *memConn) Send(frame []byte) error {
	if !c.open.Load() {
		return ErrClosed
	}
	c.other.owner.box.put(Event{Type: EventData, Conn: c.other, Data: bytes.Clone(frame)})
	return nil
}

// Close closes both ends; each owner sees an EventClose.
func (c *memConn) Close() error {
	c.end()
	if c.other != nil {
		c.other.end()
	}
	return nil
}

func (c *memConn) end() {
	c.once.Do(func() {
		c.open.Store(false)
		c.owner.untrack(c)
		c.owner.box.put(Event{Type: EventClose, Conn: c})
	})
}
