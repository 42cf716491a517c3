package wave

import (
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/echomesh/pkg/ledger"
)

var errLinkDown = errors.New("link down")

// recorder is a Presenter that keeps everything it was asked to show.
type recorder struct {
	texts  []string
	chats  [][2]string
	graphs []Topology
}

func (p *recorder) ShowText(html string) { p.texts = append(p.texts, html) }
func (p *recorder) ShowChatLine(sender, text string) {
	p.chats = append(p.chats, [2]string{sender, text})
}
func (p *recorder) ShowGraph(g Topology) { p.graphs = append(p.graphs, g) }

type countingObserver struct {
	started, finalized int
	violations         map[string]int
}

func (o *countingObserver) RoundStarted(Kind, bool)                  { o.started++ }
func (o *countingObserver) RoundFinalized(Kind, bool, time.Duration) { o.finalized++ }
func (o *countingObserver) Violation(reason string) {
	if o.violations == nil {
		o.violations = map[string]int{}
	}
	o.violations[reason]++
}

type link struct{ from, to string }

// simNet is an in-memory mesh. Each directed link is a FIFO queue; run
// delivers either in global send order or by picking random links.
type simNet struct {
	t      *testing.T
	nodes  map[string]*simNode
	up     map[link]bool
	queues map[link][]Message
	order  []link
	sent   int
	// newLedger, when set, gives each node added afterwards its own ledger.
	newLedger func() *ledger.Store
}

type simNode struct {
	id    string
	value int64
	reg   *Registry
	pres  *recorder
	obs   *countingObserver
}

func newSimNet(t *testing.T) *simNet {
	return &simNet{
		t:      t,
		nodes:  map[string]*simNode{},
		up:     map[link]bool{},
		queues: map[link][]Message{},
	}
}

func (s *simNet) add(id string, value int64, policy DisconnectPolicy) *simNode {
	n := &simNode{id: id, value: value, pres: &recorder{}, obs: &countingObserver{}}
	var done *ledger.Store
	if s.newLedger != nil {
		done = s.newLedger()
	}
	n.reg = NewRegistry(Env{
		Self:      id,
		Neighbors: simNeighbors{net: s, self: id},
		Presenter: n.pres,
		Value:     func() int64 { return n.value },
		Policy:    policy,
		Observer:  n.obs,
	}, done)
	s.nodes[id] = n
	return n
}

func (s *simNet) connect(a, b string) {
	s.up[link{a, b}] = true
	s.up[link{b, a}] = true
}

// cut takes the link down in both directions and drops anything in flight.
func (s *simNet) cut(a, b string) {
	for _, l := range []link{{a, b}, {b, a}} {
		delete(s.up, l)
		delete(s.queues, l)
	}
}

type simConn struct {
	net      *simNet
	from, to string
}

func (c simConn) Peer() string { return c.to }

func (c simConn) Send(m Message) error {
	l := link{c.from, c.to}
	if !c.net.up[l] {
		return errLinkDown
	}
	// go through the wire format so the codec is exercised on every hop
	b, err := Encode(m)
	require.NoError(c.net.t, err)
	decoded, err := Decode(b)
	require.NoError(c.net.t, err)

	c.net.queues[l] = append(c.net.queues[l], decoded)
	c.net.order = append(c.net.order, l)
	c.net.sent++
	return nil
}

type simNeighbors struct {
	net  *simNet
	self string
}

func (n simNeighbors) Open() []Conn {
	var peers []string
	for l := range n.net.up {
		if l.from == n.self {
			peers = append(peers, l.to)
		}
	}
	sort.Strings(peers)
	conns := make([]Conn, 0, len(peers))
	for _, p := range peers {
		conns = append(conns, simConn{net: n.net, from: n.self, to: p})
	}
	return conns
}

// step delivers the head of link l.
func (s *simNet) step(l link) {
	q := s.queues[l]
	msg := q[0]
	if len(q) == 1 {
		delete(s.queues, l)
	} else {
		s.queues[l] = q[1:]
	}
	dst := s.nodes[l.to]
	dst.reg.Dispatch(simConn{net: s, from: l.to, to: l.from}, msg)
}

// run delivers messages in global send order until nothing is in flight.
func (s *simNet) run() {
	for i := 0; i < 100000; i++ {
		for len(s.order) > 0 && len(s.queues[s.order[0]]) == 0 {
			s.order = s.order[1:]
		}
		if len(s.order) == 0 {
			return
		}
		l := s.order[0]
		s.order = s.order[1:]
		s.step(l)
	}
	s.t.Fatal("simulation did not quiesce")
}

// runRandom delivers messages by picking a random non-empty link each step,
// keeping per-link FIFO order.
func (s *simNet) runRandom(rng *rand.Rand) {
	for i := 0; i < 100000; i++ {
		var ready []link
		for l, q := range s.queues {
			if len(q) > 0 {
				ready = append(ready, l)
			}
		}
		if len(ready) == 0 {
			s.order = nil
			return
		}
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].from != ready[j].from {
				return ready[i].from < ready[j].from
			}
			return ready[i].to < ready[j].to
		})
		s.step(ready[rng.Intn(len(ready))])
	}
	s.t.Fatal("simulation did not quiesce")
}

func (s *simNet) inFlight() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}
