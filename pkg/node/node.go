package node

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/echomesh/internal/telemetry"
	"github.com/ryandielhenn/echomesh/pkg/ledger"
	"github.com/ryandielhenn/echomesh/pkg/mesh"
	"github.com/ryandielhenn/echomesh/pkg/wave"
)

var (
	ErrStopped = errors.New("node: not running")
	ErrSelf    = errors.New("node: cannot connect to itself")
)

type Options struct {
	Value    int64
	Policy   wave.DisconnectPolicy
	Ledger   *ledger.Store
	Observer wave.Observer
	// Level, when set, lets the /debug command switch debug logging on and
	// off at runtime.
	Level *zap.AtomicLevel
}

// Node is one participant of the mesh. All of its state is owned by the
// goroutine running Run; the exported methods hand work to that goroutine
// and wait for it.
type Node struct {
	tr    mesh.Transport
	id    string
	pres  wave.Presenter
	log   *zap.Logger
	level *zap.AtomicLevel
	base  zapcore.Level

	ledger *ledger.Store
	obs    wave.Observer
	reg    *wave.Registry
	conns  map[string]mesh.Conn
	value  int64

	calls chan func()
	done  chan struct{}
}

func New(tr mesh.Transport, p wave.Presenter, log *zap.Logger, opts Options) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewStore(16<<20, 0)
	}
	if opts.Observer == nil {
		opts.Observer = telemetry.WaveObserver{Node: tr.ID()}
	}
	n := &Node{
		tr:     tr,
		id:     tr.ID(),
		pres:   p,
		log:    log.With(zap.String("self", tr.ID())),
		level:  opts.Level,
		ledger: opts.Ledger,
		obs:    opts.Observer,
		conns:  make(map[string]mesh.Conn),
		value:  opts.Value,
		calls:  make(chan func()),
		done:   make(chan struct{}),
	}
	if n.level != nil {
		n.base = n.level.Level()
	}
	n.reg = wave.NewRegistry(wave.Env{
		Self:      n.id,
		Neighbors: neighbors{n},
		Presenter: p,
		Value:     func() int64 { return n.value },
		Policy:    opts.Policy,
		Observer:  opts.Observer,
		Log:       n.log,
	}, n.ledger)
	return n
}

func (n *Node) ID() string { return n.id }

// Run is the node's event loop. It returns when ctx is done or the
// transport's event stream ends.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)
	n.pres.ShowText(fmt.Sprintf("Your id is %s", n.id))

	events := n.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.handle(ev)
		case fn := <-n.calls:
			fn()
		}
	}
}

// do runs fn on the event loop and waits for it to finish.
func (n *Node) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case n.calls <- func() { fn(); close(ran) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
	<-ran
	return nil
}

func (n *Node) handle(ev mesh.Event) {
	c := ev.Conn
	peer := c.Peer()
	log := n.log.With(zap.String("peer", peer))

	switch ev.Type {
	case mesh.EventOpen:
		if cur, ok := n.conns[peer]; !ok || cur != c {
			n.install(peer, c)
		}
		log.Info("connection open")
		n.pres.ShowText(fmt.Sprintf("Connected to %s", peer))
		telemetry.Neighbors.WithLabelValues(n.id).Set(float64(len(n.neighborConns())))

	case mesh.EventData:
		telemetry.Frames.WithLabelValues("in").Inc()
		msg, err := wave.Decode(ev.Data)
		if err != nil {
			log.Warn("dropping undecodable frame", zap.Error(err))
			n.obs.Violation("malformed")
			return
		}
		n.reg.Dispatch(wireConn{c}, msg)
		telemetry.Neighbors.WithLabelValues(n.id).Set(float64(len(n.neighborConns())))

	case mesh.EventClose:
		if cur, ok := n.conns[peer]; ok && cur == c {
			delete(n.conns, peer)
			log.Info("connection closed")
			n.pres.ShowText(fmt.Sprintf("Disconnected from %s", peer))
			n.reg.Disconnected(peer)
			telemetry.Neighbors.WithLabelValues(n.id).Set(float64(len(n.neighborConns())))
		}

	case mesh.EventError:
		log.Warn("connection error", zap.Error(ev.Err))
		n.pres.ShowText(fmt.Sprintf("<b>Error when working with %s</b>", peer))
	}
}

// install makes c the connection to peer. A previous connection to the same
// peer is closed and its loss reported to running rounds first.
func (n *Node) install(peer string, c mesh.Conn) {
	if old, ok := n.conns[peer]; ok {
		old.Close()
		delete(n.conns, peer)
		n.reg.Disconnected(peer)
		n.pres.ShowText(fmt.Sprintf("Reconnecting to %s...", peer))
	} else {
		n.pres.ShowText(fmt.Sprintf("Connecting to %s...", peer))
	}
	n.conns[peer] = c
}

func (n *Node) neighborConns() []mesh.Conn {
	ids := make([]string, 0, len(n.conns))
	for id, c := range n.conns {
		if c.Open() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]mesh.Conn, 0, len(ids))
	for _, id := range ids {
		out = append(out, n.conns[id])
	}
	return out
}

// neighbors exposes the node's open connections to the wave registry.
type neighbors struct{ n *Node }

func (s neighbors) Open() []wave.Conn {
	conns := s.n.neighborConns()
	out := make([]wave.Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, wireConn{c})
	}
	return out
}

// wireConn encodes wave messages onto a mesh connection.
type wireConn struct{ c mesh.Conn }

func (w wireConn) Peer() string { return w.c.Peer() }

func (w wireConn) Send(m wave.Message) error {
	b, err := wave.Encode(m)
	if err != nil {
		return err
	}
	if err := w.c.Send(b); err != nil {
		return err
	}
	telemetry.Frames.WithLabelValues("out").Inc()
	return nil
}
