package wave

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DisconnectPolicy decides what an active round does when a neighbor it is
// still waiting on goes away.
type DisconnectPolicy int

const (
	// DisconnectAbsent counts the lost neighbor as an absent response.
	DisconnectAbsent DisconnectPolicy = iota
	// DisconnectWait keeps waiting; the round never finalizes.
	DisconnectWait
)

func (p DisconnectPolicy) String() string {
	if p == DisconnectWait {
		return "wait"
	}
	return "absent"
}

func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "absent":
		return DisconnectAbsent, nil
	case "wait":
		return DisconnectWait, nil
	}
	return 0, fmt.Errorf("unknown disconnect policy %q", s)
}

// Observer receives round lifecycle events, e.g. for metrics.
type Observer interface {
	RoundStarted(kind Kind, initiator bool)
	RoundFinalized(kind Kind, initiator bool, elapsed time.Duration)
	Violation(reason string)
}

type nopObserver struct{}

func (nopObserver) RoundStarted(Kind, bool)                  {}
func (nopObserver) RoundFinalized(Kind, bool, time.Duration) {}
func (nopObserver) Violation(string)                         {}

// Env is the per-node context shared by every round on that node.
type Env struct {
	Self      string
	Neighbors NeighborSet
	Presenter Presenter
	// Value returns the node's current local value for min rounds.
	Value    func() int64
	Policy   DisconnectPolicy
	Observer Observer
	Log      *zap.Logger
}

// Algorithm is one node's part in one round.
type Algorithm interface {
	Kind() Kind
	Initiator() bool
	// OnMessage handles a later message for the same round.
	OnMessage(from Conn, msg Message)
	// OnDisconnect tells the round that a neighbor went away.
	OnDisconnect(peer string)
	Finalized() bool
	// Outcome is the accumulated result, JSON encodable.
	Outcome() any

	start()
}

func newAlgorithm(env *Env, bc *Broadcaster, parent Conn, msg Message) (Algorithm, error) {
	switch msg.Kind {
	case KindFlood:
		return newFlood(env, bc, parent, msg), nil
	case KindMin:
		return newEcho(env, bc, parent, msg, newMinAggregator(env.Self, env.Value())), nil
	case KindGraph:
		return newEcho(env, bc, parent, msg, newGraphAggregator(env.Self, openPeers(env.Neighbors))), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
}

// aggregator is the variant-specific half of an echo round.
type aggregator interface {
	// contribute writes the node's own contribution into an outgoing request.
	contribute(m *Message)
	mergeOwn()
	// merge folds a present child payload into the accumulator.
	merge(m Message)
	// fill writes the accumulator into the response for the parent.
	fill(m *Message)
	finish(p Presenter)
	outcome() any
}

// echo is the broadcast-then-converge machinery shared by min and graph.
type echo struct {
	env    *Env
	bc     *Broadcaster
	round  string
	kind   Kind
	parent Conn

	pending   map[string]struct{}
	finalized bool
	agg       aggregator
	log       *zap.Logger
}

func newEcho(env *Env, bc *Broadcaster, parent Conn, msg Message, agg aggregator) *echo {
	return &echo{
		env:    env,
		bc:     bc,
		round:  msg.Round,
		kind:   msg.Kind,
		parent: parent,
		agg:    agg,
		log:    env.Log.With(zap.String("round", msg.Round), zap.String("kind", string(msg.Kind))),
	}
}

func (e *echo) Kind() Kind      { return e.kind }
func (e *echo) Initiator() bool { return e.parent == nil }
func (e *echo) Finalized() bool { return e.finalized }
func (e *echo) Outcome() any    { return e.agg.outcome() }

func (e *echo) parentPeer() string {
	if e.parent == nil {
		return ""
	}
	return e.parent.Peer()
}

func (e *echo) start() {
	if e.Initiator() {
		e.env.Presenter.ShowText(fmt.Sprintf("Requesting %s...", e.kind))
	}

	req := Message{Round: e.round, Kind: e.kind, Phase: PhaseRequest}
	e.agg.contribute(&req)
	reached := e.bc.Broadcast(req, e.parentPeer())

	e.pending = make(map[string]struct{}, len(reached))
	for _, p := range reached {
		e.pending[p] = struct{}{}
	}
	e.log.Debug("round started", zap.String("parent", e.parentPeer()), zap.Int("pending", len(e.pending)))

	e.agg.mergeOwn()
	e.tryFinalize()
}

func (e *echo) OnMessage(from Conn, msg Message) {
	if msg.Phase != PhaseResponse {
		// Contacted again for a round we already joined: nothing more to
		// query, so answer with an absent value.
		if err := from.Send(absentResponse(e.round, e.kind)); err != nil {
			e.log.Warn("absent reply failed", zap.String("peer", from.Peer()), zap.Error(err))
		}
		return
	}
	if e.finalized {
		e.log.Debug("response after finalize ignored", zap.String("peer", from.Peer()))
		return
	}
	if _, ok := e.pending[from.Peer()]; !ok {
		e.log.Warn("response from peer not awaited", zap.String("peer", from.Peer()))
		e.env.Observer.Violation("stray_response")
		return
	}
	delete(e.pending, from.Peer())
	if !msg.Absent() {
		e.agg.merge(msg)
	}
	e.tryFinalize()
}

func (e *echo) OnDisconnect(peer string) {
	if e.finalized || e.env.Policy == DisconnectWait {
		return
	}
	if _, ok := e.pending[peer]; !ok {
		return
	}
	e.log.Info("pending neighbor lost, counting as absent", zap.String("peer", peer))
	delete(e.pending, peer)
	e.tryFinalize()
}

func (e *echo) tryFinalize() {
	if e.finalized || len(e.pending) > 0 {
		return
	}
	e.finalized = true

	if e.Initiator() {
		e.agg.finish(e.env.Presenter)
		return
	}
	resp := Message{Round: e.round, Kind: e.kind, Phase: PhaseResponse}
	e.agg.fill(&resp)
	if err := e.parent.Send(resp); err != nil {
		e.log.Warn("response to parent failed", zap.String("parent", e.parent.Peer()), zap.Error(err))
	}
}

func absentResponse(round string, kind Kind) Message {
	return Message{Round: round, Kind: kind, Phase: PhaseResponse}
}
