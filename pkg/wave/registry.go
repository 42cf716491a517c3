package wave

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/echomesh/pkg/ledger"
)

var ErrNoNeighbors = errors.New("wave: no open connections")

type entry struct {
	alg     Algorithm
	started time.Time
}

// Registry owns every round this node takes part in. It is not safe for
// concurrent use; the node's event loop is its only caller.
type Registry struct {
	env     Env
	bc      *Broadcaster
	rounds  map[string]*entry
	retired map[string]Kind
	done    *ledger.Store
	counter uint64
	log     *zap.Logger
}

func NewRegistry(env Env, done *ledger.Store) *Registry {
	if env.Log == nil {
		env.Log = zap.NewNop()
	}
	if env.Observer == nil {
		env.Observer = nopObserver{}
	}
	if env.Value == nil {
		env.Value = func() int64 { return 0 }
	}
	if done == nil {
		done = ledger.NewStore(16<<20, 0)
	}
	return &Registry{
		env:     env,
		bc:      NewBroadcaster(env.Neighbors, env.Log),
		rounds:  make(map[string]*entry),
		retired: make(map[string]Kind),
		done:    done,
		log:     env.Log,
	}
}

// Initiate starts a new round rooted at this node and returns its id.
// text is the chat message for flood rounds and ignored otherwise.
func (r *Registry) Initiate(kind Kind, text string) (string, error) {
	if !kind.valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if kind == KindFlood && len(r.env.Neighbors.Open()) == 0 {
		return "", ErrNoNeighbors
	}
	r.counter++
	msg := Message{Round: fmt.Sprintf("%s__%d", r.env.Self, r.counter), Kind: kind}
	if kind == KindFlood {
		msg.Sender, msg.Text = r.env.Self, text
	}
	r.create(nil, msg)
	return msg.Round, nil
}

// Dispatch routes a message received on from to its round, creating the
// round on first contact.
func (r *Registry) Dispatch(from Conn, msg Message) {
	log := r.log.With(zap.String("round", msg.Round), zap.String("kind", string(msg.Kind)), zap.String("peer", from.Peer()))

	if e, ok := r.rounds[msg.Round]; ok {
		if e.alg.Kind() != msg.Kind {
			log.Warn("kind mismatch for running round", zap.String("want", string(e.alg.Kind())))
			r.env.Observer.Violation("kind_mismatch")
			return
		}
		e.alg.OnMessage(from, msg)
		r.retireIfDone(msg.Round, e)
		return
	}

	if kind, ok := r.retired[msg.Round]; ok {
		if kind != msg.Kind {
			log.Warn("kind mismatch for finished round", zap.String("want", string(kind)))
			r.env.Observer.Violation("kind_mismatch")
			return
		}
		if msg.Phase == PhaseRequest {
			if err := from.Send(absentResponse(msg.Round, msg.Kind)); err != nil {
				log.Warn("absent reply failed", zap.Error(err))
			}
			return
		}
		log.Debug("message for finished round ignored", zap.String("phase", string(msg.Phase)))
		return
	}

	if msg.Phase == PhaseResponse {
		log.Warn("response for unknown round")
		r.env.Observer.Violation("unknown_round")
		return
	}
	r.create(from, msg)
}

// Disconnected tells every running round that peer is gone.
func (r *Registry) Disconnected(peer string) {
	for round, e := range r.rounds {
		e.alg.OnDisconnect(peer)
		r.retireIfDone(round, e)
	}
}

// Active is the number of rounds still waiting on responses.
func (r *Registry) Active() int { return len(r.rounds) }

// Retired is the number of rounds this node has finalized.
func (r *Registry) Retired() int { return len(r.retired) }

// Lookup returns the record of a finished round. The record may be gone
// after ledger eviction even though the round stays retired.
func (r *Registry) Lookup(round string) (ledger.Record, bool) {
	return r.done.Get(round)
}

func (r *Registry) create(parent Conn, msg Message) {
	alg, err := newAlgorithm(&r.env, r.bc, parent, msg)
	if err != nil {
		r.log.Warn("cannot create round", zap.String("round", msg.Round), zap.Error(err))
		r.env.Observer.Violation("unknown_kind")
		return
	}
	e := &entry{alg: alg, started: time.Now()}
	r.rounds[msg.Round] = e
	r.env.Observer.RoundStarted(alg.Kind(), alg.Initiator())

	alg.start()
	r.retireIfDone(msg.Round, e)
}

func (r *Registry) retireIfDone(round string, e *entry) {
	if !e.alg.Finalized() {
		return
	}
	delete(r.rounds, round)
	r.retired[round] = e.alg.Kind()

	result, err := json.Marshal(e.alg.Outcome())
	if err != nil {
		r.log.Warn("encode round outcome", zap.String("round", round), zap.Error(err))
	}
	now := time.Now()
	r.done.Put(ledger.Record{
		Round:      round,
		Kind:       string(e.alg.Kind()),
		Initiator:  e.alg.Initiator(),
		Result:     result,
		FinishedAt: now,
	})
	r.env.Observer.RoundFinalized(e.alg.Kind(), e.alg.Initiator(), now.Sub(e.started))
	r.log.Debug("round finalized", zap.String("round", round), zap.ByteString("result", result))
}
