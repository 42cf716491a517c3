package node

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/echomesh/pkg/ledger"
	"github.com/ryandielhenn/echomesh/pkg/wave"
)

// Status is a snapshot of the node taken on its event loop.
type Status struct {
	ID             string   `json:"id"`
	Value          int64    `json:"value"`
	Neighbors      []string `json:"neighbors"`
	ActiveRounds   int      `json:"active_rounds"`
	FinishedRounds int      `json:"finished_rounds"`
}

// Connect opens a connection to peer. The connection is usable once the
// transport reports it open.
func (n *Node) Connect(ctx context.Context, peer string) error {
	var err error
	if e := n.do(ctx, func() {
		if peer == n.id {
			n.pres.ShowText("You cannot connect to yourself.")
			err = ErrSelf
			return
		}
		n.log.Debug("connecting", zap.String("peer", peer))
		n.install(peer, n.tr.Connect(peer))
	}); e != nil {
		return e
	}
	return err
}

// Initiate starts a min or graph round rooted at this node.
func (n *Node) Initiate(ctx context.Context, kind wave.Kind) (string, error) {
	if kind == wave.KindFlood {
		return "", fmt.Errorf("%w: use Say for chat messages", wave.ErrUnknownKind)
	}
	var (
		round string
		err   error
	)
	if e := n.do(ctx, func() { round, err = n.reg.Initiate(kind, "") }); e != nil {
		return "", e
	}
	return round, err
}

// Say floods a chat line to every node reachable from this one.
func (n *Node) Say(ctx context.Context, text string) (string, error) {
	var (
		round string
		err   error
	)
	if e := n.do(ctx, func() {
		round, err = n.reg.Initiate(wave.KindFlood, text)
		if errors.Is(err, wave.ErrNoNeighbors) {
			n.pres.ShowText("No active connections found. Please, connect to somebody first.")
		}
	}); e != nil {
		return "", e
	}
	return round, err
}

// SetValue changes the local value used by min rounds started afterwards.
func (n *Node) SetValue(ctx context.Context, v int64) error {
	return n.do(ctx, func() {
		old := n.value
		n.value = v
		n.pres.ShowText(fmt.Sprintf("Changed value: %d -> %d", old, v))
	})
}

// ToggleDebug flips the logger between debug and its starting level and
// reports whether debug output is now on.
func (n *Node) ToggleDebug(ctx context.Context) (bool, error) {
	var on bool
	err := n.do(ctx, func() {
		if n.level == nil {
			n.pres.ShowText("Debug output is not available.")
			return
		}
		if n.level.Level() == zapcore.DebugLevel {
			next := n.base
			if next == zapcore.DebugLevel {
				next = zapcore.InfoLevel
			}
			n.level.SetLevel(next)
		} else {
			n.level.SetLevel(zapcore.DebugLevel)
			on = true
		}
		if on {
			n.pres.ShowText("Debug output on")
		} else {
			n.pres.ShowText("Debug output off")
		}
	})
	return on, err
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	var st Status
	err := n.do(ctx, func() {
		st = Status{
			ID:             n.id,
			Value:          n.value,
			Neighbors:      []string{},
			ActiveRounds:   n.reg.Active(),
			FinishedRounds: n.reg.Retired(),
		}
		for _, c := range n.neighborConns() {
			st.Neighbors = append(st.Neighbors, c.Peer())
		}
	})
	return st, err
}

// ForgetRound drops the stored result of a finished round. The round stays
// finished; late messages for it are still answered as before.
func (n *Node) ForgetRound(id string) bool {
	return n.ledger.Delete(id)
}

// Round returns the record of a round this node has finished. The ledger is
// safe for concurrent reads, so this does not go through the event loop.
func (n *Node) Round(id string) (ledger.Record, bool) {
	return n.ledger.Get(id)
}
