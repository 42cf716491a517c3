package node

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/echomesh/internal/telemetry"
	"github.com/ryandielhenn/echomesh/pkg/mesh"
	"github.com/ryandielhenn/echomesh/pkg/wave"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	lines  []string
	chats  [][2]string
	graphs []wave.Topology
}

func (r *recorder) ShowText(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, s)
}

func (r *recorder) ShowChatLine(sender, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, [2]string{sender, text})
}

func (r *recorder) ShowGraph(g wave.Topology) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs = append(r.graphs, g)
}

func (r *recorder) saw(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func (r *recorder) heard(sender, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.chats, [2]string{sender, text})
}

func (r *recorder) lastGraph() (wave.Topology, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.graphs) == 0 {
		return nil, false
	}
	return r.graphs[len(r.graphs)-1], true
}

type violations struct {
	mu      sync.Mutex
	reasons []string
}

func (v *violations) RoundStarted(wave.Kind, bool)                  {}
func (v *violations) RoundFinalized(wave.Kind, bool, time.Duration) {}
func (v *violations) Violation(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reasons = append(v.reasons, reason)
}

func (v *violations) has(reason string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Contains(v.reasons, reason)
}

type testNode struct {
	*Node
	rec    *recorder
	ep     *mesh.Endpoint
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

// stop ends the event loop but leaves the endpoint on the network.
func (tn *testNode) stop() {
	tn.once.Do(func() {
		tn.cancel()
		<-tn.done
	})
}

func startNode(t *testing.T, nw *mesh.Network, id string, value int64, opts Options) *testNode {
	t.Helper()
	ep, err := nw.Join(id)
	require.NoError(t, err)

	opts.Value = value
	rec := &recorder{}
	n := New(ep, rec, zaptest.NewLogger(t), opts)

	ctx, cancel := context.WithCancel(context.Background())
	tn := &testNode{Node: n, rec: rec, ep: ep, cancel: cancel, done: make(chan error, 1)}
	go func() { tn.done <- n.Run(ctx) }()
	t.Cleanup(func() {
		tn.stop()
		ep.Close()
	})
	return tn
}

func waitNeighbors(t *testing.T, tn *testNode, want ...string) {
	t.Helper()
	slices.Sort(want)
	require.Eventually(t, func() bool {
		st, err := tn.Status(context.Background())
		return err == nil && slices.Equal(st.Neighbors, want)
	}, waitFor, tick, "%s neighbors", tn.ID())
}

func link(t *testing.T, from, to *testNode) {
	t.Helper()
	require.NoError(t, from.Connect(context.Background(), to.ID()))
}

func TestRunShowsID(t *testing.T) {
	a := startNode(t, mesh.NewNetwork(), "A", 0, Options{})
	require.Eventually(t, func() bool { return a.rec.saw("Your id is A") }, waitFor, tick)
}

func TestMinOverLine(t *testing.T) {
	nw := mesh.NewNetwork()
	a := startNode(t, nw, "A", 5, Options{})
	b := startNode(t, nw, "B", 3, Options{})
	c := startNode(t, nw, "C", 7, Options{})
	link(t, a, b)
	link(t, b, c)
	waitNeighbors(t, a, "B")
	waitNeighbors(t, b, "A", "C")
	waitNeighbors(t, c, "B")

	round, err := a.Initiate(context.Background(), wave.KindMin)
	require.NoError(t, err)
	assert.Equal(t, "A__1", round)

	require.Eventually(t, func() bool {
		return a.rec.saw("The minimal value is 3, owned by B")
	}, waitFor, tick)
	assert.True(t, a.rec.saw("Requesting min..."))

	rec, ok := a.Round(round)
	require.True(t, ok)
	assert.True(t, rec.Initiator)
	assert.JSONEq(t, `{"value":3,"client":"B"}`, string(rec.Result))

	require.Eventually(t, func() bool {
		r, ok := c.Round(round)
		return ok && !r.Initiator
	}, waitFor, tick, "relay keeps a record too")
}

func TestNeighborGaugeIsPerNode(t *testing.T) {
	nw := mesh.NewNetwork()
	g1 := startNode(t, nw, "gauge-1", 0, Options{})
	g2 := startNode(t, nw, "gauge-2", 0, Options{})
	g3 := startNode(t, nw, "gauge-3", 0, Options{})
	link(t, g1, g2)
	link(t, g2, g3)
	waitNeighbors(t, g2, "gauge-1", "gauge-3")
	waitNeighbors(t, g1, "gauge-2")
	waitNeighbors(t, g3, "gauge-2")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(telemetry.Neighbors.WithLabelValues("gauge-2")) == 2 &&
			testutil.ToFloat64(telemetry.Neighbors.WithLabelValues("gauge-1")) == 1 &&
			testutil.ToFloat64(telemetry.Neighbors.WithLabelValues("gauge-3")) == 1
	}, waitFor, tick)
}

func TestGraphOnTriangle(t *testing.T) {
	nw := mesh.NewNetwork()
	a := startNode(t, nw, "A", 0, Options{})
	b := startNode(t, nw, "B", 0, Options{})
	c := startNode(t, nw, "C", 0, Options{})
	link(t, a, b)
	link(t, b, c)
	link(t, c, a)
	waitNeighbors(t, a, "B", "C")
	waitNeighbors(t, b, "A", "C")
	waitNeighbors(t, c, "A", "B")

	_, err := a.Initiate(context.Background(), wave.KindGraph)
	require.NoError(t, err)

	var g wave.Topology
	require.Eventually(t, func() bool {
		var ok bool
		g, ok = a.rec.lastGraph()
		return ok
	}, waitFor, tick)
	assert.Equal(t, wave.Topology{
		"A": {"B", "C"},
		"B": {"A", "C"},
		"C": {"A", "B"},
	}, g)
}

func TestSayFloods(t *testing.T) {
	nw := mesh.NewNetwork()
	a := startNode(t, nw, "A", 0, Options{})
	b := startNode(t, nw, "B", 0, Options{})
	c := startNode(t, nw, "C", 0, Options{})
	link(t, a, b)
	link(t, b, c)
	waitNeighbors(t, b, "A", "C")

	_, err := a.Say(context.Background(), "hello")
	require.NoError(t, err)
	for _, tn := range []*testNode{a, b, c} {
		require.Eventually(t, func() bool { return tn.rec.heard("A", "hello") }, waitFor, tick, tn.ID())
	}
}

func TestConnectToSelf(t *testing.T) {
	a := startNode(t, mesh.NewNetwork(), "A", 0, Options{})
	err := a.Connect(context.Background(), "A")
	require.ErrorIs(t, err, ErrSelf)
	assert.True(t, a.rec.saw("You cannot connect to yourself."))
}

func TestSayWithoutNeighbors(t *testing.T) {
	a := startNode(t, mesh.NewNetwork(), "A", 0, Options{})
	_, err := a.Say(context.Background(), "anyone?")
	require.ErrorIs(t, err, wave.ErrNoNeighbors)
	assert.True(t, a.rec.saw("No active connections found"))
}

func TestConnectUnknownPeer(t *testing.T) {
	a := startNode(t, mesh.NewNetwork(), "A", 0, Options{})
	require.NoError(t, a.Connect(context.Background(), "ghost"))
	require.Eventually(t, func() bool { return a.rec.saw("Error when working with ghost") }, waitFor, tick)
	waitNeighbors(t, a)
}

func TestDisconnectMidRound(t *testing.T) {
	nw := mesh.NewNetwork()
	a := startNode(t, nw, "A", 5, Options{Policy: wave.DisconnectAbsent})
	b := startNode(t, nw, "B", 4, Options{Policy: wave.DisconnectAbsent})
	c := startNode(t, nw, "C", 1, Options{Policy: wave.DisconnectAbsent})
	link(t, a, b)
	link(t, b, c)
	waitNeighbors(t, a, "B")
	waitNeighbors(t, b, "A", "C")

	// C stays connected but never answers.
	c.stop()

	round, err := a.Initiate(context.Background(), wave.KindMin)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := b.Status(context.Background())
		return err == nil && st.ActiveRounds == 1
	}, waitFor, tick, "B waits on C")
	_, done := a.Round(round)
	assert.False(t, done)

	require.NoError(t, c.ep.Close())
	require.Eventually(t, func() bool {
		return a.rec.saw("The minimal value is 4, owned by B")
	}, waitFor, tick)
	assert.True(t, b.rec.saw("Disconnected from C"))
}

func TestReconnectReplacesConnection(t *testing.T) {
	nw := mesh.NewNetwork()
	a := startNode(t, nw, "A", 0, Options{})
	b := startNode(t, nw, "B", 0, Options{})
	link(t, a, b)
	waitNeighbors(t, a, "B")
	link(t, a, b)

	assert.True(t, a.rec.saw("Reconnecting to B..."))
	waitNeighbors(t, a, "B")
	waitNeighbors(t, b, "A")
	require.Eventually(t, func() bool { return b.rec.saw("Reconnecting to A...") }, waitFor, tick)

	_, err := a.Say(context.Background(), "still here")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.rec.heard("A", "still here") }, waitFor, tick)
}

func TestMalformedFrameIsDiscarded(t *testing.T) {
	nw := mesh.NewNetwork()
	obs := &violations{}
	a := startNode(t, nw, "A", 2, Options{Observer: obs})

	raw, err := nw.Join("X")
	require.NoError(t, err)
	defer raw.Close()
	conn := raw.Connect("A")
	waitNeighbors(t, a, "X")

	require.NoError(t, conn.Send([]byte("not json")))
	require.Eventually(t, func() bool { return obs.has("malformed") }, waitFor, tick)

	// A still serves rounds for X.
	req, err := wave.Encode(wave.Message{Round: "X__1", Kind: wave.KindMin, Phase: wave.PhaseRequest})
	require.NoError(t, err)
	require.NoError(t, conn.Send(req))

	var reply wave.Message
	require.Eventually(t, func() bool {
		select {
		case ev := <-raw.Events():
			if ev.Type != mesh.EventData {
				return false
			}
			m, err := wave.Decode(ev.Data)
			if err != nil {
				return false
			}
			reply = m
			return true
		default:
			return false
		}
	}, waitFor, tick)
	assert.Equal(t, wave.PhaseResponse, reply.Phase)
	assert.Equal(t, &wave.MinValue{Value: 2, Owner: "A"}, reply.Min)
}

func TestSetValueChangesLaterRounds(t *testing.T) {
	a := startNode(t, mesh.NewNetwork(), "A", 1, Options{})
	require.NoError(t, a.SetValue(context.Background(), -9))
	assert.True(t, a.rec.saw("Changed value: 1 -> -9"))

	round, err := a.Initiate(context.Background(), wave.KindMin)
	require.NoError(t, err)
	rec, ok := a.Round(round)
	require.True(t, ok)

	var got wave.MinValue
	require.NoError(t, json.Unmarshal(rec.Result, &got))
	assert.Equal(t, wave.MinValue{Value: -9, Owner: "A"}, got)
}

func TestCallsAfterStop(t *testing.T) {
	a := startNode(t, mesh.NewNetwork(), "A", 0, Options{})
	a.stop()
	_, err := a.Status(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
