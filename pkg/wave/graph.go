package wave

import "slices"

// graphAggregator unions the adjacency lists reported by every node in the
// round. Each node reports itself once; if a key shows up twice the later
// write wins.
type graphAggregator struct {
	self string
	own  []string
	acc  Topology
}

func newGraphAggregator(self string, neighbors []string) *graphAggregator {
	own := slices.Clone(neighbors)
	slices.Sort(own)
	if own == nil {
		own = []string{}
	}
	return &graphAggregator{self: self, own: own, acc: Topology{}}
}

func (a *graphAggregator) contribute(m *Message) {
	m.Graph = Topology{a.self: slices.Clone(a.own)}
}

func (a *graphAggregator) mergeOwn() {
	a.acc[a.self] = slices.Clone(a.own)
}

func (a *graphAggregator) merge(m Message) {
	for id, peers := range m.Graph {
		a.acc[id] = slices.Clone(peers)
	}
}

func (a *graphAggregator) fill(m *Message) {
	m.Graph = a.acc.clone()
}

func (a *graphAggregator) finish(p Presenter) {
	p.ShowGraph(a.acc.clone())
}

func (a *graphAggregator) outcome() any {
	return a.acc.clone()
}

func (t Topology) clone() Topology {
	out := make(Topology, len(t))
	for id, peers := range t {
		out[id] = slices.Clone(peers)
	}
	return out
}
