// Package overlay picks which known nodes a node should link to when it
// joins the mesh. Nodes are placed on a hash ring; a node links to the k
// distinct nodes that follow its own id on the ring, which spreads links
// evenly without any coordination.
package overlay

import (
	"cmp"
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sync"
)

type Hasher func([]byte) uint32

type vnode struct {
	point uint32
	id    string
}

// Picker is a consistent-hash view of the known nodes.
type Picker struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	ring     []vnode           // sorted by point
	nodes    map[string]string // id -> addr
}

func New(replicas int, h Hasher) *Picker {
	if replicas <= 0 {
		replicas = 64
	}
	if h == nil {
		h = FNV32a
	}
	return &Picker{replicas: replicas, hash: h, nodes: make(map[string]string)}
}

func (p *Picker) Add(id, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.nodes[id]; ok {
		p.nodes[id] = addr
		return
	}
	p.nodes[id] = addr
	for i := 0; i < p.replicas; i++ {
		p.ring = append(p.ring, vnode{point: p.hash(pointKey(id, i)), id: id})
	}
	p.sortRing()
}

func (p *Picker) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.nodes[id]; !ok {
		return
	}
	delete(p.nodes, id)
	p.ring = slices.DeleteFunc(p.ring, func(v vnode) bool { return v.id == id })
}

// Replace swaps the whole membership for peers.
func (p *Picker) Replace(peers map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = maps.Clone(peers)
	if p.nodes == nil {
		p.nodes = make(map[string]string)
	}
	p.ring = p.ring[:0]
	for id := range p.nodes {
		for i := 0; i < p.replicas; i++ {
			p.ring = append(p.ring, vnode{point: p.hash(pointKey(id, i)), id: id})
		}
	}
	p.sortRing()
}

// Sync applies the difference between the current node set and peers one
// node at a time and reports which ids joined and which left. An id whose
// address changed counts as joined.
func (p *Picker) Sync(peers map[string]string) (joined, left []string) {
	for id := range p.Nodes() {
		if _, ok := peers[id]; !ok {
			p.Remove(id)
			left = append(left, id)
		}
	}
	for id, addr := range peers {
		if old, ok := p.Addr(id); !ok || old != addr {
			p.Add(id, addr)
			joined = append(joined, id)
		}
	}
	slices.Sort(joined)
	slices.Sort(left)
	return joined, left
}

// Nodes returns a copy of the known id -> addr entries.
func (p *Picker) Nodes() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.nodes)
}

func (p *Picker) Addr(id string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.nodes[id]
	return a, ok
}

// Pick returns up to k distinct node ids following self on the ring,
// never including self.
func (p *Picker) Pick(self string, k int) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.ring) == 0 || k <= 0 {
		return nil
	}
	h := p.hash([]byte(self))
	start, _ := slices.BinarySearchFunc(p.ring, h, func(v vnode, t uint32) int { return cmp.Compare(v.point, t) })

	seen := map[string]bool{self: true}
	var out []string
	for i := 0; i < len(p.ring) && len(out) < k; i++ {
		id := p.ring[(start+i)%len(p.ring)].id
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Dials is the part of Pick(self, k) that self should dial when every node
// bootstraps from the same view at once. A link both ends would pick is
// dialed only by the end with the smaller id, so the two dials never race.
func (p *Picker) Dials(self string, k int) []string {
	var out []string
	for _, id := range p.Pick(self, k) {
		if self < id || !slices.Contains(p.Pick(id, k), self) {
			out = append(out, id)
		}
	}
	return out
}

func (p *Picker) sortRing() {
	slices.SortFunc(p.ring, func(a, b vnode) int {
		if c := cmp.Compare(a.point, b.point); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
}

func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
