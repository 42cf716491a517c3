// Package present renders round output for a terminal.
package present

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/ryandielhenn/echomesh/pkg/wave"
)

// Console writes one block per event to w. Markup in text is flattened to
// plain text.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	self string
	// DOT additionally prints discovered graphs in Graphviz format.
	DOT bool
}

var _ wave.Presenter = (*Console)(nil)

func NewConsole(w io.Writer, self string) *Console {
	return &Console{w: w, self: self}
}

func (c *Console) ShowText(markup string) {
	c.println(Text(markup))
}

func (c *Console) ShowChatLine(sender, text string) {
	switch {
	case sender == "":
		c.println(text)
	case sender == c.self:
		c.println(fmt.Sprintf("%s (you): %s", sender, text))
	default:
		c.println(fmt.Sprintf("%s: %s", sender, text))
	}
}

func (c *Console) ShowGraph(g wave.Topology) {
	out := Adjacency(g, c.self)
	if c.DOT {
		out += DOT(g, c.self)
	}
	c.println(strings.TrimRight(out, "\n"))
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, s)
}

// Text flattens an HTML fragment to its text content; <br> becomes a
// newline.
func Text(markup string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.WriteString(z.Token().Data)
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		}
	}
}

// Adjacency lists every node with its neighbors, one per line, in id order.
// The node named self is marked with an asterisk.
func Adjacency(g wave.Topology, self string) string {
	ids := nodeIDs(g)
	var b strings.Builder
	fmt.Fprintf(&b, "graph: %d nodes, %d links\n", len(ids), len(edges(g)))
	for _, id := range ids {
		mark := " "
		if id == self {
			mark = "*"
		}
		peers := slices.Clone(g[id])
		slices.Sort(peers)
		fmt.Fprintf(&b, "%s %s -> %s\n", mark, id, strings.Join(peers, ", "))
	}
	return b.String()
}

// DOT renders g as an undirected Graphviz graph.
func DOT(g wave.Topology, self string) string {
	var b strings.Builder
	b.WriteString("graph mesh {\n")
	for _, id := range nodeIDs(g) {
		if id == self {
			fmt.Fprintf(&b, "  %q [style=filled];\n", id)
		} else {
			fmt.Fprintf(&b, "  %q;\n", id)
		}
	}
	for _, e := range edges(g) {
		fmt.Fprintf(&b, "  %q -- %q;\n", e[0], e[1])
	}
	b.WriteString("}\n")
	return b.String()
}

// nodeIDs returns every id that appears as a key or a neighbor, sorted.
func nodeIDs(g wave.Topology) []string {
	set := map[string]struct{}{}
	for id, peers := range g {
		set[id] = struct{}{}
		for _, p := range peers {
			set[p] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// edges returns each undirected link once, endpoints ordered.
func edges(g wave.Topology) [][2]string {
	set := map[[2]string]struct{}{}
	for id, peers := range g {
		for _, p := range peers {
			e := [2]string{id, p}
			if p < id {
				e = [2]string{p, id}
			}
			set[e] = struct{}{}
		}
	}
	out := make([][2]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b [2]string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	return out
}
