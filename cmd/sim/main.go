package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/echomesh/pkg/mesh"
	"github.com/ryandielhenn/echomesh/pkg/node"
	"github.com/ryandielhenn/echomesh/pkg/wave"
)

// quiet drops everything the nodes would show on a console.
type quiet struct{}

func (quiet) ShowText(string)             {}
func (quiet) ShowChatLine(string, string) {}
func (quiet) ShowGraph(wave.Topology)     {}

func main() {
	n := flag.Int("n", 50, "nodes")
	extra := flag.Int("extra", 50, "links added on top of a random spanning tree")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	rounds := flag.Int("rounds", 20, "min and graph rounds to run")
	verbose := flag.Bool("v", false, "log node activity")
	flag.Parse()

	log := zap.NewNop()
	if *verbose {
		log, _ = zap.NewDevelopment()
	}
	if err := simulate(*n, *extra, *seed, *rounds, log); err != nil {
		fmt.Fprintln(os.Stderr, "sim:", err)
		os.Exit(1)
	}
}

func simulate(size, extra int, seed int64, rounds int, log *zap.Logger) error {
	if size < 2 {
		return fmt.Errorf("need at least 2 nodes, got %d", size)
	}
	rng := rand.New(rand.NewSource(seed))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nw := mesh.NewNetwork()
	nodes := make([]*node.Node, size)
	values := make([]int64, size)
	for i := range nodes {
		ep, err := nw.Join(fmt.Sprintf("n%03d", i))
		if err != nil {
			return err
		}
		defer ep.Close()
		values[i] = rng.Int63n(1000) - 500
		nodes[i] = node.New(ep, quiet{}, log, node.Options{Value: values[i]})
		go nodes[i].Run(ctx)
	}

	links := topology(rng, size, extra)
	degree := make([]int, size)
	for _, l := range links {
		if err := nodes[l[0]].Connect(ctx, nodes[l[1]].ID()); err != nil {
			return err
		}
		degree[l[0]]++
		degree[l[1]]++
	}
	for i, nd := range nodes {
		if err := waitFor(func() bool {
			st, err := nd.Status(ctx)
			return err == nil && len(st.Neighbors) == degree[i]
		}); err != nil {
			return fmt.Errorf("%s never saw its %d links: %w", nd.ID(), degree[i], err)
		}
	}
	fmt.Printf("mesh of %d nodes, %d links (seed %d)\n", size, len(links), seed)

	want := values[0]
	for _, v := range values {
		want = min(want, v)
	}

	root := nodes[rng.Intn(size)]
	var minTotal, graphTotal time.Duration
	for r := 0; r < rounds; r++ {
		start := time.Now()
		var got wave.MinValue
		if err := runRound(ctx, root, wave.KindMin, &got); err != nil {
			return err
		}
		minTotal += time.Since(start)
		if got.Value != want {
			return fmt.Errorf("min round %d: got %d from %s, want %d", r, got.Value, got.Owner, want)
		}

		start = time.Now()
		var g wave.Topology
		if err := runRound(ctx, root, wave.KindGraph, &g); err != nil {
			return err
		}
		graphTotal += time.Since(start)
		if len(g) != size {
			return fmt.Errorf("graph round %d: %d nodes, want %d", r, len(g), size)
		}
		ends := 0
		for _, nbrs := range g {
			ends += len(nbrs)
		}
		if ends != 2*len(links) {
			return fmt.Errorf("graph round %d: %d links, want %d", r, ends/2, len(links))
		}
	}
	if rounds > 0 {
		fmt.Printf("min:   %d rounds, avg %s\n", rounds, minTotal/time.Duration(rounds))
		fmt.Printf("graph: %d rounds, avg %s\n", rounds, graphTotal/time.Duration(rounds))
	}
	return nil
}

// topology returns the links of a random spanning tree over size nodes plus
// up to extra further distinct links.
func topology(rng *rand.Rand, size, extra int) [][2]int {
	seen := map[[2]int]bool{}
	var links [][2]int
	add := func(a, b int) bool {
		if a == b {
			return false
		}
		if a > b {
			a, b = b, a
		}
		if seen[[2]int{a, b}] {
			return false
		}
		seen[[2]int{a, b}] = true
		links = append(links, [2]int{a, b})
		return true
	}
	order := rng.Perm(size)
	for i := 1; i < size; i++ {
		add(order[i], order[rng.Intn(i)])
	}
	maxLinks := size * (size - 1) / 2
	for added := 0; added < extra && len(links) < maxLinks; {
		if add(rng.Intn(size), rng.Intn(size)) {
			added++
		}
	}
	return links
}

func runRound(ctx context.Context, root *node.Node, kind wave.Kind, out any) error {
	round, err := root.Initiate(ctx, kind)
	if err != nil {
		return err
	}
	var raw json.RawMessage
	if err := waitFor(func() bool {
		rec, ok := root.Round(round)
		raw = rec.Result
		return ok
	}); err != nil {
		return fmt.Errorf("round %s: %w", round, err)
	}
	return json.Unmarshal(raw, out)
}

func waitFor(cond func() bool) error {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}
