// Package wave runs wave/echo rounds over a node's direct neighbors.
//
// A round starts at one node (the initiator) and spreads outward: every node
// that hears of it for the first time remembers the sender as its parent and
// forwards a request to all other open neighbors. Once every neighbor it
// asked has answered, a node folds the answers into its own contribution and
// responds to its parent. The initiator ends up holding the result for the
// whole connected mesh.
//
// Three variants are provided:
//
//	message  flood a chat line, no answers expected
//	min      find the smallest local value and the node that holds it
//	graph    collect every node's neighbor list
//
// Typical usage, from a single event loop:
//
//	reg := wave.NewRegistry(wave.Env{Self: id, Neighbors: ns, Presenter: p}, nil)
//	round, _ := reg.Initiate(wave.KindMin, "")
//	// for every frame received on conn:
//	msg, err := wave.Decode(frame)
//	if err == nil {
//		reg.Dispatch(conn, msg)
//	}
//
// Registry and the rounds it owns are not safe for concurrent use.
package wave
