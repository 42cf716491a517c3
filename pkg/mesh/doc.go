// Package mesh carries frames between echomesh nodes. It defines an abstract
// Transport that hands connection lifecycle and data to its owner as a
// single stream of Events, plus two implementations: an in-process Network
// for tests and simulation, and a TCP transport for real deployments.
//
// Typical usage:
//
//	tr, _ := mesh.ListenTCP("node1", ":7946", resolver, log)
//	defer tr.Close()
//	conn := tr.Connect("node2")
//	for ev := range tr.Events() {
//		switch ev.Type {
//		case mesh.EventData:
//			handle(ev.Conn, ev.Data)
//		}
//	}
//
// Frames on one connection are delivered in the order they were sent.
package mesh
