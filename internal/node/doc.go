// Package node provides an in-process mock cache server that speaks the
// memcached binary protocol over TCP and, optionally, UDP.
//
// A Node is a test fixture and self-test target, not a cache product: it
// keeps items in a map without eviction or expiry. It exists so that load
// runs, failure scenarios, and fault injection can be exercised without an
// external memcached.
//
// # Basic Usage
//
//	n := node.New("mock-1", node.WithUDP())
//	if err := n.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Stop()
//
//	fmt.Println(n.Addr())    // TCP address
//	fmt.Println(n.UDPAddr()) // UDP address
//
// # Fault Controls
//
//   - SetDelay: every response is delayed by a fixed duration
//   - CloseAfter: the connection serving the Nth request is closed after
//     its response is written
//   - Suspend/Resume: requests hang until the node is resumed
//   - DropConnections: every open connection is closed immediately
//
// # Node Lifecycle
//
// Stopped -> Running <-> Suspended -> Stopped. Stop closes the listeners
// and all open connections and waits for their handlers to exit.
package node
