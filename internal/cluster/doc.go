// Package cluster describes the set of cache servers a run targets.
//
// Servers is a bounds-checked, immutable view over resolved server
// addresses. The run coordinator builds it once during setup (from a
// server file, the command line, or a mock Cluster) and hands it to
// workers, which only read from it. Plan spreads the configured total
// connection count across workers and assigns servers round-robin.
//
// Cluster manages a group of in-process mock nodes used for self-tests
// and fault-injection scenarios.
//
// # Basic Usage
//
//	list, err := cluster.LoadServerFile("servers.txt")
//	list, err = cluster.Resolve(ctx, list)
//	servers, err := cluster.NewServers(list)
//	plan, err := servers.Plan(workers, connections)
//
// With mock nodes:
//
//	c := cluster.New()
//	_ = c.CreateNodes(2, "mock")
//	_ = c.StartAll(ctx)
//	defer c.StopAll()
//	servers, err := c.Servers(false)
package cluster
