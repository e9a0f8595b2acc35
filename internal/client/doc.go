// Package client runs a set of load-generating workers for a fixed duration.
//
// The Client spawns one goroutine per worker through an errgroup, starts the
// periodic report, and blocks in Wait until the run duration elapses or the
// context is cancelled. A fatal worker error (an exhausted reconnect budget)
// cancels the remaining workers and is returned from Wait.
//
// # Basic Usage
//
//	m := metrics.New()
//	cl, err := client.New(client.Config{
//	    Workers:        configs,
//	    Duration:       10 * time.Second,
//	    ReportInterval: time.Second,
//	}, m)
//	if err != nil {
//	    return err
//	}
//
//	summary, err := cl.RunFor(ctx, 10*time.Second)
//	fmt.Println(summary.Report())
//
// # Preload
//
// When Config.Preload is set, every key is written once to every server
// before the workers start, throttled by go.uber.org/ratelimit.
//
// # Resources
//
// Start checks the open-file limit against the total connection count and
// fails with ErrResourceExhausted if the limit cannot be raised far enough.
package client
