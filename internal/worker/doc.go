// Package worker generates load against memcached servers.
//
// A Worker owns a set of connections and runs a pacing and dispatch loop
// on its own OS thread:
//
//	Connecting -> Idle -> Pacing -> Sending -> Awaiting -> Idle ...
//
// Each iteration waits for the next scheduled send time (when an
// inter-arrival distribution is configured), chooses an operation from the
// Sequencer, picks keys and value sizes from the shared distributions,
// writes the request and blocks for its reply. Every request produces one
// metrics.Sample. The stop signal is observed between iterations only.
//
// # Randomness
//
// Each worker draws from its own PCG stream seeded with seed+id, so two
// runs with the same seed and worker count issue the same sequence of
// operations, keys and sizes per worker.
//
// # Pacing
//
// Pacer schedules the next send relative to the previous scheduled time,
// not the actual one, so scheduling jitter does not accumulate. It sleeps
// until 50µs before the deadline and spins for the rest.
//
// # Failures
//
// A transport or protocol error is recorded as a failed sample, and the
// connection is re-established through recovery.Policy. When the policy's
// retry budget is exhausted, Run returns the error and the run aborts.
// Error statuses in replies count as failures without a reconnect.
//
// # Batch mode
//
// With Batch > 1 the worker writes Batch requests in one call and then
// reads the replies, recording each request's latency from the write.
// Batch mode is for latency tests at rps 0 over the stream transport.
package worker
