// Package keyspace materializes the set of candidate keys for a run and
// selects keys from it through a popularity distribution.
//
// Keys are generated deterministically from their index, so two runs with
// the same key count see the same keys. Selection draws an index from a
// dist.Distribution whose domain is checked against [0, n) when the Space
// is built. "Hit one object" mode is simply a Constant(0) popularity.
package keyspace
