// Package dist provides the probability models that drive every random
// choice of a load run: value sizes, key popularity, inter-arrival gaps,
// and multi-get fan-out.
//
// A Distribution is immutable once built. Sampling takes the caller's
// *rand.Rand so that each worker owns an independent stream and no
// synchronization is needed on the hot path.
//
// # Models
//
//   - Constant(v): always v
//   - Uniform(min, max): integer-inclusive for SampleInt, continuous for Sample
//   - Exponential(mean): inverse transform -mean*ln(1-u)
//   - Empirical(table): inverse CDF over (value, cumulative probability) pairs
//
// # Usage
//
//	rng := dist.NewRand(1, workerID)
//	size, _ := dist.NewUniform(1, 1024)
//	n := size.SampleInt(rng)
package dist
