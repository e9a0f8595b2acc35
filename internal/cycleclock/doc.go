// Package cycleclock measures short intervals with the CPU timestamp
// counter and converts cycle counts to wall-clock durations.
//
// On amd64 hosts that advertise both RDTSCP and an invariant TSC, Now
// issues a serializing RDTSCP. Everywhere else the package selects the
// monotonic clock explicitly, with a fixed rate of 1e9 ticks per second.
// The active Source is always visible through Clock.Source so reports can
// say which one produced their numbers.
//
// Calibrate must run once per process before durations are derived:
//
//	clk, err := cycleclock.Calibrate(cycleclock.DefaultOptions())
//	start := clk.Now()
//	...
//	elapsed := clk.Since(start)
//
// Long runs call Recalibrate periodically to re-derive the ratio from the
// cycles and wall time elapsed since the previous anchor.
package cycleclock
