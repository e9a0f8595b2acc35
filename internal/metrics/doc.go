// Package metrics aggregates per-request latency samples into periodic and
// final reports.
//
// Workers push a Sample for every request. Samples land in two buckets
// under one mutex: an interval bucket that Snapshot reads and resets, and a
// cumulative bucket that Finalize reads at run end. Each bucket keeps exact
// count, sum, sum of squares, min and max, plus an HDR histogram for
// percentiles.
//
// # Accuracy
//
// Percentiles are approximate. The histogram tracks 1ns to 60s with three
// significant digits, so any reported percentile is within 0.1% of the
// true order statistic. Latencies outside the range are clamped to it.
// Mean and standard deviation are computed exactly from the running sums.
//
// # Basic Usage
//
//	m := metrics.New()
//	m.Record(metrics.Sample{Op: protocol.KindGet, Latency: d})
//
//	go m.Run(ctx, time.Second, func(s metrics.Snapshot) {
//	    fmt.Println(s)
//	})
//
//	summary := m.Finalize()
//
// # Prometheus
//
// An Exporter mirrors every snapshot into a private Prometheus registry,
// served by the monitor at /metrics. It is updated per snapshot rather than
// per request, so it adds nothing to the hot path.
package metrics
