package scenario

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"

	"cacheload/internal/chaos"
	"cacheload/internal/client"
	"cacheload/internal/cluster"
	"cacheload/internal/cycleclock"
	"cacheload/internal/dist"
	"cacheload/internal/keyspace"
	"cacheload/internal/logger"
	"cacheload/internal/node"
	"cacheload/internal/recovery"
	"cacheload/internal/transport"
	"cacheload/internal/worker"
)

// samplers は設定から組み立てた分布
type samplers struct {
	valueSize    *dist.Distribution
	multiGetSize *dist.Distribution
	interarrival *dist.Distribution
	keys         *keyspace.Space
	trace        *worker.Trace
}

// setup はシナリオ実行前のセットアップ
func (e *Engine) setup(ctx context.Context) error {
	clock, err := cycleclock.Calibrate(e.config.Clock)
	if err != nil {
		return err
	}
	logger.Info("", "Clock calibrated: %s, %.0f cycles/s", clock.Source(), clock.CyclesPerSecond())

	s, err := e.buildSamplers()
	if err != nil {
		return err
	}
	if e.config.OutputFile != "" {
		if err := e.writeOutput(s); err != nil {
			return err
		}
	}

	servers, err := e.servers(ctx)
	if err != nil {
		return err
	}
	plan, err := servers.Plan(e.config.Workers, e.config.connections())
	if err != nil {
		return err
	}

	policy := e.config.Retry.WithEventBus(e.eventBus)
	workers := make([]worker.Config, e.config.Workers)
	for i := range workers {
		workers[i] = worker.Config{
			ID:           i,
			Servers:      plan[i],
			Mode:         e.config.Mode,
			Transport:    e.config.Transport,
			Mix:          e.config.Mix,
			Trace:        s.trace,
			Keys:         s.keys,
			ValueSize:    s.valueSize,
			MultiGetSize: s.multiGetSize,
			Interarrival: s.interarrival,
			Batch:        e.config.Batch,
			Seed:         e.config.Seed,
			Pin:          e.config.PinCPUs,
			CPU:          i % runtime.NumCPU(),
			Clock:        clock,
			Policy:       policy,
		}
	}

	var preload *client.Preload
	if e.config.Preload {
		preload = &client.Preload{
			Keys:      s.keys,
			ValueSize: s.valueSize,
			Servers:   servers.All(),
			Mode:      e.config.Mode,
			Transport: e.config.Transport,
			Rate:      e.config.PreloadRate,
			Seed:      e.config.Seed,
		}
	}

	c, err := client.New(client.Config{
		RunID:          e.runID,
		Workers:        workers,
		Duration:       e.config.Duration,
		ReportInterval: e.config.ReportInterval,
		Preload:        preload,
		Clock:          clock,
		Bus:            e.eventBus,
	}, e.metrics)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.clock = clock
	e.client = c
	e.preload = preload
	if e.cluster != nil {
		if e.config.EnableChaos {
			e.monkey = chaos.New(e.cluster, e.config.Chaos)
			e.monkey.SetEventBus(e.eventBus)
		}
		if e.config.EnableHeal {
			e.healer = recovery.New(e.cluster, e.config.Heal)
			e.healer.SetEventBus(e.eventBus)
		}
	}
	e.mu.Unlock()
	return nil
}

// buildSamplers は分布とキー空間を組み立てる
func (e *Engine) buildSamplers() (*samplers, error) {
	cfg := e.config
	s := &samplers{}
	var err error

	switch {
	case cfg.ValueSize > 0:
		s.valueSize, err = dist.NewConstant(float64(cfg.ValueSize))
	case cfg.ValueSizeFile != "":
		s.valueSize, err = dist.LoadTable(cfg.ValueSizeFile)
	default:
		s.valueSize, err = dist.NewUniform(1, 1024)
	}
	if err != nil {
		return nil, fmt.Errorf("value size distribution: %w", err)
	}
	if s.valueSize.Min() < 0 || s.valueSize.Max() > worker.MaxValueSize {
		return nil, invalid("value sizes must lie within [0, %d], got [%g, %g]",
			worker.MaxValueSize, s.valueSize.Min(), s.valueSize.Max())
	}

	switch {
	case cfg.MultiGetSize > 0:
		s.multiGetSize, err = dist.NewConstant(float64(cfg.MultiGetSize))
	case cfg.MultiGetFile != "":
		s.multiGetSize, err = dist.LoadTable(cfg.MultiGetFile)
	default:
		s.multiGetSize, err = dist.NewUniform(2, 10)
	}
	if err != nil {
		return nil, fmt.Errorf("multiget size distribution: %w", err)
	}

	if cfg.RPS > 0 {
		mean := float64(cfg.Workers) / float64(cfg.RPS)
		if cfg.Exponential {
			s.interarrival, err = dist.NewExponential(mean)
		} else {
			s.interarrival, err = dist.NewConstant(mean)
		}
		if err != nil {
			return nil, fmt.Errorf("interarrival distribution: %w", err)
		}
	}

	naming := keyspace.DefaultNaming()
	if cfg.KeyPrefix != "" {
		naming.Prefix = cfg.KeyPrefix
	}
	n := cfg.Keys
	switch {
	case cfg.HitOne:
		s.keys, err = keyspace.HitOne(n, naming)
	case cfg.PopularityFile != "":
		var pop *dist.Distribution
		pop, err = dist.LoadTable(cfg.PopularityFile)
		if err != nil {
			return nil, fmt.Errorf("popularity distribution: %w", err)
		}
		// テーブルの定義域全体をキー空間で覆う
		if need := int(pop.Max()) + 1; need > n {
			logger.Info("", "Key count raised from %d to %d to cover the popularity table", n, need)
			n = need
		}
		s.keys, err = keyspace.New(n, naming, pop)
	default:
		s.keys, err = keyspace.New(n, naming, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("key space: %w", err)
	}

	if cfg.TraceFile != "" {
		if s.trace, err = worker.LoadTrace(cfg.TraceFile); err != nil {
			return nil, err
		}
	}

	if cfg.Scale > 0 && cfg.Scale != 1 {
		before := s.keys.Len()
		if s.keys, err = s.keys.Scaled(cfg.Scale); err != nil {
			return nil, fmt.Errorf("scaling key space: %w", err)
		}
		if s.trace != nil {
			s.trace = s.trace.Scaled(cfg.Scale, s.keys.Len())
		}
		logger.Info("", "Dataset scaled by %g: %d -> %d keys", cfg.Scale, before, s.keys.Len())
	}
	if s.trace != nil {
		if err := s.trace.Validate(s.keys.Len()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// writeOutput はスケーリング後のトレース、なければ人気度テーブルを書き出す
func (e *Engine) writeOutput(s *samplers) error {
	f, err := os.Create(e.config.OutputFile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	switch pop := s.keys.Popularity(); {
	case s.trace != nil:
		_, err = s.trace.WriteTo(f)
	case pop.Kind() == dist.KindEmpirical:
		err = dist.WriteTable(f, pop.Table())
	default:
		err = dist.WriteTable(f, indexTable(pop, s.keys.Len()))
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", e.config.OutputFile, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("", "Wrote scaled dataset to %s", e.config.OutputFile)
	return nil
}

// indexTable は一様または定数の人気度を、キーごとに1点ずつのCDFで表す
func indexTable(pop *dist.Distribution, keys int) []dist.Point {
	if pop.Kind() == dist.KindConstant {
		return []dist.Point{{Value: pop.Min(), Prob: 1}}
	}
	lo := int(math.Ceil(pop.Min()))
	hi := min(int(math.Floor(pop.Max())), keys-1)
	n := hi - lo + 1
	table := make([]dist.Point, 0, n)
	for i := 0; i < n; i++ {
		table = append(table, dist.Point{Value: float64(lo + i), Prob: float64(i+1) / float64(n)})
	}
	return table
}

// servers は接続先を解決する。モック指定時はノードを起動する
func (e *Engine) servers(ctx context.Context) (*cluster.Servers, error) {
	udp := e.config.Mode == transport.ModeDatagram
	if e.config.Mock > 0 {
		c := cluster.New()
		var opts []node.Option
		if udp {
			opts = append(opts, node.WithUDP())
		}
		if err := c.CreateNodes(e.config.Mock, "mock", opts...); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cluster = c
		e.mu.Unlock()
		if err := c.StartAll(ctx); err != nil {
			return nil, fmt.Errorf("failed to start mock nodes: %w", err)
		}
		return c.Servers(udp)
	}

	var list []cluster.Server
	if e.config.ServerFile != "" {
		fromFile, err := cluster.LoadServerFile(e.config.ServerFile)
		if err != nil {
			return nil, err
		}
		list = append(list, fromFile...)
	}
	for _, addr := range e.config.Servers {
		srv, err := cluster.ParseServer(addr)
		if err != nil {
			return nil, err
		}
		list = append(list, srv)
	}
	list, err := cluster.Resolve(ctx, list)
	if err != nil {
		return nil, err
	}
	return cluster.NewServers(list)
}
