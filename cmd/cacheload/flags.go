package main

import (
	"fmt"
	"time"

	"cacheload/internal/chaos"
	"cacheload/internal/config"
	"cacheload/internal/cycleclock"
	"cacheload/internal/scenario"
	"cacheload/internal/transport"

	"github.com/spf13/pflag"
)

// cliFlags はコマンドラインで受け取る値
type cliFlags struct {
	configFile  string
	preset      string
	listPresets bool
	showVersion bool
	timingTests bool
	monitor     string
	logLevel    string
	jsonReport  bool

	trace          string
	connections    int
	valueSizeFile  string
	serverMemory   int
	exponential    bool
	valueSize      int
	getFrac        float64
	incrFrac       float64
	deleteFrac     float64
	multiGetFrac   float64
	preload        bool
	preloadRate    int
	keys           int
	multiGetSize   int
	multiGetFile   string
	nagle          bool
	popularity     string
	output         string
	hitOne         bool
	rps            int
	batch          int
	serverFile     string
	servers        []string
	mock           int
	scale          float64
	duration       int
	reportInterval int
	udp            bool
	workers        int
	seed           int64
	pin            bool
	clock          string
	timeout        time.Duration
	retries        int
	zynga          bool

	chaos         bool
	chaosInterval time.Duration
	faults        string
	heal          bool
}

func newFlagSet(f *cliFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("cacheload", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&f.configFile, "config", "", "configuration file (YAML or JSON)")
	fs.StringVarP(&f.preset, "preset", "p", "", "preset scenario to start from")
	fs.BoolVar(&f.listPresets, "list-presets", false, "list the preset scenarios and exit")
	fs.BoolVar(&f.showVersion, "version", false, "print the version and exit")
	fs.BoolVarP(&f.timingTests, "timing-tests", "x", false, "run timing tests instead of load testing")
	fs.StringVar(&f.monitor, "monitor", "", "serve status, metrics and a WebSocket stream on this address")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&f.jsonReport, "json", false, "print the final report as JSON")

	fs.StringVarP(&f.serverFile, "server-file", "s", "", "server configuration file (one \"host port\" per line)")
	fs.StringSliceVar(&f.servers, "servers", nil, "comma separated host[:port] list")
	fs.IntVar(&f.mock, "mock", 0, "run against this many in-process mock servers")
	fs.BoolVarP(&f.udp, "udp", "u", false, "use UDP (default: TCP)")
	fs.BoolVarP(&f.nagle, "nagle", "n", false, "enable Nagle's algorithm")
	fs.DurationVar(&f.timeout, "timeout", 0, "per-request timeout")
	fs.IntVarP(&f.workers, "workers", "w", 1, "number of worker threads")
	fs.IntVarP(&f.connections, "connections", "c", 0, "total number of connections (default: one per worker)")
	fs.IntVarP(&f.duration, "time", "t", -1, "runtime of load testing in seconds (-1: run until interrupted)")
	fs.IntVarP(&f.reportInterval, "stats-interval", "T", 1, "interval between stats printing in seconds")

	fs.IntVarP(&f.keys, "keys", "k", 1000, "number of keys")
	fs.StringVarP(&f.popularity, "popularity", "N", "", "key popularity distribution file")
	fs.BoolVarP(&f.hitOne, "hit-one", "q", false, "every request hits the same object")
	fs.IntVarP(&f.valueSize, "value-size", "f", 0, "fixed value size")
	fs.StringVarP(&f.valueSizeFile, "value-size-file", "d", "", "value size distribution file")
	fs.IntVarP(&f.multiGetSize, "multiget-size", "l", 0, "fixed number of keys per multiget")
	fs.StringVarP(&f.multiGetFile, "multiget-file", "L", "", "multiget size distribution file (implies -m 1)")

	fs.Float64VarP(&f.getFrac, "get", "g", 0.9, "fraction of requests that are gets (the rest are sets)")
	fs.Float64VarP(&f.multiGetFrac, "multiget", "m", 0, "fraction of requests that are multigets")
	fs.Float64VarP(&f.incrFrac, "incr", "i", 0, "fraction of requests that are increments")
	fs.Float64Var(&f.deleteFrac, "delete", 0, "fraction of requests that are deletes")
	fs.StringVarP(&f.trace, "trace", "a", "", "request trace file used instead of the fractions")
	fs.Float64VarP(&f.scale, "scale", "S", 0, "dataset scaling factor (requires -o)")
	fs.StringVarP(&f.output, "output", "o", "", "output file for the scaled trace or popularity table")

	fs.IntVarP(&f.rps, "rps", "r", scenario.RPSMax, "attempted requests per second (-1: max, 0: latency test)")
	fs.BoolVarP(&f.exponential, "exponential", "e", false, "use an exponential arrival distribution (default: constant)")
	fs.IntVarP(&f.batch, "batch", "b", 1, "requests per write in latency tests (1-1000)")
	fs.BoolVarP(&f.preload, "preload", "j", false, "preload every key before the run")
	fs.IntVar(&f.preloadRate, "preload-rate", 0, "maximum preload writes per second (0: unlimited)")
	fs.Int64Var(&f.seed, "seed", 1, "random seed")
	fs.BoolVar(&f.pin, "pin", false, "pin each worker thread to a CPU")
	fs.StringVar(&f.clock, "clock", "auto", "cycle clock source (auto, tsc, monotonic)")
	fs.IntVar(&f.retries, "retries", 5, "connection retries before a worker gives up (0: unlimited)")

	fs.BoolVar(&f.chaos, "chaos", false, "inject faults into the mock servers")
	fs.DurationVar(&f.chaosInterval, "chaos-interval", 0, "interval between injected faults")
	fs.StringVar(&f.faults, "faults", "", "comma separated faults (drop, suspend, delay, kill)")
	fs.BoolVar(&f.heal, "heal", false, "heal faulted mock servers")

	fs.IntVarP(&f.serverMemory, "server-memory", "D", 0, "memory per server in MB (accepted, unused)")
	fs.BoolVarP(&f.zynga, "zynga", "z", false, "accepted for compatibility, unused")
	_ = fs.MarkHidden("zynga")
	_ = fs.MarkHidden("server-memory")

	return fs
}

// buildConfig は設定ファイルまたはプリセットを土台に、明示されたフラグを上書きする
func buildConfig(fs *pflag.FlagSet, f *cliFlags) (scenario.Config, *config.FileConfig, error) {
	cfg := scenario.DefaultConfig()
	var file *config.FileConfig

	if f.preset != "" {
		preset, ok := scenario.GetPreset(f.preset)
		if !ok {
			return cfg, nil, fmt.Errorf("unknown preset: %s (available: %v)", f.preset, scenario.ListPresets())
		}
		cfg = preset
	}
	if f.configFile != "" {
		var err error
		file, err = config.LoadFile(f.configFile)
		if err != nil {
			return cfg, nil, err
		}
		if err := file.Validate(); err != nil {
			return cfg, nil, fmt.Errorf("%s: %w", f.configFile, err)
		}
		if f.preset == "" && file.Scenario.Preset != "" {
			cfg, err = file.ToScenarioConfig()
		} else {
			cfg, err = file.Apply(cfg)
		}
		if err != nil {
			return cfg, nil, fmt.Errorf("%s: %w", f.configFile, err)
		}
	}

	set := fs.Changed
	if set("server-file") {
		cfg.ServerFile = f.serverFile
	}
	if set("servers") {
		cfg.Servers = f.servers
	}
	if set("mock") {
		cfg.Mock = f.mock
	}
	if set("udp") && f.udp {
		cfg.Mode = transport.ModeDatagram
	}
	if set("nagle") {
		cfg.Transport.Nagle = f.nagle
	}
	if set("timeout") {
		cfg.Transport.Timeout = f.timeout
	}
	if set("workers") {
		cfg.Workers = f.workers
	}
	if set("connections") {
		cfg.Connections = f.connections
	}
	if set("time") {
		cfg.Duration = 0
		if f.duration > 0 {
			cfg.Duration = time.Duration(f.duration) * time.Second
		}
	}
	if set("stats-interval") {
		cfg.ReportInterval = time.Duration(f.reportInterval) * time.Second
	}

	if set("keys") {
		cfg.Keys = f.keys
	}
	if set("popularity") {
		cfg.PopularityFile = f.popularity
	}
	if set("hit-one") {
		cfg.HitOne = f.hitOne
	}
	if set("value-size") {
		cfg.ValueSize = f.valueSize
	}
	if set("value-size-file") {
		cfg.ValueSizeFile = f.valueSizeFile
		cfg.ValueSize = 0
	}
	if set("multiget-size") {
		cfg.MultiGetSize = f.multiGetSize
	}
	if set("multiget-file") {
		cfg.MultiGetFile = f.multiGetFile
		cfg.MultiGetSize = 0
		if !set("multiget") {
			cfg.Mix.Get, cfg.Mix.MultiGet = 0, 1
		}
	}

	if set("get") {
		cfg.Mix.Get = f.getFrac
	}
	if set("multiget") {
		cfg.Mix.MultiGet = f.multiGetFrac
	}
	if set("incr") {
		cfg.Mix.Increment = f.incrFrac
	}
	if set("delete") {
		cfg.Mix.Delete = f.deleteFrac
	}
	if set("trace") {
		cfg.TraceFile = f.trace
	}
	if set("scale") {
		cfg.Scale = f.scale
	}
	if set("output") {
		cfg.OutputFile = f.output
	}

	if set("rps") {
		cfg.RPS = f.rps
	}
	if set("exponential") {
		cfg.Exponential = f.exponential
	}
	if set("batch") {
		cfg.Batch = f.batch
	}
	if set("preload") {
		cfg.Preload = f.preload
	}
	if set("preload-rate") {
		cfg.PreloadRate = f.preloadRate
	}
	if set("seed") {
		cfg.Seed = f.seed
		cfg.Chaos.Seed = f.seed
	}
	if set("pin") {
		cfg.PinCPUs = f.pin
	}
	if set("clock") {
		src, err := cycleclock.ParseSource(f.clock)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Clock.Source = src
	}
	if set("retries") {
		cfg.Retry.MaxRetries = f.retries
	}

	if set("chaos") {
		cfg.EnableChaos = f.chaos
	}
	if set("chaos-interval") {
		cfg.Chaos.Interval = f.chaosInterval
	}
	if set("faults") {
		faults, err := chaos.ParseFaults(f.faults)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Chaos.Faults = faults
	}
	if set("heal") {
		cfg.EnableHeal = f.heal
	}

	return cfg, file, nil
}
